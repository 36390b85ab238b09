package main

import (
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/edirooss/spfresh/internal/api/httpapi"
	"github.com/edirooss/spfresh/internal/harness/result"
	"github.com/edirooss/spfresh/internal/harness/trace"
	"github.com/edirooss/spfresh/internal/index/engine"
	"github.com/edirooss/spfresh/internal/index/vectors"
	"github.com/edirooss/spfresh/internal/meta"
	"github.com/edirooss/spfresh/pkg/vecio"
)

// traceHash is the conventional multiplicative op-kind hash used by the
// replay harness.
func traceHash(x uint64) uint64 { return x * 0x9E3779B97F4A7C15 >> 63 }

func buildOptions(c *cli.Context) engine.Options {
	return engine.Options{
		Dim:                     c.Int("dim"),
		Distance:                vectors.L2,
		IndexDir:                c.String("index-dir"),
		MappingPath:             c.String("spdk-map"),
		CapacityBlocks:          c.Uint64("capacity-blocks"),
		Ratio:                   c.Float64("ratio"),
		ReplicaCount:            c.Int("replica-count"),
		PostingPageLimit:        c.Int("posting-page-limit"),
		MergeThreshold:          c.Int("merge-threshold"),
		SplitThreshold:          c.Int("split-threshold"),
		MaxDistRatio:            c.Float64("max-dist-ratio"),
		SearchInternalResultNum: c.Int("search-internal-result-num"),
		AppendWorkers:           c.Int("threads"),
	}
}

func experiment[T vectors.Element](c *cli.Context, log *zap.Logger) error {
	opts := buildOptions(c)
	if c.Bool("debug") {
		fmt.Fprint(os.Stderr, spew.Sdump(opts))
	}
	if err := os.MkdirAll(opts.IndexDir, 0o755); err != nil {
		return err
	}

	var payloadStore meta.Store
	var err error
	if addr := c.String("meta-redis"); addr != "" {
		payloadStore = meta.NewRedisStore(addr, 0, log)
	} else {
		payloadStore, err = meta.OpenFileStore(filepath.Join(opts.IndexDir, "meta.dat"), log)
		if err != nil {
			return err
		}
	}
	defer payloadStore.Close()

	eng, err := engine.New[T](opts, payloadStore, log)
	if err != nil {
		return err
	}
	defer eng.Close()

	if addr := c.String("http-addr"); addr != "" {
		srv := &http.Server{Addr: addr, Handler: httpapi.Routes(eng, log)}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("debug api server failed", zap.Error(err))
			}
		}()
		defer srv.Close()
		log.Info("debug api listening", zap.String("addr", addr))
	}

	batches := c.Int("batches")
	threads := c.Int("threads")
	for batch := 0; batch < batches; batch++ {
		vecs, err := loadBatch[T](c, batch)
		if err != nil {
			return err
		}
		start := time.Now()
		if batch == 0 && eng.GetNumSamples() == 0 {
			if err := eng.Build(vecs); err != nil {
				return err
			}
			log.Info("build done",
				zap.Int("vectors", len(vecs)),
				zap.Duration("took", time.Since(start)),
			)
			continue
		}

		var g errgroup.Group
		g.SetLimit(threads)
		for _, v := range vecs {
			vec := v
			g.Go(func() error {
				_, err := eng.Insert(vec)
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		eng.DrainAppend()
		log.Info("batch inserted",
			zap.Int("batch", batch),
			zap.Int("vectors", len(vecs)),
			zap.Duration("took", time.Since(start)),
		)
	}

	if tracePath := c.String("trace-file"); tracePath != "" {
		if err := replayTrace[T](c, eng, log, tracePath); err != nil {
			return err
		}
	}

	if queryPath := c.String("query-vectors"); queryPath != "" {
		if err := runQueries[T](c, eng, log, queryPath); err != nil {
			return err
		}
	}

	stats := eng.Stats()
	log.Info("experiment done",
		zap.Uint32("vectors", stats.Vectors),
		zap.Int("heads", stats.Heads),
		zap.Int("postings", stats.Postings),
		zap.Int64("splits", stats.Splits),
		zap.Int64("merges", stats.Merges),
		zap.Int64("reassigns", stats.Reassigns),
	)
	return nil
}

// loadBatch reads the batch's vectors from the raw file, or generates
// them deterministically from the seed.
func loadBatch[T vectors.Element](c *cli.Context, batch int) ([][]T, error) {
	dim := c.Int("dim")
	count := c.Int("count")
	if path := c.String("db-vectors"); path != "" {
		all, err := vecio.ReadRaw[T](path, dim)
		if err != nil {
			return nil, err
		}
		if count <= 0 {
			return all, nil
		}
		lo := batch * count
		if lo >= len(all) {
			return nil, fmt.Errorf("batch %d starts past the %d vectors in %s", batch, len(all), path)
		}
		hi := lo + count
		if hi > len(all) {
			hi = len(all)
		}
		return all[lo:hi], nil
	}
	if count <= 0 {
		return nil, fmt.Errorf("either --count or --db-vectors is required")
	}
	return generate[T](count, dim, c.Int64("seed")+int64(batch)), nil
}

func generate[T vectors.Element](count, dim int, seed int64) [][]T {
	rng := rand.New(rand.NewSource(seed))
	out := make([][]T, count)
	for i := range out {
		v := make([]T, dim)
		for j := range v {
			v[j] = T(rng.Intn(100))
		}
		out[i] = v
	}
	return out
}

// replayTrace drives the index from a headered trace file: op kind per
// record comes from the harness hash, outcomes land in the result log.
func replayTrace[T vectors.Element](c *cli.Context, eng *engine.Engine[T], log *zap.Logger, path string) error {
	ks, err := parseKs(c.String("k"))
	if err != nil {
		return err
	}
	k := ks[0]

	logPath := c.String("result-log")
	if logPath == "" {
		logPath = filepath.Join(c.String("index-dir"), "results.log")
	}
	writer, err := result.NewWriter(logPath, k, 4096)
	if err != nil {
		return err
	}

	player, err := trace.Open[T](path, c.Int("trace-window"), traceHash)
	if err != nil {
		writer.Close()
		return err
	}

	start := time.Now()
	var wg sync.WaitGroup
	errCh := make(chan error, c.Int("threads"))
	for t := 0; t < c.Int("threads"); t++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				guard, err := player.Next()
				if err != nil {
					errCh <- err
					return
				}
				if guard == nil {
					return
				}
				rec := guard.Record
				switch rec.Op {
				case trace.OpWrite:
					vid, err := eng.Insert(rec.Data)
					if err == nil {
						writer.WriteInsert(rec.Seq, uint64(vid))
					} else {
						log.Warn("trace insert failed", zap.Uint64("seq", rec.Seq), zap.Error(err))
					}
				case trace.OpRead:
					results, err := eng.Search(rec.Data, k)
					if err == nil {
						ids := make([]uint64, len(results))
						for i, r := range results {
							ids[i] = uint64(r.Vid)
						}
						writer.WriteSearch(rec.Seq, ids)
					} else {
						log.Warn("trace search failed", zap.Uint64("seq", rec.Seq), zap.Error(err))
					}
				}
				guard.Release()
			}
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			player.Close()
			writer.Close()
			return err
		}
	}

	eng.DrainAppend()
	if err := writer.Close(); err != nil {
		player.Close()
		return err
	}
	if err := player.Close(); err != nil {
		return err
	}
	log.Info("trace replayed",
		zap.Uint64("records", player.TotalVectors()),
		zap.Duration("took", time.Since(start)),
	)
	return nil
}

// runQueries executes every query for every requested k and reports the
// total and average latency per k.
func runQueries[T vectors.Element](c *cli.Context, eng *engine.Engine[T], log *zap.Logger, path string) error {
	queries, err := vecio.ReadRaw[T](path, c.Int("dim"))
	if err != nil {
		return err
	}
	ks, err := parseKs(c.String("k"))
	if err != nil {
		return err
	}

	for _, k := range ks {
		start := time.Now()
		var g errgroup.Group
		g.SetLimit(c.Int("threads"))
		for _, q := range queries {
			query := q
			g.Go(func() error {
				_, err := eng.Search(query, k)
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		took := time.Since(start)
		log.Info("query pass",
			zap.Int("k", k),
			zap.Int("queries", len(queries)),
			zap.Duration("took", took),
			zap.Duration("avg", took/time.Duration(len(queries))),
		)
	}
	return nil
}

func parseKs(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		k, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || k <= 0 {
			return nil, fmt.Errorf("invalid k list %q", s)
		}
		out = append(out, k)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty k list")
	}
	return out, nil
}
