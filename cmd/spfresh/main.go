// Command spfresh is the experiment driver: it builds a disk-resident
// index from a vector file (or generated data), streams additional
// batches through the online insert path, runs queries and reports
// query latency and index counters. Exit code 0 on success, 1 on any
// fatal error.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/edirooss/spfresh/internal/index/vectors"
)

func main() {
	app := &cli.App{
		Name:  "spfresh",
		Usage: "disk-resident fresh ANN index experiment driver",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "dim", Required: true, Usage: "vector dimension"},
			&cli.IntFlag{Name: "count", Usage: "vectors per batch (generated when no --db-vectors)"},
			&cli.IntFlag{Name: "batches", Value: 1, Usage: "first batch builds, the rest insert online"},
			&cli.StringFlag{Name: "db-vectors", Usage: "raw dim×T binary file, no header"},
			&cli.StringFlag{Name: "query-vectors", Usage: "raw dim×T binary file, no header"},
			&cli.StringFlag{Name: "k", Value: "10", Usage: "comma-separated result sizes for reporting"},
			&cli.IntFlag{Name: "threads", Value: 4, Usage: "insert/query worker threads"},
			&cli.StringFlag{Name: "index-dir", Required: true, Usage: "mapping + persistent-buffer root"},
			&cli.StringFlag{Name: "spdk-map", Required: true, Usage: "block-device mapping file path"},
			&cli.StringFlag{Name: "value-type", Value: "Float", Usage: "Float|Int8|Int16|UInt8"},
			&cli.Float64Flag{Name: "ratio", Value: 0.1, Usage: "head-selection ratio"},
			&cli.IntFlag{Name: "replica-count", Value: 8},
			&cli.IntFlag{Name: "posting-page-limit", Value: 3, Usage: "advisory max blocks per posting"},
			&cli.IntFlag{Name: "merge-threshold", Value: 10},
			&cli.IntFlag{Name: "split-threshold", Usage: "default 18 × replica-count"},
			&cli.Float64Flag{Name: "max-dist-ratio", Usage: "search tail prune"},
			&cli.IntFlag{Name: "search-internal-result-num", Value: 64, Usage: "search width"},
			&cli.Uint64Flag{Name: "capacity-blocks", Value: 1 << 18, Usage: "device capacity in blocks"},
			&cli.StringFlag{Name: "trace-file", Usage: "headered trace to replay through the harness"},
			&cli.IntFlag{Name: "trace-window", Value: 1024, Usage: "trace sliding-window slots"},
			&cli.StringFlag{Name: "result-log", Usage: "harness result log path"},
			&cli.StringFlag{Name: "http-addr", Usage: "serve the debug API on this address"},
			&cli.StringFlag{Name: "meta-redis", Usage: "redis addr for the payload store (file store otherwise)"},
			&cli.Int64Flag{Name: "seed", Value: 42, Usage: "seed for generated vectors"},
			&cli.BoolFlag{Name: "debug", Usage: "dump resolved options"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	logConfig := zap.NewDevelopmentConfig()
	logConfig.EncoderConfig.TimeKey = ""
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logConfig.DisableStacktrace = true
	logConfig.DisableCaller = true
	log := zap.Must(logConfig.Build())
	defer log.Sync()
	log = log.Named("spfresh")

	vt, err := vectors.ParseValueType(c.String("value-type"))
	if err != nil {
		return err
	}

	switch vt {
	case vectors.Float32:
		return experiment[float32](c, log)
	case vectors.Int8:
		return experiment[int8](c, log)
	case vectors.Int16:
		return experiment[int16](c, log)
	case vectors.UInt8:
		return experiment[uint8](c, log)
	}
	return fmt.Errorf("unhandled value type %s", vt)
}
