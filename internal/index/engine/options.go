package engine

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/edirooss/spfresh/internal/index/vectors"
)

// Options carries every tunable of the engine. Zero values are filled in
// by Normalize; the CLI populates this from flags.
type Options struct {
	Dim        int
	Distance   vectors.DistMethod
	IndexDir   string
	MappingPath string // block-device mapping checkpoint (--spdk-map)

	// Device geometry.
	BlockSize      int
	CapacityBlocks uint64

	// Head selection ratio for the initial build.
	Ratio float64

	// ReplicaCount is R: each vector is appended at its R nearest heads.
	ReplicaCount int
	// PostingPageLimit is an advisory cap on blocks per posting; postings
	// written past it are only logged at debug level. SplitThreshold is
	// authoritative for splits.
	PostingPageLimit int
	// MergeThreshold: postings below this record count are merge
	// candidates, and append batches group up to this many jobs.
	MergeThreshold int
	// SplitThreshold: postings above this record count split. Defaults to
	// 18 × ReplicaCount.
	SplitThreshold int
	// RNGFactor tunes the relative-neighborhood pruning on append.
	RNGFactor float64

	// Search knobs.
	SearchInternalResultNum int     // routing width m
	MaxCandidates           int     // cap on scored records per query
	MaxDistRatio            float64 // tail prune: drop d > best × ratio

	// Worker pools.
	AppendWorkers   int
	ReassignWorkers int

	// Foreground backpressure: inserts fail once this many append jobs
	// are pending.
	MaxAppendBacklog int

	// Persistent buffer durability cadence.
	BufferSyncInterval  time.Duration
	BufferSyncHighWater int

	// Posting store.
	MappingFlushInterval time.Duration
	PostingCacheSize     int

	// Bounded retry for device errors before the engine freezes.
	IORetries int
	IORetryBackoff time.Duration
}

// Normalize applies defaults and validates cross-field constraints.
func (o *Options) Normalize() error {
	if o.Dim <= 0 {
		return fmt.Errorf("engine: dimension must be positive, got %d", o.Dim)
	}
	if o.IndexDir == "" {
		return fmt.Errorf("engine: index dir required")
	}
	if o.MappingPath == "" {
		o.MappingPath = filepath.Join(o.IndexDir, "spdk.map")
	}
	if o.BlockSize == 0 {
		o.BlockSize = 4096
	}
	if o.CapacityBlocks == 0 {
		o.CapacityBlocks = 1 << 18 // 1 GiB at 4 KiB blocks
	}
	if o.Ratio <= 0 || o.Ratio > 1 {
		o.Ratio = 0.1
	}
	if o.ReplicaCount <= 0 {
		o.ReplicaCount = 8
	}
	if o.PostingPageLimit <= 0 {
		o.PostingPageLimit = 3
	}
	if o.MergeThreshold <= 0 {
		o.MergeThreshold = 10
	}
	if o.SplitThreshold <= 0 {
		o.SplitThreshold = 18 * o.ReplicaCount
	}
	if o.RNGFactor <= 0 {
		o.RNGFactor = 1.0
	}
	if o.SearchInternalResultNum <= 0 {
		o.SearchInternalResultNum = 64
	}
	if o.MaxCandidates <= 0 {
		o.MaxCandidates = 10000
	}
	if o.MaxDistRatio <= 0 {
		o.MaxDistRatio = 0 // disabled
	}
	if o.AppendWorkers <= 0 {
		o.AppendWorkers = 4
	}
	if o.ReassignWorkers <= 0 {
		o.ReassignWorkers = 2
	}
	if o.MaxAppendBacklog <= 0 {
		o.MaxAppendBacklog = 1 << 20
	}
	if o.BufferSyncInterval <= 0 {
		o.BufferSyncInterval = 50 * time.Millisecond
	}
	if o.BufferSyncHighWater <= 0 {
		o.BufferSyncHighWater = 1 << 20
	}
	if o.MappingFlushInterval <= 0 {
		o.MappingFlushInterval = time.Second
	}
	if o.IORetries <= 0 {
		o.IORetries = 3
	}
	if o.IORetryBackoff <= 0 {
		o.IORetryBackoff = 10 * time.Millisecond
	}
	return nil
}

// BufferPath is where the persistent write-ahead buffer lives.
func (o *Options) BufferPath() string { return filepath.Join(o.IndexDir, "pbuffer.log") }

// HeadsPath is where the head-vector snapshot lives.
func (o *Options) HeadsPath() string { return filepath.Join(o.IndexDir, "heads.snap") }

// VersionsPath is where the version-map snapshot lives.
func (o *Options) VersionsPath() string { return filepath.Join(o.IndexDir, "versions.snap") }

// DevicePath is the file backing the block device when no SPDK bdev is
// configured in the environment.
func (o *Options) DevicePath() string { return filepath.Join(o.IndexDir, "postings.bdev") }
