package blockdev

import (
	"fmt"
	"os"
	"strconv"
	"sync"

	"go.uber.org/zap"
)

// Environment knobs, mirroring the SPDK deployment. When SPFRESH_SPDK_BDEV
// is set it names the backing device node (or file) to open; otherwise the
// caller-supplied path is used. SPFRESH_SPDK_IO_DEPTH bounds in-flight
// requests.
const (
	EnvSPDKConf    = "SPFRESH_SPDK_CONF"
	EnvSPDKBdev    = "SPFRESH_SPDK_BDEV"
	EnvSPDKIODepth = "SPFRESH_SPDK_IO_DEPTH"

	defaultIODepth = 64
)

type request struct {
	op     Op
	block  uint64
	buf    []byte
	cb     Completion
	doneWG *sync.WaitGroup
}

// FileDevice is the file-backed Device used when no SPDK environment is
// configured. Requests flow through a bounded submission queue drained by a
// pool of workers, so callers get the same async discipline the SPDK path
// has.
//
// Lifecycle:
//   - Open(path, blockSize, capacityBlocks, log): creates/truncates sizing.
//   - Close(): rejects new submissions, drains the queue, closes the file.
type FileDevice struct {
	f         *os.File
	blockSize int
	capacity  uint64
	log       *zap.Logger

	mu      sync.Mutex
	closed  bool
	pending sync.WaitGroup

	queue chan request
	stop  chan struct{}
	wg    sync.WaitGroup
}

var _ Device = (*FileDevice)(nil)

// Open opens (creating if needed) a file-backed device with the given
// geometry. The file is extended to the full capacity up front so that
// reads of never-written blocks succeed with zeroes.
func Open(path string, blockSize int, capacityBlocks uint64, log *zap.Logger) (*FileDevice, error) {
	if blockSize <= 0 || blockSize%512 != 0 {
		return nil, fmt.Errorf("blockdev: invalid block size %d", blockSize)
	}
	if bdev := os.Getenv(EnvSPDKBdev); bdev != "" {
		if conf := os.Getenv(EnvSPDKConf); conf == "" {
			log.Warn("bdev configured without a conf file",
				zap.String("bdev", bdev), zap.String("want", EnvSPDKConf))
		}
		path = bdev
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("blockdev: open %s: %w", path, err)
	}
	size := int64(capacityBlocks) * int64(blockSize)
	if fi, err := f.Stat(); err == nil && fi.Size() < size {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("blockdev: size %s to %d: %w", path, size, err)
		}
	}

	depth := defaultIODepth
	if s := os.Getenv(EnvSPDKIODepth); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			depth = n
		}
	}

	d := &FileDevice{
		f:         f,
		blockSize: blockSize,
		capacity:  capacityBlocks,
		log:       log.Named("blockdev"),
		queue:     make(chan request, depth),
		stop:      make(chan struct{}),
	}

	// Worker pool; each worker services one request at a time, so depth
	// also caps concurrency against the file.
	workers := depth
	if workers > 16 {
		workers = 16
	}
	d.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go d.worker()
	}

	d.log.Info("device opened",
		zap.String("path", path),
		zap.Int("block_size", blockSize),
		zap.Uint64("capacity_blocks", capacityBlocks),
		zap.Int("io_depth", depth),
	)
	return d, nil
}

func (d *FileDevice) worker() {
	defer d.wg.Done()
	for req := range d.queue {
		var err error
		switch req.op {
		case OpRead:
			_, err = d.f.ReadAt(req.buf, int64(req.block)*int64(d.blockSize))
		case OpWrite:
			_, err = d.f.WriteAt(req.buf, int64(req.block)*int64(d.blockSize))
		}
		if err != nil {
			err = &IOError{Block: req.block, Kind: req.op, Err: err}
		}
		req.cb(err)
		req.doneWG.Done()
	}
}

func (d *FileDevice) submit(op Op, block uint64, nBlocks uint32, buf []byte, cb Completion) {
	want := int(nBlocks) * d.blockSize
	if len(buf) < want {
		cb(&IOError{Block: block, Kind: op, Err: fmt.Errorf("buffer %d < %d bytes", len(buf), want)})
		return
	}
	if block+uint64(nBlocks) > d.capacity {
		cb(&IOError{Block: block, Kind: op, Err: fmt.Errorf("run [%d,+%d) beyond capacity %d", block, nBlocks, d.capacity)})
		return
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		cb(ErrClosed)
		return
	}
	d.pending.Add(1)
	d.mu.Unlock()

	d.queue <- request{op: op, block: block, buf: buf[:want], cb: cb, doneWG: &d.pending}
}

// ReadAsync implements Device.
func (d *FileDevice) ReadAsync(block uint64, nBlocks uint32, buf []byte, cb Completion) {
	d.submit(OpRead, block, nBlocks, buf, cb)
}

// WriteAsync implements Device.
func (d *FileDevice) WriteAsync(block uint64, nBlocks uint32, buf []byte, cb Completion) {
	d.submit(OpWrite, block, nBlocks, buf, cb)
}

// Flush waits for every outstanding request, then fsyncs the file.
func (d *FileDevice) Flush() error {
	// Hold mu while waiting: submit registers requests under mu, so no
	// Add can race this Wait (WaitGroup forbids Add concurrent with a
	// Wait at zero).
	d.mu.Lock()
	d.pending.Wait()
	d.mu.Unlock()
	if err := d.f.Sync(); err != nil {
		return &IOError{Kind: OpFlush, Err: err}
	}
	return nil
}

// CapacityBlocks implements Device.
func (d *FileDevice) CapacityBlocks() uint64 { return d.capacity }

// BlockSize implements Device.
func (d *FileDevice) BlockSize() int { return d.blockSize }

// Close drains and closes the device. Submissions racing with Close get
// ErrClosed.
func (d *FileDevice) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.pending.Wait()
	close(d.queue)
	d.wg.Wait()

	if err := d.f.Sync(); err != nil {
		d.f.Close()
		return err
	}
	return d.f.Close()
}
