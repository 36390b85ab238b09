package engine

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Persistent-buffer record kinds.
type recordKind uint8

const (
	kindInsert   recordKind = 1
	kindDelete   recordKind = 2
	kindReassign recordKind = 3
)

// bufferRecord is one decoded write-ahead entry.
//
// On-disk layout, little-endian:
//
//	u32 total_len | u8 kind | u64 seq | payload
//	  kind 1 INSERT   → u32 vid | u32 head | dim×T bytes
//	  kind 2 DELETE   → u32 vid
//	  kind 3 REASSIGN → u32 vid | u32 new_head
//
// total_len counts the bytes after the length field.
type bufferRecord struct {
	kind recordKind
	seq  uint64
	vid  uint32
	head uint32
	vec  []byte // raw vector bytes for INSERT
}

// pbuffer is the append-only crash-recovery log. The foreground path
// normally does only a memcpy into the staging buffer; a single fsync loop
// makes the tail durable on a timer, and an append that brings staging to
// the high-water mark syncs inline.
//
// The buffer is truncated once every appended entry has been acknowledged
// as durably reflected in a posting (or, for deletes, captured by a
// version-map snapshot at shutdown).
type pbuffer struct {
	log *zap.Logger

	mu      sync.Mutex
	f       *os.File
	staged  []byte
	stagedN int

	appended int64
	acked    int64

	syncErr error

	highWater int
	stop      chan struct{}
	wg        sync.WaitGroup
	once      sync.Once
}

func openPBuffer(path string, interval time.Duration, highWater int, log *zap.Logger) (*pbuffer, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("pbuffer: open %s: %w", path, err)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, err
	}
	b := &pbuffer{
		log:       log.Named("pbuffer"),
		f:         f,
		highWater: highWater,
		stop:      make(chan struct{}),
	}
	b.wg.Add(1)
	go b.syncLoop(interval)
	return b, nil
}

func (b *pbuffer) syncLoop(interval time.Duration) {
	defer b.wg.Done()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := b.Sync(); err != nil {
				b.log.Error("buffer sync failed", zap.Error(err))
			}
		case <-b.stop:
			return
		}
	}
}

func encodeRecord(kind recordKind, seq uint64, vid uint32, payload []byte) []byte {
	total := 1 + 8 + 4 + len(payload)
	buf := make([]byte, 4+total)
	binary.LittleEndian.PutUint32(buf[0:], uint32(total))
	buf[4] = byte(kind)
	binary.LittleEndian.PutUint64(buf[5:], seq)
	binary.LittleEndian.PutUint32(buf[13:], vid)
	copy(buf[17:], payload)
	return buf
}

func (b *pbuffer) append(rec []byte) error {
	b.mu.Lock()
	if b.syncErr != nil {
		err := b.syncErr
		b.mu.Unlock()
		return err
	}
	b.staged = append(b.staged, rec...)
	b.stagedN += len(rec)
	b.appended++
	over := b.stagedN >= b.highWater
	b.mu.Unlock()

	if over {
		return b.Sync()
	}
	return nil
}

// appendInsert logs an INSERT for vid at head.
func (b *pbuffer) appendInsert(seq uint64, vid, head uint32, vec []byte) error {
	payload := make([]byte, 4+len(vec))
	binary.LittleEndian.PutUint32(payload, head)
	copy(payload[4:], vec)
	return b.append(encodeRecord(kindInsert, seq, vid, payload))
}

// appendDelete logs a DELETE for vid.
func (b *pbuffer) appendDelete(seq uint64, vid uint32) error {
	return b.append(encodeRecord(kindDelete, seq, vid, nil))
}

// appendReassign logs a REASSIGN of vid to newHead.
func (b *pbuffer) appendReassign(seq uint64, vid, newHead uint32) error {
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint32(payload, newHead)
	return b.append(encodeRecord(kindReassign, seq, vid, payload))
}

// Sync flushes staged records to the file and fsyncs.
func (b *pbuffer) Sync() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.syncLocked()
}

func (b *pbuffer) syncLocked() error {
	if b.syncErr != nil {
		return b.syncErr
	}
	if b.stagedN > 0 {
		if _, err := b.f.Write(b.staged[:b.stagedN]); err != nil {
			b.syncErr = fmt.Errorf("pbuffer: write: %w", err)
			return b.syncErr
		}
		b.staged = b.staged[:0]
		b.stagedN = 0
		if err := b.f.Sync(); err != nil {
			b.syncErr = fmt.Errorf("pbuffer: fsync: %w", err)
			return b.syncErr
		}
	}
	return nil
}

// ack marks n entries as durably reflected downstream. Once everything
// outstanding is acked the log is cut back to zero.
func (b *pbuffer) ack(n int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acked += n
	if b.acked > b.appended {
		// More acks than entries is an accounting bug.
		panic(fmt.Sprintf("pbuffer: acked %d > appended %d", b.acked, b.appended))
	}
	if b.acked == b.appended && b.appended > 0 {
		if err := b.syncLocked(); err != nil {
			return
		}
		if err := b.f.Truncate(0); err != nil {
			b.log.Error("truncate failed", zap.Error(err))
			return
		}
		if _, err := b.f.Seek(0, io.SeekStart); err != nil {
			b.log.Error("seek failed", zap.Error(err))
			return
		}
		b.appended = 0
		b.acked = 0
	}
}

// pending returns entries not yet acknowledged.
func (b *pbuffer) pending() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.appended - b.acked
}

// replay re-delivers every durable record from the start of the log. A
// torn tail (partial final record from a crash mid-write) terminates the
// scan cleanly. Replayed records count as appended-but-unacked so
// truncation still waits for them.
//
// The records are decoded fully before fn runs: fn feeds the work queues,
// whose consumers acknowledge entries through this buffer's mutex, so the
// dispatch must not run under it.
func (b *pbuffer) replay(fn func(bufferRecord) error) error {
	recs, err := b.readAll()
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func (b *pbuffer) readAll() ([]bufferRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	defer b.f.Seek(0, io.SeekEnd)

	var recs []bufferRecord
	var lenBuf [4]byte
	var replayed int64
	var validEnd int64
	for {
		if _, err := io.ReadFull(b.f, lenBuf[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return nil, fmt.Errorf("pbuffer: replay: %w", err)
		}
		total := binary.LittleEndian.Uint32(lenBuf[:])
		if total < 13 || total > 1<<24 {
			break // torn or garbage tail
		}
		body := make([]byte, total)
		if _, err := io.ReadFull(b.f, body); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return nil, fmt.Errorf("pbuffer: replay: %w", err)
		}

		rec := bufferRecord{
			kind: recordKind(body[0]),
			seq:  binary.LittleEndian.Uint64(body[1:]),
			vid:  binary.LittleEndian.Uint32(body[9:]),
		}
		switch rec.kind {
		case kindInsert:
			if len(body) < 17 {
				return nil, fmt.Errorf("pbuffer: short INSERT record (%d bytes)", len(body))
			}
			rec.head = binary.LittleEndian.Uint32(body[13:])
			rec.vec = body[17:]
		case kindDelete:
		case kindReassign:
			if len(body) < 17 {
				return nil, fmt.Errorf("pbuffer: short REASSIGN record (%d bytes)", len(body))
			}
			rec.head = binary.LittleEndian.Uint32(body[13:])
		default:
			return nil, fmt.Errorf("pbuffer: unknown record kind %d", rec.kind)
		}
		recs = append(recs, rec)
		replayed++
		validEnd += int64(4 + total)
	}

	// Drop any torn tail so post-recovery appends start on a record
	// boundary.
	if err := b.f.Truncate(validEnd); err != nil {
		return nil, fmt.Errorf("pbuffer: trim torn tail: %w", err)
	}
	b.appended = replayed
	b.acked = 0
	return recs, nil
}

// resetAfterCheckpoint empties the log unconditionally. Only valid after
// a clean shutdown checkpoint: queues drained, mapping and version
// snapshot durable.
func (b *pbuffer) resetAfterCheckpoint() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.staged = b.staged[:0]
	b.stagedN = 0
	if err := b.f.Truncate(0); err != nil {
		b.log.Error("truncate failed", zap.Error(err))
		return
	}
	if _, err := b.f.Seek(0, io.SeekStart); err != nil {
		b.log.Error("seek failed", zap.Error(err))
		return
	}
	b.appended = 0
	b.acked = 0
}

func (b *pbuffer) Close() error {
	var err error
	b.once.Do(func() {
		close(b.stop)
		b.wg.Wait()
		err = b.Sync()
		if cerr := b.f.Close(); err == nil {
			err = cerr
		}
	})
	return err
}
