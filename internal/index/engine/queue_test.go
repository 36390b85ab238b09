package engine

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQueueBatchesByHead(t *testing.T) {
	q := newAppendQueue[float32]()
	for i := 0; i < 5; i++ {
		q.push(appendJob[float32]{vid: uint32(i), hid: 1})
	}
	q.push(appendJob[float32]{vid: 100, hid: 2})

	hid, batch, ok := q.pop(10)
	require.True(t, ok)
	require.Equal(t, uint32(1), hid)
	require.Len(t, batch, 5)
	q.done(hid, len(batch))

	hid, batch, ok = q.pop(10)
	require.True(t, ok)
	require.Equal(t, uint32(2), hid)
	require.Len(t, batch, 1)
	q.done(hid, len(batch))
}

func TestQueueRespectsBatchLimit(t *testing.T) {
	q := newAppendQueue[float32]()
	for i := 0; i < 7; i++ {
		q.push(appendJob[float32]{vid: uint32(i), hid: 1})
	}

	_, batch, ok := q.pop(3)
	require.True(t, ok)
	require.Len(t, batch, 3)
	require.Equal(t, 7, q.depth()) // 4 pending + 3 checked out
	q.done(1, 3)

	_, batch, _ = q.pop(10)
	require.Len(t, batch, 4)
	q.done(1, 4)
}

// While a head is checked out, no second worker may take jobs for it.
func TestQueueSingleWriterPerHead(t *testing.T) {
	q := newAppendQueue[float32]()
	q.push(appendJob[float32]{vid: 1, hid: 5})

	hid, batch, ok := q.pop(10)
	require.True(t, ok)
	require.Equal(t, uint32(5), hid)

	// More work arrives for the same head while it is inflight.
	q.push(appendJob[float32]{vid: 2, hid: 5})

	popped := make(chan uint32, 1)
	go func() {
		h, b, ok := q.pop(10)
		if ok {
			popped <- h
			q.done(h, len(b))
		}
	}()

	select {
	case <-popped:
		t.Fatal("second worker got the inflight head")
	case <-time.After(50 * time.Millisecond):
	}

	q.done(hid, len(batch))
	select {
	case h := <-popped:
		require.Equal(t, uint32(5), h)
	case <-time.After(time.Second):
		t.Fatal("queued work never released")
	}
}

func TestQueueWaitIdle(t *testing.T) {
	q := newAppendQueue[float32]()
	q.push(appendJob[float32]{vid: 1, hid: 1})

	var processed atomic.Bool
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		hid, batch, ok := q.pop(10)
		require.True(t, ok)
		time.Sleep(20 * time.Millisecond)
		processed.Store(true)
		q.done(hid, len(batch))
	}()

	q.waitIdle()
	require.True(t, processed.Load(), "waitIdle returned while a batch was inflight")
	wg.Wait()
}

func TestQueueRequeue(t *testing.T) {
	q := newAppendQueue[float32]()
	q.push(appendJob[float32]{vid: 1, hid: 3})
	q.push(appendJob[float32]{vid: 2, hid: 3})

	hid, batch, ok := q.pop(10)
	require.True(t, ok)
	q.requeue(hid, batch)
	require.Equal(t, 2, q.depth())

	_, batch, ok = q.pop(10)
	require.True(t, ok)
	require.Len(t, batch, 2)
	require.Equal(t, uint32(1), batch[0].vid)
	q.done(hid, len(batch))
	require.Equal(t, 0, q.depth())
}

func TestQueueCloseDrains(t *testing.T) {
	q := newAppendQueue[float32]()
	q.push(appendJob[float32]{vid: 1, hid: 1})
	q.close()

	_, batch, ok := q.pop(10)
	require.True(t, ok, "pending work survives close")
	q.done(1, len(batch))

	_, _, ok = q.pop(10)
	require.False(t, ok)
}
