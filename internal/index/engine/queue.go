package engine

import "sync"

// appendJob is one pending append of a vector replica to a head.
type appendJob[T any] struct {
	vid     uint32
	hid     uint32
	version uint8
	vec     []T
	// primary marks the job for the vector's closest head. It is exempt
	// from RNG pruning so every vector stays resident somewhere, and its
	// completion acknowledges the INSERT buffer entry.
	primary bool
	seq     uint64
	ackOne  bool
}

// appendQueue groups pending jobs by head id and hands a worker an
// exclusive batch per head: while a head is checked out, no other worker
// can take jobs for it. This is the single-writer-per-posting rule at the
// queue level; the striped pid locks below it cover split/merge traffic.
type appendQueue[T any] struct {
	mu   sync.Mutex
	cond *sync.Cond

	pending  map[uint32][]appendJob[T]
	order    []uint32 // FIFO of heads with pending work, no duplicates
	queued   map[uint32]bool
	inflight map[uint32]bool

	jobs   int   // pending jobs not yet checked out
	active int   // jobs checked out to workers
	closed bool
}

func newAppendQueue[T any]() *appendQueue[T] {
	q := &appendQueue[T]{
		pending:  make(map[uint32][]appendJob[T]),
		queued:   make(map[uint32]bool),
		inflight: make(map[uint32]bool),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push enqueues a job. Safe after close (recovery replays while workers
// are already running); the job is simply delivered.
func (q *appendQueue[T]) push(job appendJob[T]) {
	q.mu.Lock()
	q.pending[job.hid] = append(q.pending[job.hid], job)
	if !q.queued[job.hid] && !q.inflight[job.hid] {
		q.order = append(q.order, job.hid)
		q.queued[job.hid] = true
	}
	q.jobs++
	q.mu.Unlock()
	q.cond.Broadcast()
}

// pop blocks until a head with pending work and no inflight owner is
// available, then checks out up to max jobs for it. Returns ok=false only
// after close with nothing left.
func (q *appendQueue[T]) pop(max int) (hid uint32, batch []appendJob[T], ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		for i, h := range q.order {
			if q.inflight[h] {
				continue
			}
			jobs := q.pending[h]
			n := len(jobs)
			if n > max {
				n = max
			}
			batch = jobs[:n]
			if n == len(jobs) {
				delete(q.pending, h)
				q.order = append(q.order[:i], q.order[i+1:]...)
				delete(q.queued, h)
			} else {
				q.pending[h] = jobs[n:]
				// Keep the head queued for the remainder.
			}
			q.inflight[h] = true
			q.jobs -= n
			q.active += n
			return h, batch, true
		}
		if q.closed {
			return 0, nil, false
		}
		q.cond.Wait()
	}
}

// done releases the head checked out by pop and retires n jobs.
func (q *appendQueue[T]) done(hid uint32, n int) {
	q.mu.Lock()
	delete(q.inflight, hid)
	q.active -= n
	if len(q.pending[hid]) > 0 && !q.queued[hid] {
		q.order = append(q.order, hid)
		q.queued[hid] = true
	}
	q.mu.Unlock()
	q.cond.Broadcast()
}

// requeue returns a failed batch to the front of the head's pending list
// and releases the head.
func (q *appendQueue[T]) requeue(hid uint32, batch []appendJob[T]) {
	q.mu.Lock()
	q.pending[hid] = append(append([]appendJob[T]{}, batch...), q.pending[hid]...)
	if !q.queued[hid] {
		q.order = append(q.order, hid)
		q.queued[hid] = true
	}
	delete(q.inflight, hid)
	q.jobs += len(batch)
	q.active -= len(batch)
	q.mu.Unlock()
	q.cond.Broadcast()
}

// depth returns jobs that are pending or checked out.
func (q *appendQueue[T]) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.jobs + q.active
}

// waitIdle blocks until no job is pending or checked out.
func (q *appendQueue[T]) waitIdle() {
	q.mu.Lock()
	for q.jobs+q.active > 0 {
		q.cond.Wait()
	}
	q.mu.Unlock()
}

// close wakes blocked workers; pop drains remaining work first.
func (q *appendQueue[T]) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}
