package sandbox

import (
	"sync"
)

// job is one queued invocation of a script callback.
type job struct {
	handle int
	args   []any
}

// jobQueue is an unbounded FIFO of callback invocations.
//
// Enqueue never blocks, so producers running on the capsule poll loop or
// the event bus cannot deadlock against a script that is itself waiting
// on the capsule.
//
// Thread-safety: all methods are safe for concurrent use.
type jobQueue struct {
	mu     sync.Mutex
	jobs   []job
	signal chan struct{}
	closed bool
	// running counts a dequeued job until done is called.
	running int
}

func newJobQueue() *jobQueue {
	return &jobQueue{
		jobs:   make([]job, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue appends j. It returns false once the queue is closed.
func (q *jobQueue) Enqueue(j job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.jobs = append(q.jobs, j)

	// Non-blocking: one pending signal is enough to wake the pump.
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue pops the oldest job without blocking. A successful dequeue
// must be followed by done once the job has run.
func (q *jobQueue) TryDequeue() (job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.jobs) == 0 {
		return job{}, false
	}

	j := q.jobs[0]
	// Release argument references held by the backing array.
	q.jobs[0] = job{}
	if len(q.jobs) == 1 {
		q.jobs = q.jobs[:0]
	} else {
		q.jobs = q.jobs[1:]
	}
	q.running++
	return j, true
}

func (q *jobQueue) done() {
	q.mu.Lock()
	q.running--
	q.mu.Unlock()
}

// Wait returns a channel that signals when jobs may be available. It is
// closed by Close.
func (q *jobQueue) Wait() <-chan struct{} {
	return q.signal
}

// Idle reports whether no job is queued or running.
func (q *jobQueue) Idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs) == 0 && q.running == 0
}

// Len returns the number of queued jobs.
func (q *jobQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Close stops accepting jobs and wakes the pump. Queued jobs remain
// dequeueable.
func (q *jobQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

func (q *jobQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
