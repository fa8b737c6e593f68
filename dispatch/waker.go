package dispatch

import (
	"sync"
	"sync/atomic"

	"github.com/gammazero/workerpool"
)

// Waker runs a function on its own goroutine, off the caller's stack. Wakes requested while one is
// already scheduled are folded into it.
type Waker struct {
	fn        func()
	pool      *workerpool.WorkerPool
	scheduled int32

	mu      sync.RWMutex
	stopped bool
}

// NewWaker returns a Waker calling fn.
func NewWaker(fn func()) *Waker {
	return &Waker{
		fn:   fn,
		pool: workerpool.New(1),
	}
}

// Wake schedules fn and returns immediately. Once the Waker is stopped, Wake calls fn itself so
// work queued during shutdown is not stranded.
func (w *Waker) Wake() {
	w.mu.RLock()
	if w.stopped {
		w.mu.RUnlock()
		w.fn()
		return
	}
	defer w.mu.RUnlock()
	if !atomic.CompareAndSwapInt32(&w.scheduled, 0, 1) {
		return
	}
	w.pool.Submit(func() {
		atomic.StoreInt32(&w.scheduled, 0)
		w.fn()
	})
}

// Stop waits for a scheduled wake to run and releases the worker.
func (w *Waker) Stop() {
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()
	w.pool.StopWait()
}
