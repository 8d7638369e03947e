package collapser

import (
	"sync/atomic"
	"time"
)

// Future is a one-shot handle for the eventual outcome of a single
// processed item. It is created by Process and settled exactly once:
// either resolved with a value or rejected with an error.
//
// A Future may be read any number of times and from multiple goroutines;
// Get blocks until the item's batch has been dispatched and its results
// distributed, and every read returns the same outcome. Readers never
// block each other: a goroutine parked in Get does not delay a concurrent
// GetWithTimeout or IsReady.
type Future[R any] struct {
	settled atomic.Bool

	// done is closed after value/err are written; the close is the
	// publication barrier for readers.
	done  chan struct{}
	value R
	err   error
}

type outcome[R any] struct {
	value R
	err   error
}

func newFuture[R any]() *Future[R] {
	return &Future[R]{
		done: make(chan struct{}),
	}
}

// resolve settles the future with a value. Settlement is one-way: later
// resolve or reject calls are ignored.
func (f *Future[R]) resolve(value R) {
	if f.settled.CompareAndSwap(false, true) {
		f.value = value
		close(f.done)
	}
}

// reject settles the future with an error.
func (f *Future[R]) reject(err error) {
	if f.settled.CompareAndSwap(false, true) {
		f.err = err
		close(f.done)
	}
}

// Get blocks until the future settles and returns its outcome. Repeated
// calls return the same value and error.
func (f *Future[R]) Get() (R, error) {
	<-f.done
	return f.value, f.err
}

// GetWithTimeout waits up to d for the future to settle. If the deadline
// passes first it returns ErrResultTimeout; the future is unaffected and a
// later Get still returns the real outcome.
func (f *Future[R]) GetWithTimeout(d time.Duration) (R, error) {
	select {
	case <-f.done:
		return f.value, f.err
	default:
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-f.done:
		return f.value, f.err
	case <-timer.C:
		var zero R
		return zero, ErrResultTimeout
	}
}

// IsReady reports whether the future has settled, without blocking.
func (f *Future[R]) IsReady() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}
