package collapser

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/nurkiewicz/request-collapser/internal/nilable"
)

// Collapser merges concurrent single-item Process calls into batched
// invocations of a caller-supplied batch function. It owns a queue of
// pending requests, a single-slot deferred-flush timer, and a dispatch
// routine that distributes batch results back to the waiting Futures.
//
// All methods are safe for concurrent use. A Collapser must be created
// with New or NewKeyed.
//
// Type parameters:
//   - T: The item type submitted by callers. Comparability is the equality
//     contract used for deduplication groups and keyed results.
//   - R: The per-item result type returned to callers.
type Collapser[T comparable, R any] struct {
	fn      BatchFunc[T, R]
	keyedFn KeyedBatchFunc[T, R]
	conf    *config

	// ctx is the context handed to the batch function. It is deliberately
	// never canceled by Close: an in-flight batch runs to completion.
	ctx context.Context

	sem         *semaphore.Weighted
	nilableSlot bool

	mu       sync.Mutex
	closed   bool
	gen      *generation[T, R]
	timer    *time.Timer
	timerSeq uint64
	armed    bool

	inflight sync.WaitGroup
	stats    statsCounters
}

// pending is one logical queue slot: a unique item plus the Futures of
// every caller waiting on it. Without deduplication the group always has
// exactly one Future.
type pending[T comparable, R any] struct {
	item    T
	futures []*Future[R]
}

// generation is one queue lifetime. Dispatch snapshots the whole
// generation and replaces it, so the batch being processed and the queue
// still accumulating never share state.
type generation[T comparable, R any] struct {
	queue []*pending[T, R]
	index map[T]*pending[T, R]
	done  chan struct{}
}

// New creates a Collapser with positional result matching: the batch
// function must return one result per item, in submission order.
//
// Returns an error for a nil batch function, a negative window, or the
// WithDeduplication option, which positional matching cannot support
// (ErrPositionalDedup).
//
// Example:
//
//	c, err := collapser.New(
//	    func(ctx context.Context, ids []int) ([]*User, error) {
//	        return loadUsers(ctx, ids)
//	    },
//	    collapser.WithWindow(20*time.Millisecond),
//	    collapser.WithMaxBatchSize(100),
//	)
func New[T comparable, R any](fn BatchFunc[T, R], opts ...Option) (*Collapser[T, R], error) {
	if fn == nil {
		return nil, errors.New("collapser: batch function must not be nil")
	}

	cfg, err := newConfig(opts...)
	if err != nil {
		return nil, err
	}
	if cfg.dedupe {
		return nil, ErrPositionalDedup
	}

	c := &Collapser[T, R]{fn: fn, conf: cfg}
	c.init()
	return c, nil
}

// NewKeyed creates a Collapser with keyed result matching: the batch
// function returns a map from item to result, and items absent from the
// map reject only their own callers. This is the form that supports
// WithDeduplication.
//
// Example:
//
//	c, err := collapser.NewKeyed(
//	    func(ctx context.Context, keys []string) (map[string]string, error) {
//	        return cacheClient.MGet(ctx, keys)
//	    },
//	    collapser.WithDeduplication(),
//	)
func NewKeyed[T comparable, R any](fn KeyedBatchFunc[T, R], opts ...Option) (*Collapser[T, R], error) {
	if fn == nil {
		return nil, errors.New("collapser: batch function must not be nil")
	}

	cfg, err := newConfig(opts...)
	if err != nil {
		return nil, err
	}

	c := &Collapser[T, R]{keyedFn: fn, conf: cfg}
	c.init()
	return c, nil
}

func (c *Collapser[T, R]) init() {
	c.ctx = context.Background()
	c.gen = c.newGeneration()

	if c.conf.maxInFlight > 0 {
		c.sem = semaphore.NewWeighted(c.conf.maxInFlight)
	}

	var zero R
	c.nilableSlot = nilable.Type(reflect.TypeOf(&zero).Elem())
}

func (c *Collapser[T, R]) newGeneration() *generation[T, R] {
	g := &generation[T, R]{
		done: make(chan struct{}),
	}
	if c.conf.dedupe {
		g.index = make(map[T]*pending[T, R])
	}
	return g
}

// Process submits one item for batched processing and returns a Future
// that settles once the item's batch has been dispatched and its results
// distributed. Process never blocks on the batch function; the only error
// it returns is ErrClosed.
//
// Submitting the maxBatchSize-th item triggers dispatch before Process
// returns, so the queue never exceeds the configured cap.
//
// Example:
//
//	future, err := c.Process("user:42")
//	if err != nil {
//	    return err // collapser closed
//	}
//	value, err := future.Get()
func (c *Collapser[T, R]) Process(item T) (*Future[R], error) {
	f := newFuture[R]()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}

	c.stats.submitted.Add(1)

	g := c.gen
	if g.index != nil {
		if p, ok := g.index[item]; ok {
			// Equal item already queued: join its group. The queue does not
			// grow, so only the debounce re-arm applies.
			p.futures = append(p.futures, f)
			if c.conf.debounce {
				c.armLocked()
			}
			return f, nil
		}
	}

	p := &pending[T, R]{item: item, futures: []*Future[R]{f}}
	g.queue = append(g.queue, p)
	if g.index != nil {
		g.index[item] = p
	}

	if c.conf.maxBatchSize > 0 && len(g.queue) >= c.conf.maxBatchSize {
		c.dispatchLocked()
	} else if !c.armed || c.conf.debounce {
		c.armLocked()
	}

	return f, nil
}

// Flush forces immediate dispatch of whatever is currently queued,
// bypassing the window, and blocks until the batch function has run and
// all results have been distributed. It is a no-op when the queue is empty
// or the collapser is closed. Failures surface through the individual
// Futures, never through Flush.
func (c *Collapser[T, R]) Flush() {
	c.mu.Lock()
	if c.closed || len(c.gen.queue) == 0 {
		c.mu.Unlock()
		return
	}
	g := c.dispatchLocked()
	c.mu.Unlock()

	<-g.done
}

// QueueLength returns the number of logical items currently queued: unique
// items under deduplication, pending submissions otherwise. It reads 0
// immediately after Close and immediately after a dispatch has drained the
// queue.
func (c *Collapser[T, R]) QueueLength() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.gen.queue)
}

// Close permanently shuts the collapser down. It is idempotent. The
// deferred-flush timer is canceled, every queued (not yet dispatched)
// Future is rejected with ErrClosed, and all later Process calls return
// ErrClosed. Batches already in flight are unaffected and settle their own
// Futures normally.
func (c *Collapser[T, R]) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.disarmLocked()
	g := c.gen
	c.gen = c.newGeneration()
	c.mu.Unlock()

	for _, p := range g.queue {
		n := uint64(len(p.futures))
		c.stats.failed.Add(n)
		c.stats.discarded.Add(n)
		for _, f := range p.futures {
			f.reject(ErrClosed)
		}
	}
}

// Shutdown is the graceful counterpart of Close: it flushes the currently
// queued items so their callers still get results, closes the collapser,
// and then waits for every in-flight batch to finish. A timeout of 0 waits
// forever; otherwise ErrShutdownTimeout is returned when the deadline
// passes first (the remaining batches still run to completion in the
// background).
//
// Items submitted after Shutdown begins are rejected with ErrClosed.
func (c *Collapser[T, R]) Shutdown(timeout time.Duration) error {
	c.Flush()
	c.Close()

	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()

	if timeout <= 0 {
		<-done
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrShutdownTimeout
	}
}

// armLocked starts or restarts the single deferred-flush timer. The arm
// sequence lets a callback detect that it was superseded by a later arm,
// a dispatch, or Close. Caller must hold c.mu.
func (c *Collapser[T, R]) armLocked() {
	c.timerSeq++
	seq := c.timerSeq
	if c.timer != nil {
		c.timer.Stop()
	}
	c.armed = true
	c.timer = time.AfterFunc(c.conf.window, func() {
		c.onTimer(seq)
	})
}

// disarmLocked cancels the pending timer, if any. Caller must hold c.mu.
func (c *Collapser[T, R]) disarmLocked() {
	c.timerSeq++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.armed = false
}

func (c *Collapser[T, R]) onTimer(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// A stale callback lost the race against Stop: a newer arm, a size
	// trigger, Flush, or Close already superseded it.
	if c.closed || seq != c.timerSeq {
		return
	}

	c.armed = false
	c.timer = nil
	if len(c.gen.queue) == 0 {
		return
	}
	c.dispatchLocked()
}

// dispatchLocked snapshots the current generation, installs a fresh one
// for later arrivals, and processes the snapshot on its own goroutine.
// Caller must hold c.mu.
func (c *Collapser[T, R]) dispatchLocked() *generation[T, R] {
	c.disarmLocked()

	g := c.gen
	c.gen = c.newGeneration()

	c.inflight.Add(1)
	go c.run(g)
	return g
}

// run invokes the batch function for one snapshot and distributes the
// outcome. It owns the snapshot exclusively; nothing here touches the
// live queue.
func (c *Collapser[T, R]) run(g *generation[T, R]) {
	defer c.inflight.Done()
	defer close(g.done)

	if c.sem != nil {
		if err := c.sem.Acquire(c.ctx, 1); err == nil {
			defer c.sem.Release(1)
		}
	}
	if c.conf.limiter != nil {
		_ = c.conf.limiter.Wait(c.ctx)
	}

	items := make([]T, len(g.queue))
	for i, p := range g.queue {
		items[i] = p.item
	}

	if c.conf.onBatchStart != nil {
		c.conf.onBatchStart(len(items))
	}
	c.stats.batches.Add(1)
	start := time.Now()

	var batchErr error
	if c.keyedFn != nil {
		results, err := c.invokeKeyed(items)
		if err != nil {
			batchErr = err
			c.rejectAll(g, err)
		} else {
			c.distributeKeyed(g, results)
		}
	} else {
		results, err := c.invoke(items)
		if err != nil {
			batchErr = err
			c.rejectAll(g, err)
		} else {
			batchErr = c.distribute(g, results)
		}
	}

	if c.conf.onBatchComplete != nil {
		c.conf.onBatchComplete(len(items), time.Since(start), batchErr)
	}
}

// invoke calls the positional batch function with panic recovery. Panics
// and plain errors are both normalized to *BatchError so every Future in
// the snapshot settles with the same wrapped cause.
func (c *Collapser[T, R]) invoke(items []T) (results []R, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &BatchError{Err: panicError(r)}
		}
	}()

	results, err = c.fn(c.ctx, items)
	if err != nil {
		err = normalizeBatchErr(err)
	}
	return results, err
}

func (c *Collapser[T, R]) invokeKeyed(items []T) (results map[T]R, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &BatchError{Err: panicError(r)}
		}
	}()

	results, err = c.keyedFn(c.ctx, items)
	if err != nil {
		err = normalizeBatchErr(err)
	}
	return results, err
}

// distribute settles a snapshot from a positional result slice. A length
// mismatch rejects the whole snapshot; a nil slot in a nilable result type
// rejects just that slot's callers.
func (c *Collapser[T, R]) distribute(g *generation[T, R], results []R) error {
	if len(results) != len(g.queue) {
		err := &ResultCountMismatchError{Items: len(g.queue), Results: len(results)}
		c.settleAll(g, func(_ *pending[T, R], _ int) outcome[R] {
			return outcome[R]{err: err}
		})
		return err
	}

	c.settleAll(g, func(_ *pending[T, R], i int) outcome[R] {
		if c.nilableSlot && nilable.IsNil(results[i]) {
			return outcome[R]{err: &UndefinedResultError{Index: i}}
		}
		return outcome[R]{value: results[i]}
	})
	return nil
}

// distributeKeyed settles a snapshot from a keyed result map. Missing
// items fail alone; their siblings in the batch still resolve.
func (c *Collapser[T, R]) distributeKeyed(g *generation[T, R], results map[T]R) {
	c.settleAll(g, func(p *pending[T, R], _ int) outcome[R] {
		value, ok := results[p.item]
		if !ok {
			return outcome[R]{err: &MissingResultError{Item: p.item}}
		}
		return outcome[R]{value: value}
	})
}

func (c *Collapser[T, R]) rejectAll(g *generation[T, R], err error) {
	c.settleAll(g, func(_ *pending[T, R], _ int) outcome[R] {
		return outcome[R]{err: err}
	})
}

// settleAll applies one outcome per queue slot to every Future in that
// slot's group, keeping the stats counters in sync.
func (c *Collapser[T, R]) settleAll(g *generation[T, R], f func(p *pending[T, R], i int) outcome[R]) {
	for i, p := range g.queue {
		o := f(p, i)
		n := uint64(len(p.futures))
		if o.err != nil {
			c.stats.failed.Add(n)
			for _, fut := range p.futures {
				fut.reject(o.err)
			}
		} else {
			c.stats.completed.Add(n)
			for _, fut := range p.futures {
				fut.resolve(o.value)
			}
		}
	}
}

func normalizeBatchErr(err error) error {
	var be *BatchError
	if errors.As(err, &be) {
		return err
	}
	return &BatchError{Err: err}
}

func panicError(r any) error {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	return fmt.Errorf("batch function panic: %v\nstack trace:\n%s", r, buf[:n])
}
