package collapser

import (
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// DefaultWindow is the flush window used when WithWindow is not specified.
const DefaultWindow = 100 * time.Millisecond

// Option is a functional option for configuring a Collapser.
type Option func(*config)

type config struct {
	window       time.Duration
	windowSet    bool
	maxBatchSize int
	debounce     bool
	dedupe       bool
	limiter      *rate.Limiter
	maxInFlight  int64

	onBatchStart    func(size int)
	onBatchComplete func(size int, elapsed time.Duration, err error)
}

// WithWindow sets the maximum time a queued item waits before its batch is
// dispatched, measured from the first item in the batch (or from the most
// recent item when WithDebounce is enabled). A zero window dispatches as
// soon as the scheduler allows. If not specified, defaults to DefaultWindow.
func WithWindow(d time.Duration) Option {
	return func(cfg *config) {
		cfg.window = d
		cfg.windowSet = true
	}
}

// WithMaxBatchSize caps the number of queued items. Reaching the cap
// triggers dispatch immediately, before the window elapses, so the queue
// never exceeds size n. Values below 1 are ignored.
func WithMaxBatchSize(n int) Option {
	return func(cfg *config) {
		if n >= 1 {
			cfg.maxBatchSize = n
		}
	}
}

// WithDebounce makes every submission restart the window countdown, so a
// batch is dispatched only after windowMillis of quiet. Without it the
// window is fixed from the first item in the batch.
func WithDebounce() Option {
	return func(cfg *config) {
		cfg.debounce = true
	}
}

// WithDeduplication merges submissions of equal items into a single batch
// slot sharing one outcome. Each caller still receives its own Future, and
// all Futures of the group settle identically. Only valid with NewKeyed;
// New rejects this option with ErrPositionalDedup.
func WithDeduplication() Option {
	return func(cfg *config) {
		cfg.dedupe = true
	}
}

// WithRateLimit limits how often batches are dispatched.
// batchesPerSecond specifies the sustained dispatch rate and burst the
// number of dispatches that may proceed at once after idle time. The limit
// delays dispatch, never the submitters: Process keeps returning
// immediately while batches queue up behind the limiter.
// If not specified, no rate limiting is applied.
//
// Example:
//
//	WithRateLimit(10, 2) // Allow 10 batches/sec with burst of 2
func WithRateLimit(batchesPerSecond float64, burst int) Option {
	return func(cfg *config) {
		if batchesPerSecond > 0 && burst > 0 {
			cfg.limiter = rate.NewLimiter(rate.Limit(batchesPerSecond), burst)
		}
	}
}

// WithMaxConcurrentBatches bounds the number of batch function calls that
// may be in flight at the same time. Additional generations wait for a
// slot before their batch function is invoked; submitters are unaffected.
// Values below 1 are ignored.
func WithMaxConcurrentBatches(n int) Option {
	return func(cfg *config) {
		if n >= 1 {
			cfg.maxInFlight = int64(n)
		}
	}
}

// WithOnBatchStart registers a hook invoked just before each batch
// function call with the number of unique items in the batch. The hook
// runs on the dispatch goroutine and should return quickly.
func WithOnBatchStart(hook func(size int)) Option {
	return func(cfg *config) {
		cfg.onBatchStart = hook
	}
}

// WithOnBatchComplete registers a hook invoked after each batch has been
// dispatched and its results distributed. err is nil on success, the
// normalized *BatchError when the batch function failed, or the
// *ResultCountMismatchError for a malformed positional result.
func WithOnBatchComplete(hook func(size int, elapsed time.Duration, err error)) Option {
	return func(cfg *config) {
		cfg.onBatchComplete = hook
	}
}

func newConfig(opts ...Option) (*config, error) {
	cfg := &config{
		window: DefaultWindow,
	}

	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.windowSet && cfg.window < 0 {
		return nil, fmt.Errorf("collapser: window must not be negative, got %v", cfg.window)
	}

	return cfg, nil
}
