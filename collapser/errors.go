package collapser

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by Process after Close, and settles every
	// pending Future discarded by Close.
	ErrClosed = errors.New("collapser: closed")

	// ErrShutdownTimeout is returned by Shutdown when in-flight batches do
	// not finish within the given timeout.
	ErrShutdownTimeout = errors.New("collapser: shutdown timeout reached")

	// ErrResultTimeout is returned by Future.GetWithTimeout when the result
	// is not available in time. The Future itself remains valid and will
	// still settle.
	ErrResultTimeout = errors.New("collapser: timed out waiting for result")

	// ErrPositionalDedup is returned by New when WithDeduplication is
	// combined with positional result matching. One deduplicated slot may
	// stand for many callers, which makes positional indices ambiguous;
	// use NewKeyed instead.
	ErrPositionalDedup = errors.New("collapser: deduplication requires keyed result matching")
)

// BatchError is the normalized form of any error returned, or panic
// raised, by the batch function. Every Future captured in the failed
// batch settles with the same *BatchError. Unwrap exposes the original
// error for errors.Is and errors.As.
type BatchError struct {
	Err error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("collapser: batch function failed: %v", e.Err)
}

func (e *BatchError) Unwrap() error {
	return e.Err
}

// MissingResultError settles a Future whose item was absent from a keyed
// batch result. Only the callers of the missing item are affected.
type MissingResultError struct {
	Item any
}

func (e *MissingResultError) Error() string {
	return fmt.Sprintf("collapser: batch result has no entry for item %v", e.Item)
}

// ResultCountMismatchError settles every Future in a batch whose
// positional batch function returned a different number of results than
// items submitted.
type ResultCountMismatchError struct {
	Items   int
	Results int
}

func (e *ResultCountMismatchError) Error() string {
	return fmt.Sprintf("collapser: batch returned %d results for %d items", e.Results, e.Items)
}

// UndefinedResultError settles a single Future whose positional result
// slot was nil. It is only produced for nilable result types (pointers,
// interfaces, maps, slices, channels, functions), where nil marks an
// explicit gap.
type UndefinedResultError struct {
	Index int
}

func (e *UndefinedResultError) Error() string {
	return fmt.Sprintf("collapser: batch returned no result at index %d", e.Index)
}
