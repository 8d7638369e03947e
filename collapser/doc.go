// Package collapser provides a small, well-documented, generic request
// collapser for merging concurrent single-item operations into batches.
//
// The primary type is Collapser[T, R], which accepts individual items of
// type T through Process, accumulates them for a bounded window of time,
// and hands them to a caller-supplied batch function in one call. Each
// caller receives a Future[R] that settles with that item's share of the
// batch outcome. Collapsing amortizes per-call overhead (network round
// trips, database round trips, I/O) across many concurrent callers.
//
// # Basic Usage
//
//	c, err := collapser.New(func(ctx context.Context, ids []int) ([]string, error) {
//	    return fetchNames(ctx, ids) // one round trip for the whole batch
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Close()
//
//	future, err := c.Process(42)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	name, err := future.Get()
//
// # Result Matching
//
// Two batch function forms are supported:
//
//   - Positional (New): the batch function returns a slice with exactly one
//     result per item, in item order. A slice of the wrong length rejects
//     the whole batch with *ResultCountMismatchError; a nil slot in a
//     nilable result type rejects just that caller with
//     *UndefinedResultError.
//   - Keyed (NewKeyed): the batch function returns a map from item to
//     result. Items missing from the map reject only their own callers
//     with *MissingResultError; the rest of the batch settles normally.
//
// # Flush Triggers
//
// A batch is dispatched when any of the following happens:
//
//   - The window elapses (WithWindow, default 100ms). With WithDebounce,
//     every new submission restarts the countdown instead.
//   - The queue reaches WithMaxBatchSize items; dispatch is triggered
//     before Process returns, ahead of the timer.
//   - Flush is called, which also waits for the dispatch to finish.
//
// Items submitted while a batch is in flight form an independent new
// generation: a failing batch never affects later submissions.
//
// # Deduplication
//
// With WithDeduplication, equal items submitted within one window share a
// single batch slot and a single outcome; every caller's Future settles
// identically. Deduplication requires keyed result matching (NewKeyed),
// since positional indices are ambiguous when one slot stands for many
// callers.
//
// # Throttling
//
// Dispatch can be throttled without blocking submitters:
//
//	c, err := collapser.NewKeyed(lookup,
//	    collapser.WithRateLimit(10, 2),         // at most 10 batches/sec
//	    collapser.WithMaxConcurrentBatches(4),  // at most 4 batches in flight
//	)
//
// # Error Handling
//
// Batch-level failures surface exclusively through the per-item Future:
// one caller's failure is invisible to callers in other batches. Panics in
// the batch function are recovered and converted to errors with stack
// traces, so a misbehaving batch function cannot crash the collapser. The
// collapser performs no retries; a failed batch's items must be
// resubmitted by their callers.
//
// The package is designed to be small and idiomatic for Go 1.18+ (generics).
package collapser
