package collapser

import "sync/atomic"

// statsCounters holds the collapser's live counters. Kept as atomics so
// dispatch goroutines never contend with the queue mutex over accounting.
type statsCounters struct {
	submitted atomic.Uint64
	batches   atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	discarded atomic.Uint64
}

// Stats is a point-in-time snapshot of collapser activity.
type Stats struct {
	// Submitted is the total number of Process calls accepted, including
	// submissions merged into deduplication groups.
	Submitted uint64

	// Batches is the number of batch function dispatches.
	Batches uint64

	// Completed is the number of Futures resolved with a value.
	Completed uint64

	// Failed is the number of Futures rejected with an error, including
	// those discarded by Close.
	Failed uint64

	// Discarded is the number of queued Futures rejected by Close without
	// ever being dispatched. Always a subset of Failed.
	Discarded uint64

	// QueueLength is the number of logical items queued at snapshot time.
	QueueLength int
}

// CollapseRatio returns the average number of submissions merged into one
// batch dispatch. Futures discarded by Close never reached a batch and are
// excluded. A ratio near 1 means the collapser is adding little value for
// the current traffic pattern.
func (s Stats) CollapseRatio() float64 {
	if s.Batches == 0 {
		return 0
	}
	return float64(s.Completed+s.Failed-s.Discarded) / float64(s.Batches)
}

// Stats returns a snapshot of the collapser's counters.
func (c *Collapser[T, R]) Stats() Stats {
	return Stats{
		Submitted:   c.stats.submitted.Load(),
		Batches:     c.stats.batches.Load(),
		Completed:   c.stats.completed.Load(),
		Failed:      c.stats.failed.Load(),
		Discarded:   c.stats.discarded.Load(),
		QueueLength: c.QueueLength(),
	}
}
