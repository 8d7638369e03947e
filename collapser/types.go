package collapser

import "context"

// BatchFunc is the positional batch function form. It receives the batch
// items in submission order and must return exactly one result per item,
// in the same order. Returning a slice of any other length rejects every
// item in the batch with *ResultCountMismatchError.
//
// The context is owned by the collapser and is not canceled by Close; an
// in-flight batch always runs to completion.
//
// Type parameters:
//   - T: The item type. Comparability is the equality contract used for
//     deduplication and keyed results.
//   - R: The per-item result type.
type BatchFunc[T comparable, R any] func(ctx context.Context, items []T) ([]R, error)

// KeyedBatchFunc is the keyed batch function form. It receives the batch
// items in submission order and returns a map from item to result. Items
// absent from the map reject only their own callers with
// *MissingResultError; present items settle normally.
type KeyedBatchFunc[T comparable, R any] func(ctx context.Context, items []T) (map[T]R, error)
