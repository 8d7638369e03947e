package collapser_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nurkiewicz/request-collapser/collapser"
)

// neverFires keeps the window timer out of the picture so tests control
// dispatch explicitly through Flush or the size trigger.
const neverFires = time.Hour

func TestCollapser_Process_CollapsesIntoOneBatch(t *testing.T) {
	var calls atomic.Int32
	var gotItems []int

	c, err := collapser.New(func(ctx context.Context, items []int) ([]int, error) {
		calls.Add(1)
		gotItems = items
		results := make([]int, len(items))
		for i, item := range items {
			results[i] = item * 2
		}
		return results, nil
	}, collapser.WithWindow(neverFires))
	if err != nil {
		t.Fatalf("failed to create collapser: %v", err)
	}
	defer c.Close()

	futures := make([]*collapser.Future[int], 0, 3)
	for _, item := range []int{1, 2, 3} {
		f, err := c.Process(item)
		if err != nil {
			t.Fatalf("failed to process %d: %v", item, err)
		}
		futures = append(futures, f)
	}

	c.Flush()

	if got := calls.Load(); got != 1 {
		t.Errorf("expected exactly 1 batch call, got %d", got)
	}
	if len(gotItems) != 3 || gotItems[0] != 1 || gotItems[1] != 2 || gotItems[2] != 3 {
		t.Errorf("expected batch [1 2 3] in submission order, got %v", gotItems)
	}

	want := []int{2, 4, 6}
	for i, f := range futures {
		value, err := f.Get()
		if err != nil {
			t.Errorf("future %d failed: %v", i, err)
		}
		if value != want[i] {
			t.Errorf("future %d: expected %d, got %d", i, want[i], value)
		}
	}
}

func TestCollapser_Process_ConcurrentSubmitters(t *testing.T) {
	var calls atomic.Int32

	c, err := collapser.NewKeyed(func(ctx context.Context, items []int) (map[int]int, error) {
		calls.Add(1)
		results := make(map[int]int, len(items))
		for _, item := range items {
			results[item] = item * item
		}
		return results, nil
	}, collapser.WithWindow(neverFires))
	if err != nil {
		t.Fatalf("failed to create collapser: %v", err)
	}
	defer c.Close()

	const numItems = 100
	futures := make([]*collapser.Future[int], numItems)

	var wg sync.WaitGroup
	wg.Add(numItems)
	for i := 0; i < numItems; i++ {
		go func(item int) {
			defer wg.Done()
			f, err := c.Process(item)
			if err != nil {
				t.Errorf("failed to process %d: %v", item, err)
				return
			}
			futures[item] = f
		}(i)
	}
	wg.Wait()

	if got := c.QueueLength(); got != numItems {
		t.Errorf("expected queue length %d before flush, got %d", numItems, got)
	}

	c.Flush()

	if got := calls.Load(); got != 1 {
		t.Errorf("expected exactly 1 batch call, got %d", got)
	}
	for i, f := range futures {
		value, err := f.Get()
		if err != nil {
			t.Errorf("item %d failed: %v", i, err)
			continue
		}
		if value != i*i {
			t.Errorf("item %d: expected %d, got %d", i, i*i, value)
		}
	}
}

func TestCollapser_MaxBatchSize_DispatchesBeforeWindow(t *testing.T) {
	var mu sync.Mutex
	var batches [][]int

	c, err := collapser.New(func(ctx context.Context, items []int) ([]int, error) {
		mu.Lock()
		batches = append(batches, items)
		mu.Unlock()
		return items, nil
	},
		collapser.WithWindow(300*time.Millisecond),
		collapser.WithMaxBatchSize(2),
	)
	if err != nil {
		t.Fatalf("failed to create collapser: %v", err)
	}
	defer c.Close()

	f1, _ := c.Process(1)
	f2, _ := c.Process(2)

	// The size trigger fires synchronously on the second submission, well
	// before the 300ms window.
	if _, err := f1.GetWithTimeout(150 * time.Millisecond); err != nil {
		t.Fatalf("expected size-triggered dispatch before the window, got %v", err)
	}
	if _, err := f2.GetWithTimeout(150 * time.Millisecond); err != nil {
		t.Fatalf("expected size-triggered dispatch before the window, got %v", err)
	}
	if got := c.QueueLength(); got != 0 {
		t.Errorf("expected empty queue after size trigger, got %d", got)
	}

	// A lone leftover item starts a fresh generation and waits the full
	// window on its own.
	f3, _ := c.Process(3)
	if f3.IsReady() {
		t.Error("expected third item to wait for the window")
	}
	value, err := f3.Get()
	if err != nil {
		t.Fatalf("third item failed: %v", err)
	}
	if value != 3 {
		t.Errorf("expected 3, got %d", value)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(batches) != 2 {
		t.Fatalf("expected 2 batches, got %d", len(batches))
	}
	if len(batches[0]) != 2 || batches[0][0] != 1 || batches[0][1] != 2 {
		t.Errorf("expected first batch [1 2], got %v", batches[0])
	}
	if len(batches[1]) != 1 || batches[1][0] != 3 {
		t.Errorf("expected second batch [3], got %v", batches[1])
	}
}

func TestCollapser_QueueLength_TracksLogicalItems(t *testing.T) {
	c, err := collapser.New(func(ctx context.Context, items []string) ([]string, error) {
		return items, nil
	}, collapser.WithWindow(neverFires))
	if err != nil {
		t.Fatalf("failed to create collapser: %v", err)
	}
	defer c.Close()

	if got := c.QueueLength(); got != 0 {
		t.Errorf("expected empty queue, got %d", got)
	}

	_, _ = c.Process("a")
	_, _ = c.Process("b")
	if got := c.QueueLength(); got != 2 {
		t.Errorf("expected queue length 2, got %d", got)
	}

	c.Flush()
	if got := c.QueueLength(); got != 0 {
		t.Errorf("expected empty queue after flush, got %d", got)
	}
}

func TestCollapser_New_NilBatchFunction(t *testing.T) {
	if _, err := collapser.New[int, int](nil); err == nil {
		t.Error("expected error for nil batch function")
	}
	if _, err := collapser.NewKeyed[int, int](nil); err == nil {
		t.Error("expected error for nil keyed batch function")
	}
}

func TestCollapser_New_NegativeWindow(t *testing.T) {
	_, err := collapser.New(func(ctx context.Context, items []int) ([]int, error) {
		return items, nil
	}, collapser.WithWindow(-time.Second))
	if err == nil {
		t.Error("expected error for negative window")
	}
}
