package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/agentbridge/agentbridge/internal/common/logger"
)

func testLogger() *logger.Logger {
	return logger.Default()
}

// TestOrderingWithinPartition verifies strict FIFO per key while other keys
// make concurrent progress.
func TestOrderingWithinPartition(t *testing.T) {
	var mu sync.Mutex
	seen := map[string][]int{}

	done := make(chan struct{})
	var count int
	const perKey = 50
	keys := []string{"a", "b", "c", "d"}

	p := New(func(_ context.Context, unit any) {
		u := unit.([2]any)
		key, seq := u[0].(string), u[1].(int)
		mu.Lock()
		seen[key] = append(seen[key], seq)
		count++
		if count == perKey*len(keys) {
			close(done)
		}
		mu.Unlock()
	}, 4, 16, testLogger())
	defer p.Close()

	ctx := context.Background()
	var wg sync.WaitGroup
	for _, key := range keys {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			for i := 0; i < perKey; i++ {
				if err := p.Enqueue(ctx, key, [2]any{key, i}); err != nil {
					t.Errorf("enqueue failed: %v", err)
					return
				}
			}
		}(key)
	}
	wg.Wait()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for units")
	}

	mu.Lock()
	defer mu.Unlock()
	for _, key := range keys {
		got := seen[key]
		if len(got) != perKey {
			t.Fatalf("partition %q processed %d units, want %d", key, len(got), perKey)
		}
		for i, seq := range got {
			if seq != i {
				t.Fatalf("partition %q out of order at %d: got %d", key, i, seq)
			}
		}
	}
}

// TestBackpressure verifies Enqueue blocks on a full partition instead of
// dropping, and unblocks when the worker catches up.
func TestBackpressure(t *testing.T) {
	release := make(chan struct{})
	p := New(func(_ context.Context, _ any) {
		<-release
	}, 1, 1, testLogger())
	defer p.Close()

	ctx := context.Background()
	// First unit occupies the worker, second fills the queue.
	if err := p.Enqueue(ctx, "k", 1); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := p.Enqueue(ctx, "k", 2); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	blocked := make(chan error, 1)
	go func() {
		blocked <- p.Enqueue(ctx, "k", 3)
	}()

	select {
	case err := <-blocked:
		t.Fatalf("enqueue should have blocked, returned %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-blocked:
		if err != nil {
			t.Fatalf("enqueue after release: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("enqueue never unblocked")
	}
}

// TestEnqueueContextCancel verifies a blocked producer can bail out via its
// own context.
func TestEnqueueContextCancel(t *testing.T) {
	started := make(chan struct{})
	block := make(chan struct{})
	p := New(func(_ context.Context, _ any) {
		close(started)
		<-block
	}, 1, 1, testLogger())
	defer func() {
		close(block)
		p.Close()
	}()

	_ = p.Enqueue(context.Background(), "k", 1)
	<-started
	_ = p.Enqueue(context.Background(), "k", 2) // fills the queue

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := p.Enqueue(ctx, "k", 3); err == nil {
		t.Fatal("expected context error from blocked enqueue")
	}
}

// TestPanicIsolation verifies a panicking handler does not take down the
// partition worker or the pipeline.
func TestPanicIsolation(t *testing.T) {
	processed := make(chan int, 2)
	p := New(func(_ context.Context, unit any) {
		n := unit.(int)
		if n == 1 {
			panic("boom")
		}
		processed <- n
	}, 2, 8, testLogger())
	defer p.Close()

	ctx := context.Background()
	for _, n := range []int{1, 2} {
		if err := p.Enqueue(ctx, "k", n); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	select {
	case n := <-processed:
		if n != 2 {
			t.Fatalf("expected unit 2 after panic, got %d", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("partition died after panic")
	}
}

// TestCloseRejectsNewUnits verifies Enqueue fails after Close.
func TestCloseRejectsNewUnits(t *testing.T) {
	p := New(func(_ context.Context, _ any) {}, 1, 4, testLogger())
	p.Close()
	if err := p.Enqueue(context.Background(), "k", 1); err == nil {
		t.Fatal("expected error after Close")
	}
}

// TestDefaultPartition verifies keyless units land on the shared partition.
func TestDefaultPartition(t *testing.T) {
	done := make(chan struct{})
	p := New(func(_ context.Context, _ any) { close(done) }, 1, 4, testLogger())
	defer p.Close()

	if err := p.Enqueue(context.Background(), "", 1); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("unit never processed")
	}
	if p.Partitions() != 1 {
		t.Fatalf("expected 1 partition, got %d", p.Partitions())
	}
}
