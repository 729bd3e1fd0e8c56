package client

import (
	"sync"
	"testing"
	"time"
)

func TestRequestMapInsertPop(t *testing.T) {
	m := NewRequestMap()

	m.Insert(&PendingRequest{ID: 1, Method: "turn/start", ThreadID: "th_1", InteractionID: "in_1"})
	if m.Len() != 1 {
		t.Fatalf("expected 1 pending, got %d", m.Len())
	}

	req := m.Pop(1)
	if req == nil || req.InteractionID != "in_1" {
		t.Fatalf("unexpected entry: %+v", req)
	}
	if m.Pop(1) != nil {
		t.Error("second pop should return nil")
	}
	if m.Pop(99) != nil {
		t.Error("pop of unknown id should return nil")
	}
}

func TestRequestMapPopIsExclusive(t *testing.T) {
	m := NewRequestMap()
	const n = 100
	for i := int64(1); i <= n; i++ {
		m.Insert(&PendingRequest{ID: i})
	}

	var mu sync.Mutex
	var popped int
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := int64(1); i <= n; i++ {
				if m.Pop(i) != nil {
					mu.Lock()
					popped++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	if popped != n {
		t.Errorf("each entry must be popped exactly once: got %d, want %d", popped, n)
	}
}

func TestRequestMapSweep(t *testing.T) {
	m := NewRequestMap()

	m.Insert(&PendingRequest{ID: 1, SentAt: time.Now().Add(-10 * time.Minute)})
	m.Insert(&PendingRequest{ID: 2, SentAt: time.Now()})

	expired := m.Sweep(5 * time.Minute)
	if len(expired) != 1 || expired[0].ID != 1 {
		t.Fatalf("unexpected sweep result: %+v", expired)
	}
	if m.Pop(1) != nil {
		t.Error("swept entry should be gone")
	}
	if m.Pop(2) == nil {
		t.Error("fresh entry should survive the sweep")
	}
}
