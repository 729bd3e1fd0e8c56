package client

import (
	"sync"
	"time"
)

// PendingRequest is the context remembered for an in-flight correlated
// request whose response will arrive asynchronously through the pipeline.
type PendingRequest struct {
	ID       int64
	Method   string
	ThreadID string
	// InteractionID links turn/start requests to the interaction they
	// opened, so the response can bind the turn id.
	InteractionID string
	SentAt        time.Time
}

// RequestMap tracks in-flight correlated requests by id. Pop atomically
// removes and returns an entry, so a response is consumed exactly once even
// when the sweeper runs concurrently.
type RequestMap struct {
	mu      sync.Mutex
	pending map[int64]*PendingRequest
}

// NewRequestMap creates an empty request map.
func NewRequestMap() *RequestMap {
	return &RequestMap{pending: make(map[int64]*PendingRequest)}
}

// Insert records an in-flight request.
func (m *RequestMap) Insert(req *PendingRequest) {
	if req.SentAt.IsZero() {
		req.SentAt = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[req.ID] = req
}

// Pop removes and returns the entry for id, or nil if absent (already
// consumed or swept).
func (m *RequestMap) Pop(id int64) *PendingRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.pending[id]
	if !ok {
		return nil
	}
	delete(m.pending, id)
	return req
}

// Sweep removes entries older than ttl and returns them, so callers can log
// or fail the abandoned requests.
func (m *RequestMap) Sweep(ttl time.Duration) []*PendingRequest {
	cutoff := time.Now().Add(-ttl)
	m.mu.Lock()
	defer m.mu.Unlock()
	var expired []*PendingRequest
	for id, req := range m.pending {
		if req.SentAt.Before(cutoff) {
			expired = append(expired, req)
			delete(m.pending, id)
		}
	}
	return expired
}

// Len reports how many requests are in flight.
func (m *RequestMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
