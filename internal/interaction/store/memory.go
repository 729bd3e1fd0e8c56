package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentbridge/agentbridge/internal/interaction"
)

// MemoryStore is an in-memory Store for tests and ephemeral runs.
type MemoryStore struct {
	mu           sync.RWMutex
	interactions map[string]*interaction.Interaction
	items        map[string]*interaction.Item
	// seq breaks creation-time ties, map iteration order is not stable.
	seq     map[string]int64
	nextSeq int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		interactions: make(map[string]*interaction.Interaction),
		items:        make(map[string]*interaction.Item),
		seq:          make(map[string]int64),
	}
}

func (s *MemoryStore) CreateInteraction(_ context.Context, in *interaction.Interaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if in.ID == "" {
		in.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	in.CreatedAt = now
	in.UpdatedAt = now
	s.nextSeq++
	s.seq[in.ID] = s.nextSeq
	cp := *in
	s.interactions[in.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateInteraction(_ context.Context, in *interaction.Interaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.interactions[in.ID]; !ok {
		return ErrNotFound
	}
	in.UpdatedAt = time.Now().UTC()
	cp := *in
	s.interactions[in.ID] = &cp
	return nil
}

func (s *MemoryStore) GetInteraction(_ context.Context, id string) (*interaction.Interaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	in, ok := s.interactions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *in
	return &cp, nil
}

func (s *MemoryStore) FindByTurnID(_ context.Context, turnID string) (*interaction.Interaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findLatest(func(in *interaction.Interaction) bool {
		return in.TurnID != "" && in.TurnID == turnID
	})
}

func (s *MemoryStore) FindByThreadAndTurn(_ context.Context, threadID, turnID string) (*interaction.Interaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findLatest(func(in *interaction.Interaction) bool {
		return in.ThreadID == threadID && in.TurnID == turnID
	})
}

func (s *MemoryStore) FindOpenByThread(_ context.Context, threadID string) (*interaction.Interaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findLatest(func(in *interaction.Interaction) bool {
		return in.ThreadID == threadID && in.Open()
	})
}

func (s *MemoryStore) FindLatestByThread(_ context.Context, threadID string) (*interaction.Interaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findLatest(func(in *interaction.Interaction) bool {
		return in.ThreadID == threadID
	})
}

// findLatest returns the matching interaction with the highest creation
// sequence. Callers hold the lock.
func (s *MemoryStore) findLatest(match func(*interaction.Interaction) bool) (*interaction.Interaction, error) {
	var best *interaction.Interaction
	var bestSeq int64 = -1
	for id, in := range s.interactions {
		if match(in) && s.seq[id] > bestSeq {
			best, bestSeq = in, s.seq[id]
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (s *MemoryStore) ListInteractions(_ context.Context, threadID string) ([]*interaction.Interaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*interaction.Interaction
	for _, in := range s.interactions {
		if in.ThreadID == threadID {
			cp := *in
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return s.seq[out[i].ID] < s.seq[out[j].ID]
	})
	return out, nil
}

func (s *MemoryStore) CreateItem(_ context.Context, item *interaction.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	item.CreatedAt = now
	item.UpdatedAt = now
	s.nextSeq++
	s.seq[item.ID] = s.nextSeq
	cp := *item
	s.items[item.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateItem(_ context.Context, item *interaction.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[item.ID]; !ok {
		return ErrNotFound
	}
	item.UpdatedAt = time.Now().UTC()
	cp := *item
	s.items[item.ID] = &cp
	return nil
}

func (s *MemoryStore) FindItemByProviderID(_ context.Context, interactionID, providerItemID string) (*interaction.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, item := range s.items {
		if item.InteractionID == interactionID && item.ProviderItemID == providerItemID {
			cp := *item
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListItems(_ context.Context, interactionID string) ([]*interaction.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*interaction.Item
	for _, item := range s.items {
		if item.InteractionID == interactionID {
			cp := *item
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return s.seq[out[i].ID] < s.seq[out[j].ID]
	})
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
