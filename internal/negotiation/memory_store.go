package negotiation

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory negotiation store for development mode.
type MemoryStore struct {
	mu           sync.RWMutex
	negotiations map[string]*Negotiation
}

// NewMemoryStore creates an empty in-memory negotiation store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{negotiations: make(map[string]*Negotiation)}
}

func (m *MemoryStore) Create(_ context.Context, n *Negotiation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n.Status == StatusActive {
		for _, other := range m.negotiations {
			if other.Status == StatusActive && other.ProductID == n.ProductID && other.BuyerID == n.BuyerID {
				return ErrActiveNegotiationExists
			}
		}
	}
	cp := n.clone()
	cp.MessageCount = len(cp.Messages)
	m.negotiations[n.ID] = cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Negotiation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.negotiations[id]
	if !ok {
		return nil, ErrNegotiationNotFound
	}
	return n.clone(), nil
}

func (m *MemoryStore) FindActive(_ context.Context, productID, buyerID string) (*Negotiation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, n := range m.negotiations {
		if n.Status == StatusActive && n.ProductID == productID && n.BuyerID == buyerID {
			return n.clone(), nil
		}
	}
	return nil, ErrNegotiationNotFound
}

func (m *MemoryStore) Update(_ context.Context, n *Negotiation, appended []Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.negotiations[n.ID]
	if !ok {
		return ErrNegotiationNotFound
	}
	if existing.Version != n.Version-1 {
		return ErrVersionConflict
	}

	updated := n.clone()
	updated.Messages = append(append([]Message(nil), existing.Messages...), appended...)
	updated.MessageCount = len(updated.Messages)
	updated.CreatedAt = existing.CreatedAt
	m.negotiations[n.ID] = updated
	return nil
}

func (m *MemoryStore) List(_ context.Context, f Filter) ([]*Negotiation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Negotiation
	for _, n := range m.negotiations {
		if !matches(n, f) {
			continue
		}
		cp := n.clone()
		cp.Messages = nil
		result = append(result, cp)
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].UpdatedAt.Equal(result[j].UpdatedAt) {
			return result[i].UpdatedAt.After(result[j].UpdatedAt)
		}
		return result[i].ID > result[j].ID
	})

	if f.Offset > 0 {
		if f.Offset >= len(result) {
			return nil, nil
		}
		result = result[f.Offset:]
	}
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

func (m *MemoryStore) Count(_ context.Context, f Filter) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, n := range m.negotiations {
		if matches(n, f) {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) CountForProducts(_ context.Context, productIDs []string, status string, since time.Time) (int, error) {
	if len(productIDs) == 0 {
		return 0, nil
	}
	ids := make(map[string]struct{}, len(productIDs))
	for _, id := range productIDs {
		ids[id] = struct{}{}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, n := range m.negotiations {
		if _, ok := ids[n.ProductID]; !ok {
			continue
		}
		if status != "" && string(n.Status) != status {
			continue
		}
		if n.UpdatedAt.Before(since) {
			continue
		}
		count++
	}
	return count, nil
}

func matches(n *Negotiation, f Filter) bool {
	if f.UserID != "" && n.BuyerID != f.UserID && n.VendorID != f.UserID {
		return false
	}
	if f.Status != "" && n.Status != f.Status {
		return false
	}
	return true
}
