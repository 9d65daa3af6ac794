package products

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory listing store for development mode.
type MemoryStore struct {
	mu       sync.RWMutex
	products map[string]*Product
}

// NewMemoryStore creates an empty in-memory listing store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{products: make(map[string]*Product)}
}

func clone(p *Product) *Product {
	cp := *p
	cp.Images = append([]string(nil), p.Images...)
	return &cp
}

func (m *MemoryStore) Create(_ context.Context, p *Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products[p.ID] = clone(p)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.products[id]
	if !ok {
		return nil, ErrProductNotFound
	}
	return clone(p), nil
}

func (m *MemoryStore) Update(_ context.Context, p *Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.products[p.ID]
	if !ok {
		return ErrProductNotFound
	}
	if existing.VendorID != p.VendorID {
		return ErrNotOwner
	}
	updated := clone(p)
	updated.CreatedAt = existing.CreatedAt
	m.products[p.ID] = updated
	return nil
}

func (m *MemoryStore) Deactivate(_ context.Context, id, vendorID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[id]
	if !ok {
		return ErrProductNotFound
	}
	if p.VendorID != vendorID {
		return ErrNotOwner
	}
	p.IsActive = false
	p.UpdatedAt = at
	return nil
}

func (m *MemoryStore) List(_ context.Context, f Filter) ([]*Product, error) {
	m.mu.RLock()
	result := m.matching(f)
	m.mu.RUnlock()

	sortProducts(result, f.SortBy, f.SortAsc)

	if f.Offset > 0 {
		if f.Offset >= len(result) {
			return []*Product{}, nil
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
	return len(m.matching(f)), nil
}

// Caller must hold m.mu.
func (m *MemoryStore) matching(f Filter) []*Product {
	var result []*Product
	for _, p := range m.products {
		if matches(p, f) {
			result = append(result, clone(p))
		}
	}
	return result
}

func matches(p *Product, f Filter) bool {
	if !f.IncludeInactive && !p.IsActive {
		return false
	}
	if f.Category != "" && p.Category != f.Category {
		return false
	}
	if f.VendorID != "" && p.VendorID != f.VendorID {
		return false
	}
	if f.City != "" && !containsFold(p.Location.City, f.City) {
		return false
	}
	if f.State != "" && !containsFold(p.Location.State, f.State) {
		return false
	}
	if f.Search != "" && !containsFold(p.Name, f.Search) && !containsFold(p.Description, f.Search) {
		return false
	}
	if f.MinPrice > 0 && p.CurrentPrice < f.MinPrice {
		return false
	}
	if f.MaxPrice > 0 && p.CurrentPrice > f.MaxPrice {
		return false
	}
	if !f.UpdatedSince.IsZero() && p.UpdatedAt.Before(f.UpdatedSince) {
		return false
	}
	return true
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}

func sortProducts(ps []*Product, by string, asc bool) {
	less := func(a, b *Product) bool {
		switch by {
		case SortUpdatedAt:
			return a.UpdatedAt.Before(b.UpdatedAt)
		case SortCurrentPrice:
			return a.CurrentPrice < b.CurrentPrice
		case SortName:
			return a.Name < b.Name
		default:
			return a.CreatedAt.Before(b.CreatedAt)
		}
	}
	sort.SliceStable(ps, func(i, j int) bool {
		if asc {
			return less(ps[i], ps[j])
		}
		return less(ps[j], ps[i])
	})
}

var _ Store = (*MemoryStore)(nil)
