package toolservers

import (
	"context"
	"slices"
	"sync"
)

// DescriptorStore persists descriptors as an ordered list.
type DescriptorStore interface {
	List(ctx context.Context) ([]Descriptor, error)
	// Put inserts at the end of the list, or replaces in place when the id exists.
	Put(ctx context.Context, d Descriptor) error
	Delete(ctx context.Context, id string) error
}

// MemoryDescriptorStore keeps descriptors in process memory.
type MemoryDescriptorStore struct {
	mu    sync.RWMutex
	items []Descriptor
}

// NewMemoryDescriptorStore creates a store seeded with descs.
func NewMemoryDescriptorStore(descs ...Descriptor) *MemoryDescriptorStore {
	s := &MemoryDescriptorStore{}
	for _, d := range descs {
		s.items = append(s.items, d.Clone())
	}
	return s
}

func (s *MemoryDescriptorStore) List(ctx context.Context) ([]Descriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Descriptor, len(s.items))
	for i, d := range s.items {
		out[i] = d.Clone()
	}
	return out, nil
}

func (s *MemoryDescriptorStore) Put(ctx context.Context, d Descriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i := slices.IndexFunc(s.items, func(x Descriptor) bool { return x.ID == d.ID }); i >= 0 {
		s.items[i] = d.Clone()
		return nil
	}
	s.items = append(s.items, d.Clone())
	return nil
}

func (s *MemoryDescriptorStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = slices.DeleteFunc(s.items, func(x Descriptor) bool { return x.ID == id })
	return nil
}

var _ DescriptorStore = (*MemoryDescriptorStore)(nil)
