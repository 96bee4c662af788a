package memory

import (
	"context"
	"sync"

	domain "github.com/catalogsync/api/internal/domain"
	"github.com/catalogsync/api/internal/repositories"
)

// SaleEventStore keeps sale events in memory.
type SaleEventStore struct {
	mu     sync.RWMutex
	events map[string]domain.SaleEvent
}

var _ repositories.SaleEventRepository = (*SaleEventStore)(nil)

// NewSaleEventStore constructs a store seeded with events.
func NewSaleEventStore(events ...domain.SaleEvent) *SaleEventStore {
	store := &SaleEventStore{events: make(map[string]domain.SaleEvent, len(events))}
	store.Put(events...)
	return store
}

// Put inserts or replaces events.
func (s *SaleEventStore) Put(events ...domain.SaleEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, event := range events {
		s.events[event.ID] = event
	}
}

func (s *SaleEventStore) FindByID(ctx context.Context, saleEventID string) (domain.SaleEvent, error) {
	if err := ctx.Err(); err != nil {
		return domain.SaleEvent{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	event, ok := s.events[saleEventID]
	if !ok || event.DeletedAt != nil {
		return domain.SaleEvent{}, notFound("sale_events.find_by_id", "sale event "+saleEventID+" not found")
	}
	return event, nil
}
