package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/catalogsync/api/internal/domain"
	pfirestore "github.com/catalogsync/api/internal/platform/firestore"
	"github.com/catalogsync/api/internal/repositories"
)

const saleEventsCollection = "saleEvents"

type SaleEventRepository struct {
	base *pfirestore.BaseRepository[saleEventDocument]
}

var _ repositories.SaleEventRepository = (*SaleEventRepository)(nil)

func NewSaleEventRepository(provider *pfirestore.Provider) (*SaleEventRepository, error) {
	if provider == nil {
		return nil, errors.New("sale event repository requires firestore provider")
	}
	return &SaleEventRepository{
		base: pfirestore.NewBaseRepository[saleEventDocument](provider, saleEventsCollection, nil, nil),
	}, nil
}

// FindByID treats soft-deleted sale events as missing.
func (r *SaleEventRepository) FindByID(ctx context.Context, saleEventID string) (domain.SaleEvent, error) {
	saleEventID = strings.TrimSpace(saleEventID)
	if saleEventID == "" {
		return domain.SaleEvent{}, pfirestore.NotFound("sale_events.find_by_id", "sale event id is empty")
	}
	doc, err := r.base.Get(ctx, saleEventID)
	if err != nil {
		return domain.SaleEvent{}, err
	}
	if doc.Data.DeletedAt != nil {
		return domain.SaleEvent{}, pfirestore.NotFound("sale_events.find_by_id", "sale event %s is deleted", saleEventID)
	}
	return doc.Data.toDomain(doc.ID), nil
}

type saleEventDocument struct {
	Host      string     `firestore:"host"`
	Title     string     `firestore:"title"`
	Status    string     `firestore:"status"`
	StartsAt  *time.Time `firestore:"startsAt"`
	EndsAt    *time.Time `firestore:"endsAt"`
	CreatedAt time.Time  `firestore:"createdAt"`
	UpdatedAt time.Time  `firestore:"updatedAt"`
	DeletedAt *time.Time `firestore:"deletedAt"`
}

func (d saleEventDocument) toDomain(id string) domain.SaleEvent {
	return domain.SaleEvent{
		ID:        id,
		Host:      d.Host,
		Title:     d.Title,
		Status:    d.Status,
		StartsAt:  utcPtr(d.StartsAt),
		EndsAt:    utcPtr(d.EndsAt),
		CreatedAt: d.CreatedAt.UTC(),
		UpdatedAt: d.UpdatedAt.UTC(),
		DeletedAt: utcPtr(d.DeletedAt),
	}
}

func utcPtr(ts *time.Time) *time.Time {
	if ts == nil {
		return nil
	}
	value := ts.UTC()
	return &value
}
