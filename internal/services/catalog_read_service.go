package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/language"

	domain "github.com/catalogsync/api/internal/domain"
	"github.com/catalogsync/api/internal/repositories"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxListPage      = 100000
)

// PageParams is page/offset/limit input. Offset wins over Page when both are given.
type PageParams struct {
	Page   int
	Offset *int
	Limit  int
}

// PublicListFilter selects the public listing of one sale event.
type PublicListFilter struct {
	SaleEventID string
	Lang        string
	PageParams
}

// AdminListFilter selects the admin listing of one sale event.
type AdminListFilter struct {
	SaleEventID    string
	HostID         string
	ProductID      string
	Status         string
	IncludeDeleted bool
	PageParams
}

// CatalogReadServiceDeps enumerates collaborators required by the read service.
type CatalogReadServiceDeps struct {
	Documents  repositories.CatalogDocumentRepository
	SaleEvents repositories.SaleEventRepository
	// Sanitizer strips markup from public translation strings. Defaults to bluemonday's strict policy.
	Sanitizer *bluemonday.Policy
}

type catalogReadService struct {
	documents  repositories.CatalogDocumentRepository
	saleEvents repositories.SaleEventRepository
	sanitizer  *bluemonday.Policy
}

var _ CatalogReadService = (*catalogReadService)(nil)

// NewCatalogReadService wires dependencies into a CatalogReadService.
func NewCatalogReadService(deps CatalogReadServiceDeps) (CatalogReadService, error) {
	if deps.Documents == nil {
		return nil, errors.New("catalog read service: document repository is required")
	}
	if deps.SaleEvents == nil {
		return nil, errors.New("catalog read service: sale event repository is required")
	}
	sanitizer := deps.Sanitizer
	if sanitizer == nil {
		sanitizer = bluemonday.StrictPolicy()
	}
	return &catalogReadService{documents: deps.Documents, saleEvents: deps.SaleEvents, sanitizer: sanitizer}, nil
}

func (s *catalogReadService) ListSaleEventProducts(ctx context.Context, filter PublicListFilter) (domain.Page[PublicCatalogDocument], error) {
	event, err := resolveSaleEvent(ctx, s.saleEvents, filter.SaleEventID, "")
	if err != nil {
		return domain.Page[PublicCatalogDocument]{}, err
	}
	var prefs []language.Tag
	if lang := strings.TrimSpace(filter.Lang); lang != "" {
		prefs, _, err = language.ParseAcceptLanguage(lang)
		if err != nil {
			return domain.Page[PublicCatalogDocument]{}, newValidationError("invalid lang", "lang")
		}
	}

	req := normalizePage(filter.PageParams)
	criteria := domain.CatalogCriteria{
		SaleEvent: event.ID,
		Statuses:  domain.PublicCatalogStatuses,
	}
	docs, total, err := s.list(ctx, criteria, req)
	if err != nil {
		return domain.Page[PublicCatalogDocument]{}, err
	}

	items := make([]PublicCatalogDocument, 0, len(docs))
	for _, doc := range docs {
		if !PubliclyVisible(doc) {
			continue
		}
		item := NewPublicCatalogDocument(doc)
		item.Locale, item.VariationFieldsTranslations = s.localize(item.VariationFieldsTranslations, prefs)
		items = append(items, item)
	}
	return domain.Page[PublicCatalogDocument]{Items: items, Page: req.Page, Offset: req.Offset, Limit: req.Limit, Total: total}, nil
}

func (s *catalogReadService) ListAdminProducts(ctx context.Context, filter AdminListFilter) (domain.Page[AdminCatalogDocument], error) {
	event, err := resolveSaleEvent(ctx, s.saleEvents, filter.SaleEventID, filter.HostID)
	if err != nil {
		return domain.Page[AdminCatalogDocument]{}, err
	}
	criteria := domain.CatalogCriteria{
		Host:           event.Host,
		SaleEvent:      event.ID,
		ProductID:      strings.TrimSpace(filter.ProductID),
		IncludeDeleted: filter.IncludeDeleted,
	}
	if status := strings.TrimSpace(filter.Status); status != "" {
		if !validCatalogStatus(status) {
			return domain.Page[AdminCatalogDocument]{}, newValidationError("invalid status", "status")
		}
		criteria.Statuses = []string{status}
	}

	req := normalizePage(filter.PageParams)
	docs, total, err := s.list(ctx, criteria, req)
	if err != nil {
		return domain.Page[AdminCatalogDocument]{}, err
	}
	return domain.Page[AdminCatalogDocument]{Items: adminDocuments(docs), Page: req.Page, Offset: req.Offset, Limit: req.Limit, Total: total}, nil
}

func (s *catalogReadService) list(ctx context.Context, criteria domain.CatalogCriteria, req domain.PageRequest) ([]domain.CatalogDocument, int, error) {
	total, err := s.documents.CountByCriteria(ctx, criteria)
	if err != nil {
		return nil, 0, fmt.Errorf("count catalog documents: %w", err)
	}
	if total == 0 || req.Offset >= total {
		return nil, total, nil
	}
	docs, err := s.documents.FindByCriteria(ctx, criteria, req)
	if err != nil {
		return nil, 0, fmt.Errorf("list catalog documents: %w", err)
	}
	return docs, total, nil
}

// localize sanitises every translation and, when prefs are given, keeps only the best matching locale.
func (s *catalogReadService) localize(translations map[string][]string, prefs []language.Tag) (string, map[string][]string) {
	if len(translations) == 0 {
		return "", translations
	}
	locales := make([]string, 0, len(translations))
	for locale := range translations {
		locales = append(locales, locale)
	}
	sort.Strings(locales)

	chosen := ""
	if len(prefs) > 0 {
		tags := make([]language.Tag, 0, len(locales))
		supported := make([]string, 0, len(locales))
		for _, locale := range locales {
			tag, err := language.Parse(locale)
			if err != nil {
				continue
			}
			tags = append(tags, tag)
			supported = append(supported, locale)
		}
		if len(tags) > 0 {
			_, idx, confidence := language.NewMatcher(tags).Match(prefs...)
			if confidence != language.No {
				chosen = supported[idx]
			}
		}
	}

	out := make(map[string][]string, len(translations))
	for _, locale := range locales {
		if chosen != "" && locale != chosen {
			continue
		}
		values := make([]string, 0, len(translations[locale]))
		for _, value := range translations[locale] {
			values = append(values, s.sanitizer.Sanitize(value))
		}
		out[locale] = values
	}
	return chosen, out
}

func normalizePage(params PageParams) domain.PageRequest {
	limit := params.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	page := params.Page
	if page <= 0 {
		page = 1
	}
	if page > maxListPage {
		page = maxListPage
	}
	offset := (page - 1) * limit
	if params.Offset != nil {
		offset = *params.Offset
		if offset < 0 {
			offset = 0
		}
		page = offset/limit + 1
	}
	return domain.PageRequest{Page: page, Offset: offset, Limit: limit}
}
