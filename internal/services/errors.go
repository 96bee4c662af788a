package services

import (
	"errors"
	"fmt"
	"strings"

	"github.com/catalogsync/api/internal/repositories"
)

var (
	// ErrSaleEventNotFound indicates the sale event does not exist, is deleted, or belongs to another host.
	ErrSaleEventNotFound = errors.New("catalog: sale event not found")
	// ErrUpstreamFetch indicates the catalog API call failed or timed out.
	ErrUpstreamFetch = errors.New("catalog: upstream fetch failed")
	// ErrValidation indicates the caller supplied a malformed command.
	ErrValidation = errors.New("catalog: validation failed")
)

// SaleEventNotFoundError is returned before any mutation when a sale event does not resolve.
type SaleEventNotFoundError struct {
	SaleEventID string
	HostID      string
}

func (e *SaleEventNotFoundError) Error() string {
	if e.HostID != "" {
		return fmt.Sprintf("%s: %s (host %s)", ErrSaleEventNotFound, e.SaleEventID, e.HostID)
	}
	return fmt.Sprintf("%s: %s", ErrSaleEventNotFound, e.SaleEventID)
}

func (e *SaleEventNotFoundError) Unwrap() error { return ErrSaleEventNotFound }

// UpstreamFetchError wraps a failed or timed-out catalog API call. Callers decide whether to retry.
type UpstreamFetchError struct {
	ProductID string
	Err       error
}

func (e *UpstreamFetchError) Error() string {
	return fmt.Sprintf("%s: product %s: %v", ErrUpstreamFetch, e.ProductID, e.Err)
}

// Unwrap exposes both the sentinel and the cause to errors.Is.
func (e *UpstreamFetchError) Unwrap() []error { return []error{ErrUpstreamFetch, e.Err} }

// ValidationError lists the fields that made a command invalid.
type ValidationError struct {
	Fields []string
	Reason string
}

func (e *ValidationError) Error() string {
	msg := ErrValidation.Error()
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if len(e.Fields) > 0 {
		msg += " [" + strings.Join(e.Fields, ", ") + "]"
	}
	return msg
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func newValidationError(reason string, fields ...string) error {
	return &ValidationError{Reason: reason, Fields: fields}
}

func isRepoNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		return repoErr.IsNotFound()
	}
	return false
}
