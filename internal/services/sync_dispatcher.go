package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	maxQueuedProducts = 500

	syncEventQueued        = "catalog.sync.queued"
	syncEventPublishFailed = "catalog.sync.publish_failed"
)

// Sync sources recorded on queued messages.
const (
	SyncSourceWebhook  = "webhook"
	SyncSourceInternal = "internal"
)

// ProductSyncPublisher publishes sync requests to the background queue.
type ProductSyncPublisher interface {
	PublishProductSync(ctx context.Context, message ProductSyncMessage) (string, error)
}

// ProductSyncMessage is the payload delivered to sync workers via Pub/Sub.
type ProductSyncMessage struct {
	JobID     string    `json:"jobId"`
	ProductID string    `json:"productId"`
	Source    string    `json:"source"`
	QueuedAt  time.Time `json:"queuedAt"`
}

// QueueProductSyncCommand lists products to synchronise asynchronously.
type QueueProductSyncCommand struct {
	ProductIDs []string
	Source     string
}

// QueuedProductSync describes one published sync request.
type QueuedProductSync struct {
	JobID     string
	ProductID string
	MessageID string
	QueuedAt  time.Time
}

// QueueProductSyncResult lists published requests in input order, duplicates removed.
type QueueProductSyncResult struct {
	Jobs []QueuedProductSync
}

// SyncDispatcherDeps enumerates collaborators required to construct the dispatcher.
type SyncDispatcherDeps struct {
	Publisher   ProductSyncPublisher
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type syncDispatcher struct {
	publisher ProductSyncPublisher
	clock     func() time.Time
	newID     func() string
	logger    func(context.Context, string, map[string]any)
}

var _ SyncDispatcher = (*syncDispatcher)(nil)

// NewSyncDispatcher wires dependencies into a SyncDispatcher implementation.
func NewSyncDispatcher(deps SyncDispatcherDeps) (SyncDispatcher, error) {
	if deps.Publisher == nil {
		return nil, errors.New("sync dispatcher: publisher is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &syncDispatcher{
		publisher: deps.Publisher,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

func (d *syncDispatcher) QueueProductSync(ctx context.Context, cmd QueueProductSyncCommand) (QueueProductSyncResult, error) {
	productIDs, err := uniqueProductIDs(cmd.ProductIDs)
	if err != nil {
		return QueueProductSyncResult{}, err
	}
	source := strings.TrimSpace(cmd.Source)
	if source == "" {
		source = SyncSourceInternal
	}

	result := QueueProductSyncResult{Jobs: make([]QueuedProductSync, 0, len(productIDs))}
	for _, productID := range productIDs {
		msg := ProductSyncMessage{
			JobID:     "sync_" + strings.ToLower(d.newID()),
			ProductID: productID,
			Source:    source,
			QueuedAt:  d.clock(),
		}
		messageID, err := d.publisher.PublishProductSync(ctx, msg)
		if err != nil {
			d.logger(ctx, syncEventPublishFailed, map[string]any{
				"jobId":     msg.JobID,
				"productId": productID,
				"error":     err.Error(),
			})
			return result, fmt.Errorf("publish product sync %s: %w", productID, err)
		}
		d.logger(ctx, syncEventQueued, map[string]any{
			"jobId":     msg.JobID,
			"productId": productID,
			"source":    source,
			"messageId": messageID,
		})
		result.Jobs = append(result.Jobs, QueuedProductSync{
			JobID:     msg.JobID,
			ProductID: productID,
			MessageID: messageID,
			QueuedAt:  msg.QueuedAt,
		})
	}
	return result, nil
}

func uniqueProductIDs(ids []string) ([]string, error) {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	var invalid []string
	for i, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			invalid = append(invalid, fmt.Sprintf("productIds[%d]", i))
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	if len(invalid) > 0 {
		return nil, newValidationError("product ids must be non-empty", invalid...)
	}
	if len(out) == 0 {
		return nil, newValidationError("at least one product id is required", "productIds")
	}
	if len(out) > maxQueuedProducts {
		return nil, newValidationError(fmt.Sprintf("at most %d product ids per request", maxQueuedProducts), "productIds")
	}
	return out, nil
}
