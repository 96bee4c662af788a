package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/catalogsync/api/internal/platform/catalogapi"
	"github.com/catalogsync/api/internal/services"
)

const defaultWorkerConcurrency = 4

// Delivery is the subset of a Pub/Sub message the worker needs.
type Delivery interface {
	Data() []byte
	Ack()
	Nack()
}

// SyncWorkerDeps enumerates collaborators for the sync worker.
type SyncWorkerDeps struct {
	Synchronizer services.ProductSynchronizer
	Tokens       services.AccessTokenSource
	Concurrency  int
	Logger       func(ctx context.Context, event string, fields map[string]any)
}

// SyncWorker consumes queued product sync requests and runs them through the synchronizer.
type SyncWorker struct {
	synchronizer services.ProductSynchronizer
	tokens       services.AccessTokenSource
	concurrency  int
	logger       func(context.Context, string, map[string]any)
}

// NewSyncWorker validates deps and builds a worker.
func NewSyncWorker(deps SyncWorkerDeps) (*SyncWorker, error) {
	if deps.Synchronizer == nil {
		return nil, errors.New("sync worker: synchronizer is required")
	}
	if deps.Tokens == nil {
		return nil, errors.New("sync worker: access token source is required")
	}
	concurrency := deps.Concurrency
	if concurrency <= 0 {
		concurrency = defaultWorkerConcurrency
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &SyncWorker{
		synchronizer: deps.Synchronizer,
		tokens:       deps.Tokens,
		concurrency:  concurrency,
		logger:       logger,
	}, nil
}

// Run receives from sub until ctx is cancelled.
func (w *SyncWorker) Run(ctx context.Context, sub *pubsub.Subscription) error {
	if sub == nil {
		return errors.New("sync worker: subscription is required")
	}
	sub.ReceiveSettings.NumGoroutines = w.concurrency
	sub.ReceiveSettings.MaxOutstandingMessages = w.concurrency
	err := sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		w.Handle(ctx, pubsubDelivery{msg: msg})
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Handle processes one delivery. Upstream failures are nacked for redelivery; malformed payloads and
// permanent failures are acked so they do not loop.
func (w *SyncWorker) Handle(ctx context.Context, delivery Delivery) {
	var message services.ProductSyncMessage
	if err := json.Unmarshal(delivery.Data(), &message); err != nil || strings.TrimSpace(message.ProductID) == "" {
		w.logger(ctx, "catalog.sync.job_discarded", map[string]any{"reason": "malformed payload"})
		delivery.Ack()
		return
	}

	fields := map[string]any{"jobId": message.JobID, "productId": message.ProductID, "source": message.Source}

	token, err := w.tokens.AccessToken(ctx)
	if err != nil {
		fields["error"] = err.Error()
		w.logger(ctx, "catalog.sync.job_retry", fields)
		delivery.Nack()
		return
	}

	result, err := w.synchronizer.Execute(ctx, services.SyncCommand{ProductID: message.ProductID, AccessToken: token})
	switch {
	case err == nil:
		fields["updated"] = result.Updated
		fields["deleted"] = result.Deleted
		w.logger(ctx, "catalog.sync.job_done", fields)
		delivery.Ack()
	case upstreamNotFound(err):
		fields["error"] = err.Error()
		w.logger(ctx, "catalog.sync.job_discarded", fields)
		delivery.Ack()
	case errors.Is(err, services.ErrUpstreamFetch), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		fields["error"] = err.Error()
		w.logger(ctx, "catalog.sync.job_retry", fields)
		delivery.Nack()
	default:
		fields["error"] = err.Error()
		w.logger(ctx, "catalog.sync.job_failed", fields)
		delivery.Ack()
	}
}

// upstreamNotFound reports a catalog API 404 surfaced by the fetch step. Store-side not-found errors do
// not count.
func upstreamNotFound(err error) bool {
	var upstream *services.UpstreamFetchError
	if !errors.As(err, &upstream) {
		return false
	}
	var apiErr *catalogapi.Error
	return errors.As(upstream.Err, &apiErr) && apiErr.IsNotFound()
}

type pubsubDelivery struct {
	msg *pubsub.Message
}

func (d pubsubDelivery) Data() []byte { return d.msg.Data }
func (d pubsubDelivery) Ack()         { d.msg.Ack() }
func (d pubsubDelivery) Nack()        { d.msg.Nack() }
