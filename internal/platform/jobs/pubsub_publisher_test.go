package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/catalogsync/api/internal/services"
)

func newTestPubSub(t *testing.T) (*pstest.Server, *pubsub.Client) {
	t.Helper()
	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return srv, client
}

func TestPubSubSyncPublisherPublishesMessage(t *testing.T) {
	ctx := context.Background()
	srv, client := newTestPubSub(t)

	topic, err := client.CreateTopic(ctx, "catalog-sync")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}

	publisher, err := NewPubSubSyncPublisher(topic)
	if err != nil {
		t.Fatalf("NewPubSubSyncPublisher: %v", err)
	}

	msg := services.ProductSyncMessage{
		JobID:     "sync_01",
		ProductID: "p1",
		Source:    services.SyncSourceWebhook,
		QueuedAt:  time.Date(2025, 5, 6, 9, 0, 0, 0, time.UTC),
	}
	if _, err := publisher.PublishProductSync(ctx, msg); err != nil {
		t.Fatalf("PublishProductSync: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	var payload services.ProductSyncMessage
	if err := json.Unmarshal(messages[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.JobID != msg.JobID || payload.ProductID != msg.ProductID || !payload.QueuedAt.Equal(msg.QueuedAt) {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if attr := messages[0].Attributes["productId"]; attr != "p1" {
		t.Fatalf("expected productId attribute, got %q", attr)
	}
	if attr := messages[0].Attributes["source"]; attr != "webhook" {
		t.Fatalf("expected source attribute, got %q", attr)
	}
}

func TestNewPubSubSyncPublisherRequiresTopic(t *testing.T) {
	if _, err := NewPubSubSyncPublisher(nil); err == nil {
		t.Fatalf("expected error for nil topic")
	}
}
