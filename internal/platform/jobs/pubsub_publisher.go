package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/catalogsync/api/internal/services"
)

// PubSubSyncPublisher publishes product sync requests to a Pub/Sub topic.
type PubSubSyncPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

var _ services.ProductSyncPublisher = (*PubSubSyncPublisher)(nil)

// NewPubSubSyncPublisher constructs a Pub/Sub backed sync publisher.
func NewPubSubSyncPublisher(topic *pubsub.Topic) (*PubSubSyncPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub sync publisher: topic is required")
	}
	return &PubSubSyncPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishProductSync enqueues one sync request. Messages for the same product share an ordering key.
func (p *PubSubSyncPublisher) PublishProductSync(ctx context.Context, message services.ProductSyncMessage) (string, error) {
	if p == nil || p.topic == nil {
		return "", errors.New("pubsub sync publisher: not initialised")
	}

	data, err := p.marshal(message)
	if err != nil {
		return "", fmt.Errorf("marshal sync job: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "jobId", message.JobID)
	setAttr(attrs, "productId", message.ProductID)
	setAttr(attrs, "source", message.Source)

	msg := &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	}
	if p.topic.EnableMessageOrdering {
		msg.OrderingKey = strings.TrimSpace(message.ProductID)
	}

	id, err := p.topic.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish sync job: %w", err)
	}
	return id, nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
