package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/storefront-app/api/internal/services"
)

// orderEventMessage is the JSON body consumers of the order events topic receive.
type orderEventMessage struct {
	ID                    string         `json:"id"`
	Type                  string         `json:"type"`
	OrderNumber           string         `json:"orderNumber"`
	PreviousStatus        string         `json:"previousStatus,omitempty"`
	CurrentStatus         string         `json:"currentStatus"`
	PreviousPaymentStatus string         `json:"previousPaymentStatus,omitempty"`
	CurrentPaymentStatus  string         `json:"currentPaymentStatus"`
	ActorID               string         `json:"actorId,omitempty"`
	OccurredAt            time.Time      `json:"occurredAt"`
	Metadata              map[string]any `json:"metadata,omitempty"`
}

// PubSubOrderEventPublisher publishes order lifecycle events to a Pub/Sub topic. Messages for the
// same order share an ordering key so subscribers see transitions in order.
type PubSubOrderEventPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

var _ services.OrderEventPublisher = (*PubSubOrderEventPublisher)(nil)

// NewPubSubOrderEventPublisher constructs a Pub/Sub backed order event publisher.
func NewPubSubOrderEventPublisher(topic *pubsub.Topic) (*PubSubOrderEventPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub order event publisher: topic is required")
	}
	topic.EnableMessageOrdering = true
	return &PubSubOrderEventPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishOrderEvent blocks until the server acknowledges the message.
func (p *PubSubOrderEventPublisher) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub order event publisher: not initialised")
	}

	data, err := p.marshal(orderEventMessage{
		ID:                    event.ID,
		Type:                  event.Type,
		OrderNumber:           event.OrderNumber,
		PreviousStatus:        event.PreviousStatus,
		CurrentStatus:         event.CurrentStatus,
		PreviousPaymentStatus: event.PreviousPaymentStatus,
		CurrentPaymentStatus:  event.CurrentPaymentStatus,
		ActorID:               event.ActorID,
		OccurredAt:            event.OccurredAt.UTC(),
		Metadata:              event.Metadata,
	})
	if err != nil {
		return fmt.Errorf("marshal order event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "eventId", event.ID)
	setAttr(attrs, "eventType", event.Type)
	setAttr(attrs, "orderNumber", event.OrderNumber)

	orderingKey := strings.TrimSpace(event.OrderNumber)
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:        data,
		Attributes:  attrs,
		OrderingKey: orderingKey,
	})
	if _, err := result.Get(ctx); err != nil {
		// A failed publish pauses the ordering key until it is resumed.
		if orderingKey != "" {
			p.topic.ResumePublish(orderingKey)
		}
		return fmt.Errorf("publish order event: %w", err)
	}
	return nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
