package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	kafka "github.com/segmentio/kafka-go"
)

// EventLinked is the type of the event emitted when a provider subject is
// attached to an existing identity found by email.
const EventLinked = "identity.linked"

// LinkEvent records a subject linkage.
type LinkEvent struct {
	EventID         string    `json:"event_id"`
	Type            string    `json:"type"`
	IdentityID      string    `json:"identity_id"`
	ProviderSubject string    `json:"provider_subject"`
	Email           string    `json:"email"`
	OccurredAt      time.Time `json:"occurred_at"`
}

// NewLinkEvent builds a LinkEvent with a fresh event id.
func NewLinkEvent(id *Identity, subject string, at time.Time) LinkEvent {
	return LinkEvent{
		EventID:         uuid.NewString(),
		Type:            EventLinked,
		IdentityID:      id.ID,
		ProviderSubject: subject,
		Email:           id.Email,
		OccurredAt:      at.UTC(),
	}
}

// Publisher emits identity events.
type Publisher interface {
	PublishLinked(ctx context.Context, ev LinkEvent) error
	Close() error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) PublishLinked(context.Context, LinkEvent) error { return nil }
func (NopPublisher) Close() error                                   { return nil }

// messageWriter is the subset of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher publishes events as JSON, keyed by identity id so that
// all events for one identity land on the same partition.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
}

// NewKafkaPublisher returns a synchronous publisher for topic.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	return &KafkaPublisher{writer: w, topic: topic}
}

func (p *KafkaPublisher) PublishLinked(ctx context.Context, ev LinkEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", ev.Type, err)
	}

	msg := kafka.Message{
		Topic: p.topic,
		Key:   []byte(ev.IdentityID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(ev.Type)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s event: %w", ev.Type, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
