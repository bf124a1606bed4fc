// Package redpanda mirrors the voice slot audit trail to a Kafka topic for
// operator analytics. The database row stays authoritative; a failed mirror
// write only logs.
package redpanda

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/storyvoice/internal/domain"
)

// TopicSlotEvents is the Kafka topic carrying slot life-cycle events.
const TopicSlotEvents = "voice-slot-events"

// Producer implements domain.SlotEventSink on franz-go.
type Producer struct {
	client *kgo.Client
}

// NewProducer connects to the brokers. Messages are keyed by voice id so one
// voice's history stays ordered within a partition.
func NewProducer(brokers []string) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(5),
		kgo.ProducerBatchMaxBytes(1000000),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return &Producer{client: client}, nil
}

type slotEventMessage struct {
	VoiceID   *string        `json:"voice_id"`
	UserID    *string        `json:"user_id"`
	EventType string         `json:"event_type"`
	Reason    string         `json:"reason,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	At        time.Time      `json:"at"`
}

// Publish sends one event to the mirror topic. Delivery is fire-and-forget;
// errors are logged by the produce callback.
func (p *Producer) Publish(ctx domain.Context, e domain.VoiceSlotEvent) error {
	msg := slotEventMessage{
		VoiceID:   e.VoiceID,
		UserID:    e.UserID,
		EventType: string(e.EventType),
		Reason:    e.Reason,
		Metadata:  e.Metadata,
		At:        time.Now().UTC(),
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("op=events.publish: %w", err)
	}
	var key []byte
	if e.VoiceID != nil {
		key = []byte(*e.VoiceID)
	}
	rec := &kgo.Record{Topic: TopicSlotEvents, Key: key, Value: b}
	p.client.Produce(ctx, rec, func(_ *kgo.Record, err error) {
		if err != nil {
			slog.Warn("slot event mirror failed",
				slog.String("event_type", string(e.EventType)), slog.Any("error", err))
		}
	})
	return nil
}

// Close flushes pending records and releases the client.
func (p *Producer) Close() {
	p.client.Close()
}
