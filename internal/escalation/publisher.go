// Package escalation publishes human-handoff and call-ended events to Kafka.
// Without brokers it runs in log-only mode.
package escalation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/ent0n29/callcore/internal/logging"
	"github.com/ent0n29/callcore/internal/observability"
)

// Publisher is what the call orchestrator depends on.
type Publisher interface {
	PublishHandoff(ctx context.Context, h Handoff) error
	PublishCallEnded(ctx context.Context, e CallEnded) error
	Close() error
}

type Config struct {
	Brokers        []string
	HandoffTopic   string
	CallEventTopic string
	// Source is stamped into every message header.
	Source string
}

// messageWriter is the subset of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes JSON events keyed by call id, so every event for one
// call lands on the same partition.
type KafkaPublisher struct {
	handoff   messageWriter
	callEvent messageWriter
	cfg       Config
	enabled   bool
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewKafkaPublisher(cfg Config, metrics *observability.Metrics) *KafkaPublisher {
	if strings.TrimSpace(cfg.HandoffTopic) == "" {
		cfg.HandoffTopic = "callcore.escalations"
	}
	if strings.TrimSpace(cfg.CallEventTopic) == "" {
		cfg.CallEventTopic = "callcore.call-events"
	}
	if strings.TrimSpace(cfg.Source) == "" {
		cfg.Source = "callcore"
	}
	p := &KafkaPublisher{
		cfg:     cfg,
		metrics: metrics,
		logger:  logging.WithComponent("escalation"),
	}
	if len(cfg.Brokers) == 0 {
		p.logger.Info().Msg("kafka disabled, using log-only mode")
		return p
	}

	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	transport := &kafka.Transport{
		Dial: dialer.DialFunc,
	}
	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
			WriteTimeout: 10 * time.Second,
			RequiredAcks: kafka.RequireOne,
			Transport:    transport,
		}
	}
	p.handoff = newWriter(cfg.HandoffTopic)
	p.callEvent = newWriter(cfg.CallEventTopic)
	p.enabled = true

	p.logger.Info().
		Strs("brokers", cfg.Brokers).
		Str("handoff_topic", cfg.HandoffTopic).
		Str("call_event_topic", cfg.CallEventTopic).
		Msg("kafka publisher initialized")
	return p
}

func (p *KafkaPublisher) PublishHandoff(ctx context.Context, h Handoff) error {
	return p.publish(ctx, p.handoff, p.cfg.HandoffTopic, "handoff", h.CallID, h)
}

func (p *KafkaPublisher) PublishCallEnded(ctx context.Context, e CallEnded) error {
	return p.publish(ctx, p.callEvent, p.cfg.CallEventTopic, "call_ended", e.CallID, e)
}

func (p *KafkaPublisher) publish(ctx context.Context, w messageWriter, topic, eventType, key string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", eventType, err)
	}

	p.logger.Info().
		Str("topic", topic).
		Str("event_type", eventType).
		Str("call_id", key).
		RawJSON("payload", payload).
		Msg("publishing event")

	if !p.enabled || w == nil {
		p.metrics.EventPublished(topic, nil)
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(eventType)},
			{Key: "source", Value: []byte(p.cfg.Source)},
		},
	}
	if err := w.WriteMessages(ctx, msg); err != nil {
		p.metrics.EventPublished(topic, err)
		p.logger.Error().Err(err).Str("topic", topic).Str("call_id", key).Msg("kafka write failed")
		return fmt.Errorf("publish %s: %w", eventType, err)
	}
	p.metrics.EventPublished(topic, nil)
	return nil
}

func (p *KafkaPublisher) Close() error {
	var errs []error
	for _, w := range []messageWriter{p.handoff, p.callEvent} {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
