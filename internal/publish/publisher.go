// Package publish is the entry point collaborators use to put events on a
// topic, directly or through the HTTP API.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/darkden-lab/livefeed/internal/broker"
	"github.com/darkden-lab/livefeed/internal/eventbus"
	"github.com/darkden-lab/livefeed/internal/logging"
)

var (
	// ErrTopicRequired is returned for an empty topic.
	ErrTopicRequired = errors.New("publish: topic is required")
	// ErrInvalidMessage is returned when the message is not valid JSON.
	ErrInvalidMessage = errors.New("publish: message must be valid JSON")
)

// Sink delivers an envelope to a topic. durable asks the sink to keep
// retrying through broker outages instead of failing fast.
type Sink interface {
	Deliver(ctx context.Context, topic string, env broker.Envelope, durable bool) error
}

// ProducerSink writes envelopes to Kafka through the shared producer.
type ProducerSink struct {
	Producer *broker.Producer
}

func (s ProducerSink) Deliver(ctx context.Context, topic string, env broker.Envelope, durable bool) error {
	msg, err := broker.EnvelopeMessage(topic, env)
	if err != nil {
		return err
	}
	return s.Producer.Send(ctx, []broker.Message{msg}, durable)
}

// BusSink publishes envelopes on the in-process bus. Delivery is immediate,
// so durable has no effect.
type BusSink struct {
	Bus *eventbus.Bus
}

func (s BusSink) Deliver(_ context.Context, topic string, env broker.Envelope, _ bool) error {
	return s.Bus.Publish(topic, env)
}

// Publisher wraps messages in envelopes and hands them to a Sink.
type Publisher struct {
	sink Sink
	log  *zap.SugaredLogger
}

func NewPublisher(sink Sink, log *zap.SugaredLogger) *Publisher {
	if log == nil {
		log = logging.Nop()
	}
	return &Publisher{sink: sink, log: log}
}

// Publish sends message on topic as an envelope of eventType, which defaults
// to the topic name. An empty message is sent as an empty object. The
// envelope is returned even when delivery fails.
func (p *Publisher) Publish(ctx context.Context, topic, eventType string, message json.RawMessage, durable bool) (broker.Envelope, error) {
	if topic == "" {
		return broker.Envelope{}, ErrTopicRequired
	}
	if len(message) == 0 {
		message = json.RawMessage(`{}`)
	}
	if !json.Valid(message) {
		return broker.Envelope{}, ErrInvalidMessage
	}
	if eventType == "" {
		eventType = topic
	}

	env := broker.NewEnvelope(eventType, message)
	if err := p.sink.Deliver(ctx, topic, env, durable); err != nil {
		p.log.Warnw("publish: delivery failed", "topic", topic, "id", env.ID, "durable", durable, "error", err)
		return env, fmt.Errorf("publish to %s: %w", topic, err)
	}
	p.log.Debugw("publish: delivered", "topic", topic, "id", env.ID, "type", env.Type, "durable", durable)
	return env, nil
}
