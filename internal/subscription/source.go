// Package subscription binds topics to upstream sources and runs the
// per-connection delivery pipeline that turns raw topic messages into client
// frames.
package subscription

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/darkden-lab/livefeed/internal/broker"
	"github.com/darkden-lab/livefeed/internal/eventbus"
	"github.com/darkden-lab/livefeed/internal/logging"
)

// Binding is an open upstream subscription for one topic.
type Binding interface {
	Close() error
}

// Source opens one upstream binding per topic. Every message received on the
// topic is handed to deliver; deliver is never called concurrently for the
// same binding.
type Source interface {
	Open(topic string, deliver func(payload any)) (Binding, error)
}

// BusSource reads topics from the in-process event bus.
type BusSource struct {
	Bus *eventbus.Bus
}

type busBinding struct {
	bus   *eventbus.Bus
	topic string
	id    string
}

func (b *busBinding) Close() error {
	b.bus.Off(b.topic, b.id)
	return nil
}

func (s BusSource) Open(topic string, deliver func(payload any)) (Binding, error) {
	id, err := s.Bus.On(topic, func(_ string, payload any) { deliver(payload) })
	if err != nil {
		return nil, err
	}
	return &busBinding{bus: s.Bus, topic: topic, id: id}, nil
}

// KafkaSource reads topics through one ConsumerConnection per topic.
type KafkaSource struct {
	Dialer      broker.ConsumerDialer
	GroupPrefix string
	Retry       time.Duration
	Log         *zap.SugaredLogger
}

// Open creates the topic's connection and connects it in the background so a
// slow or absent broker never blocks subscribers of other topics. Failed
// attempts are retried by the connection itself.
func (s KafkaSource) Open(topic string, deliver func(payload any)) (Binding, error) {
	log := s.Log
	if log == nil {
		log = logging.Nop()
	}
	log = log.With("topic", topic)

	conn, err := broker.NewConsumerConnection(broker.ConsumerConfig{
		Topic:       topic,
		GroupPrefix: s.GroupPrefix,
		Retry:       s.Retry,
		Dialer:      s.Dialer,
		Log:         log,
		Hooks: broker.ConsumerHooks{
			OnMessage: func(m broker.Message) { deliver(m) },
			OnReconnecting: func() {
				log.Infow("subscription: upstream reconnecting")
			},
		},
	})
	if err != nil {
		return nil, err
	}

	go func() {
		if err := conn.Connect(context.Background()); err != nil && !errors.Is(err, broker.ErrClosed) {
			log.Warnw("subscription: initial connect failed, retrying", "error", err)
		}
	}()
	return conn, nil
}
