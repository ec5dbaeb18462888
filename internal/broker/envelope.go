// Package broker connects livefeed to Kafka: the per-topic consumer
// connection with its reconnect and offset-initialization state machine, the
// shared producer with ordered retry delivery, and the kafka-go adapters both
// are driven through.
package broker

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope is the wire format published to topics and delivered to clients.
type Envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Time    int64           `json:"time"` // epoch milliseconds
	Message json.RawMessage `json:"message"`
}

// NewEnvelope wraps message with a generated id and the current time.
func NewEnvelope(eventType string, message json.RawMessage) Envelope {
	return Envelope{
		Type:    eventType,
		ID:      uuid.New().String(),
		Time:    time.Now().UnixMilli(),
		Message: message,
	}
}

// Timestamp returns Time as a time.Time, and false when the envelope carries
// no time.
func (e Envelope) Timestamp() (time.Time, bool) {
	if e.Time <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(e.Time), true
}

// DecodeEnvelope parses an encoded envelope.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

// Message is a single record read from or written to a topic.
type Message struct {
	Topic     string
	Key       string
	Value     []byte
	Partition int
	Offset    int64
	Time      time.Time
}

// EnvelopeMessage encodes env as a record for topic, keyed by the envelope id.
func EnvelopeMessage(topic string, env Envelope) (Message, error) {
	value, err := json.Marshal(env)
	if err != nil {
		return Message{}, fmt.Errorf("marshal envelope: %w", err)
	}
	return Message{Topic: topic, Key: env.ID, Value: value}, nil
}
