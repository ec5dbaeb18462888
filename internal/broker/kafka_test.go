package broker

import (
	"context"
	"testing"
	"time"
)

// Kafka adapter tests cover configuration and failure paths only.
// Integration tests against a real cluster are excluded from unit tests.

func TestNewKafka_RequiresBrokers(t *testing.T) {
	if _, err := NewKafka(KafkaConfig{}); err == nil {
		t.Error("expected error for empty brokers list")
	}
}

func TestNewKafka_Defaults(t *testing.T) {
	k, err := NewKafka(KafkaConfig{Brokers: []string{"localhost:9092"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if k.cfg.DialTimeout != 5*time.Second {
		t.Errorf("expected 5s dial timeout, got %s", k.cfg.DialTimeout)
	}
	if k.cfg.CommitInterval != time.Second {
		t.Errorf("expected 1s commit interval, got %s", k.cfg.CommitInterval)
	}
	if k.cfg.WriteTimeout != 10*time.Second {
		t.Errorf("expected 10s write timeout, got %s", k.cfg.WriteTimeout)
	}
}

func TestKafka_DialFailsWhenUnreachable(t *testing.T) {
	// Port 1 on loopback refuses connections.
	k, err := NewKafka(KafkaConfig{Brokers: []string{"127.0.0.1:1"}, DialTimeout: 200 * time.Millisecond})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, err := k.DialConsumer(ctx, "alerts", "group"); err == nil {
		t.Error("expected consumer dial to fail")
	}
	if _, err := k.DialProducer(ctx); err == nil {
		t.Error("expected producer dial to fail")
	}
}

func TestKafka_ProducerSendFailsWhenUnreachable(t *testing.T) {
	k, err := NewKafka(KafkaConfig{Brokers: []string{"127.0.0.1:1"}, DialTimeout: 200 * time.Millisecond})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p, err := NewProducer(ProducerConfig{Dialer: k})
	if err != nil {
		t.Fatalf("NewProducer: %v", err)
	}
	defer p.Close()

	if err := p.Send(context.Background(), record("a"), false); err == nil {
		t.Error("expected send to fail without a reachable broker")
	}
}
