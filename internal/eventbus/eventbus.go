// Package eventbus is an in-process, topic-keyed publish/subscribe bus. It is
// used when no Kafka brokers are configured and for purely local signaling.
package eventbus

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/darkden-lab/livefeed/internal/logging"
)

// ErrClosed is returned by Publish and On after Close.
var ErrClosed = errors.New("eventbus: closed")

const queueSize = 1024

// Handler receives every payload published to the topic it was registered on.
type Handler func(topic string, payload any)

type registration struct {
	id      string
	handler Handler
}

type published struct {
	topic   string
	payload any
}

// Bus fans published payloads out to the handlers of a topic. Handlers of a
// topic run in registration order on a single dispatch goroutine, so two
// payloads published by the same goroutine reach each handler in order.
type Bus struct {
	log *zap.SugaredLogger

	mu       sync.RWMutex
	handlers map[string][]registration

	sendMu sync.RWMutex
	closed bool
	queue  chan published
	done   chan struct{}
}

// New creates a Bus and starts its dispatch goroutine. Call Close to stop it.
func New(log *zap.SugaredLogger) *Bus {
	if log == nil {
		log = logging.Nop()
	}
	b := &Bus{
		log:      log,
		handlers: make(map[string][]registration),
		queue:    make(chan published, queueSize),
		done:     make(chan struct{}),
	}
	go b.dispatch()
	return b
}

// On registers handler for topic and returns an id for Off.
func (b *Bus) On(topic string, handler Handler) (string, error) {
	b.sendMu.RLock()
	defer b.sendMu.RUnlock()
	if b.closed {
		return "", ErrClosed
	}

	id := uuid.New().String()
	b.mu.Lock()
	b.handlers[topic] = append(b.handlers[topic], registration{id: id, handler: handler})
	b.mu.Unlock()
	return id, nil
}

// Off removes the handler registered under id. It reports whether a handler
// was removed.
func (b *Bus) Off(topic, id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	regs := b.handlers[topic]
	for i, r := range regs {
		if r.id != id {
			continue
		}
		regs = append(regs[:i:i], regs[i+1:]...)
		if len(regs) == 0 {
			delete(b.handlers, topic)
		} else {
			b.handlers[topic] = regs
		}
		return true
	}
	return false
}

// Publish enqueues payload for delivery to the handlers of topic. It blocks
// only while the dispatch queue is full.
func (b *Bus) Publish(topic string, payload any) error {
	b.sendMu.RLock()
	defer b.sendMu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	b.queue <- published{topic: topic, payload: payload}
	return nil
}

// Topics returns the number of topics with at least one handler.
func (b *Bus) Topics() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}

// Handlers returns the number of handlers registered for topic.
func (b *Bus) Handlers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[topic])
}

// Close drains queued payloads, stops the dispatch goroutine and rejects
// further use. Closing twice is a no-op.
func (b *Bus) Close() error {
	b.sendMu.Lock()
	if b.closed {
		b.sendMu.Unlock()
		return nil
	}
	b.closed = true
	close(b.queue)
	b.sendMu.Unlock()

	<-b.done
	return nil
}

func (b *Bus) dispatch() {
	defer close(b.done)

	for p := range b.queue {
		b.mu.RLock()
		regs := b.handlers[p.topic]
		// Copy so handlers may call On/Off without deadlocking.
		handlers := make([]Handler, len(regs))
		for i, r := range regs {
			handlers[i] = r.handler
		}
		b.mu.RUnlock()

		for _, h := range handlers {
			b.call(h, p)
		}
	}
}

func (b *Bus) call(h Handler, p published) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Errorw("eventbus: handler panicked", "topic", p.topic, "panic", r)
		}
	}()
	h(p.topic, p.payload)
}
