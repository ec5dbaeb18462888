package subscription

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/darkden-lab/livefeed/internal/logging"
)

// ErrClosed is returned after the registry or a subscriber has been closed.
var ErrClosed = errors.New("subscription: closed")

// Receiver gets the raw messages of every topic it is attached to.
type Receiver interface {
	Receive(topic string, payload any)
}

type entry struct {
	topic   string
	binding Binding
	subs    []Receiver
}

// Registry keeps exactly one upstream binding per topic and fans its messages
// out to the attached receivers in attachment order. A binding is opened on
// the first attach and closed when the last receiver detaches.
type Registry struct {
	source Source
	log    *zap.SugaredLogger

	mu     sync.Mutex
	topics map[string]*entry
	closed bool
}

// NewRegistry returns an empty registry reading from source.
func NewRegistry(source Source, log *zap.SugaredLogger) *Registry {
	if log == nil {
		log = logging.Nop()
	}
	return &Registry{
		source: source,
		log:    log,
		topics: make(map[string]*entry),
	}
}

// Subscribe attaches r to topic, opening the upstream binding if this is the
// topic's first receiver. Attaching the same receiver twice is a no-op.
func (reg *Registry) Subscribe(topic string, r Receiver) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if reg.closed {
		return ErrClosed
	}

	e, ok := reg.topics[topic]
	if !ok {
		e = &entry{topic: topic}
		binding, err := reg.source.Open(topic, func(payload any) { reg.dispatch(e, payload) })
		if err != nil {
			return fmt.Errorf("open %s: %w", topic, err)
		}
		e.binding = binding
		reg.topics[topic] = e
		reg.log.Infow("subscription: topic bound", "topic", topic)
	}

	for _, s := range e.subs {
		if s == r {
			return nil
		}
	}
	e.subs = append(e.subs, r)
	return nil
}

// Unsubscribe detaches r from topic. It closes the binding when r was the
// last receiver and reports whether r was attached.
func (reg *Registry) Unsubscribe(topic string, r Receiver) bool {
	reg.mu.Lock()
	e, ok := reg.topics[topic]
	if !ok {
		reg.mu.Unlock()
		return false
	}

	idx := -1
	for i, s := range e.subs {
		if s == r {
			idx = i
			break
		}
	}
	if idx < 0 {
		reg.mu.Unlock()
		return false
	}

	subs := make([]Receiver, 0, len(e.subs)-1)
	subs = append(subs, e.subs[:idx]...)
	subs = append(subs, e.subs[idx+1:]...)
	e.subs = subs

	var release Binding
	if len(e.subs) == 0 {
		delete(reg.topics, topic)
		release = e.binding
	}
	reg.mu.Unlock()

	if release != nil {
		reg.closeBinding(topic, release)
	}
	return true
}

// TopicCount returns the number of bound topics.
func (reg *Registry) TopicCount() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.topics)
}

// SubscriberCount returns the number of receivers attached to topic.
func (reg *Registry) SubscriberCount(topic string) int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if e, ok := reg.topics[topic]; ok {
		return len(e.subs)
	}
	return 0
}

// TopicStat is the attachment count of one bound topic.
type TopicStat struct {
	Topic       string `json:"topic"`
	Subscribers int    `json:"subscribers"`
}

// Stats lists the bound topics sorted by name.
func (reg *Registry) Stats() []TopicStat {
	reg.mu.Lock()
	out := make([]TopicStat, 0, len(reg.topics))
	for topic, e := range reg.topics {
		out = append(out, TopicStat{Topic: topic, Subscribers: len(e.subs)})
	}
	reg.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out
}

// Close tears down every binding. Later Subscribe calls fail with ErrClosed.
func (reg *Registry) Close() error {
	reg.mu.Lock()
	if reg.closed {
		reg.mu.Unlock()
		return nil
	}
	reg.closed = true
	entries := reg.topics
	reg.topics = make(map[string]*entry)
	reg.mu.Unlock()

	for topic, e := range entries {
		reg.closeBinding(topic, e.binding)
	}
	return nil
}

func (reg *Registry) closeBinding(topic string, b Binding) {
	if err := b.Close(); err != nil {
		reg.log.Warnw("subscription: close binding", "topic", topic, "error", err)
		return
	}
	reg.log.Infow("subscription: topic released", "topic", topic)
}

// dispatch delivers payload to a snapshot of the entry's receivers outside
// the lock.
func (reg *Registry) dispatch(e *entry, payload any) {
	reg.mu.Lock()
	subs := e.subs
	reg.mu.Unlock()

	for _, r := range subs {
		reg.deliver(e.topic, r, payload)
	}
}

func (reg *Registry) deliver(topic string, r Receiver, payload any) {
	defer func() {
		if p := recover(); p != nil {
			reg.log.Errorw("subscription: receiver panicked", "topic", topic, "panic", p)
		}
	}()
	r.Receive(topic, payload)
}
