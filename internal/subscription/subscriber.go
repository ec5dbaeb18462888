package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/darkden-lab/livefeed/internal/broker"
	"github.com/darkden-lab/livefeed/internal/logging"
)

// ErrForbidden is returned by Attach when the authorizer denies the topic.
var ErrForbidden = errors.New("subscription: forbidden")

// Frame is one outbound event for a socket.
type Frame struct {
	Event string `json:"event"`
	Key   string `json:"key,omitempty"`
	Data  any    `json:"data"`
}

// Socket is the transport side of a Subscriber.
type Socket interface {
	ID() string
	// Identity names the authenticated requester, for logs and authorization.
	Identity() string
	Send(Frame) error
}

// Request describes a subscribe attempt passed to an Authorizer.
type Request struct {
	Topic    string
	SocketID string
	Identity string
}

// Authorizer decides whether a socket may subscribe to a topic.
type Authorizer interface {
	CanSubscribe(ctx context.Context, req Request) (bool, error)
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, req Request) (bool, error)

func (f AuthorizerFunc) CanSubscribe(ctx context.Context, req Request) (bool, error) {
	return f(ctx, req)
}

// Transform derives the emitted event name, key and data for a message.
type Transform func(topic string, env broker.Envelope, raw json.RawMessage) (event, key string, data any)

// Options configures a Subscriber. Zero values disable throttling and the
// age filter.
type Options struct {
	EmitRate        time.Duration
	IgnoreOlderThan time.Duration
	// TopicEventNames emits "<topic>:data" instead of "payload".
	TopicEventNames bool
	Transform       Transform
	Authorizer      Authorizer
	Log             *zap.SugaredLogger

	now   func() time.Time
	after afterFunc
}

// EventName returns the default data event name for topic.
func EventName(topic string, topicNames bool) string {
	if topicNames {
		return topic + ":data"
	}
	return "payload"
}

// delivery is a parsed message waiting to be transformed and sent.
type delivery struct {
	topic string
	env   broker.Envelope
	raw   json.RawMessage
}

// Subscriber attaches one socket to any number of topics and runs every
// message for them through the delivery pipeline: drop empty messages, parse
// the envelope, drop messages older than IgnoreOlderThan, throttle to one
// message per EmitRate, transform, then send to the socket.
type Subscriber struct {
	socket   Socket
	registry *Registry
	opts     Options
	log      *zap.SugaredLogger

	mu     sync.Mutex
	topics map[string]*throttle
	closed bool
}

// NewSubscriber returns a Subscriber for socket with no topics attached.
func NewSubscriber(socket Socket, registry *Registry, opts Options) *Subscriber {
	if opts.Log == nil {
		opts.Log = logging.Nop()
	}
	if opts.now == nil {
		opts.now = time.Now
	}
	if opts.after == nil {
		opts.after = realAfterFunc
	}
	if opts.Transform == nil {
		names := opts.TopicEventNames
		opts.Transform = func(topic string, _ broker.Envelope, raw json.RawMessage) (string, string, any) {
			return EventName(topic, names), "", raw
		}
	}
	return &Subscriber{
		socket:   socket,
		registry: registry,
		opts:     opts,
		log:      opts.Log.With("socket", socket.ID()),
		topics:   make(map[string]*throttle),
	}
}

// Attach subscribes to topic after the authorizer allows it. A denial is
// logged with the requester identity and returned as ErrForbidden; nothing
// is attached. Attaching an already attached topic is a no-op.
func (s *Subscriber) Attach(ctx context.Context, topic string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	_, attached := s.topics[topic]
	s.mu.Unlock()
	if attached {
		return nil
	}

	if s.opts.Authorizer != nil {
		req := Request{Topic: topic, SocketID: s.socket.ID(), Identity: s.socket.Identity()}
		ok, err := s.opts.Authorizer.CanSubscribe(ctx, req)
		if err != nil {
			return fmt.Errorf("authorize %s: %w", topic, err)
		}
		if !ok {
			s.log.Warnw("subscription: subscribe denied", "topic", topic, "identity", req.Identity)
			return ErrForbidden
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if _, ok := s.topics[topic]; ok {
		s.mu.Unlock()
		return nil
	}
	var th *throttle
	if s.opts.EmitRate > 0 {
		th = newThrottle(s.opts.EmitRate, s.opts.after, s.send)
	}
	s.topics[topic] = th
	s.mu.Unlock()

	if err := s.registry.Subscribe(topic, s); err != nil {
		s.mu.Lock()
		delete(s.topics, topic)
		s.mu.Unlock()
		if th != nil {
			th.stop()
		}
		return err
	}
	s.log.Infow("subscription: subscribed", "topic", topic, "identity", s.socket.Identity())
	return nil
}

// Detach unsubscribes from topic and drops any throttled message for it.
func (s *Subscriber) Detach(topic string) {
	s.mu.Lock()
	th, ok := s.topics[topic]
	delete(s.topics, topic)
	s.mu.Unlock()
	if !ok {
		return
	}

	if th != nil {
		th.stop()
	}
	s.registry.Unsubscribe(topic, s)
	s.log.Infow("subscription: unsubscribed", "topic", topic)
}

// Topics returns the number of attached topics.
func (s *Subscriber) Topics() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.topics)
}

// Close detaches every topic. It is called when the socket goes away.
func (s *Subscriber) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	topics := s.topics
	s.topics = make(map[string]*throttle)
	s.mu.Unlock()

	for topic, th := range topics {
		if th != nil {
			th.stop()
		}
		s.registry.Unsubscribe(topic, s)
	}
}

// Receive runs payload through the pipeline. It implements Receiver.
func (s *Subscriber) Receive(topic string, payload any) {
	s.mu.Lock()
	th, attached := s.topics[topic]
	s.mu.Unlock()
	if !attached {
		return
	}

	raw, err := rawPayload(payload)
	if err != nil {
		s.log.Warnw("subscription: dropped malformed message", "topic", topic, "error", err)
		return
	}
	if raw == nil {
		s.log.Warnw("subscription: dropped empty message", "topic", topic)
		return
	}

	env, err := broker.DecodeEnvelope(raw)
	if err != nil {
		s.log.Warnw("subscription: dropped malformed message", "topic", topic, "error", err)
		return
	}

	if s.opts.IgnoreOlderThan > 0 {
		if ts, ok := env.Timestamp(); ok {
			if age := s.opts.now().Sub(ts); age > s.opts.IgnoreOlderThan {
				s.log.Debugw("subscription: dropped stale message", "topic", topic, "id", env.ID, "age", age)
				return
			}
		}
	}

	d := delivery{topic: topic, env: env, raw: raw}
	if th != nil {
		th.offer(d)
		return
	}
	s.send(d)
}

func (s *Subscriber) send(d delivery) {
	event, key, data := s.opts.Transform(d.topic, d.env, d.raw)
	if err := s.socket.Send(Frame{Event: event, Key: key, Data: data}); err != nil {
		s.log.Warnw("subscription: send failed", "topic", d.topic, "event", event, "error", err)
	}
}

// rawPayload normalizes what a source delivers to encoded JSON. It returns
// nil for empty messages.
func rawPayload(payload any) (json.RawMessage, error) {
	var raw []byte
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case []byte:
		raw = p
	case json.RawMessage:
		raw = p
	case string:
		raw = []byte(p)
	case broker.Message:
		raw = p.Value
	case *broker.Message:
		if p == nil {
			return nil, nil
		}
		raw = p.Value
	default:
		encoded, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("encode %T: %w", p, err)
		}
		raw = encoded
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	return json.RawMessage(raw), nil
}
