package subscription

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/darkden-lab/livefeed/internal/broker"
	"github.com/darkden-lab/livefeed/internal/eventbus"
)

// fakeSource records bindings and lets tests push messages into them.
type fakeSource struct {
	mu       sync.Mutex
	opens    map[string]int
	closes   map[string]int
	delivers map[string]func(any)
	err      error
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		opens:    make(map[string]int),
		closes:   make(map[string]int),
		delivers: make(map[string]func(any)),
	}
}

type fakeBinding struct {
	src   *fakeSource
	topic string
}

func (b *fakeBinding) Close() error {
	b.src.mu.Lock()
	defer b.src.mu.Unlock()
	b.src.closes[b.topic]++
	delete(b.src.delivers, b.topic)
	return nil
}

func (s *fakeSource) Open(topic string, deliver func(any)) (Binding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.opens[topic]++
	s.delivers[topic] = deliver
	return &fakeBinding{src: s, topic: topic}, nil
}

func (s *fakeSource) push(topic string, payload any) {
	s.mu.Lock()
	deliver := s.delivers[topic]
	s.mu.Unlock()
	if deliver != nil {
		deliver(payload)
	}
}

func (s *fakeSource) counts(topic string) (opens, closes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens[topic], s.closes[topic]
}

// recordingReceiver appends its name to a shared log on every message.
type recordingReceiver struct {
	name string
	log  *[]string
	mu   *sync.Mutex
}

func (r *recordingReceiver) Receive(_ string, _ any) {
	r.mu.Lock()
	*r.log = append(*r.log, r.name)
	r.mu.Unlock()
}

type panickingReceiver struct{}

func (panickingReceiver) Receive(string, any) { panic("boom") }

func TestRegistry_SharesOneBindingPerTopic(t *testing.T) {
	src := newFakeSource()
	reg := NewRegistry(src, nil)

	var mu sync.Mutex
	var got []string
	a := &recordingReceiver{name: "a", log: &got, mu: &mu}
	b := &recordingReceiver{name: "b", log: &got, mu: &mu}

	if err := reg.Subscribe("alerts", a); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := reg.Subscribe("alerts", b); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := reg.Subscribe("alerts", a); err != nil {
		t.Fatalf("duplicate Subscribe: %v", err)
	}

	if opens, _ := src.counts("alerts"); opens != 1 {
		t.Errorf("expected one binding, got %d opens", opens)
	}
	if n := reg.SubscriberCount("alerts"); n != 2 {
		t.Errorf("expected 2 subscribers, got %d", n)
	}
	if n := reg.TopicCount(); n != 1 {
		t.Errorf("expected 1 topic, got %d", n)
	}
}

func TestRegistry_DispatchInAttachmentOrder(t *testing.T) {
	src := newFakeSource()
	reg := NewRegistry(src, nil)

	var mu sync.Mutex
	var got []string
	for _, name := range []string{"first", "second", "third"} {
		if err := reg.Subscribe("alerts", &recordingReceiver{name: name, log: &got, mu: &mu}); err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
	}

	src.push("alerts", []byte(`{}`))
	src.push("alerts", []byte(`{}`))

	want := []string{"first", "second", "third", "first", "second", "third"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("dispatch order mismatch (-want +got):\n%s", diff)
	}
}

func TestRegistry_PanickingReceiverDoesNotStopOthers(t *testing.T) {
	src := newFakeSource()
	reg := NewRegistry(src, nil)

	var mu sync.Mutex
	var got []string
	reg.Subscribe("alerts", panickingReceiver{})
	reg.Subscribe("alerts", &recordingReceiver{name: "ok", log: &got, mu: &mu})

	src.push("alerts", []byte(`{}`))

	if diff := cmp.Diff([]string{"ok"}, got); diff != "" {
		t.Errorf("unexpected deliveries (-want +got):\n%s", diff)
	}
}

func TestRegistry_ReleasesBindingAtZero(t *testing.T) {
	src := newFakeSource()
	reg := NewRegistry(src, nil)

	var mu sync.Mutex
	var got []string
	const n = 5
	receivers := make([]*recordingReceiver, n)
	for i := range receivers {
		receivers[i] = &recordingReceiver{name: "r", log: &got, mu: &mu}
		if err := reg.Subscribe("alerts", receivers[i]); err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
	}

	for i, r := range receivers {
		if !reg.Unsubscribe("alerts", r) {
			t.Fatalf("receiver %d was not attached", i)
		}
		if i < n-1 {
			if _, closes := src.counts("alerts"); closes != 0 {
				t.Fatalf("binding closed with %d receivers left", n-1-i)
			}
		}
	}

	if c := reg.TopicCount(); c != 0 {
		t.Errorf("expected no bound topics, got %d", c)
	}
	if _, closes := src.counts("alerts"); closes != 1 {
		t.Errorf("expected binding closed once, got %d", closes)
	}
	if reg.Unsubscribe("alerts", receivers[0]) {
		t.Error("expected unsubscribe of unknown topic to report false")
	}

	// A new subscriber opens a fresh binding.
	reg.Subscribe("alerts", receivers[0])
	if opens, _ := src.counts("alerts"); opens != 2 {
		t.Errorf("expected a second binding, got %d opens", opens)
	}
}

func TestRegistry_OpenFailure(t *testing.T) {
	src := newFakeSource()
	src.err = errors.New("no broker")
	reg := NewRegistry(src, nil)

	var mu sync.Mutex
	var got []string
	if err := reg.Subscribe("alerts", &recordingReceiver{log: &got, mu: &mu}); err == nil {
		t.Fatal("expected open error")
	}
	if n := reg.TopicCount(); n != 0 {
		t.Errorf("expected no topics after failed open, got %d", n)
	}
}

func TestRegistry_CloseReleasesEverything(t *testing.T) {
	src := newFakeSource()
	reg := NewRegistry(src, nil)

	var mu sync.Mutex
	var got []string
	r := &recordingReceiver{log: &got, mu: &mu}
	reg.Subscribe("alerts", r)
	reg.Subscribe("orders", r)

	if err := reg.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	for _, topic := range []string{"alerts", "orders"} {
		if _, closes := src.counts(topic); closes != 1 {
			t.Errorf("expected %s binding closed, got %d closes", topic, closes)
		}
	}
	if err := reg.Subscribe("alerts", r); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestRegistry_Stats(t *testing.T) {
	src := newFakeSource()
	reg := NewRegistry(src, nil)

	var mu sync.Mutex
	var got []string
	a := &recordingReceiver{log: &got, mu: &mu}
	b := &recordingReceiver{log: &got, mu: &mu}
	reg.Subscribe("orders", a)
	reg.Subscribe("alerts", a)
	reg.Subscribe("alerts", b)

	want := []TopicStat{{Topic: "alerts", Subscribers: 2}, {Topic: "orders", Subscribers: 1}}
	if diff := cmp.Diff(want, reg.Stats()); diff != "" {
		t.Errorf("stats mismatch (-want +got):\n%s", diff)
	}
}

func TestBusSource_DeliversPublishedEnvelopes(t *testing.T) {
	bus := eventbus.New(nil)
	defer bus.Close()
	reg := NewRegistry(BusSource{Bus: bus}, nil)
	defer reg.Close()

	sock := newFakeSocket("s1")
	sub := NewSubscriber(sock, reg, Options{TopicEventNames: true})
	if err := sub.Attach(context.Background(), "alerts"); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if n := bus.Handlers("alerts"); n != 1 {
		t.Fatalf("expected one bus handler, got %d", n)
	}

	env := broker.NewEnvelope("alert", []byte(`{"text":"hi"}`))
	if err := bus.Publish("alerts", env); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	f := sock.next(t)
	if f.Event != "alerts:data" {
		t.Errorf("expected alerts:data, got %q", f.Event)
	}
	got := decodeFrame(t, f)
	if got.ID != env.ID || got.Type != "alert" {
		t.Errorf("unexpected envelope %+v", got)
	}

	sub.Detach("alerts")
	if n := bus.Handlers("alerts"); n != 0 {
		t.Errorf("expected bus handler removed, got %d", n)
	}
}

// countingDialer fails every dial and counts attempts.
type countingDialer struct {
	dials atomic.Int32
}

func (d *countingDialer) DialConsumer(context.Context, string, string) (broker.ConsumerHandle, error) {
	d.dials.Add(1)
	return nil, errors.New("broker unreachable")
}

func TestKafkaSource_ConnectsInBackground(t *testing.T) {
	d := &countingDialer{}
	src := KafkaSource{Dialer: d, GroupPrefix: "test", Retry: time.Hour}

	done := make(chan struct{})
	var binding Binding
	var err error
	go func() {
		binding, err = src.Open("alerts", func(any) {})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Open blocked on the broker")
	}
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for d.dials.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if d.dials.Load() == 0 {
		t.Fatal("expected a background connect attempt")
	}

	conn, ok := binding.(*broker.ConsumerConnection)
	if !ok {
		t.Fatalf("expected a consumer connection binding, got %T", binding)
	}
	if err := binding.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if s := conn.State(); s != broker.StateDisconnected {
		t.Errorf("expected disconnected after close, got %s", s)
	}
}
