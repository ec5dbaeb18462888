package eventbus

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	bus := New(nil)
	defer bus.Close()

	done := make(chan any, 1)
	if _, err := bus.On("alerts", func(topic string, payload any) {
		done <- payload
	}); err != nil {
		t.Fatalf("On failed: %v", err)
	}

	if err := bus.Publish("alerts", "hello"); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case got := <-done:
		if got != "hello" {
			t.Errorf("expected payload 'hello', got %v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for payload")
	}
}

func TestBus_HandlersRunInRegistrationOrder(t *testing.T) {
	bus := New(nil)
	defer bus.Close()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(3)
	for i := 0; i < 3; i++ {
		i := i
		bus.On("ordered", func(string, any) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		})
	}

	bus.Publish("ordered", struct{}{})
	wg.Wait()

	for i, v := range order {
		if v != i {
			t.Fatalf("expected registration order, got %v", order)
		}
	}
}

func TestBus_TopicFiltering(t *testing.T) {
	bus := New(nil)
	defer bus.Close()

	var other atomic.Int32
	seen := make(chan struct{}, 1)
	bus.On("a", func(string, any) { seen <- struct{}{} })
	bus.On("b", func(string, any) { other.Add(1) })

	bus.Publish("a", 1)

	select {
	case <-seen:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
	// Dispatch is sequential, so once the marker arrives any delivery to b would have happened.
	marker := make(chan struct{})
	bus.On("marker", func(string, any) { close(marker) })
	bus.Publish("marker", nil)
	<-marker

	if got := other.Load(); got != 0 {
		t.Errorf("expected 0 deliveries on topic b, got %d", got)
	}
}

func TestBus_OffRemovesHandler(t *testing.T) {
	bus := New(nil)
	defer bus.Close()

	id, _ := bus.On("t", func(string, any) {})
	if bus.Topics() != 1 || bus.Handlers("t") != 1 {
		t.Fatalf("expected one topic with one handler")
	}

	if !bus.Off("t", id) {
		t.Fatal("expected Off to remove the handler")
	}
	if bus.Off("t", id) {
		t.Error("second Off should report false")
	}
	if bus.Topics() != 0 {
		t.Errorf("expected no topics, got %d", bus.Topics())
	}
}

func TestBus_PanickingHandlerDoesNotStopOthers(t *testing.T) {
	bus := New(nil)
	defer bus.Close()

	done := make(chan struct{})
	bus.On("t", func(string, any) { panic("boom") })
	bus.On("t", func(string, any) { close(done) })

	bus.Publish("t", nil)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("second handler never ran")
	}
}

func TestBus_ClosePreventsFurtherUse(t *testing.T) {
	bus := New(nil)
	bus.Close()

	if err := bus.Publish("t", nil); err != ErrClosed {
		t.Errorf("expected ErrClosed publishing after close, got %v", err)
	}
	if _, err := bus.On("t", func(string, any) {}); err != ErrClosed {
		t.Errorf("expected ErrClosed subscribing after close, got %v", err)
	}
}

func TestBus_DoubleCloseIsNoop(t *testing.T) {
	bus := New(nil)
	if err := bus.Close(); err != nil {
		t.Fatalf("first close failed: %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Fatalf("second close failed: %v", err)
	}
}
