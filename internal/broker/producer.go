package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/darkden-lab/livefeed/internal/logging"
)

// DefaultConnectTimeout bounds producer handle acquisition.
const DefaultConnectTimeout = time.Second

// ProducerConfig configures a Producer.
type ProducerConfig struct {
	Dialer ProducerDialer
	// RetryInterval is the fixed delay before a queued retry flush.
	RetryInterval  time.Duration
	ConnectTimeout time.Duration
	Log            *zap.SugaredLogger
}

type queuedSend struct {
	msgs []Message
	done chan error
}

type flushCall struct {
	done chan struct{}
	err  error
}

// Producer delivers outbound records to the broker through a single lazily
// acquired handle. Records sent with retry are queued on failure and flushed
// on a fixed interval; queued records are always written before records
// submitted after them.
//
// One Producer is constructed at startup and shared by every publisher.
type Producer struct {
	dialer         ProducerDialer
	retry          time.Duration
	connectTimeout time.Duration
	log            *zap.SugaredLogger

	// handleMu serializes acquisition of and writes through the handle.
	handleMu sync.Mutex
	handle   ProducerHandle

	mu       sync.Mutex
	queue    []queuedSend
	flushing *flushCall
	timer    *time.Timer
	closed   bool
}

// NewProducer creates a Producer. No connection is made until the first Send.
func NewProducer(cfg ProducerConfig) (*Producer, error) {
	if cfg.Dialer == nil {
		return nil, errors.New("broker: producer dialer is required")
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetry
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.Log == nil {
		cfg.Log = logging.Nop()
	}
	return &Producer{
		dialer:         cfg.Dialer,
		retry:          cfg.RetryInterval,
		connectTimeout: cfg.ConnectTimeout,
		log:            cfg.Log,
	}, nil
}

// Send writes msgs after flushing any queued retries. Without retry a failure
// is returned immediately. With retry a failed write is queued and Send waits
// until a later flush delivers it, the producer closes, or ctx ends; a
// record whose caller gave up stays queued.
func (p *Producer) Send(ctx context.Context, msgs []Message, retry bool) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}

	if err := p.RetrySend(ctx); err != nil {
		if !retry {
			return fmt.Errorf("flush queued records: %w", err)
		}
		return p.enqueue(ctx, msgs)
	}

	if retry {
		// Records queued while the flush ran must stay ahead of these.
		p.mu.Lock()
		behind := len(p.queue) > 0
		p.mu.Unlock()
		if behind {
			return p.enqueue(ctx, msgs)
		}
	}

	if err := p.deliver(ctx, msgs); err != nil {
		if !retry {
			return err
		}
		p.log.Warnw("producer: send failed, queued for retry", "error", err, "records", len(msgs))
		return p.enqueue(ctx, msgs)
	}
	return nil
}

// RetrySend flushes the retry queue. Concurrent callers share one in-flight
// flush. On success every flushed waiter is resolved and removed from the
// queue; on failure the queue is left as it was and a new flush is scheduled.
func (p *Producer) RetrySend(ctx context.Context) error {
	p.mu.Lock()
	if call := p.flushing; call != nil {
		p.mu.Unlock()
		return waitFlush(ctx, call)
	}
	if len(p.queue) == 0 {
		p.mu.Unlock()
		return nil
	}
	batch := p.queue
	call := &flushCall{done: make(chan struct{})}
	p.flushing = call
	p.mu.Unlock()

	var msgs []Message
	for _, q := range batch {
		msgs = append(msgs, q.msgs...)
	}
	// The flush is shared, so it must not fail because one caller gave up.
	err := p.deliver(context.Background(), msgs)

	var resolved []queuedSend
	p.mu.Lock()
	if err == nil && !p.closed {
		resolved = batch
		rest := make([]queuedSend, len(p.queue)-len(batch))
		copy(rest, p.queue[len(batch):])
		p.queue = rest
	} else if err != nil && !p.closed {
		p.scheduleLocked()
	}
	p.flushing = nil
	call.err = err
	p.mu.Unlock()

	for _, q := range resolved {
		q.done <- nil
	}
	close(call.done)

	if err != nil {
		p.log.Warnw("producer: retry flush failed", "error", err, "queued", len(batch))
	} else {
		p.log.Debugw("producer: retry flush delivered", "batches", len(batch))
	}
	return err
}

// Pending returns the number of queued sends.
func (p *Producer) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Close stops the retry timer, rejects queued sends with ErrClosed and
// releases the handle.
func (p *Producer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	rejected := p.queue
	p.queue = nil
	p.mu.Unlock()

	for _, q := range rejected {
		q.done <- ErrClosed
	}

	p.handleMu.Lock()
	defer p.handleMu.Unlock()
	if p.handle == nil {
		return nil
	}
	err := p.handle.Close()
	p.handle = nil
	return err
}

func (p *Producer) enqueue(ctx context.Context, msgs []Message) error {
	q := queuedSend{msgs: msgs, done: make(chan error, 1)}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.queue = append(p.queue, q)
	p.scheduleLocked()
	p.mu.Unlock()

	select {
	case err := <-q.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// scheduleLocked (re)arms the single retry timer.
func (p *Producer) scheduleLocked() {
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(p.retry, func() {
		p.mu.Lock()
		p.timer = nil
		p.mu.Unlock()
		p.RetrySend(context.Background()) //nolint:errcheck // failures reschedule
	})
}

func (p *Producer) deliver(ctx context.Context, msgs []Message) error {
	p.handleMu.Lock()
	defer p.handleMu.Unlock()

	h, err := p.acquireLocked(ctx)
	if err != nil {
		return err
	}
	if err := h.Send(ctx, msgs); err != nil {
		// Drop the handle so the next attempt dials a fresh one.
		if cerr := h.Close(); cerr != nil {
			p.log.Debugw("producer: close failed handle", "error", cerr)
		}
		p.handle = nil
		return fmt.Errorf("producer send: %w", err)
	}
	return nil
}

type dialResult struct {
	handle ProducerHandle
	err    error
}

// acquireLocked returns the current handle, dialing one if needed. A dial
// that has not become ready within the connect timeout fails with
// ErrConnectTimeout.
func (p *Producer) acquireLocked(ctx context.Context) (ProducerHandle, error) {
	if p.handle != nil {
		return p.handle, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, p.connectTimeout)
	defer cancel()

	ch := make(chan dialResult, 1)
	go func() {
		h, err := p.dialer.DialProducer(dialCtx)
		ch <- dialResult{handle: h, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			if errors.Is(r.err, context.DeadlineExceeded) && ctx.Err() == nil {
				return nil, ErrConnectTimeout
			}
			return nil, fmt.Errorf("producer connect: %w", r.err)
		}
		p.handle = r.handle
		return r.handle, nil
	case <-dialCtx.Done():
		// A late handle must not leak.
		go func() {
			if r := <-ch; r.handle != nil {
				r.handle.Close() //nolint:errcheck
			}
		}()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrConnectTimeout
	}
}

func waitFlush(ctx context.Context, call *flushCall) error {
	select {
	case <-call.done:
		return call.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
