package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/darkden-lab/livefeed/internal/logging"
)

// State is the lifecycle state of a ConsumerConnection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ValidTransition reports whether from -> to is a legal ConsumerConnection
// transition.
func ValidTransition(from, to State) bool {
	if to == StateClosing {
		return true
	}
	switch from {
	case StateDisconnected:
		return to == StateConnecting
	case StateConnecting:
		return to == StateConnected || to == StateDisconnected
	case StateConnected:
		return to == StateReconnecting
	case StateReconnecting:
		return to == StateDisconnected
	case StateClosing:
		return to == StateDisconnected
	}
	return false
}

// DefaultRetry is the fixed delay between reconnect attempts.
const DefaultRetry = 3 * time.Second

// ConsumerHooks are the listener callbacks of a ConsumerConnection. Every
// field is optional. OnState runs with the connection lock held and must not
// call back into the connection; the others run without it.
type ConsumerHooks struct {
	OnMessage      func(Message)
	OnConnect      func()
	OnError        func(error)
	OnReconnecting func()
	OnState        func(from, to State)
}

// ConsumerConfig configures a ConsumerConnection.
type ConsumerConfig struct {
	Topic string
	// GroupID is generated from GroupPrefix and Topic when empty.
	GroupID     string
	GroupPrefix string
	Retry       time.Duration
	Dialer      ConsumerDialer
	Hooks       ConsumerHooks
	Log         *zap.SugaredLogger
}

type rebalanceFunc func(ctx context.Context, h ConsumerHandle, gen Generation) error

// pendingResult is the single connect waiter slot of a connection.
type pendingResult struct {
	done chan struct{}
	err  error
}

// ConsumerConnection owns one consumption stream for a (topic, group) pair.
// It reconnects on broker errors with a fixed retry interval and, on its
// first connection, moves the fresh group to the latest offsets so that new
// subscriptions start from now instead of replaying the topic.
type ConsumerConnection struct {
	topic   string
	groupID string
	retry   time.Duration
	dialer  ConsumerDialer
	hooks   ConsumerHooks
	log     *zap.SugaredLogger

	// deliverMu serializes OnMessage across partition readers.
	deliverMu sync.Mutex

	mu                 sync.Mutex
	state              State
	closed             bool
	offsetsInitialized bool
	paused             bool
	handle             ConsumerHandle
	runCancel          context.CancelFunc
	dialCancel         context.CancelFunc
	timer              *time.Timer
	pending            *pendingResult
	onRebalance        rebalanceFunc
	savedRebalance     rebalanceFunc
}

// NewConsumerConnection creates a disconnected connection. Call Connect to
// start consuming.
func NewConsumerConnection(cfg ConsumerConfig) (*ConsumerConnection, error) {
	if cfg.Topic == "" {
		return nil, errors.New("broker: consumer topic is required")
	}
	if cfg.Dialer == nil {
		return nil, errors.New("broker: consumer dialer is required")
	}
	if cfg.Retry <= 0 {
		cfg.Retry = DefaultRetry
	}
	if cfg.GroupPrefix == "" {
		cfg.GroupPrefix = "livefeed"
	}
	if cfg.GroupID == "" {
		cfg.GroupID = fmt.Sprintf("%s-%s-%s", cfg.GroupPrefix, cfg.Topic, uuid.New().String())
	}
	if cfg.Log == nil {
		cfg.Log = logging.Nop()
	}

	c := &ConsumerConnection{
		topic:   cfg.Topic,
		groupID: cfg.GroupID,
		retry:   cfg.Retry,
		dialer:  cfg.Dialer,
		hooks:   cfg.Hooks,
		log:     cfg.Log.With("topic", cfg.Topic, "group", cfg.GroupID),
		state:   StateDisconnected,
	}
	c.onRebalance = c.consumeAssigned
	return c, nil
}

// Topic returns the consumed topic.
func (c *ConsumerConnection) Topic() string { return c.topic }

// GroupID returns the consumer group id. It never changes across reconnects.
func (c *ConsumerConnection) GroupID() string { return c.groupID }

// State returns the current lifecycle state.
func (c *ConsumerConnection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OffsetsInitialized reports whether the initial offsets have been committed.
func (c *ConsumerConnection) OffsetsInitialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offsetsInitialized
}

// Paused reports whether consumption is held back for offset initialization.
func (c *ConsumerConnection) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// Connect starts connecting and waits for the outcome. It returns nil once
// connected, the dial error when the attempt fails (a retry is already
// scheduled by then), ErrClosed when Close runs first, or ctx.Err().
func (c *ConsumerConnection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	p := c.pending
	if p == nil {
		p = &pendingResult{done: make(chan struct{})}
		c.pending = p
	}
	if c.state == StateDisconnected && c.timer == nil {
		c.startLocked()
	}
	c.mu.Unlock()

	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reconnect tears down the current connection and schedules a new attempt
// after the retry interval. It is a no-op while an attempt is already
// scheduled, while connecting, and after Close.
func (c *ConsumerConnection) Reconnect() {
	c.mu.Lock()
	if c.closed || c.timer != nil {
		c.mu.Unlock()
		return
	}

	var (
		released ConsumerHandle
		notify   bool
	)
	switch c.state {
	case StateConnected:
		c.setStateLocked(StateReconnecting)
		released = c.releaseLocked()
		notify = true
	case StateDisconnected:
	default:
		c.mu.Unlock()
		return
	}
	c.timer = time.AfterFunc(c.retry, c.retryElapsed)
	c.mu.Unlock()

	c.log.Infow("consumer: reconnect scheduled", "retry", c.retry)
	if released != nil {
		go c.closeHandle(released)
	}
	if notify && c.hooks.OnReconnecting != nil {
		c.hooks.OnReconnecting()
	}
}

// Close cancels any scheduled reconnect, releases the broker connection and
// rejects a waiting Connect with ErrClosed. The connection cannot be reused.
func (c *ConsumerConnection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.setStateLocked(StateClosing)
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.dialCancel != nil {
		c.dialCancel()
		c.dialCancel = nil
	}
	released := c.releaseLocked()
	c.resolveLocked(ErrClosed)
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	c.log.Debugw("consumer: closed")
	if released != nil {
		return released.Close()
	}
	return nil
}

// startLocked moves disconnected -> connecting and dials in the background.
func (c *ConsumerConnection) startLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	c.dialCancel = cancel
	c.setStateLocked(StateConnecting)
	go c.dial(ctx)
}

func (c *ConsumerConnection) dial(ctx context.Context) {
	handle, err := c.dialer.DialConsumer(ctx, c.topic, c.groupID)

	c.mu.Lock()
	c.dialCancel = nil
	if c.closed {
		c.mu.Unlock()
		if handle != nil {
			handle.Close() //nolint:errcheck
		}
		return
	}
	if err != nil {
		c.setStateLocked(StateDisconnected)
		c.resolveLocked(fmt.Errorf("connect %s: %w", c.topic, err))
		c.mu.Unlock()

		c.log.Warnw("consumer: connect failed", "error", err)
		c.Reconnect()
		return
	}

	c.handle = handle
	runCtx, cancel := context.WithCancel(context.Background())
	c.runCancel = cancel
	if !c.offsetsInitialized && c.savedRebalance == nil {
		c.paused = true
		c.savedRebalance = c.onRebalance
		c.onRebalance = c.initializeOffsets
	}
	c.setStateLocked(StateConnected)
	c.resolveLocked(nil)
	c.mu.Unlock()

	c.log.Infow("consumer: connected")
	if c.hooks.OnConnect != nil {
		c.hooks.OnConnect()
	}
	go c.watchErrors(runCtx, handle)
	go c.run(runCtx, handle)
}

func (c *ConsumerConnection) retryElapsed() {
	c.mu.Lock()
	c.timer = nil
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.state == StateReconnecting {
		c.setStateLocked(StateDisconnected)
	}
	if c.state == StateDisconnected {
		c.startLocked()
	}
	c.mu.Unlock()
}

// run drives rebalances for one handle until it is released.
func (c *ConsumerConnection) run(ctx context.Context, h ConsumerHandle) {
	for {
		gen, err := h.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrHandleClosed) {
				return
			}
			if c.handleError(h, err) {
				return
			}
			// Topic absent: wait for it to appear.
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.retry):
			}
			continue
		}

		c.mu.Lock()
		rebalance := c.onRebalance
		c.mu.Unlock()

		if err := rebalance(ctx, h, gen); err != nil && ctx.Err() == nil {
			if c.handleError(h, err) {
				return
			}
		}
	}
}

func (c *ConsumerConnection) watchErrors(ctx context.Context, h ConsumerHandle) {
	errs := h.Errors()
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-errs:
			if !ok {
				return
			}
			c.handleError(h, err)
		}
	}
}

// handleError classifies a broker error from handle h. It reports whether a
// reconnect was requested.
func (c *ConsumerConnection) handleError(h ConsumerHandle, err error) bool {
	if IsTopicAbsent(err) {
		c.log.Warnw("consumer: topic does not exist", "error", err)
		return false
	}

	c.mu.Lock()
	current := c.handle == h
	c.mu.Unlock()
	if !current {
		return false
	}

	c.log.Errorw("consumer: broker error", "error", err)
	if c.hooks.OnError != nil {
		c.hooks.OnError(err)
	}
	c.Reconnect()
	return true
}

// consumeAssigned is the default rebalance handler: consume every assigned
// partition from its committed offset.
func (c *ConsumerConnection) consumeAssigned(_ context.Context, _ ConsumerHandle, gen Generation) error {
	gen.Consume(gen.Offsets(), c.deliver)
	return nil
}

// initializeOffsets replaces the default rebalance handler until the first
// generation has been moved to the latest offsets.
func (c *ConsumerConnection) initializeOffsets(ctx context.Context, h ConsumerHandle, gen Generation) error {
	assigned := gen.Offsets()
	partitions := make([]int, 0, len(assigned))
	for p := range assigned {
		partitions = append(partitions, p)
	}
	sort.Ints(partitions)

	answers := make(map[int][]int64, len(partitions))
	for _, p := range partitions {
		offsets, err := h.LatestOffsets(ctx, []int{p})
		if err != nil {
			return fmt.Errorf("latest offset of partition %d: %w", p, err)
		}
		for _, o := range offsets {
			answers[o.Partition] = append(answers[o.Partition], o.Offset)
		}
	}

	resolved := MinOffsets(answers)
	if len(resolved) > 0 {
		if err := gen.Commit(ctx, resolved); err != nil {
			return fmt.Errorf("commit initial offsets: %w", err)
		}
	}

	start := make(map[int]int64, len(assigned))
	for p, off := range assigned {
		start[p] = off
	}
	for p, off := range resolved {
		start[p] = off
	}

	c.mu.Lock()
	if c.savedRebalance != nil {
		c.onRebalance = c.savedRebalance
		c.savedRebalance = nil
	}
	c.offsetsInitialized = true
	c.paused = false
	c.mu.Unlock()

	c.log.Infow("consumer: offsets initialized", "offsets", resolved)
	gen.Consume(start, c.deliver)
	return nil
}

func (c *ConsumerConnection) deliver(msg Message) {
	if c.hooks.OnMessage == nil {
		return
	}
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	c.hooks.OnMessage(msg)
}

func (c *ConsumerConnection) closeHandle(h ConsumerHandle) {
	if err := h.Close(); err != nil {
		c.log.Debugw("consumer: close handle", "error", err)
	}
}

func (c *ConsumerConnection) releaseLocked() ConsumerHandle {
	if c.runCancel != nil {
		c.runCancel()
		c.runCancel = nil
	}
	h := c.handle
	c.handle = nil
	return h
}

func (c *ConsumerConnection) resolveLocked(err error) {
	if c.pending == nil {
		return
	}
	c.pending.err = err
	close(c.pending.done)
	c.pending = nil
}

func (c *ConsumerConnection) setStateLocked(to State) {
	from := c.state
	c.state = to
	if c.hooks.OnState != nil {
		c.hooks.OnState(from, to)
	}
}

// MinOffsets resolves duplicate latest-offset answers to the smallest value
// per partition, which never skips a message.
func MinOffsets(answers map[int][]int64) map[int]int64 {
	out := make(map[int]int64, len(answers))
	for p, offsets := range answers {
		if len(offsets) == 0 {
			continue
		}
		lowest := offsets[0]
		for _, o := range offsets[1:] {
			if o < lowest {
				lowest = o
			}
		}
		out[p] = lowest
	}
	return out
}
