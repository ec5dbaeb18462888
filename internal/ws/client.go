package ws

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/darkden-lab/livefeed/internal/logging"
	"github.com/darkden-lab/livefeed/internal/subscription"
)

const (
	// writeWait is the maximum time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// pongWait is the maximum time to wait for a pong reply from the peer.
	pongWait = 60 * time.Second
	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// maxMessageSize is the maximum inbound message size in bytes.
	maxMessageSize = 4096
	// sendBuffer is the number of outbound frames queued per client.
	sendBuffer = 256
)

const (
	subscribeSuffix   = ":subscribe"
	unsubscribeSuffix = ":unsubscribe"
	errorSuffix       = ":error"
)

var (
	// ErrSendBufferFull is returned by Send when the client is not keeping up.
	ErrSendBufferFull = errors.New("ws: send buffer full")
	// ErrClientClosed is returned by Send after the connection went away.
	ErrClientClosed = errors.New("ws: client closed")
)

// inboundEvent is the JSON frame sent by clients. Data is accepted and
// ignored.
type inboundEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// parseControl splits "<topic>:subscribe" or "<topic>:unsubscribe" into the
// topic and the action.
func parseControl(event string) (topic, action string, ok bool) {
	for _, suffix := range []string{subscribeSuffix, unsubscribeSuffix} {
		if strings.HasSuffix(event, suffix) {
			topic = strings.TrimSuffix(event, suffix)
			if topic == "" {
				return "", "", false
			}
			return topic, strings.TrimPrefix(suffix, ":"), true
		}
	}
	return "", "", false
}

// Client represents a single WebSocket connection. It is the socket side of
// a subscription.Subscriber.
type Client struct {
	id     string
	UserID string
	conn   *websocket.Conn
	hub    *Hub
	sub    *subscription.Subscriber
	log    *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc

	sendMu sync.Mutex
	send   chan []byte
	closed bool
}

// NewClient creates a Client. The caller attaches a Subscriber with
// SetSubscriber and registers the client with the hub.
func NewClient(hub *Hub, conn *websocket.Conn, userID string, log *zap.SugaredLogger) *Client {
	if log == nil {
		log = logging.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.New().String()
	return &Client{
		id:     id,
		UserID: userID,
		conn:   conn,
		hub:    hub,
		log:    log.With("client", id),
		ctx:    ctx,
		cancel: cancel,
		send:   make(chan []byte, sendBuffer),
	}
}

// SetSubscriber binds the delivery pipeline driven by this client's events.
func (c *Client) SetSubscriber(sub *subscription.Subscriber) { c.sub = sub }

func (c *Client) ID() string { return c.id }

func (c *Client) Identity() string { return c.UserID }

// Send queues f for the write pump without blocking.
func (c *Client) Send(f subscription.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return c.enqueue(data)
}

func (c *Client) enqueue(data []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// closeSend closes the send channel once; the write pump then says goodbye.
func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// ReadPump reads client events until the connection fails, then detaches the
// subscriber from every topic. It runs in its own goroutine per client.
func (c *Client) ReadPump() {
	defer func() {
		c.cancel()
		if c.sub != nil {
			c.sub.Close()
		}
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warnw("ws: read error", "error", err)
			}
			return
		}
		c.handleEvent(msg)
	}
}

func (c *Client) handleEvent(msg []byte) {
	var ev inboundEvent
	if err := json.Unmarshal(msg, &ev); err != nil {
		c.log.Debugw("ws: invalid event frame", "error", err)
		return
	}

	topic, action, ok := parseControl(ev.Event)
	if !ok {
		c.log.Debugw("ws: unknown event", "event", ev.Event)
		return
	}
	if c.sub == nil {
		return
	}

	switch action {
	case "subscribe":
		if err := c.sub.Attach(c.ctx, topic); err != nil {
			c.rejectSubscribe(topic, err)
		}
	case "unsubscribe":
		c.sub.Detach(topic)
	}
}

func (c *Client) rejectSubscribe(topic string, err error) {
	reason := "subscribe failed"
	if errors.Is(err, subscription.ErrForbidden) {
		reason = "forbidden"
	} else {
		c.log.Warnw("ws: subscribe failed", "topic", topic, "error", err)
	}
	frame := subscription.Frame{Event: topic + errorSuffix, Data: map[string]string{"error": reason}}
	if err := c.Send(frame); err != nil {
		c.log.Debugw("ws: error frame not sent", "topic", topic, "error", err)
	}
}

// WritePump pumps frames from the send channel to the WebSocket connection.
// It runs in its own goroutine per client.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
