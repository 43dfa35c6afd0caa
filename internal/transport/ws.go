package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// frame is the JSON wire frame. Requests carry a seq the server echoes back
// on the matching response; push events carry no seq.
type frame struct {
	Op             string          `json:"op"`
	Seq            uint64          `json:"seq,omitempty"`
	Envelope       *Envelope       `json:"envelope,omitempty"`
	Ack            *ServerAck      `json:"ack,omitempty"`
	Event          *DeliveryEvent  `json:"event,omitempty"`
	Events         []DeliveryEvent `json:"events,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Limit          int             `json:"limit,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// WSClient implements Client over a single websocket connection. Requests
// (send, backfill) are multiplexed with push events on the same socket and
// correlated by sequence number.
type WSClient struct {
	url    string
	logger *zap.Logger

	// onState is invoked with true when the socket comes up and false when
	// the read loop exits. Feeds the connectivity state machine.
	onState func(online bool)

	mu      sync.Mutex
	conn    *websocket.Conn
	seq     uint64
	pending map[uint64]chan frame

	subMu   sync.RWMutex
	subs    map[int]chan DeliveryEvent
	nextSub int

	cancel context.CancelFunc
}

// NewWSClient creates a websocket transport for the given wss:// URL.
func NewWSClient(url string, onState func(online bool), logger *zap.Logger) *WSClient {
	return &WSClient{
		url:     url,
		logger:  logger,
		onState: onState,
		pending: make(map[uint64]chan frame),
		subs:    make(map[int]chan DeliveryEvent),
	}
}

// Connect dials the server and starts the read loop. Safe to call again
// after a drop; a previous read loop is cancelled first.
func (c *WSClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return &Error{Op: "dial", Err: err}
	}
	conn.SetReadLimit(4 * 1024 * 1024)

	loopCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.conn = conn
	c.cancel = cancel
	c.mu.Unlock()

	if c.onState != nil {
		c.onState(true)
	}
	go c.readLoop(loopCtx, conn)
	return nil
}

// Close shuts the connection down.
func (c *WSClient) Close() error {
	c.mu.Lock()
	conn := c.conn
	cancel := c.cancel
	c.conn = nil
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "bye")
	}
	return nil
}

// Send transmits an envelope and waits for the matching ack.
func (c *WSClient) Send(ctx context.Context, env Envelope) (ServerAck, error) {
	resp, err := c.request(ctx, frame{Op: "send", Envelope: &env})
	if err != nil {
		return ServerAck{}, err
	}
	if resp.Ack == nil {
		return ServerAck{}, &Error{Op: "send", Err: fmt.Errorf("ack frame missing ack body")}
	}
	return *resp.Ack, nil
}

// Backfill fetches the latest window of a conversation.
func (c *WSClient) Backfill(ctx context.Context, conversationID string, limit int) ([]DeliveryEvent, error) {
	resp, err := c.request(ctx, frame{Op: "backfill", ConversationID: conversationID, Limit: limit})
	if err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// Subscribe returns a push-event stream and its unsubscribe function.
func (c *WSClient) Subscribe(bufSize int) (<-chan DeliveryEvent, func()) {
	ch := make(chan DeliveryEvent, bufSize)
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.subMu.Unlock()

	return ch, func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
}

func (c *WSClient) request(ctx context.Context, f frame) (frame, error) {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return frame{}, &Error{Op: f.Op, Err: fmt.Errorf("not connected")}
	}
	c.seq++
	f.Seq = c.seq
	respCh := make(chan frame, 1)
	c.pending[f.Seq] = respCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, f.Seq)
		c.mu.Unlock()
	}()

	data, err := json.Marshal(f)
	if err != nil {
		return frame{}, fmt.Errorf("encode %s frame: %w", f.Op, err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return frame{}, &Error{Op: f.Op, Err: err}
	}

	select {
	case resp := <-respCh:
		if resp.Error != "" {
			return frame{}, &Error{Op: f.Op, Err: fmt.Errorf("server: %s", resp.Error)}
		}
		return resp, nil
	case <-ctx.Done():
		return frame{}, &Error{Op: f.Op, Err: ctx.Err()}
	}
}

func (c *WSClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer func() {
		// A cancelled loop was replaced by a reconnect; only a genuine
		// drop is a connectivity edge.
		if ctx.Err() == nil && c.onState != nil {
			c.onState(false)
		}
	}()

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil && c.logger != nil {
				c.logger.Warn("transport read failed", zap.Error(err))
			}
			c.failPending(err)
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			if c.logger != nil {
				c.logger.Warn("unparseable frame", zap.Int("bytes", len(data)))
			}
			continue
		}

		switch f.Op {
		case "event":
			if f.Event != nil {
				c.fanOut(*f.Event)
			}
		case "pong":
		default:
			// Response to a correlated request.
			c.mu.Lock()
			respCh, ok := c.pending[f.Seq]
			c.mu.Unlock()
			if ok {
				respCh <- f
			}
		}
	}
}

func (c *WSClient) fanOut(evt DeliveryEvent) {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	for _, ch := range c.subs {
		select {
		case ch <- evt:
		default:
			// Drop on a full subscriber (non-blocking, same as the bus).
		}
	}
}

// failPending unblocks in-flight requests when the socket dies; their sends
// surface as transport errors and land in the outbox for replay.
func (c *WSClient) failPending(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for seq, ch := range c.pending {
		select {
		case ch <- frame{Error: fmt.Sprintf("connection lost: %v", err)}:
		default:
		}
		delete(c.pending, seq)
	}
	c.conn = nil
}

// Ping keeps the connection warm; used by the liveness poll.
func (c *WSClient) Ping(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return &Error{Op: "ping", Err: fmt.Errorf("not connected")}
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		return &Error{Op: "ping", Err: err}
	}
	return nil
}
