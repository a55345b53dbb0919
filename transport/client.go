package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	maxMsgSize   = 1 << 20 // 1MB
	eventBacklog = 256
)

// ErrClosed is returned for operations on a closed or disconnected client.
var ErrClosed = errors.New("transport: connection closed")

// Client is one authenticated WebSocket session against the homeserver.
// After Dial it delivers the persona's ordered event feed on Events();
// Done() is closed when the connection drops for any reason. A Client is
// single-use: after Done the owner dials a fresh one and resumes.
type Client struct {
	url       string
	user      string
	token     string
	timeout   time.Duration
	pingEvery time.Duration
	log       *slog.Logger

	conn   *websocket.Conn
	mu     sync.Mutex
	nextID atomic.Int64

	pending   map[string]chan wireMessage
	pendingMu sync.Mutex

	events    chan RoomEvent
	rawEvents chan wireMessage
	done      chan struct{}
	closeOnce sync.Once
}

// NewClient prepares a client for one account. timeout bounds each
// request/response round trip.
func NewClient(url, user, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		url:       url,
		user:      user,
		token:     token,
		timeout:   timeout,
		pingEvery: pingPeriod,
		log:       slog.With("transport", user),
		pending:   make(map[string]chan wireMessage),
		events:    make(chan RoomEvent, eventBacklog),
		rawEvents: make(chan wireMessage, eventBacklog),
		done:      make(chan struct{}),
	}
}

// Events is the ordered feed of committed room events, including echoes of
// this account's own publishes.
func (c *Client) Events() <-chan RoomEvent { return c.events }

// Done is closed once the connection is no longer usable.
func (c *Client) Done() <-chan struct{} { return c.done }

// Dial connects and completes the challenge/connect handshake.
func (c *Client) Dial(ctx context.Context) error {
	wsURL := normalizeURL(c.url)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}

	conn.SetReadLimit(maxMsgSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop()
	go c.pingLoop()

	if err := c.authenticate(ctx); err != nil {
		c.Close()
		return fmt.Errorf("auth: %w", err)
	}

	c.log.Info("connected", "url", wsURL)
	return nil
}

// Resume asks the server to replay every event with seq > cursor before
// streaming live. Cursor 0 means from the earliest retained event.
func (c *Client) Resume(ctx context.Context, cursor int64) error {
	resp, err := c.send(ctx, "sync.resume", resumeParams{Cursor: cursor})
	if err != nil {
		return fmt.Errorf("sync.resume: %w", err)
	}
	if !resp.OK {
		return fmt.Errorf("sync.resume rejected: %s", respError(resp))
	}
	return nil
}

// Publish commits body to roomID and returns the committed event, so the
// caller learns its assigned id and seq.
func (c *Client) Publish(ctx context.Context, roomID, body string) (RoomEvent, error) {
	resp, err := c.send(ctx, "rooms.send", sendParams{
		RoomID:         roomID,
		Body:           body,
		IdempotencyKey: uuid.NewString(),
	})
	if err != nil {
		return RoomEvent{}, fmt.Errorf("rooms.send: %w", err)
	}
	if !resp.OK {
		return RoomEvent{}, fmt.Errorf("rooms.send rejected: %s", respError(resp))
	}

	var evt RoomEvent
	if err := json.Unmarshal(resp.Payload, &evt); err != nil {
		return RoomEvent{}, fmt.Errorf("rooms.send payload: %w", err)
	}
	return evt, nil
}

// Typing toggles the typing indicator, best effort.
func (c *Client) Typing(ctx context.Context, roomID string, typing bool) {
	if _, err := c.send(ctx, "rooms.typing", typingParams{RoomID: roomID, Typing: typing}); err != nil {
		c.log.Debug("typing indicator failed", "room", roomID, "err", err)
	}
}

func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) readLoop() {
	defer c.Close()

	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Info("disconnected", "err", err)
			}
			return
		}

		var msg wireMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "res":
			c.pendingMu.Lock()
			ch, ok := c.pending[msg.ID]
			if ok {
				delete(c.pending, msg.ID)
			}
			c.pendingMu.Unlock()
			if ok {
				ch <- msg
				close(ch)
			}

		case "event":
			c.handleEvent(msg)
		}
	}
}

func (c *Client) handleEvent(msg wireMessage) {
	switch msg.Event {
	case "room.message":
		var evt RoomEvent
		if err := json.Unmarshal(msg.Payload, &evt); err != nil {
			c.log.Warn("bad room.message payload", "err", err)
			return
		}
		// Block rather than drop: the feed is ordered and lossless, so
		// backpressure propagates to the server's socket.
		select {
		case c.events <- evt:
		case <-c.done:
		}

	case "tick":
		// keepalive, nothing to do

	default:
		select {
		case c.rawEvents <- msg:
		default:
		}
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.pingEvery)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			// Shares c.mu with send: the connection allows one writer at a
			// time, so the ping frame must not overlap a request frame.
			c.mu.Lock()
			conn := c.conn
			if conn == nil {
				c.mu.Unlock()
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.mu.Unlock()
			if err != nil {
				c.Close()
				return
			}
		}
	}
}

func (c *Client) send(ctx context.Context, method string, params interface{}) (wireMessage, error) {
	id := fmt.Sprintf("bot-%d", c.nextID.Add(1))

	ch := make(chan wireMessage, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	req := wireMessage{
		Type:   "req",
		ID:     id,
		Method: method,
		Params: params,
	}
	data, err := json.Marshal(req)
	if err != nil {
		return wireMessage{}, err
	}

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return wireMessage{}, ErrClosed
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.mu.Unlock()
	if err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return wireMessage{}, err
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		c.dropPending(id)
		return wireMessage{}, fmt.Errorf("timeout waiting for %s response", method)
	case <-ctx.Done():
		c.dropPending(id)
		return wireMessage{}, ctx.Err()
	case <-c.done:
		return wireMessage{}, ErrClosed
	}
}

func (c *Client) dropPending(id string) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *Client) authenticate(ctx context.Context) error {
	// Wait for the connect.challenge event before identifying ourselves.
	var nonce string
	timer := time.NewTimer(10 * time.Second)
	defer timer.Stop()

	for nonce == "" {
		select {
		case evt := <-c.rawEvents:
			if evt.Event == "connect.challenge" {
				var payload struct {
					Nonce string `json:"nonce"`
				}
				json.Unmarshal(evt.Payload, &payload)
				nonce = payload.Nonce
			}
		case <-timer.C:
			return fmt.Errorf("timeout waiting for challenge")
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return fmt.Errorf("connection closed before challenge")
		}
	}

	resp, err := c.send(ctx, "connect", connectParams{
		User:  c.user,
		Token: c.token,
		Nonce: nonce,
		Client: connectClient{
			ID:          "agent-room-bot",
			DisplayName: "Agent Room",
			Version:     "1.0.0",
			Platform:    "server",
		},
	})
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return fmt.Errorf("connect error: %s: %s", resp.Error.Code, resp.Error.Message)
	}
	if !resp.OK {
		return fmt.Errorf("connect rejected")
	}
	return nil
}

func respError(resp wireMessage) string {
	if resp.Error != nil {
		return resp.Error.Message
	}
	return "unknown error"
}

func normalizeURL(url string) string {
	scheme := "wss://"
	if strings.HasPrefix(url, "ws://") || strings.HasPrefix(url, "http://") {
		scheme = "ws://"
	}
	for _, prefix := range []string{"wss://", "ws://", "https://", "http://"} {
		url = strings.TrimPrefix(url, prefix)
	}
	return scheme + strings.TrimSuffix(url, "/")
}
