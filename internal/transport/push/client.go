// Package push receives entity changes made by other actors over a
// websocket and hands them to registered handlers.
package push

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	apperrors "github.com/kimhsiao/shiftsync/internal/errors"
	"github.com/kimhsiao/shiftsync/internal/logging"
	"github.com/kimhsiao/shiftsync/internal/models"
	"github.com/kimhsiao/shiftsync/internal/sync/retry"
)

// Envelope is the wire format of every push message.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// Event types carried in Envelope.Type.
const (
	EventEntityCreated = "entity.created"
	EventEntityUpdated = "entity.updated"
	EventEntityDeleted = "entity.deleted"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	writeWait  = 10 * time.Second
)

// Handler receives a decoded push event.
type Handler func(models.PushEvent)

// Option configures a Client.
type Option func(*Client)

// WithClock sets the clock used for reconnect backoff.
func WithClock(c clockwork.Clock) Option {
	return func(cl *Client) { cl.clock = c }
}

// WithScheduler sets the reconnect backoff scheduler.
func WithScheduler(s *retry.Scheduler) Option {
	return func(cl *Client) { cl.sched = s }
}

// WithHeader adds headers to the websocket handshake.
func WithHeader(h http.Header) Option {
	return func(cl *Client) { cl.header = h }
}

// Client keeps one websocket connection open and reconnects with backoff.
type Client struct {
	url    string
	header http.Header
	dialer *websocket.Dialer
	clock  clockwork.Clock
	sched  *retry.Scheduler

	mu        sync.RWMutex
	handlers  map[models.ChangeType][]Handler
	onConnect []func()
	connected bool
}

// NewClient creates a Client for the given ws:// or wss:// URL.
func NewClient(url string, opts ...Option) *Client {
	c := &Client{
		url:      url,
		dialer:   websocket.DefaultDialer,
		clock:    clockwork.NewRealClock(),
		handlers: make(map[models.ChangeType][]Handler),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.sched == nil {
		c.sched = retry.NewScheduler(retry.Policy{Base: time.Second, Max: time.Minute}, nil)
	}
	return c
}

// Handle registers fn for one change type.
func (c *Client) Handle(change models.ChangeType, fn Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[change] = append(c.handlers[change], fn)
}

// OnConnect registers fn to run after every successful connection. Events
// sent while disconnected are lost, so callers typically refresh here.
func (c *Client) OnConnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = append(c.onConnect, fn)
}

// Connected reports whether a connection is currently open.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Run connects and reads until ctx is done, reconnecting with backoff
// after every failure.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		conn, _, err := c.dialer.DialContext(ctx, c.url, c.header)
		if err == nil {
			attempt = 0
			c.serve(ctx, conn)
		} else {
			logging.Warn("Push connect failed", map[string]interface{}{
				"url":   c.url,
				"error": err.Error(),
			})
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := c.sched.NextDelay(attempt)
		attempt++
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clock.After(delay):
		}
	}
}

// serve reads from conn until it fails or ctx is done.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	c.setConnected(true)
	defer c.setConnected(false)

	logging.Info("Push connected", map[string]interface{}{"url": c.url})

	c.mu.RLock()
	hooks := append([]func(){}, c.onConnect...)
	c.mu.RUnlock()
	for _, fn := range hooks {
		fn()
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writePump(ctx, conn, done)
	}()

	c.readPump(conn)
	close(done)
	conn.Close()
	wg.Wait()

	logging.Info("Push disconnected", map[string]interface{}{"url": c.url})
}

func (c *Client) readPump(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Warn("Push connection lost", map[string]interface{}{"error": err.Error()})
			}
			return
		}
		c.dispatch(message)
	}
}

// writePump sends pings and closes the connection when ctx is done.
func (c *Client) writePump(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			conn.Close()
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				conn.Close()
				return
			}
		}
	}
}

func (c *Client) dispatch(message []byte) {
	ev, err := Decode(message)
	if err != nil {
		logging.Warn("Push message dropped", map[string]interface{}{"error": err.Error()})
		return
	}
	if ev == nil {
		return
	}

	c.mu.RLock()
	handlers := append([]Handler(nil), c.handlers[ev.Change]...)
	c.mu.RUnlock()

	for _, h := range handlers {
		h(*ev)
	}
}

// Decode parses one envelope. Envelopes that are not entity changes decode
// to nil without error.
func Decode(message []byte) (*models.PushEvent, error) {
	var env Envelope
	if err := json.Unmarshal(message, &env); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "decode push envelope", err)
	}
	if !strings.HasPrefix(env.Type, "entity.") {
		return nil, nil
	}

	change := models.ChangeType(strings.TrimPrefix(env.Type, "entity."))
	if !change.Valid() {
		return nil, apperrors.New(apperrors.ErrInvalid, "unknown push event "+env.Type)
	}

	var entity models.Entity
	if err := json.Unmarshal(env.Data, &entity); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "decode push entity", err)
	}
	if entity.ID == "" || entity.Type == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "push entity without id or type")
	}

	return &models.PushEvent{
		Change:     change,
		Entity:     entity,
		ReceivedAt: time.Now().UnixMilli(),
	}, nil
}

// Encode builds the wire form of an entity change.
func Encode(change models.ChangeType, entity models.Entity, at time.Time) ([]byte, error) {
	data, err := json.Marshal(entity)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{
		Type:      "entity." + string(change),
		Data:      data,
		Timestamp: at.Unix(),
	})
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}
