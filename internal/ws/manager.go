package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"chatsync/internal/auth"
	"chatsync/internal/models"

	"github.com/gorilla/websocket"
)

const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultHeartbeat      = 60 * time.Second
	DefaultMaxReconnect   = 5
	// NoReconnect disables reconnection when used as Config.MaxReconnect.
	NoReconnect           = -1

	writeWait = 5 * time.Second
)

// Conn is the part of *websocket.Conn the manager relies on.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Dialer opens a socket to url. Rejected credentials must be reported as models.ErrAuth.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// GorillaDialer adapts websocket.Dialer to Dialer.
type GorillaDialer struct {
	Dialer *websocket.Dialer
}

func (d GorillaDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake rejected with status %d", models.ErrAuth, resp.StatusCode)
		}
		return nil, err
	}
	return conn, nil
}

type Config struct {
	// BaseURL is the websocket base, e.g. wss://chat.example.com.
	BaseURL        string
	ConnectTimeout time.Duration
	Heartbeat      time.Duration
	// MaxReconnect is the number of reconnect attempts after a failure.
	// Zero means DefaultMaxReconnect; a negative value disables reconnecting.
	MaxReconnect   int
	RetryBase      time.Duration
	RetryMax       time.Duration
	Dialer         Dialer
	Logger         *slog.Logger
	Now            func() time.Time
}

// Status is reported to the owner on every connectivity change.
type Status struct {
	State     State
	Connected bool
	Err       error
}

// Manager owns the socket of one room. Socket callbacks and timers are
// serialized through a single event queue and applied to the machine in order.
type Manager struct {
	cfg      Config
	dialer   Dialer
	handler  func([]byte)
	onStatus func(Status)
	log      *slog.Logger

	mu       sync.Mutex
	m        machine
	queue    []envelope
	draining bool
	// gen identifies the current socket; callbacks carrying an older gen are dropped.
	gen        uint64
	roomID     string
	tokens     auth.TokenProvider
	conn       Conn
	dialCancel context.CancelFunc
	timeout    *time.Timer
	retry      *time.Timer
	heartbeat  chan struct{}

	writeMu sync.Mutex
}

type envelope struct {
	ev  event
	gen uint64
}

// NewManager creates a manager. handler receives every inbound frame of the
// live socket; onStatus receives connectivity changes. Both may be nil.
func NewManager(cfg Config, handler func([]byte), onStatus func(Status)) *Manager {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}
	switch {
	case cfg.MaxReconnect == 0:
		cfg.MaxReconnect = DefaultMaxReconnect
	case cfg.MaxReconnect < 0:
		cfg.MaxReconnect = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = DefaultRetryBase
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = DefaultRetryMax
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Dialer == nil {
		cfg.Dialer = GorillaDialer{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if handler == nil {
		handler = func([]byte) {}
	}
	if onStatus == nil {
		onStatus = func(Status) {}
	}
	return &Manager{
		cfg:      cfg,
		dialer:   cfg.Dialer,
		handler:  handler,
		onStatus: onStatus,
		log:      logger,
		m:        newMachine(cfg.MaxReconnect, cfg.RetryBase, cfg.RetryMax),
	}
}

// Connect validates the token and starts connecting to roomID.
// An absent or expired token fails with models.ErrAuth and no socket is opened.
func (c *Manager) Connect(ctx context.Context, roomID string, tokens auth.TokenProvider) error {
	if _, err := auth.Resolve(ctx, tokens, c.cfg.Now()); err != nil {
		c.log.Warn("connect rejected", "room_id", roomID, "error", err)
		return err
	}

	c.mu.Lock()
	if s := c.m.state; s != Idle && s != Closed {
		active := c.roomID
		c.mu.Unlock()
		return models.Applicationf("connection to room %s is already %s", active, s)
	}
	c.roomID = roomID
	c.tokens = tokens
	c.mu.Unlock()

	c.post(0, evConnect{})
	return nil
}

// Disconnect tears the connection down with a normal close. No callback of
// the previous socket is delivered once it returns.
func (c *Manager) Disconnect() {
	c.mu.Lock()
	c.gen++
	c.mu.Unlock()
	c.post(0, evDisconnect{})
}

// Send writes a text frame. It fails with a TransportError when the socket is not open.
func (c *Manager) Send(raw string) error {
	c.mu.Lock()
	conn, state := c.conn, c.m.state
	c.mu.Unlock()

	if state != Open || conn == nil {
		c.log.Warn("send while not connected", "state", state.String())
		return &models.TransportError{Err: fmt.Errorf("socket is %s", state)}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		c.log.Error("failed to write frame", "error", err)
		return &models.TransportError{Code: websocket.CloseAbnormalClosure, Err: err}
	}
	return nil
}

func (c *Manager) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.m.state
}

func (c *Manager) endpoint(roomID, token string) string {
	return fmt.Sprintf("%s/chat/ws/%s?token=%s",
		strings.TrimRight(c.cfg.BaseURL, "/"), url.PathEscape(roomID), url.QueryEscape(token))
}

// post enqueues an event. Whoever finds the queue idle drains it, so events
// are applied one at a time in arrival order. Status callbacks run outside
// the lock and may call back into the manager.
func (c *Manager) post(gen uint64, ev event) {
	c.mu.Lock()
	c.queue = append(c.queue, envelope{ev: ev, gen: gen})
	if c.draining {
		c.mu.Unlock()
		return
	}
	c.draining = true
	for len(c.queue) > 0 {
		env := c.queue[0]
		c.queue = c.queue[1:]
		statuses := c.apply(env)

		c.mu.Unlock()
		for _, s := range statuses {
			c.onStatus(s)
		}
		c.mu.Lock()
	}
	c.draining = false
	c.mu.Unlock()
}

// apply runs one transition and its effects. Must hold c.mu.
func (c *Manager) apply(env envelope) []Status {
	if env.gen != 0 && env.gen != c.gen {
		if o, ok := env.ev.(evOpened); ok {
			o.conn.Close()
		}
		return nil
	}

	next, effects := c.m.step(env.ev)
	c.m = next

	var out []Status
	for _, e := range effects {
		switch e := e.(type) {
		case effDial:
			c.dial()
		case effAbortDial:
			if c.dialCancel != nil {
				c.dialCancel()
				c.dialCancel = nil
			}
		case effArmTimeout:
			gen := c.gen
			c.timeout = time.AfterFunc(c.cfg.ConnectTimeout, func() { c.post(gen, evTimeout{}) })
		case effDisarmTimeout:
			stopTimer(&c.timeout)
		case effAttach:
			c.conn = e.conn
			c.dialCancel = nil
			go c.readPump(e.conn, c.gen)
			c.log.Info("connected", "room_id", c.roomID)
		case effDiscard:
			e.conn.Close()
		case effStartHeartbeat:
			c.heartbeat = make(chan struct{})
			go c.ping(c.conn, c.gen, c.heartbeat)
		case effStopHeartbeat:
			if c.heartbeat != nil {
				close(c.heartbeat)
				c.heartbeat = nil
			}
		case effScheduleRetry:
			c.log.Info("scheduling reconnect", "room_id", c.roomID, "attempt", e.attempt, "delay", e.delay)
			gen := c.gen
			c.retry = time.AfterFunc(e.delay, func() { c.post(gen, evRetry{}) })
		case effCancelRetry:
			stopTimer(&c.retry)
		case effDetach:
			c.gen++
			if c.conn != nil {
				c.conn.Close()
				c.conn = nil
			}
		case effClose:
			c.closeConn(e.code, e.reason)
		case effNotify:
			if e.err != nil {
				if errors.Is(e.err, models.ErrReconnectExhausted) || errors.Is(e.err, models.ErrAuth) {
					c.log.Error("connection closed for good", "room_id", c.roomID, "error", e.err)
				} else {
					c.log.Warn("connection lost", "room_id", c.roomID, "error", e.err)
				}
			}
			out = append(out, Status{State: c.m.state, Connected: e.connected, Err: e.err})
		}
	}
	return out
}

func (c *Manager) dial() {
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(context.Background())
	c.dialCancel = cancel
	roomID, tokens := c.roomID, c.tokens

	go func() {
		defer cancel()
		token, err := auth.Resolve(ctx, tokens, c.cfg.Now())
		if err != nil {
			c.post(gen, evAuthFailed{err: err})
			return
		}
		conn, err := c.dialer.Dial(ctx, c.endpoint(roomID, token))
		if err != nil {
			if errors.Is(err, models.ErrAuth) {
				c.post(gen, evAuthFailed{err: err})
				return
			}
			c.post(gen, evDialFailed{err: err})
			return
		}
		c.post(gen, evOpened{conn: conn})
	}()
}

func (c *Manager) readPump(conn Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.post(gen, evClosed{code: closeCode(err), err: err})
			return
		}
		if !c.current(gen) {
			return
		}
		c.handler(data)
	}
}

func (c *Manager) ping(conn Conn, gen uint64, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				c.post(gen, evPingFailed{err: err})
				return
			}
		}
	}
}

func (c *Manager) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.gen
}

// closeConn must hold c.mu.
func (c *Manager) closeConn(code int, reason string) {
	conn := c.conn
	c.conn = nil
	if conn == nil {
		return
	}
	if code == websocket.CloseNormalClosure {
		c.writeMu.Lock()
		err := conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		c.writeMu.Unlock()
		if err != nil {
			c.log.Debug("failed to send close frame", "error", err)
		}
	}
	conn.Close()
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func closeCode(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return websocket.CloseAbnormalClosure
}
