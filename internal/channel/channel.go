// Package channel keeps the persistent websocket to the control plane and
// hands received tasks to the executor.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/splax/localvercel/internal/service/task"
)

// Envelope types.
const (
	TypeTask = "task"
	TypePing = "ping"
	TypePong = "pong"
)

// Envelope is one message on the channel.
type Envelope struct {
	Type string          `json:"type"`
	Task json.RawMessage `json:"task,omitempty"`
}

// Submitter accepts tasks without waiting for them to run.
type Submitter interface {
	Submit(t task.Task)
}

// Tokens yields the bearer token presented on connect.
type Tokens interface {
	Token() (string, error)
}

// Config tunes the channel.
type Config struct {
	URL    string
	NodeID string
	// MinBackoff and MaxBackoff bound the delay between reconnect attempts.
	MinBackoff   time.Duration
	MaxBackoff   time.Duration
	PingInterval time.Duration
	// ReadTimeout closes a connection that has been silent for this long.
	ReadTimeout      time.Duration
	HandshakeTimeout time.Duration
}

// Channel is the agent side of the task channel.
type Channel struct {
	cfg     Config
	tokens  Tokens
	sub     Submitter
	logger  *slog.Logger
	dialer  *websocket.Dialer
	limiter *rate.Limiter
}

// New validates cfg and constructs a Channel.
func New(cfg Config, tokens Tokens, sub Submitter, logger *slog.Logger) (*Channel, error) {
	if !strings.HasPrefix(cfg.URL, "ws://") && !strings.HasPrefix(cfg.URL, "wss://") {
		return nil, fmt.Errorf("channel url must be ws:// or wss://, got %q", cfg.URL)
	}
	if sub == nil {
		return nil, fmt.Errorf("channel requires a task submitter")
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = time.Second
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = cfg.MinBackoff
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 3 * cfg.PingInterval
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		cfg:     cfg,
		tokens:  tokens,
		sub:     sub,
		logger:  logger,
		dialer:  &websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: cfg.HandshakeTimeout},
		limiter: rate.NewLimiter(rate.Every(cfg.MinBackoff), 1),
	}, nil
}

// Run connects and reconnects until ctx ends. Tasks already handed to the
// submitter keep running across disconnects.
func (c *Channel) Run(ctx context.Context) error {
	backoff := c.cfg.MinBackoff
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil
		}
		connected, err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			backoff = c.cfg.MinBackoff
		}
		c.logger.Warn("control channel disconnected", "error", err, "retry_in", backoff.String())
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		backoff = min(backoff*2, c.cfg.MaxBackoff)
	}
}

// session runs one connection. connected reports whether the handshake succeeded.
func (c *Channel) session(ctx context.Context) (connected bool, err error) {
	header := http.Header{}
	if c.tokens != nil {
		token, err := c.tokens.Token()
		if err != nil {
			return false, fmt.Errorf("mint channel token: %w", err)
		}
		if token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
	}
	if c.cfg.NodeID != "" {
		header.Set("X-Node-ID", c.cfg.NodeID)
	}
	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return false, fmt.Errorf("dial control channel: %w (status %d)", err, resp.StatusCode)
		}
		return false, fmt.Errorf("dial control channel: %w", err)
	}
	c.logger.Info("control channel connected", "url", c.cfg.URL)

	conn.SetReadLimit(4 << 20)
	s := &session{conn: conn}
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = s.writeControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "agent shutting down"))
		case <-done:
		}
		_ = conn.Close()
	}()
	go c.keepalive(s, done)

	extend := func() { _ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout)) }
	extend()
	conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})
	conn.SetPingHandler(func(data string) error {
		extend()
		err := s.writeControl(websocket.PongMessage, []byte(data))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		extend()
		c.handle(s, raw)
	}
}

func (c *Channel) handle(s *session, raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.logger.Warn("dropping malformed channel message", "error", err)
		return
	}
	switch env.Type {
	case TypeTask:
		t, err := task.Decode(env.Task)
		if err != nil {
			c.logger.Warn("dropping invalid task", "error", err)
			return
		}
		c.logger.Info("task received", "task_id", t.ID, "kind", string(t.Kind))
		c.sub.Submit(t)
	case TypePing:
		if err := s.writeJSON(Envelope{Type: TypePong}); err != nil {
			c.logger.Warn("pong failed", "error", err)
		}
	default:
		c.logger.Debug("ignoring channel message", "type", env.Type)
	}
}

func (c *Channel) keepalive(s *session, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := s.writeControl(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// session serializes writes; gorilla connections allow one concurrent writer.
type session struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *session) writeJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteJSON(v)
}

func (s *session) writeControl(kind int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(kind, data, time.Now().Add(5*time.Second))
}
