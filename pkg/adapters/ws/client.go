package ws

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/aretw0/lifecycle"
	"github.com/gorilla/websocket"

	"github.com/aretw0/cosync/pkg/codec"
	"github.com/aretw0/cosync/pkg/core"
	"github.com/aretw0/cosync/pkg/session"
)

// Client connects a session to a Hub and keeps reconnecting until stopped.
// It is the session's transport and one of its components.
type Client struct {
	url      string
	session  *session.Session
	settings Settings
	dialer   *websocket.Dialer
	logger   *slog.Logger

	mu       sync.RWMutex
	send     chan []byte
	cancel   context.CancelFunc
	done     chan struct{}
	known    map[core.ParticipantID]struct{}
	connects int
}

var _ core.Transport = (*Client)(nil)

// NewClient creates a client for the hub at hubURL and installs it as the
// session's transport.
func NewClient(hubURL string, s *session.Session, settings Settings, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	u, err := url.Parse(hubURL)
	if err != nil {
		return nil, fmt.Errorf("invalid hub url: %w", err)
	}
	local := s.Local()
	q := u.Query()
	q.Set("participant", string(local.ID))
	q.Set("host", strconv.FormatBool(local.Host))
	q.Set("permission", string(local.Permission))
	u.RawQuery = q.Encode()

	c := &Client{
		url:      u.String(),
		session:  s,
		settings: settings,
		dialer:   &websocket.Dialer{HandshakeTimeout: settings.WriteTimeout},
		logger:   logger.With("component", "ws-client"),
		known:    make(map[core.ParticipantID]struct{}),
	}
	s.SetTransport(c)
	return c, nil
}

// Start begins connecting in the background.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.done = make(chan struct{})

	done := c.done
	lifecycle.Go(runCtx, func(ctx context.Context) error {
		defer close(done)
		c.run(ctx)
		return nil
	}, lifecycle.WithErrorHandler(func(err error) {
		c.logger.Error("connection loop stopped", "error", err)
	}))
	return nil
}

// Stop disconnects and waits for the connection loop to end.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connected implements core.Transport.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.send != nil
}

// Send implements core.Transport.
func (c *Client) Send(ctx context.Context, to []core.ParticipantID, activities ...core.Activity) error {
	message, err := codec.Encode(codec.Message{From: c.session.Local().ID, To: to, Activities: activities})
	if err != nil {
		return err
	}

	c.mu.RLock()
	send := c.send
	c.mu.RUnlock()
	if send == nil {
		return core.ErrNotConnected
	}

	select {
	case send <- message:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.settings.WriteTimeout):
		return fmt.Errorf("send timed out: %w", core.ErrNotConnected)
	}
}

func (c *Client) run(ctx context.Context) {
	for {
		conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
		if err != nil {
			c.logger.Info("connect failed", "error", err)
		} else {
			c.handle(ctx, conn)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.settings.ReconnectTimeout):
		}
	}
}

func (c *Client) handle(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	handleCtx, handleCancel := context.WithCancel(ctx)
	defer handleCancel()

	send := make(chan []byte, c.settings.SendBuffer)
	c.mu.Lock()
	c.send = send
	c.connects++
	c.mu.Unlock()
	c.logger.Info("connected", "url", c.url)

	defer func() {
		c.mu.Lock()
		c.send = nil
		c.mu.Unlock()
		c.logger.Info("disconnected")
	}()

	lifecycle.Go(handleCtx, func(ctx context.Context) error {
		defer conn.Close()
		defer handleCancel()
		return writeLoop(ctx, conn, send, c.settings)
	}, lifecycle.WithErrorHandler(func(err error) {
		c.logger.Info("write failed", "error", err)
	}))

	for {
		if handleCtx.Err() != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(c.settings.ReadTimeout))
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			c.logger.Debug("read ended", "error", err)
			return
		}
		if messageType != websocket.BinaryMessage || len(message) == 0 {
			continue
		}
		c.receive(handleCtx, message)
	}
}

func (c *Client) receive(ctx context.Context, message []byte) {
	m, err := codec.Decode(message)
	if err != nil {
		c.logger.Error("dropping undecodable message", "error", err)
		return
	}
	if m.Presence != nil {
		c.updatePresence(m.Presence)
	}
	if len(m.Activities) == 0 {
		return
	}
	if err := c.session.Deliver(ctx, m.Activities...); err != nil {
		c.logger.Warn("delivery failed", "from", m.From, "error", err)
	}
}

func (c *Client) updatePresence(peers []codec.Peer) {
	local := c.session.Local().ID
	present := make(map[core.ParticipantID]struct{}, len(peers))
	for _, p := range peers {
		if p.ID == local {
			continue
		}
		present[p.ID] = struct{}{}
		c.session.Join(session.Participant{ID: p.ID, Host: p.Host, Permission: p.Permission})
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.known {
		if _, ok := present[id]; !ok {
			c.session.Leave(id)
		}
	}
	c.known = present
}

// ClientState exposes the connection for observability.
type ClientState struct {
	URL       string `json:"url"`
	Connected bool   `json:"connected"`
	Connects  int    `json:"connects"`
}

// State implements introspection.Introspectable.
func (c *Client) State() any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ClientState{URL: c.url, Connected: c.send != nil, Connects: c.connects}
}

// ComponentType implements introspection.Component.
func (c *Client) ComponentType() string {
	return "ws-client"
}
