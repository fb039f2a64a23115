package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aretw0/cosync/pkg/core"
	"github.com/aretw0/cosync/pkg/session"
)

// DefaultRequestTimeout is how long a recovery request may stay unanswered
// before the path is requested again.
const DefaultRequestTimeout = time.Minute

// ClientConfig wires a Client. Documents and Clock are optional.
type ClientConfig struct {
	Session        *session.Session
	Workspace      core.Workspace
	Documents      core.Documents
	Clock          core.Clock
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

type pendingRequest struct {
	id string
	at time.Time
}

// Client compares the host's checksums with the local copies on a guest and
// requests recovery of the paths that differ. A path is requested once until
// the host completes its recovery, the request fails to send or it goes
// unanswered for the request timeout.
type Client struct {
	session   *session.Session
	workspace core.Workspace
	documents core.Documents
	clock     core.Clock
	timeout   time.Duration
	logger    *slog.Logger

	mu           sync.Mutex
	pending      map[string]pendingRequest
	inconsistent map[string]struct{}
	compared     int
	skipped      int
}

// NewClient creates a client. Register it with Session.AddComponent.
func NewClient(cfg ClientConfig) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Client{
		session:      cfg.Session,
		timeout:      timeout,
		workspace:    cfg.Workspace,
		documents:    cfg.Documents,
		clock:        cfg.Clock,
		logger:       logger.With("component", "watchdog-client"),
		pending:      make(map[string]pendingRequest),
		inconsistent: make(map[string]struct{}),
	}
}

// Start registers the client on guest sessions.
func (c *Client) Start(ctx context.Context) error {
	if c.session.IsHost() {
		return nil
	}
	return c.session.Owner().Run(ctx, func() error {
		c.session.Bus().AddConsumer(c, session.Passive)
		return nil
	})
}

// Stop unregisters the client and forgets pending requests.
func (c *Client) Stop(ctx context.Context) error {
	err := c.session.Owner().Run(ctx, func() error {
		c.session.Bus().RemoveConsumer(c)
		return nil
	})

	c.mu.Lock()
	clear(c.pending)
	clear(c.inconsistent)
	c.mu.Unlock()
	return err
}

// Exec implements core.Consumer.
func (c *Client) Exec(ctx context.Context, a core.Activity) error {
	_, err := core.Receiver{
		Checksum: func(cs core.ChecksumActivity) error {
			return c.check(ctx, cs)
		},
		ChecksumError: func(done core.ChecksumErrorActivity) error {
			c.completed(done)
			return nil
		},
	}.Dispatch(a)
	return err
}

// Inconsistent returns the paths currently known to differ from the host.
func (c *Client) Inconsistent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Sorted(maps.Keys(c.inconsistent))
}

// Pending returns the paths with an outstanding recovery request.
func (c *Client) Pending() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Sorted(maps.Keys(c.pending))
}

func (c *Client) check(ctx context.Context, cs core.ChecksumActivity) error {
	p := core.CleanPath(cs.Path)

	if cs.Timestamp != nil && c.clock != nil {
		local, ok := c.clock.Timestamp(p)
		if ok && local != cs.Timestamp.Mirror() {
			c.logger.Debug("skipping checksum of concurrently edited document", "path", p, "host", cs.Timestamp, "local", local)
			c.mu.Lock()
			c.skipped++
			c.mu.Unlock()
			return nil
		}
	}

	content, exists, err := c.snapshot(ctx, p)
	if err != nil {
		return err
	}

	consistent := false
	switch {
	case cs.Missing():
		consistent = !exists
	case exists:
		length, hash := Checksum(content)
		consistent = length == cs.Length && hash == cs.Hash
	}

	c.mu.Lock()
	c.compared++
	if consistent {
		delete(c.inconsistent, p)
		c.mu.Unlock()
		return nil
	}
	c.inconsistent[p] = struct{}{}
	if req, ok := c.pending[p]; ok && time.Since(req.at) < c.timeout {
		c.mu.Unlock()
		return nil
	}
	id := uuid.NewString()
	c.pending[p] = pendingRequest{id: id, at: time.Now()}
	c.mu.Unlock()

	c.logger.Warn("inconsistency detected, requesting recovery", "path", p, "recovery", id)
	req := core.ChecksumErrorActivity{
		Header:     core.NewHeader(c.session.Local().ID),
		Paths:      []string{p},
		RecoveryID: id,
	}
	if err := c.session.Send(ctx, []core.ParticipantID{cs.Source}, req); err != nil {
		c.mu.Lock()
		if c.pending[p].id == id {
			delete(c.pending, p)
		}
		c.mu.Unlock()
		return fmt.Errorf("request recovery of %s: %w", p, err)
	}
	return nil
}

func (c *Client) completed(done core.ChecksumErrorActivity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range done.Paths {
		p = core.CleanPath(p)
		if c.pending[p].id == done.RecoveryID {
			delete(c.pending, p)
			delete(c.inconsistent, p)
		}
	}
	c.logger.Info("recovery completed", "paths", done.Paths, "recovery", done.RecoveryID)
}

func (c *Client) snapshot(ctx context.Context, p string) ([]byte, bool, error) {
	if c.documents != nil {
		if doc, ok := c.documents.Document(p); ok {
			return doc.Content(), true, nil
		}
	}
	if !c.workspace.FileExists(p) {
		return nil, false, nil
	}
	content, err := c.workspace.ReadFile(ctx, p)
	if err != nil {
		return nil, false, err
	}
	return content, true, nil
}

// ClientState exposes the client's counters for observability.
type ClientState struct {
	Compared     int `json:"compared"`
	Skipped      int `json:"skipped"`
	Inconsistent int `json:"inconsistent"`
	Pending      int `json:"pending"`
}

// State implements introspection.Introspectable.
func (c *Client) State() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ClientState{
		Compared:     c.compared,
		Skipped:      c.skipped,
		Inconsistent: len(c.inconsistent),
		Pending:      len(c.pending),
	}
}

// ComponentType implements introspection.Component.
func (c *Client) ComponentType() string {
	return "watchdog-client"
}
