// Package redis carries session messages over Redis pub/sub. Every participant
// listens on a broadcast channel and on a channel of its own; the roster of
// connected participants lives in a hash next to them.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aretw0/lifecycle"
	"github.com/redis/go-redis/v9"

	"github.com/aretw0/cosync/pkg/codec"
	"github.com/aretw0/cosync/pkg/core"
	"github.com/aretw0/cosync/pkg/session"
)

// DefaultPrefix namespaces every key and channel the transport touches.
const DefaultPrefix = "cosync"

// Dial connects to the Redis server at redisURL and checks it answers.
func Dial(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// Transport is a session transport and component backed by Redis.
type Transport struct {
	client  *redis.Client
	session *session.Session
	prefix  string
	logger  *slog.Logger

	mu        sync.RWMutex
	pubsub    *redis.PubSub
	cancel    context.CancelFunc
	done      chan struct{}
	connected bool
	known     map[core.ParticipantID]struct{}
	published int
	received  int
}

var _ core.Transport = (*Transport)(nil)

// New creates a transport over client and installs it as the session's
// transport. An empty prefix means DefaultPrefix.
func New(client *redis.Client, s *session.Session, prefix string, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	t := &Transport{
		client:  client,
		session: s,
		prefix:  prefix + ":" + s.ID(),
		logger:  logger.With("component", "redis-transport"),
		known:   make(map[core.ParticipantID]struct{}),
	}
	s.SetTransport(t)
	return t
}

func (t *Transport) broadcastChannel() string { return t.prefix + ":all" }
func (t *Transport) rosterKey() string        { return t.prefix + ":peers" }
func (t *Transport) directChannel(id core.ParticipantID) string {
	return t.prefix + ":to:" + string(id)
}

// Start subscribes, announces the local participant and loads the roster.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.cancel != nil {
		t.mu.Unlock()
		return nil
	}
	local := t.session.Local()
	pubsub := t.client.Subscribe(ctx, t.broadcastChannel(), t.directChannel(local.ID))
	for range 2 {
		if _, err := pubsub.Receive(ctx); err != nil {
			t.mu.Unlock()
			pubsub.Close()
			return fmt.Errorf("subscribe: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.pubsub = pubsub
	t.cancel = cancel
	t.done = make(chan struct{})
	t.connected = true
	done := t.done
	t.mu.Unlock()

	lifecycle.Go(runCtx, func(ctx context.Context) error {
		defer close(done)
		t.receiveLoop(ctx, pubsub.Channel())
		return nil
	}, lifecycle.WithErrorHandler(func(err error) {
		t.logger.Error("receive loop stopped", "error", err)
	}))

	if err := t.join(ctx, local); err != nil {
		_ = t.Stop(context.WithoutCancel(ctx))
		return err
	}
	return nil
}

// join adds the local participant to the roster, announces it and loads the
// participants already present.
func (t *Transport) join(ctx context.Context, local session.Participant) error {
	// TODO: expire roster entries of participants that vanish without Stop.
	peer, err := json.Marshal(codec.Peer{ID: local.ID, Host: local.Host, Permission: local.Permission})
	if err != nil {
		return err
	}
	if err := t.client.HSet(ctx, t.rosterKey(), string(local.ID), peer).Err(); err != nil {
		return fmt.Errorf("announce participant: %w", err)
	}
	if err := t.announce(ctx); err != nil {
		return err
	}
	return t.refreshRoster(ctx)
}

// Stop removes the local participant from the roster and unsubscribes.
func (t *Transport) Stop(ctx context.Context) error {
	t.mu.Lock()
	cancel, done, pubsub := t.cancel, t.done, t.pubsub
	t.cancel = nil
	t.pubsub = nil
	t.connected = false
	t.mu.Unlock()
	if cancel == nil {
		return nil
	}

	if err := t.client.HDel(ctx, t.rosterKey(), string(t.session.Local().ID)).Err(); err != nil {
		t.logger.Warn("failed to leave roster", "error", err)
	} else if err := t.announce(ctx); err != nil {
		t.logger.Warn("failed to announce departure", "error", err)
	}

	cancel()
	err := pubsub.Close()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

// Connected implements core.Transport.
func (t *Transport) Connected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

// Send implements core.Transport. A message addressed to several participants
// is published once per recipient channel.
func (t *Transport) Send(ctx context.Context, to []core.ParticipantID, activities ...core.Activity) error {
	if !t.Connected() {
		return core.ErrNotConnected
	}
	message, err := codec.Encode(codec.Message{From: t.session.Local().ID, To: to, Activities: activities})
	if err != nil {
		return err
	}

	channels := []string{t.broadcastChannel()}
	if len(to) > 0 {
		channels = channels[:0]
		for _, id := range to {
			channels = append(channels, t.directChannel(id))
		}
	}
	for _, ch := range channels {
		if err := t.client.Publish(ctx, ch, message).Err(); err != nil {
			return fmt.Errorf("publish to %s: %w", ch, err)
		}
	}

	t.mu.Lock()
	t.published += len(channels)
	t.mu.Unlock()
	return nil
}

// announce tells every participant the roster changed. The message carries
// only the sender; receivers reload the roster hash.
func (t *Transport) announce(ctx context.Context) error {
	local := t.session.Local()
	self := codec.Peer{ID: local.ID, Host: local.Host, Permission: local.Permission}
	message, err := codec.Encode(codec.Message{From: local.ID, Presence: []codec.Peer{self}})
	if err != nil {
		return err
	}
	return t.client.Publish(ctx, t.broadcastChannel(), message).Err()
}

func (t *Transport) receiveLoop(ctx context.Context, messages <-chan *redis.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				t.mu.Lock()
				t.connected = false
				t.mu.Unlock()
				return
			}
			t.receive(ctx, msg.Payload)
		}
	}
}

func (t *Transport) receive(ctx context.Context, payload string) {
	m, err := codec.Decode([]byte(payload))
	if err != nil {
		t.logger.Error("dropping undecodable message", "error", err)
		return
	}
	if m.From == t.session.Local().ID {
		return
	}
	if m.Presence != nil {
		if err := t.refreshRoster(ctx); err != nil {
			t.logger.Warn("failed to reload roster", "error", err)
		}
	}
	if len(m.Activities) == 0 {
		return
	}

	t.mu.Lock()
	t.received++
	t.mu.Unlock()
	if err := t.session.Deliver(ctx, m.Activities...); err != nil {
		t.logger.Warn("delivery failed", "from", m.From, "error", err)
	}
}

func (t *Transport) refreshRoster(ctx context.Context) error {
	entries, err := t.client.HGetAll(ctx, t.rosterKey()).Result()
	if err != nil {
		return err
	}

	local := t.session.Local().ID
	present := make(map[core.ParticipantID]struct{}, len(entries))
	for id, raw := range entries {
		var p codec.Peer
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			t.logger.Warn("skipping malformed roster entry", "id", id, "error", err)
			continue
		}
		if p.ID == local {
			continue
		}
		present[p.ID] = struct{}{}
		t.session.Join(session.Participant{ID: p.ID, Host: p.Host, Permission: p.Permission})
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for id := range t.known {
		if _, ok := present[id]; !ok {
			t.session.Leave(id)
		}
	}
	t.known = present
	return nil
}

// TransportState exposes the transport for observability.
type TransportState struct {
	Prefix    string `json:"prefix"`
	Connected bool   `json:"connected"`
	Peers     int    `json:"peers"`
	Published int    `json:"published"`
	Received  int    `json:"received"`
}

// State implements introspection.Introspectable.
func (t *Transport) State() any {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return TransportState{
		Prefix:    t.prefix,
		Connected: t.connected,
		Peers:     len(t.known),
		Published: t.published,
		Received:  t.received,
	}
}

// ComponentType implements introspection.Component.
func (t *Transport) ComponentType() string {
	return "redis-transport"
}
