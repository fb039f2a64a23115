// Package session owns the ambient context of a collaboration: participants,
// the local role, the activity bus and the owner execution context every
// workspace mutation runs on.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/aretw0/cosync/pkg/core"
)

// Participant is a member of the session.
type Participant struct {
	ID         core.ParticipantID `json:"id" yaml:"id"`
	Host       bool               `json:"host" yaml:"host"`
	Permission core.Permission    `json:"permission" yaml:"permission"`
}

// HasWriteAccess reports whether p may edit shared documents.
func (p Participant) HasWriteAccess() bool {
	return p.Permission != core.ReadOnlyAccess
}

// Component is a session-scoped part started with the session and stopped
// with it, in reverse order.
type Component interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Listener observes the session lifecycle.
type Listener interface {
	SessionStarted(s *Session)
	SessionEnded(s *Session)
}

// Config describes a session.
type Config struct {
	// ID defaults to a random UUID.
	ID string

	// Local is the participant running this process. An empty ID is replaced
	// by a random UUID; an empty permission means write access.
	Local Participant

	Transport core.Transport
	Transform core.DocumentTransform
	Logger    *slog.Logger
}

// Session is one running collaboration as seen by the local participant.
type Session struct {
	id     string
	local  Participant
	logger *slog.Logger

	bus        *Bus
	owner      *Owner
	suppressor *core.Suppressor
	transform  core.DocumentTransform

	mu           sync.RWMutex
	transport    core.Transport
	participants []Participant
	components   []Component
	listeners    []Listener
	running      bool
	ctx          context.Context
	cancel       context.CancelFunc
}

// New builds a session. Nothing runs until Start.
func New(cfg Config) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}
	local := cfg.Local
	if local.ID == "" {
		local.ID = core.ParticipantID(uuid.NewString())
	}
	if local.Permission == "" {
		local.Permission = core.WriteAccess
	}

	s := &Session{
		id:           id,
		local:        local,
		logger:       logger.With("session", id, "participant", local.ID),
		owner:        NewOwner(logger),
		suppressor:   &core.Suppressor{},
		transform:    cfg.Transform,
		transport:    cfg.Transport,
		participants: []Participant{local},
		ctx:          context.Background(),
	}
	s.bus = NewBus(s.broadcast, s.logger)
	return s
}

func (s *Session) ID() string                        { return s.id }
func (s *Session) Local() Participant                { return s.local }
func (s *Session) IsHost() bool                      { return s.local.Host }
func (s *Session) Bus() *Bus                         { return s.bus }
func (s *Session) Owner() *Owner                     { return s.owner }
func (s *Session) Suppressor() *core.Suppressor      { return s.suppressor }
func (s *Session) Transform() core.DocumentTransform { return s.transform }
func (s *Session) Logger() *slog.Logger              { return s.logger }

// Transport returns the current transport, which may be nil.
func (s *Session) Transport() core.Transport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transport
}

// SetTransport replaces the transport. Used when the transport needs the
// session to exist before it can be built.
func (s *Session) SetTransport(t core.Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transport = t
}

// Connected reports whether the transport is usable.
func (s *Session) Connected() bool {
	t := s.Transport()
	return t != nil && t.Connected()
}

// Running reports whether Start has completed and Stop has not been called.
func (s *Session) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Participants returns all participants, local one included.
func (s *Session) Participants() []Participant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.participants)
}

// Remotes returns every participant but the local one.
func (s *Session) Remotes() []Participant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Participant, 0, len(s.participants))
	for _, p := range s.participants {
		if p.ID != s.local.ID {
			out = append(out, p)
		}
	}
	return out
}

// Participant looks up a participant by ID.
func (s *Session) Participant(id core.ParticipantID) (Participant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.participants {
		if p.ID == id {
			return p, true
		}
	}
	return Participant{}, false
}

// Join adds or updates a participant.
func (s *Session) Join(p Participant) {
	if p.Permission == "" {
		p.Permission = core.WriteAccess
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.participants {
		if existing.ID == p.ID {
			s.participants[i] = p
			return
		}
	}
	s.participants = append(s.participants, p)
	s.logger.Info("participant joined", "id", p.ID, "host", p.Host)
}

// Leave removes a participant. The local participant cannot leave.
func (s *Session) Leave(id core.ParticipantID) {
	if id == s.local.ID {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.participants = slices.DeleteFunc(s.participants, func(p Participant) bool { return p.ID == id })
}

// AddComponent registers a component. Components added after Start are not
// started retroactively.
func (s *Session) AddComponent(c Component) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.components = append(s.components, c)
}

// AddListener registers a lifecycle listener.
func (s *Session) AddListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Start starts every component in registration order and then notifies
// listeners. Starting a running session is a no-op.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	components := slices.Clone(s.components)
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()

	abort := func() {
		s.mu.Lock()
		s.running = false
		s.cancel()
		s.mu.Unlock()
	}

	if err := s.owner.Run(ctx, func() error {
		s.bus.AddConsumer(s, Active)
		return nil
	}); err != nil {
		abort()
		return fmt.Errorf("register session consumer: %w", err)
	}

	for i, c := range components {
		if err := c.Start(ctx); err != nil {
			s.logger.Error("component failed to start", "error", err)
			for j := i - 1; j >= 0; j-- {
				_ = components[j].Stop(ctx)
			}
			abort()
			return fmt.Errorf("start component: %w", err)
		}
	}

	for _, l := range listeners {
		l.SessionStarted(s)
	}
	s.logger.Info("session started", "host", s.local.Host)
	return nil
}

// Stop notifies listeners, stops components in reverse order and closes the
// owner. Stopping a stopped session is a no-op. A stopped session cannot be
// started again.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	components := slices.Clone(s.components)
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()

	for _, l := range listeners {
		l.SessionEnded(s)
	}

	var errs []error
	for i := len(components) - 1; i >= 0; i-- {
		if err := components[i].Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	_ = s.owner.Run(ctx, func() error {
		s.bus.RemoveConsumer(s)
		return nil
	})
	s.cancel()
	s.owner.Close()
	s.logger.Info("session ended")
	return errors.Join(errs...)
}

// Deliver is the inbound entry point for transports. Each activity is routed
// through the bus on the owner goroutine; activities the local participant
// sourced itself are dropped.
func (s *Session) Deliver(ctx context.Context, activities ...core.Activity) error {
	if !s.Running() {
		return core.ErrSessionClosed
	}
	var errs []error
	for _, a := range activities {
		if a.Meta().Source == s.local.ID {
			s.logger.Debug("dropping own echoed activity", "id", a.Meta().ID)
			continue
		}
		if err := s.owner.Run(ctx, func() error { return s.bus.Exec(ctx, a) }); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Send hands activities to the transport as one message. A nil to addresses
// every other participant.
func (s *Session) Send(ctx context.Context, to []core.ParticipantID, activities ...core.Activity) error {
	if len(activities) == 0 {
		return nil
	}
	t := s.Transport()
	if t == nil {
		return core.ErrNotConnected
	}
	return t.Send(ctx, to, activities...)
}

func (s *Session) broadcast(a core.Activity) {
	s.mu.RLock()
	ctx := s.ctx
	s.mu.RUnlock()

	if err := s.Send(ctx, nil, a); err != nil {
		s.logger.Warn("failed to send activity", "kind", a.Kind(), "id", a.Meta().ID, "error", err)
	}
}

// Exec implements core.Consumer for session-level activities.
func (s *Session) Exec(_ context.Context, a core.Activity) error {
	_, err := core.Receiver{
		Permission: func(p core.PermissionActivity) error {
			participant, ok := s.Participant(p.Target)
			if !ok {
				return fmt.Errorf("permission change for unknown participant %s", p.Target)
			}
			participant.Permission = p.Permission
			s.Join(participant)
			s.logger.Info("permission changed", "target", p.Target, "permission", p.Permission)
			return nil
		},
	}.Dispatch(a)
	return err
}

// SessionState exposes internal state for observability.
type SessionState struct {
	ID           string   `json:"id"`
	Local        string   `json:"local"`
	Host         bool     `json:"host"`
	Running      bool     `json:"running"`
	Connected    bool     `json:"connected"`
	Participants int      `json:"participants"`
	Bus          BusState `json:"bus"`
}

// State implements introspection.Introspectable.
func (s *Session) State() any {
	s.mu.RLock()
	st := SessionState{
		ID:           s.id,
		Local:        string(s.local.ID),
		Host:         s.local.Host,
		Running:      s.running,
		Participants: len(s.participants),
	}
	s.mu.RUnlock()

	st.Connected = s.Connected()
	st.Bus, _ = s.bus.State().(BusState)
	return st
}

// ComponentType implements introspection.Component.
func (s *Session) ComponentType() string {
	return "session"
}
