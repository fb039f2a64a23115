package session

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/aretw0/cosync/pkg/core"
)

// Follow distributes follow-mode changes between participants. It fires the
// local participant's changes and tracks who follows whom from received
// activities.
type Follow struct {
	core.BaseProducer

	mu        sync.RWMutex
	session   *Session
	following map[core.ParticipantID]core.ParticipantID
	observers []func()
}

// NewFollow creates a follow tracker. Register it with Session.AddListener.
func NewFollow() *Follow {
	return &Follow{following: make(map[core.ParticipantID]core.ParticipantID)}
}

// SessionStarted implements Listener.
func (f *Follow) SessionStarted(s *Session) {
	f.mu.Lock()
	f.session = s
	clear(f.following)
	f.mu.Unlock()

	_ = s.Owner().Run(context.Background(), func() error {
		s.Bus().AddProducer(f)
		s.Bus().AddConsumer(f, Passive)
		return nil
	})
}

// SessionEnded implements Listener.
func (f *Follow) SessionEnded(s *Session) {
	_ = s.Owner().Run(context.Background(), func() error {
		s.Bus().RemoveProducer(f)
		s.Bus().RemoveConsumer(f)
		return nil
	})

	f.mu.Lock()
	f.session = nil
	clear(f.following)
	f.mu.Unlock()
}

// Start announces that the local participant follows target.
func (f *Follow) Start(target core.ParticipantID) error {
	s := f.current()
	if s == nil {
		return core.ErrSessionClosed
	}
	local := s.Local().ID
	f.set(local, target)
	f.FireActivity(core.StartFollowingActivity{Header: core.NewHeader(local), Target: target})
	return nil
}

// Stop announces that the local participant stopped following.
func (f *Follow) Stop() error {
	s := f.current()
	if s == nil {
		return core.ErrSessionClosed
	}
	local := s.Local().ID
	f.set(local, "")
	f.FireActivity(core.StopFollowingActivity{Header: core.NewHeader(local)})
	return nil
}

// Target returns the participant id is following.
func (f *Follow) Target(id core.ParticipantID) (core.ParticipantID, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	t, ok := f.following[id]
	return t, ok
}

// Snapshot returns follower → target for every participant in follow mode.
func (f *Follow) Snapshot() map[core.ParticipantID]core.ParticipantID {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return maps.Clone(f.following)
}

// OnChange registers fn to run after every follow-mode change.
func (f *Follow) OnChange(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observers = append(f.observers, fn)
}

// Exec implements core.Consumer.
func (f *Follow) Exec(_ context.Context, a core.Activity) error {
	_, err := core.Receiver{
		StartFollowing: func(act core.StartFollowingActivity) error {
			if err := f.checkParticipant(act.Source); err != nil {
				return err
			}
			f.set(act.Source, act.Target)
			return nil
		},
		StopFollowing: func(act core.StopFollowingActivity) error {
			if err := f.checkParticipant(act.Source); err != nil {
				return err
			}
			f.set(act.Source, "")
			return nil
		},
	}.Dispatch(a)
	return err
}

func (f *Follow) checkParticipant(id core.ParticipantID) error {
	s := f.current()
	if s == nil {
		return core.ErrSessionClosed
	}
	if _, ok := s.Participant(id); !ok {
		return fmt.Errorf("follow mode activity from %s, not in session", id)
	}
	return nil
}

func (f *Follow) current() *Session {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.session
}

func (f *Follow) set(follower, target core.ParticipantID) {
	f.mu.Lock()
	if target == "" {
		delete(f.following, follower)
	} else {
		f.following[follower] = target
	}
	observers := append([]func(){}, f.observers...)
	f.mu.Unlock()

	for _, fn := range observers {
		fn()
	}
}
