package lifecycle

import (
	"context"

	"github.com/aretw0/lifecycle"

	"github.com/aretw0/cosync/pkg/core"
)

// changeSource bridges workspace change callbacks to lifecycle events.
type changeSource struct {
	workspace core.Watchable
	buffer    int
	out       chan lifecycle.Event
}

// NewSource creates a lifecycle.Source that emits the structural changes of a
// workspace. Changes that arrive while the buffer is full are dropped.
func NewSource(w core.Watchable, buffer int) lifecycle.Source {
	if buffer <= 0 {
		buffer = 64
	}
	return &changeSource{
		workspace: w,
		buffer:    buffer,
		out:       make(chan lifecycle.Event, buffer),
	}
}

func (s *changeSource) Events() <-chan lifecycle.Event {
	return s.out
}

// Start subscribes to the workspace until ctx is done, then closes the event
// channel.
func (s *changeSource) Start(ctx context.Context) error {
	changes := make(chan core.Change, s.buffer)
	unsubscribe := s.workspace.Subscribe(func(c core.Change) {
		select {
		case changes <- c:
		default:
		}
	})

	lifecycle.Go(ctx, func(ctx context.Context) error {
		defer close(s.out)
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return nil
			case c := <-changes:
				// core.Change implements lifecycle.Event (has String())
				select {
				case s.out <- c:
				case <-ctx.Done():
					return nil
				}
			}
		}
	})
	return nil
}
