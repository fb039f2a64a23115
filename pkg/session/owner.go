package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aretw0/lifecycle"

	"github.com/aretw0/cosync/pkg/core"
)

// Owner is the workspace-owner execution context. Funcs submitted through Run
// execute one at a time on a single goroutine, so structural workspace
// mutations and registry changes never interleave.
//
// Run must not be called from inside a func that is already running on the
// owner; that would deadlock.
type Owner struct {
	tasks  chan ownerTask
	logger *slog.Logger

	startOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
}

type ownerTask struct {
	fn   func() error
	done chan error
}

// NewOwner creates an owner. Its goroutine starts with the first Run.
func NewOwner(logger *slog.Logger) *Owner {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Owner{
		tasks:  make(chan ownerTask),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Run executes fn on the owner goroutine and blocks until it returns.
// A panic inside fn is returned as an error.
func (o *Owner) Run(ctx context.Context, fn func() error) error {
	if o.ctx.Err() != nil {
		return core.ErrSessionClosed
	}
	o.startOnce.Do(o.start)

	t := ownerTask{fn: fn, done: make(chan error, 1)}
	select {
	case o.tasks <- t:
	case <-ctx.Done():
		return ctx.Err()
	case <-o.ctx.Done():
		return core.ErrSessionClosed
	}
	// Once accepted the task runs to completion; the core puts no timeout on
	// workspace operations.
	return <-t.done
}

// Close stops the owner goroutine. Pending Run calls fail with
// core.ErrSessionClosed.
func (o *Owner) Close() {
	o.cancel()
}

func (o *Owner) start() {
	lifecycle.Go(o.ctx, func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case t := <-o.tasks:
				t.done <- o.exec(t.fn)
			}
		}
	}, lifecycle.WithErrorHandler(func(err error) {
		o.logger.Error("session owner stopped", "error", err)
	}))
}

func (o *Owner) exec(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("owner task panic: %v", r)
			o.logger.Error("owner task panic", "error", err)
		}
	}()
	return fn()
}
