package session_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/cosync/pkg/core"
	"github.com/aretw0/cosync/pkg/session"
)

func TestOwner_RunsTasksOneAtATime(t *testing.T) {
	o := session.NewOwner(nil)
	defer o.Close()

	var inFlight, maxInFlight atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := o.Run(context.Background(), func() error {
				n := inFlight.Add(1)
				if n > maxInFlight.Load() {
					maxInFlight.Store(n)
				}
				time.Sleep(time.Millisecond)
				inFlight.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInFlight.Load())
}

func TestOwner_ReturnsTaskError(t *testing.T) {
	o := session.NewOwner(nil)
	defer o.Close()

	err := o.Run(context.Background(), func() error { return core.ErrNotFound })
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestOwner_RecoversPanic(t *testing.T) {
	o := session.NewOwner(nil)
	defer o.Close()

	err := o.Run(context.Background(), func() error { panic("boom") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	// The owner keeps serving after a panic.
	assert.NoError(t, o.Run(context.Background(), func() error { return nil }))
}

func TestOwner_ClosedRejectsWork(t *testing.T) {
	o := session.NewOwner(nil)
	require.NoError(t, o.Run(context.Background(), func() error { return nil }))
	o.Close()

	err := o.Run(context.Background(), func() error { return nil })
	assert.ErrorIs(t, err, core.ErrSessionClosed)
}

func TestOwner_CanceledContext(t *testing.T) {
	o := session.NewOwner(nil)
	defer o.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = o.Run(context.Background(), func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := o.Run(ctx, func() error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
	close(release)
}
