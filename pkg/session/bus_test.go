package session_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/cosync/pkg/core"
	"github.com/aretw0/cosync/pkg/session"
)

type recordingConsumer struct {
	name string
	log  *[]string
	err  error
}

func (c *recordingConsumer) Exec(_ context.Context, _ core.Activity) error {
	*c.log = append(*c.log, c.name)
	return c.err
}

type testProducer struct {
	core.BaseProducer
}

type foreignActivity struct{ core.FileActivity }

func TestBus_DeliversActiveBeforePassive(t *testing.T) {
	var log []string
	bus := session.NewBus(nil, nil)

	p1 := &recordingConsumer{name: "passive-1", log: &log}
	a1 := &recordingConsumer{name: "active-1", log: &log}
	p2 := &recordingConsumer{name: "passive-2", log: &log}
	a2 := &recordingConsumer{name: "active-2", log: &log}
	bus.AddConsumer(p1, session.Passive)
	bus.AddConsumer(a1, session.Active)
	bus.AddConsumer(p2, session.Passive)
	bus.AddConsumer(a2, session.Active)

	require.NoError(t, bus.Exec(context.Background(), core.NewFileCreated("bob", "a.txt", nil)))
	assert.Equal(t, []string{"active-1", "active-2", "passive-1", "passive-2"}, log)
}

func TestBus_RegistrationIsIdempotent(t *testing.T) {
	var log []string
	bus := session.NewBus(nil, nil)
	c := &recordingConsumer{name: "c", log: &log}

	bus.AddConsumer(c, session.Active)
	bus.AddConsumer(c, session.Passive)
	bus.RemoveConsumer(&recordingConsumer{name: "absent", log: &log})

	require.NoError(t, bus.Exec(context.Background(), core.NewFileRemoved("bob", "a.txt")))
	assert.Equal(t, []string{"c"}, log)

	state := bus.State().(session.BusState)
	assert.Equal(t, 1, state.Active)
	assert.Equal(t, 0, state.Passive)

	bus.RemoveConsumer(c)
	bus.RemoveConsumer(c)
	require.NoError(t, bus.Exec(context.Background(), core.NewFileRemoved("bob", "a.txt")))
	assert.Equal(t, []string{"c"}, log)
}

func TestBus_ConsumerErrorDoesNotStopDelivery(t *testing.T) {
	var log []string
	boom := errors.New("boom")
	bus := session.NewBus(nil, nil)
	bus.AddConsumer(&recordingConsumer{name: "failing", log: &log, err: boom}, session.Active)
	bus.AddConsumer(&recordingConsumer{name: "next", log: &log}, session.Passive)

	err := bus.Exec(context.Background(), core.NewFileCreated("bob", "a.txt", nil))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"failing", "next"}, log)
}

func TestBus_RejectsUnknownActivity(t *testing.T) {
	var log []string
	bus := session.NewBus(nil, nil)
	bus.AddConsumer(&recordingConsumer{name: "c", log: &log}, session.Active)

	err := bus.Exec(context.Background(), foreignActivity{})
	assert.ErrorIs(t, err, core.ErrUnknownActivity)
	assert.Empty(t, log)
}

func TestBus_ForwardsProducedActivities(t *testing.T) {
	var out []core.Activity
	bus := session.NewBus(func(a core.Activity) { out = append(out, a) }, nil)
	p := &testProducer{}

	bus.AddProducer(p)
	bus.AddProducer(p)
	p.FireActivity(core.NewFileCreated("alice", "a.txt", nil))
	require.Len(t, out, 1)

	bus.RemoveProducer(p)
	p.FireActivity(core.NewFileCreated("alice", "b.txt", nil))
	assert.Len(t, out, 1)
	assert.Equal(t, 0, bus.State().(session.BusState).Producers)
}
