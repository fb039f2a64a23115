package redis_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/cosync/pkg/adapters/redis"
	"github.com/aretw0/cosync/pkg/core"
	"github.com/aretw0/cosync/pkg/session"
)

type inbox struct {
	mu  sync.Mutex
	got []core.Activity
}

func (i *inbox) Exec(_ context.Context, a core.Activity) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.got = append(i.got, a)
	return nil
}

func (i *inbox) activities() []core.Activity {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]core.Activity(nil), i.got...)
}

func join(t *testing.T, srv *miniredis.Miniredis, p session.Participant) (*session.Session, *redis.Transport, *inbox) {
	t.Helper()
	ctx := context.Background()

	client, err := redis.Dial(ctx, "redis://"+srv.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	s := session.New(session.Config{ID: "s1", Local: p})
	tr := redis.New(client, s, "", nil)
	s.AddComponent(tr)

	in := &inbox{}
	s.Bus().AddConsumer(in, session.Passive)

	require.NoError(t, s.Start(ctx))
	t.Cleanup(func() { _ = s.Stop(ctx) })
	return s, tr, in
}

func TestDial_InvalidURL(t *testing.T) {
	_, err := redis.Dial(context.Background(), "://nope")
	assert.Error(t, err)
}

func TestTransport_RelaysBetweenParticipants(t *testing.T) {
	srv := miniredis.RunT(t)
	alice, tr, aliceIn := join(t, srv, session.Participant{ID: "alice", Host: true})
	bob, _, bobIn := join(t, srv, session.Participant{ID: "bob", Permission: core.ReadOnlyAccess})
	carol, _, carolIn := join(t, srv, session.Participant{ID: "carol"})

	require.True(t, tr.Connected())
	require.Eventually(t, func() bool {
		return len(alice.Remotes()) == 2 && len(bob.Remotes()) == 2 && len(carol.Remotes()) == 2
	}, 2*time.Second, 5*time.Millisecond)

	remote, ok := alice.Participant("bob")
	require.True(t, ok)
	assert.False(t, remote.HasWriteAccess())

	ctx := context.Background()
	created := core.NewFileCreated("alice", "a.txt", []byte("hello"))
	require.NoError(t, alice.Send(ctx, nil, created))

	checksum := core.ChecksumActivity{Header: core.NewHeader("alice"), Path: "a.txt", Length: 5, Hash: 9}
	require.NoError(t, alice.Send(ctx, []core.ParticipantID{"carol"}, checksum))

	require.Eventually(t, func() bool {
		return len(bobIn.activities()) == 1 && len(carolIn.activities()) == 2
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []core.Activity{created}, bobIn.activities())
	assert.Equal(t, []core.Activity{created, checksum}, carolIn.activities())
	assert.Empty(t, aliceIn.activities())

	st, ok := tr.State().(redis.TransportState)
	require.True(t, ok)
	assert.Equal(t, 2, st.Published)
	assert.Equal(t, 2, st.Peers)
}

func TestTransport_RosterFollowsStop(t *testing.T) {
	srv := miniredis.RunT(t)
	alice, _, _ := join(t, srv, session.Participant{ID: "alice", Host: true})
	bob, bobTr, _ := join(t, srv, session.Participant{ID: "bob"})

	require.Eventually(t, func() bool { return len(alice.Remotes()) == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, bob.Stop(context.Background()))
	assert.False(t, bobTr.Connected())
	require.Eventually(t, func() bool { return len(alice.Remotes()) == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestTransport_SendBeforeStart(t *testing.T) {
	srv := miniredis.RunT(t)
	client, err := redis.Dial(context.Background(), "redis://"+srv.Addr())
	require.NoError(t, err)
	defer client.Close()

	s := session.New(session.Config{Local: session.Participant{ID: "alice"}})
	redis.New(client, s, "", nil)

	err = s.Send(context.Background(), nil, core.NewFileRemoved("alice", "a.txt"))
	assert.ErrorIs(t, err, core.ErrNotConnected)
}
