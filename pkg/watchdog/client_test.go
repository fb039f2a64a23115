package watchdog_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/cosync/pkg/adapters/memory"
	"github.com/aretw0/cosync/pkg/core"
	"github.com/aretw0/cosync/pkg/recovery"
	"github.com/aretw0/cosync/pkg/resources"
	"github.com/aretw0/cosync/pkg/session"
	"github.com/aretw0/cosync/pkg/watchdog"
)

type participant struct {
	session   *session.Session
	workspace *memory.Workspace
	documents *memory.Documents
	transform *memory.Transform
	server    *watchdog.Server
	client    *watchdog.Client
	endpoint  *memory.Endpoint
}

func newParticipant(t *testing.T, net *memory.Network, id core.ParticipantID, host bool) *participant {
	t.Helper()
	return newParticipantWithTimeout(t, net, id, host, 0)
}

func newParticipantWithTimeout(t *testing.T, net *memory.Network, id core.ParticipantID, host bool, requestTimeout time.Duration) *participant {
	t.Helper()
	p := &participant{workspace: memory.NewWorkspace(), transform: memory.NewTransform()}
	p.documents = memory.NewDocuments(p.workspace)
	p.session = session.New(session.Config{
		Local:     session.Participant{ID: id, Host: host},
		Transform: p.transform,
	})
	p.session.AddComponent(resources.New(resources.Config{
		Session:   p.session,
		Workspace: p.workspace,
		Editors:   memory.NewEditors(p.documents),
	}))
	p.session.AddComponent(recovery.NewResponder(recovery.ResponderConfig{
		Session:   p.session,
		Workspace: p.workspace,
		Documents: p.documents,
	}))
	p.client = watchdog.NewClient(watchdog.ClientConfig{
		Session:        p.session,
		Workspace:      p.workspace,
		Documents:      p.documents,
		Clock:          p.transform,
		RequestTimeout: requestTimeout,
	})
	p.session.AddComponent(p.client)
	p.server = watchdog.NewServer(watchdog.Config{
		Documents: p.documents,
		Clock:     p.transform,
		Interval:  time.Hour,
	})
	p.session.AddListener(p.server)
	p.endpoint = net.Attach(p.session)

	ctx := context.Background()
	require.NoError(t, p.session.Start(ctx))
	t.Cleanup(func() { _ = p.session.Stop(ctx) })
	return p
}

func (p *participant) seed(t *testing.T, path, content string) {
	t.Helper()
	release := p.session.Suppressor().Suppress()
	defer release()
	require.NoError(t, p.workspace.CreateFile(context.Background(), path, bytes.NewReader([]byte(content)), true))
}

func TestClient_DivergedCopyIsRecovered(t *testing.T) {
	net := memory.NewNetwork(nil)
	defer net.Close()
	host := newParticipant(t, net, "host", true)
	guest := newParticipant(t, net, "guest", false)

	host.seed(t, "a.txt", "hello")
	guest.seed(t, "a.txt", "hello")

	ctx := context.Background()
	doc, err := host.documents.Open(ctx, "a.txt")
	require.NoError(t, err)
	host.server.Poll(ctx)
	require.NoError(t, doc.Edit(5, "!", ""))

	require.Equal(t, 1, host.server.Poll(ctx).Sent)
	net.Wait()

	got, err := guest.workspace.ReadFile(ctx, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello!", string(got))

	assert.Empty(t, guest.client.Pending())
	assert.Empty(t, guest.client.Inconsistent())
	assert.Equal(t, 1, host.transform.Resets("a.txt"))
	assert.Equal(t, 2, guest.transform.Resets("a.txt"))

	// The recovered copy now matches; the next checksum raises nothing.
	require.NoError(t, doc.Edit(0, "", ""))
	require.Equal(t, 1, host.server.Poll(ctx).Sent)
	net.Wait()
	st := guest.client.State().(watchdog.ClientState)
	assert.Equal(t, 2, st.Compared)
	assert.Zero(t, st.Pending)
}

func TestClient_MatchingChecksumRaisesNothing(t *testing.T) {
	net := memory.NewNetwork(nil)
	defer net.Close()
	host := newParticipant(t, net, "host", true)
	guest := newParticipant(t, net, "guest", false)
	guest.seed(t, "a.txt", "same")

	length, hash := watchdog.Checksum([]byte("same"))
	require.NoError(t, guest.session.Deliver(context.Background(), core.ChecksumActivity{
		Header: core.NewHeader(host.session.Local().ID),
		Path:   "a.txt",
		Length: length,
		Hash:   hash,
	}))
	net.Wait()

	assert.Empty(t, guest.client.Inconsistent())
	for _, m := range net.Messages() {
		assert.NotEqual(t, core.ParticipantID("guest"), m.From)
	}
}

func TestClient_RequestsOncePerPath(t *testing.T) {
	net := memory.NewNetwork(nil)
	defer net.Close()
	host := newParticipant(t, net, "host", true)
	guest := newParticipant(t, net, "guest", false)
	guest.seed(t, "a.txt", "mine")
	net.Close()

	checksum := func() core.ChecksumActivity {
		return core.ChecksumActivity{Header: core.NewHeader(host.session.Local().ID), Path: "a.txt", Length: 5, Hash: 42}
	}
	ctx := context.Background()
	require.NoError(t, guest.session.Deliver(ctx, checksum()))
	require.NoError(t, guest.session.Deliver(ctx, checksum()))

	var requests int
	for _, m := range net.Messages() {
		if m.From == "guest" {
			requests++
		}
	}
	assert.Equal(t, 1, requests)
	assert.Equal(t, []string{"a.txt"}, guest.client.Pending())
}

func TestClient_SkipsConcurrentlyEditedDocuments(t *testing.T) {
	net := memory.NewNetwork(nil)
	defer net.Close()
	guest := newParticipant(t, net, "guest", false)
	guest.seed(t, "a.txt", "mine")
	guest.transform.Generated("a.txt")

	require.NoError(t, guest.session.Deliver(context.Background(), core.ChecksumActivity{
		Header:    core.NewHeader("host"),
		Path:      "a.txt",
		Length:    1,
		Hash:      1,
		Timestamp: &core.Timestamp{Local: 3},
	}))

	st := guest.client.State().(watchdog.ClientState)
	assert.Equal(t, 1, st.Skipped)
	assert.Zero(t, st.Compared)
}

func TestClient_HostMissingDocument(t *testing.T) {
	net := memory.NewNetwork(nil)
	defer net.Close()
	guest := newParticipant(t, net, "guest", false)

	require.NoError(t, guest.session.Deliver(context.Background(), core.ChecksumActivity{
		Header: core.NewHeader("host"),
		Path:   "gone.txt",
		Length: core.NonExistingDoc,
		Hash:   core.NonExistingDoc,
	}))
	assert.Empty(t, guest.client.Inconsistent())
}

func recoveryRequests(net *memory.Network, from core.ParticipantID) int {
	net.Wait()
	var n int
	for _, m := range net.Messages() {
		if m.From != from {
			continue
		}
		for _, a := range m.Activities {
			if _, ok := a.(core.ChecksumErrorActivity); ok {
				n++
			}
		}
	}
	return n
}

func TestClient_FailedRequestIsRetried(t *testing.T) {
	net := memory.NewNetwork(nil)
	defer net.Close()
	host := newParticipant(t, net, "host", true)
	guest := newParticipant(t, net, "guest", false)
	guest.seed(t, "a.txt", "mine")

	mismatch := func() core.ChecksumActivity {
		return core.ChecksumActivity{Header: core.NewHeader(host.session.Local().ID), Path: "a.txt", Length: 5, Hash: 42}
	}
	ctx := context.Background()

	guest.endpoint.SetConnected(false)
	err := guest.session.Deliver(ctx, mismatch())
	assert.ErrorIs(t, err, core.ErrNotConnected)
	assert.Empty(t, guest.client.Pending())
	assert.Equal(t, []string{"a.txt"}, guest.client.Inconsistent())
	assert.Zero(t, recoveryRequests(net, "guest"))

	guest.endpoint.SetConnected(true)
	require.NoError(t, guest.session.Deliver(ctx, mismatch()))
	assert.Equal(t, 1, recoveryRequests(net, "guest"))
}

func TestClient_UnansweredRequestExpires(t *testing.T) {
	net := memory.NewNetwork(nil)
	defer net.Close()
	host := newParticipant(t, net, "host", true)
	guest := newParticipantWithTimeout(t, net, "guest", false, time.Nanosecond)
	guest.seed(t, "a.txt", "mine")
	net.Close()

	checksum := func() core.ChecksumActivity {
		return core.ChecksumActivity{Header: core.NewHeader(host.session.Local().ID), Path: "a.txt", Length: 5, Hash: 42}
	}
	ctx := context.Background()
	require.NoError(t, guest.session.Deliver(ctx, checksum()))
	time.Sleep(time.Millisecond)
	require.NoError(t, guest.session.Deliver(ctx, checksum()))

	var requests int
	for _, m := range net.Messages() {
		if m.From == "guest" {
			requests++
		}
	}
	assert.Equal(t, 2, requests)
}
