package resources_test

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/cosync/pkg/adapters/memory"
	"github.com/aretw0/cosync/pkg/core"
	"github.com/aretw0/cosync/pkg/resources"
	"github.com/aretw0/cosync/pkg/session"
)

type peer struct {
	session     *session.Session
	workspace   *memory.Workspace
	documents   *memory.Documents
	editors     *memory.Editors
	annotations *memory.Annotations
	transform   *memory.Transform
	manager     *resources.Manager
}

func newPeer(t *testing.T, net *memory.Network, id core.ParticipantID, host bool) *peer {
	t.Helper()
	p := &peer{
		workspace:   memory.NewWorkspace(),
		annotations: memory.NewAnnotations(),
		transform:   memory.NewTransform(),
	}
	p.documents = memory.NewDocuments(p.workspace)
	p.editors = memory.NewEditors(p.documents)
	p.session = session.New(session.Config{
		Local:     session.Participant{ID: id, Host: host},
		Transform: p.transform,
	})
	p.manager = resources.New(resources.Config{
		Session:     p.session,
		Workspace:   p.workspace,
		Editors:     p.editors,
		Annotations: p.annotations,
	})
	p.session.AddComponent(p.manager)
	if net != nil {
		net.Attach(p.session)
	}

	ctx := context.Background()
	require.NoError(t, p.session.Start(ctx))
	t.Cleanup(func() { _ = p.session.Stop(ctx) })
	return p
}

func (p *peer) write(t *testing.T, path, content string) {
	t.Helper()
	release := p.session.Suppressor().Suppress()
	defer release()
	require.NoError(t, p.workspace.CreateFile(context.Background(), path, bytes.NewReader([]byte(content)), true))
}

func (p *peer) deliver(t *testing.T, activities ...core.Activity) {
	t.Helper()
	require.NoError(t, p.session.Deliver(context.Background(), activities...))
}

func sentBy(net *memory.Network, id core.ParticipantID) []memory.Message {
	var out []memory.Message
	for _, m := range net.Messages() {
		if m.From == id {
			out = append(out, m)
		}
	}
	return out
}

func TestManager_CreateOnExistingFileIsNoop(t *testing.T) {
	net := memory.NewNetwork(nil)
	defer net.Close()
	newPeer(t, net, "alice", true)
	bob := newPeer(t, net, "bob", false)
	bob.write(t, "foo.txt", "original")

	bob.deliver(t, core.NewFileCreated("alice", "foo.txt", []byte("other")))
	net.Wait()

	assert.Equal(t, map[string][]byte{"foo.txt": []byte("original")}, bob.workspace.Files())
	assert.Empty(t, sentBy(net, "bob"))
}

func TestManager_EndToEndCreate(t *testing.T) {
	net := memory.NewNetwork(nil)
	defer net.Close()
	alice := newPeer(t, net, "alice", true)
	bob := newPeer(t, net, "bob", false)

	require.NoError(t, alice.workspace.CreateFile(context.Background(), "foo.txt", bytes.NewReader([]byte("hello")), false))
	net.Wait()

	got, err := bob.workspace.ReadFile(context.Background(), "foo.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	require.Len(t, sentBy(net, "alice"), 1)
	assert.Empty(t, sentBy(net, "bob"))

	st := bob.manager.State().(resources.ManagerState)
	assert.Equal(t, 1, st.Applied)
	assert.Equal(t, 1, st.Ignored)
	assert.Equal(t, 0, st.Fired)
}

func TestManager_SuppressesEchoOfEveryMutation(t *testing.T) {
	net := memory.NewNetwork(nil)
	defer net.Close()
	bob := newPeer(t, net, "bob", false)
	newPeer(t, net, "alice", true)

	var observedWhileSuppressed, observed int
	unsubscribe := bob.workspace.Subscribe(func(core.Change) {
		observed++
		if bob.session.Suppressor().Active() {
			observedWhileSuppressed++
		}
	})
	defer unsubscribe()

	bob.deliver(t,
		core.NewFileCreated("alice", "a.txt", []byte("a")),
		core.FolderCreatedActivity{Header: core.NewHeader("alice"), Path: "dir"},
		core.NewFileCreated("alice", "dir/b.txt", []byte("b")),
		core.NewFileMoved("alice", "c.txt", "a.txt"),
		core.NewFileRemoved("alice", "dir/b.txt"),
		core.FolderDeletedActivity{Header: core.NewHeader("alice"), Path: "dir"},
	)
	net.Wait()

	assert.Positive(t, observed)
	assert.Equal(t, observed, observedWhileSuppressed)
	assert.False(t, bob.session.Suppressor().Active())
	assert.Empty(t, sentBy(net, "bob"))
	assert.Equal(t, map[string][]byte{"c.txt": []byte("a")}, bob.workspace.Files())
	assert.False(t, bob.workspace.FolderExists("dir"))
}

func TestManager_LocalChangesAreFired(t *testing.T) {
	net := memory.NewNetwork(nil)
	defer net.Close()
	alice := newPeer(t, net, "alice", true)
	bob := newPeer(t, net, "bob", false)
	ctx := context.Background()

	require.NoError(t, alice.workspace.CreateFolder(ctx, "docs", false))
	require.NoError(t, alice.workspace.CreateFile(ctx, "docs/a.md", bytes.NewReader([]byte("# a")), false))
	require.NoError(t, alice.workspace.Move(ctx, "docs/a.md", "docs/b.md"))
	net.Wait()

	assert.Equal(t, map[string][]byte{"docs/b.md": []byte("# a")}, bob.workspace.Files())

	require.NoError(t, alice.workspace.Delete(ctx, "docs"))
	net.Wait()
	assert.Empty(t, bob.workspace.Files())
	assert.False(t, bob.workspace.FolderExists("docs"))
	assert.Empty(t, sentBy(net, "bob"))
}

func TestManager_MovePreservesContentAndEditorState(t *testing.T) {
	bob := newPeer(t, nil, "bob", false)
	bob.write(t, "a.txt", "hello world")
	require.NoError(t, bob.editors.Open("a.txt", true))
	require.NoError(t, bob.editors.Select("a.txt", core.Selection{Offset: 6, Length: 5}))
	bob.annotations.Add("a.txt", memory.Annotation{Source: "alice", Offset: 0, Length: 5})

	bob.deliver(t, core.NewFileMoved("alice", "b.txt", "a.txt"))

	assert.False(t, bob.workspace.FileExists("a.txt"))
	got, err := bob.workspace.ReadFile(context.Background(), "b.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))

	assert.False(t, bob.editors.IsOpen("a.txt"))
	require.True(t, bob.editors.IsOpen("b.txt"))
	st, err := bob.editors.CaptureState("b.txt")
	require.NoError(t, err)
	assert.Equal(t, core.Selection{Offset: 6, Length: 5}, st.Selection)

	assert.Empty(t, bob.annotations.For("a.txt"))
	assert.Len(t, bob.annotations.For("b.txt"), 1)
	assert.Zero(t, bob.transform.Resets("a.txt"))
}

func TestManager_MoveSavesPendingBuffer(t *testing.T) {
	bob := newPeer(t, nil, "bob", false)
	bob.write(t, "a.txt", "hello")
	require.NoError(t, bob.editors.Open("a.txt", true))
	doc, ok := bob.documents.Get("a.txt")
	require.True(t, ok)
	require.NoError(t, doc.Edit(5, " there", ""))

	bob.deliver(t, core.NewFileMoved("alice", "b.txt", "a.txt"))

	got, err := bob.workspace.ReadFile(context.Background(), "b.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello there", string(got))
	assert.True(t, bob.editors.IsOpen("b.txt"))
}

func TestManager_MoveOfMissingFileIsNoop(t *testing.T) {
	bob := newPeer(t, nil, "bob", false)
	bob.write(t, "b.txt", "keep")

	bob.deliver(t, core.NewFileMoved("alice", "b.txt", "a.txt"))
	assert.Equal(t, map[string][]byte{"b.txt": []byte("keep")}, bob.workspace.Files())
}

func TestManager_RemoveClosesEditorAndAnnotations(t *testing.T) {
	bob := newPeer(t, nil, "bob", false)
	bob.write(t, "a.txt", "bye")
	require.NoError(t, bob.editors.Open("a.txt", true))
	bob.annotations.Add("a.txt", memory.Annotation{Source: "alice", Length: 3})

	bob.deliver(t, core.NewFileRemoved("alice", "a.txt"))

	assert.False(t, bob.workspace.FileExists("a.txt"))
	assert.False(t, bob.editors.IsOpen("a.txt"))
	assert.Empty(t, bob.annotations.For("a.txt"))
	_, open := bob.documents.Get("a.txt")
	assert.False(t, open)

	// A second removal is a benign no-op.
	bob.deliver(t, core.NewFileRemoved("alice", "a.txt"))
}

func TestManager_IOFailureIsDroppedAndReleasesSuppression(t *testing.T) {
	bob := newPeer(t, nil, "bob", false)
	bob.workspace.FailOn("a.txt", errors.New("disk full"))

	bob.deliver(t, core.NewFileCreated("alice", "a.txt", []byte("x")))

	assert.False(t, bob.workspace.FileExists("a.txt"))
	assert.False(t, bob.session.Suppressor().Active())
	assert.Equal(t, 1, bob.manager.State().(resources.ManagerState).Dropped)
}

func TestManager_UnknownFileTypeFails(t *testing.T) {
	bob := newPeer(t, nil, "bob", false)

	a := core.NewFileCreated("alice", "a.txt", nil)
	a.Type = "COPIED"
	err := bob.session.Deliver(context.Background(), a)
	assert.ErrorIs(t, err, core.ErrUnsupportedActivity)
}

func TestManager_RecoveryResetsExactlyOnce(t *testing.T) {
	t.Run("successful create", func(t *testing.T) {
		bob := newPeer(t, nil, "bob", false)
		bob.deliver(t, core.NewFileRecovery("alice", "a.txt", core.FileCreated, []byte("fixed")))

		got, err := bob.workspace.ReadFile(context.Background(), "a.txt")
		require.NoError(t, err)
		assert.Equal(t, "fixed", string(got))
		assert.Equal(t, 1, bob.transform.Resets("a.txt"))
	})

	t.Run("failing delete", func(t *testing.T) {
		bob := newPeer(t, nil, "bob", false)
		bob.write(t, "a.txt", "stale")
		bob.workspace.FailOn("a.txt", errors.New("locked"))

		bob.deliver(t, core.NewFileRecovery("alice", "a.txt", core.FileRemoved, nil))

		assert.True(t, bob.workspace.FileExists("a.txt"))
		assert.Equal(t, 1, bob.transform.Resets("a.txt"))
		assert.False(t, bob.session.Suppressor().Active())
	})

	t.Run("unsupported type", func(t *testing.T) {
		bob := newPeer(t, nil, "bob", false)
		bob.write(t, "a.txt", "x")

		bob.deliver(t, core.NewFileRecovery("alice", "a.txt", core.FileMoved, nil))

		assert.True(t, bob.workspace.FileExists("a.txt"))
		assert.Equal(t, 1, bob.transform.Resets("a.txt"))
	})
}

func TestManager_StopUnsubscribes(t *testing.T) {
	net := memory.NewNetwork(nil)
	defer net.Close()
	alice := newPeer(t, net, "alice", true)
	require.True(t, alice.manager.State().(resources.ManagerState).Subscribed)

	require.NoError(t, alice.session.Stop(context.Background()))
	assert.False(t, alice.manager.State().(resources.ManagerState).Subscribed)

	require.NoError(t, alice.workspace.CreateFile(context.Background(), "late.txt", bytes.NewReader(nil), false))
	assert.Empty(t, net.Messages())
}
