package core_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/cosync/pkg/core"
)

type foreignActivity struct{ core.FileActivity }

func TestReceiver_DispatchCallsMatchingHandler(t *testing.T) {
	var files, folders int
	r := core.Receiver{
		File:          func(core.FileActivity) error { files++; return nil },
		FolderCreated: func(core.FolderCreatedActivity) error { folders++; return nil },
	}

	claimed, err := r.Dispatch(core.NewFileCreated("alice", "foo.txt", []byte("hello")))
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = r.Dispatch(core.FolderCreatedActivity{Header: core.NewHeader("alice"), Path: "src"})
	require.NoError(t, err)
	assert.True(t, claimed)

	assert.Equal(t, 1, files)
	assert.Equal(t, 1, folders)
}

func TestReceiver_NilHandlerIsNoop(t *testing.T) {
	r := core.Receiver{}
	claimed, err := r.Dispatch(core.TextSelectionActivity{Header: core.NewHeader("bob"), Path: "a.go"})
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestReceiver_HandlerErrorIsReturned(t *testing.T) {
	boom := errors.New("boom")
	r := core.Receiver{Checksum: func(core.ChecksumActivity) error { return boom }}
	claimed, err := r.Dispatch(core.ChecksumActivity{Path: "a"})
	assert.True(t, claimed)
	assert.ErrorIs(t, err, boom)
}

func TestReceiver_UnknownActivityFails(t *testing.T) {
	r := core.Receiver{File: func(core.FileActivity) error { return nil }}
	_, err := r.Dispatch(foreignActivity{})
	assert.ErrorIs(t, err, core.ErrUnknownActivity)
}

func TestReceiver_PointerVariantsAreDispatchedByValue(t *testing.T) {
	var got core.FileActivity
	r := core.Receiver{File: func(a core.FileActivity) error { got = a; return nil }}

	created := core.NewFileCreated("alice", "foo.txt", []byte("hello"))
	claimed, err := r.Dispatch(&created)
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, created, got)

	claimed, err = r.Dispatch(&core.ChecksumActivity{Path: "a"})
	require.NoError(t, err)
	assert.False(t, claimed)

	var missing *core.FileActivity
	_, err = r.Dispatch(missing)
	assert.ErrorIs(t, err, core.ErrUnknownActivity)
}

func TestFileActivity_Validate(t *testing.T) {
	assert.NoError(t, core.NewFileCreated("a", "x", nil).Validate())
	assert.NoError(t, core.NewFileMoved("a", "new", "old").Validate())

	moved := core.NewFileMoved("a", "new", "")
	assert.ErrorIs(t, moved.Validate(), core.ErrUnsupportedActivity)

	bad := core.FileActivity{Path: "x", Type: "CHANGED"}
	assert.ErrorIs(t, bad.Validate(), core.ErrUnsupportedActivity)

	assert.ErrorIs(t, core.FileActivity{Type: core.FileCreated}.Validate(), core.ErrUnsupportedActivity)
}

func TestNewHeader_IDsAreOrdered(t *testing.T) {
	a := core.NewHeader("alice")
	b := core.NewHeader("alice")
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, core.ParticipantID("alice"), a.Source)
}

func TestCleanPath(t *testing.T) {
	cases := map[string]string{
		"":              "",
		"foo.txt":       "foo.txt",
		"/foo/bar.txt":  "foo/bar.txt",
		"foo//bar/../x": "foo/x",
		`dir\file.go`:   "dir/file.go",
		"../../escape":  "escape",
	}
	for in, want := range cases {
		assert.Equal(t, want, core.CleanPath(in), "input %q", in)
	}
}

func TestChecksumActivity_Missing(t *testing.T) {
	c := core.ChecksumActivity{Path: "a", Length: core.NonExistingDoc, Hash: core.NonExistingDoc}
	assert.True(t, c.Missing())
	assert.Contains(t, c.String(), "vectorTime:none")

	c = core.ChecksumActivity{Path: "a", Length: 3, Hash: 9, Timestamp: &core.Timestamp{Local: 1, Remote: 2}}
	assert.False(t, c.Missing())
	assert.Contains(t, c.String(), "[1,2]")
}
