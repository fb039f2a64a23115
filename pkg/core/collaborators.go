package core

import (
	"context"
	"fmt"
	"io"
)

// Workspace is the local file tree a session replicates. Paths are
// workspace-relative slash paths (see CleanPath). Existence checks must reflect
// the tree at call time.
type Workspace interface {
	FileExists(path string) bool
	FolderExists(path string) bool

	// CreateFile writes content to a new file. Without force an existing file
	// is an ErrExists error.
	CreateFile(ctx context.Context, path string, content io.Reader, force bool) error

	// CreateFolder creates a folder. Without force an existing folder is an
	// ErrExists error.
	CreateFolder(ctx context.Context, path string, force bool) error

	// Delete removes a file, or a folder with everything below it.
	Delete(ctx context.Context, path string) error

	ReadFile(ctx context.Context, path string) ([]byte, error)
}

// ChangeOp is the kind of a workspace change notification.
type ChangeOp string

const (
	ChangeCreated ChangeOp = "created"
	ChangeRemoved ChangeOp = "removed"
	ChangeMoved   ChangeOp = "moved"
)

// Change is a structural workspace change observed locally.
type Change struct {
	Op      ChangeOp
	Path    string
	OldPath string
	Folder  bool
}

func (c Change) String() string {
	kind := "file"
	if c.Folder {
		kind = "folder"
	}
	if c.Op == ChangeMoved {
		return fmt.Sprintf("%s %s %s -> %s", kind, c.Op, c.OldPath, c.Path)
	}
	return fmt.Sprintf("%s %s %s", kind, c.Op, c.Path)
}

// Watchable is implemented by workspaces that report their structural changes.
// Handlers run synchronously on the goroutine that made or observed the change.
type Watchable interface {
	Subscribe(fn func(Change)) (unsubscribe func())
}

// Selection is an editor selection.
type Selection struct {
	Offset int
	Length int
}

// EditorState is the view state of an editor worth keeping across a
// close/reopen cycle.
type EditorState struct {
	Path       string
	Selection  Selection
	TopLine    int
	BottomLine int
}

// Editors is the local editor session.
type Editors interface {
	IsOpen(path string) bool
	Open(path string, activate bool) error
	Close(path string)

	// SaveIfDirty writes a pending editor buffer to the workspace.
	SaveIfDirty(ctx context.Context, path string) error

	CaptureState(path string) (EditorState, error)
	ApplyState(path string, state EditorState) error
}

// Annotations keeps secondary markers (contributions, remote selections) keyed
// by path.
type Annotations interface {
	Relocate(oldPath, newPath string)
	RemoveAll(path string)
}

// DocumentTransform is the concurrency control service merging concurrent
// text edits. The core only ever resets it.
type DocumentTransform interface {
	// Reset drops the vector time and history kept for path.
	Reset(path string)
}

// Clock exposes the current vector time of documents managed by the
// document transform.
type Clock interface {
	Timestamp(path string) (Timestamp, bool)
}

// Document is a live, open document.
type Document interface {
	Path() string

	// Content returns a snapshot of the current text.
	Content() []byte

	// OnChange registers fn to run after every content change.
	OnChange(fn func()) (unsubscribe func())
}

// Documents resolves the live documents of the local participant. The
// watchdog checks exactly the documents listed here, so an implementation that
// should cover documents opened by remote participants must list them too.
type Documents interface {
	OpenDocuments() []string
	Document(path string) (Document, bool)
}

// Transport moves activities between participants. A nil or empty to slice
// addresses every other participant. All activities of one call travel as a
// single message.
type Transport interface {
	Send(ctx context.Context, to []ParticipantID, activities ...Activity) error
	Connected() bool
}
