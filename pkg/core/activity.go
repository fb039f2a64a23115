// Package core holds the replicated activity model and the contracts every
// session component is written against.
//
// An Activity is an immutable description of one replicated operation. The set
// of variants is closed: only the types declared in this package satisfy the
// interface, and consumers pick the variants they care about through a
// Receiver. Activities are passed by value; Receiver and Deref accept pointers
// to variants and hand handlers the value.
package core

import (
	"fmt"
	"path"
	"strings"

	"github.com/oklog/ulid/v2"
)

// ParticipantID identifies a session participant.
type ParticipantID string

// Kind names an activity variant on the wire.
type Kind string

const (
	KindFile           Kind = "file"
	KindFolderCreated  Kind = "folder.created"
	KindFolderDeleted  Kind = "folder.deleted"
	KindTextEdit       Kind = "text.edit"
	KindTextSelection  Kind = "text.selection"
	KindViewport       Kind = "viewport"
	KindPermission     Kind = "permission"
	KindStartFollowing Kind = "following.start"
	KindStopFollowing  Kind = "following.stop"
	KindChecksum       Kind = "checksum"
	KindChecksumError  Kind = "checksum.error"
)

// Header carries the identity shared by every activity.
type Header struct {
	ID     string        `json:"id"`
	Source ParticipantID `json:"source"`
}

// NewHeader stamps a fresh, time-ordered activity ID for source.
func NewHeader(source ParticipantID) Header {
	return Header{ID: ulid.Make().String(), Source: source}
}

// Meta returns the activity header.
func (h Header) Meta() Header { return h }

// Activity is the sum type over all replicated operations.
type Activity interface {
	Meta() Header
	Kind() Kind
	activity()
}

// FileSystemActivity is implemented by the variants that mutate the workspace tree.
type FileSystemActivity interface {
	Activity
	fileSystem()
}

// FileType is the operation carried by a FileActivity.
type FileType string

const (
	FileCreated FileType = "CREATED"
	FileRemoved FileType = "REMOVED"
	FileMoved   FileType = "MOVED"
)

// FileActivity creates, removes or moves a file. Content is only meaningful for
// FileCreated; OldPath only for FileMoved.
type FileActivity struct {
	Header
	Path     string   `json:"path"`
	Type     FileType `json:"type"`
	Content  []byte   `json:"content,omitempty"`
	OldPath  string   `json:"oldPath,omitempty"`
	Recovery bool     `json:"recovery,omitempty"`
}

// NewFileCreated builds a CREATED activity carrying content.
func NewFileCreated(source ParticipantID, p string, content []byte) FileActivity {
	return FileActivity{Header: NewHeader(source), Path: CleanPath(p), Type: FileCreated, Content: content}
}

// NewFileRemoved builds a REMOVED activity.
func NewFileRemoved(source ParticipantID, p string) FileActivity {
	return FileActivity{Header: NewHeader(source), Path: CleanPath(p), Type: FileRemoved}
}

// NewFileMoved builds a MOVED activity from oldPath to newPath.
func NewFileMoved(source ParticipantID, newPath, oldPath string) FileActivity {
	return FileActivity{Header: NewHeader(source), Path: CleanPath(newPath), Type: FileMoved, OldPath: CleanPath(oldPath)}
}

// NewFileRecovery builds a recovery activity. Only FileCreated and FileRemoved
// are honoured by receivers.
func NewFileRecovery(source ParticipantID, p string, t FileType, content []byte) FileActivity {
	return FileActivity{Header: NewHeader(source), Path: CleanPath(p), Type: t, Content: content, Recovery: true}
}

func (FileActivity) Kind() Kind  { return KindFile }
func (FileActivity) activity()   {}
func (FileActivity) fileSystem() {}

// Validate reports structural problems that make the activity unusable.
func (a FileActivity) Validate() error {
	if a.Path == "" {
		return fmt.Errorf("%w: file activity without path", ErrUnsupportedActivity)
	}
	switch a.Type {
	case FileCreated, FileRemoved:
		return nil
	case FileMoved:
		if a.OldPath == "" {
			return fmt.Errorf("%w: move of %s without old path", ErrUnsupportedActivity, a.Path)
		}
		return nil
	default:
		return fmt.Errorf("%w: file activity type %q", ErrUnsupportedActivity, a.Type)
	}
}

func (a FileActivity) String() string {
	if a.Type == FileMoved {
		return fmt.Sprintf("FileActivity(type:%s, old:%s, new:%s, src:%s)", a.Type, a.OldPath, a.Path, a.Source)
	}
	return fmt.Sprintf("FileActivity(type:%s, path:%s, recovery:%t, src:%s)", a.Type, a.Path, a.Recovery, a.Source)
}

// FolderCreatedActivity creates a folder.
type FolderCreatedActivity struct {
	Header
	Path string `json:"path"`
}

func (FolderCreatedActivity) Kind() Kind  { return KindFolderCreated }
func (FolderCreatedActivity) activity()   {}
func (FolderCreatedActivity) fileSystem() {}

// FolderDeletedActivity deletes a folder and everything under it.
type FolderDeletedActivity struct {
	Header
	Path string `json:"path"`
}

func (FolderDeletedActivity) Kind() Kind  { return KindFolderDeleted }
func (FolderDeletedActivity) activity()   {}
func (FolderDeletedActivity) fileSystem() {}

// TextEditActivity replaces Replaced text at Offset with Text. Merging is the
// document transform's job.
type TextEditActivity struct {
	Header
	Path     string `json:"path"`
	Offset   int    `json:"offset"`
	Text     string `json:"text"`
	Replaced string `json:"replaced"`
}

func (TextEditActivity) Kind() Kind { return KindTextEdit }
func (TextEditActivity) activity()  {}

// TextSelectionActivity reports a participant's selection in an editor.
type TextSelectionActivity struct {
	Header
	Path   string `json:"path"`
	Offset int    `json:"offset"`
	Length int    `json:"length"`
}

func (TextSelectionActivity) Kind() Kind { return KindTextSelection }
func (TextSelectionActivity) activity()  {}

// ViewportActivity reports the visible line range of a participant's editor.
type ViewportActivity struct {
	Header
	Path       string `json:"path"`
	TopLine    int    `json:"topLine"`
	BottomLine int    `json:"bottomLine"`
}

func (ViewportActivity) Kind() Kind { return KindViewport }
func (ViewportActivity) activity()  {}

// Permission is a participant's access level.
type Permission string

const (
	WriteAccess    Permission = "write"
	ReadOnlyAccess Permission = "readonly"
)

// PermissionActivity changes the permission of Target.
type PermissionActivity struct {
	Header
	Target     ParticipantID `json:"target"`
	Permission Permission    `json:"permission"`
}

func (PermissionActivity) Kind() Kind { return KindPermission }
func (PermissionActivity) activity()  {}

// StartFollowingActivity announces that Source follows Target.
type StartFollowingActivity struct {
	Header
	Target ParticipantID `json:"target"`
}

func (StartFollowingActivity) Kind() Kind { return KindStartFollowing }
func (StartFollowingActivity) activity()  {}

// StopFollowingActivity announces that Source stopped following.
type StopFollowingActivity struct {
	Header
}

func (StopFollowingActivity) Kind() Kind { return KindStopFollowing }
func (StopFollowingActivity) activity()  {}

// NonExistingDoc is the checksum length and hash of a document the host no
// longer has.
const NonExistingDoc int64 = -1

// Timestamp is the two-dimensional Jupiter vector time of a document.
type Timestamp struct {
	Local  int `json:"local" yaml:"local"`
	Remote int `json:"remote" yaml:"remote"`
}

func (t Timestamp) String() string { return fmt.Sprintf("[%d,%d]", t.Local, t.Remote) }

// Mirror returns the same vector time seen from the other side of the link.
func (t Timestamp) Mirror() Timestamp { return Timestamp{Local: t.Remote, Remote: t.Local} }

// ChecksumActivity carries the host's checksum of one open document.
// Timestamp is nil when the recipient has no write access.
type ChecksumActivity struct {
	Header
	Path      string     `json:"path" yaml:"path"`
	Length    int64      `json:"length" yaml:"length"`
	Hash      int64      `json:"hash" yaml:"hash"`
	Timestamp *Timestamp `json:"timestamp,omitempty" yaml:"timestamp,omitempty"`
}

func (ChecksumActivity) Kind() Kind { return KindChecksum }
func (ChecksumActivity) activity()  {}

// Missing reports whether the checksum marks a document absent on the host.
func (c ChecksumActivity) Missing() bool {
	return c.Length == NonExistingDoc && c.Hash == NonExistingDoc
}

func (c ChecksumActivity) String() string {
	ts := "none"
	if c.Timestamp != nil {
		ts = c.Timestamp.String()
	}
	return fmt.Sprintf("Checksum(path:%s, hash:%d, length:%d, vectorTime:%s)", c.Path, c.Hash, c.Length, ts)
}

// ChecksumErrorActivity asks the host to recover Paths. RecoveryID correlates
// request and reply.
type ChecksumErrorActivity struct {
	Header
	Paths      []string `json:"paths"`
	RecoveryID string   `json:"recoveryId"`
}

func (ChecksumErrorActivity) Kind() Kind { return KindChecksumError }
func (ChecksumErrorActivity) activity()  {}

// CleanPath normalises a workspace-relative path to slash form without a
// leading slash. The empty string stays empty.
func CleanPath(p string) string {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	if p == "" {
		return ""
	}
	p = strings.TrimPrefix(path.Clean("/"+p), "/")
	return p
}
