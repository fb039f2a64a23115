package core

import "fmt"

// Receiver selects per-variant handlers for Dispatch. A nil field means the
// receiver ignores that variant: Dispatch returns claimed=false without side
// effects.
type Receiver struct {
	File           func(FileActivity) error
	FolderCreated  func(FolderCreatedActivity) error
	FolderDeleted  func(FolderDeletedActivity) error
	TextEdit       func(TextEditActivity) error
	TextSelection  func(TextSelectionActivity) error
	Viewport       func(ViewportActivity) error
	Permission     func(PermissionActivity) error
	StartFollowing func(StartFollowingActivity) error
	StopFollowing  func(StopFollowingActivity) error
	Checksum       func(ChecksumActivity) error
	ChecksumError  func(ChecksumErrorActivity) error
}

// Dispatch calls the one handler matching the runtime variant of a. Pointers
// to variants are dispatched as their values; a nil pointer is unknown.
func (r Receiver) Dispatch(a Activity) (claimed bool, err error) {
	switch v := Deref(a).(type) {
	case FileActivity:
		return call(r.File, v)
	case FolderCreatedActivity:
		return call(r.FolderCreated, v)
	case FolderDeletedActivity:
		return call(r.FolderDeleted, v)
	case TextEditActivity:
		return call(r.TextEdit, v)
	case TextSelectionActivity:
		return call(r.TextSelection, v)
	case ViewportActivity:
		return call(r.Viewport, v)
	case PermissionActivity:
		return call(r.Permission, v)
	case StartFollowingActivity:
		return call(r.StartFollowing, v)
	case StopFollowingActivity:
		return call(r.StopFollowing, v)
	case ChecksumActivity:
		return call(r.Checksum, v)
	case ChecksumErrorActivity:
		return call(r.ChecksumError, v)
	default:
		return false, fmt.Errorf("%w: %T", ErrUnknownActivity, a)
	}
}

func call[T Activity](fn func(T) error, a T) (bool, error) {
	if fn == nil {
		return false, nil
	}
	return true, fn(a)
}

// Deref returns the value form of a pointer variant. Activities are values;
// handlers always receive them by value.
func Deref(a Activity) Activity {
	switch v := a.(type) {
	case *FileActivity:
		return derefOr(v, a)
	case *FolderCreatedActivity:
		return derefOr(v, a)
	case *FolderDeletedActivity:
		return derefOr(v, a)
	case *TextEditActivity:
		return derefOr(v, a)
	case *TextSelectionActivity:
		return derefOr(v, a)
	case *ViewportActivity:
		return derefOr(v, a)
	case *PermissionActivity:
		return derefOr(v, a)
	case *StartFollowingActivity:
		return derefOr(v, a)
	case *StopFollowingActivity:
		return derefOr(v, a)
	case *ChecksumActivity:
		return derefOr(v, a)
	case *ChecksumErrorActivity:
		return derefOr(v, a)
	}
	return a
}

func derefOr[T Activity](p *T, fallback Activity) Activity {
	if p == nil {
		return fallback
	}
	return *p
}
