// Package resources replicates workspace structure: it applies received file
// and folder activities to the local workspace and turns local structural
// changes into activities.
package resources

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aretw0/cosync/pkg/core"
	"github.com/aretw0/cosync/pkg/recovery"
	"github.com/aretw0/cosync/pkg/session"
)

// Config wires a Manager. Editors and Annotations are optional. A nil
// Coordinator is replaced by one resetting the session's document transform.
type Config struct {
	Session     *session.Session
	Workspace   core.Workspace
	Editors     core.Editors
	Annotations core.Annotations
	Coordinator *recovery.Coordinator
	Logger      *slog.Logger
}

// Manager is the file-system activity applier and the local change producer of
// a session. Every mutation it makes on behalf of a received activity runs
// inside a suppression bracket so the resulting local change is not sent back.
type Manager struct {
	core.BaseProducer

	session     *session.Session
	workspace   core.Workspace
	editors     core.Editors
	annotations core.Annotations
	coordinator *recovery.Coordinator
	suppressor  *core.Suppressor
	logger      *slog.Logger

	mu          sync.Mutex
	unsubscribe func()
	applied     int
	dropped     int
	fired       int
	ignored     int
}

var _ recovery.Applier = (*Manager)(nil)

// New creates a manager. Register it with Session.AddComponent.
func New(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	coordinator := cfg.Coordinator
	if coordinator == nil {
		coordinator = recovery.NewCoordinator(cfg.Session.Transform(), logger)
	}
	return &Manager{
		session:     cfg.Session,
		workspace:   cfg.Workspace,
		editors:     cfg.Editors,
		annotations: cfg.Annotations,
		coordinator: coordinator,
		suppressor:  cfg.Session.Suppressor(),
		logger:      logger.With("component", "resources"),
	}
}

// Start registers the manager on the session bus and subscribes to the
// workspace change feed when the workspace offers one.
func (m *Manager) Start(ctx context.Context) error {
	return m.session.Owner().Run(ctx, func() error {
		m.session.Bus().AddProducer(m)
		m.session.Bus().AddConsumer(m, session.Active)

		if w, ok := m.workspace.(core.Watchable); ok {
			m.mu.Lock()
			if m.unsubscribe == nil {
				m.unsubscribe = w.Subscribe(func(c core.Change) { m.FireLocal(context.Background(), c) })
			}
			m.mu.Unlock()
		}
		return nil
	})
}

// Stop unsubscribes from the workspace and leaves the bus.
func (m *Manager) Stop(ctx context.Context) error {
	return m.session.Owner().Run(ctx, func() error {
		m.mu.Lock()
		if m.unsubscribe != nil {
			m.unsubscribe()
			m.unsubscribe = nil
		}
		m.mu.Unlock()

		m.session.Bus().RemoveProducer(m)
		m.session.Bus().RemoveConsumer(m)
		return nil
	})
}

// FireLocal turns a locally observed change into an activity for the other
// participants. Changes observed while a received activity is being applied
// are dropped.
func (m *Manager) FireLocal(ctx context.Context, c core.Change) {
	if m.suppressor.Active() {
		m.logger.Debug("mutation in progress, ignoring local change", "op", c.Op, "path", c.Path)
		m.count(&m.ignored)
		return
	}

	a, err := m.activityFor(ctx, c)
	if err != nil {
		m.logger.Error("failed to build activity for local change", "op", c.Op, "path", c.Path, "error", err)
		return
	}
	m.count(&m.fired)
	m.FireActivity(a)
}

func (m *Manager) activityFor(ctx context.Context, c core.Change) (core.Activity, error) {
	local := m.session.Local().ID
	p := core.CleanPath(c.Path)

	switch {
	case c.Folder && c.Op == core.ChangeCreated:
		return core.FolderCreatedActivity{Header: core.NewHeader(local), Path: p}, nil
	case c.Folder && c.Op == core.ChangeRemoved:
		return core.FolderDeletedActivity{Header: core.NewHeader(local), Path: p}, nil
	case c.Folder:
		return nil, fmt.Errorf("%w: folder change %q", core.ErrUnsupportedActivity, c.Op)
	}

	switch c.Op {
	case core.ChangeCreated:
		content, err := m.workspace.ReadFile(ctx, p)
		if err != nil {
			return nil, err
		}
		return core.NewFileCreated(local, p, content), nil
	case core.ChangeRemoved:
		return core.NewFileRemoved(local, p), nil
	case core.ChangeMoved:
		return core.NewFileMoved(local, p, c.OldPath), nil
	default:
		return nil, fmt.Errorf("%w: file change %q", core.ErrUnsupportedActivity, c.Op)
	}
}

// Exec implements core.Consumer. File-system I/O failures are logged and the
// activity is dropped; a file activity of unknown type is returned as an error.
func (m *Manager) Exec(ctx context.Context, a core.Activity) error {
	claimed, err := core.Receiver{
		File:          func(fa core.FileActivity) error { return m.applyFile(ctx, fa) },
		FolderCreated: func(fa core.FolderCreatedActivity) error { return m.createFolder(ctx, fa) },
		FolderDeleted: func(fa core.FolderDeletedActivity) error { return m.deleteFolder(ctx, fa) },
	}.Dispatch(a)
	if !claimed {
		return err
	}

	m.logger.Debug("executed activity", "kind", a.Kind(), "id", a.Meta().ID)
	m.count(&m.applied)
	return err
}

func (m *Manager) applyFile(ctx context.Context, a core.FileActivity) error {
	if a.Recovery {
		return m.dropOnIOError("recover", a.Path, m.coordinator.Recover(ctx, a, m))
	}
	if err := a.Validate(); err != nil {
		return err
	}

	switch a.Type {
	case core.FileCreated:
		return m.dropOnIOError("create", a.Path, m.CreateFile(ctx, a))
	case core.FileRemoved:
		return m.dropOnIOError("delete", a.Path, m.RemoveFile(ctx, a))
	case core.FileMoved:
		return m.dropOnIOError("move", a.Path, m.moveFile(ctx, a))
	default:
		return fmt.Errorf("%w: file activity type %q", core.ErrUnsupportedActivity, a.Type)
	}
}

// CreateFile creates a.Path with a.Content. An existing target is left alone.
func (m *Manager) CreateFile(ctx context.Context, a core.FileActivity) error {
	if m.workspace.FileExists(a.Path) {
		m.logger.Warn("could not create file, it already exists", "path", a.Path)
		return nil
	}

	release := m.suppressor.Suppress()
	defer release()

	return m.workspace.CreateFile(ctx, a.Path, bytes.NewReader(a.Content), false)
}

// RemoveFile deletes a.Path, closing its editor and saving any pending buffer
// first. Annotations on the path are removed afterwards.
func (m *Manager) RemoveFile(ctx context.Context, a core.FileActivity) error {
	if !m.workspace.FileExists(a.Path) {
		m.logger.Warn("could not delete file, it does not exist", "path", a.Path)
		return nil
	}

	if m.editors != nil && m.editors.IsOpen(a.Path) {
		m.editors.Close(a.Path)
	}

	if err := m.withSuppression(func() error {
		if err := m.save(ctx, a.Path); err != nil {
			return err
		}
		return m.workspace.Delete(ctx, a.Path)
	}); err != nil {
		return err
	}

	if m.annotations != nil {
		m.annotations.RemoveAll(a.Path)
	}
	return nil
}

// moveFile recreates OldPath at Path, carrying over an open editor and its
// view state. The transform state of OldPath is not reset.
func (m *Manager) moveFile(ctx context.Context, a core.FileActivity) error {
	oldPath, newPath := a.OldPath, a.Path
	if !m.workspace.FileExists(oldPath) {
		m.logger.Warn("could not move file, it does not exist", "old", oldPath, "new", newPath)
		return nil
	}

	var (
		wasOpen bool
		state   core.EditorState
	)
	if m.editors != nil && m.editors.IsOpen(oldPath) {
		wasOpen = true
		captured, err := m.editors.CaptureState(oldPath)
		if err != nil {
			m.logger.Warn("failed to capture editor state", "path", oldPath, "error", err)
		}
		state = captured
		m.editors.Close(oldPath)
	}

	if m.annotations != nil {
		m.annotations.Relocate(oldPath, newPath)
	}

	return m.withSuppression(func() error {
		if err := m.save(ctx, oldPath); err != nil {
			return err
		}
		content, err := m.workspace.ReadFile(ctx, oldPath)
		if err != nil {
			return err
		}
		if err := m.workspace.CreateFile(ctx, newPath, bytes.NewReader(content), false); err != nil {
			return err
		}

		if wasOpen {
			m.reopen(newPath, state)
		}

		return m.workspace.Delete(ctx, oldPath)
	})
}

func (m *Manager) reopen(p string, state core.EditorState) {
	if err := m.editors.Open(p, false); err != nil {
		m.logger.Warn("failed to reopen moved file", "path", p, "error", err)
		return
	}
	state.Path = p
	if err := m.editors.ApplyState(p, state); err != nil {
		m.logger.Warn("failed to update the captured editor state", "path", p, "error", err)
	}
}

func (m *Manager) createFolder(ctx context.Context, a core.FolderCreatedActivity) error {
	p := core.CleanPath(a.Path)
	if m.workspace.FolderExists(p) {
		m.logger.Warn("could not create folder, it already exists", "path", p)
		return nil
	}
	return m.dropOnIOError("create folder", p, m.withSuppression(func() error {
		return m.workspace.CreateFolder(ctx, p, false)
	}))
}

// deleteFolder removes the folder and everything below it. Children are not
// checked against the shared scope.
func (m *Manager) deleteFolder(ctx context.Context, a core.FolderDeletedActivity) error {
	p := core.CleanPath(a.Path)
	if !m.workspace.FolderExists(p) {
		m.logger.Warn("could not delete folder, it does not exist", "path", p)
		return nil
	}
	return m.dropOnIOError("delete folder", p, m.withSuppression(func() error {
		return m.workspace.Delete(ctx, p)
	}))
}

// withSuppression runs fn inside a suppression bracket. The guard is released on
// every exit path, panics included.
func (m *Manager) withSuppression(fn func() error) error {
	release := m.suppressor.Suppress()
	defer release()
	return fn()
}

func (m *Manager) save(ctx context.Context, p string) error {
	if m.editors == nil {
		return nil
	}
	return m.editors.SaveIfDirty(ctx, p)
}

// dropOnIOError logs err with the failed operation and swallows it, dropping
// the activity. Protocol errors are passed through.
func (m *Manager) dropOnIOError(op, p string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, core.ErrUnsupportedActivity) || errors.Is(err, core.ErrUnknownActivity) {
		return err
	}
	m.logger.Error("failed to execute activity", "op", op, "path", p, "error", err)
	m.count(&m.dropped)
	return nil
}

func (m *Manager) count(n *int) {
	m.mu.Lock()
	*n++
	m.mu.Unlock()
}

// ManagerState exposes the manager's counters for observability.
type ManagerState struct {
	Subscribed bool `json:"subscribed"`
	Applied    int  `json:"applied"`
	Dropped    int  `json:"dropped"`
	Fired      int  `json:"fired"`
	Ignored    int  `json:"ignored"`
}

// State implements introspection.Introspectable.
func (m *Manager) State() any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ManagerState{
		Subscribed: m.unsubscribe != nil,
		Applied:    m.applied,
		Dropped:    m.dropped,
		Fired:      m.fired,
		Ignored:    m.ignored,
	}
}

// ComponentType implements introspection.Component.
func (m *Manager) ComponentType() string {
	return "resources"
}
