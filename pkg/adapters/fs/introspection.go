package fs

import (
	"slices"

	"github.com/aretw0/introspection"
)

// WorkspaceState exposes internal state for observability.
type WorkspaceState struct {
	Root          string   `json:"root"`
	Ignore        []string `json:"ignore"`
	WatcherActive bool     `json:"watcher_active"`
	Notified      int      `json:"notified"`
	Echoes        int      `json:"echoes"`
	PendingEchoes int      `json:"pending_echoes"`
}

// State implements introspection.Introspectable.
func (w *Workspace) State() any {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return WorkspaceState{
		Root:          w.root,
		Ignore:        slices.Clone(w.ignore),
		WatcherActive: w.watcherActive,
		Notified:      w.notified,
		Echoes:        w.echoes,
		PendingEchoes: len(w.recent),
	}
}

// ComponentType implements introspection.Component.
func (w *Workspace) ComponentType() string {
	return "fs-workspace"
}

var _ introspection.Introspectable = (*Workspace)(nil)
var _ introspection.Component = (*Workspace)(nil)
