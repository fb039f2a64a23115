// Package memory provides in-process implementations of the collaborators a
// session works against: workspace, documents, editors, annotations, document
// transform and a loopback network. Headless participants and tests use them.
package memory

import (
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/aretw0/cosync/pkg/core"
)

// Workspace is an in-memory file tree. Structural changes are reported to
// subscribers synchronously, on the goroutine that made them.
type Workspace struct {
	mu       sync.RWMutex
	files    map[string][]byte
	folders  map[string]struct{}
	failures map[string]error

	subMu       sync.RWMutex
	subscribers map[int]func(core.Change)
	nextSub     int
}

var (
	_ core.Workspace = (*Workspace)(nil)
	_ core.Watchable = (*Workspace)(nil)
)

// NewWorkspace returns an empty workspace.
func NewWorkspace() *Workspace {
	return &Workspace{
		files:       make(map[string][]byte),
		folders:     make(map[string]struct{}),
		failures:    make(map[string]error),
		subscribers: make(map[int]func(core.Change)),
	}
}

// FileExists implements core.Workspace.
func (w *Workspace) FileExists(p string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.files[core.CleanPath(p)]
	return ok
}

// FolderExists implements core.Workspace. Ancestors of files and folders
// exist implicitly.
func (w *Workspace) FolderExists(p string) bool {
	p = core.CleanPath(p)
	if p == "" {
		return true
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	if _, ok := w.folders[p]; ok {
		return true
	}
	for f := range w.files {
		if strings.HasPrefix(f, p+"/") {
			return true
		}
	}
	for f := range w.folders {
		if strings.HasPrefix(f, p+"/") {
			return true
		}
	}
	return false
}

// CreateFile implements core.Workspace.
func (w *Workspace) CreateFile(_ context.Context, p string, content io.Reader, force bool) error {
	p = core.CleanPath(p)
	data, err := io.ReadAll(content)
	if err != nil {
		return fmt.Errorf("read content for %s: %w", p, err)
	}

	w.mu.Lock()
	if err := w.failures[p]; err != nil {
		w.mu.Unlock()
		return err
	}
	_, existed := w.files[p]
	if existed && !force {
		w.mu.Unlock()
		return fmt.Errorf("%w: %s", core.ErrExists, p)
	}
	w.files[p] = data
	w.mu.Unlock()

	if !existed {
		w.notify(core.Change{Op: core.ChangeCreated, Path: p})
	}
	return nil
}

// CreateFolder implements core.Workspace.
func (w *Workspace) CreateFolder(_ context.Context, p string, force bool) error {
	p = core.CleanPath(p)
	if w.FolderExists(p) {
		if force {
			return nil
		}
		return fmt.Errorf("%w: %s", core.ErrExists, p)
	}

	w.mu.Lock()
	if err := w.failures[p]; err != nil {
		w.mu.Unlock()
		return err
	}
	w.folders[p] = struct{}{}
	w.mu.Unlock()

	w.notify(core.Change{Op: core.ChangeCreated, Path: p, Folder: true})
	return nil
}

// Delete implements core.Workspace.
func (w *Workspace) Delete(_ context.Context, p string) error {
	p = core.CleanPath(p)

	w.mu.Lock()
	if err := w.failures[p]; err != nil {
		w.mu.Unlock()
		return err
	}
	if _, ok := w.files[p]; ok {
		delete(w.files, p)
		w.mu.Unlock()
		w.notify(core.Change{Op: core.ChangeRemoved, Path: p})
		return nil
	}

	found := false
	if _, ok := w.folders[p]; ok {
		found = true
	}
	prefix := p + "/"
	for f := range w.files {
		if strings.HasPrefix(f, prefix) {
			delete(w.files, f)
			found = true
		}
	}
	for f := range w.folders {
		if f == p || strings.HasPrefix(f, prefix) {
			delete(w.folders, f)
			found = true
		}
	}
	w.mu.Unlock()

	if !found {
		return fmt.Errorf("%w: %s", core.ErrNotFound, p)
	}
	w.notify(core.Change{Op: core.ChangeRemoved, Path: p, Folder: true})
	return nil
}

// ReadFile implements core.Workspace.
func (w *Workspace) ReadFile(_ context.Context, p string) ([]byte, error) {
	p = core.CleanPath(p)
	w.mu.RLock()
	defer w.mu.RUnlock()
	data, ok := w.files[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrNotFound, p)
	}
	return slices.Clone(data), nil
}

// Move renames a file, reporting a single moved change.
func (w *Workspace) Move(_ context.Context, oldPath, newPath string) error {
	oldPath, newPath = core.CleanPath(oldPath), core.CleanPath(newPath)

	w.mu.Lock()
	data, ok := w.files[oldPath]
	if !ok {
		w.mu.Unlock()
		return fmt.Errorf("%w: %s", core.ErrNotFound, oldPath)
	}
	if _, exists := w.files[newPath]; exists {
		w.mu.Unlock()
		return fmt.Errorf("%w: %s", core.ErrExists, newPath)
	}
	delete(w.files, oldPath)
	w.files[newPath] = data
	w.mu.Unlock()

	w.notify(core.Change{Op: core.ChangeMoved, Path: newPath, OldPath: oldPath})
	return nil
}

// Files returns a copy of every file keyed by path.
func (w *Workspace) Files() map[string][]byte {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := maps.Clone(w.files)
	for k, v := range out {
		out[k] = slices.Clone(v)
	}
	return out
}

// FailOn makes every mutation of p fail with err until cleared with a nil err.
func (w *Workspace) FailOn(p string, err error) {
	p = core.CleanPath(p)
	w.mu.Lock()
	defer w.mu.Unlock()
	if err == nil {
		delete(w.failures, p)
		return
	}
	w.failures[p] = err
}

// Subscribe implements core.Watchable.
func (w *Workspace) Subscribe(fn func(core.Change)) (unsubscribe func()) {
	w.subMu.Lock()
	id := w.nextSub
	w.nextSub++
	w.subscribers[id] = fn
	w.subMu.Unlock()

	return func() {
		w.subMu.Lock()
		delete(w.subscribers, id)
		w.subMu.Unlock()
	}
}

func (w *Workspace) notify(c core.Change) {
	w.subMu.RLock()
	ids := slices.Sorted(maps.Keys(w.subscribers))
	fns := make([]func(core.Change), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, w.subscribers[id])
	}
	w.subMu.RUnlock()

	for _, fn := range fns {
		fn(c)
	}
}
