package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/aretw0/cosync/pkg/core"
)

// Editors is a headless editor session. An editor shows one document from
// Documents; closing an editor keeps a dirty buffer until it is saved.
type Editors struct {
	docs *Documents

	mu     sync.RWMutex
	open   map[string]core.EditorState
	active string
}

var _ core.Editors = (*Editors)(nil)

// NewEditors creates an editor session over docs.
func NewEditors(docs *Documents) *Editors {
	return &Editors{docs: docs, open: make(map[string]core.EditorState)}
}

// IsOpen implements core.Editors.
func (e *Editors) IsOpen(p string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.open[core.CleanPath(p)]
	return ok
}

// Open implements core.Editors.
func (e *Editors) Open(p string, activate bool) error {
	p = core.CleanPath(p)
	if _, err := e.docs.Open(context.Background(), p); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.open[p]; !ok {
		e.open[p] = core.EditorState{Path: p}
	}
	if activate || e.active == "" {
		e.active = p
	}
	return nil
}

// Close implements core.Editors.
func (e *Editors) Close(p string) {
	p = core.CleanPath(p)

	e.mu.Lock()
	delete(e.open, p)
	if e.active == p {
		e.active = ""
	}
	e.mu.Unlock()

	if d, ok := e.docs.Get(p); ok && !d.Dirty() {
		e.docs.Close(p)
	}
}

// SaveIfDirty implements core.Editors. A buffer whose editor is already
// closed is released after saving.
func (e *Editors) SaveIfDirty(ctx context.Context, p string) error {
	p = core.CleanPath(p)
	if err := e.docs.Save(ctx, p); err != nil {
		return err
	}
	if !e.IsOpen(p) {
		e.docs.Close(p)
	}
	return nil
}

// Active returns the path of the active editor.
func (e *Editors) Active() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.active
}

// OpenEditors returns the paths of every open editor, sorted.
func (e *Editors) OpenEditors() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Sorted(maps.Keys(e.open))
}

// Select sets the selection of an open editor.
func (e *Editors) Select(p string, sel core.Selection) error {
	p = core.CleanPath(p)
	st, err := e.CaptureState(p)
	if err != nil {
		return err
	}
	st.Selection = sel
	return e.ApplyState(p, st)
}

// CaptureState implements core.Editors.
func (e *Editors) CaptureState(p string) (core.EditorState, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.open[core.CleanPath(p)]
	if !ok {
		return core.EditorState{}, fmt.Errorf("%w: no editor for %s", core.ErrNotFound, p)
	}
	return st, nil
}

// ApplyState implements core.Editors. The selection must fit the document.
func (e *Editors) ApplyState(p string, st core.EditorState) error {
	p = core.CleanPath(p)
	d, ok := e.docs.Get(p)
	if !ok {
		return fmt.Errorf("%w: no document for %s", core.ErrNotFound, p)
	}
	size := len(d.Content())
	if st.Selection.Offset < 0 || st.Selection.Length < 0 || st.Selection.Offset+st.Selection.Length > size {
		return fmt.Errorf("selection %d+%d out of range for %s (%d bytes)", st.Selection.Offset, st.Selection.Length, p, size)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.open[p]; !ok {
		return fmt.Errorf("%w: no editor for %s", core.ErrNotFound, p)
	}
	st.Path = p
	e.open[p] = st
	return nil
}
