package memory

import (
	"bytes"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/aretw0/cosync/pkg/core"
)

// Document is a live text buffer. Edits mark it dirty until it is saved.
type Document struct {
	path string

	mu        sync.RWMutex
	content   []byte
	dirty     bool
	observers map[int]func()
	nextObs   int
}

var _ core.Document = (*Document)(nil)

func newDocument(path string, content []byte) *Document {
	return &Document{path: path, content: content, observers: make(map[int]func())}
}

// Path implements core.Document.
func (d *Document) Path() string { return d.path }

// Content implements core.Document.
func (d *Document) Content() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.content)
}

// Dirty reports unsaved changes.
func (d *Document) Dirty() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.dirty
}

// OnChange implements core.Document.
func (d *Document) OnChange(fn func()) (unsubscribe func()) {
	d.mu.Lock()
	id := d.nextObs
	d.nextObs++
	d.observers[id] = fn
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		delete(d.observers, id)
		d.mu.Unlock()
	}
}

// Observers returns the number of registered change observers.
func (d *Document) Observers() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.observers)
}

// Edit replaces the text at offset, which must currently read replaced, with
// text.
func (d *Document) Edit(offset int, text, replaced string) error {
	d.mu.Lock()
	end := offset + len(replaced)
	if offset < 0 || end > len(d.content) {
		d.mu.Unlock()
		return fmt.Errorf("edit [%d,%d) out of range for %s (%d bytes)", offset, end, d.path, len(d.content))
	}
	if !bytes.Equal(d.content[offset:end], []byte(replaced)) {
		d.mu.Unlock()
		return fmt.Errorf("edit of %s at %d: replaced text does not match", d.path, offset)
	}
	next := make([]byte, 0, len(d.content)-len(replaced)+len(text))
	next = append(next, d.content[:offset]...)
	next = append(next, text...)
	next = append(next, d.content[end:]...)
	d.content = next
	d.dirty = true
	d.mu.Unlock()

	d.changed()
	return nil
}

// SetContent replaces the whole buffer.
func (d *Document) SetContent(content []byte) {
	d.mu.Lock()
	d.content = slices.Clone(content)
	d.dirty = true
	d.mu.Unlock()

	d.changed()
}

func (d *Document) changed() {
	d.mu.RLock()
	ids := slices.Sorted(maps.Keys(d.observers))
	fns := make([]func(), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, d.observers[id])
	}
	d.mu.RUnlock()

	for _, fn := range fns {
		fn()
	}
}

// Documents tracks the documents open in the session, loading them from a
// workspace.
type Documents struct {
	workspace core.Workspace

	mu   sync.RWMutex
	docs map[string]*Document
}

var _ core.Documents = (*Documents)(nil)

// NewDocuments creates a document store backed by ws.
func NewDocuments(ws core.Workspace) *Documents {
	return &Documents{workspace: ws, docs: make(map[string]*Document)}
}

// Open returns the document for p, loading it from the workspace on first use.
func (s *Documents) Open(ctx context.Context, p string) (*Document, error) {
	p = core.CleanPath(p)

	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.docs[p]; ok {
		return d, nil
	}
	content, err := s.workspace.ReadFile(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("open document %s: %w", p, err)
	}
	d := newDocument(p, content)
	s.docs[p] = d
	return d, nil
}

// Close forgets the document for p. Unsaved changes are lost.
func (s *Documents) Close(p string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, core.CleanPath(p))
}

// Get returns the open document for p.
func (s *Documents) Get(p string) (*Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.docs[core.CleanPath(p)]
	return d, ok
}

// Document implements core.Documents.
func (s *Documents) Document(p string) (core.Document, bool) {
	d, ok := s.Get(p)
	if !ok {
		return nil, false
	}
	return d, true
}

// OpenDocuments implements core.Documents. It lists the documents opened
// through this store, sorted; opens on remote participants are not tracked.
func (s *Documents) OpenDocuments() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.docs))
}

// Save writes a dirty document back to the workspace.
func (s *Documents) Save(ctx context.Context, p string) error {
	d, ok := s.Get(p)
	if !ok || !d.Dirty() {
		return nil
	}

	content := d.Content()
	if err := s.workspace.CreateFile(ctx, d.path, bytes.NewReader(content), true); err != nil {
		return fmt.Errorf("save document %s: %w", d.path, err)
	}

	d.mu.Lock()
	d.dirty = false
	d.mu.Unlock()
	return nil
}
