package memory

import (
	"slices"
	"sync"

	"github.com/aretw0/cosync/pkg/core"
)

// Annotation marks a range of a document, such as a remote contribution.
type Annotation struct {
	Source core.ParticipantID
	Offset int
	Length int
}

// Annotations keeps annotations keyed by path.
type Annotations struct {
	mu     sync.RWMutex
	byPath map[string][]Annotation
}

var _ core.Annotations = (*Annotations)(nil)

func NewAnnotations() *Annotations {
	return &Annotations{byPath: make(map[string][]Annotation)}
}

// Add annotates p.
func (a *Annotations) Add(p string, ann Annotation) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p = core.CleanPath(p)
	a.byPath[p] = append(a.byPath[p], ann)
}

// For returns the annotations of p.
func (a *Annotations) For(p string) []Annotation {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return slices.Clone(a.byPath[core.CleanPath(p)])
}

// Relocate implements core.Annotations.
func (a *Annotations) Relocate(oldPath, newPath string) {
	oldPath, newPath = core.CleanPath(oldPath), core.CleanPath(newPath)
	a.mu.Lock()
	defer a.mu.Unlock()
	anns, ok := a.byPath[oldPath]
	if !ok {
		return
	}
	delete(a.byPath, oldPath)
	a.byPath[newPath] = append(a.byPath[newPath], anns...)
}

// RemoveAll implements core.Annotations.
func (a *Annotations) RemoveAll(p string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.byPath, core.CleanPath(p))
}
