package memory

import (
	"sync"

	"github.com/aretw0/cosync/pkg/core"
)

// Transform keeps the per-document vector time a concurrency control service
// would maintain. It does not merge edits.
type Transform struct {
	mu     sync.Mutex
	clocks map[string]core.Timestamp
	resets map[string]int
}

var (
	_ core.DocumentTransform = (*Transform)(nil)
	_ core.Clock             = (*Transform)(nil)
)

func NewTransform() *Transform {
	return &Transform{
		clocks: make(map[string]core.Timestamp),
		resets: make(map[string]int),
	}
}

// Generated advances the local component of path's vector time.
func (t *Transform) Generated(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := core.CleanPath(path)
	ts := t.clocks[p]
	ts.Local++
	t.clocks[p] = ts
}

// Received advances the remote component of path's vector time.
func (t *Transform) Received(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := core.CleanPath(path)
	ts := t.clocks[p]
	ts.Remote++
	t.clocks[p] = ts
}

// Timestamp implements core.Clock. Documents without history report the zero
// time.
func (t *Transform) Timestamp(path string) (core.Timestamp, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.clocks[core.CleanPath(path)], true
}

// Reset implements core.DocumentTransform.
func (t *Transform) Reset(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := core.CleanPath(path)
	delete(t.clocks, p)
	t.resets[p]++
}

// Resets reports how often path was reset.
func (t *Transform) Resets(path string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resets[core.CleanPath(path)]
}
