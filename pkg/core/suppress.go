package core

import (
	"sync"
	"sync/atomic"
)

// Suppressor is the shared flag telling local change observers that the
// workspace is being mutated on behalf of a received activity. It counts
// guards, so nested guards keep it active until the outermost one is released.
type Suppressor struct {
	depth atomic.Int32
}

// Suppress activates the flag and returns its release func. Release is
// idempotent; callers defer it right after acquiring.
func (s *Suppressor) Suppress() (release func()) {
	s.depth.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() { s.depth.Add(-1) })
	}
}

// Active reports whether any guard is held.
func (s *Suppressor) Active() bool {
	return s.depth.Load() > 0
}
