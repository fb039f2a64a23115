// Package watchdog detects divergent document copies. The host-side Server
// periodically sends checksums of the open documents; the guest-side Client
// compares them with its own copies and asks the host for recovery.
package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aretw0/introspection"
	"github.com/cespare/xxhash/v2"

	"github.com/aretw0/cosync/pkg/core"
	"github.com/aretw0/cosync/pkg/session"
)

const (
	DefaultInterval = 10 * time.Second
	DefaultBackoff  = 30 * time.Second
)

// Config wires a Server. Clock is optional; without one writers receive no
// timestamps either.
type Config struct {
	Documents core.Documents
	Clock     core.Clock
	Interval  time.Duration
	Backoff   time.Duration
	Logger    *slog.Logger
}

// Result describes one poll cycle.
type Result struct {
	// Delay until the next cycle.
	Delay time.Duration
	// Stop is set when no session is active and polling should end.
	Stop bool
	// Canceled is set when the sweep was interrupted; nothing was sent.
	Canceled bool
	// Sent is the number of checksums broadcast.
	Sent int
}

// Checksum computes length and hash from a single snapshot of content.
func Checksum(content []byte) (length, hash int64) {
	return int64(len(content)), int64(xxhash.Sum64(content))
}

// trackedDocument is a document instance the server listens to for changes.
type trackedDocument struct {
	doc         core.Document
	unsubscribe func()
}

// Server is the host's consistency watchdog. It is armed when a session in
// which the local participant is host starts and disarmed when it ends.
type Server struct {
	documents core.Documents
	clock     core.Clock
	interval  time.Duration
	backoff   time.Duration
	logger    *slog.Logger

	mu      sync.Mutex
	session *session.Session
	poller  *pollWorker

	// sweep guards everything below; at most one sweep is in flight.
	sweep        sync.Mutex
	checksums    map[string]core.ChecksumActivity
	registered   map[string]trackedDocument
	disconnected bool
	sweeps       int

	dirtyMu sync.Mutex
	dirty   map[string]struct{}
}

var (
	_ session.Listener             = (*Server)(nil)
	_ introspection.Introspectable = (*Server)(nil)
	_ introspection.Component      = (*Server)(nil)
)

// NewServer creates an idle watchdog.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = DefaultBackoff
	}
	return &Server{
		documents:  cfg.Documents,
		clock:      cfg.Clock,
		interval:   interval,
		backoff:    backoff,
		logger:     logger.With("component", "watchdog"),
		checksums:  make(map[string]core.ChecksumActivity),
		registered: make(map[string]trackedDocument),
		dirty:      make(map[string]struct{}),
	}
}

// SessionStarted arms the watchdog when the local participant is host.
func (s *Server) SessionStarted(sess *session.Session) {
	if !sess.IsHost() {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != nil {
		return
	}
	s.session = sess

	s.logger.Debug("starting consistency watchdog", "interval", s.interval)
	s.poller = newPollWorker(s)
	if err := s.poller.Start(context.Background()); err != nil {
		s.logger.Error("failed to start consistency watchdog", "error", err)
		s.poller = nil
	}
}

// SessionEnded disarms the watchdog: it cancels any pending poll, unregisters
// from every document and forgets all checksums and dirty state.
func (s *Server) SessionEnded(*session.Session) {
	s.mu.Lock()
	poller := s.poller
	s.session = nil
	s.poller = nil
	s.mu.Unlock()

	if poller != nil {
		if err := poller.Stop(context.Background()); err != nil {
			s.logger.Warn("consistency watchdog did not stop cleanly", "error", err)
		}
	}

	s.sweep.Lock()
	for _, t := range s.registered {
		t.unsubscribe()
	}
	clear(s.registered)
	clear(s.checksums)
	s.disconnected = false
	s.sweep.Unlock()

	s.dirtyMu.Lock()
	clear(s.dirty)
	s.dirtyMu.Unlock()
}

// Poll runs one watchdog cycle and reports when the next one is due.
func (s *Server) Poll(ctx context.Context) Result {
	s.mu.Lock()
	sess := s.session
	s.mu.Unlock()
	if sess == nil {
		return Result{Stop: true}
	}

	s.sweep.Lock()
	defer s.sweep.Unlock()
	s.sweeps++

	if !sess.Connected() {
		if !s.disconnected {
			s.logger.Info("not connected, postponing consistency check", "retry", s.backoff)
			s.disconnected = true
		}
		return Result{Delay: s.backoff}
	}
	s.disconnected = false

	updated, ok := s.computeChecksums(ctx)
	if !ok {
		return Result{Delay: s.interval, Canceled: true}
	}
	if len(updated) == 0 {
		return Result{Delay: s.interval}
	}

	s.broadcast(ctx, sess, updated)
	return Result{Delay: s.interval, Sent: len(updated)}
}

// computeChecksums sweeps the open documents and returns the checksums of the
// documents changed since the previous sweep. A path whose document was
// replaced by another instance counts as changed. It commits nothing when ctx
// is canceled mid-sweep.
func (s *Server) computeChecksums(ctx context.Context) ([]core.ChecksumActivity, bool) {
	missing := make(map[string]struct{}, len(s.registered))
	for p := range s.registered {
		missing[p] = struct{}{}
	}

	dirty := s.takeDirty()
	var (
		updated  []core.ChecksumActivity
		dropped  []string
		newlySet = make(map[string]trackedDocument)
	)

	for _, p := range s.documents.OpenDocuments() {
		if ctx.Err() != nil {
			for _, t := range newlySet {
				t.unsubscribe()
			}
			s.restoreDirty(dirty)
			return nil, false
		}

		doc, ok := s.documents.Document(p)
		if !ok {
			s.logger.Error("can't get document", "path", p)
			dropped = append(dropped, p)
			continue
		}

		delete(missing, p)
		_, changed := dirty[p]
		if _, ok := newlySet[p]; !ok {
			current, tracked := s.registered[p]
			switch {
			case !tracked:
				newlySet[p] = s.track(p, doc)
			case current.doc != doc:
				s.logger.Debug("document was reopened", "path", p)
				newlySet[p] = s.track(p, doc)
				changed = true
			}
		}

		if !changed {
			continue
		}

		length, hash := Checksum(doc.Content())
		updated = append(updated, core.ChecksumActivity{Path: p, Length: length, Hash: hash})
	}

	for _, p := range dropped {
		delete(s.checksums, p)
	}
	for p, t := range newlySet {
		if old, ok := s.registered[p]; ok {
			old.unsubscribe()
		}
		s.registered[p] = t
	}
	for p := range missing {
		s.registered[p].unsubscribe()
		delete(s.registered, p)
		delete(s.checksums, p)
	}
	for _, c := range updated {
		s.checksums[c.Path] = c
	}
	return updated, true
}

func (s *Server) track(p string, doc core.Document) trackedDocument {
	return trackedDocument{doc: doc, unsubscribe: doc.OnChange(func() { s.markDirty(p) })}
}

// broadcast sends the checksums to every remote participant, one message per
// permission class. Writers get the document vector time, read-only
// participants get none.
func (s *Server) broadcast(ctx context.Context, sess *session.Session, checksums []core.ChecksumActivity) {
	var writers, readers []core.ParticipantID
	for _, p := range sess.Remotes() {
		if p.HasWriteAccess() {
			writers = append(writers, p.ID)
		} else {
			readers = append(readers, p.ID)
		}
	}

	local := sess.Local().ID
	send := func(to []core.ParticipantID, withTime bool) {
		if len(to) == 0 {
			return
		}
		batch := make([]core.Activity, 0, len(checksums))
		for _, c := range checksums {
			c.Header = core.NewHeader(local)
			if withTime && s.clock != nil {
				if ts, ok := s.clock.Timestamp(c.Path); ok {
					c.Timestamp = &ts
				}
			}
			batch = append(batch, c)
		}
		if err := sess.Send(ctx, to, batch...); err != nil {
			s.logger.Warn("failed to send checksums", "to", to, "error", err)
		}
	}

	send(writers, true)
	send(readers, false)
}

func (s *Server) markDirty(p string) {
	s.dirtyMu.Lock()
	defer s.dirtyMu.Unlock()
	s.dirty[p] = struct{}{}
}

func (s *Server) takeDirty() map[string]struct{} {
	s.dirtyMu.Lock()
	defer s.dirtyMu.Unlock()
	taken := s.dirty
	s.dirty = make(map[string]struct{})
	return taken
}

func (s *Server) restoreDirty(taken map[string]struct{}) {
	s.dirtyMu.Lock()
	defer s.dirtyMu.Unlock()
	for p := range taken {
		s.dirty[p] = struct{}{}
	}
}

// Checksums returns the last computed checksum of every tracked document.
func (s *Server) Checksums() map[string]core.ChecksumActivity {
	s.sweep.Lock()
	defer s.sweep.Unlock()
	out := make(map[string]core.ChecksumActivity, len(s.checksums))
	for p, c := range s.checksums {
		out[p] = c
	}
	return out
}

// ServerState exposes the watchdog's bookkeeping for observability.
type ServerState struct {
	Armed        bool   `json:"armed"`
	Poller       string `json:"poller,omitempty"`
	Tracked      int    `json:"tracked_documents"`
	Checksums    int    `json:"checksums"`
	Dirty        int    `json:"dirty_documents"`
	Disconnected bool   `json:"disconnected"`
	Sweeps       int    `json:"sweeps"`
}

// State implements introspection.Introspectable.
func (s *Server) State() any {
	s.mu.Lock()
	st := ServerState{Armed: s.session != nil}
	if s.poller != nil {
		st.Poller = fmt.Sprint(s.poller.State().Status)
	}
	s.mu.Unlock()

	s.sweep.Lock()
	st.Tracked = len(s.registered)
	st.Checksums = len(s.checksums)
	st.Disconnected = s.disconnected
	st.Sweeps = s.sweeps
	s.sweep.Unlock()

	s.dirtyMu.Lock()
	st.Dirty = len(s.dirty)
	s.dirtyMu.Unlock()
	return st
}

// ComponentType implements introspection.Component.
func (s *Server) ComponentType() string {
	return "consistency-watchdog"
}
