package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aretw0/cosync/pkg/core"
	"github.com/aretw0/cosync/pkg/session"
)

// Responder answers recovery requests on the host. For every requested path it
// resets the host-side transform state and sends the requester the host's copy
// as recovery file activities, followed by the request itself as the
// completion marker.
type Responder struct {
	session   *session.Session
	workspace core.Workspace
	documents core.Documents
	logger    *slog.Logger

	mu        sync.Mutex
	requests  int
	recovered int
	failed    int
}

// ResponderConfig wires a Responder. Documents is optional.
type ResponderConfig struct {
	Session   *session.Session
	Workspace core.Workspace
	Documents core.Documents
	Logger    *slog.Logger
}

// NewResponder creates a responder. Register it with Session.AddComponent.
func NewResponder(cfg ResponderConfig) *Responder {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Responder{
		session:   cfg.Session,
		workspace: cfg.Workspace,
		documents: cfg.Documents,
		logger:    logger.With("component", "recovery-responder"),
	}
}

// Start registers the responder on host sessions.
func (r *Responder) Start(ctx context.Context) error {
	if !r.session.IsHost() {
		return nil
	}
	return r.session.Owner().Run(ctx, func() error {
		r.session.Bus().AddConsumer(r, session.Active)
		return nil
	})
}

// Stop unregisters the responder.
func (r *Responder) Stop(ctx context.Context) error {
	return r.session.Owner().Run(ctx, func() error {
		r.session.Bus().RemoveConsumer(r)
		return nil
	})
}

// Exec implements core.Consumer.
func (r *Responder) Exec(ctx context.Context, a core.Activity) error {
	_, err := core.Receiver{
		ChecksumError: func(req core.ChecksumErrorActivity) error {
			return r.respond(ctx, req)
		},
	}.Dispatch(a)
	return err
}

func (r *Responder) respond(ctx context.Context, req core.ChecksumErrorActivity) error {
	local := r.session.Local().ID
	r.logger.Info("recovery requested", "from", req.Source, "paths", req.Paths, "recovery", req.RecoveryID)

	var (
		reply []core.Activity
		errs  []error
	)
	for _, p := range req.Paths {
		p = core.CleanPath(p)
		if t := r.session.Transform(); t != nil {
			t.Reset(p)
		}

		content, exists, err := r.snapshot(ctx, p)
		if err != nil {
			errs = append(errs, fmt.Errorf("recover %s: %w", p, err))
			continue
		}

		reply = append(reply, core.NewFileRecovery(local, p, core.FileRemoved, nil))
		if exists {
			reply = append(reply, core.NewFileRecovery(local, p, core.FileCreated, content))
		}
	}

	reply = append(reply, core.ChecksumErrorActivity{
		Header:     core.NewHeader(local),
		Paths:      req.Paths,
		RecoveryID: req.RecoveryID,
	})
	if err := r.session.Send(ctx, []core.ParticipantID{req.Source}, reply...); err != nil {
		errs = append(errs, err)
	}

	r.mu.Lock()
	r.requests++
	r.recovered += len(req.Paths)
	if len(errs) > 0 {
		r.failed++
	}
	r.mu.Unlock()
	return errors.Join(errs...)
}

// snapshot returns the host's authoritative bytes for path: the live document
// when one is open, the workspace file otherwise.
func (r *Responder) snapshot(ctx context.Context, path string) ([]byte, bool, error) {
	if r.documents != nil {
		if doc, ok := r.documents.Document(path); ok {
			return doc.Content(), true, nil
		}
	}
	if !r.workspace.FileExists(path) {
		return nil, false, nil
	}
	content, err := r.workspace.ReadFile(ctx, path)
	if err != nil {
		return nil, false, err
	}
	return content, true, nil
}

// ResponderState exposes the responder's counters for observability.
type ResponderState struct {
	Requests  int `json:"requests"`
	Recovered int `json:"recovered"`
	Failed    int `json:"failed"`
}

// State implements introspection.Introspectable.
func (r *Responder) State() any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return ResponderState{Requests: r.requests, Recovered: r.recovered, Failed: r.failed}
}

// ComponentType implements introspection.Component.
func (r *Responder) ComponentType() string {
	return "recovery-responder"
}
