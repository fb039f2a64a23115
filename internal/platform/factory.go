package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aretw0/introspection"

	"github.com/aretw0/cosync/internal/config"
	"github.com/aretw0/cosync/pkg/adapters/fs"
	"github.com/aretw0/cosync/pkg/adapters/memory"
	"github.com/aretw0/cosync/pkg/adapters/redis"
	"github.com/aretw0/cosync/pkg/adapters/ws"
	"github.com/aretw0/cosync/pkg/core"
	"github.com/aretw0/cosync/pkg/recovery"
	"github.com/aretw0/cosync/pkg/resources"
	"github.com/aretw0/cosync/pkg/session"
	"github.com/aretw0/cosync/pkg/watchdog"
)

// Instance is one participant's fully wired session: a workspace, headless
// editors over in-memory documents, a transport and the replication
// components matching the participant's role.
type Instance struct {
	Session     *session.Session
	Workspace   core.Workspace
	Documents   *memory.Documents
	Editors     *memory.Editors
	Annotations *memory.Annotations
	Transform   *memory.Transform
	Follow      *session.Follow
	Resources   *resources.Manager

	// Host only.
	Watchdog  *watchdog.Server
	Responder *recovery.Responder

	// Guests only.
	Checksums *watchdog.Client

	components []introspection.Component
	closers    []func() error
}

// New wires an instance over the directory at root. root is ignored when
// WithWorkspace injects a workspace.
func New(root string, opts ...Option) (*Instance, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	inst := &Instance{}

	var watched *fs.Workspace
	workspace := o.workspace
	if workspace == nil {
		disk, err := fs.New(fs.Config{Root: root, Ignore: o.ignore, Logger: logger})
		if err != nil {
			return nil, err
		}
		workspace = disk
		if o.watch {
			watched = disk
		}
	}

	transform := memory.NewTransform()
	documents := memory.NewDocuments(workspace)

	s := session.New(session.Config{
		ID:        o.sessionID,
		Local:     session.Participant{ID: o.local, Host: o.host, Permission: o.permission},
		Transform: transform,
		Logger:    logger,
	})

	inst.Session = s
	inst.Workspace = workspace
	inst.Documents = documents
	inst.Editors = memory.NewEditors(documents)
	inst.Annotations = memory.NewAnnotations()
	inst.Transform = transform
	inst.track(s)
	if c, ok := workspace.(introspection.Component); ok {
		inst.track(c)
	}

	if err := inst.attachTransport(o, logger); err != nil {
		_ = inst.close()
		return nil, err
	}

	inst.Resources = resources.New(resources.Config{
		Session:     s,
		Workspace:   workspace,
		Editors:     inst.Editors,
		Annotations: inst.Annotations,
		Logger:      logger,
	})
	s.AddComponent(inst.Resources)
	inst.track(inst.Resources)

	// The watcher starts after the manager subscribed so no external change
	// is missed.
	if watched != nil {
		s.AddComponent(watched)
	}

	if o.host {
		inst.Watchdog = watchdog.NewServer(watchdog.Config{
			Documents: documents,
			Clock:     transform,
			Interval:  o.interval,
			Backoff:   o.backoff,
			Logger:    logger,
		})
		s.AddListener(inst.Watchdog)
		inst.track(inst.Watchdog)

		inst.Responder = recovery.NewResponder(recovery.ResponderConfig{
			Session:   s,
			Workspace: workspace,
			Documents: documents,
			Logger:    logger,
		})
		s.AddComponent(inst.Responder)
		inst.track(inst.Responder)
	} else {
		inst.Checksums = watchdog.NewClient(watchdog.ClientConfig{
			Session:   s,
			Workspace: workspace,
			Documents: documents,
			Clock:     transform,
			Logger:    logger,
		})
		s.AddComponent(inst.Checksums)
		inst.track(inst.Checksums)
	}

	inst.Follow = session.NewFollow()
	s.AddListener(inst.Follow)

	return inst, nil
}

func (inst *Instance) attachTransport(o *options, logger *slog.Logger) error {
	s := inst.Session

	if o.network != nil {
		o.network.Attach(s)
		return nil
	}

	switch o.transport {
	case config.TransportWebsocket:
		if o.hubURL == "" {
			return fmt.Errorf("websocket transport needs a hub url")
		}
		client, err := ws.NewClient(o.hubURL, s, ws.DefaultSettings(), logger)
		if err != nil {
			return err
		}
		s.AddComponent(client)
		inst.track(client)

	case config.TransportRedis:
		client := o.redisClient
		if client == nil {
			if o.redisURL == "" {
				return fmt.Errorf("redis transport needs a redis url")
			}
			dialed, err := redis.Dial(context.Background(), o.redisURL)
			if err != nil {
				return err
			}
			client = dialed
			inst.closers = append(inst.closers, dialed.Close)
		}
		t := redis.New(client, s, o.prefix, logger)
		s.AddComponent(t)
		inst.track(t)

	default:
		return fmt.Errorf("unknown transport %q", o.transport)
	}
	return nil
}

func (inst *Instance) track(c introspection.Component) {
	inst.components = append(inst.components, c)
}

// Start starts the session and every component.
func (inst *Instance) Start(ctx context.Context) error {
	return inst.Session.Start(ctx)
}

// Stop stops the session and releases connections the instance opened.
func (inst *Instance) Stop(ctx context.Context) error {
	err := inst.Session.Stop(ctx)
	return errors.Join(err, inst.close())
}

func (inst *Instance) close() error {
	var errs []error
	for _, c := range inst.closers {
		errs = append(errs, c())
	}
	inst.closers = nil
	return errors.Join(errs...)
}

var (
	_ introspection.Introspectable = (*Instance)(nil)
	_ introspection.Component      = (*Instance)(nil)
)

// InstanceState collects the state of every observable component, keyed by
// component type.
type InstanceState struct {
	Components map[string]any `json:"components"`
}

// State implements introspection.Introspectable.
func (inst *Instance) State() any {
	st := InstanceState{Components: make(map[string]any, len(inst.components))}
	for _, c := range inst.components {
		if i, ok := c.(introspection.Introspectable); ok {
			st.Components[c.ComponentType()] = i.State()
		}
	}
	return st
}

// ComponentType implements introspection.Component.
func (inst *Instance) ComponentType() string {
	return "instance"
}
