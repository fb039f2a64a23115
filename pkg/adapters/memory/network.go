package memory

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/aretw0/lifecycle"

	"github.com/aretw0/cosync/pkg/core"
	"github.com/aretw0/cosync/pkg/session"
)

// Message is one transport message as recorded by a Network.
type Message struct {
	From       core.ParticipantID
	To         core.ParticipantID
	Activities []core.Activity
}

// Network is a loopback transport joining sessions of one process. Messages
// are delivered asynchronously, in send order per recipient.
type Network struct {
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	endpoints map[core.ParticipantID]*Endpoint
	order     []core.ParticipantID
	log       []Message

	pendingMu sync.Mutex
	pending   int
	idle      *sync.Cond
}

// NewNetwork creates an empty network.
func NewNetwork(logger *slog.Logger) *Network {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	n := &Network{
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		endpoints: make(map[core.ParticipantID]*Endpoint),
	}
	n.idle = sync.NewCond(&n.pendingMu)
	return n
}

// Attach connects s to the network, makes it the session's transport and
// introduces it to every session already attached.
func (n *Network) Attach(s *session.Session) *Endpoint {
	ep := &Endpoint{
		network:   n,
		session:   s,
		id:        s.Local().ID,
		connected: true,
		wake:      make(chan struct{}, 1),
	}

	n.mu.Lock()
	peers := make([]*Endpoint, 0, len(n.order))
	for _, id := range n.order {
		peers = append(peers, n.endpoints[id])
	}
	n.endpoints[ep.id] = ep
	n.order = append(n.order, ep.id)
	n.mu.Unlock()

	for _, p := range peers {
		p.session.Join(s.Local())
		s.Join(p.session.Local())
	}
	s.SetTransport(ep)

	lifecycle.Go(n.ctx, ep.deliverLoop, lifecycle.WithErrorHandler(func(err error) {
		n.logger.Error("loopback delivery stopped", "participant", ep.id, "error", err)
	}))
	return ep
}

// Wait blocks until every message sent so far has been delivered, including
// messages sent while delivering.
func (n *Network) Wait() {
	n.pendingMu.Lock()
	defer n.pendingMu.Unlock()
	for n.pending > 0 {
		n.idle.Wait()
	}
}

func (n *Network) track(delta int) {
	n.pendingMu.Lock()
	defer n.pendingMu.Unlock()
	n.pending += delta
	if n.pending == 0 {
		n.idle.Broadcast()
	}
}

// Messages returns every message sent so far.
func (n *Network) Messages() []Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.log)
}

// Close stops delivery.
func (n *Network) Close() {
	n.cancel()
}

func (n *Network) route(from core.ParticipantID, to []core.ParticipantID, activities []core.Activity) {
	n.mu.Lock()
	targets := to
	if len(targets) == 0 {
		for _, id := range n.order {
			if id != from {
				targets = append(targets, id)
			}
		}
	}
	var eps []*Endpoint
	for _, id := range targets {
		ep, ok := n.endpoints[id]
		if !ok {
			n.logger.Warn("dropping message for unknown participant", "to", id)
			continue
		}
		n.log = append(n.log, Message{From: from, To: id, Activities: activities})
		eps = append(eps, ep)
	}
	n.mu.Unlock()

	for _, ep := range eps {
		n.track(1)
		ep.enqueue(activities)
	}
}

// Endpoint is one session's connection to a Network.
type Endpoint struct {
	network *Network
	session *session.Session
	id      core.ParticipantID

	mu        sync.Mutex
	connected bool
	inbox     [][]core.Activity
	wake      chan struct{}
}

var _ core.Transport = (*Endpoint)(nil)

// Send implements core.Transport.
func (e *Endpoint) Send(_ context.Context, to []core.ParticipantID, activities ...core.Activity) error {
	if !e.Connected() {
		return core.ErrNotConnected
	}
	e.network.route(e.id, to, activities)
	return nil
}

// Connected implements core.Transport.
func (e *Endpoint) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

// SetConnected simulates a link going down or coming back.
func (e *Endpoint) SetConnected(connected bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connected = connected
}

func (e *Endpoint) enqueue(activities []core.Activity) {
	e.mu.Lock()
	e.inbox = append(e.inbox, activities)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Endpoint) deliverLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.wake:
		}

		for {
			e.mu.Lock()
			if len(e.inbox) == 0 {
				e.mu.Unlock()
				break
			}
			batch := e.inbox[0]
			e.inbox = e.inbox[1:]
			e.mu.Unlock()

			if err := e.session.Deliver(ctx, batch...); err != nil {
				e.network.logger.Warn("delivery failed", "participant", e.id, "error", err)
			}
			e.network.track(-1)
		}
	}
}
