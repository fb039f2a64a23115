package session

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"

	"github.com/aretw0/cosync/pkg/core"
)

// Priority orders consumers observing the same activity.
type Priority int

const (
	// Active consumers change local state and run first.
	Active Priority = iota
	// Passive consumers only observe and run after every Active consumer.
	Passive
)

func (p Priority) String() string {
	if p == Active {
		return "active"
	}
	return "passive"
}

type registration struct {
	consumer core.Consumer
	priority Priority
}

// Bus is the session's producer/consumer registry. It forwards activities
// fired by registered producers to its outbound func and routes inbound
// activities to registered consumers.
type Bus struct {
	mu        sync.RWMutex
	producers []core.Producer
	consumers []registration
	outbound  func(core.Activity)
	logger    *slog.Logger
}

// NewBus creates a bus. outbound receives every activity fired by a registered
// producer; it may be nil.
func NewBus(outbound func(core.Activity), logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{outbound: outbound, logger: logger}
}

// AddProducer registers p. Registering the same producer twice is a no-op.
func (b *Bus) AddProducer(p core.Producer) {
	b.mu.Lock()
	if slices.Contains(b.producers, p) {
		b.mu.Unlock()
		return
	}
	b.producers = append(b.producers, p)
	b.mu.Unlock()

	p.AddActivityListener(b)
}

// RemoveProducer unregisters p if present.
func (b *Bus) RemoveProducer(p core.Producer) {
	b.mu.Lock()
	idx := slices.Index(b.producers, p)
	if idx < 0 {
		b.mu.Unlock()
		return
	}
	b.producers = slices.Delete(b.producers, idx, idx+1)
	b.mu.Unlock()

	p.RemoveActivityListener(b)
}

// AddConsumer registers c with the given priority. Registering a consumer that
// is already present is a no-op, its original priority is kept.
func (b *Bus) AddConsumer(c core.Consumer, priority Priority) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range b.consumers {
		if r.consumer == c {
			return
		}
	}
	b.consumers = append(b.consumers, registration{consumer: c, priority: priority})
}

// RemoveConsumer unregisters c if present.
func (b *Bus) RemoveConsumer(c core.Consumer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consumers = slices.DeleteFunc(b.consumers, func(r registration) bool { return r.consumer == c })
}

// Created implements core.Listener for registered producers.
func (b *Bus) Created(a core.Activity) {
	if b.outbound == nil {
		return
	}
	b.outbound(a)
}

// Exec routes a to every consumer, Active ones first, registration order within
// a class. Consumer errors are logged and joined; they never stop delivery to
// the remaining consumers. An activity of unknown type is rejected before any
// consumer sees it.
func (b *Bus) Exec(ctx context.Context, a core.Activity) error {
	if _, err := (core.Receiver{}).Dispatch(a); err != nil {
		b.logger.Error("rejecting activity", "error", err)
		return err
	}

	var errs []error
	for _, c := range b.ordered() {
		if err := c.Exec(ctx, a); err != nil {
			b.logger.Error("consumer failed", "kind", a.Kind(), "id", a.Meta().ID, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *Bus) ordered() []core.Consumer {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]core.Consumer, 0, len(b.consumers))
	for _, p := range []Priority{Active, Passive} {
		for _, r := range b.consumers {
			if r.priority == p {
				out = append(out, r.consumer)
			}
		}
	}
	return out
}

// BusState exposes the registry for observability.
type BusState struct {
	Producers int `json:"producers"`
	Active    int `json:"active_consumers"`
	Passive   int `json:"passive_consumers"`
}

// State implements introspection.Introspectable.
func (b *Bus) State() any {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s := BusState{Producers: len(b.producers)}
	for _, r := range b.consumers {
		if r.priority == Active {
			s.Active++
		} else {
			s.Passive++
		}
	}
	return s
}

// ComponentType implements introspection.Component.
func (b *Bus) ComponentType() string {
	return "activity-bus"
}
