package core

import (
	"context"
	"slices"
	"sync"
)

// Consumer receives inbound activities from a session. Exec is called once per
// activity per delivery.
type Consumer interface {
	Exec(ctx context.Context, a Activity) error
}

// Listener is notified of activities fired by a Producer.
type Listener interface {
	Created(a Activity)
}

// Producer emits locally originated activities to its listeners.
type Producer interface {
	AddActivityListener(l Listener)
	RemoveActivityListener(l Listener)
}

// BaseProducer implements Producer and is meant to be embedded.
type BaseProducer struct {
	mu        sync.RWMutex
	listeners []Listener
}

// AddActivityListener registers l. Adding the same listener twice is a no-op.
func (p *BaseProducer) AddActivityListener(l Listener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if slices.Contains(p.listeners, l) {
		return
	}
	p.listeners = append(p.listeners, l)
}

// RemoveActivityListener unregisters l if present.
func (p *BaseProducer) RemoveActivityListener(l Listener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = slices.DeleteFunc(p.listeners, func(x Listener) bool { return x == l })
}

// FireActivity hands a to every registered listener.
func (p *BaseProducer) FireActivity(a Activity) {
	p.mu.RLock()
	listeners := slices.Clone(p.listeners)
	p.mu.RUnlock()

	for _, l := range listeners {
		l.Created(a)
	}
}
