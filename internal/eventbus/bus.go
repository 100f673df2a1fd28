// Package eventbus is the process-wide publish/subscribe hub.
//
// Delivery is synchronous and in subscription order. Nothing is persisted:
// an action emitted with no subscribers is simply dropped.
package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Wildcard subscribes a handler to every action.
const Wildcard = "*"

// Well-known actions emitted by capsule components.
const (
	ActionCapsuleChange  = "capsule.change"
	ActionModLoaded      = "mod.loaded"
	ActionModActivated   = "mod.activated"
	ActionModDeactivated = "mod.deactivated"
	ActionModUnloaded    = "mod.unloaded"
	ActionSyncCompleted  = "sync.completed"
)

// Handler receives an emitted action and its payload.
type Handler func(ctx context.Context, action string, payload any)

type subscription struct {
	id      uint64
	action  string
	handler Handler
}

// Bus is a synchronous pub/sub hub. Safe for concurrent use.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
	logger *slog.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger used to report recovered handler panics.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// New creates an empty Bus.
func New(opts ...Option) *Bus {
	b := &Bus{logger: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers handler for action (or Wildcard) and returns a
// function that removes the subscription. The returned function is
// idempotent.
func (b *Bus) Subscribe(action string, handler Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, action: action, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Emit delivers payload to every handler subscribed to action or to the
// wildcard, in subscription order, and returns how many handlers ran to
// completion. A panicking handler is logged and skipped.
//
// Handlers may subscribe, unsubscribe or emit re-entrantly: Emit works on a
// snapshot of the subscriber list taken at call time.
func (b *Bus) Emit(ctx context.Context, action string, payload any) int {
	b.mu.RLock()
	targets := make([]subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.action == action || s.action == Wildcard {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	delivered := 0
	for _, s := range targets {
		if err := b.deliver(ctx, s, action, payload); err != nil {
			b.logger.Error("event handler panicked",
				"action", action,
				"subscription", s.id,
				"error", err)
			continue
		}
		delivered++
	}
	return delivered
}

func (b *Bus) deliver(ctx context.Context, s subscription, action string, payload any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	s.handler(ctx, action, payload)
	return nil
}

// SubscriberCount returns the number of handlers that an Emit of action
// would reach, wildcard subscribers included.
func (b *Bus) SubscriberCount(action string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, s := range b.subs {
		if s.action == action || s.action == Wildcard {
			n++
		}
	}
	return n
}
