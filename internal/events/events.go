// Package events implements the per-object typed event subscriptions used by
// the manager, sessions and studies. Handlers run synchronously in
// registration order; a panicking handler never prevents the remaining
// handlers from running.
package events

import (
	"context"
	"fmt"
	"sync"

	"tvstream/internal/logger"
)

// ErrorEvent is the reserved event name failures are reported on.
const ErrorEvent = "error"

// Handler receives a single event payload.
type Handler func(payload any)

// AnyHandler receives every event with its name, for tracing hooks.
type AnyHandler func(name string, payload any)

// Bus is a small map of named handler lists. The zero value is not usable;
// construct with NewBus.
type Bus struct {
	mu          sync.RWMutex
	handlers    map[string][]Handler
	anyHandlers []AnyHandler
}

func NewBus() *Bus {
	return &Bus{handlers: make(map[string][]Handler)}
}

// On registers a handler for a named event.
func (b *Bus) On(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], h)
}

// OnAny registers a hook that observes every event name plus payload.
func (b *Bus) OnAny(h AnyHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.anyHandlers = append(b.anyHandlers, h)
}

// Emit delivers the event to every registered handler in order. Handler
// panics are captured and reported on the error channel instead of
// propagating into the decoding loop.
func (b *Bus) Emit(name string, payload any) {
	b.mu.RLock()
	hs := b.handlers[name]
	anys := b.anyHandlers
	b.mu.RUnlock()

	var failures []error
	for _, h := range hs {
		if err := b.invoke(h, payload); err != nil {
			failures = append(failures, err)
		}
	}
	for _, h := range anys {
		func() {
			defer func() {
				if r := recover(); r != nil {
					failures = append(failures, fmt.Errorf("event hook for %q panicked: %v", name, r))
				}
			}()
			h(name, payload)
		}()
	}

	for _, err := range failures {
		if name == ErrorEvent {
			// Error handlers failing on error events would recurse forever.
			logger.ErrorWithErr(context.Background(), "Error handler failed", err)
			continue
		}
		b.Emit(ErrorEvent, err)
	}
}

func (b *Bus) invoke(h Handler, payload any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("event handler panicked: %v", r)
		}
	}()
	h(payload)
	return nil
}
