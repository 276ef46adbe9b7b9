// Package pending tracks outbound operations whose completion is matched to
// a later inbound envelope by correlation id (symbol resolution, series
// creation, backfill, study creation, history requests).
package pending

import (
	"context"
	"sync"
	"time"

	"tvstream/internal/types"
)

// Outcome is what an operation resolves with.
type Outcome struct {
	Payload any
	Err     error
}

// Op is a single suspending operation. Exactly one of Resolve/Fail/timeout
// settles it; the first settlement wins.
type Op struct {
	id  string
	ch  chan Outcome
	reg *Registry
}

func (op *Op) ID() string { return op.id }

// Registry keys in-flight operations by correlation id. Timed-out ids are
// remembered so a late-arriving response is dropped instead of resolving a
// future nobody holds.
type Registry struct {
	mu        sync.Mutex
	ops       map[string]*Op
	abandoned map[string]time.Time
}

const abandonedTTL = 5 * time.Minute

func NewRegistry() *Registry {
	return &Registry{
		ops:       make(map[string]*Op),
		abandoned: make(map[string]time.Time),
	}
}

// Create registers a new operation under the given correlation id.
func (r *Registry) Create(id string) *Op {
	op := &Op{id: id, ch: make(chan Outcome, 1), reg: r}
	r.mu.Lock()
	r.pruneLocked()
	r.ops[id] = op
	r.mu.Unlock()
	return op
}

// Resolve settles the operation with a payload. Returns false when the id is
// unknown or was abandoned by a timeout.
func (r *Registry) Resolve(id string, payload any) bool {
	return r.settle(id, Outcome{Payload: payload})
}

// Fail settles the operation with an error.
func (r *Registry) Fail(id string, err error) bool {
	return r.settle(id, Outcome{Err: err})
}

// FailAll settles every in-flight operation, used on session teardown.
func (r *Registry) FailAll(err error) {
	r.mu.Lock()
	ops := make([]*Op, 0, len(r.ops))
	for _, op := range r.ops {
		ops = append(ops, op)
	}
	r.ops = make(map[string]*Op)
	r.mu.Unlock()
	for _, op := range ops {
		op.ch <- Outcome{Err: err}
	}
}

func (r *Registry) settle(id string, out Outcome) bool {
	r.mu.Lock()
	op, ok := r.ops[id]
	if ok {
		delete(r.ops, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	op.ch <- out
	return true
}

// abandon records the id so the eventual response is dropped.
func (r *Registry) abandon(id string) {
	r.mu.Lock()
	delete(r.ops, id)
	r.abandoned[id] = time.Now()
	r.mu.Unlock()
}

func (r *Registry) pruneLocked() {
	cutoff := time.Now().Add(-abandonedTTL)
	for id, at := range r.abandoned {
		if at.Before(cutoff) {
			delete(r.abandoned, id)
		}
	}
}

// Wait blocks until the operation settles, the timeout fires, or the context
// is cancelled. A fired timeout resolves with a Timeout error and abandons
// the correlation id; sibling operations are unaffected.
func (op *Op) Wait(ctx context.Context, timeout time.Duration) (any, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case out := <-op.ch:
		return out.Payload, out.Err
	case <-timer.C:
		op.reg.abandon(op.id)
		return nil, types.NewError(types.KindTimeout, "operation "+op.id+" timed out", nil)
	case <-ctx.Done():
		op.reg.abandon(op.id)
		return nil, ctx.Err()
	}
}
