package client

import (
	"sync"

	"tvstream/internal/interfaces"
	"tvstream/internal/protocol"
)

// BackpressureInfo describes a message dropped because a session's handler
// queue hit its high-water mark.
type BackpressureInfo struct {
	SessionID string
	Method    string
}

// entry is one registered session plus its dispatch queue. A single
// goroutine drains the queue, so a session's Handle calls are serial and
// in arrival order.
type entry struct {
	session interfaces.Session

	mu     sync.Mutex
	queue  chan protocol.Inbound
	closed bool
}

func newEntry(s interfaces.Session, depth int) *entry {
	e := &entry{
		session: s,
		queue:   make(chan protocol.Inbound, depth),
	}
	go func() {
		for msg := range e.queue {
			e.session.Handle(msg)
		}
	}()
	return e
}

// enqueue appends a message, dropping the oldest queued one when the queue
// is full. Returns the dropped message when a drop happened.
func (e *entry) enqueue(msg protocol.Inbound) (protocol.Inbound, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return protocol.Inbound{}, false
	}
	select {
	case e.queue <- msg:
		return protocol.Inbound{}, false
	default:
	}
	var dropped protocol.Inbound
	droppedAny := false
	select {
	case dropped = <-e.queue:
		droppedAny = true
	default:
	}
	select {
	case e.queue <- msg:
	default:
	}
	return dropped, droppedAny
}

func (e *entry) stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.queue)
	}
}
