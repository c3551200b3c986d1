// Package safety holds the shared emergency signal and the monitor that
// raises it.
package safety

import (
	"sync"
	"time"
)

// Emergency is a latch shared by the safety monitor, the operator console
// and the flight controller. Only the first Raise takes effect.
type Emergency struct {
	mu     sync.Mutex
	raised bool
	reason error
	at     time.Time
	done   chan struct{}
}

func NewEmergency() *Emergency {
	return &Emergency{done: make(chan struct{})}
}

// Raise sets the signal and reports whether this call did so.
func (e *Emergency) Raise(reason error) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.raised {
		return false
	}
	e.raised = true
	e.reason = reason
	e.at = time.Now()
	close(e.done)
	return true
}

func (e *Emergency) Raised() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.raised
}

func (e *Emergency) Reason() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reason
}

func (e *Emergency) At() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.at
}

// Done is closed when the signal is raised.
func (e *Emergency) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}

// Clear re-arms the latch. This is an operator action; nothing in the
// monitor calls it.
func (e *Emergency) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.raised {
		e.raised = false
		e.reason = nil
		e.at = time.Time{}
		e.done = make(chan struct{})
	}
}
