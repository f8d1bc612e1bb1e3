package framesource

import (
	"sync"
	"sync/atomic"

	"github.com/e7canasta/pptcast/internal/types"
)

// Mailbox holds the most recent frame of an asynchronous producer
//
// Semantics:
//   - Put never blocks: the new frame replaces whatever is stored
//   - Replacing a frame nobody took counts as a drop
//   - Take hands out the stored frame once, then reports empty
//
// This lets a producer that runs at its own rate feed a consumer that polls
// on a fixed interval without building a backlog.
type Mailbox struct {
	mu    sync.Mutex
	frame *types.Frame

	puts  atomic.Uint64
	drops atomic.Uint64
}

// Put stores frame, replacing an unconsumed one.
func (m *Mailbox) Put(frame *types.Frame) {
	m.mu.Lock()
	if m.frame != nil {
		m.drops.Add(1)
	}
	m.frame = frame
	m.mu.Unlock()

	m.puts.Add(1)
}

// Take returns the stored frame and empties the mailbox, or nil when empty.
func (m *Mailbox) Take() *types.Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.frame
	m.frame = nil
	return f
}

// Puts returns the number of frames stored so far.
func (m *Mailbox) Puts() uint64 {
	return m.puts.Load()
}

// Drops returns the number of frames overwritten before being taken.
func (m *Mailbox) Drops() uint64 {
	return m.drops.Load()
}
