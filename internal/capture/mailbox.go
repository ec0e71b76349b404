package capture

import (
	"sync"
	"time"
)

// frameMailbox is a single-slot latest-frame buffer between the decoder
// callback (writer) and the supervisor's pull-style reads (reader).
//
// Semantics: drop frames, never queue. A new frame overwrites an
// unconsumed one; the reader always gets the freshest frame available.
// Put is non-blocking; take blocks with a deadline.
type frameMailbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	frame  *Frame
	drops  uint64
	closed bool
}

func newFrameMailbox() *frameMailbox {
	m := &frameMailbox{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// put stores a frame, overwriting any unconsumed one, and wakes the reader.
// After close it is a no-op.
func (m *frameMailbox) put(f *Frame) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if m.frame != nil {
		m.drops++
	}
	m.frame = f
	m.cond.Signal()
	m.mu.Unlock()
}

// take waits until a frame is available, the mailbox is closed, or the
// timeout elapses.
func (m *frameMailbox) take(timeout time.Duration) (*Frame, error) {
	deadline := time.Now().Add(timeout)

	// sync.Cond has no timed wait; a timer broadcast bounds the block.
	timer := time.AfterFunc(timeout, func() {
		m.mu.Lock()
		m.cond.Broadcast()
		m.mu.Unlock()
	})
	defer timer.Stop()

	m.mu.Lock()
	defer m.mu.Unlock()

	for m.frame == nil && !m.closed {
		if !time.Now().Before(deadline) {
			return nil, ErrReadTimeout
		}
		m.cond.Wait()
	}

	if m.frame == nil && m.closed {
		return nil, ErrSourceClosed
	}

	f := m.frame
	m.frame = nil
	return f, nil
}

// close wakes any blocked reader; subsequent takes return ErrSourceClosed
// once the remaining frame, if any, has been consumed.
func (m *frameMailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.cond.Broadcast()
	m.mu.Unlock()
}

// dropped reports how many unconsumed frames were overwritten.
func (m *frameMailbox) dropped() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.drops
}
