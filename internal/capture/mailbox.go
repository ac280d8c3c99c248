package capture

import (
	"sync"
	"sync/atomic"
)

// Mailbox is the single-slot hand-off between the capture context and the
// processing context. Publish never blocks: a new keyframe overwrites an
// unconsumed one (the overwritten frame is closed and counted as dropped).
// Take blocks until a keyframe is available or the mailbox is closed.
type Mailbox struct {
	mu    sync.Mutex
	cond  *sync.Cond
	slot  *Keyframe
	drops uint64
	done  bool
}

// NewMailbox returns an empty mailbox.
func NewMailbox() *Mailbox {
	m := &Mailbox{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Publish places kf in the slot, overwriting (and closing) any unconsumed
// predecessor. After Close, published keyframes are closed and discarded.
func (m *Mailbox) Publish(kf *Keyframe) {
	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		kf.Close()
		return
	}
	if m.slot != nil {
		m.slot.Close()
		atomic.AddUint64(&m.drops, 1)
	}
	m.slot = kf
	m.cond.Signal()
	m.mu.Unlock()
}

// Take removes and returns the latest keyframe, blocking until one arrives.
// It returns nil once the mailbox is closed and drained.
func (m *Mailbox) Take() *Keyframe {
	m.mu.Lock()
	defer m.mu.Unlock()

	for m.slot == nil {
		if m.done {
			return nil
		}
		m.cond.Wait()
	}

	kf := m.slot
	m.slot = nil
	return kf
}

// Close wakes any blocked Take. A keyframe still in the slot remains
// takeable; subsequent publishes are discarded.
func (m *Mailbox) Close() {
	m.mu.Lock()
	m.done = true
	m.cond.Broadcast()
	m.mu.Unlock()
}

// Drops reports how many unconsumed keyframes were overwritten. Loss here is
// by design; the processing context always works on the most recent frame.
func (m *Mailbox) Drops() uint64 {
	return atomic.LoadUint64(&m.drops)
}
