package service

import "sync"

// mailbox is an unbounded FIFO. Put never blocks, so engine callbacks and
// timers can post into a link without waiting on its run loop.
type mailbox[T any] struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	items    []T
	closed   bool
}

func newMailbox[T any]() *mailbox[T] {
	m := &mailbox[T]{}
	m.notEmpty = sync.NewCond(&m.mu)
	return m
}

// Put appends v. It reports false once the mailbox is closed.
func (m *mailbox[T]) Put(v T) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.items = append(m.items, v)
	m.notEmpty.Signal()
	return true
}

// Get blocks until an item is available. It returns false when the
// mailbox is closed and drained.
func (m *mailbox[T]) Get() (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.items) == 0 && !m.closed {
		m.notEmpty.Wait()
	}
	var zero T
	if len(m.items) == 0 {
		return zero, false
	}
	v := m.items[0]
	m.items[0] = zero
	m.items = m.items[1:]
	return v, true
}

func (m *mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Close rejects further Puts; items already queued are still returned.
func (m *mailbox[T]) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.notEmpty.Broadcast()
}
