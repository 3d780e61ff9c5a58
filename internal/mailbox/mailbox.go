// Package mailbox provides a single-slot buffer where the latest job
// always wins. It is NOT a queue: a trigger that lands while the slot
// is full replaces the pending job, so scans that fall due while one
// is already waiting coalesce into a single run.
package mailbox

import (
	"context"
	"sync"
)

// Mailbox holds at most one pending job.
type Mailbox[T any] struct {
	mu   sync.Mutex
	job  *T
	wake chan struct{}
}

// New creates an empty mailbox.
func New[T any]() *Mailbox[T] {
	return &Mailbox[T]{wake: make(chan struct{}, 1)}
}

// Put stores a job, replacing any pending one. It never blocks.
func (m *Mailbox[T]) Put(j T) {
	m.mu.Lock()
	m.job = &j
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Take blocks until a job is available or the context is cancelled,
// then clears the slot. The boolean is false on cancellation.
func (m *Mailbox[T]) Take(ctx context.Context) (T, bool) {
	for {
		m.mu.Lock()
		if m.job != nil {
			j := *m.job
			m.job = nil
			m.mu.Unlock()
			return j, true
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			var zero T
			return zero, false
		case <-m.wake:
		}
	}
}

// HasJob reports whether a job is currently waiting.
func (m *Mailbox[T]) HasJob() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.job != nil
}
