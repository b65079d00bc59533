// Package pendingload defers data loads for UI surfaces the user cannot see
// yet. Loads enqueued for a hidden surface run once when it becomes visible;
// loads for a visible surface run immediately.
package pendingload

import "sync"

// Handle identifies a UI surface.
type Handle string

// Set tracks visibility per handle and the loads waiting on it.
type Set struct {
	mu      sync.Mutex
	visible map[Handle]bool
	pending map[Handle][]func()
}

// New returns an empty Set; every handle starts hidden.
func New() *Set {
	return &Set{
		visible: make(map[Handle]bool),
		pending: make(map[Handle][]func()),
	}
}

// Enqueue schedules load for the handle. It runs synchronously if the handle
// is visible, otherwise it is queued until MarkVisible.
func (s *Set) Enqueue(h Handle, load func()) {
	s.mu.Lock()
	if !s.visible[h] {
		s.pending[h] = append(s.pending[h], load)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	load()
}

// MarkVisible records the handle as visible and flushes its pending loads in
// enqueue order.
func (s *Set) MarkVisible(h Handle) {
	s.mu.Lock()
	s.visible[h] = true
	loads := s.pending[h]
	delete(s.pending, h)
	s.mu.Unlock()

	for _, load := range loads {
		load()
	}
}

// MarkHidden records the handle as hidden; subsequent loads queue again.
func (s *Set) MarkHidden(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.visible[h] = false
}

// PendingCount returns the number of queued loads for the handle.
func (s *Set) PendingCount(h Handle) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending[h])
}
