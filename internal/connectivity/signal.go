// Package connectivity exposes the terminal's online/offline state as an
// observable signal. Detection itself (network probing, host callbacks) lives
// outside the core; collaborators feed Set.
package connectivity

import "sync"

// Signal is a boolean online/offline observable. It deduplicates repeated
// states so subscribers only see transitions.
type Signal struct {
	mu        sync.Mutex
	online    bool
	listeners map[int]func(bool)
	nextSub   int
}

// NewSignal creates a Signal with the given initial state.
func NewSignal(online bool) *Signal {
	return &Signal{
		online:    online,
		listeners: make(map[int]func(bool)),
	}
}

// IsOnline returns the current state.
func (s *Signal) IsOnline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// Set updates the state and notifies subscribers on transitions. Setting the
// same state twice is a no-op.
func (s *Signal) Set(online bool) {
	s.mu.Lock()
	if s.online == online {
		s.mu.Unlock()
		return
	}
	s.online = online
	fns := make([]func(bool), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(online)
	}
}

// Subscribe registers a transition callback and returns an unsubscribe
// function. The callback runs on the goroutine that called Set.
func (s *Signal) Subscribe(fn func(online bool)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}
