// Package guard decides whether a fingerprint may be admitted for execution.
package guard

import "sync"

// State is the in-process guard state of one pipeline: the session guard and the set of fingerprints
// already charged by this process.
type State struct {
	mu      sync.Mutex
	session map[string]struct{}
	charged map[string]struct{}
}

func NewState() *State {
	return &State{
		session: make(map[string]struct{}),
		charged: make(map[string]struct{}),
	}
}

// InSession reports whether fp was already submitted in this session.
func (s *State) InSession(fp string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.session[fp]
	return ok
}

// Release removes fp from the session guard. Only valid for items removed before they reached a queue.
func (s *State) Release(fp string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.session[fp]; !ok {
		return false
	}
	delete(s.session, fp)
	return true
}

// MarkCharged records that fp has been charged. It returns false if it already was.
func (s *State) MarkCharged(fp string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.charged[fp]; ok {
		return false
	}
	s.charged[fp] = struct{}{}
	return true
}

func (s *State) Charged(fp string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.charged[fp]
	return ok
}

func (s *State) SessionSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.session)
}
