package router

import (
	"sync"
	"time"
)

// stickyBinding pins a logical session to one node until it expires.
type stickyBinding struct {
	nodeID    string
	expiresAt time.Time
}

// stickySessions maps session tokens to node bindings with a TTL.
type stickySessions struct {
	mu       sync.Mutex
	ttl      time.Duration
	bindings map[string]stickyBinding
}

func newStickySessions(ttl time.Duration) *stickySessions {
	return &stickySessions{
		ttl:      ttl,
		bindings: make(map[string]stickyBinding),
	}
}

// lookup returns the bound node for a live session, pruning it if expired.
func (s *stickySessions) lookup(session string, now time.Time) (string, bool) {
	if session == "" {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bindings[session]
	if !ok {
		return "", false
	}
	if now.After(b.expiresAt) {
		delete(s.bindings, session)
		return "", false
	}
	return b.nodeID, true
}

func (s *stickySessions) bind(session, nodeID string, now time.Time) {
	if session == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindings[session] = stickyBinding{nodeID: nodeID, expiresAt: now.Add(s.ttl)}
}

// drop removes a binding whose node became unusable.
func (s *stickySessions) drop(session string) {
	if session == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bindings, session)
}
