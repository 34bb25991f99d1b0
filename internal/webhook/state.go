package webhook

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// stateStore holds pending OAuth states. Each state is single use.
type stateStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	pending map[string]pendingState
}

type pendingState struct {
	userID  string
	expires time.Time
}

func newStateStore(ttl time.Duration) *stateStore {
	return &stateStore{ttl: ttl, now: time.Now, pending: make(map[string]pendingState)}
}

func (s *stateStore) issue(userID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for state, p := range s.pending {
		if now.After(p.expires) {
			delete(s.pending, state)
		}
	}

	state := uuid.NewString()
	s.pending[state] = pendingState{userID: userID, expires: now.Add(s.ttl)}
	return state
}

func (s *stateStore) consume(state string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pending[state]
	if !ok {
		return "", false
	}
	delete(s.pending, state)
	if s.now().After(p.expires) {
		return "", false
	}
	return p.userID, true
}
