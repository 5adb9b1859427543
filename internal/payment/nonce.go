package payment

import (
	"context"
	"sync"
	"time"
)

// NonceStore tracks consumed authorization nonces so a captured payload
// cannot be replayed while its validity window is still open. Entries only
// need to live until the authorization they guard has expired.
type NonceStore interface {
	// Consume records the nonce. It returns true when the nonce was not
	// seen before, false when this is a replay.
	Consume(ctx context.Context, nonce string, validBefore time.Time) (bool, error)
	// Sweep drops entries whose authorization window has closed and
	// returns how many were removed.
	Sweep(ctx context.Context) (int, error)
	Close() error
}

// MemoryNonceStore keeps consumed nonces in a mutex-guarded map. Suited to
// a single seller process; replay protection does not survive a restart,
// matching the rest of the in-memory trade state.
type MemoryNonceStore struct {
	mu     sync.Mutex
	nonces map[string]time.Time
	now    func() time.Time
}

// NewMemoryNonceStore creates an empty in-memory store.
func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{nonces: make(map[string]time.Time), now: time.Now}
}

// Consume implements NonceStore.
func (s *MemoryNonceStore) Consume(_ context.Context, nonce string, validBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.nonces[nonce]; seen {
		return false, nil
	}
	s.nonces[nonce] = validBefore
	return true, nil
}

// Sweep implements NonceStore.
func (s *MemoryNonceStore) Sweep(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for nonce, validBefore := range s.nonces {
		if !validBefore.After(now) {
			delete(s.nonces, nonce)
			removed++
		}
	}
	return removed, nil
}

// Close implements NonceStore.
func (s *MemoryNonceStore) Close() error {
	return nil
}

var _ NonceStore = (*MemoryNonceStore)(nil)
