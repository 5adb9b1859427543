// Package credential mints the scoped ephemeral credentials a seller hands
// out after a verified payment.
package credential

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// TemporaryCredential is a capped, time-boxed, revocable access token
// scoped to one trade. ExpiresAt is fixed at issuance and never extended.
type TemporaryCredential struct {
	ID           string    `json:"id"`
	TradeID      string    `json:"tradeId"`
	CreditsLimit int64     `json:"creditsLimit"`
	ExpiresAt    time.Time `json:"expiresAt"`
	Revoked      bool      `json:"revoked"`
}

// Issuer mints and tracks credentials. All operations are safe for
// concurrent use.
type Issuer struct {
	mu          sync.Mutex
	credentials map[string]*TemporaryCredential
	now         func() time.Time
}

// NewIssuer creates an empty issuer.
func NewIssuer() *Issuer {
	return &Issuer{
		credentials: make(map[string]*TemporaryCredential),
		now:         time.Now,
	}
}

// Issue mints a credential for a verified trade. The credits limit is the
// requested amount clamped to the per-credential cap.
func (i *Issuer) Issue(tradeID string, creditsRequested, maxCreditsPerKey int64, ttl time.Duration) (*TemporaryCredential, error) {
	id, err := newCredentialID()
	if err != nil {
		return nil, fmt.Errorf("generate credential id: %w", err)
	}

	limit := creditsRequested
	if limit > maxCreditsPerKey {
		limit = maxCreditsPerKey
	}

	cred := &TemporaryCredential{
		ID:           id,
		TradeID:      tradeID,
		CreditsLimit: limit,
		ExpiresAt:    i.now().Add(ttl),
	}

	i.mu.Lock()
	i.credentials[id] = cred
	i.mu.Unlock()

	clone := *cred
	return &clone, nil
}

// Revoke marks a credential revoked. Returns false for unknown ids.
func (i *Issuer) Revoke(id string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	cred, ok := i.credentials[id]
	if !ok {
		return false
	}
	cred.Revoked = true
	return true
}

// Get returns the credential record regardless of its liveness; the caller
// decides whether a revoked or expired record is still useful.
func (i *Issuer) Get(id string) (*TemporaryCredential, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	cred, ok := i.credentials[id]
	if !ok {
		return nil, false
	}
	clone := *cred
	return &clone, true
}

// IsActive reports whether a credential is neither revoked nor expired.
func (i *Issuer) IsActive(cred *TemporaryCredential) bool {
	if cred == nil {
		return false
	}
	return !cred.Revoked && cred.ExpiresAt.After(i.now())
}

// Active returns all currently usable credentials.
func (i *Issuer) Active() []*TemporaryCredential {
	i.mu.Lock()
	defer i.mu.Unlock()
	now := i.now()
	active := make([]*TemporaryCredential, 0, len(i.credentials))
	for _, cred := range i.credentials {
		if !cred.Revoked && cred.ExpiresAt.After(now) {
			clone := *cred
			active = append(active, &clone)
		}
	}
	return active
}

// Sweep removes every revoked or expired credential and returns the count.
func (i *Issuer) Sweep() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	now := i.now()
	removed := 0
	for id, cred := range i.credentials {
		if cred.Revoked || !cred.ExpiresAt.After(now) {
			delete(i.credentials, id)
			removed++
		}
	}
	return removed
}

// Count returns how many credential records are held, live or not.
func (i *Issuer) Count() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.credentials)
}

func newCredentialID() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return "ck-temp-" + hex.EncodeToString(buf[:]), nil
}
