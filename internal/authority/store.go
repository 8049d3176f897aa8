// Package authority is the server side of session validation: a registry
// of issued preview sessions and the policy that answers validation calls.
package authority

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shortontech/previewguard/internal/fingerprint"
)

// ErrNotFound is returned for an unknown session id.
var ErrNotFound = errors.New("session not found")

// Session is an issued preview session.
type Session struct {
	ID              string                      `json:"id"`
	FileID          string                      `json:"fileId"`
	Fingerprint     fingerprint.Fingerprint     `json:"fingerprint"`
	Characteristics fingerprint.Characteristics `json:"characteristics"`
	CreatedAt       time.Time                   `json:"createdAt"`
	ExpiresAt       time.Time                   `json:"expiresAt"`
	Revoked         bool                        `json:"revoked"`
	RevokedReason   string                      `json:"revokedReason,omitempty"`
	// Expired is set once a validation call has seen the session past its
	// expiry.
	Expired bool `json:"expired,omitempty"`
}

// active reports whether the session still counts as open.
func (s Session) active() bool { return !s.Revoked && !s.Expired }

// Store persists sessions. Put overwrites.
type Store interface {
	Put(ctx context.Context, s Session) error
	Get(ctx context.Context, id string) (Session, error)
	Delete(ctx context.Context, id string) error
}

// MemoryStore keeps sessions in process. Sessions are kept until deleted.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]Session)}
}

func (m *MemoryStore) Put(ctx context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return s, nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
