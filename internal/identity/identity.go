// Package identity maps verified provider subjects onto local identities.
package identity

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned when no identity matches.
	ErrNotFound = errors.New("identity not found")

	// ErrSubjectConflict is returned by LinkSubject when the identity is
	// already linked to a different provider subject.
	ErrSubjectConflict = errors.New("identity linked to another provider subject")
)

// Identity is a local account that a provider subject can be linked to.
type Identity struct {
	ID              string    `json:"id" db:"id"`
	Email           string    `json:"email" db:"email"`
	ProviderSubject string    `json:"provider_subject,omitempty" db:"provider_subject"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// Store is the identity persistence boundary.
type Store interface {
	// FindBySubject returns the identity linked to a provider subject.
	FindBySubject(ctx context.Context, subject string) (*Identity, error)
	// FindByEmail returns the identity with the given email, compared
	// case-insensitively.
	FindByEmail(ctx context.Context, email string) (*Identity, error)
	// LinkSubject records subject as the provider subject of identity id.
	// An existing link is never replaced: linking the same subject again is
	// a no-op, a different one fails with ErrSubjectConflict.
	LinkSubject(ctx context.Context, id, subject string) error
	// Ping checks the store is reachable.
	Ping(ctx context.Context) error
}

// MemoryStore is an in-process Store, used when no database is configured.
type MemoryStore struct {
	mu  sync.RWMutex
	now func() time.Time
	ids map[string]*Identity
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now, ids: make(map[string]*Identity)}
}

// Put inserts or replaces an identity.
func (s *MemoryStore) Put(id Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids[id.ID] = &id
}

func (s *MemoryStore) FindBySubject(_ context.Context, subject string) (*Identity, error) {
	if subject == "" {
		return nil, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.ids {
		if id.ProviderSubject == subject {
			cp := *id
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) FindByEmail(_ context.Context, email string) (*Identity, error) {
	if email == "" {
		return nil, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.ids {
		if strings.EqualFold(id.Email, email) {
			cp := *id
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) LinkSubject(_ context.Context, id, subject string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.ids[id]
	if !ok {
		return ErrNotFound
	}
	if rec.ProviderSubject == subject {
		return nil
	}
	if rec.ProviderSubject != "" {
		return ErrSubjectConflict
	}
	rec.ProviderSubject = subject
	rec.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
