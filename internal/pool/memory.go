package pool

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/book-expert/tts-gateway/internal/core"
)

// MemoryStore keeps credentials in process memory.
type MemoryStore struct {
	mu          sync.Mutex
	credentials map[string]core.Credential
}

// NewMemoryStore creates a store seeded with the given credentials.
func NewMemoryStore(credentials ...core.Credential) *MemoryStore {
	store := &MemoryStore{
		mu:          sync.Mutex{},
		credentials: make(map[string]core.Credential, len(credentials)),
	}

	for _, credential := range credentials {
		store.credentials[credential.ID] = credential
	}

	return store
}

// List returns every credential ordered by ID.
func (s *MemoryStore) List(_ context.Context) ([]core.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	credentials := make([]core.Credential, 0, len(s.credentials))
	for _, credential := range s.credentials {
		credentials = append(credentials, credential)
	}

	sort.Slice(credentials, func(i, j int) bool {
		return credentials[i].ID < credentials[j].ID
	})

	return credentials, nil
}

// Get returns one credential.
func (s *MemoryStore) Get(_ context.Context, id string) (core.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	credential, ok := s.credentials[id]
	if !ok {
		return core.Credential{}, fmt.Errorf("%w: %s", ErrCredentialNotFound, id)
	}

	return credential, nil
}

// Insert adds a new credential.
func (s *MemoryStore) Insert(_ context.Context, credential core.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.credentials[credential.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateCredential, credential.ID)
	}

	s.credentials[credential.ID] = credential

	return nil
}

// CompareAndSwapUsage updates the counters when they still equal previous.
func (s *MemoryStore) CompareAndSwapUsage(_ context.Context, id string, previous, next Usage) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	credential, ok := s.credentials[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrCredentialNotFound, id)
	}

	if UsageOf(credential) != previous {
		return false, nil
	}

	credential.Consumed = next.Consumed
	credential.Reserved = next.Reserved
	s.credentials[id] = credential

	return true, nil
}

// SetStatus changes a credential's lifecycle state.
func (s *MemoryStore) SetStatus(_ context.Context, id string, status core.CredentialStatus) error {
	return s.update(id, func(credential *core.Credential) {
		credential.Status = status
	})
}

// ResetConsumed zeroes one credential's consumption.
func (s *MemoryStore) ResetConsumed(_ context.Context, id string) error {
	return s.update(id, func(credential *core.Credential) {
		credential.Consumed = 0
	})
}

// ResetAllConsumed zeroes every credential's consumption.
func (s *MemoryStore) ResetAllConsumed(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, credential := range s.credentials {
		credential.Consumed = 0
		s.credentials[id] = credential
	}

	return int64(len(s.credentials)), nil
}

// ClearReservations drops every reservation.
func (s *MemoryStore) ClearReservations(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cleared int64

	for id, credential := range s.credentials {
		if credential.Reserved == 0 {
			continue
		}

		credential.Reserved = 0
		s.credentials[id] = credential
		cleared++
	}

	return cleared, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) update(id string, mutate func(*core.Credential)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	credential, ok := s.credentials[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrCredentialNotFound, id)
	}

	mutate(&credential)
	s.credentials[id] = credential

	return nil
}
