// Package pool manages the shared set of provider credentials: selection under
// quota and priority constraints, usage accounting and periodic resets.
package pool

import (
	"context"
	"errors"

	"github.com/book-expert/tts-gateway/internal/core"
)

var (
	// ErrCredentialNotFound is returned when no credential has the given ID.
	ErrCredentialNotFound = errors.New("credential not found")
	// ErrDuplicateCredential is returned when adding an ID that already exists.
	ErrDuplicateCredential = errors.New("credential already exists")
	// ErrUsageConflict is returned when a usage update kept losing the race.
	ErrUsageConflict = errors.New("usage update conflict")
	// ErrInvalidCredential is returned for credentials that cannot be stored.
	ErrInvalidCredential = errors.New("invalid credential")
)

// Usage is the pair of counters a credential's quota is checked against.
type Usage struct {
	Consumed int64
	Reserved int64
}

// UsageOf returns the counters of credential.
func UsageOf(credential core.Credential) Usage {
	return Usage{Consumed: credential.Consumed, Reserved: credential.Reserved}
}

// Store is the arena of credential records keyed by ID.
type Store interface {
	// List returns every credential in the store.
	List(ctx context.Context) ([]core.Credential, error)
	// Get returns one credential.
	Get(ctx context.Context, id string) (core.Credential, error)
	// Insert adds a new credential.
	Insert(ctx context.Context, credential core.Credential) error
	// CompareAndSwapUsage sets a credential's counters to next only if they
	// still equal previous. It reports whether the swap happened.
	CompareAndSwapUsage(ctx context.Context, id string, previous, next Usage) (bool, error)
	// SetStatus changes a credential's lifecycle state.
	SetStatus(ctx context.Context, id string, status core.CredentialStatus) error
	// ResetConsumed zeroes one credential's consumption.
	ResetConsumed(ctx context.Context, id string) error
	// ResetAllConsumed zeroes every credential's consumption and returns how
	// many were reset.
	ResetAllConsumed(ctx context.Context) (int64, error)
	// ClearReservations drops every reservation and returns how many
	// credentials held one.
	ClearReservations(ctx context.Context) (int64, error)
	// Close releases resources.
	Close() error
}
