// Package core defines the domain types and the collaborator interfaces of the
// speech generation pipeline.
package core

import "context"

// ObjectStore defines the interface for interacting with a key-value blob store.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte) error
}

// Provider is the outbound synthesis surface consumed by the executor.
// Implementations return a *ProviderError for every classified failure.
type Provider interface {
	Synthesize(ctx context.Context, credential Credential, req SynthesisRequest) ([]byte, error)
}

// CreditLedger is the user balance owned by the account collaborator. The
// pipeline only asks whether a balance covers an amount; deduction happens after
// the result has been persisted.
type CreditLedger interface {
	HasSufficientCredits(ctx context.Context, userID string, amount int64) (bool, error)
	Deduct(ctx context.Context, userID string, amount int64) (bool, error)
}

// CredentialPool hands out provider credentials under quota constraints.
// Acquire reserves requiredCredits on the returned credential; the caller
// settles the reservation with ReportUsage after a successful call or gives it
// back with Release.
type CredentialPool interface {
	Acquire(ctx context.Context, tier Tier, requiredCredits int64, exclude ...string) (Credential, error)
	ReportUsage(ctx context.Context, credentialID string, credits int64) error
	Release(ctx context.Context, credentialID string, credits int64) error
}
