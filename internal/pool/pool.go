package pool

import (
	"context"
	"fmt"
	"runtime"
	"slices"
	"sort"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-gateway/internal/core"
	"github.com/google/uuid"
)

const (
	// DefaultSafetyBuffer is the headroom kept in reserve on every credential.
	DefaultSafetyBuffer int64 = 500

	// DefaultMaxUpdateRetries bounds every compare-and-update loop.
	DefaultMaxUpdateRetries = 64
)

const (
	errFmtNoCapacity     = "%w: tier %s needs %d credits (+%d buffer)"
	errFmtUsageConflict  = "%w: %s after %d attempts"
	errFmtInvalidField   = "%w: %s"
	logFmtNoCapacity     = "No %s credential has %d credits of headroom (%d candidates excluded)"
	logFmtUsageReported  = "Credential %s consumed %d credits (%d/%d)"
	logFmtCredentialAdd  = "Credential %s (%s, tier %s, priority %d) added to pool"
	logFmtCredentialsRes = "Reset consumption of %d credentials"
	logFmtReserved       = "Credential %s reserved %d credits (%d reserved, %d/%d consumed)"
	logFmtReleased       = "Credential %s released %d reserved credits"
	logFmtReservationsCl = "Cleared stale reservations on %d credentials"
)

// Options tune a Pool.
type Options struct {
	SafetyBuffer     int64
	MaxUpdateRetries int
}

// DefaultOptions returns the standard pool tuning.
func DefaultOptions() Options {
	return Options{
		SafetyBuffer:     DefaultSafetyBuffer,
		MaxUpdateRetries: DefaultMaxUpdateRetries,
	}
}

// Pool selects credentials for outbound calls and accounts their usage.
// It is safe for concurrent use; all shared state lives in the Store.
type Pool struct {
	store   Store
	options Options
	log     *logger.Logger
}

// New creates a Pool over store.
func New(store Store, options Options, log *logger.Logger) *Pool {
	if options.SafetyBuffer < 0 {
		options.SafetyBuffer = 0
	}

	if options.MaxUpdateRetries <= 0 {
		options.MaxUpdateRetries = DefaultMaxUpdateRetries
	}

	return &Pool{
		store:   store,
		options: options,
		log:     log,
	}
}

// SafetyBuffer returns the reserve applied on top of every acquisition.
func (p *Pool) SafetyBuffer() int64 {
	return p.options.SafetyBuffer
}

// Acquire reserves requiredCredits on the best credential of tier that can
// absorb them plus the safety buffer and returns it. Credentials whose IDs are
// in exclude are skipped. Selection prefers higher priority, then more
// headroom, then the lower ID. The reservation counts against headroom until
// ReportUsage or Release settles it.
func (p *Pool) Acquire(
	ctx context.Context,
	tier core.Tier,
	requiredCredits int64,
	exclude ...string,
) (core.Credential, error) {
	for range p.options.MaxUpdateRetries {
		candidate, err := p.best(ctx, tier, requiredCredits, exclude)
		if err != nil {
			return core.Credential{}, err
		}

		previous := UsageOf(candidate)
		next := Usage{Consumed: previous.Consumed, Reserved: previous.Reserved + requiredCredits}

		swapped, err := p.store.CompareAndSwapUsage(ctx, candidate.ID, previous, next)
		if err != nil {
			return core.Credential{}, fmt.Errorf("acquire credential: %w", err)
		}

		if swapped {
			candidate.Reserved = next.Reserved
			p.log.Info(logFmtReserved, candidate.ID, requiredCredits, next.Reserved, next.Consumed, candidate.Quota)

			return candidate, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return core.Credential{}, fmt.Errorf("acquire credential: %w", ctxErr)
		}

		runtime.Gosched()
	}

	return core.Credential{}, fmt.Errorf(errFmtUsageConflict, ErrUsageConflict, "acquisition in tier "+string(tier), p.options.MaxUpdateRetries)
}

// best returns the preferred credential whose headroom covers requiredCredits
// plus the safety buffer.
func (p *Pool) best(ctx context.Context, tier core.Tier, requiredCredits int64, exclude []string) (core.Credential, error) {
	credentials, err := p.store.List(ctx)
	if err != nil {
		return core.Credential{}, fmt.Errorf("acquire credential: %w", err)
	}

	needed := requiredCredits + p.options.SafetyBuffer
	candidates := make([]core.Credential, 0, len(credentials))

	for _, credential := range credentials {
		if credential.Status != core.StatusActive || credential.Tier != tier {
			continue
		}

		if slices.Contains(exclude, credential.ID) {
			continue
		}

		if credential.Headroom() < needed {
			continue
		}

		candidates = append(candidates, credential)
	}

	if len(candidates) == 0 {
		p.log.Warn(logFmtNoCapacity, tier, needed, len(exclude))

		return core.Credential{}, fmt.Errorf(errFmtNoCapacity, core.ErrNoCapacity, tier, requiredCredits, p.options.SafetyBuffer)
	}

	sort.Slice(candidates, func(i, j int) bool {
		return better(candidates[i], candidates[j])
	})

	return candidates[0], nil
}

// ReportUsage settles a reservation after a successful call: credits move from
// reserved to consumed. A report without a reservation only adds consumption.
// Concurrent reports for the same credential are never lost.
func (p *Pool) ReportUsage(ctx context.Context, credentialID string, credits int64) error {
	next, quota, err := p.updateUsage(ctx, credentialID, func(usage Usage) Usage {
		return Usage{Consumed: usage.Consumed + credits, Reserved: max(0, usage.Reserved-credits)}
	})
	if err != nil {
		return fmt.Errorf("report usage: %w", err)
	}

	p.log.Info(logFmtUsageReported, credentialID, credits, next.Consumed, quota)

	return nil
}

// Release gives back credits reserved by Acquire for a call that failed.
func (p *Pool) Release(ctx context.Context, credentialID string, credits int64) error {
	_, _, err := p.updateUsage(ctx, credentialID, func(usage Usage) Usage {
		return Usage{Consumed: usage.Consumed, Reserved: max(0, usage.Reserved-credits)}
	})
	if err != nil {
		return fmt.Errorf("release reservation: %w", err)
	}

	p.log.Info(logFmtReleased, credentialID, credits)

	return nil
}

// ClearReservations drops reservations left behind by calls that never
// settled, such as those of a stopped process. It must only run while no call
// is in flight.
func (p *Pool) ClearReservations(ctx context.Context) (int64, error) {
	count, err := p.store.ClearReservations(ctx)
	if err != nil {
		return 0, fmt.Errorf("clear reservations: %w", err)
	}

	if count > 0 {
		p.log.Warn(logFmtReservationsCl, count)
	}

	return count, nil
}

// updateUsage applies mutate with compare-and-update, retrying lost races.
func (p *Pool) updateUsage(ctx context.Context, credentialID string, mutate func(Usage) Usage) (Usage, int64, error) {
	for range p.options.MaxUpdateRetries {
		credential, err := p.store.Get(ctx, credentialID)
		if err != nil {
			return Usage{}, 0, err
		}

		previous := UsageOf(credential)
		next := mutate(previous)

		swapped, err := p.store.CompareAndSwapUsage(ctx, credentialID, previous, next)
		if err != nil {
			return Usage{}, 0, err
		}

		if swapped {
			return next, credential.Quota, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return Usage{}, 0, ctxErr
		}

		runtime.Gosched()
	}

	return Usage{}, 0, fmt.Errorf(errFmtUsageConflict, ErrUsageConflict, "credential "+credentialID, p.options.MaxUpdateRetries)
}

// Add validates and stores a new credential. A missing ID is generated and a
// missing status defaults to active.
func (p *Pool) Add(ctx context.Context, credential core.Credential) (core.Credential, error) {
	if credential.ID == "" {
		credential.ID = uuid.NewString()
	}

	if credential.Status == "" {
		credential.Status = core.StatusActive
	}

	credential.Reserved = 0

	if err := validateCredential(credential); err != nil {
		return core.Credential{}, err
	}

	if err := p.store.Insert(ctx, credential); err != nil {
		return core.Credential{}, fmt.Errorf("add credential: %w", err)
	}

	p.log.Info(logFmtCredentialAdd, credential.ID, credential.Label, credential.Tier, credential.Priority)

	return credential, nil
}

// List returns every credential.
func (p *Pool) List(ctx context.Context) ([]core.Credential, error) {
	credentials, err := p.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}

	return credentials, nil
}

// SetStatus activates or retires a credential.
func (p *Pool) SetStatus(ctx context.Context, credentialID string, status core.CredentialStatus) error {
	if err := p.store.SetStatus(ctx, credentialID, status); err != nil {
		return fmt.Errorf("set credential status: %w", err)
	}

	return nil
}

// Reset zeroes one credential's consumption.
func (p *Pool) Reset(ctx context.Context, credentialID string) error {
	if err := p.store.ResetConsumed(ctx, credentialID); err != nil {
		return fmt.Errorf("reset credential: %w", err)
	}

	return nil
}

// ResetAll zeroes the consumption of every credential and returns how many
// were reset.
func (p *Pool) ResetAll(ctx context.Context) (int64, error) {
	count, err := p.store.ResetAllConsumed(ctx)
	if err != nil {
		return 0, fmt.Errorf("reset credentials: %w", err)
	}

	p.log.Info(logFmtCredentialsRes, count)

	return count, nil
}

func better(a, b core.Credential) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}

	if a.Headroom() != b.Headroom() {
		return a.Headroom() > b.Headroom()
	}

	return a.ID < b.ID
}

func validateCredential(credential core.Credential) error {
	switch {
	case credential.Secret == "":
		return fmt.Errorf(errFmtInvalidField, ErrInvalidCredential, "secret is empty")
	case credential.Tier != core.TierRegular && credential.Tier != core.TierPremium:
		return fmt.Errorf(errFmtInvalidField, ErrInvalidCredential, "unknown tier "+string(credential.Tier))
	case credential.Quota <= 0:
		return fmt.Errorf(errFmtInvalidField, ErrInvalidCredential, "quota must be positive")
	case credential.Consumed < 0:
		return fmt.Errorf(errFmtInvalidField, ErrInvalidCredential, "consumed must not be negative")
	}

	switch credential.Status {
	case core.StatusActive, core.StatusInactive, core.StatusExpired:
		return nil
	default:
		return fmt.Errorf(errFmtInvalidField, ErrInvalidCredential, "unknown status "+string(credential.Status))
	}
}
