// Package executor runs one outbound synthesis with bounded retry and
// credential failover around the credential pool.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-gateway/internal/core"
)

const (
	// DefaultMaxAttempts is the number of provider calls allowed per execution.
	DefaultMaxAttempts = 3

	// DefaultRetryDelay is the fixed pause between attempts.
	DefaultRetryDelay = time.Second
)

const (
	logFmtAttemptFailed   = "Attempt %d/%d with credential %s failed (%s): %v"
	logFmtAcquireFailed   = "Attempt %d/%d could not acquire a %s credential for %d credits: %v"
	logFmtRotating        = "Retrying in %s, excluding %d rejected credential(s)"
	logFmtUsageNotStored  = "Credential %s served %d credits but usage was not recorded: %v"
	logFmtAttemptAborted  = "Attempt %d aborted: %v"
	logFmtNotReleased     = "Could not release %d reserved credits on credential %s: %v"
	errFmtContextFinished = "execution interrupted: %w"
)

// RetryPolicy bounds the retry loop.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     func(attempt int) time.Duration
}

// FixedBackoff waits the same delay after every failed attempt.
func FixedBackoff(delay time.Duration) func(int) time.Duration {
	return func(int) time.Duration {
		return delay
	}
}

// DefaultRetryPolicy allows three attempts one second apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: DefaultMaxAttempts,
		Backoff:     FixedBackoff(DefaultRetryDelay),
	}
}

// Sleeper pauses between attempts. It returns early with the context's error
// when ctx is done.
type Sleeper interface {
	Sleep(ctx context.Context, delay time.Duration) error
}

// SleeperFunc adapts a function to Sleeper.
type SleeperFunc func(ctx context.Context, delay time.Duration) error

// Sleep calls f.
func (f SleeperFunc) Sleep(ctx context.Context, delay time.Duration) error {
	return f(ctx, delay)
}

// TimerSleeper sleeps on a real timer.
var TimerSleeper Sleeper = SleeperFunc(func(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
})

// Recorder observes attempt outcomes. An empty kind means success.
type Recorder interface {
	ObserveAttempt(kind core.ErrorKind)
	ObserveUsage(tier core.Tier, credits int64)
}

type nopRecorder struct{}

func (nopRecorder) ObserveAttempt(core.ErrorKind) {}

func (nopRecorder) ObserveUsage(core.Tier, int64) {}

// Executor performs synthesis calls with failover across pool credentials.
type Executor struct {
	pool     core.CredentialPool
	provider core.Provider
	policy   RetryPolicy
	sleeper  Sleeper
	recorder Recorder
	log      *logger.Logger
}

// New creates an Executor. A nil sleeper uses TimerSleeper and a nil recorder
// discards observations.
func New(
	pool core.CredentialPool,
	provider core.Provider,
	policy RetryPolicy,
	sleeper Sleeper,
	recorder Recorder,
	log *logger.Logger,
) *Executor {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultMaxAttempts
	}

	if policy.Backoff == nil {
		policy.Backoff = FixedBackoff(DefaultRetryDelay)
	}

	if sleeper == nil {
		sleeper = TimerSleeper
	}

	if recorder == nil {
		recorder = nopRecorder{}
	}

	return &Executor{
		pool:     pool,
		provider: provider,
		policy:   policy,
		sleeper:  sleeper,
		recorder: recorder,
		log:      log,
	}
}

// Execute runs req against the provider, charging estimatedCredits to the
// credential that serves it. It makes at most MaxAttempts provider calls and
// returns *core.GenerationFailedError when no attempt succeeded.
func (e *Executor) Execute(
	ctx context.Context,
	tier core.Tier,
	req core.SynthesisRequest,
	estimatedCredits int64,
) ([]byte, error) {
	var (
		lastErr  error
		rejected []string
		made     int
	)

	for attempt := 1; attempt <= e.policy.MaxAttempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			lastErr = interrupted(ctxErr)
			e.log.Warn(logFmtAttemptAborted, attempt, lastErr)

			break
		}

		made = attempt

		audio, credential, err := e.attempt(ctx, tier, req, estimatedCredits, rejected)
		if err == nil {
			e.reportUsage(ctx, tier, credential, estimatedCredits)

			return audio, nil
		}

		lastErr = err
		kind := core.KindOf(err)
		e.recorder.ObserveAttempt(kind)

		if credential.ID != "" {
			e.log.Warn(logFmtAttemptFailed, attempt, e.policy.MaxAttempts, credential.ID, kind, err)

			if rejectsCredential(kind) {
				rejected = append(rejected, credential.ID)
			}
		} else {
			e.log.Warn(logFmtAcquireFailed, attempt, e.policy.MaxAttempts, tier, estimatedCredits, err)
		}

		if !kind.Retryable() || attempt == e.policy.MaxAttempts {
			break
		}

		delay := e.policy.Backoff(attempt)
		e.log.Info(logFmtRotating, delay, len(rejected))

		if sleepErr := e.sleeper.Sleep(ctx, delay); sleepErr != nil {
			lastErr = interrupted(sleepErr)

			break
		}
	}

	return nil, &core.GenerationFailedError{
		Attempts: made,
		Last:     lastErr,
	}
}

// attempt acquires a credential and makes one provider call. The returned
// credential is zero when acquisition failed.
func (e *Executor) attempt(
	ctx context.Context,
	tier core.Tier,
	req core.SynthesisRequest,
	estimatedCredits int64,
	rejected []string,
) ([]byte, core.Credential, error) {
	credential, err := e.pool.Acquire(ctx, tier, estimatedCredits, rejected...)
	if err != nil {
		return nil, core.Credential{}, err
	}

	audio, err := e.provider.Synthesize(ctx, credential, req)
	if err != nil {
		e.release(ctx, credential, estimatedCredits)

		return nil, credential, err
	}

	return audio, credential, nil
}

// reportUsage settles the reservation of a successful call. It runs even when
// ctx was cancelled after the provider answered.
func (e *Executor) reportUsage(ctx context.Context, tier core.Tier, credential core.Credential, credits int64) {
	e.recorder.ObserveAttempt("")

	if err := e.pool.ReportUsage(context.WithoutCancel(ctx), credential.ID, credits); err != nil {
		e.log.Error(logFmtUsageNotStored, credential.ID, credits, err)

		return
	}

	e.recorder.ObserveUsage(tier, credits)
}

// release returns the reservation of a failed call to the pool.
func (e *Executor) release(ctx context.Context, credential core.Credential, credits int64) {
	if err := e.pool.Release(context.WithoutCancel(ctx), credential.ID, credits); err != nil {
		e.log.Error(logFmtNotReleased, credits, credential.ID, err)
	}
}

// rejectsCredential reports whether a failure is specific to the credential
// used, so the next attempt should pick another one.
func rejectsCredential(kind core.ErrorKind) bool {
	switch kind {
	case core.KindAuthRejected, core.KindQuotaExceeded, core.KindRateLimited, core.KindVoiceUnavailable:
		return true
	default:
		return false
	}
}

func interrupted(cause error) error {
	return core.NewProviderError(core.KindServerError, 0, "", "", fmt.Errorf(errFmtContextFinished, cause))
}
