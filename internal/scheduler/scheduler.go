// Package scheduler runs the periodic maintenance of the credential pool:
// the monthly quota reset and the pool gauge snapshot.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-gateway/internal/core"
	"github.com/robfig/cron/v3"
)

// Default schedules.
const (
	DefaultResetSchedule    = "0 0 1 * *"
	DefaultSnapshotSchedule = "@every 1m"
)

const (
	logFmtScheduled    = "Scheduled %s job at %q"
	logFmtResetDone    = "Monthly quota reset: %d credential(s) reset"
	logFmtJobFailed    = "Scheduled %s job failed: %v"
	errFmtSchedule     = "schedule %s job %q: %w"
	errFmtReset        = "reset quotas: %w"
	errFmtSnapshot     = "snapshot pool: %w"
	resetJobName       = "quota reset"
	snapshotJobName    = "pool snapshot"
	defaultJobDeadline = time.Minute
)

// Pool is the part of the credential pool the scheduler maintains.
type Pool interface {
	List(ctx context.Context) ([]core.Credential, error)
	ResetAll(ctx context.Context) (int64, error)
}

// Observer records maintenance outcomes.
type Observer interface {
	ObservePool(credentials []core.Credential)
	ObserveQuotaReset()
}

// Options configure the schedules. An empty SnapshotSchedule disables snapshots.
type Options struct {
	ResetSchedule    string
	SnapshotSchedule string
	Location         *time.Location
	JobDeadline      time.Duration
}

// DefaultOptions returns the standard schedules in UTC.
func DefaultOptions() Options {
	return Options{
		ResetSchedule:    DefaultResetSchedule,
		SnapshotSchedule: DefaultSnapshotSchedule,
		Location:         time.UTC,
		JobDeadline:      defaultJobDeadline,
	}
}

// Scheduler wraps a cron runner bound to one pool.
type Scheduler struct {
	cron     *cron.Cron
	pool     Pool
	observer Observer
	deadline time.Duration
	log      *logger.Logger
}

// New registers the maintenance jobs. Nothing runs until Start.
func New(pool Pool, observer Observer, options Options, log *logger.Logger) (*Scheduler, error) {
	if options.Location == nil {
		options.Location = time.UTC
	}

	if options.JobDeadline <= 0 {
		options.JobDeadline = defaultJobDeadline
	}

	if options.ResetSchedule == "" {
		options.ResetSchedule = DefaultResetSchedule
	}

	s := &Scheduler{
		cron:     cron.New(cron.WithLocation(options.Location), cron.WithChain(cron.Recover(cron.DefaultLogger))),
		pool:     pool,
		observer: observer,
		deadline: options.JobDeadline,
		log:      log,
	}

	if err := s.add(resetJobName, options.ResetSchedule, s.ResetQuotas); err != nil {
		return nil, err
	}

	if options.SnapshotSchedule != "" {
		if err := s.add(snapshotJobName, options.SnapshotSchedule, s.SnapshotPool); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// Start runs the scheduler in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Entries returns the registered jobs.
func (s *Scheduler) Entries() []cron.Entry {
	return s.cron.Entries()
}

// ResetQuotas zeroes every credential's consumption.
func (s *Scheduler) ResetQuotas(ctx context.Context) error {
	count, err := s.pool.ResetAll(ctx)
	if err != nil {
		return fmt.Errorf(errFmtReset, err)
	}

	s.log.System(logFmtResetDone, count)

	if s.observer != nil {
		s.observer.ObserveQuotaReset()
	}

	return s.SnapshotPool(ctx)
}

// SnapshotPool publishes the pool's current state to the observer.
func (s *Scheduler) SnapshotPool(ctx context.Context) error {
	if s.observer == nil {
		return nil
	}

	credentials, err := s.pool.List(ctx)
	if err != nil {
		return fmt.Errorf(errFmtSnapshot, err)
	}

	s.observer.ObservePool(credentials)

	return nil
}

func (s *Scheduler) add(name, spec string, job func(ctx context.Context) error) error {
	_, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.deadline)
		defer cancel()

		if jobErr := job(ctx); jobErr != nil {
			s.log.Error(logFmtJobFailed, name, jobErr)
		}
	})
	if err != nil {
		return fmt.Errorf(errFmtSchedule, name, spec, err)
	}

	s.log.Info(logFmtScheduled, name, spec)

	return nil
}
