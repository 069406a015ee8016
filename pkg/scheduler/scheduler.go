// Package scheduler runs cron-scheduled maintenance jobs. When a pool is
// configured every run is guarded by a Postgres advisory lock so only one
// process executes a job at a time, and the job context carries the pool.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/approvalgate/pkg/composables"
	"github.com/iota-uz/approvalgate/pkg/logging"
	"github.com/iota-uz/approvalgate/pkg/pglock"
)

type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

type Options struct {
	TickInterval time.Duration
	JobTimeout   time.Duration
	Logger       *logrus.Entry
	Now          func() time.Time
}

type entry struct {
	job  Job
	next time.Time
}

type Scheduler struct {
	pool    *pgxpool.Pool
	opts    Options
	mu      sync.Mutex
	entries []*entry
}

func New(pool *pgxpool.Pool, opts Options) *Scheduler {
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 5 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{pool: pool, opts: opts}
}

// Add registers a job. The schedule must be a valid five-field cron expression.
func (s *Scheduler) Add(job Job) error {
	if job.Run == nil {
		return fmt.Errorf("scheduler: job %q has no run func", job.Name)
	}
	if !gronx.New().IsValid(job.Schedule) {
		return fmt.Errorf("scheduler: job %q has invalid schedule %q", job.Name, job.Schedule)
	}
	next, err := gronx.NextTickAfter(job.Schedule, s.opts.Now(), false)
	if err != nil {
		return fmt.Errorf("scheduler: job %q: %w", job.Name, err)
	}
	s.mu.Lock()
	s.entries = append(s.entries, &entry{job: job, next: next})
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()
	s.opts.Logger.WithField("jobs", len(s.entries)).Info("scheduler started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.RunDue(ctx, s.opts.Now())
		}
	}
}

// RunDue executes every job whose next tick is at or before now and
// reschedules it. It returns the names of the jobs that ran.
func (s *Scheduler) RunDue(ctx context.Context, now time.Time) []string {
	s.mu.Lock()
	var due []*entry
	for _, e := range s.entries {
		if !e.next.After(now) {
			due = append(due, e)
			next, err := gronx.NextTickAfter(e.job.Schedule, now, false)
			if err != nil {
				s.opts.Logger.WithError(err).WithField("job", e.job.Name).Error("scheduler: failed to compute next run")
				next = now.Add(time.Minute)
			}
			e.next = next
		}
	}
	s.mu.Unlock()

	ran := make([]string, 0, len(due))
	for _, e := range due {
		if s.execute(ctx, e.job) {
			ran = append(ran, e.job.Name)
		}
	}
	return ran
}

func (s *Scheduler) execute(ctx context.Context, job Job) bool {
	log := s.opts.Logger.WithField("job", job.Name)
	ctx, cancel := context.WithTimeout(ctx, s.opts.JobTimeout)
	defer cancel()

	if s.pool != nil {
		conn, err := s.pool.Acquire(ctx)
		if err != nil {
			log.WithError(err).Warn("scheduler: acquire connection failed")
			return false
		}
		defer conn.Release()

		key := pglock.Key("scheduler:" + job.Name)
		ok, err := pglock.TryLock(ctx, conn, key)
		if err != nil {
			log.WithError(err).Warn("scheduler: advisory lock failed")
			return false
		}
		if !ok {
			log.Debug("scheduler: job is running elsewhere, skipping")
			return false
		}
		defer func() { _ = pglock.Unlock(context.Background(), conn, key) }()
		ctx = composables.WithPool(ctx, s.pool)
	}

	start := time.Now()
	if err := job.Run(ctx); err != nil {
		log.WithError(err).WithField("duration", time.Since(start)).Error("scheduler: job failed")
		return true
	}
	log.WithField("duration", time.Since(start)).Info("scheduler: job finished")
	return true
}
