package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"phatnguoi-service/internal/domain/violation"
	"phatnguoi-service/internal/service"
	"phatnguoi-service/internal/telemetry"
)

const defaultInterJobDelay = 2 * time.Second

// Scheduler fires the diff service for every active job on a calendar
// schedule. Jobs run strictly sequentially with a fixed delay between
// them: the target site rate-limits aggressively, so the batch never
// fans out.
type Scheduler struct {
	svc      *service.LookupService
	cron     *cron.Cron
	schedule cron.Schedule
	delay    time.Duration
	log      zerolog.Logger

	mu       sync.Mutex
	counters Counters
}

// Counters are lifetime totals, reset only on process restart.
type Counters struct {
	Total   int64
	Success int64
	Failure int64
}

// New parses spec (standard 5-field cron expression) in the given
// timezone and builds a scheduler around the diff service.
func New(svc *service.LookupService, spec string, loc *time.Location, log zerolog.Logger) (*Scheduler, error) {
	if loc == nil {
		loc = time.Local
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(spec)
	if err != nil {
		return nil, err
	}

	s := &Scheduler{
		svc:      svc,
		cron:     cron.New(cron.WithLocation(loc)),
		schedule: schedule,
		delay:    defaultInterJobDelay,
		log:      log,
	}
	if _, err := s.cron.AddFunc(spec, func() { s.RunBatch(context.Background()) }); err != nil {
		return nil, err
	}
	return s, nil
}

// WithInterJobDelay overrides the pause between consecutive jobs.
func (s *Scheduler) WithInterJobDelay(d time.Duration) *Scheduler {
	if d >= 0 {
		s.delay = d
	}
	return s
}

// NextRun evaluates the schedule for the diff service.
func (s *Scheduler) NextRun(now time.Time) time.Time {
	return s.schedule.Next(now)
}

// Start begins firing batches. Returns immediately.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Msg("scheduler started")
}

// Stop stops scheduling new batches. In-flight jobs run to completion;
// the returned context is done when they have.
func (s *Scheduler) Stop() context.Context {
	s.log.Info().Msg("scheduler stopping")
	return s.cron.Stop()
}

// RunBatch executes every active job once, sequentially. One job's
// failure or panic never aborts the batch.
func (s *Scheduler) RunBatch(ctx context.Context) {
	jobs, err := s.svc.ActiveJobs(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list active jobs")
		return
	}
	s.log.Info().Int("jobs", len(jobs)).Msg("running scheduled batch")

	for i, job := range jobs {
		if i > 0 {
			select {
			case <-ctx.Done():
				s.log.Warn().Err(ctx.Err()).Msg("batch interrupted")
				return
			case <-time.After(s.delay):
			}
		}
		s.runOne(ctx, job)
	}
}

func (s *Scheduler) runOne(ctx context.Context, job violation.CronJob) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Int64("job_id", job.ID).Interface("panic", r).Msg("job panicked")
			s.record(false)
		}
	}()

	res := s.svc.ExecuteJob(ctx, job)
	if !res.Success {
		s.log.Warn().Int64("job_id", job.ID).Str("plate", job.Plate).Str("message", res.Message).Msg("job failed")
		s.record(false)
		return
	}
	s.record(true)
}

func (s *Scheduler) record(success bool) {
	s.mu.Lock()
	s.counters.Total++
	if success {
		s.counters.Success++
	} else {
		s.counters.Failure++
	}
	s.mu.Unlock()

	telemetry.JobsExecuted.Inc()
	if !success {
		telemetry.JobsFailed.Inc()
	}
}

// Stats returns a copy of the lifetime counters.
func (s *Scheduler) Stats() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters
}
