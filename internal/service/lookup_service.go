package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"phatnguoi-service/internal/domain/violation"
	"phatnguoi-service/internal/lookup"
	"phatnguoi-service/internal/utils"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
)

// Pipeline runs one lookup call (bounded retries inside).
type Pipeline interface {
	Lookup(ctx context.Context, opts lookup.Options) violation.LookupResult
}

// Store is the slice of the repository the service needs.
type Store interface {
	GetOrCreateUser(ctx context.Context, chatID, displayName string) (int64, error)
	CreateCronJob(ctx context.Context, job *violation.CronJob) error
	GetCronJob(ctx context.Context, id int64) (*violation.CronJob, error)
	ListJobsForUser(ctx context.Context, userID int64) ([]violation.CronJob, error)
	ListActiveJobs(ctx context.Context) ([]violation.CronJob, error)
	SetJobActive(ctx context.Context, id int64, active bool) error
	DeleteCronJob(ctx context.Context, id int64) error
	UpdateJobRunTimes(ctx context.Context, id int64, lastRun, nextRun time.Time) error
	LatestHistory(ctx context.Context, jobID int64) (*violation.LookupHistory, error)
	ListHistory(ctx context.Context, jobID int64, limit int) ([]violation.LookupHistory, error)
	CreateHistory(ctx context.Context, hist *violation.LookupHistory) error
}

// NextRun evaluates the calendar schedule: given "now", the next
// trigger instant. Supplied by the cron layer, not computed here.
type NextRun func(now time.Time) time.Time

// Notifier delivers a "new violations" message to the job's owner.
type Notifier interface {
	NotifyNewViolations(ctx context.Context, job violation.CronJob, diff violation.Diff, data *violation.LookupData) error
}

// LookupService runs the pipeline for stored jobs and diffs the result
// against the last stored snapshot. It owns no persistent state.
type LookupService struct {
	pipeline Pipeline
	store    Store
	nextRun  NextRun
	notifier Notifier
	log      zerolog.Logger
}

func NewLookupService(pipeline Pipeline, store Store, nextRun NextRun, notifier Notifier, log zerolog.Logger) *LookupService {
	return &LookupService{
		pipeline: pipeline,
		store:    store,
		nextRun:  nextRun,
		notifier: notifier,
		log:      log,
	}
}

// Lookup performs an ad-hoc lookup on behalf of the REST layer. Input
// is validated here so transports branch on the sentinel, never on
// message text.
func (s *LookupService) Lookup(ctx context.Context, plate, vehicleType, captchaText string) (violation.LookupResult, error) {
	normalized := utils.NormalizePlate(plate)
	if normalized == "" {
		return violation.LookupResult{}, fmt.Errorf("%w: plate is required", ErrInvalidInput)
	}
	if !violation.ValidVehicleType(vehicleType) {
		return violation.LookupResult{}, fmt.Errorf("%w: unknown vehicle type %q", ErrInvalidInput, vehicleType)
	}
	return s.pipeline.Lookup(ctx, lookup.Options{
		Plate:       normalized,
		VehicleType: vehicleType,
		CaptchaText: captchaText,
	}), nil
}

// ExecResult is the outcome of one scheduled job execution.
type ExecResult struct {
	Success    bool
	HasChanges bool
	Diff       violation.Diff
	Data       *violation.LookupData
	Message    string
}

// ExecuteJob runs the pipeline for a stored job and diffs the outcome
// against the latest history snapshot. On lookup failure neither
// history nor run-time fields are touched. Persistence failures after a
// successful lookup are reported in logs but never demote the result.
func (s *LookupService) ExecuteJob(ctx context.Context, job violation.CronJob) ExecResult {
	result := s.pipeline.Lookup(ctx, lookup.Options{
		Plate:       job.Plate,
		VehicleType: job.VehicleType,
	})
	if result.Status != violation.StatusOK || result.Data == nil {
		return ExecResult{Success: false, Message: result.Message}
	}
	data := result.Data

	// History read happens before the write below, so the diff never
	// compares against the snapshot this execution produces. An
	// unreadable baseline skips the diff for this run rather than
	// discarding a successful lookup; treating it as first-run would
	// re-announce every known violation.
	var previous []violation.Violation
	diffKnown := true
	message := ""
	prev, err := s.store.LatestHistory(ctx, job.ID)
	if err != nil {
		s.log.Error().Err(err).Int64("job_id", job.ID).Msg("failed to load previous snapshot, skipping diff")
		diffKnown = false
		message = fmt.Sprintf("previous snapshot unavailable, diff skipped: %v", err)
	} else if prev != nil {
		previous = prev.Violations
	}
	// First run: no baseline means everything current counts as new.
	var diff violation.Diff
	if diffKnown {
		diff = violation.Compare(previous, data.Violations)
	}

	hist := &violation.LookupHistory{
		CronJobID:        job.ID,
		Violations:       data.Violations,
		TotalViolations:  data.TotalViolations,
		TotalPaid:        data.TotalPaidViolations,
		TotalUnpaid:      data.TotalUnpaidViolations,
		HasNewViolations: diff.HasChanges(),
	}
	if err := s.store.CreateHistory(ctx, hist); err != nil {
		s.log.Error().Err(err).Int64("job_id", job.ID).Msg("failed to persist history snapshot")
	}

	now := time.Now()
	if err := s.store.UpdateJobRunTimes(ctx, job.ID, now, s.nextRun(now)); err != nil {
		s.log.Error().Err(err).Int64("job_id", job.ID).Msg("failed to update job run times")
	}

	if diff.HasChanges() && s.notifier != nil {
		if err := s.notifier.NotifyNewViolations(ctx, job, diff, data); err != nil {
			s.log.Error().Err(err).Int64("job_id", job.ID).Msg("failed to notify job owner")
		}
	}

	s.log.Info().
		Int64("job_id", job.ID).
		Str("plate", data.Plate).
		Int("violations", data.TotalViolations).
		Int("added", len(diff.Added)).
		Int("removed", len(diff.Removed)).
		Msg("job executed")

	return ExecResult{
		Success:    true,
		HasChanges: diff.HasChanges(),
		Diff:       diff,
		Data:       data,
		Message:    message,
	}
}

// RegisterJob stores a new scheduled plate for a chat identity.
func (s *LookupService) RegisterJob(ctx context.Context, chatID, displayName, plate, vehicleType string) (*violation.CronJob, error) {
	normalized := utils.NormalizePlate(plate)
	if normalized == "" {
		return nil, fmt.Errorf("%w: plate is required", ErrInvalidInput)
	}
	if !violation.ValidVehicleType(vehicleType) {
		return nil, fmt.Errorf("%w: unknown vehicle type %q", ErrInvalidInput, vehicleType)
	}
	if chatID == "" {
		return nil, fmt.Errorf("%w: chat id is required", ErrInvalidInput)
	}

	userID, err := s.store.GetOrCreateUser(ctx, chatID, displayName)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve user: %w", err)
	}

	job := &violation.CronJob{
		UserID:      userID,
		Plate:       normalized,
		VehicleType: vehicleType,
		Active:      true,
	}
	if err := s.store.CreateCronJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	s.log.Info().
		Int64("job_id", job.ID).
		Int64("user_id", userID).
		Str("plate", normalized).
		Msg("registered cron job")
	return job, nil
}

func (s *LookupService) ListJobs(ctx context.Context, chatID string) ([]violation.CronJob, error) {
	if chatID == "" {
		return nil, fmt.Errorf("%w: chat id is required", ErrInvalidInput)
	}
	userID, err := s.store.GetOrCreateUser(ctx, chatID, "")
	if err != nil {
		return nil, fmt.Errorf("failed to resolve user: %w", err)
	}
	return s.store.ListJobsForUser(ctx, userID)
}

func (s *LookupService) SetJobActive(ctx context.Context, id int64, active bool) error {
	err := s.store.SetJobActive(ctx, id, active)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: job %d", ErrNotFound, id)
	}
	return err
}

func (s *LookupService) DeleteJob(ctx context.Context, id int64) error {
	job, err := s.store.GetCronJob(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("%w: job %d", ErrNotFound, id)
	}
	return s.store.DeleteCronJob(ctx, id)
}

func (s *LookupService) JobHistory(ctx context.Context, id int64, limit int) ([]violation.LookupHistory, error) {
	job, err := s.store.GetCronJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("%w: job %d", ErrNotFound, id)
	}
	return s.store.ListHistory(ctx, id, limit)
}

// ActiveJobs exposes the scheduler's batch input.
func (s *LookupService) ActiveJobs(ctx context.Context) ([]violation.CronJob, error) {
	return s.store.ListActiveJobs(ctx)
}
