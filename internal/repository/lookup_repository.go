package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"phatnguoi-service/internal/domain/violation"
)

type LookupRepository struct {
	db *gorm.DB
}

func NewLookupRepository(db *gorm.DB) *LookupRepository {
	return &LookupRepository{db: db}
}

type User struct {
	ID          int64  `gorm:"primaryKey"`
	ChatID      string `gorm:"not null;uniqueIndex"`
	DisplayName *string
	CreatedAt   time.Time
}

type CronJob struct {
	ID          int64  `gorm:"primaryKey"`
	UserID      int64  `gorm:"not null"`
	Plate       string `gorm:"not null"`
	VehicleType string `gorm:"not null"`
	Active      bool   `gorm:"not null;default:true"`
	LastRunAt   *time.Time
	NextRunAt   *time.Time
	CreatedAt   time.Time
}

type LookupHistory struct {
	ID               int64          `gorm:"primaryKey"`
	CronJobID        int64          `gorm:"not null;index"`
	Violations       datatypes.JSON `gorm:"type:jsonb"`
	TotalViolations  int
	TotalPaid        int
	TotalUnpaid      int
	HasNewViolations bool
	CreatedAt        time.Time
}

// GetOrCreateUser resolves a chat identity to a user row, creating it
// on first contact.
func (r *LookupRepository) GetOrCreateUser(ctx context.Context, chatID, displayName string) (int64, error) {
	var user User
	err := r.db.WithContext(ctx).Where("chat_id = ?", chatID).First(&user).Error
	if err == nil {
		return user.ID, nil
	}
	if err != gorm.ErrRecordNotFound {
		return 0, err
	}

	user = User{
		ChatID:    chatID,
		CreatedAt: time.Now(),
	}
	if displayName != "" {
		user.DisplayName = &displayName
	}
	if err := r.db.WithContext(ctx).Create(&user).Error; err != nil {
		return 0, err
	}
	return user.ID, nil
}

// GetUserChatID returns the chat identity for a user id.
func (r *LookupRepository) GetUserChatID(ctx context.Context, userID int64) (string, error) {
	var user User
	if err := r.db.WithContext(ctx).First(&user, userID).Error; err != nil {
		return "", err
	}
	return user.ChatID, nil
}

func (r *LookupRepository) CreateCronJob(ctx context.Context, job *violation.CronJob) error {
	row := CronJob{
		UserID:      job.UserID,
		Plate:       job.Plate,
		VehicleType: job.VehicleType,
		Active:      job.Active,
		CreatedAt:   time.Now(),
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return err
	}
	job.ID = row.ID
	job.CreatedAt = row.CreatedAt
	return nil
}

func (r *LookupRepository) GetCronJob(ctx context.Context, id int64) (*violation.CronJob, error) {
	var row CronJob
	err := r.db.WithContext(ctx).First(&row, id).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	job := toDomainJob(row)
	return &job, nil
}

func (r *LookupRepository) ListJobsForUser(ctx context.Context, userID int64) ([]violation.CronJob, error) {
	var rows []CronJob
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	jobs := make([]violation.CronJob, 0, len(rows))
	for _, row := range rows {
		jobs = append(jobs, toDomainJob(row))
	}
	return jobs, nil
}

// ListActiveJobs returns every job the scheduler must run this batch.
func (r *LookupRepository) ListActiveJobs(ctx context.Context) ([]violation.CronJob, error) {
	var rows []CronJob
	err := r.db.WithContext(ctx).
		Where("active = ?", true).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	jobs := make([]violation.CronJob, 0, len(rows))
	for _, row := range rows {
		jobs = append(jobs, toDomainJob(row))
	}
	return jobs, nil
}

func (r *LookupRepository) SetJobActive(ctx context.Context, id int64, active bool) error {
	res := r.db.WithContext(ctx).
		Model(&CronJob{}).
		Where("id = ?", id).
		Update("active", active)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *LookupRepository) DeleteCronJob(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("cron_job_id = ?", id).Delete(&LookupHistory{}).Error; err != nil {
			return err
		}
		return tx.Delete(&CronJob{}, id).Error
	})
}

// UpdateJobRunTimes persists the run-time fields the diff service
// computed. Left untouched on lookup failure so staleness stays
// observable.
func (r *LookupRepository) UpdateJobRunTimes(ctx context.Context, id int64, lastRun, nextRun time.Time) error {
	return r.db.WithContext(ctx).
		Model(&CronJob{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"last_run_at": lastRun,
			"next_run_at": nextRun,
		}).Error
}

// LatestHistory returns the most recent snapshot for a job, nil when
// the job has never completed a lookup.
func (r *LookupRepository) LatestHistory(ctx context.Context, jobID int64) (*violation.LookupHistory, error) {
	var row LookupHistory
	err := r.db.WithContext(ctx).
		Where("cron_job_id = ?", jobID).
		Order("created_at DESC").
		First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return toDomainHistory(row)
}

func (r *LookupRepository) ListHistory(ctx context.Context, jobID int64, limit int) ([]violation.LookupHistory, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var rows []LookupHistory
	err := r.db.WithContext(ctx).
		Where("cron_job_id = ?", jobID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]violation.LookupHistory, 0, len(rows))
	for _, row := range rows {
		h, err := toDomainHistory(row)
		if err != nil {
			return nil, err
		}
		out = append(out, *h)
	}
	return out, nil
}

func (r *LookupRepository) CreateHistory(ctx context.Context, hist *violation.LookupHistory) error {
	payload, err := json.Marshal(hist.Violations)
	if err != nil {
		return fmt.Errorf("serialize violations: %w", err)
	}
	row := LookupHistory{
		CronJobID:        hist.CronJobID,
		Violations:       datatypes.JSON(payload),
		TotalViolations:  hist.TotalViolations,
		TotalPaid:        hist.TotalPaid,
		TotalUnpaid:      hist.TotalUnpaid,
		HasNewViolations: hist.HasNewViolations,
		CreatedAt:        time.Now(),
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return err
	}
	hist.ID = row.ID
	hist.CreatedAt = row.CreatedAt
	return nil
}

func toDomainJob(row CronJob) violation.CronJob {
	return violation.CronJob{
		ID:          row.ID,
		UserID:      row.UserID,
		Plate:       row.Plate,
		VehicleType: row.VehicleType,
		Active:      row.Active,
		LastRunAt:   row.LastRunAt,
		NextRunAt:   row.NextRunAt,
		CreatedAt:   row.CreatedAt,
	}
}

func toDomainHistory(row LookupHistory) (*violation.LookupHistory, error) {
	var violations []violation.Violation
	if len(row.Violations) > 0 {
		if err := json.Unmarshal(row.Violations, &violations); err != nil {
			return nil, fmt.Errorf("deserialize violations: %w", err)
		}
	}
	return &violation.LookupHistory{
		ID:               row.ID,
		CronJobID:        row.CronJobID,
		Violations:       violations,
		TotalViolations:  row.TotalViolations,
		TotalPaid:        row.TotalPaid,
		TotalUnpaid:      row.TotalUnpaid,
		HasNewViolations: row.HasNewViolations,
		CreatedAt:        row.CreatedAt,
	}, nil
}
