package db

import (
	"fmt"

	"gorm.io/gorm"
)

var migrationStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id              BIGSERIAL PRIMARY KEY,
		chat_id         TEXT NOT NULL,
		display_name    TEXT,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_users_chat_id ON users(chat_id);`,
	`CREATE TABLE IF NOT EXISTS cron_jobs (
		id              BIGSERIAL PRIMARY KEY,
		user_id         BIGINT REFERENCES users(id),
		plate           TEXT NOT NULL,
		vehicle_type    TEXT NOT NULL,
		active          BOOLEAN NOT NULL DEFAULT TRUE,
		last_run_at     TIMESTAMPTZ,
		next_run_at     TIMESTAMPTZ,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_cron_jobs_user_plate ON cron_jobs(user_id, plate, vehicle_type);`,
	`CREATE INDEX IF NOT EXISTS idx_cron_jobs_active ON cron_jobs(active);`,
	`CREATE TABLE IF NOT EXISTS lookup_histories (
		id                  BIGSERIAL PRIMARY KEY,
		cron_job_id         BIGINT REFERENCES cron_jobs(id),
		violations          JSONB NOT NULL DEFAULT '[]',
		total_violations    INT NOT NULL DEFAULT 0,
		total_paid          INT NOT NULL DEFAULT 0,
		total_unpaid        INT NOT NULL DEFAULT 0,
		has_new_violations  BOOLEAN NOT NULL DEFAULT FALSE,
		created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_lookup_histories_job ON lookup_histories(cron_job_id, created_at DESC);`,
}

func runMigrations(db *gorm.DB) error {
	for i, stmt := range migrationStatements {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}
