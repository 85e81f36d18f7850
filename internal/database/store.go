package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/RoseOO/tapestream/internal/models"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// GetUserByUsername returns the user with the given username.
func (db *DB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	var u models.User
	err := db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, role, created_at, updated_at
		FROM users WHERE username = ?`, username).
		Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return &u, nil
}

// CreateUser inserts a new user and sets its ID.
func (db *DB) CreateUser(ctx context.Context, u *models.User) error {
	now := time.Now().UTC()
	res, err := db.ExecContext(ctx, `
		INSERT INTO users (username, password_hash, role, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		u.Username, u.PasswordHash, u.Role, now, now)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get user id: %w", err)
	}
	u.ID = id
	u.CreatedAt = now
	u.UpdatedAt = now
	return nil
}

// UpdateUserPassword replaces a user's password hash.
func (db *DB) UpdateUserPassword(ctx context.Context, username, passwordHash string) error {
	res, err := db.ExecContext(ctx, `
		UPDATE users SET password_hash = ?, updated_at = ? WHERE username = ?`,
		passwordHash, time.Now().UTC(), username)
	if err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountUsers returns the number of registered users.
func (db *DB) CountUsers(ctx context.Context) (int, error) {
	var n int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM users").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count users: %w", err)
	}
	return n, nil
}

// InsertJobRecord persists the outcome of a finished job.
func (db *DB) InsertJobRecord(ctx context.Context, r *models.JobRecord) error {
	now := time.Now().UTC()
	res, err := db.ExecContext(ctx, `
		INSERT INTO job_records
			(job_id, type, status, source_path, label, tapes_used, manifest_path, error_message, start_time, end_time, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.JobID, r.Type, r.Status, r.SourcePath, r.Label, r.TapesUsed,
		r.ManifestPath, r.ErrorMessage, r.StartTime, r.EndTime, now)
	if err != nil {
		return fmt.Errorf("failed to insert job record: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get job record id: %w", err)
	}
	r.ID = id
	r.CreatedAt = now
	return nil
}

// ListJobRecords returns job history, newest first. A zero limit
// returns all rows.
func (db *DB) ListJobRecords(ctx context.Context, limit int) ([]models.JobRecord, error) {
	query := `
		SELECT id, job_id, type, status, source_path, label, tapes_used,
		       manifest_path, error_message, start_time, end_time, created_at
		FROM job_records ORDER BY created_at DESC, id DESC`
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list job records: %w", err)
	}
	defer rows.Close()

	var records []models.JobRecord
	for rows.Next() {
		var r models.JobRecord
		if err := rows.Scan(&r.ID, &r.JobID, &r.Type, &r.Status, &r.SourcePath,
			&r.Label, &r.TapesUsed, &r.ManifestPath, &r.ErrorMessage,
			&r.StartTime, &r.EndTime, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan job record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// GetJobRecord returns the persisted record for a job ID.
func (db *DB) GetJobRecord(ctx context.Context, jobID string) (*models.JobRecord, error) {
	var r models.JobRecord
	err := db.QueryRowContext(ctx, `
		SELECT id, job_id, type, status, source_path, label, tapes_used,
		       manifest_path, error_message, start_time, end_time, created_at
		FROM job_records WHERE job_id = ?`, jobID).
		Scan(&r.ID, &r.JobID, &r.Type, &r.Status, &r.SourcePath, &r.Label,
			&r.TapesUsed, &r.ManifestPath, &r.ErrorMessage, &r.StartTime,
			&r.EndTime, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query job record: %w", err)
	}
	return &r, nil
}

// CreateSchedule inserts a new backup schedule and sets its ID.
func (db *DB) CreateSchedule(ctx context.Context, s *models.Schedule) error {
	now := time.Now().UTC()
	res, err := db.ExecContext(ctx, `
		INSERT INTO schedules (name, source_path, label, cron_expr, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.Name, s.SourcePath, s.Label, s.CronExpr, s.Enabled, now, now)
	if err != nil {
		return fmt.Errorf("failed to create schedule: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get schedule id: %w", err)
	}
	s.ID = id
	s.CreatedAt = now
	s.UpdatedAt = now
	return nil
}

// ListSchedules returns all schedules ordered by name.
func (db *DB) ListSchedules(ctx context.Context) ([]models.Schedule, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, name, source_path, label, cron_expr, enabled, last_run_at, created_at, updated_at
		FROM schedules ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	defer rows.Close()

	var schedules []models.Schedule
	for rows.Next() {
		var s models.Schedule
		if err := rows.Scan(&s.ID, &s.Name, &s.SourcePath, &s.Label, &s.CronExpr,
			&s.Enabled, &s.LastRunAt, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

// GetSchedule returns a schedule by ID.
func (db *DB) GetSchedule(ctx context.Context, id int64) (*models.Schedule, error) {
	var s models.Schedule
	err := db.QueryRowContext(ctx, `
		SELECT id, name, source_path, label, cron_expr, enabled, last_run_at, created_at, updated_at
		FROM schedules WHERE id = ?`, id).
		Scan(&s.ID, &s.Name, &s.SourcePath, &s.Label, &s.CronExpr,
			&s.Enabled, &s.LastRunAt, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query schedule: %w", err)
	}
	return &s, nil
}

// UpdateSchedule replaces a schedule's mutable fields.
func (db *DB) UpdateSchedule(ctx context.Context, s *models.Schedule) error {
	now := time.Now().UTC()
	res, err := db.ExecContext(ctx, `
		UPDATE schedules
		SET name = ?, source_path = ?, label = ?, cron_expr = ?, enabled = ?, updated_at = ?
		WHERE id = ?`,
		s.Name, s.SourcePath, s.Label, s.CronExpr, s.Enabled, now, s.ID)
	if err != nil {
		return fmt.Errorf("failed to update schedule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	s.UpdatedAt = now
	return nil
}

// TouchScheduleRun records when a schedule last fired.
func (db *DB) TouchScheduleRun(ctx context.Context, id int64, at time.Time) error {
	_, err := db.ExecContext(ctx, `
		UPDATE schedules SET last_run_at = ? WHERE id = ?`, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to record schedule run: %w", err)
	}
	return nil
}

// DeleteSchedule removes a schedule.
func (db *DB) DeleteSchedule(ctx context.Context, id int64) error {
	res, err := db.ExecContext(ctx, "DELETE FROM schedules WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete schedule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check delete: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
