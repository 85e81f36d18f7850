package database

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/RoseOO/tapestream/internal/models"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := New(dbPath)
	if err != nil {
		t.Fatalf("failed to create database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
	return db
}

func TestNewDatabase(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db, err := New(dbPath)
	if err != nil {
		t.Fatalf("failed to create database: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		t.Fatalf("failed to ping database: %v", err)
	}
}

func TestMigrate(t *testing.T) {
	db := newTestDB(t)

	tables := []string{
		"users",
		"job_records",
		"schedules",
	}

	for _, table := range tables {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if err != nil {
			t.Fatalf("failed to check table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("expected table %s to exist", table)
		}
	}
}

func TestMigrateIdempotent(t *testing.T) {
	db := newTestDB(t)

	// Running migrations again must be a no-op.
	for i := 0; i < 3; i++ {
		if err := db.Migrate(); err != nil {
			t.Fatalf("failed to run migrations (attempt %d): %v", i+1, err)
		}
	}

	var version int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
		t.Fatalf("failed to query migration version: %v", err)
	}
	if version != 1 {
		t.Errorf("expected schema version 1, got %d", version)
	}
}

func TestBusyTimeoutConfigured(t *testing.T) {
	db := newTestDB(t)

	// Verify busy_timeout is set (should be 5000ms)
	var busyTimeout int
	if err := db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout); err != nil {
		t.Fatalf("failed to query busy_timeout: %v", err)
	}
	if busyTimeout != 5000 {
		t.Errorf("expected busy_timeout 5000, got %d", busyTimeout)
	}

	// Verify WAL mode is enabled
	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("failed to query journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("expected journal_mode 'wal', got '%s'", journalMode)
	}
}

func TestConcurrentAccess(t *testing.T) {
	db := newTestDB(t)

	_, err := db.Exec("CREATE TABLE test_concurrent (id INTEGER PRIMARY KEY, value TEXT)")
	if err != nil {
		t.Fatalf("failed to create table: %v", err)
	}

	// Concurrent inserts must not fail with SQLITE_BUSY.
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		go func(i int) {
			_, err := db.Exec("INSERT INTO test_concurrent (value) VALUES (?)", i)
			errs <- err
		}(i)
	}

	for i := 0; i < 10; i++ {
		if err := <-errs; err != nil {
			t.Errorf("concurrent insert %d failed: %v", i, err)
		}
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM test_concurrent").Scan(&count); err != nil {
		t.Fatalf("failed to count rows: %v", err)
	}
	if count != 10 {
		t.Errorf("expected 10 rows, got %d", count)
	}
}

func TestUserStore(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	n, err := db.CountUsers(ctx)
	if err != nil {
		t.Fatalf("CountUsers failed: %v", err)
	}
	if n != 0 {
		t.Errorf("expected empty users table, got %d rows", n)
	}

	u := &models.User{
		Username:     "admin",
		PasswordHash: "$2a$10$fakehash",
		Role:         models.RoleAdmin,
	}
	if err := db.CreateUser(ctx, u); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	if u.ID == 0 {
		t.Error("expected user ID to be set")
	}

	got, err := db.GetUserByUsername(ctx, "admin")
	if err != nil {
		t.Fatalf("GetUserByUsername failed: %v", err)
	}
	if got.Role != models.RoleAdmin {
		t.Errorf("expected role admin, got %s", got.Role)
	}
	if got.PasswordHash != u.PasswordHash {
		t.Errorf("password hash mismatch: %s", got.PasswordHash)
	}

	if _, err := db.GetUserByUsername(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown user, got %v", err)
	}

	if err := db.UpdateUserPassword(ctx, "admin", "$2a$10$newhash"); err != nil {
		t.Fatalf("UpdateUserPassword failed: %v", err)
	}
	got, err = db.GetUserByUsername(ctx, "admin")
	if err != nil {
		t.Fatalf("GetUserByUsername after update failed: %v", err)
	}
	if got.PasswordHash != "$2a$10$newhash" {
		t.Errorf("expected updated hash, got %s", got.PasswordHash)
	}

	if err := db.UpdateUserPassword(ctx, "nobody", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound updating unknown user, got %v", err)
	}

	// Duplicate usernames are rejected by the schema.
	dup := &models.User{Username: "admin", PasswordHash: "x", Role: models.RoleOperator}
	if err := db.CreateUser(ctx, dup); err == nil {
		t.Error("expected error creating duplicate username")
	}
}

func TestJobRecordStore(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	start := time.Date(2024, 3, 1, 2, 0, 0, 0, time.UTC)
	end := start.Add(90 * time.Minute)

	first := &models.JobRecord{
		JobID:        "backup_20240301_020000_a1b2",
		Type:         models.JobTypeBackup,
		Status:       models.JobStatusCompleted,
		SourcePath:   "/data",
		Label:        "Daily",
		TapesUsed:    "TAPE-001,TAPE-002",
		ManifestPath: "/var/lib/tapestream/manifests/20240301_0200_Daily.txt",
		StartTime:    &start,
		EndTime:      &end,
	}
	if err := db.InsertJobRecord(ctx, first); err != nil {
		t.Fatalf("InsertJobRecord failed: %v", err)
	}
	if first.ID == 0 {
		t.Error("expected record ID to be set")
	}

	second := &models.JobRecord{
		JobID:        "restore_20240302_100000_c3d4",
		Type:         models.JobTypeRestore,
		Status:       models.JobStatusFailed,
		Label:        "Daily",
		ErrorMessage: "tape drive is offline or no tape is loaded",
	}
	if err := db.InsertJobRecord(ctx, second); err != nil {
		t.Fatalf("InsertJobRecord failed: %v", err)
	}

	records, err := db.ListJobRecords(ctx, 0)
	if err != nil {
		t.Fatalf("ListJobRecords failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	// Newest first.
	if records[0].JobID != second.JobID {
		t.Errorf("expected newest record first, got %s", records[0].JobID)
	}

	limited, err := db.ListJobRecords(ctx, 1)
	if err != nil {
		t.Fatalf("ListJobRecords with limit failed: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("expected 1 record with limit, got %d", len(limited))
	}

	got, err := db.GetJobRecord(ctx, first.JobID)
	if err != nil {
		t.Fatalf("GetJobRecord failed: %v", err)
	}
	if got.TapesUsed != "TAPE-001,TAPE-002" {
		t.Errorf("unexpected tapes_used: %s", got.TapesUsed)
	}
	if got.StartTime == nil || !got.StartTime.Equal(start) {
		t.Errorf("unexpected start time: %v", got.StartTime)
	}

	if _, err := db.GetJobRecord(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing record, got %v", err)
	}
}

func TestScheduleStore(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	s := &models.Schedule{
		Name:       "nightly",
		SourcePath: "/data",
		Label:      "Daily",
		CronExpr:   "0 0 2 * * *",
		Enabled:    true,
	}
	if err := db.CreateSchedule(ctx, s); err != nil {
		t.Fatalf("CreateSchedule failed: %v", err)
	}
	if s.ID == 0 {
		t.Error("expected schedule ID to be set")
	}

	schedules, err := db.ListSchedules(ctx)
	if err != nil {
		t.Fatalf("ListSchedules failed: %v", err)
	}
	if len(schedules) != 1 {
		t.Fatalf("expected 1 schedule, got %d", len(schedules))
	}
	if schedules[0].LastRunAt != nil {
		t.Error("expected nil last_run_at for new schedule")
	}

	s.Enabled = false
	s.CronExpr = "0 30 3 * * *"
	if err := db.UpdateSchedule(ctx, s); err != nil {
		t.Fatalf("UpdateSchedule failed: %v", err)
	}

	got, err := db.GetSchedule(ctx, s.ID)
	if err != nil {
		t.Fatalf("GetSchedule failed: %v", err)
	}
	if got.Enabled {
		t.Error("expected schedule to be disabled")
	}
	if got.CronExpr != "0 30 3 * * *" {
		t.Errorf("unexpected cron expression: %s", got.CronExpr)
	}

	ranAt := time.Date(2024, 3, 2, 2, 0, 0, 0, time.UTC)
	if err := db.TouchScheduleRun(ctx, s.ID, ranAt); err != nil {
		t.Fatalf("TouchScheduleRun failed: %v", err)
	}
	got, err = db.GetSchedule(ctx, s.ID)
	if err != nil {
		t.Fatalf("GetSchedule after touch failed: %v", err)
	}
	if got.LastRunAt == nil || !got.LastRunAt.Equal(ranAt) {
		t.Errorf("unexpected last_run_at: %v", got.LastRunAt)
	}

	if err := db.DeleteSchedule(ctx, s.ID); err != nil {
		t.Fatalf("DeleteSchedule failed: %v", err)
	}
	if err := db.DeleteSchedule(ctx, s.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound deleting missing schedule, got %v", err)
	}
}
