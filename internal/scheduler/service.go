package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/RoseOO/tapestream/internal/database"
	"github.com/RoseOO/tapestream/internal/logging"
	"github.com/RoseOO/tapestream/internal/models"

	"github.com/robfig/cron/v3"
)

// SubmitFunc hands a scheduled backup to the job manager.
type SubmitFunc func(jobType models.JobType, params models.JobParams) error

// Service fires stored backup schedules through a cron runner.
type Service struct {
	db     *database.DB
	logger *logging.Logger
	cron   *cron.Cron
	submit SubmitFunc

	mu      sync.RWMutex
	entries map[int64]cron.EntryID

	ctx    context.Context
	cancel context.CancelFunc
}

// NewService creates a new scheduler service
func NewService(db *database.DB, logger *logging.Logger, submit SubmitFunc) *Service {
	ctx, cancel := context.WithCancel(context.Background())

	return &Service{
		db:      db,
		logger:  logger,
		cron:    cron.New(cron.WithSeconds()),
		submit:  submit,
		entries: make(map[int64]cron.EntryID),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start loads enabled schedules and starts the cron runner.
func (s *Service) Start() error {
	s.logger.Info("Starting scheduler", nil)

	if err := s.loadSchedules(); err != nil {
		return err
	}

	s.cron.Start()
	return nil
}

// Stop stops the scheduler and waits for running entries.
func (s *Service) Stop() {
	s.logger.Info("Stopping scheduler", nil)
	s.cancel()
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// loadSchedules registers every enabled schedule from the database.
func (s *Service) loadSchedules() error {
	schedules, err := s.db.ListSchedules(s.ctx)
	if err != nil {
		return err
	}

	for i := range schedules {
		if err := s.Add(&schedules[i]); err != nil {
			s.logger.Warn("Failed to register schedule", map[string]interface{}{
				"schedule_id": schedules[i].ID,
				"error":       err.Error(),
			})
		}
	}
	return nil
}

// Add registers or replaces a schedule in the cron runner. Disabled
// schedules are only removed.
func (s *Service) Add(schedule *models.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, exists := s.entries[schedule.ID]; exists {
		s.cron.Remove(entryID)
		delete(s.entries, schedule.ID)
	}

	if !schedule.Enabled || schedule.CronExpr == "" {
		return nil
	}

	// Copy for the closure; the caller may mutate its schedule later.
	sched := *schedule

	entryID, err := s.cron.AddFunc(schedule.CronExpr, func() {
		s.fire(&sched)
	})
	if err != nil {
		return err
	}

	s.entries[schedule.ID] = entryID

	s.logger.Info("Registered schedule", map[string]interface{}{
		"schedule_id": schedule.ID,
		"name":        schedule.Name,
		"cron":        schedule.CronExpr,
	})
	return nil
}

// fire submits one scheduled backup.
func (s *Service) fire(schedule *models.Schedule) {
	s.logger.Info("Running scheduled backup", map[string]interface{}{
		"schedule_id": schedule.ID,
		"name":        schedule.Name,
	})

	err := s.submit(models.JobTypeBackup, models.JobParams{
		SourcePath: schedule.SourcePath,
		Label:      schedule.Label,
	})
	if err != nil {
		s.logger.Error("Scheduled backup submission failed", map[string]interface{}{
			"schedule_id": schedule.ID,
			"error":       err.Error(),
		})
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()
	if err := s.db.TouchScheduleRun(ctx, schedule.ID, time.Now()); err != nil {
		s.logger.Warn("Failed to record schedule run", map[string]interface{}{
			"schedule_id": schedule.ID,
			"error":       err.Error(),
		})
	}
}

// Remove drops a schedule from the cron runner.
func (s *Service) Remove(scheduleID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, exists := s.entries[scheduleID]; exists {
		s.cron.Remove(entryID)
		delete(s.entries, scheduleID)
		s.logger.Info("Removed schedule", map[string]interface{}{"schedule_id": scheduleID})
	}
}

// NextRun returns the next fire time for a schedule, or nil when it is
// not registered.
func (s *Service) NextRun(scheduleID int64) *time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if entryID, exists := s.entries[scheduleID]; exists {
		entry := s.cron.Entry(entryID)
		if !entry.Next.IsZero() {
			return &entry.Next
		}
	}
	return nil
}

// Reload re-registers every schedule from the database.
func (s *Service) Reload() error {
	s.mu.Lock()
	for scheduleID, entryID := range s.entries {
		s.cron.Remove(entryID)
		delete(s.entries, scheduleID)
	}
	s.mu.Unlock()

	return s.loadSchedules()
}

// ParseCron validates a cron expression (with seconds field).
func ParseCron(expr string) error {
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	_, err := parser.Parse(expr)
	return err
}
