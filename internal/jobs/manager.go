package jobs

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/RoseOO/tapestream/internal/logging"
	"github.com/RoseOO/tapestream/internal/models"
	"github.com/RoseOO/tapestream/internal/pipeline"
	"github.com/RoseOO/tapestream/internal/registry"
	"github.com/RoseOO/tapestream/internal/sysmon"
	"github.com/RoseOO/tapestream/internal/tape"
)

var (
	// ErrJobNotFound is returned when no job has the given ID
	ErrJobNotFound = errors.New("job not found")
	// ErrJobTerminal is returned when an operation needs a live job
	ErrJobTerminal = errors.New("job already finished")
	// ErrNotPausable is returned for pause/resume on unsuitable jobs
	ErrNotPausable = errors.New("job cannot be paused or resumed")
)

// Drive is the slice of the tape device the job flows need.
type Drive interface {
	DevicePath() string
	Status(ctx context.Context) (*models.DriveStatus, error)
	IsReadyForWrite(ctx context.Context) (bool, string)
	SeekToFile(ctx context.Context, fileNum int) error
	Rewind(ctx context.Context) error
}

// Streamer runs a two-stage process pipeline.
type Streamer interface {
	Run(ctx context.Context, producer, consumer []string, monitor pipeline.Monitor) error
}

// Cleaner runs a cleaning-cartridge cycle.
type Cleaner interface {
	RunCleaning(ctx context.Context) error
}

// History persists finished job outcomes. May be nil.
type History interface {
	InsertJobRecord(ctx context.Context, r *models.JobRecord) error
}

// Notifier delivers job lifecycle notifications. May be nil; delivery
// failures never fail the job.
type Notifier interface {
	NotifyBackupStarted(ctx context.Context, label, sourcePath string) error
	NotifyBackupCompleted(ctx context.Context, label string, tapes []string, duration time.Duration) error
	NotifyBackupFailed(ctx context.Context, label string, errorMsg string) error
	NotifyRestoreCompleted(ctx context.Context, label, destination string, duration time.Duration) error
	NotifyRestoreFailed(ctx context.Context, label string, errorMsg string) error
}

// Deps are the collaborators a manager drives.
type Deps struct {
	Drive    Drive
	Stream   Streamer
	Cleaner  Cleaner
	Registry *registry.Registry
	Monitor  *sysmon.Monitor
	Scratch  *tape.ScratchState
	History  History
	Notifier Notifier
	Logger   *logging.Logger
}

// Settings are the tunables of the job flows.
type Settings struct {
	RequestedBufferSize uint64
	ManifestDir         string
	Excludes            []string
}

type trackedJob struct {
	job    models.Job
	cancel context.CancelFunc
}

// Manager owns the job table and runs each job on its own goroutine.
// The table mutex is held only for bookkeeping, never across a flow.
type Manager struct {
	mu   sync.Mutex
	jobs map[string]*trackedJob

	deps     Deps
	settings Settings
	logger   *logging.Logger
}

// NewManager creates a job manager.
func NewManager(deps Deps, settings Settings) *Manager {
	return &Manager{
		jobs:     make(map[string]*trackedJob),
		deps:     deps,
		settings: settings,
		logger:   deps.Logger,
	}
}

// newJobID builds IDs like backup_20240301_020000_a1b2.
func newJobID(jobType models.JobType) string {
	suffix := make([]byte, 2)
	rand.Read(suffix)
	return fmt.Sprintf("%s_%s_%s", jobType, time.Now().Format("20060102_150405"), hex.EncodeToString(suffix))
}

// Create registers a job and starts it on a worker goroutine. It
// returns as soon as the job is queued.
func (m *Manager) Create(jobType models.JobType, params models.JobParams) (*models.Job, error) {
	switch jobType {
	case models.JobTypeBackup, models.JobTypeRestore, models.JobTypeVerify, models.JobTypeClean:
	default:
		return nil, fmt.Errorf("unknown job type %q", jobType)
	}

	ctx, cancel := context.WithCancel(context.Background())
	tracked := &trackedJob{
		job: models.Job{
			ID:        newJobID(jobType),
			Type:      jobType,
			Status:    models.JobStatusPending,
			Params:    params,
			CreatedAt: time.Now(),
		},
		cancel: cancel,
	}

	m.mu.Lock()
	m.jobs[tracked.job.ID] = tracked
	m.mu.Unlock()

	m.logger.Info("Job created", map[string]interface{}{
		"job_id": tracked.job.ID,
		"type":   string(jobType),
	})

	go m.run(ctx, tracked.job.ID)

	job := tracked.job
	return &job, nil
}

// Get returns a copy of a job.
func (m *Manager) Get(id string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tracked, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	job := tracked.job
	return &job, nil
}

// List returns copies of all jobs, optionally filtered by status.
func (m *Manager) List(status models.JobStatus) []models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	var jobs []models.Job
	for _, tracked := range m.jobs {
		if status != "" && tracked.job.Status != status {
			continue
		}
		jobs = append(jobs, tracked.job)
	}
	return jobs
}

// Cancel requests cooperative cancellation of a job. The job reaches
// the cancelled state at its next line boundary.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tracked, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if tracked.job.Status.IsTerminal() {
		return ErrJobTerminal
	}
	tracked.cancel()
	m.logger.Info("Job cancellation requested", map[string]interface{}{"job_id": id})
	return nil
}

// Pause marks a running backup as paused. The stream itself is not
// suspended; the state is operator bookkeeping.
func (m *Manager) Pause(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tracked, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if tracked.job.Type != models.JobTypeBackup || tracked.job.Status != models.JobStatusRunning {
		return ErrNotPausable
	}
	tracked.job.Status = models.JobStatusPaused
	return nil
}

// Resume returns a paused backup to the running state.
func (m *Manager) Resume(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tracked, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if tracked.job.Status != models.JobStatusPaused {
		return ErrNotPausable
	}
	tracked.job.Status = models.JobStatusRunning
	return nil
}

// Shutdown cancels every job that has not reached a terminal state.
// Each flow winds down at its next line boundary; callers that need to
// wait should poll List until no jobs remain running.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, tracked := range m.jobs {
		if tracked.job.Status.IsTerminal() {
			continue
		}
		tracked.cancel()
		m.logger.Info("Job cancelled for shutdown", map[string]interface{}{"job_id": id})
	}
}

// CleanupCompleted drops terminal jobs that finished more than
// maxAgeHours ago and returns how many were removed.
func (m *Manager) CleanupCompleted(maxAgeHours int) int {
	cutoff := time.Now().Add(-time.Duration(maxAgeHours) * time.Hour)
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, tracked := range m.jobs {
		if !tracked.job.Status.IsTerminal() {
			continue
		}
		if tracked.job.EndTime != nil && tracked.job.EndTime.Before(cutoff) {
			delete(m.jobs, id)
			removed++
		}
	}
	return removed
}

// run executes one job and records its outcome.
func (m *Manager) run(ctx context.Context, id string) {
	m.setStarted(id)

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("job panicked: %v", r)
				m.logger.Error("Job handler panicked", map[string]interface{}{
					"job_id": id,
					"panic":  fmt.Sprintf("%v", r),
				})
			}
		}()

		job, getErr := m.Get(id)
		if getErr != nil {
			err = getErr
			return
		}

		switch job.Type {
		case models.JobTypeBackup:
			err = m.runBackup(ctx, id, job.Params)
		case models.JobTypeRestore:
			err = m.runRestore(ctx, id, job.Params)
		case models.JobTypeVerify:
			err = m.runVerify(ctx, id)
		case models.JobTypeClean:
			err = m.runClean(ctx, id)
		}
	}()

	m.finish(id, err)
}

func (m *Manager) setStarted(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tracked, ok := m.jobs[id]
	if !ok {
		return
	}
	now := time.Now()
	tracked.job.Status = models.JobStatusRunning
	tracked.job.StartTime = &now
}

func (m *Manager) finish(id string, err error) {
	m.mu.Lock()
	tracked, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return
	}

	now := time.Now()
	tracked.job.EndTime = &now
	switch {
	case err == nil:
		tracked.job.Status = models.JobStatusCompleted
	case errors.Is(err, pipeline.ErrCancelled) || errors.Is(err, context.Canceled):
		tracked.job.Status = models.JobStatusCancelled
	default:
		tracked.job.Status = models.JobStatusFailed
		tracked.job.ErrorMessage = err.Error()
	}
	job := tracked.job
	m.mu.Unlock()

	m.logger.Info("Job finished", map[string]interface{}{
		"job_id": id,
		"status": string(job.Status),
		"error":  job.ErrorMessage,
	})

	m.persist(job)
}

// persist writes the outcome row. History errors are logged, never
// surfaced into the job.
func (m *Manager) persist(job models.Job) {
	if m.deps.History == nil {
		return
	}
	record := &models.JobRecord{
		JobID:        job.ID,
		Type:         job.Type,
		Status:       job.Status,
		SourcePath:   job.Params.SourcePath,
		Label:        job.Params.Label,
		TapesUsed:    strings.Join(job.TapesUsed, ","),
		ManifestPath: job.ManifestPath,
		ErrorMessage: job.ErrorMessage,
		StartTime:    job.StartTime,
		EndTime:      job.EndTime,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.deps.History.InsertJobRecord(ctx, record); err != nil {
		m.logger.Error("Failed to persist job record", map[string]interface{}{
			"job_id": job.ID,
			"error":  err.Error(),
		})
	}
}

// updateProgress mutates the live progress view of a job.
func (m *Manager) updateProgress(id string, fn func(p *models.JobProgress)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tracked, ok := m.jobs[id]; ok {
		fn(&tracked.job.Progress)
	}
}

func (m *Manager) setResult(id string, fn func(j *models.Job)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tracked, ok := m.jobs[id]; ok {
		fn(&tracked.job)
	}
}
