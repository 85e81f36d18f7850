package jobs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/RoseOO/tapestream/internal/models"
	"github.com/RoseOO/tapestream/internal/pipeline"
	"github.com/RoseOO/tapestream/internal/sysmon"
)

// planBuffer gates on host resources and shapes the stream buffer.
func (m *Manager) planBuffer() (models.BufferPlan, error) {
	snap, err := m.deps.Monitor.Snapshot()
	if err != nil {
		return models.BufferPlan{}, fmt.Errorf("failed to read host resources: %w", err)
	}
	assess, err := sysmon.CheckReadiness(m.settings.RequestedBufferSize, snap)
	if err != nil {
		return models.BufferPlan{}, err
	}
	diskStatus, _ := sysmon.ClassifyDisk(snap)
	plan := sysmon.PlanBuffer(assess, diskStatus)

	m.logger.Info("Buffer planned", map[string]interface{}{
		"plan":          sysmon.DescribePlan(plan),
		"memory_status": string(assess.Status),
		"disk_status":   string(diskStatus),
	})
	return plan, nil
}

// runBackup streams a source directory to tape and catalogs the result.
func (m *Manager) runBackup(ctx context.Context, id string, params models.JobParams) error {
	if params.SourcePath == "" || params.Label == "" {
		return fmt.Errorf("backup requires a source path and a label")
	}
	info, err := os.Stat(params.SourcePath)
	if err != nil {
		return fmt.Errorf("source path unavailable: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("source path %s is not a directory", params.SourcePath)
	}

	if err := m.deps.Scratch.ClearRun(); err != nil {
		return fmt.Errorf("failed to reset tape-set state: %w", err)
	}

	plan, err := m.planBuffer()
	if err != nil {
		return err
	}

	if ready, reason := m.deps.Drive.IsReadyForWrite(ctx); !ready {
		return fmt.Errorf("tape drive not ready: %s", reason)
	}

	startedAt := time.Now()
	manifestPath := filepath.Join(m.settings.ManifestDir,
		fmt.Sprintf("%s_%s.txt", startedAt.Format("20060102_1504"), params.Label))
	if err := os.MkdirAll(m.settings.ManifestDir, 0755); err != nil {
		return fmt.Errorf("failed to create manifest directory: %w", err)
	}
	m.setResult(id, func(j *models.Job) { j.ManifestPath = manifestPath })

	m.notifyStarted(ctx, params.Label, params.SourcePath)

	excludes := params.Excludes
	if len(excludes) == 0 {
		excludes = m.settings.Excludes
	}
	producer := pipeline.TarCreateArgs(params.SourcePath, excludes, plan.BlockSize, manifestPath)
	consumer := pipeline.BufferWriteArgs(plan, m.deps.Drive.DevicePath())

	runErr := m.deps.Stream.Run(ctx, producer, consumer, m.progressMonitor(id))
	if runErr != nil {
		// A dead run must not leave a half-written manifest behind.
		os.Remove(manifestPath)
		m.setResult(id, func(j *models.Job) { j.ManifestPath = "" })
		m.notifyFailed(ctx, params.Label, runErr)
		return runErr
	}

	tapes, err := m.deps.Scratch.UsedTapes()
	if err != nil {
		m.logger.Warn("Failed to read tape-set state", map[string]interface{}{"error": err.Error()})
	}
	if len(tapes) == 0 {
		tapes = []string{"N/A"}
	}

	fileIndex := 0
	if status, err := m.deps.Drive.Status(ctx); err == nil && status.FileNumber > 0 {
		// The head sits past the written archive and its file mark.
		fileIndex = status.FileNumber - 1
	}

	if err := m.deps.Registry.Append(models.RegistryEntry{
		Timestamp:    startedAt,
		Label:        params.Label,
		Tapes:        tapes,
		FileIndex:    fileIndex,
		ManifestPath: manifestPath,
	}); err != nil {
		return fmt.Errorf("backup written but not cataloged: %w", err)
	}

	m.setResult(id, func(j *models.Job) { j.TapesUsed = tapes })
	m.notifyCompleted(ctx, params.Label, tapes, time.Since(startedAt))
	return nil
}

// runRestore locates a cataloged backup and streams it back to disk.
func (m *Manager) runRestore(ctx context.Context, id string, params models.JobParams) error {
	if params.Label == "" || params.DestinationPath == "" {
		return fmt.Errorf("restore requires a label and a destination path")
	}

	entry, err := m.deps.Registry.Find(params.Label)
	if err != nil {
		return fmt.Errorf("cannot restore %q: %w", params.Label, err)
	}

	if err := os.MkdirAll(params.DestinationPath, 0755); err != nil {
		return fmt.Errorf("failed to create destination: %w", err)
	}

	plan, err := m.planBuffer()
	if err != nil {
		return err
	}

	if err := m.deps.Drive.SeekToFile(ctx, entry.FileIndex); err != nil {
		return fmt.Errorf("failed to position tape at file %d: %w", entry.FileIndex, err)
	}

	startedAt := time.Now()
	producer := pipeline.BufferReadArgs(plan, m.deps.Drive.DevicePath())
	consumer := pipeline.TarExtractArgs(params.DestinationPath, plan.BlockSize)

	if err := m.deps.Stream.Run(ctx, producer, consumer, m.progressMonitor(id)); err != nil {
		m.notifyRestoreFailed(ctx, params.Label, err)
		return err
	}

	m.setResult(id, func(j *models.Job) { j.TapesUsed = entry.Tapes })
	if m.deps.Notifier != nil {
		if err := m.deps.Notifier.NotifyRestoreCompleted(ctx, params.Label, params.DestinationPath, time.Since(startedAt)); err != nil {
			m.logger.Warn("Restore notification failed", map[string]interface{}{"error": err.Error()})
		}
	}
	return nil
}

// runVerify checks the catalog for malformed lines and missing
// manifests. Findings are reported, not treated as a job failure.
func (m *Manager) runVerify(ctx context.Context, id string) error {
	issues, err := m.deps.Registry.Verify()
	if err != nil {
		return err
	}

	for _, issue := range issues {
		m.logger.Warn("Registry issue", map[string]interface{}{
			"line":    issue.Line,
			"problem": issue.Problem,
		})
	}

	m.updateProgress(id, func(p *models.JobProgress) {
		p.CurrentOperation = fmt.Sprintf("registry verified, %d issue(s) found", len(issues))
		p.Percentage = 100
	})
	return ctx.Err()
}

// runClean runs one cleaning-cartridge cycle.
func (m *Manager) runClean(ctx context.Context, id string) error {
	if m.deps.Cleaner == nil {
		return fmt.Errorf("no tape change protocol configured")
	}
	m.updateProgress(id, func(p *models.JobProgress) {
		p.CurrentOperation = "running cleaning cycle"
	})
	return m.deps.Cleaner.RunCleaning(ctx)
}

// progressMonitor feeds pipeline output lines into the job's live view.
func (m *Manager) progressMonitor(id string) pipeline.Monitor {
	return func(line string) {
		m.updateProgress(id, func(p *models.JobProgress) {
			p.LinesProcessed++
			p.CurrentOperation = line
		})
	}
}

func (m *Manager) notifyStarted(ctx context.Context, label, source string) {
	if m.deps.Notifier == nil {
		return
	}
	if err := m.deps.Notifier.NotifyBackupStarted(ctx, label, source); err != nil {
		m.logger.Warn("Start notification failed", map[string]interface{}{"error": err.Error()})
	}
}

func (m *Manager) notifyCompleted(ctx context.Context, label string, tapes []string, took time.Duration) {
	if m.deps.Notifier == nil {
		return
	}
	if err := m.deps.Notifier.NotifyBackupCompleted(ctx, label, tapes, took); err != nil {
		m.logger.Warn("Completion notification failed", map[string]interface{}{"error": err.Error()})
	}
}

func (m *Manager) notifyFailed(ctx context.Context, label string, cause error) {
	if m.deps.Notifier == nil {
		return
	}
	// Cancellation is operator-driven, not a failure worth paging about.
	if ctx.Err() != nil {
		return
	}
	if err := m.deps.Notifier.NotifyBackupFailed(ctx, label, cause.Error()); err != nil {
		m.logger.Warn("Failure notification failed", map[string]interface{}{"error": err.Error()})
	}
}

func (m *Manager) notifyRestoreFailed(ctx context.Context, label string, cause error) {
	if m.deps.Notifier == nil {
		return
	}
	// Cancellation is operator-driven, not a failure worth paging about.
	if ctx.Err() != nil {
		return
	}
	if err := m.deps.Notifier.NotifyRestoreFailed(ctx, label, cause.Error()); err != nil {
		m.logger.Warn("Failure notification failed", map[string]interface{}{"error": err.Error()})
	}
}
