package sysmon

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/RoseOO/tapestream/internal/logging"
	"github.com/RoseOO/tapestream/internal/models"
)

const (
	// MinBufferMemory is the absolute floor below which streaming buffers
	// cannot operate safely.
	MinBufferMemory uint64 = 512 * 1024 * 1024

	// MinStagingDiskSpace is the minimum free space required on the
	// staging path for manifests and scratch files.
	MinStagingDiskSpace uint64 = 1 * 1024 * 1024 * 1024

	memoryWarningRatio  = 0.85
	memoryCriticalRatio = 0.95
	diskWarningRatio    = 0.85
)

// Sampler produces resource snapshots. The default implementation reads
// from the host; tests substitute fixed snapshots.
type Sampler interface {
	Sample(stagingPath string) (models.ResourceSnapshot, error)
}

// HostSampler reads live memory and disk figures.
type HostSampler struct{}

// Sample returns the current host snapshot for the given staging path.
func (HostSampler) Sample(stagingPath string) (models.ResourceSnapshot, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return models.ResourceSnapshot{}, fmt.Errorf("failed to read memory stats: %w", err)
	}

	du, err := disk.Usage(stagingPath)
	if err != nil {
		return models.ResourceSnapshot{}, fmt.Errorf("failed to read disk usage for %s: %w", stagingPath, err)
	}

	return models.ResourceSnapshot{
		MemoryTotal:     vm.Total,
		MemoryAvailable: vm.Available,
		MemoryUsedPct:   vm.UsedPercent,
		DiskFree:        du.Free,
		DiskUsedPct:     du.UsedPercent,
		TakenAt:         time.Now().UTC(),
	}, nil
}

// Monitor assesses host resources ahead of a streaming job.
type Monitor struct {
	sampler     Sampler
	stagingPath string
	logger      *logging.Logger
}

// NewMonitor creates a resource monitor for the given staging path.
func NewMonitor(sampler Sampler, stagingPath string, logger *logging.Logger) *Monitor {
	if sampler == nil {
		sampler = HostSampler{}
	}
	return &Monitor{
		sampler:     sampler,
		stagingPath: stagingPath,
		logger:      logger,
	}
}

// Snapshot samples the host once.
func (m *Monitor) Snapshot() (models.ResourceSnapshot, error) {
	snap, err := m.sampler.Sample(m.stagingPath)
	if err != nil {
		return models.ResourceSnapshot{}, err
	}

	m.logger.Debug("Resource snapshot", map[string]interface{}{
		"memory_available": snap.MemoryAvailable,
		"memory_used_pct":  snap.MemoryUsedPct,
		"disk_free":        snap.DiskFree,
	})

	return snap, nil
}

// ClassifyDisk evaluates free space on the staging path.
func ClassifyDisk(snap models.ResourceSnapshot) (models.ResourceStatus, string) {
	if snap.DiskFree < MinStagingDiskSpace {
		return models.ResourceCritical, fmt.Sprintf(
			"insufficient disk space: %d bytes free, %d required", snap.DiskFree, MinStagingDiskSpace)
	}
	if snap.DiskUsedPct > diskWarningRatio*100 {
		return models.ResourceWarning, fmt.Sprintf("disk usage high: %.1f%%", snap.DiskUsedPct)
	}
	return models.ResourceOK, ""
}

// ClassifyMemory evaluates a buffer request against available memory.
// The recommendation never exceeds the request.
func ClassifyMemory(requested uint64, snap models.ResourceSnapshot) models.MemoryAssessment {
	assess := models.MemoryAssessment{Requested: requested}

	if snap.MemoryAvailable < MinBufferMemory {
		assess.Status = models.ResourceCritical
		assess.Reason = fmt.Sprintf(
			"available memory %d below minimum %d", snap.MemoryAvailable, MinBufferMemory)
		assess.Recommended = 0
		return assess
	}

	usedRatio := snap.MemoryUsedPct / 100
	usable := snap.MemoryAvailable - MinBufferMemory

	if usable < requested {
		// The recommendation may land below the floor; the floor only
		// gates the absolute-available check above. Recommending more
		// than the host can give would push mbuffer into swap.
		reduced := uint64(float64(usable) * 0.8)
		if reduced > requested {
			reduced = requested
		}
		assess.Recommended = reduced
		assess.Reason = fmt.Sprintf(
			"requested %d exceeds usable memory %d, reduced to %d", requested, usable, reduced)
		if usedRatio > memoryCriticalRatio {
			assess.Status = models.ResourceCritical
		} else {
			assess.Status = models.ResourceWarning
		}
		return assess
	}

	assess.Recommended = requested
	switch {
	case usedRatio > memoryCriticalRatio:
		assess.Status = models.ResourceCritical
		assess.Reason = fmt.Sprintf("memory usage critical: %.1f%%", snap.MemoryUsedPct)
	case usedRatio > memoryWarningRatio:
		assess.Status = models.ResourceWarning
		assess.Reason = fmt.Sprintf("memory usage high: %.1f%%", snap.MemoryUsedPct)
	default:
		assess.Status = models.ResourceOK
	}
	return assess
}

// ParseSize converts a human size string with binary multipliers into
// bytes. The mantissa may be fractional: "512M", "2G", "2.5G",
// "1048576".
func ParseSize(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	multiplier := uint64(1)
	suffix := s[len(s)-1]
	switch suffix {
	case 'k', 'K':
		multiplier = 1024
		s = s[:len(s)-1]
	case 'm', 'M':
		multiplier = 1024 * 1024
		s = s[:len(s)-1]
	case 'g', 'G':
		multiplier = 1024 * 1024 * 1024
		s = s[:len(s)-1]
	case 't', 'T':
		multiplier = 1024 * 1024 * 1024 * 1024
		s = s[:len(s)-1]
	}

	if strings.Contains(s, ".") {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || f < 0 {
			return 0, fmt.Errorf("invalid size string %q", s)
		}
		return uint64(f * float64(multiplier)), nil
	}

	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size string %q: %w", s, err)
	}

	return n * multiplier, nil
}
