package sysmon

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/RoseOO/tapestream/internal/models"
)

// ErrResourcesCritical is returned when the host cannot support a
// streaming job at all.
var ErrResourcesCritical = errors.New("host resources critical")

const (
	criticalBufferFraction = 0.50
	warningBufferFraction  = 0.75

	criticalFillPercent = 70
	warningFillPercent  = 80
	normalFillPercent   = 90

	smallBlockSize uint64 = 512 * 1024
	midBlockSize   uint64 = 256 * 1024
	largeBlockSize uint64 = 1024 * 1024

	largeBufferCutoff uint64 = 2 * 1024 * 1024 * 1024
)

// PlanBuffer derives the mbuffer parameters from a memory assessment and
// the disk classification. Degraded hosts get a smaller, shallower buffer
// with small blocks so the stream survives memory pressure.
func PlanBuffer(assess models.MemoryAssessment, diskStatus models.ResourceStatus) models.BufferPlan {
	var plan models.BufferPlan

	switch assess.Status {
	case models.ResourceCritical:
		plan.SizeBytes = uint64(float64(assess.Recommended) * criticalBufferFraction)
		plan.FillPercent = criticalFillPercent
		plan.BlockSize = smallBlockSize
	case models.ResourceWarning:
		plan.SizeBytes = uint64(float64(assess.Recommended) * warningBufferFraction)
		plan.FillPercent = warningFillPercent
		plan.BlockSize = tierBlockSize(plan.SizeBytes)
	default:
		plan.SizeBytes = assess.Recommended
		plan.FillPercent = normalFillPercent
		plan.BlockSize = tierBlockSize(plan.SizeBytes)
	}

	if diskStatus == models.ResourceCritical {
		plan.BlockSize = smallBlockSize
	}

	return plan
}

func tierBlockSize(bufferSize uint64) uint64 {
	if bufferSize > largeBufferCutoff {
		return largeBlockSize
	}
	return midBlockSize
}

// CheckReadiness gates a streaming job on host resources. Memory below the
// floor or a full staging disk abort the job before any tape motion.
func CheckReadiness(requested uint64, snap models.ResourceSnapshot) (models.MemoryAssessment, error) {
	diskStatus, diskReason := ClassifyDisk(snap)
	if diskStatus == models.ResourceCritical {
		return models.MemoryAssessment{}, fmt.Errorf("%w: %s", ErrResourcesCritical, diskReason)
	}

	assess := ClassifyMemory(requested, snap)
	if assess.Recommended == 0 {
		return assess, fmt.Errorf("%w: %s", ErrResourcesCritical, assess.Reason)
	}

	return assess, nil
}

// DescribePlan renders a plan for logs and notifications.
func DescribePlan(plan models.BufferPlan) string {
	return fmt.Sprintf("buffer %s, fill %d%%, block %s",
		humanize.IBytes(plan.SizeBytes), plan.FillPercent, humanize.IBytes(plan.BlockSize))
}
