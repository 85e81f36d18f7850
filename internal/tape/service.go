package tape

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/RoseOO/tapestream/internal/logging"
	"github.com/RoseOO/tapestream/internal/models"
)

// DefaultOperationTimeout bounds every drive command. It prevents the
// application from hanging indefinitely when a tape drive is unresponsive.
const DefaultOperationTimeout = 30 * time.Second

const (
	positioningRetries = 3
	retryDelay         = 2 * time.Second

	// MaxBlockSize is the largest block size mt setblk accepts here.
	MaxBlockSize = 1048576
)

var (
	// ErrOperationTimeout is returned when a drive command exceeds its deadline
	ErrOperationTimeout = errors.New("tape operation timed out")

	// ErrDeviceUnavailable is returned when the drive cannot be queried at all
	ErrDeviceUnavailable = errors.New("tape device unavailable")

	// ErrInvalidParameter is returned for out-of-range arguments before any
	// command is executed
	ErrInvalidParameter = errors.New("invalid parameter")
)

var (
	fileNumRe  = regexp.MustCompile(`File number=(-?\d+)`)
	blockNumRe = regexp.MustCompile(`block number=(-?\d+)`)
	densityRe  = regexp.MustCompile(`Density code (0x[0-9a-fA-F]+)`)
)

// runner executes an external command and returns its combined output.
// Tests substitute a fake.
type runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Device wraps a single tape drive driven through mt and tapeinfo.
type Device struct {
	devicePath string
	scsiPath   string
	run        runner
	logger     *logging.Logger
}

// NewDevice creates a device wrapper. devicePath is the non-rewinding
// st driver node (/dev/nst0); scsiPath the generic node used by tapeinfo.
func NewDevice(devicePath, scsiPath string, logger *logging.Logger) *Device {
	return &Device{
		devicePath: devicePath,
		scsiPath:   scsiPath,
		run:        execRunner,
		logger:     logger,
	}
}

// DevicePath returns the configured device path
func (d *Device) DevicePath() string {
	return d.devicePath
}

// Status queries the drive once with a hard deadline. Status is never
// retried: a hanging drive should surface immediately, not after three
// timeouts.
func (d *Device) Status(ctx context.Context) (*models.DriveStatus, error) {
	opCtx, cancel := context.WithTimeout(ctx, DefaultOperationTimeout)
	defer cancel()

	output, err := d.run(opCtx, "mt", "-f", d.devicePath, "status")
	if err != nil {
		if opCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("status timed out after %v: %w", DefaultOperationTimeout, ErrDeviceUnavailable)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("status failed: %s: %w", strings.TrimSpace(string(output)), ErrDeviceUnavailable)
	}

	status := ParseStatus(string(output))
	status.DevicePath = d.devicePath
	status.LastChecked = time.Now().UTC()

	// Cleaning state comes from tapeinfo; a failure there is logged and the
	// bit is left unset rather than failing the whole status call.
	if d.scsiPath != "" {
		if out, err := d.run(opCtx, "tapeinfo", "-f", d.scsiPath); err == nil {
			status.CleaningNeeded = ParseCleaningBit(string(out))
		} else {
			d.logger.Debug("tapeinfo query failed", map[string]interface{}{
				"device": d.scsiPath,
				"error":  err.Error(),
			})
		}
	}

	return status, nil
}

// ParseStatus extracts drive state from mt status output.
func ParseStatus(output string) *models.DriveStatus {
	status := &models.DriveStatus{}

	status.Online = strings.Contains(output, "ONLINE")
	status.WriteProtect = strings.Contains(output, "WR_PROT")
	status.BOT = strings.Contains(output, "BOT")
	status.EOF = strings.Contains(output, "EOF")

	if m := fileNumRe.FindStringSubmatch(output); len(m) > 1 {
		status.FileNumber, _ = strconv.Atoi(m[1])
	}
	if m := blockNumRe.FindStringSubmatch(output); len(m) > 1 {
		status.BlockNumber, _ = strconv.Atoi(m[1])
	}
	if m := densityRe.FindStringSubmatch(output); len(m) > 1 {
		status.DensityCode = strings.ToLower(m[1])
	}

	return status
}

// ParseCleaningBit reports whether tapeinfo output flags the drive as
// needing a cleaning cartridge.
func ParseCleaningBit(output string) bool {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "Cleaning bit:") {
			return strings.Contains(strings.ToLower(line), "yes") ||
				strings.HasSuffix(line, "1")
		}
	}
	return false
}

// IsReadyForWrite checks that a backup can start writing. The reason
// string distinguishes the failure modes.
func (d *Device) IsReadyForWrite(ctx context.Context) (bool, string) {
	status, err := d.Status(ctx)
	if err != nil {
		return false, fmt.Sprintf("drive status unavailable: %v", err)
	}
	if !status.Online {
		return false, "drive is offline or no tape is loaded"
	}
	if status.CleaningNeeded {
		return false, "drive requires a cleaning cartridge"
	}
	if status.WriteProtect {
		return false, "tape is write-protected"
	}
	return true, ""
}

// positioning runs one mt positioning command with retries. Drive
// coordinates are logged before and after so interrupted runs can be
// reconstructed from the log.
func (d *Device) positioning(ctx context.Context, op string, args ...string) error {
	d.logPosition(ctx, op, "before")

	cmdArgs := append([]string{"-f", d.devicePath, op}, args...)

	var lastErr error
	for attempt := 1; attempt <= positioningRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		opCtx, cancel := context.WithTimeout(ctx, DefaultOperationTimeout)
		output, err := d.run(opCtx, "mt", cmdArgs...)
		timedOut := opCtx.Err() == context.DeadlineExceeded
		cancel()

		if err == nil {
			d.logPosition(ctx, op, "after")
			return nil
		}

		if timedOut {
			lastErr = fmt.Errorf("mt %s timed out after %v: %w", op, DefaultOperationTimeout, ErrOperationTimeout)
		} else {
			lastErr = fmt.Errorf("mt %s failed: %s", op, strings.TrimSpace(string(output)))
		}

		d.logger.Warn("Tape positioning failed", map[string]interface{}{
			"operation": op,
			"attempt":   attempt,
			"error":     lastErr.Error(),
		})

		if attempt < positioningRetries {
			select {
			case <-time.After(retryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", op, positioningRetries, lastErr)
}

func (d *Device) logPosition(ctx context.Context, op, phase string) {
	opCtx, cancel := context.WithTimeout(ctx, DefaultOperationTimeout)
	defer cancel()

	output, err := d.run(opCtx, "mt", "-f", d.devicePath, "status")
	if err != nil {
		return
	}
	status := ParseStatus(string(output))
	d.logger.Debug("Drive position", map[string]interface{}{
		"operation": op,
		"phase":     phase,
		"file":      status.FileNumber,
		"block":     status.BlockNumber,
	})
}

// Rewind positions the tape at the beginning
func (d *Device) Rewind(ctx context.Context) error {
	return d.positioning(ctx, "rewind")
}

// SpaceForward skips n file marks forward
func (d *Device) SpaceForward(ctx context.Context, n int) error {
	if n <= 0 {
		return fmt.Errorf("file mark count must be positive: %w", ErrInvalidParameter)
	}
	return d.positioning(ctx, "fsf", strconv.Itoa(n))
}

// SpaceBackward skips n file marks backward
func (d *Device) SpaceBackward(ctx context.Context, n int) error {
	if n <= 0 {
		return fmt.Errorf("file mark count must be positive: %w", ErrInvalidParameter)
	}
	return d.positioning(ctx, "bsf", strconv.Itoa(n))
}

// SeekToFile rewinds and then spaces forward to the given file number.
func (d *Device) SeekToFile(ctx context.Context, fileNum int) error {
	if fileNum < 0 {
		return fmt.Errorf("file number must not be negative: %w", ErrInvalidParameter)
	}
	if err := d.Rewind(ctx); err != nil {
		return err
	}
	if fileNum == 0 {
		return nil
	}
	return d.SpaceForward(ctx, fileNum)
}

// WriteFileMark writes n file marks at the current position
func (d *Device) WriteFileMark(ctx context.Context, n int) error {
	if n <= 0 {
		return fmt.Errorf("file mark count must be positive: %w", ErrInvalidParameter)
	}
	return d.positioning(ctx, "weof", strconv.Itoa(n))
}

// SetBlockSize configures the drive block size. The range check happens
// before any command runs.
func (d *Device) SetBlockSize(ctx context.Context, size int) error {
	if size < 1 || size > MaxBlockSize {
		return fmt.Errorf("block size %d out of range [1, %d]: %w", size, MaxBlockSize, ErrInvalidParameter)
	}
	return d.positioning(ctx, "setblk", strconv.Itoa(size))
}

// Eject unloads the tape from the drive
func (d *Device) Eject(ctx context.Context) error {
	return d.positioning(ctx, "rewoffl")
}
