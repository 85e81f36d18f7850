package changer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/RoseOO/tapestream/internal/logging"
	"github.com/RoseOO/tapestream/internal/models"
	"github.com/RoseOO/tapestream/internal/tape"
)

const labelAttempts = 3

// Drive is the slice of the tape device the protocol needs.
type Drive interface {
	Status(ctx context.Context) (*models.DriveStatus, error)
	Rewind(ctx context.Context) error
}

// Library abstracts the robot. Nil means an operator handles media.
type Library interface {
	IsOperational(ctx context.Context) bool
	Load(ctx context.Context, slot, drive int) error
	Unload(ctx context.Context, slot, drive int) error
}

// Notifier delivers operator notifications. Implementations must treat
// delivery as best effort; the protocol continues when it fails.
type Notifier interface {
	Notify(ctx context.Context, subject, body string) error
}

// Options tunes the protocol waits and robot coordinates.
type Options struct {
	InsertWait    time.Duration // fallback wait for tape insertion
	CleaningWait  time.Duration // fallback wait for manual cleaning
	RobotCleaning time.Duration // cleaning cycle duration with a robot
	CleaningSlot  int
	DriveIndex    int
}

// DefaultOptions mirror the historical operator waits.
func DefaultOptions() Options {
	return Options{
		InsertWait:    5 * time.Second,
		CleaningWait:  30 * time.Second,
		RobotCleaning: 60 * time.Second,
		CleaningSlot:  1,
		DriveIndex:    0,
	}
}

// Protocol coordinates a tape change: cleaning when the drive asks for
// it, determining the next volume label, waiting for the new medium, and
// rewinding before the stream resumes.
type Protocol struct {
	drive    Drive
	library  Library
	scratch  *tape.ScratchState
	prompter Prompter
	notifier Notifier
	opts     Options
	logger   *logging.Logger
}

// New creates a change protocol. library and notifier may be nil.
func New(drive Drive, library Library, scratch *tape.ScratchState, prompter Prompter, notifier Notifier, opts Options, logger *logging.Logger) *Protocol {
	return &Protocol{
		drive:    drive,
		library:  library,
		scratch:  scratch,
		prompter: prompter,
		notifier: notifier,
		opts:     opts,
		logger:   logger,
	}
}

// ChangeTape runs the full protocol. It blocks until the drive is ready
// to continue writing or the context is cancelled.
func (p *Protocol) ChangeTape(ctx context.Context) error {
	if status, err := p.drive.Status(ctx); err != nil {
		p.logger.Warn("Drive status unavailable during tape change", map[string]interface{}{
			"error": err.Error(),
		})
	} else if status.CleaningNeeded {
		if err := p.RunCleaning(ctx); err != nil {
			return fmt.Errorf("cleaning before tape change failed: %w", err)
		}
	}

	label, err := p.nextLabel(ctx)
	if err != nil {
		return err
	}

	if err := p.scratch.RecordTape(label); err != nil {
		return fmt.Errorf("failed to record tape %s: %w", label, err)
	}

	p.notify(ctx, "Tape change required",
		fmt.Sprintf("Insert tape %s into the drive to continue the backup.", label))

	if err := p.awaitInsertion(ctx, label); err != nil {
		return err
	}

	if err := p.drive.Rewind(ctx); err != nil {
		return fmt.Errorf("rewind after tape change failed: %w", err)
	}

	p.logger.Info("Tape change completed", map[string]interface{}{"label": label})
	return nil
}

// nextLabel asks the operator for the next volume label. Unattended runs
// get a generated label so the stream can continue.
func (p *Protocol) nextLabel(ctx context.Context) (string, error) {
	for attempt := 0; attempt < labelAttempts; attempt++ {
		answer, err := p.prompter.Prompt(ctx, "Enter the label of the next tape")
		if err != nil {
			if errors.Is(err, ErrNoOperator) {
				label := generateLabel()
				p.logger.Warn("No operator input, generated tape label", map[string]interface{}{
					"label": label,
				})
				return label, nil
			}
			return "", err
		}
		if answer != "" {
			return answer, nil
		}
	}
	return "", fmt.Errorf("no usable tape label after %d attempts", labelAttempts)
}

func generateLabel() string {
	id := strings.ToUpper(uuid.NewString())
	return "TAPE-" + id[:8]
}

// awaitInsertion waits for the operator to confirm the new tape. Without
// an operator a fixed wait gives a human time to act anyway.
func (p *Protocol) awaitInsertion(ctx context.Context, label string) error {
	_, err := p.prompter.Prompt(ctx, fmt.Sprintf("Insert tape %s and press enter", label))
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNoOperator) {
		return err
	}

	p.logger.Warn("No operator confirmation, waiting fixed period", map[string]interface{}{
		"wait": p.opts.InsertWait.String(),
	})
	return sleepCtx(ctx, p.opts.InsertWait)
}

// RunCleaning performs one cleaning cycle: with a robot the cartridge is
// loaded from the configured slot and unloaded after the cycle; otherwise
// the operator is asked to do it. The cleaning time is recorded either way.
func (p *Protocol) RunCleaning(ctx context.Context) error {
	p.notify(ctx, "Drive cleaning required",
		"The tape drive has raised its cleaning flag. A cleaning cycle is starting.")

	if p.library != nil && p.library.IsOperational(ctx) {
		if err := p.robotCleaning(ctx); err != nil {
			return err
		}
	} else {
		if err := p.manualCleaning(ctx); err != nil {
			return err
		}
	}

	if err := p.scratch.RecordCleaning(time.Now()); err != nil {
		p.logger.Warn("Failed to record cleaning time", map[string]interface{}{
			"error": err.Error(),
		})
	}

	p.logger.Info("Cleaning cycle finished", nil)
	return nil
}

func (p *Protocol) robotCleaning(ctx context.Context) error {
	if err := p.library.Load(ctx, p.opts.CleaningSlot, p.opts.DriveIndex); err != nil {
		return fmt.Errorf("failed to load cleaning cartridge: %w", err)
	}

	if err := sleepCtx(ctx, p.opts.RobotCleaning); err != nil {
		// try to leave the library in a sane state
		p.library.Unload(ctx, p.opts.CleaningSlot, p.opts.DriveIndex)
		return err
	}

	if err := p.library.Unload(ctx, p.opts.CleaningSlot, p.opts.DriveIndex); err != nil {
		return fmt.Errorf("failed to unload cleaning cartridge: %w", err)
	}
	return nil
}

func (p *Protocol) manualCleaning(ctx context.Context) error {
	_, err := p.prompter.Prompt(ctx, "Insert a cleaning cartridge and press enter when the cycle is done")
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNoOperator) {
		return err
	}

	p.logger.Warn("No operator for cleaning, waiting fixed period", map[string]interface{}{
		"wait": p.opts.CleaningWait.String(),
	})
	return sleepCtx(ctx, p.opts.CleaningWait)
}

func (p *Protocol) notify(ctx context.Context, subject, body string) {
	if p.notifier == nil {
		return
	}
	if err := p.notifier.Notify(ctx, subject, body); err != nil {
		p.logger.Warn("Notification delivery failed", map[string]interface{}{
			"subject": subject,
			"error":   err.Error(),
		})
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
