package pipeline

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/RoseOO/tapestream/internal/cmdutil"
	"github.com/RoseOO/tapestream/internal/logging"
	"github.com/RoseOO/tapestream/internal/models"
)

// errorTailLines is how many trailing output lines a failure report keeps.
const errorTailLines = 10

// ErrCancelled is returned when the stream was stopped cooperatively.
var ErrCancelled = errors.New("pipeline cancelled")

// Monitor receives every output line of the running pipeline as it
// appears. It must not block for long: the line pump stalls with it.
type Monitor func(line string)

// VolumeChangeFunc is invoked synchronously when the consumer reports the
// end of the current medium. The pipeline blocks until it returns.
type VolumeChangeFunc func(ctx context.Context) error

// StageError reports a non-zero exit from one pipeline stage together
// with the last output lines seen.
type StageError struct {
	Stage    string
	ExitCode int
	Tail     []string
}

func (e *StageError) Error() string {
	if len(e.Tail) == 0 {
		return fmt.Sprintf("%s exited with code %d", e.Stage, e.ExitCode)
	}
	return fmt.Sprintf("%s exited with code %d: %s", e.Stage, e.ExitCode, strings.Join(e.Tail, " | "))
}

// volume change markers emitted by mbuffer when the output device is full
var volumeChangeMarkers = []string{
	"end of volume",
	"insert next volume",
	"device full",
}

// Stream runs two-stage producer/consumer pipelines.
type Stream struct {
	logger       *logging.Logger
	volumeChange VolumeChangeFunc
}

// NewStream creates a pipeline runner. volumeChange may be nil when no
// tape change handling is wanted (restores from a single volume).
func NewStream(logger *logging.Logger, volumeChange VolumeChangeFunc) *Stream {
	return &Stream{
		logger:       logger,
		volumeChange: volumeChange,
	}
}

// TarCreateArgs builds the archiving stage of a backup.
func TarCreateArgs(source string, excludes []string, blockSize uint64, manifestPath string) []string {
	args := []string{"tar", "-c", "-v"}
	for _, pattern := range excludes {
		args = append(args, "--exclude="+pattern)
	}
	args = append(args,
		fmt.Sprintf("--record-size=%d", blockSize),
		"--index-file="+manifestPath,
		source,
	)
	return args
}

// BufferWriteArgs builds the buffered tape-writing stage of a backup.
func BufferWriteArgs(plan models.BufferPlan, device string) []string {
	return []string{
		"mbuffer",
		"-m", fmt.Sprintf("%d", plan.SizeBytes),
		"-P", fmt.Sprintf("%d", plan.FillPercent),
		"-s", fmt.Sprintf("%d", plan.BlockSize),
		"-o", device,
	}
}

// BufferReadArgs builds the buffered tape-reading stage of a restore.
func BufferReadArgs(plan models.BufferPlan, device string) []string {
	return []string{
		"mbuffer",
		"-i", device,
		"-m", fmt.Sprintf("%d", plan.SizeBytes),
		"-s", fmt.Sprintf("%d", plan.BlockSize),
	}
}

// TarExtractArgs builds the extraction stage of a restore.
func TarExtractArgs(destination string, blockSize uint64) []string {
	return []string{
		"tar", "-x", "-v",
		fmt.Sprintf("--record-size=%d", blockSize),
		"-f", "-",
		"-C", destination,
	}
}

// Run executes producer | consumer, streaming every diagnostic line to
// monitor. Cancellation is honored at line boundaries; the error of a
// failed stage carries the last output lines.
func (s *Stream) Run(ctx context.Context, producer, consumer []string, monitor Monitor) error {
	if len(producer) == 0 || len(consumer) == 0 {
		return fmt.Errorf("pipeline stages must not be empty")
	}

	prodCmd := exec.CommandContext(ctx, producer[0], producer[1:]...)
	consCmd := exec.CommandContext(ctx, consumer[0], consumer[1:]...)

	// Wire the archive stream through a kernel pipe so an early death of
	// either stage propagates as EOF/SIGPIPE to the other.
	archive, err := prodCmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to attach producer stdout: %w", err)
	}
	consCmd.Stdin = archive

	prodErr, err := prodCmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to attach producer stderr: %w", err)
	}
	consErr, err := consCmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to attach consumer stderr: %w", err)
	}

	lines := make(chan string, 64)
	var pumps sync.WaitGroup
	pump := func(r io.Reader) {
		defer pumps.Done()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}

	if err := prodCmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", producer[0], err)
	}
	if err := consCmd.Start(); err != nil {
		prodCmd.Process.Kill()
		prodCmd.Wait()
		return fmt.Errorf("failed to start %s: %w", consumer[0], err)
	}

	pumps.Add(2)
	go pump(prodErr)
	go pump(consErr)
	go func() {
		pumps.Wait()
		close(lines)
	}()

	tail := make([]string, 0, errorTailLines)
	cancelled := false
	var changeErr error

	for line := range lines {
		if ctx.Err() != nil && !cancelled {
			// stop processing at this line boundary; CommandContext has
			// already signalled both stages
			cancelled = true
		}
		if cancelled {
			continue
		}

		if monitor != nil {
			monitor(line)
		}
		tail = appendTail(tail, line)

		if s.volumeChange != nil && isVolumeChangeLine(line) {
			s.logger.Info("End of medium reported, invoking tape change", map[string]interface{}{
				"line": line,
			})
			if err := s.volumeChange(ctx); err != nil {
				changeErr = fmt.Errorf("tape change failed: %w", err)
				cancelled = true
			}
		}
	}

	// stderr pumps have drained, so Wait is safe now
	producerErr := prodCmd.Wait()
	consumerErr := consCmd.Wait()

	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	}
	if changeErr != nil {
		return changeErr
	}

	if producerErr != nil || consumerErr != nil {
		// A dead consumer usually takes the producer down with SIGPIPE;
		// report the stage that exited with a real code.
		if producerErr != nil && signalKilled(producerErr) && consumerErr != nil {
			return stageError(consumer[0], consumerErr, tail)
		}
		if producerErr != nil {
			return stageError(producer[0], producerErr, tail)
		}
		return stageError(consumer[0], consumerErr, tail)
	}
	return nil
}

func signalKilled(err error) bool {
	code, ok := cmdutil.ExitCode(err)
	return ok && code < 0
}

func stageError(stage string, err error, tail []string) error {
	code, ok := cmdutil.ExitCode(err)
	if !ok {
		return fmt.Errorf("%s failed: %w", stage, err)
	}
	return &StageError{
		Stage:    stage,
		ExitCode: code,
		Tail:     append([]string(nil), tail...),
	}
}

func appendTail(tail []string, line string) []string {
	if len(tail) == errorTailLines {
		copy(tail, tail[1:])
		tail = tail[:errorTailLines-1]
	}
	return append(tail, line)
}

func isVolumeChangeLine(line string) bool {
	lower := strings.ToLower(line)
	for _, marker := range volumeChangeMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
