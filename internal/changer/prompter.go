package changer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// ErrNoOperator is returned when operator input cannot be obtained: the
// input stream is closed, or nobody answered within the timeout.
var ErrNoOperator = errors.New("no operator input available")

// Prompter obtains a line of operator input. Implementations must be safe
// for sequential reuse; the protocol prompts several times per change.
type Prompter interface {
	Prompt(ctx context.Context, message string) (string, error)
}

// TimedPrompter reads operator answers from a stream, giving up after a
// timeout so unattended runs never hang on a prompt.
type TimedPrompter struct {
	out     io.Writer
	timeout time.Duration

	mu    sync.Mutex
	lines chan string
	errCh chan error
}

// NewTimedPrompter wraps in/out (typically stdin/stdout).
func NewTimedPrompter(in io.Reader, out io.Writer, timeout time.Duration) *TimedPrompter {
	p := &TimedPrompter{
		out:     out,
		timeout: timeout,
		lines:   make(chan string),
		errCh:   make(chan error, 1),
	}

	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			p.lines <- scanner.Text()
		}
		if err := scanner.Err(); err != nil {
			p.errCh <- err
		} else {
			p.errCh <- io.EOF
		}
	}()

	return p
}

// NewConsolePrompter prompts on stdin/stdout.
func NewConsolePrompter(timeout time.Duration) *TimedPrompter {
	return NewTimedPrompter(os.Stdin, os.Stdout, timeout)
}

// Prompt writes the message and waits for one line, the timeout, or
// cancellation, whichever comes first.
func (p *TimedPrompter) Prompt(ctx context.Context, message string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.out, "%s: ", message)

	select {
	case line := <-p.lines:
		return strings.TrimSpace(line), nil
	case err := <-p.errCh:
		return "", fmt.Errorf("%w: %v", ErrNoOperator, err)
	case <-time.After(p.timeout):
		return "", fmt.Errorf("%w: no answer within %v", ErrNoOperator, p.timeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
