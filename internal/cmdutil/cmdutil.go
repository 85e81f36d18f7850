// Package cmdutil has small helpers for interpreting failures of the
// external tools the system shells out to (mt, mtx, tar, mbuffer).
package cmdutil

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ErrorDetail formats a command failure for logs and wrapped errors.
// When the error carries an exit status the result is
// "exit code N: <stderr>"; otherwise it is the error text itself.
// A non-nil stderr buffer takes precedence over the Stderr field of
// exec.ExitError.
func ErrorDetail(err error, stderr *bytes.Buffer) string {
	if err == nil {
		return ""
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return err.Error()
	}

	detail := fmt.Sprintf("exit code %d", exitErr.ExitCode())
	if text := stderrText(exitErr, stderr); text != "" {
		detail += ": " + text
	}
	return detail
}

func stderrText(exitErr *exec.ExitError, stderr *bytes.Buffer) string {
	if stderr != nil && stderr.Len() > 0 {
		return strings.TrimSpace(stderr.String())
	}
	return strings.TrimSpace(string(exitErr.Stderr))
}

// ExitCode extracts the process exit code from a command error. The
// second return is false when err carries no exit status, e.g. the
// binary was not found.
func ExitCode(err error) (int, bool) {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), true
	}
	return 0, false
}
