// Package command runs remediation command lines as child processes.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// waitDelay bounds how long Run waits for output pipes after the process
// has exited or been killed.
const waitDelay = 5 * time.Second

// Output is what a finished command wrote.
type Output struct {
	Stdout   string
	Stderr   string
	TimedOut bool
	Duration time.Duration
}

// ExecutionError reports a command that could not be started at all.
type ExecutionError struct {
	Command string
	Err     error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execute %q: %v", e.Command, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Runner executes command lines. The zero value is ready to use.
type Runner struct{}

// Run splits line on whitespace and executes it without a shell. The exit
// status is not inspected: a command that starts and exits non-zero still
// returns its output and a nil error. Only a failure to launch returns an
// *ExecutionError. A positive timeout kills the process when it expires.
func (Runner) Run(ctx context.Context, line string, timeout time.Duration) (*Output, error) {
	args := strings.Fields(line)
	if len(args) == 0 {
		return &Output{}, nil
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec // G204: commands come from trusted config
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay

	start := time.Now()
	err := cmd.Run()
	out := &Output{
		Stdout:   strings.ToValidUTF8(stdout.String(), "�"),
		Stderr:   strings.ToValidUTF8(stderr.String(), "�"),
		Duration: time.Since(start),
	}

	if err == nil {
		return out, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) || errors.Is(err, exec.ErrWaitDelay) {
		out.TimedOut = timeout > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded)
		return out, nil
	}

	return nil, &ExecutionError{Command: line, Err: err}
}
