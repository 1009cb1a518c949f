// Package runner executes job commands in a shell.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// NoExitCode is reported when the command has no exit status of its own:
// it timed out, was cancelled through ctx, or never started.
const NoExitCode = -1

type Result struct {
	ExitCode int
	// Output is stdout and stderr interleaved as written.
	Output   string
	TimedOut bool
}

// Runner runs one command to completion. A non-zero exit or a timeout is a
// Result, not an error; the error is reserved for commands that could not be
// started or were cancelled through ctx.
type Runner interface {
	Run(ctx context.Context, command string, timeout time.Duration) (Result, error)
}

// ShellRunner runs commands through the platform shell (sh -c). On timeout
// the command's whole process group is killed.
type ShellRunner struct {
	// WaitDelay bounds how long Run waits for output pipes to close after
	// the shell exits or is killed. Zero means two seconds.
	WaitDelay time.Duration
}

var _ Runner = (*ShellRunner)(nil)

func (r *ShellRunner) Run(ctx context.Context, command string, timeout time.Duration) (Result, error) {
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	name, args := shellCommand(command)
	cmd := exec.CommandContext(runCtx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = 2 * time.Second
	}
	killProcessGroup(cmd)

	err := cmd.Run()
	res := Result{Output: out.String()}
	switch {
	case err == nil:
		return res, nil
	case ctx.Err() != nil:
		res.ExitCode = NoExitCode
		return res, fmt.Errorf("runner: killed: %w", ctx.Err())
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		res.ExitCode = NoExitCode
		res.TimedOut = true
		return res, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	if errors.Is(err, exec.ErrWaitDelay) && cmd.ProcessState != nil {
		// a background child kept the output pipe open
		res.ExitCode = cmd.ProcessState.ExitCode()
		return res, nil
	}
	res.ExitCode = NoExitCode
	return res, fmt.Errorf("runner: start %q: %w", name, err)
}
