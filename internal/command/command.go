// Package command runs external programs and reports failures as typed errors.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Result holds the captured output of one invocation.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Runner executes a program in a working directory and blocks until it exits.
type Runner interface {
	Run(ctx context.Context, dir, name string, args ...string) (Result, error)
}

// CommandError reports a program that exited non-zero or could not be started.
type CommandError struct {
	Command  []string
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "command '%s' failed with exit code %d.", strings.Join(e.Command, " "), e.ExitCode)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		b.WriteString("\nStderr: " + s)
	}
	if s := strings.TrimSpace(e.Stdout); s != "" {
		b.WriteString("\nStdout: " + s)
	}
	if e.Err != nil && e.ExitCode < 0 {
		b.WriteString("\nCause: " + e.Err.Error())
	}
	return b.String()
}

func (e *CommandError) Unwrap() error { return e.Err }

// Summary returns the first line of the message, suitable for a one-line audit entry.
func (e *CommandError) Summary() string {
	msg := e.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		return msg[:i]
	}
	return msg
}

// Exec is the os/exec backed Runner.
type Exec struct {
	Logger *zap.Logger
	// Env is appended to the inherited environment when non-empty.
	Env []string
}

func (x Exec) Run(ctx context.Context, dir, name string, args ...string) (Result, error) {
	logger := x.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	if len(x.Env) > 0 {
		cmd.Env = append(cmd.Environ(), x.Env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	argv := append([]string{name}, args...)
	if err != nil {
		res.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		}
		logger.Debug("command failed",
			zap.Strings("argv", argv),
			zap.String("dir", dir),
			zap.Int("exit_code", res.ExitCode),
			zap.Duration("duration", res.Duration))
		return res, &CommandError{Command: argv, ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr, Err: err}
	}
	logger.Debug("command finished",
		zap.Strings("argv", argv),
		zap.String("dir", dir),
		zap.Duration("duration", res.Duration))
	return res, nil
}
