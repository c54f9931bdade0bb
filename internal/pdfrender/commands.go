package pdfrender

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"strings"
	"time"
)

// waitDelay bounds how long Run waits for output pipes after the process is killed.
const waitDelay = 2 * time.Second

// CommandResult holds everything an external tool run produced.
type CommandResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// CommandExecutor defines an interface for running external commands.
// This abstraction is crucial for enabling unit tests to mock command execution.
type CommandExecutor interface {
	// Run executes a command, capturing stdout and stderr separately. The returned
	// error is non-nil when the command could not start, was killed, or exited
	// with a non-zero code; the result is populated as far as possible in all cases.
	Run(ctx context.Context, name string, args ...string) (CommandResult, error)
}

// defaultExecutor implements the CommandExecutor interface using the standard os/exec
// package. When ctx ends, the process is killed.
type defaultExecutor struct{}

// Run is the production implementation for executing a command.
func (executor *defaultExecutor) Run(
	ctx context.Context,
	name string,
	args ...string,
) (CommandResult, error) {
	var stdout, stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay

	runErr := cmd.Run()

	result := CommandResult{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: -1,
	}
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}

	return result, runErr
}

// Tool is one external executable run under a fixed time bound.
type Tool struct {
	executor CommandExecutor
	Name     string
	Path     string
	Timeout  time.Duration
}

// NewTool binds an executable path and timeout to an executor.
func NewTool(name, path string, timeout time.Duration, executor CommandExecutor) Tool {
	if executor == nil {
		executor = &defaultExecutor{}
	}

	return Tool{
		executor: executor,
		Name:     name,
		Path:     path,
		Timeout:  timeout,
	}
}

// Run executes the tool and classifies the outcome. A non-nil error always wraps
// one of ErrToolUnavailable, ErrTimeout or ErrToolFailed inside a *ToolError, or the
// caller's own context error when the caller gave up first.
func (tool Tool) Run(ctx context.Context, args ...string) (CommandResult, error) {
	runCtx, cancel := context.WithTimeout(ctx, tool.Timeout)
	defer cancel()

	result, runErr := tool.executor.Run(runCtx, tool.Path, args...)
	if runErr == nil {
		return result, nil
	}

	toolErr := &ToolError{
		Err:      ErrToolFailed,
		Tool:     tool.Name,
		Stderr:   strings.TrimSpace(string(result.Stderr)),
		ExitCode: result.ExitCode,
	}

	switch {
	case ctx.Err() != nil:
		return result, fmt.Errorf("%s interrupted: %w", tool.Name, ctx.Err())
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		toolErr.Err = ErrTimeout
		toolErr.Stderr = fmt.Sprintf("no exit after %s", tool.Timeout)
	case errors.Is(runErr, exec.ErrNotFound), errors.Is(runErr, fs.ErrNotExist),
		errors.Is(runErr, fs.ErrPermission):
		toolErr.Err = ErrToolUnavailable
		toolErr.Stderr = runErr.Error()
	}

	return result, toolErr
}
