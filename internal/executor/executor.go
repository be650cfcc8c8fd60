// Package executor runs the configured task executor as a child process.
// The prompt goes to stdin and stdout is the result.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"flowgate/internal/config"
	"flowgate/internal/domain"
	"flowgate/internal/telemetry"
)

type Command struct {
	Name    string
	Args    []string
	Dir     string
	Timeout time.Duration

	// execCommand is swappable for testing.
	execCommand func(ctx context.Context, name string, args ...string) *exec.Cmd
}

func New(cfg config.ExecutorConfig) *Command {
	return &Command{
		Name:        cfg.Command,
		Args:        cfg.Args,
		Timeout:     cfg.Timeout,
		execCommand: exec.CommandContext,
	}
}

// Run executes the command with prompt on stdin. Exceeding Timeout returns
// ErrExecutorTimeout; a command that cannot be started returns
// ErrUnavailable.
func (c *Command) Run(ctx context.Context, prompt string) (res domain.ExecResult, err error) {
	ctx, span := telemetry.StartSpan(ctx, "executor.run", telemetry.String("executor.command", c.Name))
	defer func() { telemetry.End(span, err) }()

	if c.Name == "" {
		return domain.ExecResult{}, fmt.Errorf("%w: no executor command configured", domain.ErrUnavailable)
	}
	runCtx := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	run := c.execCommand
	if run == nil {
		run = exec.CommandContext
	}
	cmd := run(runCtx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Stdin = strings.NewReader(prompt)
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err = cmd.Run()
	elapsed := time.Since(start)
	switch {
	case err == nil:
		return domain.ExecResult{Content: stdout.String(), Duration: elapsed}, nil
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		return domain.ExecResult{}, fmt.Errorf("%w after %s", domain.ErrExecutorTimeout, c.Timeout)
	case ctx.Err() != nil:
		return domain.ExecResult{}, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return domain.ExecResult{}, fmt.Errorf("%s exited %d: %s", c.Name, exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
	}
	return domain.ExecResult{}, fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
}
