package infra

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// CommandRunner runs external helpers (launchctl, systemctl, osascript...).
// Supervisors and notifiers depend on it so tests can record the calls.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// CommandLauncher starts helpers that outlive the request that spawned
// them, such as a modal dialog waiting for the user. The returned channel
// receives the exit status once the helper ends.
type CommandLauncher interface {
	Launch(name string, args ...string) (<-chan error, error)
}

// ExecRunner implements CommandRunner and CommandLauncher with os/exec.
type ExecRunner struct{}

// NewExecRunner creates a runner backed by os/exec.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

// Run executes name with args and returns combined stdout.
// On failure the error carries trimmed stderr.
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = nil // Prevent any interactive prompts
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return stdout.String(), commandError(name, args, err, &stderr)
	}
	return stdout.String(), nil
}

// Launch starts name without binding it to a context and reaps it in the
// background.
func (r *ExecRunner) Launch(name string, args ...string) (<-chan error, error) {
	cmd := exec.Command(name, args...)
	cmd.Stdin = nil
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	exited := make(chan error, 1)
	go func() {
		if err := cmd.Wait(); err != nil {
			exited <- commandError(name, args, err, &stderr)
			return
		}
		exited <- nil
	}()
	return exited, nil
}

func commandError(name string, args []string, err error, stderr *bytes.Buffer) error {
	msg := strings.TrimSpace(stderr.String())
	if msg == "" {
		return fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, msg)
}

var (
	_ CommandRunner   = (*ExecRunner)(nil)
	_ CommandLauncher = (*ExecRunner)(nil)
)
