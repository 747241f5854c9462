// Package executil provides the command execution seam shared by the
// NetworkManager-backed adapters.
package executil

import (
	"context"
	"os/exec"
	"time"
)

// CommandExecutor interface for executing shell commands (for testing).
type CommandExecutor interface {
	Execute(name string, args ...string) ([]byte, error)
	ExecuteWithTimeout(timeout time.Duration, name string, args ...string) ([]byte, error)
}

// Real implements CommandExecutor using actual shell commands.
type Real struct{}

// Execute runs the command and returns its standard output.
func (Real) Execute(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).Output()
}

// ExecuteWithTimeout runs the command and kills it once timeout elapses.
// A zero timeout behaves like Execute.
func (r Real) ExecuteWithTimeout(timeout time.Duration, name string, args ...string) ([]byte, error) {
	if timeout <= 0 {
		return r.Execute(name, args...)
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}
