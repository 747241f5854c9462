// Package system holds the device restart primitive.
package system

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bbernstein/lacyconnect/internal/services/executil"
)

// DefaultRestartCommand reboots the device through systemd.
const DefaultRestartCommand = "systemctl reboot"

const restartTimeout = 10 * time.Second

// CommandRestarter restarts the device by running a shell command.
type CommandRestarter struct {
	executor executil.CommandExecutor
	argv     []string
	logger   *zap.Logger
}

// NewCommandRestarter splits command on whitespace. An empty command uses
// DefaultRestartCommand.
func NewCommandRestarter(executor executil.CommandExecutor, command string, logger *zap.Logger) *CommandRestarter {
	if executor == nil {
		executor = executil.Real{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	argv := strings.Fields(command)
	if len(argv) == 0 {
		argv = strings.Fields(DefaultRestartCommand)
	}
	return &CommandRestarter{executor: executor, argv: argv, logger: logger.Named("system")}
}

// Command returns the command line that Restart runs.
func (r *CommandRestarter) Command() string {
	return strings.Join(r.argv, " ")
}

// Restart runs the restart command. It returns once the command exits; a
// successful reboot normally ends the process before that.
func (r *CommandRestarter) Restart(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.logger.Warn("restarting device", zap.String("command", r.Command()))

	out, err := r.executor.ExecuteWithTimeout(restartTimeout, r.argv[0], r.argv[1:]...)
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg != "" {
			err = fmt.Errorf("%w: %s", err, msg)
		}
		return fmt.Errorf("restart command failed: %w", err)
	}
	return nil
}

// ErrRestartDisabled is returned by NoopRestarter.
var ErrRestartDisabled = errors.New("restart disabled")

// NoopRestarter refuses every restart. It is used when no restart command
// is configured, so a restart request falls back to retrying.
type NoopRestarter struct{}

// Restart always fails with ErrRestartDisabled.
func (NoopRestarter) Restart(context.Context) error {
	return ErrRestartDisabled
}
