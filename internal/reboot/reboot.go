// Package reboot is the reboot collaborator. It asks the init system for a full or a soft (userspace
// only) reboot.
package reboot

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"

	"github.com/hostimage/hostctl/internal/logging"
)

// Rebooter restarts the host.
type Rebooter interface {
	// Reboot starts a reboot. soft selects a userspace-only reboot that keeps the running kernel.
	Reboot(ctx context.Context, soft bool) error
}

// Systemctl reboots through a systemctl-compatible command.
type Systemctl struct {
	// Command is the binary to run; "systemctl" when empty.
	Command string
	// Args are passed before the verb.
	Args   []string
	Logger *slog.Logger
}

// NewSystemctl returns a rebooter running command.
func NewSystemctl(command string, logger *slog.Logger) *Systemctl {
	return &Systemctl{Command: command, Logger: logger}
}

// Reboot implements Rebooter.
func (s *Systemctl) Reboot(ctx context.Context, soft bool) error {
	command := s.Command
	if command == "" {
		command = "systemctl"
	}
	verb := "reboot"
	if soft {
		verb = "soft-reboot"
	}
	args := append(append([]string(nil), s.Args...), verb)

	logger := logging.OrDiscard(s.Logger)
	out := logging.NewWriter(logger, command)
	defer out.Flush()

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Stdout = out
	cmd.Stderr = &stderr

	logger.Info("requesting reboot", "command", command, "soft", soft)
	if err := cmd.Run(); err != nil {
		_, _ = out.Write(stderr.Bytes())
		return fmt.Errorf("%s %s failed: %w", command, verb, err)
	}
	return nil
}

// Recorder remembers reboot requests instead of rebooting. It is used by dry runs and tests.
type Recorder struct {
	// Err is returned from every Reboot call when set.
	Err error
	// Calls lists the soft flag of every request.
	Calls []bool
}

// Reboot implements Rebooter.
func (r *Recorder) Reboot(ctx context.Context, soft bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.Calls = append(r.Calls, soft)
	return r.Err
}
