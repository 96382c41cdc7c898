package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/hostimage/hostctl/internal/deploy"
	"github.com/hostimage/hostctl/internal/engine"
)

// newGroupCommand builds a cobra.Command that groups subcommands.
func newGroupCommand(use, short string, subcommands ...*cobra.Command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
	}
	if len(subcommands) > 0 {
		cmd.AddCommand(subcommands...)
	}
	return cmd
}

// rebootFlags are shared by commands that can finish with a reboot.
type rebootFlags struct {
	apply      bool
	softReboot string
}

func (f *rebootFlags) add(cmd *cobra.Command, withApply bool) {
	if withApply {
		cmd.Flags().BoolVar(&f.apply, "apply", false, "Reboot into the new deployment once it is ready")
	}
	cmd.Flags().StringVar(&f.softReboot, "soft-reboot", "", "Soft reboot mode: auto or required (default: the host policy)")
}

// mode resolves --soft-reboot, falling back to HOSTCTL_SOFT_REBOOT.
func (f *rebootFlags) mode(cmd *cobra.Command, opts *Options) (deploy.SoftRebootMode, error) {
	value := f.softReboot
	if !cmd.Flags().Changed("soft-reboot") && envPresent(opts.Environ, "HOSTCTL_SOFT_REBOOT") {
		envCfg := rebootEnv{}
		if err := parseEnv(&envCfg, opts.Environ); err != nil {
			return "", err
		}
		value = envCfg.SoftReboot
	}
	mode, err := deploy.ParseSoftRebootMode(value)
	if err != nil {
		return "", err
	}
	if mode != deploy.SoftRebootDisabled && cmd.Flags().Lookup("apply") != nil && !f.apply {
		return "", deploy.Errorf(deploy.KindConfig, cmd.Name(), "--soft-reboot requires --apply")
	}
	return mode, nil
}

// printResult writes a one-line summary of a mutating operation.
func printResult(w io.Writer, op string, res engine.Result) {
	switch {
	case !res.Changed:
		fmt.Fprintf(w, "%s: no changes\n", op)
	case res.Rebooted && res.SoftReboot:
		fmt.Fprintf(w, "%s: %s, soft reboot requested\n", op, res.Deployment)
	case res.Rebooted:
		fmt.Fprintf(w, "%s: %s, reboot requested\n", op, res.Deployment)
	case res.Deployment != "":
		fmt.Fprintf(w, "%s: %s (generation %d)\n", op, res.Deployment, res.Record.Generation)
	default:
		fmt.Fprintf(w, "%s: done (generation %d)\n", op, res.Record.Generation)
	}
}
