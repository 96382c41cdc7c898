package cli

import (
	"github.com/spf13/cobra"

	"github.com/hostimage/hostctl/internal/deploy"
	"github.com/hostimage/hostctl/internal/engine"
)

// newSwitchCommand creates the "switch" subcommand that changes the target image.
func newSwitchCommand(opts *Options) *cobra.Command {
	var (
		transport string
		retain    bool
		kargs     []string
		reboot    rebootFlags
	)

	cmd := &cobra.Command{
		Use:   "switch <image>",
		Short: "Change the target image and stage it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := deploy.NewImageReference(args[0], transport)
			if err != nil {
				return err
			}
			mode, err := reboot.mode(cmd, opts)
			if err != nil {
				return err
			}
			rt, err := newRuntime(cmd, opts)
			if err != nil {
				return err
			}
			res, err := rt.engine.Switch(cmd.Context(), engine.SwitchOptions{
				Image:      ref,
				Retain:     retain,
				Kargs:      kargs,
				Apply:      reboot.apply,
				SoftReboot: mode,
			})
			if err != nil {
				return err
			}
			printResult(cmd.OutOrStdout(), "switch", res)
			return nil
		},
	}

	cmd.Flags().StringVar(&transport, "transport", string(deploy.TransportRegistry), "Image transport (registry, oci, oci-archive, containers-storage, dir)")
	cmd.Flags().BoolVar(&retain, "retain", false, "Keep the currently booted deployment as a pinned fallback")
	cmd.Flags().StringArrayVar(&kargs, "karg", nil, "Additional kernel argument retained across upgrades (repeatable)")
	reboot.add(cmd, true)

	return cmd
}

// newRollbackCommand creates the "rollback" subcommand that swaps the booted and rollback deployments.
func newRollbackCommand(opts *Options) *cobra.Command {
	var reboot rebootFlags

	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Make the rollback deployment the default boot target",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			mode, err := reboot.mode(cmd, opts)
			if err != nil {
				return err
			}
			rt, err := newRuntime(cmd, opts)
			if err != nil {
				return err
			}
			res, err := rt.engine.Rollback(cmd.Context(), engine.RollbackOptions{Apply: reboot.apply, SoftReboot: mode})
			if err != nil {
				return err
			}
			printResult(cmd.OutOrStdout(), "rollback", res)
			return nil
		},
	}

	reboot.add(cmd, true)

	return cmd
}
