package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hostimage/hostctl/internal/engine"
)

// newUpgradeCommand creates the "upgrade" subcommand that stages the newest version of the target image.
func newUpgradeCommand(opts *Options) *cobra.Command {
	var (
		check  bool
		reboot rebootFlags
	)

	cmd := &cobra.Command{
		Use:   "upgrade",
		Short: "Fetch and stage an update of the target image",
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
			out := cmd.OutOrStdout()

			if check {
				res, err := rt.engine.CheckUpgrade(cmd.Context())
				if err != nil {
					return err
				}
				switch {
				case res.Available:
					fmt.Fprintf(out, "Update available for: %s\n", res.Image.String())
					if res.Version != "" {
						fmt.Fprintf(out, "  Version: %s\n", res.Version)
					}
					fmt.Fprintf(out, "  Digest: %s\n", res.Digest)
					if !res.Timestamp.IsZero() {
						fmt.Fprintf(out, "  Timestamp: %s\n", res.Timestamp.UTC().Format(time.RFC3339))
					}
				case res.Staged:
					fmt.Fprintf(out, "Update already staged: %s\n", res.Digest)
				default:
					fmt.Fprintf(out, "No changes in: %s\n", res.Image.String())
				}
				return nil
			}

			res, err := rt.engine.Upgrade(cmd.Context(), engine.UpgradeOptions{Apply: reboot.apply, SoftReboot: mode})
			if err != nil {
				return err
			}
			printResult(out, "upgrade", res)
			return nil
		},
	}

	cmd.Flags().BoolVar(&check, "check", false, "Only check whether an update is available, without fetching layers or staging")
	reboot.add(cmd, true)
	cmd.MarkFlagsMutuallyExclusive("check", "apply")

	return cmd
}

// newApplyCommand creates the "apply" subcommand that promotes the staged deployment and reboots.
func newApplyCommand(opts *Options) *cobra.Command {
	var reboot rebootFlags

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Promote the staged deployment and reboot into it",
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
			res, err := rt.engine.Apply(cmd.Context(), engine.ApplyOptions{SoftReboot: mode})
			if err != nil {
				return err
			}
			printResult(cmd.OutOrStdout(), "apply", res)
			return nil
		},
	}

	reboot.add(cmd, false)

	return cmd
}
