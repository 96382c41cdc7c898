package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hostimage/hostctl/internal/status"
)

// newStatusCommand creates the "status" subcommand that shows the deployment status document.
func newStatusCommand(opts *Options) *cobra.Command {
	var (
		format     string
		jsonOutput bool
		bootedOnly bool
		watch      bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the staged, booted and rollback deployments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("format") && envPresent(opts.Environ, "HOSTCTL_STATUS_FORMAT") {
				envCfg := statusEnv{}
				if err := parseEnv(&envCfg, opts.Environ); err != nil {
					return err
				}
				format = envCfg.Format
			}
			if jsonOutput {
				format = string(status.FormatJSON)
			}
			outFormat, err := status.ParseFormat(format)
			if err != nil {
				return err
			}

			rt, err := newRuntime(cmd, opts)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			statusOpts := status.Options{BootedOnly: bootedOnly}

			if watch {
				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()
				rt.logger.Debug("watching status", "store", rt.store.Root())
				return rt.reporter.Watch(ctx, statusOpts, func(host status.Host) error {
					if outFormat == status.FormatYAML {
						fmt.Fprintln(out, "---")
					}
					return status.Render(out, host, outFormat)
				})
			}

			host, err := rt.reporter.Status(cmd.Context(), statusOpts)
			if err != nil {
				return err
			}
			return status.Render(out, host, outFormat)
		},
	}

	cmd.Flags().StringVar(&format, "format", "yaml", "Output format (yaml, json, humanreadable)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Shorthand for --format json")
	cmd.Flags().BoolVar(&bootedOnly, "booted", false, "Only report the booted deployment")
	cmd.Flags().BoolVar(&watch, "watch", false, "Print the document again whenever the deployment state changes")
	cmd.MarkFlagsMutuallyExclusive("format", "json")

	return cmd
}
