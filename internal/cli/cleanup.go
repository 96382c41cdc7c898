package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hostimage/hostctl/internal/engine"
)

// newCleanupCommand creates the "cleanup" subcommand that removes unused deployments and content.
func newCleanupCommand(opts *Options) *cobra.Command {
	var stateroot string

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove prune-eligible deployments and unreferenced content",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := newRuntime(cmd, opts)
			if err != nil {
				return err
			}
			res, err := rt.engine.Cleanup(cmd.Context(), engine.CleanupOptions{Stateroot: stateroot})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "cleanup: %d deployments, %d content entries removed\n", len(res.Pruned.Deployments), res.Pruned.Content)
			for _, perr := range res.Pruned.Errors {
				fmt.Fprintf(out, "  not removed: %v\n", perr)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&stateroot, "stateroot", "", "Only unregister deployments of this stateroot (default: all)")

	return cmd
}
