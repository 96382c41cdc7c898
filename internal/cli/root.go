// Package cli defines the command-line interface for hostctl.
package cli

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/hostimage/hostctl/internal/config"
	"github.com/hostimage/hostctl/internal/env"
	"github.com/hostimage/hostctl/internal/image"
	"github.com/hostimage/hostctl/internal/logging"
	"github.com/hostimage/hostctl/internal/reboot"
)

// Options stores global CLI options shared between commands.
type Options struct {
	ConfigPath string
	EnvFile    string
	Sysroot    string
	LogLevel   logging.Level

	// Environ replaces the process environment when set.
	Environ env.Vars
	// Fetcher and Rebooter replace the collaborators built from the configuration when set.
	Fetcher  image.Fetcher
	Rebooter reboot.Rebooter
}

// Execute builds the root command, runs it with the provided args and logger, and returns any error.
func Execute(args []string, logger *slog.Logger) error {
	if logger == nil {
		logger = logging.NewLogger(os.Stderr, logging.LevelInfo)
	}

	rootOpts := &Options{
		ConfigPath: config.DefaultPath,
		EnvFile:    config.DefaultEnvFile,
		LogLevel:   logging.LevelInfo,
	}

	rootCmd := newRootCommand(rootOpts, logger)
	rootCmd.SetArgs(args)

	return rootCmd.Execute()
}

// newRootCommand constructs the root cobra.Command with global flags and subcommands.
func newRootCommand(opts *Options, logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "hostctl",
		Short:         "hostctl manages transactional image-based deployments of the host",
		Long:          "hostctl stages, applies and rolls back bootable container image deployments with an A/B boot order, keeping the previous deployment as a rollback target.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			base := baseEnv{}
			if err := parseEnv(&base, opts.Environ); err != nil {
				return err
			}
			if !cmd.Flags().Changed("config") && base.ConfigPath != "" {
				opts.ConfigPath = base.ConfigPath
			}
			if !cmd.Flags().Changed("env-file") && base.EnvFile != "" {
				opts.EnvFile = base.EnvFile
			}
			levelValue := cmd.Flag("log-level").Value.String()
			if !cmd.Flags().Changed("log-level") && base.LogLevel != "" {
				levelValue = base.LogLevel
			}
			level := logging.ParseLevel(levelValue)
			opts.LogLevel = level
			logger = logging.NewLogger(cmd.ErrOrStderr(), level)
			cmd.SetContext(context.WithValue(cmd.Context(), loggerKey{}, logger))
			logger.Debug("logger initialized", "level", level)
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", opts.ConfigPath, "Path to the hostctl configuration file")
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", opts.EnvFile, "Path to an optional .env file with HOSTCTL_* overrides")
	cmd.PersistentFlags().StringVar(&opts.Sysroot, "sysroot", "", "Physical root holding deployments (overrides the configuration)")
	cmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(
		newStatusCommand(opts),
		newUpgradeCommand(opts),
		newApplyCommand(opts),
		newSwitchCommand(opts),
		newRollbackCommand(opts),
		newEditCommand(opts),
		newCleanupCommand(opts),
		newInstallCommand(opts),
	)

	return cmd
}

// loggerKey is a private context key used to store a logger in command contexts.
type loggerKey struct{}

// LoggerFromContext extracts a logger from the context or falls back to a default logger.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return logging.NewLogger(os.Stderr, logging.LevelInfo)
	}
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok && l != nil {
		return l
	}
	return logging.NewLogger(os.Stderr, logging.LevelInfo)
}
