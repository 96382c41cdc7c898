package cli

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/hostimage/hostctl/internal/backend"
	"github.com/hostimage/hostctl/internal/backend/composefs"
	"github.com/hostimage/hostctl/internal/backend/ostree"
	"github.com/hostimage/hostctl/internal/bootloader"
	"github.com/hostimage/hostctl/internal/config"
	"github.com/hostimage/hostctl/internal/deploy"
	"github.com/hostimage/hostctl/internal/engine"
	"github.com/hostimage/hostctl/internal/image"
	"github.com/hostimage/hostctl/internal/metrics"
	"github.com/hostimage/hostctl/internal/reboot"
	"github.com/hostimage/hostctl/internal/status"
	"github.com/hostimage/hostctl/internal/store"
)

// runtime bundles the collaborators a command needs for one sysroot.
type runtime struct {
	cfg      config.Config
	store    *store.Store
	engine   *engine.Engine
	reporter *status.Reporter
	logger   *slog.Logger
}

// loadConfig reads the configuration selected by the global flags. An explicitly given --config must
// exist; the default path is optional.
func loadConfig(cmd *cobra.Command, opts *Options) (config.Config, error) {
	cfg, err := config.Load(config.LoadOptions{
		Path:     opts.ConfigPath,
		Required: cmd.Flags().Changed("config"),
		EnvFile:  opts.EnvFile,
		Environ:  opts.Environ,
	})
	if err != nil {
		return config.Config{}, err
	}
	if opts.Sysroot != "" {
		cfg.Sysroot = opts.Sysroot
	}
	LoggerFromContext(cmd.Context()).Debug("configuration loaded", "path", opts.ConfigPath, "effective", cfg.String())
	return cfg, nil
}

// newRuntime loads the configuration and opens the configured sysroot.
func newRuntime(cmd *cobra.Command, opts *Options) (*runtime, error) {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return nil, err
	}
	return openRuntime(cmd.Context(), cfg, cfg.Sysroot, opts, LoggerFromContext(cmd.Context()))
}

// openRuntime wires the engine for sysroot. An installed system keeps the backend recorded at install
// time; the configured backend only applies to an empty sysroot.
func openRuntime(ctx context.Context, cfg config.Config, sysroot string, opts *Options, logger *slog.Logger) (*runtime, error) {
	st, err := store.Open(sysroot, logger)
	if err != nil {
		return nil, deploy.Wrap(deploy.KindConfig, "open store", err)
	}
	rec, err := st.Snapshot(ctx)
	if err != nil {
		return nil, deploy.Wrap(deploy.KindBackend, "open store", err)
	}
	kind := rec.Backend
	if kind == "" {
		kind = cfg.BackendKind()
	}
	logger.Debug("runtime opened", "sysroot", sysroot, "backend", kind, "generation", rec.Generation)

	rebooter := opts.Rebooter
	if rebooter == nil {
		rebooter = reboot.NewSystemctl(cfg.Reboot.Command, logger)
	}
	eng := engine.New(engine.Deps{
		Store:    st,
		Backend:  newBackend(kind, cfg, sysroot, logger),
		Fetcher:  newFetcher(cfg, opts, logger),
		Boot:     bootloader.NewWriter(sysroot, logger),
		Rebooter: rebooter,
		Metrics:  metrics.New(),
		Logger:   logger,
	}, engine.Options{
		FetchTimeout:  cfg.Fetch.Timeout,
		LockWait:      cfg.Lock.Wait,
		LockTimeout:   cfg.Lock.Timeout,
		AutoPrune:     cfg.Prune.Auto,
		KargsImageDir: cfg.Kargs.ImageDir,
		KargsAdminDir: cfg.Kargs.AdminDir,
		MetricsDir:    cfg.Metrics.TextfileDir,
	})

	return &runtime{
		cfg:      cfg,
		store:    st,
		engine:   eng,
		reporter: status.New(st, logger),
		logger:   logger,
	}, nil
}

func newBackend(kind deploy.Backend, cfg config.Config, sysroot string, logger *slog.Logger) backend.Backend {
	if kind == deploy.BackendComposefs {
		return composefs.New(sysroot, composefs.Options{
			CompressionLevel: cfg.Composefs.CompressionLevel,
			RequireVerity:    cfg.Composefs.RequireVerity,
		}, logger)
	}
	return ostree.New(sysroot, logger)
}

func newFetcher(cfg config.Config, opts *Options, logger *slog.Logger) image.Fetcher {
	if opts.Fetcher != nil {
		return opts.Fetcher
	}
	return image.NewRouter(cfg.Fetch.Command, cfg.Fetch.Args, cfg.Fetch.CacheDir, logger)
}
