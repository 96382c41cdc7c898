// Package config contains the loader and strongly typed model for hostctl's configuration file,
// together with the image-provided install fragments and mount descriptor.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	envparse "github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/hostimage/hostctl/internal/deploy"
	"github.com/hostimage/hostctl/internal/env"
)

const (
	// DefaultPath is the configuration file read when --config is not given.
	DefaultPath = "/etc/hostctl/config.yaml"
	// DefaultEnvFile is the optional .env-style override file.
	DefaultEnvFile = "/etc/hostctl/hostctl.env"
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "HOSTCTL_"
)

// Config is the effective hostctl configuration.
type Config struct {
	// Sysroot is the root of the physical filesystem holding deployments.
	Sysroot string `yaml:"sysroot" env:"SYSROOT"`
	// Backend selects the storage engine for new installs. Installed systems keep the backend
	// recorded at install time.
	Backend string `yaml:"backend" env:"BACKEND"`
	// LogLevel is the default log level.
	LogLevel string `yaml:"logLevel" env:"LOG_LEVEL"`
	// EnvFiles lists additional .env files, relative to the config file directory.
	EnvFiles []string `yaml:"envFiles,omitempty"`
	// Kargs locates kernel argument drop-ins.
	Kargs KargsConfig `yaml:"kargs" envPrefix:"KARGS_"`
	// Fetch configures the image fetch collaborator.
	Fetch FetchConfig `yaml:"fetch" envPrefix:"FETCH_"`
	// Lock configures behaviour when another operation holds the system lock.
	Lock LockConfig `yaml:"lock" envPrefix:"LOCK_"`
	// Prune controls automatic removal of prune-eligible deployments.
	Prune PruneConfig `yaml:"prune" envPrefix:"PRUNE_"`
	// Reboot configures the reboot collaborator.
	Reboot RebootConfig `yaml:"reboot" envPrefix:"REBOOT_"`
	// Composefs holds settings of the composefs backend.
	Composefs ComposefsConfig `yaml:"composefs" envPrefix:"COMPOSEFS_"`
	// Metrics configures the node-exporter textfile output.
	Metrics MetricsConfig `yaml:"metrics" envPrefix:"METRICS_"`
	// Install configures install to-disk.
	Install InstallSettings `yaml:"install" envPrefix:"INSTALL_"`
}

// KargsConfig locates kernel argument drop-in directories.
type KargsConfig struct {
	// ImageDir is relative to the image root.
	ImageDir string `yaml:"imageDir" env:"IMAGE_DIR"`
	// AdminDir is an absolute host path evaluated after ImageDir.
	AdminDir string `yaml:"adminDir" env:"ADMIN_DIR"`
}

// FetchConfig configures image fetching.
type FetchConfig struct {
	// Timeout bounds a single fetch.
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// Command is the external program used for non-dir transports.
	Command string `yaml:"command" env:"COMMAND"`
	// Args are passed to Command before the image reference and destination.
	Args []string `yaml:"args,omitempty" env:"ARGS" envSeparator:" "`
	// CacheDir receives images unpacked by Command.
	CacheDir string `yaml:"cacheDir" env:"CACHE_DIR"`
}

// LockConfig configures lock contention behaviour.
type LockConfig struct {
	// Wait makes mutating commands wait for the lock instead of failing with a busy error.
	Wait bool `yaml:"wait" env:"WAIT"`
	// Timeout bounds the wait.
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// PruneConfig controls automatic pruning.
type PruneConfig struct {
	// Auto prunes after every successful transition.
	Auto bool `yaml:"auto" env:"AUTO"`
}

// RebootConfig configures the reboot collaborator.
type RebootConfig struct {
	// Command is invoked as "<command> reboot" or "<command> soft-reboot".
	Command string `yaml:"command" env:"COMMAND"`
}

// ComposefsConfig holds composefs backend settings.
type ComposefsConfig struct {
	// RequireVerity re-reads every sealed image after writing and refuses mismatches.
	RequireVerity bool `yaml:"requireVerity" env:"REQUIRE_VERITY"`
	// CompressionLevel is the zstd level of sealed images.
	CompressionLevel int `yaml:"compressionLevel" env:"COMPRESSION_LEVEL"`
}

// MetricsConfig configures the metrics textfile.
type MetricsConfig struct {
	// TextfileDir is the node-exporter textfile collector directory; empty disables metrics.
	TextfileDir string `yaml:"textfileDir" env:"TEXTFILE_DIR"`
}

// InstallSettings configures install to-disk.
type InstallSettings struct {
	// BlockSetupCommand partitions, formats and mounts a device, printing the mounted root on its
	// last output line.
	BlockSetupCommand string `yaml:"blockSetupCommand" env:"BLOCK_SETUP_COMMAND"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Sysroot:  "/sysroot",
		Backend:  string(deploy.BackendOstree),
		LogLevel: "info",
		Kargs: KargsConfig{
			ImageDir: "usr/lib/bootc/kargs.d",
			AdminDir: "/etc/bootc/kargs.d",
		},
		Fetch: FetchConfig{
			Timeout:  30 * time.Minute,
			CacheDir: "/var/cache/hostctl/images",
		},
		Lock: LockConfig{
			Timeout: 10 * time.Minute,
		},
		Prune: PruneConfig{
			Auto: true,
		},
		Reboot: RebootConfig{
			Command: "systemctl",
		},
		Composefs: ComposefsConfig{
			CompressionLevel: 3,
		},
	}
}

// LoadOptions describes where configuration is read from.
type LoadOptions struct {
	// Path is the YAML file. Empty means DefaultPath.
	Path string
	// Required fails when Path does not exist; set when the path was given explicitly.
	Required bool
	// EnvFile is the .env override file. Empty means DefaultEnvFile; it is always optional.
	EnvFile string
	// Environ is the process environment. Nil means env.FromOS().
	Environ env.Vars
}

// Load builds the effective configuration: defaults, then the YAML file, then env files, then the
// process environment.
func Load(opts LoadOptions) (Config, error) {
	cfg := Defaults()

	path := opts.Path
	if path == "" {
		path = DefaultPath
	}
	baseDir := filepath.Dir(path)
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, deploy.Errorf(deploy.KindConfig, "load config", "parse %s: %v", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !opts.Required:
	default:
		return Config{}, deploy.Errorf(deploy.KindConfig, "load config", "read %s: %v", path, err)
	}

	envFile := opts.EnvFile
	if envFile == "" {
		envFile = DefaultEnvFile
	}
	fileVars, err := env.LoadOptionalEnvFile(envFile)
	if err != nil {
		return Config{}, deploy.Errorf(deploy.KindConfig, "load config", "%v", err)
	}
	extraVars, err := env.LoadEnvFiles(baseDir, cfg.EnvFiles)
	if err != nil {
		return Config{}, deploy.Errorf(deploy.KindConfig, "load config", "%v", err)
	}
	environ := opts.Environ
	if environ == nil {
		environ = env.FromOS()
	}
	merged := env.Merge(fileVars, extraVars, environ)

	if err := envparse.ParseWithOptions(&cfg, envparse.Options{
		Environment: merged,
		Prefix:      EnvPrefix,
	}); err != nil {
		return Config{}, deploy.Errorf(deploy.KindConfig, "load config", "parse environment: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Sysroot) == "" {
		return deploy.Errorf(deploy.KindConfig, "validate config", "sysroot is empty")
	}
	if _, err := deploy.ParseBackend(c.Backend); err != nil {
		return err
	}
	if c.Fetch.Timeout <= 0 {
		return deploy.Errorf(deploy.KindConfig, "validate config", "fetch.timeout must be positive, got %s", c.Fetch.Timeout)
	}
	if c.Lock.Wait && c.Lock.Timeout <= 0 {
		return deploy.Errorf(deploy.KindConfig, "validate config", "lock.timeout must be positive when lock.wait is set")
	}
	if c.Composefs.CompressionLevel < 1 || c.Composefs.CompressionLevel > 19 {
		return deploy.Errorf(deploy.KindConfig, "validate config", "composefs.compressionLevel must be between 1 and 19, got %d", c.Composefs.CompressionLevel)
	}
	if c.Kargs.AdminDir != "" && !filepath.IsAbs(c.Kargs.AdminDir) {
		return deploy.Errorf(deploy.KindConfig, "validate config", "kargs.adminDir must be absolute, got %q", c.Kargs.AdminDir)
	}
	return nil
}

// BackendKind returns the parsed backend.
func (c Config) BackendKind() deploy.Backend {
	b, err := deploy.ParseBackend(c.Backend)
	if err != nil {
		return deploy.BackendOstree
	}
	return b
}

// String renders the configuration as YAML for "hostctl config show"-style debugging.
func (c Config) String() string {
	out, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("<config: %v>", err)
	}
	return string(out)
}
