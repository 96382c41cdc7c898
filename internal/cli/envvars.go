package cli

import (
	"strings"

	envparse "github.com/caarlos0/env/v11"

	"github.com/hostimage/hostctl/internal/deploy"
	"github.com/hostimage/hostctl/internal/env"
)

// baseEnv defines root CLI defaults sourced from HOSTCTL_* env vars.
type baseEnv struct {
	// ConfigPath is the configuration file from HOSTCTL_CONFIG.
	ConfigPath string `env:"HOSTCTL_CONFIG"`
	// EnvFile is the .env override file from HOSTCTL_ENV_FILE.
	EnvFile string `env:"HOSTCTL_ENV_FILE"`
	// LogLevel is the logging level from HOSTCTL_LOG_LEVEL.
	LogLevel string `env:"HOSTCTL_LOG_LEVEL"`
}

// statusEnv provides defaults for the status command.
type statusEnv struct {
	// Format is the output format from HOSTCTL_STATUS_FORMAT.
	Format string `env:"HOSTCTL_STATUS_FORMAT"`
}

// rebootEnv provides defaults for commands that may reboot.
type rebootEnv struct {
	// SoftReboot is the soft reboot mode from HOSTCTL_SOFT_REBOOT.
	SoftReboot string `env:"HOSTCTL_SOFT_REBOOT"`
}

// parseEnv fills target from environ, or from the process environment when environ is nil.
func parseEnv(target any, environ env.Vars) error {
	if environ == nil {
		environ = env.FromOS()
	}
	if err := envparse.ParseWithOptions(target, envparse.Options{Environment: environ}); err != nil {
		return deploy.Errorf(deploy.KindConfig, "parse environment", "%v", err)
	}
	return nil
}

// envPresent reports whether key is set to a non-blank value.
func envPresent(environ env.Vars, key string) bool {
	if environ == nil {
		environ = env.FromOS()
	}
	return strings.TrimSpace(environ[key]) != ""
}
