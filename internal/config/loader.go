package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Loader reads configuration from, in precedence order: CLI flags bound
// via viper, FOREMAN_* environment variables, a config file, defaults.
type Loader struct {
	v          *viper.Viper
	configFile string
	envPrefix  string
}

// NewLoader creates a loader with its own viper instance.
func NewLoader() *Loader {
	return NewLoaderWithViper(viper.New())
}

// NewLoaderWithViper creates a loader on an existing viper instance so
// CLI flag bindings participate in precedence.
func NewLoaderWithViper(v *viper.Viper) *Loader {
	return &Loader{v: v, envPrefix: "FOREMAN"}
}

// WithConfigFile sets an explicit config file path.
func (l *Loader) WithConfigFile(path string) *Loader {
	l.configFile = path
	return l
}

// Viper returns the underlying viper instance for flag binding.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load reads all sources and returns the validated configuration.
func (l *Loader) Load() (*Config, error) {
	l.setDefaults()

	l.v.SetEnvPrefix(l.envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	} else {
		l.v.SetConfigName(".foreman")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			l.v.AddConfigPath(filepath.Join(home, ".config", "foreman"))
		}
	}

	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (l *Loader) setDefaults() {
	l.v.SetDefault("repo.path", ".")
	l.v.SetDefault("repo.trunk", "main")
	l.v.SetDefault("repo.workspace_dir", ".foreman/workspaces")

	l.v.SetDefault("backlog.ready_label", "ready")
	l.v.SetDefault("backlog.claim_label", "in-progress")

	l.v.SetDefault("agent.timeout", "30m")

	l.v.SetDefault("scheduler.concurrency", 2)
	l.v.SetDefault("scheduler.poll_interval", "10s")
	l.v.SetDefault("scheduler.item_ceiling", "2h")
	l.v.SetDefault("scheduler.single_shot", false)
	l.v.SetDefault("scheduler.max_retries", 3)
	l.v.SetDefault("scheduler.close_parents", true)

	l.v.SetDefault("api.enabled", false)
	l.v.SetDefault("api.addr", "127.0.0.1:8780")

	l.v.SetDefault("log.level", "info")
	l.v.SetDefault("log.format", "auto")
}
