package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"

	"github.com/pablopunk/doce.dev-sub004/errors"
)

// EnvPrefix prefixes every environment override: queue.lease_ms is DOCE_QUEUE_LEASE_MS.
const EnvPrefix = "DOCE"

// ProjectConfigName is the file searched for from the working directory upward.
const ProjectConfigName = "doce.toml"

var (
	mu            sync.Mutex
	globalConfig  *Config
	viperInstance *viper.Viper
)

// Load reads the configuration once and caches it for the process.
func Load() (*Config, error) {
	mu.Lock()
	defer mu.Unlock()

	if globalConfig != nil {
		return globalConfig, nil
	}

	cfg, err := LoadWithViper(initViper())
	if err != nil {
		return nil, err
	}
	globalConfig = cfg
	return globalConfig, nil
}

// LoadWithViper loads configuration using a provided Viper instance
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	return &cfg, nil
}

// LoadFromFile loads configuration from a specific file path on top of the defaults.
// Environment variables are not consulted.
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
	}

	cfg, err := LoadWithViper(v)
	if err != nil {
		return nil, errors.WithDetailf(err, "Config file: %s", configPath)
	}
	return cfg, nil
}

// Reset clears the cached configuration (useful for testing)
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	globalConfig = nil
	viperInstance = nil
}

// initViper initializes Viper with configuration sources and defaults. Callers hold mu.
func initViper() *viper.Viper {
	if viperInstance != nil {
		return viperInstance
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	BindSensitiveEnvVars(v)

	SetDefaults(v)
	mergeConfigFiles(v, ConfigPaths())

	viperInstance = v
	return v
}

// ConfigPaths lists candidate config files from lowest to highest precedence:
// system, user, then the nearest project file.
func ConfigPaths() []string {
	paths := []string{"/etc/doce/config.toml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".doce", "config.toml"))
	}
	if project := findProjectConfig(); project != "" {
		paths = append(paths, project)
	}
	return paths
}

// UserConfigPath is where `doce config init` writes.
func UserConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "could not determine home directory")
	}
	return filepath.Join(home, ".doce", "config.toml"), nil
}

// findProjectConfig walks up from the working directory looking for doce.toml.
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, ProjectConfigName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// mergeConfigFiles merges existing files in order, later files overriding earlier ones.
// Environment variables still win over every file.
func mergeConfigFiles(v *viper.Viper, paths []string) {
	v.SetConfigType("toml")
	for _, configPath := range paths {
		if _, err := os.Stat(configPath); err != nil {
			continue
		}
		v.SetConfigFile(configPath)
		// An unreadable file is skipped rather than blocking startup.
		_ = v.MergeInConfig()
	}
}

// GetDatabasePath returns the configured database path
func GetDatabasePath() (string, error) {
	cfg, err := Load()
	if err != nil {
		return "", err
	}
	return cfg.GetDatabasePath(), nil
}

// GetDatabasePath returns the database path, falling back to the default
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return DefaultDatabasePath
	}
	return c.Database.Path
}
