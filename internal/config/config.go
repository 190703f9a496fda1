package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DirName is the per-project dot directory holding the database,
// config file and daemon artifacts.
const DirName = ".formqueue"

var v *viper.Viper

// Initialize sets up the viper configuration singleton.
// Should be called once at application startup.
func Initialize() error {
	v = viper.New()
	v.SetConfigType("yaml")

	// Explicitly locate config.yaml with SetConfigFile.
	// Precedence: project .formqueue/config.yaml > ~/.config/fq/config.yaml
	configFileSet := false

	// Walk up from CWD so commands work from subdirectories.
	if cwd, err := os.Getwd(); err == nil {
		for dir := cwd; dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
			configPath := filepath.Join(dir, DirName, "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
				break
			}
		}
	}

	if !configFileSet {
		if configDir, err := os.UserConfigDir(); err == nil {
			configPath := filepath.Join(configDir, "fq", "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
			}
		}
	}

	// Environment variables take precedence over the config file.
	// E.g. FQ_JSON, FQ_DB, FQ_DEFAULT_STRATEGY, FQ_NO_DAEMON.
	v.SetEnvPrefix("FQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("json", false)
	v.SetDefault("db", "")
	v.SetDefault("backend", "sqlite")
	v.SetDefault("actor", "")
	v.SetDefault("no-daemon", false)
	v.SetDefault("default-strategy", "fifo_wins")
	v.SetDefault("flush-debounce", "200ms")
	v.SetDefault("audit.retention-days", 30)
	v.SetDefault("daemon.max-connections", 16)
	v.SetDefault("daemon.request-timeout", "30s")
	v.SetDefault("daemon.log-max-size-mb", 10)
	v.SetDefault("daemon.log-max-backups", 3)

	if configFileSet {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}

// ProjectDir walks up from the working directory looking for an
// existing .formqueue directory. Falls back to <cwd>/.formqueue when
// none exists yet.
func ProjectDir() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}
	for dir := cwd; dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
		candidate := filepath.Join(dir, DirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, nil
		}
	}
	return filepath.Join(cwd, DirName), nil
}

// DBPath resolves the database location: FQ_DB / config "db" when set,
// otherwise <project>/.formqueue/formqueue.db.
func DBPath() (string, error) {
	if path := GetString("db"); path != "" {
		return path, nil
	}
	dir, err := ProjectDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "formqueue.db"), nil
}

// GetString retrieves a string configuration value
func GetString(key string) string {
	if v == nil {
		return ""
	}
	return v.GetString(key)
}

// GetBool retrieves a boolean configuration value
func GetBool(key string) bool {
	if v == nil {
		return false
	}
	return v.GetBool(key)
}

// GetInt retrieves an integer configuration value
func GetInt(key string) int {
	if v == nil {
		return 0
	}
	return v.GetInt(key)
}

// GetDuration retrieves a duration configuration value
func GetDuration(key string) time.Duration {
	if v == nil {
		return 0
	}
	return v.GetDuration(key)
}

// Set sets a configuration value
func Set(key string, value interface{}) {
	if v != nil {
		v.Set(key, value)
	}
}

// ConfigFileUsed reports which config file viper loaded, if any.
func ConfigFileUsed() string {
	if v == nil {
		return ""
	}
	return v.ConfigFileUsed()
}
