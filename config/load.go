package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/macrodyne/autod/errors"
)

// Load reads the daemon configuration using Viper. Missing config files are
// fine; defaults plus AUTOD_* environment variables always apply.
func Load() (*Config, error) {
	v := initViper()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromFile loads configuration from a specific file path. Used by the
// --config flag and by tests.
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal config from %s", configPath)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// initViper builds a Viper instance with env binding, defaults and the merged
// config files.
func initViper() *viper.Viper {
	v := viper.New()

	v.SetEnvPrefix("AUTOD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)
	mergeConfigFiles(v)

	return v
}

// mergeConfigFiles merges config files in precedence order (lowest to
// highest): system, user, working directory. Env vars override all of them.
func mergeConfigFiles(v *viper.Viper) {
	var paths []string

	paths = append(paths, "/etc/autod/autod.toml")

	if homeDir, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(homeDir, ".autod", "autod.toml"))
	}

	if wd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(wd, "autod.toml"))
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		tmp := viper.New()
		tmp.SetConfigFile(path)
		tmp.SetConfigType("toml")
		if err := tmp.ReadInConfig(); err != nil {
			continue
		}
		for key, value := range tmp.AllSettings() {
			v.Set(key, value)
		}
	}
}
