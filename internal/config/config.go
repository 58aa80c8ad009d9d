// Package config loads updatekit settings from an optional YAML file,
// UPDATEKIT_ environment variables and command line flags, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ralt/updatekit/internal/download"
	"github.com/ralt/updatekit/internal/models"
)

const (
	defaultConfigName = "updatekit"
	envPrefix         = "UPDATEKIT"
)

// FlagKeys maps command line flag names to configuration keys. Flags not
// defined on a command are ignored.
var FlagKeys = map[string]string{
	"repository":        "repository",
	"prefix":            "prefix",
	"cache-dir":         "cache.dir",
	"parallel":          "download.parallel",
	"max-redirects":     "download.max_redirects",
	"max-retries":       "download.max_retries",
	"timeout":           "download.timeout",
	"circuit-breaker":   "download.circuit_breaker",
	"user-agent":        "download.user_agent",
	"github-token":      "github.token",
	"public-key":        "verify.public_key",
	"require-trusted":   "verify.require_trusted",
	"gpg-key":           "sign.key",
	"gpg-passphrase":    "sign.passphrase",
	"registry-capacity": "registry.capacity",
	"addr":              "serve.addr",
}

func setDefaults(v *viper.Viper) {
	cacheDir := ".updatekit-cache"
	if dir, err := os.UserCacheDir(); err == nil {
		cacheDir = filepath.Join(dir, "updatekit")
	}

	v.SetDefault("repository", "")
	v.SetDefault("prefix", "")
	v.SetDefault("cache.dir", cacheDir)
	v.SetDefault("download.parallel", 1)
	v.SetDefault("download.max_redirects", download.DefaultMaxRedirects)
	v.SetDefault("download.max_retries", 3)
	v.SetDefault("download.timeout", time.Duration(0))
	v.SetDefault("download.circuit_breaker", false)
	v.SetDefault("download.user_agent", "updatekit/1.0")
	v.SetDefault("github.token", "")
	v.SetDefault("verify.public_key", "")
	v.SetDefault("verify.require_trusted", false)
	v.SetDefault("sign.key", "")
	v.SetDefault("sign.passphrase", "")
	v.SetDefault("registry.capacity", 8)
	v.SetDefault("serve.addr", "127.0.0.1:8417")
}

// Load reads the configuration. configFile, when set, must exist;
// otherwise updatekit.yaml is looked up in the working directory and in
// $HOME/.config/updatekit and is optional. flags may be nil.
func Load(configFile string, flags *pflag.FlagSet) (models.Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName(defaultConfigName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "updatekit"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return models.Config{}, models.NewError(models.ErrInvalidConfig, configFile, fmt.Errorf("reading config: %w", err))
		}
	} else {
		logrus.Debugf("Using config file %s", v.ConfigFileUsed())
	}

	if flags != nil {
		for name, key := range FlagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return models.Config{}, fmt.Errorf("binding flag %s: %w", name, err)
				}
			}
		}
	}

	cfg := models.Config{
		Repository:       strings.TrimSpace(v.GetString("repository")),
		Prefix:           v.GetString("prefix"),
		CacheDir:         strings.TrimSpace(v.GetString("cache.dir")),
		Parallel:         v.GetInt("download.parallel"),
		MaxRedirects:     v.GetInt("download.max_redirects"),
		MaxRetries:       v.GetInt("download.max_retries"),
		Timeout:          v.GetDuration("download.timeout"),
		CircuitBreaker:   v.GetBool("download.circuit_breaker"),
		UserAgent:        v.GetString("download.user_agent"),
		GitHubToken:      v.GetString("github.token"),
		PublicKeyPath:    v.GetString("verify.public_key"),
		RequireTrusted:   v.GetBool("verify.require_trusted"),
		GPGKeyPath:       v.GetString("sign.key"),
		GPGPassphrase:    v.GetString("sign.passphrase"),
		RegistryCapacity: v.GetInt("registry.capacity"),
		ServeAddr:        strings.TrimSpace(v.GetString("serve.addr")),
	}

	if err := Validate(cfg); err != nil {
		return models.Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func Validate(cfg models.Config) error {
	invalid := func(key string, format string, args ...any) error {
		return models.NewError(models.ErrInvalidConfig, key, fmt.Errorf(format, args...))
	}
	switch {
	case cfg.CacheDir == "":
		return invalid("cache.dir", "must not be empty")
	case cfg.Parallel < 1:
		return invalid("download.parallel", "must be at least 1, got %d", cfg.Parallel)
	case cfg.MaxRedirects < 0:
		return invalid("download.max_redirects", "must not be negative, got %d", cfg.MaxRedirects)
	case cfg.MaxRetries < 0:
		return invalid("download.max_retries", "must not be negative, got %d", cfg.MaxRetries)
	case cfg.Timeout < 0:
		return invalid("download.timeout", "must not be negative, got %s", cfg.Timeout)
	case cfg.RegistryCapacity < 0:
		return invalid("registry.capacity", "must not be negative, got %d", cfg.RegistryCapacity)
	case cfg.ServeAddr == "":
		return invalid("serve.addr", "must not be empty")
	}
	return nil
}
