package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Path is a filesystem path that may start with "~/".
type Path string

type DocsConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	UserAgent string        `mapstructure:"user_agent"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type BuildConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

type StoreConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Path    Path `mapstructure:"path"`
}

type DaemonConfig struct {
	ExpirationSeconds int `mapstructure:"expiration_seconds"`
}

type Config struct {
	Docs   DocsConfig   `mapstructure:"docs"`
	Build  BuildConfig  `mapstructure:"build"`
	Store  StoreConfig  `mapstructure:"store"`
	Daemon DaemonConfig `mapstructure:"daemon"`
}

// cacheBase returns the base cache directory for rsimpl.
// Checks XDG_CACHE_HOME, then ~/.cache, then /tmp/rsimpl as fallback.
func cacheBase() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "rsimpl")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "rsimpl")
	}
	return filepath.Join(os.TempDir(), "rsimpl")
}

// DBPath returns the path to the DuckDB database file.
func DBPath() string {
	return filepath.Join(cacheBase(), "implementors.db")
}

// CASDir returns the path to the index snapshot archive.
func CASDir() string {
	return filepath.Join(cacheBase(), "cas")
}

// JSONCacheDir returns the path to the rustdoc JSON cache directory.
func JSONCacheDir() string {
	return filepath.Join(cacheBase(), "json")
}

// LogPath returns the path to the daemon's log file.
func LogPath() string {
	return filepath.Join(cacheBase(), "daemon.log")
}

// SocketPath returns the path to the daemon's unix socket.
func SocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "rsimpl", "daemon.sock")
	}
	return filepath.Join(fmt.Sprintf("/run/user/%d", os.Getuid()), "rsimpl", "daemon.sock")
}

// StorePath returns the configured database path, or DBPath when unset.
func (c *Config) StorePath() string {
	if c.Store.Path != "" {
		return string(c.Store.Path)
	}
	return DBPath()
}

func InitializeViper() error {
	viper.SetConfigName("config")
	viper.SetConfigType("toml")

	viper.AddConfigPath(".")
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		viper.AddConfigPath(filepath.Join(xdg, "rsimpl"))
	} else if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(filepath.Join(home, ".config", "rsimpl"))
	}

	viper.SetDefault("docs.base_url", "https://docs.rs")
	viper.SetDefault("docs.user_agent", "rsimpl/0.1.0")
	viper.SetDefault("docs.timeout", "60s")
	viper.SetDefault("build.concurrency", 4)
	viper.SetDefault("store.enabled", true)
	viper.SetDefault("store.path", "")
	viper.SetDefault("daemon.expiration_seconds", 600)

	viper.SetEnvPrefix("RSIMPL")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return nil
}

// expandHomeHookFunc expands a leading "~/" in Path values.
func expandHomeHookFunc() mapstructure.DecodeHookFunc {
	return func(f, t reflect.Type, data interface{}) (interface{}, error) {
		if t != reflect.TypeOf(Path("")) || f.Kind() != reflect.String {
			return data, nil
		}
		s := data.(string)
		if strings.HasPrefix(s, "~/") {
			if home, err := os.UserHomeDir(); err == nil {
				s = filepath.Join(home, s[2:])
			}
		}
		return Path(s), nil
	}
}

func Load() (*Config, error) {
	if err := InitializeViper(); err != nil {
		return nil, err
	}
	return decode(viper.AllSettings())
}

func decode(settings map[string]interface{}) (*Config, error) {
	var config Config
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			expandHomeHookFunc(),
		),
		WeaklyTypedInput: true,
		Result:           &config,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	if err := decoder.Decode(settings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if config.Build.Concurrency <= 0 {
		config.Build.Concurrency = 1
	}
	return &config, nil
}
