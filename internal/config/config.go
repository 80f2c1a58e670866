package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Local     LocalConfig     `mapstructure:"local"`
	Remote    RemoteConfig    `mapstructure:"remote"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Watcher   WatcherConfig   `mapstructure:"watcher"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type LocalConfig struct {
	FilePath string `mapstructure:"file_path"`
}

type RemoteConfig struct {
	Driver              string `mapstructure:"driver"` // mysql or postgres
	Host                string `mapstructure:"host"`
	Port                int    `mapstructure:"port"`
	User                string `mapstructure:"user"`
	Password            string `mapstructure:"password"`
	Database            string `mapstructure:"database"`
	Params              string `mapstructure:"params"`
	ReplicationUser     string `mapstructure:"replication_user"`
	ReplicationPassword string `mapstructure:"replication_password"`
}

type SyncConfig struct {
	Users            []string `mapstructure:"users"`
	Tables           []string `mapstructure:"tables"`
	BatchSize        int      `mapstructure:"batch_size"`
	PullPageSize     int      `mapstructure:"pull_page_size"`
	MaxRetries       int      `mapstructure:"max_retries"`
	UpsertWorkers    int      `mapstructure:"upsert_workers"`
	TableWorkers     int      `mapstructure:"table_workers"`
	RetryBaseDelay   string   `mapstructure:"retry_base_delay"`
	RetryMaxDelay    string   `mapstructure:"retry_max_delay"`
	TableTimeout     string   `mapstructure:"table_timeout"`
	BreakerThreshold int      `mapstructure:"breaker_threshold"`
	BreakerReset     string   `mapstructure:"breaker_reset"`
}

func (s SyncConfig) GetRetryBaseDelay() time.Duration { return parseDuration(s.RetryBaseDelay) }
func (s SyncConfig) GetRetryMaxDelay() time.Duration  { return parseDuration(s.RetryMaxDelay) }
func (s SyncConfig) GetTableTimeout() time.Duration   { return parseDuration(s.TableTimeout) }
func (s SyncConfig) GetBreakerReset() time.Duration   { return parseDuration(s.BreakerReset) }

type SchedulerConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Interval string `mapstructure:"interval"`
}

type WatcherConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	ServerID uint32 `mapstructure:"server_id"`
	Debounce string `mapstructure:"debounce"`
}

func (w WatcherConfig) GetDebounce() time.Duration { return parseDuration(w.Debounce) }

type ServerConfig struct {
	Port         int    `mapstructure:"port"`
	Host         string `mapstructure:"host"`
	AuthToken    string `mapstructure:"auth_token"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

func (s ServerConfig) GetReadTimeout() time.Duration {
	return parseDuration(s.ReadTimeout)
}

func (s ServerConfig) GetWriteTimeout() time.Duration {
	return parseDuration(s.WriteTimeout)
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

func parseDuration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

// SetDefaults registers the default value of every key so env overrides work
// even when the key is absent from the file.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("local.file_path", "fitsync.db")

	v.SetDefault("remote.driver", "mysql")
	v.SetDefault("remote.host", "127.0.0.1")
	v.SetDefault("remote.port", 3306)
	v.SetDefault("remote.user", "fitsync")
	v.SetDefault("remote.password", "")
	v.SetDefault("remote.database", "fitsync")
	v.SetDefault("remote.params", "")
	v.SetDefault("remote.replication_user", "")
	v.SetDefault("remote.replication_password", "")

	v.SetDefault("sync.users", []string{})
	v.SetDefault("sync.tables", []string{})
	v.SetDefault("sync.batch_size", 100)
	v.SetDefault("sync.pull_page_size", 500)
	v.SetDefault("sync.max_retries", 3)
	v.SetDefault("sync.upsert_workers", 4)
	v.SetDefault("sync.table_workers", 4)
	v.SetDefault("sync.retry_base_delay", "100ms")
	v.SetDefault("sync.retry_max_delay", "5s")
	v.SetDefault("sync.table_timeout", "2m")
	v.SetDefault("sync.breaker_threshold", 5)
	v.SetDefault("sync.breaker_reset", "60s")

	v.SetDefault("scheduler.enabled", false)
	v.SetDefault("scheduler.interval", "@every 15m")

	v.SetDefault("watcher.enabled", false)
	v.SetDefault("watcher.server_id", 1042)
	v.SetDefault("watcher.debounce", "2s")

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8089)
	v.SetDefault("server.auth_token", "")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "5m")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 50)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 28)
}

// LoadConfig reads path (if it exists) and FITSYNC_* environment overrides.
// A missing file is not an error; defaults apply.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix("FITSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil && !isNotFound(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func isNotFound(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist)
}

func (c *Config) Validate() error {
	switch c.Remote.Driver {
	case "mysql", "postgres":
	default:
		return fmt.Errorf("remote.driver must be mysql or postgres, got %q", c.Remote.Driver)
	}
	if c.Local.FilePath == "" {
		return fmt.Errorf("local.file_path is required")
	}
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("sync.batch_size must be positive")
	}
	if c.Sync.PullPageSize <= 0 {
		return fmt.Errorf("sync.pull_page_size must be positive")
	}
	if c.Sync.MaxRetries < 0 {
		return fmt.Errorf("sync.max_retries must not be negative")
	}
	for key, raw := range map[string]string{
		"sync.retry_base_delay": c.Sync.RetryBaseDelay,
		"sync.retry_max_delay":  c.Sync.RetryMaxDelay,
		"sync.table_timeout":    c.Sync.TableTimeout,
		"sync.breaker_reset":    c.Sync.BreakerReset,
		"watcher.debounce":      c.Watcher.Debounce,
	} {
		if raw == "" {
			continue
		}
		if _, err := time.ParseDuration(raw); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	if c.Watcher.Enabled && c.Remote.Driver != "mysql" {
		return fmt.Errorf("watcher requires the mysql remote driver")
	}
	return nil
}
