// Package config provides YAML-based configuration loading for msglink.
package config

import (
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "strings"

    "github.com/spf13/viper"
)

// Config is the root application configuration.
type Config struct {
    // AppName optional logical name of the endpoint
    AppName string `mapstructure:"app_name"`

    // Log holds logging configuration
    Log LogConfig `mapstructure:"log"`

    // Net holds connection engine tuning
    Net NetConfig `mapstructure:"net"`
}

// LogConfig defines logger settings.
type LogConfig struct {
    // Level: debug, info, warn, error
    Level string `mapstructure:"level"`
    // Format: console or json
    Format string `mapstructure:"format"`
    // Outputs: list of outputs: stdout, stderr, or file paths
    Outputs []string `mapstructure:"outputs"`

    // Rotation controls file rotation when writing to files
    Rotation RotationConfig `mapstructure:"rotation"`
    // Development toggles development-friendly logging options
    Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
    Enable     bool   `mapstructure:"enable"`
    Filename   string `mapstructure:"filename"`
    MaxSizeMB  int    `mapstructure:"max_size_mb"`
    MaxBackups int    `mapstructure:"max_backups"`
    MaxAgeDays int    `mapstructure:"max_age_days"`
    Compress   bool   `mapstructure:"compress"`
}

// NetConfig tunes the connection engine.
type NetConfig struct {
    // MaxSendSize caps one datagram's size in bytes
    MaxSendSize int `mapstructure:"max_send_size"`
    // AcceptQueueCapacity bounds the app-to-worker message ring
    AcceptQueueCapacity int `mapstructure:"accept_queue_capacity"`
    // InboundQueueCapacity bounds the worker-to-app message ring
    InboundQueueCapacity int `mapstructure:"inbound_queue_capacity"`
    // TargetSendRate is the pacing ceiling in datagrams/second
    TargetSendRate float64 `mapstructure:"target_send_rate"`

    // Timers, milliseconds
    PingIntervalMS      int `mapstructure:"ping_interval_ms"`
    StatsRefreshMS      int `mapstructure:"stats_refresh_ms"`
    ConnectionLostMS    int `mapstructure:"connection_lost_ms"`
    ConnectTimeoutMS    int `mapstructure:"connect_timeout_ms"`
    DisconnectTimeoutMS int `mapstructure:"disconnect_timeout_ms"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
    return &Config{
        AppName: "msglink",
        Log: LogConfig{
            Level:       "info",
            Format:      "console",
            Outputs:     []string{"stdout"},
            Development: true,
            Rotation: RotationConfig{
                Enable:     false,
                Filename:   "logs/msglink.log",
                MaxSizeMB:  50,
                MaxBackups: 3,
                MaxAgeDays: 28,
                Compress:   true,
            },
        },
        Net: NetConfig{
            MaxSendSize:          1400,
            AcceptQueueCapacity:  256 * 1024,
            InboundQueueCapacity: 512 * 1024,
            TargetSendRate:       50,
            PingIntervalMS:       3500,
            StatsRefreshMS:       1000,
            ConnectionLostMS:     15000,
            ConnectTimeoutMS:     15000,
            DisconnectTimeoutMS:  5000,
        },
    }
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment
// overrides. Environment variables use the prefix MSGLINK and `.`/`-`
// are replaced with `_`. Example: MSGLINK_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
    cfg := Default()

    v := viper.New()
    v.SetConfigType("yaml")
    v.SetEnvPrefix("MSGLINK")
    v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
    v.AutomaticEnv()

    // seed defaults for viper so env-only configs work
    v.SetDefault("app_name", cfg.AppName)
    v.SetDefault("log.level", cfg.Log.Level)
    v.SetDefault("log.format", cfg.Log.Format)
    v.SetDefault("log.outputs", cfg.Log.Outputs)
    v.SetDefault("log.development", cfg.Log.Development)
    v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
    v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
    v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
    v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
    v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
    v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
    v.SetDefault("net.max_send_size", cfg.Net.MaxSendSize)
    v.SetDefault("net.accept_queue_capacity", cfg.Net.AcceptQueueCapacity)
    v.SetDefault("net.inbound_queue_capacity", cfg.Net.InboundQueueCapacity)
    v.SetDefault("net.target_send_rate", cfg.Net.TargetSendRate)
    v.SetDefault("net.ping_interval_ms", cfg.Net.PingIntervalMS)
    v.SetDefault("net.stats_refresh_ms", cfg.Net.StatsRefreshMS)
    v.SetDefault("net.connection_lost_ms", cfg.Net.ConnectionLostMS)
    v.SetDefault("net.connect_timeout_ms", cfg.Net.ConnectTimeoutMS)
    v.SetDefault("net.disconnect_timeout_ms", cfg.Net.DisconnectTimeoutMS)

    if path == "" {
        if envPath := os.Getenv("MSGLINK_CONFIG"); envPath != "" {
            path = envPath
        }
    }

    if path != "" {
        v.SetConfigFile(path)
    } else {
        // Search common locations with base name `msglink`
        v.SetConfigName("msglink")
        v.AddConfigPath(".")
        v.AddConfigPath("./configs")
        if home, err := os.UserHomeDir(); err == nil {
            v.AddConfigPath(filepath.Join(home, ".msglink"))
        }
    }

    // Read config file if present; if not found, continue with defaults/env
    if err := v.ReadInConfig(); err != nil {
        var notFound viper.ConfigFileNotFoundError
        if !errors.As(err, &notFound) {
            return nil, fmt.Errorf("read config: %w", err)
        }
    }

    if err := v.Unmarshal(&cfg); err != nil {
        return nil, fmt.Errorf("decode config: %w", err)
    }

    if err := cfg.validate(); err != nil {
        return nil, err
    }
    return cfg, nil
}

func (c *Config) validate() error {
    lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
    switch lvl {
    case "debug", "info", "warn", "warning", "error":
        // ok
    default:
        return fmt.Errorf("invalid log.level: %q", c.Log.Level)
    }

    if c.Log.Format == "" {
        c.Log.Format = "console"
    }
    if len(c.Log.Outputs) == 0 {
        c.Log.Outputs = []string{"stdout"}
    }
    if c.Net.MaxSendSize < 64 {
        return fmt.Errorf("net.max_send_size too small: %d", c.Net.MaxSendSize)
    }
    if c.Net.TargetSendRate < 1 {
        return fmt.Errorf("net.target_send_rate must be at least 1: %v", c.Net.TargetSendRate)
    }
    return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
    cfg, err := Load(path)
    if err != nil {
        panic(err)
    }
    return cfg
}
