package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	// Database paths
	SQLitePath string `mapstructure:"sqlite-path"`
	FSMDBPath  string `mapstructure:"fsm-db-path"`

	// Working directory; downloads are cached under <work-dir>/downloads
	WorkDir string `mapstructure:"work-dir"`

	// Package sources
	S3Region        string        `mapstructure:"s3-region"`
	HTTPTimeout     time.Duration `mapstructure:"http-timeout"`
	DownloadRetries int           `mapstructure:"download-retries"`
	DownloadBackoff time.Duration `mapstructure:"download-backoff"`

	// Verification
	TrustedKey          string  `mapstructure:"trusted-key"`
	MaxImageSize        int64   `mapstructure:"max-image-size"`
	MaxCompressionRatio float64 `mapstructure:"max-compression-ratio"`

	// Device protocol
	BaudRate      int           `mapstructure:"baud-rate"`
	ChunkSize     int           `mapstructure:"chunk-size"`
	ChunkRetries  int           `mapstructure:"chunk-retries"`
	ChunkBackoff  time.Duration `mapstructure:"chunk-backoff"`
	DeviceTimeout time.Duration `mapstructure:"device-timeout"`
	BootTimeout   time.Duration `mapstructure:"boot-timeout"`
	BootPoll      time.Duration `mapstructure:"boot-poll"`

	// FSM configuration
	FSMMaxRetries int `mapstructure:"fsm-max-retries"`

	// Observability
	MetricsTextfile string `mapstructure:"metrics-textfile"`
	LogLevel        string `mapstructure:"log-level"`
	LogFormat       string `mapstructure:"log-format"`
}

// Load reads configuration from environment, config file, and defaults
func Load() (*Config, error) {
	// Set defaults
	viper.SetDefault("sqlite-path", ".artifacts/installs.db")
	viper.SetDefault("fsm-db-path", ".artifacts/fsm.db")
	viper.SetDefault("work-dir", "/tmp/fwinstall")
	viper.SetDefault("s3-region", "us-east-1")
	viper.SetDefault("http-timeout", 2*time.Minute)
	viper.SetDefault("download-retries", 3)
	viper.SetDefault("download-backoff", time.Second)
	viper.SetDefault("trusted-key", "")
	viper.SetDefault("max-image-size", 16*1024*1024)
	viper.SetDefault("max-compression-ratio", 100.0)
	viper.SetDefault("baud-rate", 115200)
	viper.SetDefault("chunk-size", 256)
	viper.SetDefault("chunk-retries", 3)
	viper.SetDefault("chunk-backoff", 100*time.Millisecond)
	viper.SetDefault("device-timeout", 5*time.Second)
	viper.SetDefault("boot-timeout", 10*time.Second)
	viper.SetDefault("boot-poll", 200*time.Millisecond)
	viper.SetDefault("fsm-max-retries", 5)
	viper.SetDefault("metrics-textfile", "")
	viper.SetDefault("log-level", "info")
	viper.SetDefault("log-format", "text")

	// Environment variables (will be FWINSTALL_SQLITE_PATH, etc.)
	viper.SetEnvPrefix("FWINSTALL")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Config file (optional)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.fwinstall")

	// Read config file (ignore if not found)
	_ = viper.ReadInConfig()

	// Unmarshal into config struct
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.SQLitePath == "" {
		return fmt.Errorf("sqlite-path cannot be empty")
	}
	if c.FSMDBPath == "" {
		return fmt.Errorf("fsm-db-path cannot be empty")
	}
	if c.WorkDir == "" {
		return fmt.Errorf("work-dir cannot be empty")
	}
	if c.MaxImageSize <= 0 {
		return fmt.Errorf("max-image-size must be positive")
	}
	if c.MaxCompressionRatio <= 0 {
		return fmt.Errorf("max-compression-ratio must be positive")
	}
	if c.ChunkSize <= 0 || c.ChunkSize > 256 {
		return fmt.Errorf("chunk-size must be between 1 and 256")
	}
	if c.DownloadRetries < 0 || c.ChunkRetries < 0 {
		return fmt.Errorf("retry counts must be non-negative")
	}
	if c.DeviceTimeout <= 0 || c.BootTimeout <= 0 || c.BootPoll <= 0 {
		return fmt.Errorf("device-timeout, boot-timeout and boot-poll must be positive")
	}
	if c.FSMMaxRetries < 0 {
		return fmt.Errorf("fsm-max-retries must be non-negative")
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("log-format must be text or json")
	}
	return nil
}
