package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	DriverFirebase = "firebase"
	DriverFile     = "file"
)

type Config struct {
	Firebase  FirebaseConfig  `mapstructure:"firebase"`
	Push      PushConfig      `mapstructure:"push"`
	Schedule  ScheduleConfig  `mapstructure:"schedule"`
	Scan      ScanConfig      `mapstructure:"scan"`
	Datastore DatastoreConfig `mapstructure:"datastore"`
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
}

type FirebaseConfig struct {
	ProjectID       string `mapstructure:"project_id"`
	DatabaseURL     string `mapstructure:"database_url"`
	CredentialsPath string `mapstructure:"credentials_path"`
}

type PushConfig struct {
	BaseURL     string `mapstructure:"base_url"`
	TitlePrefix string `mapstructure:"title_prefix"`
	Body        string `mapstructure:"body"`
	CacheToken  bool   `mapstructure:"cache_token"`
}

// Endpoint is the messages:send URL for the configured project.
func (c Config) Endpoint() string {
	return strings.TrimRight(c.Push.BaseURL, "/") + "/v1/projects/" + c.Firebase.ProjectID + "/messages:send"
}

type ScheduleConfig struct {
	Hour       int    `mapstructure:"hour"`
	Timezone   string `mapstructure:"timezone"`
	RunOnStart bool   `mapstructure:"run_on_start"`
}

// Location resolves Timezone, falling back to the process-local zone.
func (s ScheduleConfig) Location() (*time.Location, error) {
	if s.Timezone == "" || s.Timezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(s.Timezone)
}

type ScanConfig struct {
	Window                time.Duration `mapstructure:"window"`
	MaxConcurrentMissions int           `mapstructure:"max_concurrent_missions"`
	MaxConcurrentLookups  int           `mapstructure:"max_concurrent_lookups"`
}

type DatastoreConfig struct {
	Driver   string `mapstructure:"driver"`
	FilePath string `mapstructure:"file_path"`
}

type ServerConfig struct {
	Port       string `mapstructure:"port"`
	AdminToken string `mapstructure:"admin_token"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("firebase.project_id", "")
	v.SetDefault("firebase.database_url", "")
	v.SetDefault("firebase.credentials_path", "service-account.json")
	v.SetDefault("push.base_url", "https://fcm.googleapis.com")
	v.SetDefault("push.title_prefix", "Lembrete: ")
	v.SetDefault("push.body", "Sua missão está perto de encerrar!")
	v.SetDefault("push.cache_token", false)
	v.SetDefault("schedule.hour", 17)
	v.SetDefault("schedule.timezone", "")
	v.SetDefault("schedule.run_on_start", false)
	v.SetDefault("scan.window", "72h")
	v.SetDefault("scan.max_concurrent_missions", 0)
	v.SetDefault("scan.max_concurrent_lookups", 0)
	v.SetDefault("datastore.driver", DriverFirebase)
	v.SetDefault("datastore.file_path", "data/datastore.json")
	v.SetDefault("server.port", ":8080")
	v.SetDefault("server.admin_token", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// LoadConfig reads path (optional), then .env, then NOTIFIER_* environment
// variables, in increasing order of precedence.
func LoadConfig(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file loaded", "error", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("NOTIFIER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
			slog.Warn("No config file found, using defaults and environment", "path", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Firebase.ProjectID == "" {
		return errors.New("firebase.project_id is required")
	}
	if c.Schedule.Hour < 0 || c.Schedule.Hour > 23 {
		return fmt.Errorf("schedule.hour must be between 0 and 23, got %d", c.Schedule.Hour)
	}
	if _, err := c.Schedule.Location(); err != nil {
		return fmt.Errorf("schedule.timezone: %w", err)
	}
	if c.Scan.Window <= 0 {
		return fmt.Errorf("scan.window must be positive, got %s", c.Scan.Window)
	}
	if c.Scan.MaxConcurrentMissions < 0 || c.Scan.MaxConcurrentLookups < 0 {
		return errors.New("scan concurrency limits must not be negative")
	}
	switch c.Datastore.Driver {
	case DriverFirebase:
		if c.Firebase.DatabaseURL == "" {
			return errors.New("firebase.database_url is required for the firebase driver")
		}
	case DriverFile:
		if c.Datastore.FilePath == "" {
			return errors.New("datastore.file_path is required for the file driver")
		}
	default:
		return fmt.Errorf("unknown datastore.driver %q", c.Datastore.Driver)
	}
	return nil
}

// ParseLevel maps log.level onto a slog level.
func (l LogConfig) ParseLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
