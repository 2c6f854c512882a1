package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	cronlib "github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/basket/tasksync/internal/otel"
)

// LogConfig bounds the rotated log file.
type LogConfig struct {
	MaxSizeMB  int `yaml:"max_size_mb" validate:"gte=0"`
	MaxBackups int `yaml:"max_backups" validate:"gte=0"`
	MaxAgeDays int `yaml:"max_age_days" validate:"gte=0"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	// ServerURL is the base endpoint of the task service, without the API version segment.
	// Empty until the first login.
	ServerURL string `yaml:"server_url" validate:"omitempty,url"`
	LogLevel  string `yaml:"log_level" validate:"required,oneof=debug info warn warning error"`
	DBPath    string `yaml:"db_path" validate:"required"`

	RequestTimeoutSeconds int `yaml:"request_timeout_seconds" validate:"gt=0,lte=600"`

	// MaxRetries is the retry budget given to each new pending action.
	MaxRetries int `yaml:"max_retries" validate:"gte=1,lte=100"`

	PageSize int `yaml:"page_size" validate:"gte=1,lte=500"`

	// RefreshSchedule is a 5-field cron expression for background refresh.
	RefreshSchedule string `yaml:"refresh_schedule" validate:"required,cron"`

	// DrainOnWrite replays the queue right after each local mutation.
	DrainOnWrite bool `yaml:"drain_on_write"`

	Log  LogConfig   `yaml:"log"`
	OTel otel.Config `yaml:"otel"`

	NeedsLogin bool `yaml:"-"`
}

// RequestTimeout returns the per-request transport timeout.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// loadRawConfig reads config.yaml into a generic map, returning an empty map if the file doesn't exist.
func loadRawConfig(path string) (map[string]interface{}, error) {
	raw := make(map[string]interface{})
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	return raw, nil
}

// saveRawConfig marshals and writes a generic map back to config.yaml.
func saveRawConfig(path string, raw map[string]interface{}) error {
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

// SetServerURL records the server a login succeeded against, preserving other settings.
func SetServerURL(homeDir, serverURL string) error {
	configPath := ConfigPath(homeDir)
	raw, err := loadRawConfig(configPath)
	if err != nil {
		return err
	}
	raw["server_url"] = strings.TrimSpace(serverURL)
	return saveRawConfig(configPath, raw)
}

func defaultConfig() Config {
	return Config{
		LogLevel:              "info",
		RequestTimeoutSeconds: 30,
		MaxRetries:            5,
		PageSize:              50,
		RefreshSchedule:       "*/15 * * * *",
		DrainOnWrite:          true,
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("TASKSYNC_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".tasksync")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads <homeDir>/config.yaml, applies env overrides and validates the result.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create tasksync home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	cfg.NeedsLogin = cfg.ServerURL == ""
	return cfg, nil
}

func normalize(cfg *Config) {
	cfg.ServerURL = strings.TrimRight(strings.TrimSpace(cfg.ServerURL), "/")
	if strings.TrimSpace(cfg.LogLevel) == "" {
		cfg.LogLevel = "info"
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "tasksync.db")
	}
	if strings.TrimSpace(cfg.RefreshSchedule) == "" {
		cfg.RefreshSchedule = "*/15 * * * *"
	}
	if cfg.OTel.ServiceName == "" {
		cfg.OTel.ServiceName = "tasksync"
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("cron", func(fl validator.FieldLevel) bool {
		_, err := cronlib.ParseStandard(fl.Field().String())
		return err == nil
	})
	return v
}

// Validate checks field constraints. The error message always starts with
// "config validation failed".
func Validate(cfg Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
		}
		return fmt.Errorf("config validation failed: %s", strings.Join(fields, ", "))
	}
	return fmt.Errorf("config validation failed: %w", err)
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("TASKSYNC_SERVER_URL"); raw != "" {
		cfg.ServerURL = raw
	}
	if raw := os.Getenv("TASKSYNC_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("TASKSYNC_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("TASKSYNC_MAX_RETRIES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.MaxRetries = v
		}
	}
	if raw := os.Getenv("TASKSYNC_REFRESH_SCHEDULE"); raw != "" {
		cfg.RefreshSchedule = raw
	}
	if raw := os.Getenv("TASKSYNC_DRAIN_ON_WRITE"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.DrainOnWrite = v
		}
	}
}
