package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Config holds the application configuration
type Config struct {
	DatabaseURL string
	Port        string
	JWTSecret   string

	AdminUser          string
	AdminPassword      string
	AdminPasswordHash  string
	DeletePassword     string
	DeletePasswordHash string

	// AllowedOrigins restricts browser websocket origins. Empty allows all.
	AllowedOrigins []string

	Log    Log
	Timing Timing
}

// Log configures the root logger.
type Log struct {
	Level  string
	Pretty bool
	// File, when set, adds a rotating file sink.
	File string
}

// Timing holds the windows, limits and channel timings. It is read from the optional
// YAML file named by CONFIG_FILE; absent keys keep their defaults.
type Timing struct {
	RegistrationWindow   time.Duration `yaml:"registration_window"`
	DedupWindow          time.Duration `yaml:"dedup_window"`
	SweepInterval        time.Duration `yaml:"sweep_interval"`
	SweepRetentionFactor int           `yaml:"sweep_retention_factor"`
	ReplayLimit          int           `yaml:"replay_limit"`
	ReplayPacing         time.Duration `yaml:"replay_pacing"`
	HistoryLimit         int           `yaml:"history_limit"`
	VerifyDelay          time.Duration `yaml:"verify_delay"`
	PingInterval         time.Duration `yaml:"ping_interval"`
	PongWait             time.Duration `yaml:"pong_wait"`
	WriteWait            time.Duration `yaml:"write_wait"`
	MaxMessageSize       int64         `yaml:"max_message_size"`
	LoginRateLimit       int           `yaml:"login_rate_limit"`
	LoginRateWindow      time.Duration `yaml:"login_rate_window"`
}

// DefaultTiming returns the timings used when no file overrides them.
func DefaultTiming() Timing {
	return Timing{
		RegistrationWindow:   2 * time.Second,
		DedupWindow:          10 * time.Second,
		SweepInterval:        5 * time.Minute,
		SweepRetentionFactor: 10,
		ReplayLimit:          20,
		ReplayPacing:         2 * time.Second,
		HistoryLimit:         10,
		VerifyDelay:          3 * time.Second,
		PingInterval:         30 * time.Second,
		PongWait:             60 * time.Second,
		WriteWait:            10 * time.Second,
		MaxMessageSize:       512 * 1024,
		LoginRateLimit:       5,
		LoginRateWindow:      15 * time.Minute,
	}
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Port: "4000",
		Log:  Log{Level: "info"},
	}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is required")
	}

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET environment variable is required")
	}

	if port := os.Getenv("PORT"); port != "" {
		cfg.Port = port
	}

	cfg.AdminUser = os.Getenv("ADMIN_USER")
	cfg.AdminPassword = os.Getenv("ADMIN_PASS")
	cfg.AdminPasswordHash = os.Getenv("ADMIN_PASS_HASH")
	cfg.DeletePassword = os.Getenv("DELETE_PASSWORD")
	cfg.DeletePasswordHash = os.Getenv("DELETE_PASSWORD_HASH")

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	if pretty := os.Getenv("LOG_PRETTY"); pretty != "" {
		v, err := strconv.ParseBool(pretty)
		if err != nil {
			return nil, fmt.Errorf("LOG_PRETTY: %w", err)
		}
		cfg.Log.Pretty = v
	}
	cfg.Log.File = os.Getenv("LOG_FILE")

	timing, err := LoadTiming(os.Getenv("CONFIG_FILE"))
	if err != nil {
		return nil, err
	}
	cfg.Timing = timing

	return cfg, nil
}

// LoadTiming returns DefaultTiming overlaid with the YAML file at path. An empty path
// returns the defaults.
func LoadTiming(path string) (Timing, error) {
	t := DefaultTiming()
	if path == "" {
		return t, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Timing{}, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.UnmarshalStrict(data, &t); err != nil {
		return Timing{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := t.validate(); err != nil {
		return Timing{}, fmt.Errorf("config file %s: %w", path, err)
	}
	return t, nil
}

func (t Timing) validate() error {
	switch {
	case t.RegistrationWindow <= 0, t.DedupWindow <= 0:
		return fmt.Errorf("windows must be positive")
	case t.SweepInterval <= 0:
		return fmt.Errorf("sweep_interval must be positive")
	case t.ReplayLimit <= 0:
		return fmt.Errorf("replay_limit must be positive")
	case t.ReplayPacing < 0:
		return fmt.Errorf("replay_pacing must not be negative")
	case t.PingInterval <= 0:
		return fmt.Errorf("ping_interval must be positive")
	case t.PongWait <= 0 || t.WriteWait <= 0:
		return fmt.Errorf("pong_wait and write_wait must be positive")
	}
	return nil
}
