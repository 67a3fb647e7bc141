package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultConfigRelPath  = ".config/gridlink/gridlink.yaml"
	defaultSessionRelPath = ".config/gridlink/session.json"
	defaultArchiveRelPath = ".config/gridlink/outcomes.json"
	defaultUIStateRelPath = ".config/gridlink/ui_state.json"

	// ConfigPathEnvVar overrides the config file location.
	ConfigPathEnvVar = "GRIDLINK_CONFIG"
)

type Config struct {
	APIURL         string        `yaml:"api_url"`
	WSURL          string        `yaml:"ws_url"`
	TokenEnvVar    string        `yaml:"token_env_var"`
	SessionFile    string        `yaml:"session_file"`
	UIStateFile    string        `yaml:"ui_state_file"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	PollAttempts   int           `yaml:"poll_attempts"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	Feed           FeedConfig    `yaml:"feed"`
	Log            LogConfig     `yaml:"log"`
	Archive        ArchiveConfig `yaml:"archive"`
	Daemon         DaemonConfig  `yaml:"daemon"`
	Tracing        TracingConfig `yaml:"tracing"`
}

type FeedConfig struct {
	Capacity        int  `yaml:"capacity"`
	MonotonicStatus bool `yaml:"monotonic_status"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ArchiveConfig struct {
	Driver      string `yaml:"driver"`
	File        string `yaml:"file"`
	DatabaseURL string `yaml:"database_url"`
}

type DaemonConfig struct {
	GRPCAddr     string `yaml:"grpc_addr"`
	HTTPAddr     string `yaml:"http_addr"`
	Token        string `yaml:"token"`
	GRPCInsecure bool   `yaml:"grpc_insecure"`
}

type TracingConfig struct {
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		APIURL:         "http://localhost:8000",
		WSURL:          "ws://localhost:8000/ws/dashboard/",
		TokenEnvVar:    "GRIDLINK_TOKEN",
		SessionFile:    filepath.Join(home, defaultSessionRelPath),
		UIStateFile:    filepath.Join(home, defaultUIStateRelPath),
		ReconnectDelay: 3 * time.Second,
		PollInterval:   2 * time.Second,
		PollAttempts:   60,
		RequestTimeout: 10 * time.Second,
		Feed: FeedConfig{
			Capacity:        10,
			MonotonicStatus: true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Archive: ArchiveConfig{
			Driver: "file",
			File:   filepath.Join(home, defaultArchiveRelPath),
		},
		Daemon: DaemonConfig{
			GRPCAddr:     "127.0.0.1:50061",
			HTTPAddr:     "127.0.0.1:8061",
			GRPCInsecure: true,
		},
		Tracing: TracingConfig{
			Exporter:    "none",
			Insecure:    true,
			SampleRatio: 1,
		},
	}
}

// Load reads the config file (if present), applies GRIDLINK_* environment
// overrides and fills unset values from Default.
func Load() (Config, string, error) {
	cfg := Default()
	path, err := Path()
	if err != nil {
		return cfg, "", err
	}

	if raw, readErr := os.ReadFile(path); readErr == nil {
		if parseErr := yaml.Unmarshal(raw, &cfg); parseErr != nil {
			return cfg, path, fmt.Errorf("parse gridlink config %s: %w", path, parseErr)
		}
	} else if !errors.Is(readErr, os.ErrNotExist) {
		return cfg, path, fmt.Errorf("read gridlink config %s: %w", path, readErr)
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, path, err
	}
	applyDefaults(&cfg)
	return cfg, path, nil
}

func Path() (string, error) {
	if custom := strings.TrimSpace(os.Getenv(ConfigPathEnvVar)); custom != "" {
		return custom, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, defaultConfigRelPath), nil
}

// ResolveToken returns the bearer token from the configured environment
// variable. An empty result means the session file decides.
func ResolveToken(cfg Config) string {
	name := strings.TrimSpace(cfg.TokenEnvVar)
	if name != "" {
		if value := strings.TrimSpace(os.Getenv(name)); value != "" {
			return value
		}
	}
	return ""
}

func EnsureConfigDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func applyEnv(cfg *Config) error {
	stringVars := map[string]*string{
		"GRIDLINK_API_URL":          &cfg.APIURL,
		"GRIDLINK_WS_URL":           &cfg.WSURL,
		"GRIDLINK_SESSION_FILE":     &cfg.SessionFile,
		"GRIDLINK_LOG_LEVEL":        &cfg.Log.Level,
		"GRIDLINK_LOG_FORMAT":       &cfg.Log.Format,
		"GRIDLINK_ARCHIVE_DRIVER":   &cfg.Archive.Driver,
		"GRIDLINK_ARCHIVE_FILE":     &cfg.Archive.File,
		"GRIDLINK_DATABASE_URL":     &cfg.Archive.DatabaseURL,
		"GRIDLINK_DAEMON_GRPC_ADDR": &cfg.Daemon.GRPCAddr,
		"GRIDLINK_DAEMON_HTTP_ADDR": &cfg.Daemon.HTTPAddr,
		"GRIDLINK_DAEMON_TOKEN":     &cfg.Daemon.Token,
		"GRIDLINK_OTEL_EXPORTER":    &cfg.Tracing.Exporter,
		"GRIDLINK_OTEL_ENDPOINT":    &cfg.Tracing.Endpoint,
	}
	for key, target := range stringVars {
		if value := strings.TrimSpace(os.Getenv(key)); value != "" {
			*target = value
		}
	}

	durationVars := map[string]*time.Duration{
		"GRIDLINK_RECONNECT_DELAY": &cfg.ReconnectDelay,
		"GRIDLINK_POLL_INTERVAL":   &cfg.PollInterval,
		"GRIDLINK_REQUEST_TIMEOUT": &cfg.RequestTimeout,
	}
	for key, target := range durationVars {
		raw := strings.TrimSpace(os.Getenv(key))
		if raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*target = parsed
	}

	if raw := strings.TrimSpace(os.Getenv("GRIDLINK_POLL_ATTEMPTS")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("GRIDLINK_POLL_ATTEMPTS: %w", err)
		}
		cfg.PollAttempts = parsed
	}
	if raw := strings.TrimSpace(os.Getenv("GRIDLINK_FEED_MONOTONIC")); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("GRIDLINK_FEED_MONOTONIC: %w", err)
		}
		cfg.Feed.MonotonicStatus = parsed
	}
	return nil
}

func applyDefaults(cfg *Config) {
	def := Default()
	if strings.TrimSpace(cfg.APIURL) == "" {
		cfg.APIURL = def.APIURL
	}
	if strings.TrimSpace(cfg.WSURL) == "" {
		cfg.WSURL = def.WSURL
	}
	if strings.TrimSpace(cfg.TokenEnvVar) == "" {
		cfg.TokenEnvVar = def.TokenEnvVar
	}
	if strings.TrimSpace(cfg.SessionFile) == "" {
		cfg.SessionFile = def.SessionFile
	}
	if strings.TrimSpace(cfg.UIStateFile) == "" {
		cfg.UIStateFile = def.UIStateFile
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = def.PollAttempts
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.Feed.Capacity <= 0 {
		cfg.Feed.Capacity = def.Feed.Capacity
	}
	if strings.TrimSpace(cfg.Log.Level) == "" {
		cfg.Log.Level = def.Log.Level
	}
	if strings.TrimSpace(cfg.Log.Format) == "" {
		cfg.Log.Format = def.Log.Format
	}
	if strings.TrimSpace(cfg.Archive.Driver) == "" {
		cfg.Archive.Driver = def.Archive.Driver
	}
	if strings.TrimSpace(cfg.Archive.File) == "" {
		cfg.Archive.File = def.Archive.File
	}
	if strings.TrimSpace(cfg.Daemon.GRPCAddr) == "" {
		cfg.Daemon.GRPCAddr = def.Daemon.GRPCAddr
	}
	if strings.TrimSpace(cfg.Tracing.Exporter) == "" {
		cfg.Tracing.Exporter = def.Tracing.Exporter
	}
}
