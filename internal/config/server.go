package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds configuration for the framecast server.
type ServerConfig struct {
	Port           int           `yaml:"port"`
	MetricsAddr    string        `yaml:"metrics_addr"`
	WSPath         string        `yaml:"ws_path"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	ConfigFile     string        `yaml:"-"`
	LogLevel       string        `yaml:"log_level"`
	StreamCapacity int           `yaml:"stream_capacity"`
	ErrorThreshold int           `yaml:"error_threshold"`
	// durations come from environment and flags; yaml.v3 has no native
	// duration syntax
	IdleTimeout  time.Duration `yaml:"-"`
	PollInterval time.Duration `yaml:"-"`
	StreamGrace  time.Duration `yaml:"-"`
}

// SetDefaults initializes c with built-in defaults.
func (c *ServerConfig) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Port == 0 {
		// historical default of the original napari receiver
		c.Port = 5556
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = fmt.Sprintf(":%d", c.Port)
	}
	if c.WSPath == "" {
		c.WSPath = "/api/streams/connect"
	}
	if c.StreamCapacity == 0 {
		c.StreamCapacity = 16
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.PollInterval == 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.ErrorThreshold == 0 {
		c.ErrorThreshold = 8
	}
	if c.StreamGrace == 0 {
		c.StreamGrace = 30 * time.Second
	}
}

// ApplyEnv overlays environment variables onto the current config values.
func (c *ServerConfig) ApplyEnv() {
	if v := getEnv("CONFIG_FILE", ""); v != "" {
		c.ConfigFile = v
	}
	if v := getEnv("LOG_LEVEL", ""); v != "" {
		c.LogLevel = v
	}
	if v := getEnv("PORT", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := getEnv("METRICS_PORT", ""); v != "" {
		if strings.Contains(v, ":") {
			c.MetricsAddr = v
		} else {
			c.MetricsAddr = ":" + v
		}
	}
	if v := getEnv("WS_PATH", ""); v != "" {
		c.WSPath = v
	}
	if v := getEnv("ALLOWED_ORIGINS", ""); v != "" {
		c.AllowedOrigins = splitList(v)
	}
	if v := getEnv("STREAM_CAPACITY", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.StreamCapacity = n
		}
	}
	if v := getEnv("IDLE_TIMEOUT", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.IdleTimeout = d
		}
	}
	if v := getEnv("POLL_INTERVAL", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.PollInterval = d
		}
	}
	if v := getEnv("ERROR_THRESHOLD", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.ErrorThreshold = n
		}
	}
	if v := getEnv("STREAM_GRACE", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.StreamGrace = d
		}
	}
}

// LoadFile populates the config from a YAML file.
func (c *ServerConfig) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

// BindFlags binds command line flags so main can call flag.Parse().
// Flags override environment values; for yaml-mapped keys a config file
// loaded after parsing overrides flags in turn. Durations are env/flag only.
func (c *ServerConfig) BindFlags() {
	flag.IntVar(&c.Port, "port", c.Port, "listen port for producers and the status API")
	flag.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "Prometheus metrics listen address; defaults to the main port")
	flag.StringVar(&c.WSPath, "ws-path", c.WSPath, "path producers use to establish WebSocket connections")
	flag.StringVar(&c.ConfigFile, "config", c.ConfigFile, "path to YAML config file")
	flag.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level (debug, info, warn, error)")
	flag.IntVar(&c.StreamCapacity, "stream-capacity", c.StreamCapacity, "default buffered frames per stream")
	flag.DurationVar(&c.IdleTimeout, "idle-timeout", c.IdleTimeout, "close producer connections idle longer than this")
	flag.DurationVar(&c.PollInterval, "poll-interval", c.PollInterval, "delivery loop polling interval")
	flag.IntVar(&c.ErrorThreshold, "error-threshold", c.ErrorThreshold, "consecutive frame errors before a connection is closed")
	flag.DurationVar(&c.StreamGrace, "stream-grace", c.StreamGrace, "grace period before abandoned streams are collected")
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
