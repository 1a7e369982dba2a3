package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the system-wide settings tree. Sections map one-to-one onto
// components so each constructor takes only its own slice.
type Config struct {
	Server    *ServerConfig    `json:"server"`
	WebSocket *WebSocketConfig `json:"websocket"`
	Registry  *RegistryConfig  `json:"registry"`
	Session   *SessionConfig   `json:"session"`
	Queue     *QueueConfig     `json:"queue"`
	Log       *LogConfig       `json:"log"`
}

// ServerConfig covers the HTTP listener serving /ws, the management API,
// /health and /metrics.
type ServerConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
}

// WebSocketConfig tunes the per-connection transport.
type WebSocketConfig struct {
	HandshakeTimeout time.Duration `json:"handshake_timeout"`
	PingInterval     time.Duration `json:"ping_interval"`
	ReadTimeout      time.Duration `json:"read_timeout"`
	WriteTimeout     time.Duration `json:"write_timeout"`
	WriteBuffer      int           `json:"write_buffer"`
}

// RegistryConfig bounds the connection registry and its liveness windows.
type RegistryConfig struct {
	MaxConnections  int           `json:"max_connections"`
	HeartbeatWindow time.Duration `json:"heartbeat_window"`
	ActivityWindow  time.Duration `json:"activity_window"`
	CleanupInterval time.Duration `json:"cleanup_interval"`
}

// SessionConfig bounds session idleness and its eviction loop.
type SessionConfig struct {
	IdleTimeout     time.Duration `json:"idle_timeout"`
	CleanupInterval time.Duration `json:"cleanup_interval"`
}

// QueueConfig bounds the routing queue and its drain loop. Retry attempts
// are fixed by the queue itself, not configured.
type QueueConfig struct {
	MaxPending    int           `json:"max_pending"`
	DrainInterval time.Duration `json:"drain_interval"`
	BatchSize     int           `json:"batch_size"`
}

// LogConfig selects level and output format for zerolog.
type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"` // json or console
}

// DefaultConfig returns production defaults. The liveness windows (60s
// heartbeat, 300s activity) and queue bounds (10000 pending, 100 batch)
// are the documented protocol defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: &ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		WebSocket: &WebSocketConfig{
			HandshakeTimeout: 10 * time.Second,
			PingInterval:     30 * time.Second,
			ReadTimeout:      60 * time.Second,
			WriteTimeout:     5 * time.Second,
			WriteBuffer:      100,
		},
		Registry: &RegistryConfig{
			MaxConnections:  10000,
			HeartbeatWindow: 60 * time.Second,
			ActivityWindow:  300 * time.Second,
			CleanupInterval: 30 * time.Second,
		},
		Session: &SessionConfig{
			IdleTimeout:     1800 * time.Second,
			CleanupInterval: 60 * time.Second,
		},
		Queue: &QueueConfig{
			MaxPending:    10000,
			DrainInterval: 100 * time.Millisecond,
			BatchSize:     100,
		},
		Log: &LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate rejects configurations that would fail at runtime.
func (c *Config) Validate() error {
	if c.Server == nil {
		return fmt.Errorf("server configuration is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535")
	}
	if c.Server.Host == "" {
		return fmt.Errorf("server host cannot be empty")
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 || c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server timeouts must be positive")
	}

	if c.WebSocket == nil {
		return fmt.Errorf("websocket configuration is required")
	}
	if c.WebSocket.PingInterval <= 0 || c.WebSocket.ReadTimeout <= 0 || c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("websocket timeouts must be positive")
	}
	if c.WebSocket.PingInterval >= c.WebSocket.ReadTimeout {
		return fmt.Errorf("websocket ping interval must be shorter than the read timeout")
	}
	if c.WebSocket.WriteBuffer <= 0 {
		return fmt.Errorf("websocket write buffer must be positive")
	}

	if c.Registry == nil {
		return fmt.Errorf("registry configuration is required")
	}
	if c.Registry.MaxConnections <= 0 {
		return fmt.Errorf("registry max connections must be positive")
	}
	if c.Registry.HeartbeatWindow <= 0 || c.Registry.ActivityWindow <= 0 || c.Registry.CleanupInterval <= 0 {
		return fmt.Errorf("registry liveness windows must be positive")
	}

	if c.Session == nil {
		return fmt.Errorf("session configuration is required")
	}
	if c.Session.IdleTimeout <= 0 || c.Session.CleanupInterval <= 0 {
		return fmt.Errorf("session timeouts must be positive")
	}

	if c.Queue == nil {
		return fmt.Errorf("queue configuration is required")
	}
	if c.Queue.MaxPending <= 0 {
		return fmt.Errorf("queue max pending must be positive")
	}
	if c.Queue.DrainInterval <= 0 {
		return fmt.Errorf("queue drain interval must be positive")
	}
	if c.Queue.BatchSize <= 0 {
		return fmt.Errorf("queue batch size must be positive")
	}

	if c.Log == nil {
		return fmt.Errorf("log configuration is required")
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log format must be json or console")
	}

	return nil
}

// LoadFromEnv overlays RELAY_* environment variables on the defaults.
// Unparseable values fall back silently, matching file-loading behavior.
func LoadFromEnv() *Config {
	cfg := DefaultConfig()

	envString("RELAY_SERVER_HOST", &cfg.Server.Host)
	envInt("RELAY_SERVER_PORT", &cfg.Server.Port)
	envDuration("RELAY_SERVER_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	envDuration("RELAY_SERVER_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	envDuration("RELAY_SERVER_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)

	envDuration("RELAY_WEBSOCKET_HANDSHAKE_TIMEOUT", &cfg.WebSocket.HandshakeTimeout)
	envDuration("RELAY_WEBSOCKET_PING_INTERVAL", &cfg.WebSocket.PingInterval)
	envDuration("RELAY_WEBSOCKET_READ_TIMEOUT", &cfg.WebSocket.ReadTimeout)
	envDuration("RELAY_WEBSOCKET_WRITE_TIMEOUT", &cfg.WebSocket.WriteTimeout)
	envInt("RELAY_WEBSOCKET_WRITE_BUFFER", &cfg.WebSocket.WriteBuffer)

	envInt("RELAY_REGISTRY_MAX_CONNECTIONS", &cfg.Registry.MaxConnections)
	envDuration("RELAY_REGISTRY_HEARTBEAT_WINDOW", &cfg.Registry.HeartbeatWindow)
	envDuration("RELAY_REGISTRY_ACTIVITY_WINDOW", &cfg.Registry.ActivityWindow)
	envDuration("RELAY_REGISTRY_CLEANUP_INTERVAL", &cfg.Registry.CleanupInterval)

	envDuration("RELAY_SESSION_IDLE_TIMEOUT", &cfg.Session.IdleTimeout)
	envDuration("RELAY_SESSION_CLEANUP_INTERVAL", &cfg.Session.CleanupInterval)

	envInt("RELAY_QUEUE_MAX_PENDING", &cfg.Queue.MaxPending)
	envDuration("RELAY_QUEUE_DRAIN_INTERVAL", &cfg.Queue.DrainInterval)
	envInt("RELAY_QUEUE_BATCH_SIZE", &cfg.Queue.BatchSize)

	envString("RELAY_LOG_LEVEL", &cfg.Log.Level)
	envString("RELAY_LOG_FORMAT", &cfg.Log.Format)

	return cfg
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// configFile mirrors Config with string durations so JSON files can say
// "30s" instead of nanosecond counts.
type configFile struct {
	Server *struct {
		Host            string `json:"host"`
		Port            int    `json:"port"`
		ReadTimeout     string `json:"read_timeout"`
		WriteTimeout    string `json:"write_timeout"`
		ShutdownTimeout string `json:"shutdown_timeout"`
	} `json:"server"`
	WebSocket *struct {
		HandshakeTimeout string `json:"handshake_timeout"`
		PingInterval     string `json:"ping_interval"`
		ReadTimeout      string `json:"read_timeout"`
		WriteTimeout     string `json:"write_timeout"`
		WriteBuffer      int    `json:"write_buffer"`
	} `json:"websocket"`
	Registry *struct {
		MaxConnections  int    `json:"max_connections"`
		HeartbeatWindow string `json:"heartbeat_window"`
		ActivityWindow  string `json:"activity_window"`
		CleanupInterval string `json:"cleanup_interval"`
	} `json:"registry"`
	Session *struct {
		IdleTimeout     string `json:"idle_timeout"`
		CleanupInterval string `json:"cleanup_interval"`
	} `json:"session"`
	Queue *struct {
		MaxPending    int    `json:"max_pending"`
		DrainInterval string `json:"drain_interval"`
		BatchSize     int    `json:"batch_size"`
	} `json:"queue"`
	Log *LogConfig `json:"log"`
}

// LoadFromFile reads a JSON configuration file over the defaults and
// validates the result.
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := overlayFile(cfg, path); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return cfg, nil
}

// overlayFile applies the fields a JSON file sets onto cfg, leaving
// everything the file omits untouched.
func overlayFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var file configFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if file.Server != nil {
		if file.Server.Host != "" {
			cfg.Server.Host = file.Server.Host
		}
		if file.Server.Port > 0 {
			cfg.Server.Port = file.Server.Port
		}
		fileDuration(file.Server.ReadTimeout, &cfg.Server.ReadTimeout)
		fileDuration(file.Server.WriteTimeout, &cfg.Server.WriteTimeout)
		fileDuration(file.Server.ShutdownTimeout, &cfg.Server.ShutdownTimeout)
	}

	if file.WebSocket != nil {
		fileDuration(file.WebSocket.HandshakeTimeout, &cfg.WebSocket.HandshakeTimeout)
		fileDuration(file.WebSocket.PingInterval, &cfg.WebSocket.PingInterval)
		fileDuration(file.WebSocket.ReadTimeout, &cfg.WebSocket.ReadTimeout)
		fileDuration(file.WebSocket.WriteTimeout, &cfg.WebSocket.WriteTimeout)
		if file.WebSocket.WriteBuffer > 0 {
			cfg.WebSocket.WriteBuffer = file.WebSocket.WriteBuffer
		}
	}

	if file.Registry != nil {
		if file.Registry.MaxConnections > 0 {
			cfg.Registry.MaxConnections = file.Registry.MaxConnections
		}
		fileDuration(file.Registry.HeartbeatWindow, &cfg.Registry.HeartbeatWindow)
		fileDuration(file.Registry.ActivityWindow, &cfg.Registry.ActivityWindow)
		fileDuration(file.Registry.CleanupInterval, &cfg.Registry.CleanupInterval)
	}

	if file.Session != nil {
		fileDuration(file.Session.IdleTimeout, &cfg.Session.IdleTimeout)
		fileDuration(file.Session.CleanupInterval, &cfg.Session.CleanupInterval)
	}

	if file.Queue != nil {
		if file.Queue.MaxPending > 0 {
			cfg.Queue.MaxPending = file.Queue.MaxPending
		}
		fileDuration(file.Queue.DrainInterval, &cfg.Queue.DrainInterval)
		if file.Queue.BatchSize > 0 {
			cfg.Queue.BatchSize = file.Queue.BatchSize
		}
	}

	if file.Log != nil {
		if file.Log.Level != "" {
			cfg.Log.Level = file.Log.Level
		}
		if file.Log.Format != "" {
			cfg.Log.Format = file.Log.Format
		}
	}

	return nil
}

func fileDuration(raw string, dst *time.Duration) {
	if raw == "" {
		return
	}
	if d, err := time.ParseDuration(raw); err == nil {
		*dst = d
	}
}

// Load resolves configuration with precedence: file > environment >
// defaults. The file only overrides the fields it names; everything it
// omits keeps its environment or default value. A missing or broken
// file degrades to environment/defaults.
func Load(path string) *Config {
	cfg := LoadFromEnv()
	if path == "" {
		return cfg
	}

	merged := LoadFromEnv()
	if err := overlayFile(merged, path); err != nil {
		return cfg
	}
	if err := merged.Validate(); err != nil {
		return cfg
	}
	return merged
}
