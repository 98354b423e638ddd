package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"casewire/pkg/types"
)

// Config is the full runtime configuration. Precedence is
// defaults < environment < file.
type Config struct {
	HTTP      HTTPConfig      `json:"http"`
	Database  DatabaseConfig  `json:"database"`
	WebSocket WebSocketConfig `json:"websocket"`
	Redis     RedisConfig     `json:"redis"`

	// Staff maps pre-validated staff identities to their role
	// ("admin" or "assignee") for the static directory.
	Staff map[string]types.StaffRole `json:"staff"`
}

type HTTPConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"-"`
	WriteTimeout time.Duration `json:"-"`
}

type DatabaseConfig struct {
	Path           string        `json:"path"`
	MaxConnections int           `json:"max_connections"`
	WriteTimeout   time.Duration `json:"-"`
}

type WebSocketConfig struct {
	PingInterval time.Duration `json:"-"`
	ReadTimeout  time.Duration `json:"-"`
	WriteTimeout time.Duration `json:"-"`
	BufferSize   int           `json:"buffer_size"`
}

type RedisConfig struct {
	// Enabled switches the broadcast relay on. Single-process
	// deployments run with the noop relay.
	Enabled  bool   `json:"enabled"`
	Addr     string `json:"addr"`
	Password string `json:"password"`
	Channel  string `json:"channel"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Path:           "./casewire.db",
			MaxConnections: 10,
			WriteTimeout:   30 * time.Second,
		},
		WebSocket: WebSocketConfig{
			PingInterval: 30 * time.Second,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 5 * time.Second,
			BufferSize:   100,
		},
		Redis: RedisConfig{
			Addr:    "127.0.0.1:6379",
			Channel: "casewire.events",
		},
		Staff: map[string]types.StaffRole{},
	}
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http port must be between 1 and 65535")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("http host cannot be empty")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.WebSocket.PingInterval <= 0 || c.WebSocket.ReadTimeout <= 0 || c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("websocket intervals must be positive")
	}
	if c.WebSocket.PingInterval >= c.WebSocket.ReadTimeout {
		return fmt.Errorf("websocket ping interval must be shorter than the read timeout")
	}
	if c.WebSocket.BufferSize <= 0 {
		return fmt.Errorf("websocket buffer size must be positive")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis addr required when relay is enabled")
	}
	for id, role := range c.Staff {
		if role != types.StaffRoleAdmin && role != types.StaffRoleAssignee {
			return fmt.Errorf("staff %s: unknown role %q", id, role)
		}
	}
	return nil
}

// FromEnv overlays CASEWIRE_* environment variables onto the defaults.
func FromEnv() *Config {
	c := Default()

	if v := os.Getenv("CASEWIRE_HTTP_HOST"); v != "" {
		c.HTTP.Host = v
	}
	if v := os.Getenv("CASEWIRE_HTTP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.HTTP.Port = p
		}
	}
	if v := os.Getenv("CASEWIRE_DATABASE_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("CASEWIRE_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
		c.Redis.Enabled = true
	}
	if v := os.Getenv("CASEWIRE_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("CASEWIRE_REDIS_CHANNEL"); v != "" {
		c.Redis.Channel = v
	}
	if v := os.Getenv("CASEWIRE_WS_PING_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.WebSocket.PingInterval = d
		}
	}
	if v := os.Getenv("CASEWIRE_WS_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.WebSocket.ReadTimeout = d
		}
	}
	if v := os.Getenv("CASEWIRE_WS_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.WebSocket.WriteTimeout = d
		}
	}

	return c
}

// fileConfig mirrors Config for JSON parsing, with durations as strings.
type fileConfig struct {
	HTTP *struct {
		Host         string `json:"host"`
		Port         int    `json:"port"`
		ReadTimeout  string `json:"read_timeout"`
		WriteTimeout string `json:"write_timeout"`
	} `json:"http"`
	Database *struct {
		Path           string `json:"path"`
		MaxConnections int    `json:"max_connections"`
	} `json:"database"`
	WebSocket *struct {
		PingInterval string `json:"ping_interval"`
		ReadTimeout  string `json:"read_timeout"`
		WriteTimeout string `json:"write_timeout"`
		BufferSize   int    `json:"buffer_size"`
	} `json:"websocket"`
	Redis *RedisConfig               `json:"redis"`
	Staff map[string]types.StaffRole `json:"staff"`
}

// LoadFile overlays a JSON file onto base and validates the result.
func LoadFile(path string, base *Config) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	var fc fileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	c := *base
	if fc.HTTP != nil {
		if fc.HTTP.Host != "" {
			c.HTTP.Host = fc.HTTP.Host
		}
		if fc.HTTP.Port > 0 {
			c.HTTP.Port = fc.HTTP.Port
		}
		overlayDuration(&c.HTTP.ReadTimeout, fc.HTTP.ReadTimeout)
		overlayDuration(&c.HTTP.WriteTimeout, fc.HTTP.WriteTimeout)
	}
	if fc.Database != nil {
		if fc.Database.Path != "" {
			c.Database.Path = fc.Database.Path
		}
		if fc.Database.MaxConnections > 0 {
			c.Database.MaxConnections = fc.Database.MaxConnections
		}
	}
	if fc.WebSocket != nil {
		overlayDuration(&c.WebSocket.PingInterval, fc.WebSocket.PingInterval)
		overlayDuration(&c.WebSocket.ReadTimeout, fc.WebSocket.ReadTimeout)
		overlayDuration(&c.WebSocket.WriteTimeout, fc.WebSocket.WriteTimeout)
		if fc.WebSocket.BufferSize > 0 {
			c.WebSocket.BufferSize = fc.WebSocket.BufferSize
		}
	}
	if fc.Redis != nil {
		c.Redis = *fc.Redis
	}
	if fc.Staff != nil {
		c.Staff = fc.Staff
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return &c, nil
}

// Load resolves the effective configuration: defaults, then environment,
// then the file named by CASEWIRE_CONFIG_FILE if set.
func Load() (*Config, error) {
	c := FromEnv()
	if path := os.Getenv("CASEWIRE_CONFIG_FILE"); path != "" {
		return LoadFile(path, c)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func overlayDuration(dst *time.Duration, raw string) {
	if raw == "" {
		return
	}
	if d, err := time.ParseDuration(raw); err == nil {
		*dst = d
	}
}
