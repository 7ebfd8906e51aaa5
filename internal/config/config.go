package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/samber/lo"

	pkgdatabase "communityhub/pkg/database"
)

// ARCHITECTURAL DISCOVERY: Configuration layer serves as system-wide settings coordinator
// Clean separation between configuration management and business logic
type Config struct {
	HTTP      *HTTPConfig         `json:"http"`
	Database  *pkgdatabase.Config `json:"database"`
	WebSocket *WebSocketConfig    `json:"websocket"`
	Chat      *ChatConfig         `json:"chat"`
	Redis     *RedisConfig        `json:"redis"`
	Auth      *AuthConfig         `json:"auth"`
	Log       *LogConfig          `json:"log"`
}

type HTTPConfig struct {
	Host            string        `env:"HTTP_HOST"`
	Port            int           `env:"PORT"`
	ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT"`
	WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT"`
	// Comma separated. Shared by CORS and the WebSocket origin check.
	AllowedOrigins string `env:"ALLOWED_ORIGINS"`
}

// Addr returns host:port for the listener.
func (c *HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Origins splits AllowedOrigins.
func (c *HTTPConfig) Origins() []string {
	parts := lo.Map(strings.Split(c.AllowedOrigins, ","), func(s string, _ int) string {
		return strings.TrimSpace(s)
	})
	return lo.Compact(parts)
}

// FUNCTIONAL DISCOVERY: 60-second read deadline with 30-second pings, as the
// browser client expects from socket.io defaults
type WebSocketConfig struct {
	PingInterval     time.Duration `env:"WS_PING_INTERVAL"`
	PongWait         time.Duration `env:"WS_PONG_WAIT"`
	WriteTimeout     time.Duration `env:"WS_WRITE_TIMEOUT"`
	HandshakeTimeout time.Duration `env:"WS_HANDSHAKE_TIMEOUT"`
	MaxMessageSize   int64         `env:"WS_MAX_MESSAGE_SIZE"`
	SendBuffer       int           `env:"WS_SEND_BUFFER"`
}

type ChatConfig struct {
	HistoryLimit     int           `env:"CHAT_HISTORY_LIMIT"`
	HistoryMaxLimit  int           `env:"CHAT_HISTORY_MAX_LIMIT"`
	MaxContentLength int           `env:"CHAT_MAX_CONTENT_LENGTH"`
	RateLimit        int           `env:"CHAT_RATE_LIMIT"`
	RateWindow       time.Duration `env:"CHAT_RATE_WINDOW"`
	EventBuffer      int           `env:"CHAT_EVENT_BUFFER"`
	CleanupInterval  time.Duration `env:"CHAT_CLEANUP_INTERVAL"`
}

type RedisConfig struct {
	Enabled  bool          `env:"REDIS_ENABLED"`
	Addr     string        `env:"REDIS_ADDR"`
	Password string        `env:"REDIS_PASSWORD"`
	DB       int           `env:"REDIS_DB"`
	Prefix   string        `env:"REDIS_PREFIX"`
	TTL      time.Duration `env:"REDIS_TTL"`
}

type AuthConfig struct {
	// Empty disables bearer checks on the history endpoint.
	JWTSecret string `env:"JWT_SECRET"`
}

type LogConfig struct {
	Format string `env:"LOG_FORMAT"`
	Level  string `env:"LOG_LEVEL"`
}

// DefaultConfig returns development defaults matching the web client
// (Vite on :5173, API on :5000).
func DefaultConfig() *Config {
	return &Config{
		HTTP: &HTTPConfig{
			Host:            "0.0.0.0",
			Port:            5000,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			AllowedOrigins:  "http://localhost:5173",
		},
		Database: pkgdatabase.DefaultConfig(),
		WebSocket: &WebSocketConfig{
			PingInterval:     30 * time.Second,
			PongWait:         60 * time.Second,
			WriteTimeout:     5 * time.Second,
			HandshakeTimeout: 10 * time.Second,
			MaxMessageSize:   64 * 1024,
			SendBuffer:       100,
		},
		Chat: &ChatConfig{
			HistoryLimit:     50,
			HistoryMaxLimit:  200,
			MaxContentLength: 5000,
			RateLimit:        100,
			RateWindow:       time.Minute,
			EventBuffer:      1000,
			CleanupInterval:  time.Minute,
		},
		Redis: &RedisConfig{
			Addr:   "localhost:6379",
			Prefix: "communityhub:",
			TTL:    5 * time.Minute,
		},
		Auth: &AuthConfig{},
		Log: &LogConfig{
			Format: "text",
			Level:  "info",
		},
	}
}

// FUNCTIONAL DISCOVERY: Comprehensive validation prevents invalid system configurations
func (c *Config) Validate() error {
	if c.HTTP == nil || c.Database == nil || c.WebSocket == nil || c.Chat == nil ||
		c.Redis == nil || c.Auth == nil || c.Log == nil {
		return errors.New("every configuration section is required")
	}

	// port 0 binds an ephemeral port
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 0 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 || c.HTTP.ShutdownTimeout <= 0 {
		return fmt.Errorf("HTTP timeouts must be positive")
	}
	if len(c.HTTP.Origins()) == 0 {
		return fmt.Errorf("at least one allowed origin is required")
	}

	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("WebSocket ping interval must be positive")
	}
	if c.WebSocket.PongWait <= c.WebSocket.PingInterval {
		return fmt.Errorf("WebSocket pong wait must exceed the ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 || c.WebSocket.HandshakeTimeout <= 0 {
		return fmt.Errorf("WebSocket timeouts must be positive")
	}
	if c.WebSocket.MaxMessageSize <= 0 || c.WebSocket.SendBuffer <= 0 {
		return fmt.Errorf("WebSocket buffer sizes must be positive")
	}

	if c.Chat.HistoryLimit <= 0 || c.Chat.HistoryMaxLimit < c.Chat.HistoryLimit {
		return fmt.Errorf("chat history limit must be positive and at most the max limit")
	}
	if c.Chat.MaxContentLength <= 0 {
		return fmt.Errorf("chat max content length must be positive")
	}
	if c.Chat.RateLimit <= 0 || c.Chat.RateWindow <= 0 {
		return fmt.Errorf("chat rate limit and window must be positive")
	}
	if c.Chat.EventBuffer <= 0 || c.Chat.CleanupInterval <= 0 {
		return fmt.Errorf("chat event buffer and cleanup interval must be positive")
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis address is required when redis is enabled")
		}
		if c.Redis.TTL <= 0 {
			return fmt.Errorf("redis TTL must be positive")
		}
	}

	if !lo.Contains([]string{"text", "json"}, c.Log.Format) {
		return fmt.Errorf("log format must be text or json, got %q", c.Log.Format)
	}
	if !lo.Contains([]string{"debug", "info", "warn", "error"}, strings.ToLower(c.Log.Level)) {
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}

	return nil
}

// LoadFromEnv overlays environment variables onto the defaults. Variables
// that are not set leave the default in place.
func LoadFromEnv() (*Config, error) {
	config := DefaultConfig()
	if err := config.applyEnv(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) applyEnv() error {
	sections := []interface{}{c.HTTP, c.Database, c.WebSocket, c.Chat, c.Redis, c.Auth, c.Log}
	for _, section := range sections {
		if _, err := env.UnmarshalFromEnviron(section); err != nil {
			return fmt.Errorf("failed to read environment: %w", err)
		}
	}
	return nil
}

// ConfigFile represents the JSON structure for file-based configuration
// FUNCTIONAL DISCOVERY: Separate struct for JSON parsing to handle duration strings
type ConfigFile struct {
	HTTP *struct {
		Host            string `json:"host"`
		Port            int    `json:"port"`
		ReadTimeout     string `json:"read_timeout"`
		WriteTimeout    string `json:"write_timeout"`
		ShutdownTimeout string `json:"shutdown_timeout"`
		AllowedOrigins  string `json:"allowed_origins"`
	} `json:"http"`
	Database *struct {
		Path           string `json:"path"`
		MaxConnections int    `json:"max_connections"`
		MigrationsPath string `json:"migrations_path"`
	} `json:"database"`
	WebSocket *struct {
		PingInterval   string `json:"ping_interval"`
		PongWait       string `json:"pong_wait"`
		WriteTimeout   string `json:"write_timeout"`
		MaxMessageSize int64  `json:"max_message_size"`
		SendBuffer     int    `json:"send_buffer"`
	} `json:"websocket"`
	Chat *struct {
		HistoryLimit     int    `json:"history_limit"`
		HistoryMaxLimit  int    `json:"history_max_limit"`
		MaxContentLength int    `json:"max_content_length"`
		RateLimit        int    `json:"rate_limit"`
		RateWindow       string `json:"rate_window"`
	} `json:"chat"`
	Redis *struct {
		Enabled *bool  `json:"enabled"`
		Addr    string `json:"addr"`
		Prefix  string `json:"prefix"`
		TTL     string `json:"ttl"`
	} `json:"redis"`
	Log *struct {
		Format string `json:"format"`
		Level  string `json:"level"`
	} `json:"log"`
}

// LoadFromFile overlays a JSON file onto config. Zero values in the file
// leave the existing setting in place. Secrets are never read from files.
func LoadFromFile(config *Config, filepath string) error {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filepath, err)
	}

	var file ConfigFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", filepath, err)
	}

	var errs []error
	duration := func(dst *time.Duration, raw, name string) {
		if raw == "" {
			return
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		*dst = d
	}
	str := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	num := func(dst *int, v int) {
		if v > 0 {
			*dst = v
		}
	}

	if f := file.HTTP; f != nil {
		str(&config.HTTP.Host, f.Host)
		num(&config.HTTP.Port, f.Port)
		str(&config.HTTP.AllowedOrigins, f.AllowedOrigins)
		duration(&config.HTTP.ReadTimeout, f.ReadTimeout, "http.read_timeout")
		duration(&config.HTTP.WriteTimeout, f.WriteTimeout, "http.write_timeout")
		duration(&config.HTTP.ShutdownTimeout, f.ShutdownTimeout, "http.shutdown_timeout")
	}
	if f := file.Database; f != nil {
		str(&config.Database.DatabasePath, f.Path)
		num(&config.Database.MaxConnections, f.MaxConnections)
		str(&config.Database.MigrationsPath, f.MigrationsPath)
	}
	if f := file.WebSocket; f != nil {
		duration(&config.WebSocket.PingInterval, f.PingInterval, "websocket.ping_interval")
		duration(&config.WebSocket.PongWait, f.PongWait, "websocket.pong_wait")
		duration(&config.WebSocket.WriteTimeout, f.WriteTimeout, "websocket.write_timeout")
		if f.MaxMessageSize > 0 {
			config.WebSocket.MaxMessageSize = f.MaxMessageSize
		}
		num(&config.WebSocket.SendBuffer, f.SendBuffer)
	}
	if f := file.Chat; f != nil {
		num(&config.Chat.HistoryLimit, f.HistoryLimit)
		num(&config.Chat.HistoryMaxLimit, f.HistoryMaxLimit)
		num(&config.Chat.MaxContentLength, f.MaxContentLength)
		num(&config.Chat.RateLimit, f.RateLimit)
		duration(&config.Chat.RateWindow, f.RateWindow, "chat.rate_window")
	}
	if f := file.Redis; f != nil {
		if f.Enabled != nil {
			config.Redis.Enabled = *f.Enabled
		}
		str(&config.Redis.Addr, f.Addr)
		str(&config.Redis.Prefix, f.Prefix)
		duration(&config.Redis.TTL, f.TTL, "redis.ttl")
	}
	if f := file.Log; f != nil {
		str(&config.Log.Format, f.Format)
		str(&config.Log.Level, f.Level)
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config file %s: %w", filepath, err)
	}
	return nil
}

// FUNCTIONAL DISCOVERY: Configuration precedence: file > environment > defaults
// Load builds the configuration in that order and validates it. An empty path
// skips the file.
func Load(filepath string) (*Config, error) {
	config := DefaultConfig()

	if err := config.applyEnv(); err != nil {
		return nil, err
	}

	if filepath != "" {
		if err := LoadFromFile(config, filepath); err != nil {
			return nil, err
		}
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}
