// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the JustChat relay.
package server

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/Tyrowin/justchat/internal/protocol"
)

const (
	DefaultPort           = 38080
	DefaultHost           = "0.0.0.0"
	DefaultMaxConnections = 100
	DefaultName           = "JustChat Server"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int           `validate:"gte=1"`
	RefillInterval time.Duration `validate:"gt=0"`
}

// WebSocketConfig enables the WebSocket transport and the HTTP admin routes.
// An empty Addr disables both.
type WebSocketConfig struct {
	Addr           string
	AllowedOrigins []string
}

// Config holds the server configuration. A Server copies it at construction
// and never changes it afterwards.
type Config struct {
	ID             string `validate:"required,uuid"`
	Name           string `validate:"required,max=128"`
	Host           string `validate:"omitempty,ip|hostname"`
	Port           int    `validate:"gte=0,lte=65535"`
	MaxConnections int    `validate:"gte=1"`

	MaxFrameSize     int           `validate:"gte=64"`
	SendQueueSize    int           `validate:"gte=1"`
	HandshakeTimeout time.Duration `validate:"gt=0"`
	WriteTimeout     time.Duration `validate:"gt=0"`
	// IdleTimeout closes a connection that sends nothing for this long. Zero disables it.
	IdleTimeout time.Duration `validate:"gte=0"`
	RateLimit   RateLimitConfig

	// DisableRelay stops forwarding inbound chat messages to the other clients.
	DisableRelay       bool
	// IgnoreListRequests stops answering roster requests with the current client list.
	IgnoreListRequests bool

	WebSocket WebSocketConfig

	LogLevel string `validate:"omitempty,oneof=trace debug info warn warning error fatal panic"`
	LogJSON  bool
}

// ServerIdentity is the immutable identity a server announces during the handshake.
type ServerIdentity struct {
	ID             string
	Name           string
	Host           string
	Port           int
	MaxConnections int
}

var validate = validator.New()

func defaultConfig() Config {
	return Config{
		ID:               uuid.NewString(),
		Name:             DefaultName,
		Host:             DefaultHost,
		Port:             DefaultPort,
		MaxConnections:   DefaultMaxConnections,
		MaxFrameSize:     protocol.DefaultMaxFrameSize,
		SendQueueSize:    256,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		RateLimit: RateLimitConfig{
			Burst:          20,
			RefillInterval: time.Second,
		},
		WebSocket: WebSocketConfig{
			AllowedOrigins: []string{"http://localhost:8080"},
		},
		LogLevel: "info",
	}
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// sanitizeConfig fills zero values with defaults and copies slices so the
// caller's value can no longer affect the result.
func sanitizeConfig(cfg Config) Config {
	def := defaultConfig()

	if cfg.ID == "" {
		cfg.ID = def.ID
	}
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.Host == "" {
		cfg.Host = def.Host
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = def.MaxConnections
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = def.MaxFrameSize
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = def.SendQueueSize
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = def.RateLimit.Burst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}

	cfg.WebSocket.AllowedOrigins = append([]string(nil), cfg.WebSocket.AllowedOrigins...)
	return cfg
}

// Validate checks every field against its constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Addr returns the TCP listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Identity returns the server identity described by the configuration.
func (c *Config) Identity() ServerIdentity {
	return ServerIdentity{
		ID:             c.ID,
		Name:           c.Name,
		Host:           c.Host,
		Port:           c.Port,
		MaxConnections: c.MaxConnections,
	}
}

// NewConfigFromEnv creates a Config instance from environment variables after
// loading the given .env files (missing files are skipped). Falls back to
// default values if environment variables are not set or cannot be parsed.
func NewConfigFromEnv(envFiles ...string) *Config {
	for _, path := range envFiles {
		_ = godotenv.Load(path)
	}

	cfg := defaultConfig()

	if id := os.Getenv("JUSTCHAT_ID"); id != "" {
		cfg.ID = id
	}
	if name := os.Getenv("JUSTCHAT_NAME"); name != "" {
		cfg.Name = name
	}
	if host := os.Getenv("JUSTCHAT_HOST"); host != "" {
		cfg.Host = host
	}
	if port := os.Getenv("JUSTCHAT_PORT"); port != "" {
		cfg.Port = parsePort(port, cfg.Port)
	}
	if maxConns := os.Getenv("JUSTCHAT_MAX_CONNECTIONS"); maxConns != "" {
		cfg.MaxConnections = parseIntValue(maxConns, cfg.MaxConnections)
	}
	if maxSize := os.Getenv("JUSTCHAT_MAX_FRAME_SIZE"); maxSize != "" {
		cfg.MaxFrameSize = parseIntValue(maxSize, cfg.MaxFrameSize)
	}
	if queue := os.Getenv("JUSTCHAT_SEND_QUEUE_SIZE"); queue != "" {
		cfg.SendQueueSize = parseIntValue(queue, cfg.SendQueueSize)
	}
	if timeout := os.Getenv("JUSTCHAT_HANDSHAKE_TIMEOUT"); timeout != "" {
		cfg.HandshakeTimeout = parseDuration(timeout, cfg.HandshakeTimeout)
	}
	if timeout := os.Getenv("JUSTCHAT_WRITE_TIMEOUT"); timeout != "" {
		cfg.WriteTimeout = parseDuration(timeout, cfg.WriteTimeout)
	}
	if timeout := os.Getenv("JUSTCHAT_IDLE_TIMEOUT"); timeout != "" {
		cfg.IdleTimeout = parseDuration(timeout, cfg.IdleTimeout)
	}
	if burst := os.Getenv("JUSTCHAT_RATE_LIMIT_BURST"); burst != "" {
		cfg.RateLimit.Burst = parseIntValue(burst, cfg.RateLimit.Burst)
	}
	if interval := os.Getenv("JUSTCHAT_RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.RateLimit.RefillInterval = parseDuration(interval, cfg.RateLimit.RefillInterval)
	}
	if relay := os.Getenv("JUSTCHAT_RELAY"); relay != "" {
		cfg.DisableRelay = !parseBool(relay, !cfg.DisableRelay)
	}
	if answer := os.Getenv("JUSTCHAT_ANSWER_LIST_REQUESTS"); answer != "" {
		cfg.IgnoreListRequests = !parseBool(answer, !cfg.IgnoreListRequests)
	}
	if addr := os.Getenv("JUSTCHAT_WS_ADDR"); addr != "" {
		cfg.WebSocket.Addr = addr
	}
	if origins := os.Getenv("JUSTCHAT_ALLOWED_ORIGINS"); origins != "" {
		cfg.WebSocket.AllowedOrigins = parseOrigins(origins)
	}
	if level := os.Getenv("JUSTCHAT_LOG_LEVEL"); level != "" {
		cfg.LogLevel = strings.ToLower(level)
	}
	if format := os.Getenv("JUSTCHAT_LOG_FORMAT"); format != "" {
		cfg.LogJSON = strings.EqualFold(format, "json")
	}

	return &cfg
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parsePort(value string, defaultValue int) int {
	if port, err := strconv.Atoi(value); err == nil && port >= 0 && port <= 65535 {
		return port
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

// parseDuration accepts Go durations ("1500ms") or a bare number of seconds.
func parseDuration(value string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(value); err == nil && d >= 0 {
		return d
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}

func parseBool(value string, defaultValue bool) bool {
	if b, err := strconv.ParseBool(value); err == nil {
		return b
	}
	return defaultValue
}
