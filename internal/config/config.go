// Package config loads and validates the control plane's configuration
// from environment variables and an optional YAML file, adapted from
// the teacher's internal/config.Config (struct + gopkg.in/yaml.v3) and
// generalized to the env vars enumerated in spec.md section 6.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Env is the deployment environment, mirroring NODE_ENV in spec.md.
type Env string

const (
	EnvDevelopment Env = "development"
	EnvTest        Env = "test"
	EnvProduction  Env = "production"
)

// SessionStoreType selects the SessionStore backend.
type SessionStoreType string

const (
	SessionStoreMemory SessionStoreType = "memory"
	SessionStoreRemote SessionStoreType = "remote"
)

// MCPTransport selects how the JSON-RPC tool protocol adapter listens.
type MCPTransport string

const (
	MCPTransportStdio MCPTransport = "stdio"
	MCPTransportHTTP  MCPTransport = "http"
)

// Config is the fully resolved, validated runtime configuration.
type Config struct {
	Env Env `yaml:"env"`

	JWTSecret     string `yaml:"-"`
	SessionSecret string `yaml:"-"`

	TLSEnabled  bool   `yaml:"tls_enabled"`
	TLSCertPath string `yaml:"tls_cert_path"`
	TLSKeyPath  string `yaml:"tls_key_path"`
	CORSOrigin  string `yaml:"cors_origin"`

	SessionStoreType       SessionStoreType `yaml:"session_store_type"`
	SessionTimeout         time.Duration    `yaml:"session_timeout"`
	SessionCleanupInterval time.Duration    `yaml:"session_cleanup_interval"`
	RedisURL               string           `yaml:"-"`

	WSEnabled           bool          `yaml:"ws_enabled"`
	WSPath              string        `yaml:"ws_path"`
	WSHeartbeatInterval time.Duration `yaml:"ws_heartbeat_interval"`
	WSMaxPayloadBytes   int64         `yaml:"ws_max_payload_bytes"`

	BrowserPoolMaxSize int           `yaml:"browser_pool_max_size"`
	BrowserPoolMinSize int           `yaml:"browser_pool_min_size"`
	BrowserIdleTimeout time.Duration `yaml:"browser_idle_timeout"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	AuditLogEnabled bool   `yaml:"audit_log_enabled"`
	AuditLogPath    string `yaml:"audit_log_path"`

	MCPTransport MCPTransport `yaml:"mcp_transport"`

	RESTAddr string `yaml:"rest_addr"`
	GRPCAddr string `yaml:"grpc_addr"`

	MaxRequestsPerMinute int `yaml:"max_requests_per_minute"`
}

// Defaults returns the baseline configuration before env/file overlays
// are applied.
func Defaults() Config {
	return Config{
		Env:                    EnvDevelopment,
		SessionStoreType:       SessionStoreMemory,
		SessionTimeout:         30 * time.Minute,
		SessionCleanupInterval: time.Minute,
		WSEnabled:              true,
		WSPath:                 "/ws",
		WSHeartbeatInterval:    30 * time.Second,
		WSMaxPayloadBytes:      1 << 20,
		BrowserPoolMaxSize:     10,
		BrowserPoolMinSize:     2,
		BrowserIdleTimeout:     5 * time.Minute,
		LogLevel:               "info",
		LogFormat:              "json",
		AuditLogEnabled:        false,
		AuditLogPath:           "./audit",
		MCPTransport:           MCPTransportStdio,
		RESTAddr:               ":8080",
		GRPCAddr:               ":9090",
		MaxRequestsPerMinute:   600,
	}
}

// LoadEnv overlays process environment variables onto cfg. File-based
// config (if any) should be loaded first via LoadFile.
func LoadEnv(cfg Config) Config {
	if v, ok := os.LookupEnv("NODE_ENV"); ok {
		cfg.Env = Env(v)
	}
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	cfg.SessionSecret = os.Getenv("SESSION_SECRET")
	cfg.TLSEnabled = envBool("TLS_ENABLED", cfg.TLSEnabled)
	cfg.TLSCertPath = envString("TLS_CERT_PATH", cfg.TLSCertPath)
	cfg.TLSKeyPath = envString("TLS_KEY_PATH", cfg.TLSKeyPath)
	cfg.CORSOrigin = envString("CORS_ORIGIN", cfg.CORSOrigin)

	if v, ok := os.LookupEnv("SESSION_STORE_TYPE"); ok {
		cfg.SessionStoreType = SessionStoreType(v)
	}
	cfg.SessionTimeout = envDuration("SESSION_TIMEOUT", cfg.SessionTimeout)
	cfg.SessionCleanupInterval = envDuration("SESSION_CLEANUP_INTERVAL", cfg.SessionCleanupInterval)
	cfg.RedisURL = os.Getenv("REDIS_URL")

	cfg.WSEnabled = envBool("WS_ENABLED", cfg.WSEnabled)
	cfg.WSPath = envString("WS_PATH", cfg.WSPath)
	cfg.WSHeartbeatInterval = envDuration("WS_HEARTBEAT_INTERVAL", cfg.WSHeartbeatInterval)
	cfg.WSMaxPayloadBytes = envInt64("WS_MAX_PAYLOAD", cfg.WSMaxPayloadBytes)

	cfg.BrowserPoolMaxSize = envInt("BROWSER_POOL_MAX_SIZE", cfg.BrowserPoolMaxSize)
	cfg.BrowserIdleTimeout = envDuration("BROWSER_IDLE_TIMEOUT", cfg.BrowserIdleTimeout)

	cfg.LogLevel = envString("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envString("LOG_FORMAT", cfg.LogFormat)

	cfg.AuditLogEnabled = envBool("AUDIT_LOG_ENABLED", cfg.AuditLogEnabled)
	cfg.AuditLogPath = envString("AUDIT_LOG_PATH", cfg.AuditLogPath)

	if v, ok := os.LookupEnv("MCP_TRANSPORT"); ok {
		cfg.MCPTransport = MCPTransport(v)
	}

	return cfg
}

// LoadFile overlays a YAML file (if present) onto cfg. A missing file is
// not an error; callers pass an empty path to skip entirely.
func LoadFile(cfg Config, path string) (Config, error) {
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate enforces spec.md section 6's fatal invariants: in production,
// JWT_SECRET and SESSION_SECRET must each be at least 32 characters.
func Validate(cfg Config) error {
	if cfg.Env == EnvProduction {
		if len(cfg.JWTSecret) < 32 {
			return fmt.Errorf("config: JWT_SECRET must be at least 32 characters in production")
		}
		if len(cfg.SessionSecret) < 32 {
			return fmt.Errorf("config: SESSION_SECRET must be at least 32 characters in production")
		}
		if cfg.TLSEnabled && (cfg.TLSCertPath == "" || cfg.TLSKeyPath == "") {
			return fmt.Errorf("config: TLS_CERT_PATH and TLS_KEY_PATH are required when TLS_ENABLED=true")
		}
	}
	if cfg.SessionStoreType != SessionStoreMemory && cfg.SessionStoreType != SessionStoreRemote {
		return fmt.Errorf("config: invalid SESSION_STORE_TYPE %q", cfg.SessionStoreType)
	}
	if cfg.SessionStoreType == SessionStoreRemote && cfg.RedisURL == "" {
		return fmt.Errorf("config: SESSION_STORE_TYPE=remote requires REDIS_URL")
	}
	if cfg.MCPTransport != MCPTransportStdio && cfg.MCPTransport != MCPTransportHTTP {
		return fmt.Errorf("config: invalid MCP_TRANSPORT %q", cfg.MCPTransport)
	}
	if cfg.BrowserPoolMinSize < 0 || cfg.BrowserPoolMaxSize <= 0 || cfg.BrowserPoolMinSize > cfg.BrowserPoolMaxSize {
		return fmt.Errorf("config: invalid browser pool sizing (min=%d max=%d)", cfg.BrowserPoolMinSize, cfg.BrowserPoolMaxSize)
	}
	return nil
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envInt64(key string, def int64) int64 {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return def
}

// IsProduction is a small readability helper used by callers deciding
// whether to include stack traces in error responses.
func (c Config) IsProduction() bool { return c.Env == EnvProduction }

// String renders the config with secrets redacted, for startup logging.
func (c Config) String() string {
	redacted := c
	if redacted.JWTSecret != "" {
		redacted.JWTSecret = strings.Repeat("*", 8)
	}
	if redacted.SessionSecret != "" {
		redacted.SessionSecret = strings.Repeat("*", 8)
	}
	return fmt.Sprintf("%+v", redacted)
}
