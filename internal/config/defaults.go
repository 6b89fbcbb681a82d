package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultAddr              = ":8080"
	DefaultShutdownTimeout   = 10 * time.Second
	DefaultBrowserPing       = 30 * time.Second
	DefaultWriteTimeout      = 5 * time.Second
	DefaultIssuer            = "sprite-bridge"
	DefaultTokenTTL          = 12 * time.Hour
	DefaultSpritesAPIURL     = "https://api.sprites.dev"
	DefaultSpritesProxyURL   = "wss://api.sprites.dev"
	DefaultTargetHost        = "localhost"
	DefaultTargetPort        = 8080
	DefaultRequestTimeout    = 30 * time.Second
	DefaultMaxRetries        = 3
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultLinkPingInterval  = 30 * time.Second
	DefaultReadyTimeout      = 60 * time.Second
	DefaultReadyPollInterval = 1 * time.Second
	DefaultDirectoryDriver   = "static"
	DefaultDBPort            = 5432
	DefaultDBSSLMode         = "prefer"
	DefaultMaxConns          = 10
	DefaultMinConns          = 2
	DefaultAuthTimeout       = 10 * time.Second
	DefaultBufferCapacity    = 50
	DefaultBufferTTL         = 60 * time.Second
	DefaultMaxAttempts       = 5
	DefaultRetryDelay        = 1 * time.Second
	DefaultMaxRetryDelay     = 5 * time.Second
	DefaultMaxBodyBytes      = 10 << 20 // 10MB
	DefaultMetricsPath       = "/metrics"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
)

// DefaultProviders are the upstream LLM providers known to the proxy.
func DefaultProviders() map[string]ProviderConfig {
	return map[string]ProviderConfig{
		"anthropic": {BaseURL: "https://api.anthropic.com", KeyEnv: "ANTHROPIC_API_KEY"},
		"openai":    {BaseURL: "https://api.openai.com", KeyEnv: "OPENAI_API_KEY"},
	}
}

// ApplyDefaults fills zero-valued optional fields.
func (c *Config) ApplyDefaults() {
	// Server defaults
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultAddr
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.Server.PingInterval == 0 {
		c.Server.PingInterval = DefaultBrowserPing
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = DefaultWriteTimeout
	}

	// Auth defaults
	if c.Auth.Issuer == "" {
		c.Auth.Issuer = DefaultIssuer
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = DefaultTokenTTL
	}

	// Sprites defaults
	if c.Sprites.APIURL == "" {
		c.Sprites.APIURL = DefaultSpritesAPIURL
	}
	if c.Sprites.ProxyURL == "" {
		c.Sprites.ProxyURL = DefaultSpritesProxyURL
	}
	if c.Sprites.TargetHost == "" {
		c.Sprites.TargetHost = DefaultTargetHost
	}
	if c.Sprites.TargetPort == 0 {
		c.Sprites.TargetPort = DefaultTargetPort
	}
	if c.Sprites.RequestTimeout == 0 {
		c.Sprites.RequestTimeout = DefaultRequestTimeout
	}
	if c.Sprites.MaxRetries == 0 {
		c.Sprites.MaxRetries = DefaultMaxRetries
	}
	if c.Sprites.HandshakeTimeout == 0 {
		c.Sprites.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Sprites.PingInterval == 0 {
		c.Sprites.PingInterval = DefaultLinkPingInterval
	}
	if c.Sprites.ReadyTimeout == 0 {
		c.Sprites.ReadyTimeout = DefaultReadyTimeout
	}
	if c.Sprites.ReadyPollInterval == 0 {
		c.Sprites.ReadyPollInterval = DefaultReadyPollInterval
	}

	// Directory defaults
	if c.Directory.Driver == "" {
		c.Directory.Driver = DefaultDirectoryDriver
	}
	applyDBDefaults(&c.Database)

	// Session defaults
	if c.Session.AuthTimeout == 0 {
		c.Session.AuthTimeout = DefaultAuthTimeout
	}
	if c.Session.BufferCapacity == 0 {
		c.Session.BufferCapacity = DefaultBufferCapacity
	}
	if c.Session.BufferTTL == 0 {
		c.Session.BufferTTL = DefaultBufferTTL
	}
	if c.Session.MaxAttempts == 0 {
		c.Session.MaxAttempts = DefaultMaxAttempts
	}
	if c.Session.RetryDelay == 0 {
		c.Session.RetryDelay = DefaultRetryDelay
	}
	if c.Session.MaxRetryDelay == 0 {
		c.Session.MaxRetryDelay = DefaultMaxRetryDelay
	}

	// Proxy defaults
	if c.Proxy.MaxBodyBytes == 0 {
		c.Proxy.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.Proxy.Providers == nil {
		c.Proxy.Providers = DefaultProviders()
	}

	// Metrics defaults
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
