package config

import "time"

// Config is the root configuration for a bridge instance.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Sprites   SpritesConfig   `yaml:"sprites"`
	Directory DirectoryConfig `yaml:"directory"`
	Database  DBConfig        `yaml:"database"`
	Session   SessionConfig   `yaml:"session"`
	Proxy     ProxyConfig     `yaml:"proxy"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"` // Empty allows any origin
	PingInterval    time.Duration `yaml:"ping_interval"`   // Browser socket keepalive
	WriteTimeout    time.Duration `yaml:"write_timeout"`
}

// AuthConfig holds browser token verification settings.
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	Issuer    string        `yaml:"issuer"`
	TokenTTL  time.Duration `yaml:"token_ttl"` // Lifetime of tokens issued by `bridge token`
}

// SpritesConfig holds the sprite control plane and proxy settings.
type SpritesConfig struct {
	APIURL            string        `yaml:"api_url"`   // REST base, e.g. https://api.sprites.dev
	ProxyURL          string        `yaml:"proxy_url"` // WebSocket base, e.g. wss://api.sprites.dev
	Token             string        `yaml:"token"`
	TargetHost        string        `yaml:"target_host"` // Default in-sprite host
	TargetPort        int           `yaml:"target_port"` // Default in-sprite port
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	PingInterval      time.Duration `yaml:"ping_interval"`
	ReadyTimeout      time.Duration `yaml:"ready_timeout"`
	ReadyPollInterval time.Duration `yaml:"ready_poll_interval"`
}

// DirectoryConfig selects how users are mapped to sprites.
type DirectoryConfig struct {
	Driver string                `yaml:"driver"` // "static" or "postgres"
	Users  map[string]StaticUser `yaml:"users"`  // Used by the static driver
}

// StaticUser is one user entry for the static directory.
type StaticUser struct {
	Sprite string `yaml:"sprite"`
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// SessionConfig holds per-user session and recovery settings.
type SessionConfig struct {
	AuthTimeout    time.Duration `yaml:"auth_timeout"`
	BufferCapacity int           `yaml:"buffer_capacity"`
	BufferTTL      time.Duration `yaml:"buffer_ttl"`
	MaxAttempts    int           `yaml:"max_attempts"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	MaxRetryDelay  time.Duration `yaml:"max_retry_delay"`
}

// ProxyConfig holds the LLM API proxy settings.
type ProxyConfig struct {
	Enabled      bool                      `yaml:"enabled"`
	Token        string                    `yaml:"token"`
	MaxBodyBytes int64                     `yaml:"max_body_bytes"`
	Providers    map[string]ProviderConfig `yaml:"providers"`
}

// ProviderConfig describes one upstream provider.
type ProviderConfig struct {
	BaseURL string `yaml:"base_url"`
	KeyEnv  string `yaml:"key_env"` // Environment variable holding the upstream key
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds slog handler settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}
