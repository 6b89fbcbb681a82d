package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required")
	}
	if len(c.Auth.JWTSecret) < 16 {
		return errors.New("auth.jwt_secret must be at least 16 bytes")
	}

	if c.Sprites.Token == "" {
		return errors.New("sprites.token is required")
	}
	if !strings.HasPrefix(c.Sprites.ProxyURL, "ws://") && !strings.HasPrefix(c.Sprites.ProxyURL, "wss://") {
		return fmt.Errorf("sprites.proxy_url must be a ws:// or wss:// URL, got %q", c.Sprites.ProxyURL)
	}
	if c.Sprites.TargetPort < 1 || c.Sprites.TargetPort > 65535 {
		return fmt.Errorf("sprites.target_port must be between 1 and 65535, got %d", c.Sprites.TargetPort)
	}

	switch c.Directory.Driver {
	case "static":
		if len(c.Directory.Users) == 0 {
			return errors.New("directory.users must not be empty for the static driver")
		}
	case "postgres":
		if err := c.Database.validate("database"); err != nil {
			return err
		}
	default:
		return fmt.Errorf("directory.driver must be static or postgres, got %q", c.Directory.Driver)
	}

	if c.Session.BufferCapacity < 1 {
		return errors.New("session.buffer_capacity must be >= 1")
	}
	if c.Session.MaxAttempts < 1 {
		return errors.New("session.max_attempts must be >= 1")
	}
	if c.Session.RetryDelay > c.Session.MaxRetryDelay {
		return fmt.Errorf("session.retry_delay (%s) cannot exceed max_retry_delay (%s)", c.Session.RetryDelay, c.Session.MaxRetryDelay)
	}

	if c.Proxy.Enabled {
		if c.Proxy.Token == "" {
			return errors.New("proxy.token is required when the proxy is enabled")
		}
		if c.Proxy.MaxBodyBytes < 1 {
			return errors.New("proxy.max_body_bytes must be >= 1")
		}
		for name, p := range c.Proxy.Providers {
			if p.BaseURL == "" {
				return fmt.Errorf("proxy.providers.%s.base_url is required", name)
			}
			if p.KeyEnv == "" {
				return fmt.Errorf("proxy.providers.%s.key_env is required", name)
			}
		}
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
