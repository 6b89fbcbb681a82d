package sprite

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

var (
	// ErrNotFound is returned when the control plane does not know a sprite.
	ErrNotFound = errors.New("sprite not found")

	// ErrNotReady is returned when a sprite does not become ready in time.
	ErrNotReady = errors.New("sprite not ready")
)

// Status is the control plane's view of a sprite.
type Status string

const (
	StatusCold     Status = "cold"
	StatusStarting Status = "starting"
	StatusWarm     Status = "warm"
	StatusRunning  Status = "running"
)

// Ready reports whether the sprite accepts connections.
func (s Status) Ready() bool {
	return s == StatusRunning || s == StatusWarm
}

// Info describes one sprite.
type Info struct {
	Name   string `json:"name"`
	Status Status `json:"status"`
	URL    string `json:"url,omitempty"`
}

func spritePath(name string) string {
	return "/v1/sprites/" + url.PathEscape(name)
}

// GetSprite fetches the current status of a sprite. Asking for a cold sprite
// also starts waking it.
func (c *Client) GetSprite(ctx context.Context, name string) (*Info, error) {
	var info Info
	if err := c.call(ctx, http.MethodGet, spritePath(name), &info); err != nil {
		return nil, notFound(name, err)
	}
	if info.Name == "" {
		info.Name = name
	}
	return &info, nil
}

// Restart asks the control plane to restart a sprite.
func (c *Client) Restart(ctx context.Context, name string) error {
	if err := c.call(ctx, http.MethodPost, spritePath(name)+"/restart", nil); err != nil {
		return fmt.Errorf("restart %s: %w", name, notFound(name, err))
	}
	return nil
}

// WaitReady polls the sprite status every interval until it is ready, the
// timeout elapses or ctx is done.
func (c *Client) WaitReady(ctx context.Context, name string, interval, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last Status
	for {
		info, err := c.GetSprite(ctx, name)
		switch {
		case err == nil:
			if info.Status.Ready() {
				return nil
			}
			if info.Status != last {
				c.logger.Debug("waiting for sprite", "sprite", name, "status", info.Status)
				last = info.Status
			}
		case errors.Is(err, ErrNotFound):
			return err
		case ctx.Err() == nil:
			c.logger.Warn("sprite status check failed", "sprite", name, "error", err)
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w: %s last status %q", ErrNotReady, name, last)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func notFound(name string, err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return err
}
