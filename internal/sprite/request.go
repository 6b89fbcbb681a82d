package sprite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"
)

const (
	// maxRetryAfter caps how long a Retry-After reply can park a call.
	maxRetryAfter = 30 * time.Second

	maxReplyBytes = 1 << 20
)

// APIError is a non-2xx reply from the sprite control plane.
type APIError struct {
	StatusCode int
	Code       string // Machine-readable code from the error body, if any
	Message    string
	RetryAfter time.Duration // Zero unless the reply carried Retry-After
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("sprite control plane: %d %s (%s)", e.StatusCode, e.Message, e.Code)
	}
	return fmt.Sprintf("sprite control plane: %d %s", e.StatusCode, e.Message)
}

// IsRetryable reports whether the same call may succeed later. Throttling
// and server errors qualify, as does any reply that set Retry-After.
func (e *APIError) IsRetryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500 || e.RetryAfter > 0
}

// call sends a control plane request, retrying transient failures, and
// decodes the JSON reply into out when out is non-nil.
func (c *Client) call(ctx context.Context, method, path string, out any) error {
	attempt := 0
	for {
		body, err := c.send(ctx, method, path)
		if err == nil {
			if out == nil {
				return nil
			}
			if err := json.Unmarshal(body, out); err != nil {
				return fmt.Errorf("decode %s %s: %w", method, path, err)
			}
			return nil
		}

		wait, retry := c.retryWait(attempt, err)
		if !retry || attempt >= c.maxRetries || ctx.Err() != nil {
			if attempt > 0 {
				return fmt.Errorf("%s %s failed after %d attempts: %w", method, path, attempt+1, err)
			}
			return err
		}
		attempt++

		c.logger.Debug("sprite control plane call failed, retrying",
			"method", method,
			"path", path,
			"attempt", attempt,
			"wait", wait,
			"error", err,
		)

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// retryWait returns how long to wait after a failed attempt and whether a
// retry is worthwhile. Network failures are retried along with retryable
// API errors; a Retry-After from the control plane overrides the backoff.
func (c *Client) retryWait(attempt int, err error) (time.Duration, bool) {
	var apiErr *APIError
	switch {
	case errors.As(err, &apiErr):
		if !apiErr.IsRetryable() {
			return 0, false
		}
		if apiErr.RetryAfter > 0 {
			return min(apiErr.RetryAfter, maxRetryAfter), true
		}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return 0, false
	}

	// Half fixed, half random
	d := c.retryBackoff << attempt
	return d/2 + rand.N(d/2+1), true
}

// send performs one request and returns the body of a 2xx reply.
func (c *Client) send(ctx context.Context, method, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s %s: %w", method, path, err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, newAPIError(resp, body)
	}
	return body, nil
}

// newAPIError builds an APIError from a reply of the form
// {"error": "...", "code": "..."}. Other bodies keep the status text.
func newAPIError(resp *http.Response, body []byte) *APIError {
	e := &APIError{
		StatusCode: resp.StatusCode,
		Message:    http.StatusText(resp.StatusCode),
	}

	var reply struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if json.Unmarshal(body, &reply) == nil {
		if reply.Error != "" {
			e.Message = reply.Error
		}
		e.Code = reply.Code
	}

	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		e.RetryAfter = time.Duration(secs) * time.Second
	}
	return e
}
