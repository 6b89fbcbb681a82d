package proxy

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rickgao/sprite-bridge/internal/metrics"
)

// ErrBodyTooLarge is returned by the request body reader once the limit is
// passed.
var ErrBodyTooLarge = errors.New("request body too large")

// Route is the gin pattern the handler serves.
const Route = "/v1/proxy/:provider/*path"

const defaultAnthropicVersion = "2023-06-01"

// Provider is one upstream API.
type Provider struct {
	BaseURL string
	KeyEnv  string // Environment variable holding the key
}

// Config holds proxy settings.
type Config struct {
	Token        string // Shared secret sprites present
	MaxBodyBytes int64
	Providers    map[string]Provider
}

// requestHeaders are forwarded upstream. Credentials are never forwarded.
var requestHeaders = []string{
	"Accept",
	"Accept-Encoding",
	"Content-Type",
	"Anthropic-Version",
	"Anthropic-Beta",
	"Openai-Organization",
	"Openai-Project",
	"Openai-Beta",
	"User-Agent",
}

// hopHeaders are never copied from upstream responses.
var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Content-Length":      true,
}

// Handler serves the proxy route.
type Handler struct {
	cfg    Config
	client *http.Client
	getenv func(string) string
	logger *slog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithHTTPClient sets the upstream HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(h *Handler) {
		h.client = hc
	}
}

// WithGetenv overrides how provider keys are read.
func WithGetenv(fn func(string) string) Option {
	return func(h *Handler) {
		h.getenv = fn
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// New creates a proxy handler.
func New(cfg Config, opts ...Option) *Handler {
	h := &Handler{
		cfg: cfg,
		// No client timeout: streamed completions can run for minutes
		client: &http.Client{},
		getenv: os.Getenv,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts the handler on r.
func (h *Handler) Register(r gin.IRoutes) {
	r.Any(Route, h.Serve)
}

// Serve proxies one request.
func (h *Handler) Serve(c *gin.Context) {
	name := c.Param("provider")
	timer := metrics.NewTimer()
	defer func() {
		metrics.ProxyRequestsTotal.WithLabelValues(name, strconv.Itoa(c.Writer.Status())).Inc()
		timer.ObserveDuration(metrics.ProxyRequestDuration.WithLabelValues(name))
	}()

	if !h.authorized(c.Request) {
		fail(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	provider, ok := h.cfg.Providers[name]
	if !ok {
		fail(c, http.StatusNotFound, fmt.Sprintf("unknown provider %q", name))
		return
	}

	key := h.getenv(provider.KeyEnv)
	if key == "" {
		fail(c, http.StatusServiceUnavailable, fmt.Sprintf("%s is not configured on the bridge", provider.KeyEnv))
		return
	}

	if h.cfg.MaxBodyBytes > 0 && c.Request.ContentLength > h.cfg.MaxBodyBytes {
		fail(c, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", h.cfg.MaxBodyBytes))
		return
	}

	var body *limitedBody
	var upstreamBody io.Reader
	if c.Request.Body != nil && c.Request.Body != http.NoBody {
		body = &limitedBody{r: c.Request.Body, remaining: h.cfg.MaxBodyBytes, limited: h.cfg.MaxBodyBytes > 0}
		upstreamBody = body
	}

	target := strings.TrimRight(provider.BaseURL, "/") + c.Param("path")
	if q := c.Request.URL.RawQuery; q != "" {
		target += "?" + q
	}

	req, err := http.NewRequestWithContext(c.Request.Context(), c.Request.Method, target, upstreamBody)
	if err != nil {
		fail(c, http.StatusBadGateway, err.Error())
		return
	}
	if upstreamBody != nil {
		req.ContentLength = c.Request.ContentLength
	}
	copyRequestHeaders(req.Header, c.Request.Header)
	setProviderAuth(req.Header, name, key)

	resp, err := h.client.Do(req)
	if err != nil {
		if body != nil && body.exceeded.Load() {
			fail(c, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", h.cfg.MaxBodyBytes))
			return
		}
		h.logger.Warn("upstream request failed", "provider", name, "error", err)
		fail(c, http.StatusBadGateway, err.Error())
		return
	}
	defer resp.Body.Close()

	// The upstream may answer before it has consumed the whole body
	if body != nil && body.exceeded.Load() {
		h.logger.Warn("request body exceeded limit after upstream replied", "provider", name, "upstream_status", resp.StatusCode)
		fail(c, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", h.cfg.MaxBodyBytes))
		return
	}

	for k, vs := range resp.Header {
		if hopHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vs {
			c.Writer.Header().Add(k, v)
		}
	}
	c.Status(resp.StatusCode)

	if isEventStream(resp.Header.Get("Content-Type")) {
		c.Writer.Header().Set("Cache-Control", "no-cache")
		c.Writer.Header().Set("X-Accel-Buffering", "no")
		err = streamEvents(c.Writer, resp.Body)
	} else {
		_, err = io.Copy(c.Writer, resp.Body)
	}
	if err != nil && c.Request.Context().Err() == nil {
		h.logger.Warn("upstream response copy failed", "provider", name, "error", err)
	}

	h.logger.Debug("proxied request",
		"provider", name,
		"method", c.Request.Method,
		"path", c.Param("path"),
		"status", resp.StatusCode,
		"duration", timer.Duration().Round(time.Millisecond),
	)
}

// authorized checks the proxy token in either Authorization: Bearer or
// x-api-key, as SDKs for both providers send one or the other.
func (h *Handler) authorized(r *http.Request) bool {
	if h.cfg.Token == "" {
		return false
	}
	expected := []byte(h.cfg.Token)

	if bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		if subtle.ConstantTimeCompare(expected, []byte(bearer)) == 1 {
			return true
		}
	}
	if key := r.Header.Get("X-Api-Key"); key != "" {
		if subtle.ConstantTimeCompare(expected, []byte(key)) == 1 {
			return true
		}
	}
	return false
}

func copyRequestHeaders(dst, src http.Header) {
	for _, k := range requestHeaders {
		if vs := src.Values(k); len(vs) > 0 {
			dst[k] = append([]string(nil), vs...)
		}
	}
}

func setProviderAuth(h http.Header, provider, key string) {
	if provider == "anthropic" {
		h.Set("X-Api-Key", key)
		if h.Get("Anthropic-Version") == "" {
			h.Set("Anthropic-Version", defaultAnthropicVersion)
		}
		return
	}
	h.Set("Authorization", "Bearer "+key)
}

func isEventStream(contentType string) bool {
	return strings.HasPrefix(strings.TrimSpace(strings.ToLower(contentType)), "text/event-stream")
}

// streamEvents copies src to w, flushing after every read.
func streamEvents(w gin.ResponseWriter, src io.Reader) error {
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			w.Flush()
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func fail(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": message})
}

// limitedBody fails reads once more than remaining bytes have been read.
type limitedBody struct {
	r         io.Reader
	remaining int64
	limited   bool
	exceeded  atomic.Bool
}

func (b *limitedBody) Read(p []byte) (int, error) {
	if !b.limited {
		return b.r.Read(p)
	}
	if int64(len(p)) > b.remaining+1 {
		p = p[:b.remaining+1]
	}
	n, err := b.r.Read(p)
	if int64(n) > b.remaining {
		b.exceeded.Store(true)
		return 0, ErrBodyTooLarge
	}
	b.remaining -= int64(n)
	return n, err
}
