package proxy

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "proxy-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

func env(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func newEngine(cfg Config, getenv func(string) string) *gin.Engine {
	engine := gin.New()
	New(cfg, WithGetenv(getenv)).Register(engine)
	return engine
}

func testConfig(upstream string) Config {
	return Config{
		Token:        testToken,
		MaxBodyBytes: 1 << 20,
		Providers: map[string]Provider{
			"anthropic": {BaseURL: upstream, KeyEnv: "ANTHROPIC_API_KEY"},
			"openai":    {BaseURL: upstream, KeyEnv: "OPENAI_API_KEY"},
		},
	}
}

var keys = env(map[string]string{
	"ANTHROPIC_API_KEY": "sk-ant",
	"OPENAI_API_KEY":    "sk-oa",
})

func errorMessage(t *testing.T, body []byte) string {
	t.Helper()
	var resp struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(body, &resp))
	return resp.Error
}

func TestProxy_Auth(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	engine := newEngine(testConfig(upstream.URL), keys)

	tests := []struct {
		name   string
		header map[string]string
		want   int
	}{
		{"missing token", nil, http.StatusUnauthorized},
		{"wrong bearer", map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized},
		{"wrong api key", map[string]string{"x-api-key": "nope"}, http.StatusUnauthorized},
		{"bearer", map[string]string{"Authorization": "Bearer " + testToken}, http.StatusOK},
		{"api key", map[string]string{"x-api-key": testToken}, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/proxy/openai/v1/models", nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			engine.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestProxy_UnknownProvider(t *testing.T) {
	engine := newEngine(testConfig("http://unused"), keys)

	req := httptest.NewRequest(http.MethodPost, "/v1/proxy/gemini/v1/generate", strings.NewReader("{}"))
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProxy_MissingUpstreamKey(t *testing.T) {
	engine := newEngine(testConfig("http://unused"), env(nil))

	req := httptest.NewRequest(http.MethodPost, "/v1/proxy/anthropic/v1/messages", strings.NewReader("{}"))
	req.Header.Set("x-api-key", testToken)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, errorMessage(t, rec.Body.Bytes()), "ANTHROPIC_API_KEY")
}

func TestProxy_ForwardsWithProviderCredentials(t *testing.T) {
	type seen struct {
		path, query, apiKey, auth, version, body string
	}
	got := make(chan seen, 1)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- seen{
			path:    r.URL.Path,
			query:   r.URL.RawQuery,
			apiKey:  r.Header.Get("X-Api-Key"),
			auth:    r.Header.Get("Authorization"),
			version: r.Header.Get("Anthropic-Version"),
			body:    string(body),
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Request-Id", "req_1")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	engine := newEngine(testConfig(upstream.URL), keys)

	t.Run("anthropic", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/proxy/anthropic/v1/messages?beta=true", strings.NewReader(`{"model":"m"}`))
		req.Header.Set("x-api-key", testToken)
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		engine.ServeHTTP(rec, req)

		require.Equal(t, http.StatusCreated, rec.Code)
		assert.Equal(t, `{"ok":true}`, rec.Body.String())
		assert.Equal(t, "req_1", rec.Header().Get("Request-Id"))

		s := <-got
		assert.Equal(t, "/v1/messages", s.path)
		assert.Equal(t, "beta=true", s.query)
		assert.Equal(t, "sk-ant", s.apiKey)
		assert.Empty(t, s.auth, "proxy token must not reach the provider")
		assert.Equal(t, defaultAnthropicVersion, s.version)
		assert.Equal(t, `{"model":"m"}`, s.body)
	})

	t.Run("openai", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/proxy/openai/v1/chat/completions", strings.NewReader(`{}`))
		req.Header.Set("Authorization", "Bearer "+testToken)
		rec := httptest.NewRecorder()
		engine.ServeHTTP(rec, req)

		require.Equal(t, http.StatusCreated, rec.Code)

		s := <-got
		assert.Equal(t, "/v1/chat/completions", s.path)
		assert.Equal(t, "Bearer sk-oa", s.auth)
		assert.Empty(t, s.apiKey)
	})
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// countingReader yields size zero bytes and records how many were read.
type countingReader struct {
	size int64
	read atomic.Int64
}

func (r *countingReader) Read(p []byte) (int, error) {
	left := r.size - r.read.Load()
	if left <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > left {
		p = p[:left]
	}
	for i := range p {
		p[i] = 'a'
	}
	r.read.Add(int64(len(p)))
	return len(p), nil
}

func TestProxy_BodyLimit(t *testing.T) {
	var upstreamHits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamHits.Add(1)
		n, err := io.Copy(io.Discard, r.Body)
		if err != nil {
			return
		}
		w.Write([]byte(`{"bytes":` + jsonInt(n) + `}`))
	}))
	defer upstream.Close()

	cfg := testConfig(upstream.URL)
	limit := cfg.MaxBodyBytes
	engine := newEngine(cfg, keys)

	t.Run("declared length over limit is rejected before reading", func(t *testing.T) {
		body := bytes.NewReader(make([]byte, limit+1<<20))
		req := httptest.NewRequest(http.MethodPost, "/v1/proxy/openai/v1/files", body)
		req.Header.Set("Authorization", "Bearer "+testToken)
		rec := httptest.NewRecorder()
		engine.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
		assert.Equal(t, int64(limit+1<<20), int64(body.Len()), "body must not be read")
		assert.Equal(t, int32(0), upstreamHits.Load())
	})

	t.Run("streamed body over limit aborts", func(t *testing.T) {
		src := &countingReader{size: limit + 1<<20}
		req := httptest.NewRequest(http.MethodPost, "/v1/proxy/openai/v1/files", src)
		req.Header.Set("Authorization", "Bearer "+testToken)
		rec := httptest.NewRecorder()
		engine.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
		assert.Less(t, src.read.Load(), src.size, "stopped before reading the whole body")
	})

	t.Run("streamed body over limit after upstream replies", func(t *testing.T) {
		upstream := roundTripFunc(func(r *http.Request) (*http.Response, error) {
			// Reads past the limit, then answers without an error
			io.Copy(io.Discard, r.Body)
			return &http.Response{
				StatusCode: http.StatusOK,
				Header:     http.Header{"Content-Type": []string{"application/json"}},
				Body:       io.NopCloser(strings.NewReader(`{"ok":true}`)),
				Request:    r,
			}, nil
		})
		h := New(testConfig("http://upstream.invalid"),
			WithGetenv(keys),
			WithHTTPClient(&http.Client{Transport: upstream}),
		)
		engine := gin.New()
		h.Register(engine)

		src := &countingReader{size: limit + 1<<20}
		req := httptest.NewRequest(http.MethodPost, "/v1/proxy/openai/v1/files", src)
		req.Header.Set("Authorization", "Bearer "+testToken)
		rec := httptest.NewRecorder()
		engine.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
		assert.NotContains(t, rec.Body.String(), `"ok"`)
	})

	t.Run("body under limit passes", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/proxy/openai/v1/files", bytes.NewReader(make([]byte, limit-1)))
		req.Header.Set("Authorization", "Bearer "+testToken)
		rec := httptest.NewRecorder()
		engine.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, `{"bytes":`+jsonInt(limit-1)+`}`, rec.Body.String())
	})
}

func jsonInt(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestProxy_UpstreamUnreachable(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := upstream.URL
	upstream.Close()

	engine := newEngine(testConfig(url), keys)

	req := httptest.NewRequest(http.MethodPost, "/v1/proxy/openai/v1/chat/completions", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.NotEmpty(t, errorMessage(t, rec.Body.Bytes()))
}

func TestProxy_StreamsServerSentEvents(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("data: first\n\n"))
		w.(http.Flusher).Flush()
		<-release
		w.Write([]byte("data: second\n\n"))
	}))
	defer upstream.Close()
	defer func() {
		select {
		case <-release:
		default:
			close(release)
		}
	}()

	bridge := httptest.NewServer(newEngine(testConfig(upstream.URL), keys))
	defer bridge.Close()

	req, err := http.NewRequest(http.MethodPost, bridge.URL+"/v1/proxy/anthropic/v1/messages", strings.NewReader(`{"stream":true}`))
	require.NoError(t, err)
	req.Header.Set("x-api-key", testToken)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// The first event arrives while the upstream is still holding the stream
	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "data: first\n", line)

	close(release)
	rest, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, "\ndata: second\n\n", string(rest))
}

func TestLimitedBody(t *testing.T) {
	b := &limitedBody{r: strings.NewReader("hello world"), remaining: 5, limited: true}
	data, err := io.ReadAll(b)
	assert.ErrorIs(t, err, ErrBodyTooLarge)
	assert.True(t, b.exceeded.Load())
	assert.LessOrEqual(t, len(data), 5)

	b = &limitedBody{r: strings.NewReader("hello"), remaining: 5, limited: true}
	data, err = io.ReadAll(b)
	assert.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.False(t, b.exceeded.Load())
}
