package papersources

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/prisma-review-service/internal/domain"
)

// fastClient retries quickly and never waits on the limiter.
func fastClient(maxRetries int) *HTTPClient {
	return NewHTTPClient(HTTPClientConfig{
		RateLimit:  1000,
		BurstSize:  100,
		MaxRetries: maxRetries,
		RetryDelay: time.Millisecond,
	})
}

func get(t *testing.T, c *HTTPClient, url string) (*http.Response, error) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	require.NoError(t, err)
	return c.Do(req)
}

func TestNewHTTPClient_Defaults(t *testing.T) {
	c := NewHTTPClient(HTTPClientConfig{})

	assert.Equal(t, 30*time.Second, c.client.Timeout)
	assert.Equal(t, DefaultUserAgent, c.config.UserAgent)
	assert.Equal(t, 3, c.config.MaxRetries)
	assert.Equal(t, time.Second, c.config.RetryDelay)
	assert.Equal(t, float64(3), c.config.RateLimit)
}

func TestHTTPClient_Do(t *testing.T) {
	t.Run("sets user agent", func(t *testing.T) {
		var agent atomic.Value
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			agent.Store(r.Header.Get("User-Agent"))
			_, _ = w.Write([]byte("ok"))
		}))
		defer server.Close()

		resp, err := get(t, fastClient(1), server.URL)
		require.NoError(t, err)
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, "ok", string(body))
		assert.Equal(t, DefaultUserAgent, agent.Load())
	})

	t.Run("does not retry client errors", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusBadRequest)
		}))
		defer server.Close()

		resp, err := get(t, fastClient(3), server.URL)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("retries 429 and 5xx until success", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch calls.Add(1) {
			case 1:
				w.WriteHeader(http.StatusTooManyRequests)
			case 2:
				w.WriteHeader(http.StatusBadGateway)
			default:
				w.WriteHeader(http.StatusOK)
			}
		}))
		defer server.Close()

		resp, err := get(t, fastClient(3), server.URL)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer server.Close()

		_, err := get(t, fastClient(2), server.URL)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "giving up after 3 attempts")
		assert.Contains(t, err.Error(), "503")
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("exhausted 429 retries report a rate limit", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer server.Close()

		c := NewHTTPClient(HTTPClientConfig{
			RateLimit:  1000,
			BurstSize:  10,
			MaxRetries: 1,
			RetryDelay: time.Millisecond,
			Source:     "pubmed",
		})
		_, err := get(t, c, server.URL)
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrRateLimited)
		assert.Equal(t, int32(2), calls.Load())

		var rle *domain.RateLimitError
		require.ErrorAs(t, err, &rle)
		assert.Equal(t, "pubmed", rle.Source)
		assert.Equal(t, time.Millisecond, rle.RetryAfter)
	})

	t.Run("replays request bodies", func(t *testing.T) {
		var (
			mu     sync.Mutex
			bodies []string
		)
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			b, _ := io.ReadAll(r.Body)
			mu.Lock()
			bodies = append(bodies, string(b))
			n := len(bodies)
			mu.Unlock()
			if n == 1 {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, server.URL, strings.NewReader("id=1,2"))
		require.NoError(t, err)

		resp, err := fastClient(2).Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []string{"id=1,2", "id=1,2"}, bodies)
	})

	t.Run("stops when the context is cancelled", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer server.Close()

		c := NewHTTPClient(HTTPClientConfig{RateLimit: 1000, BurstSize: 10, MaxRetries: 5, RetryDelay: time.Hour})
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL, nil)
		require.NoError(t, err)

		_, err = c.Do(req)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestHTTPClient_retryDelay(t *testing.T) {
	c := NewHTTPClient(HTTPClientConfig{RetryDelay: 2 * time.Second})

	resp := func(retryAfter string) *http.Response {
		h := http.Header{}
		if retryAfter != "" {
			h.Set("Retry-After", retryAfter)
		}
		return &http.Response{Header: h}
	}

	assert.Equal(t, 2*time.Second, c.retryDelay(resp("")))
	assert.Equal(t, 7*time.Second, c.retryDelay(resp("7")))
	assert.Equal(t, 2*time.Second, c.retryDelay(resp("0")))
	assert.Equal(t, 2*time.Second, c.retryDelay(resp("soon")))

	future := time.Now().Add(time.Minute).UTC().Format(http.TimeFormat)
	d := c.retryDelay(resp(future))
	assert.Greater(t, d, 50*time.Second)
	assert.LessOrEqual(t, d, time.Minute)
}

func TestRetryable(t *testing.T) {
	assert.True(t, retryable(http.StatusTooManyRequests))
	assert.True(t, retryable(http.StatusInternalServerError))
	assert.True(t, retryable(599))
	assert.False(t, retryable(http.StatusOK))
	assert.False(t, retryable(http.StatusNotFound))
}
