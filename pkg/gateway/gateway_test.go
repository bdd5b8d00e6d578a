package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelops/taskforge/pkg/limits"
	"github.com/sentinelops/taskforge/pkg/metrics"
)

func fastLimits(t *testing.T) {
	t.Helper()
	orig := limits.Get()
	t.Cleanup(func() { limits.Set(orig) })

	l := limits.Defaults()
	l.LLMBaseDelay = 5 * time.Millisecond
	l.LLMCallTimeout = 2 * time.Second
	limits.Set(l)
}

func chatOK(content string) string {
	resp := map[string]any{
		"choices": []map[string]any{
			{"message": map[string]string{"role": "assistant", "content": content}},
		},
	}
	b, _ := json.Marshal(resp)
	return string(b)
}

func TestChatSuccess(t *testing.T) {
	fastLimits(t)

	var gotAuth string
	var gotBody chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		fmt.Fprint(w, chatOK("nmap -sV 10.0.0.5"))
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL, APIKey: "sk-test", Model: "test-model"}, metrics.NewCounters())
	out, err := c.Chat(context.Background(), 0.3, []Message{
		{Role: RoleSystem, Content: "you are a planner"},
		{Role: RoleUser, Content: "scan the host"},
	})

	require.NoError(t, err)
	assert.Equal(t, "nmap -sV 10.0.0.5", out)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "test-model", gotBody.Model)
	assert.Equal(t, 0.3, gotBody.Temperature)
	assert.Len(t, gotBody.Messages, 2)
}

func TestChatRetriesRateLimit(t *testing.T) {
	fastLimits(t)

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, chatOK("ok"))
	}))
	defer srv.Close()

	counters := metrics.NewCounters()
	c := New(Config{URL: srv.URL, APIKey: "k", Model: "m"}, counters)

	out, err := c.Chat(context.Background(), 0, []Message{{Role: RoleUser, Content: "go"}})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 2, counters.Get(metrics.LLMRateLimits))
}

func TestChatExhaustsRetries(t *testing.T) {
	fastLimits(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	counters := metrics.NewCounters()
	c := New(Config{URL: srv.URL, APIKey: "k", Model: "m"}, counters)

	_, err := c.Chat(context.Background(), 0, []Message{{Role: RoleUser, Content: "go"}})
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, limits.Get().LLMMaxRetries, counters.Get(metrics.LLMRateLimits))
	assert.Equal(t, 1, counters.Get(metrics.LLMFailures))
}

func TestChatNonRetryableError(t *testing.T) {
	fastLimits(t)

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL, APIKey: "bad", Model: "m"}, metrics.NewCounters())

	_, err := c.Chat(context.Background(), 0, []Message{{Role: RoleUser, Content: "go"}})
	require.Error(t, err)
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusUnauthorized, httpErr.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestChatRetriesServerError(t *testing.T) {
	fastLimits(t)

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, chatOK("ok"))
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL, APIKey: "k", Model: "m"}, metrics.NewCounters())
	out, err := c.Chat(context.Background(), 0, []Message{{Role: RoleUser, Content: "go"}})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
}

func TestChatConcurrencyCap(t *testing.T) {
	fastLimits(t)
	l := limits.Get()
	l.MaxLLMConcurrent = 3
	limits.Set(l)

	var inflight, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inflight.Add(-1)
		fmt.Fprint(w, chatOK("ok"))
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL, APIKey: "k", Model: "m"}, metrics.NewCounters())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Chat(context.Background(), 0, []Message{{Role: RoleUser, Content: "go"}})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestChatCancelledContext(t *testing.T) {
	fastLimits(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Second)
		fmt.Fprint(w, chatOK("ok"))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := New(Config{URL: srv.URL, APIKey: "k", Model: "m"}, metrics.NewCounters())
	_, err := c.Chat(ctx, 0, []Message{{Role: RoleUser, Content: "go"}})
	assert.ErrorIs(t, err, context.Canceled)
}
