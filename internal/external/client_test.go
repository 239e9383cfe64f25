package external

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"coursegate/internal/types"

	"github.com/sony/gobreaker/v2"
)

// noopSleep skips retry waits.
func noopSleep(context.Context, time.Duration) error { return nil }

func newTestClient(t *testing.T, policy RetryPolicy, opts ...BaseClientOption) *BaseClient {
	t.Helper()
	opts = append([]BaseClientOption{WithSleepFunc(noopSleep)}, opts...)
	return NewBaseClient(
		&http.Client{Timeout: 5 * time.Second},
		"test-breaker",
		policy,
		"Coursegate-Test/1.0",
		opts...,
	)
}

func TestDo_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer server.Close()

	client := newTestClient(t, DefaultRetryPolicy())

	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, server.URL+"/test", nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != `{"status":"ok"}` {
		t.Errorf("unexpected body: %s", body)
	}
}

func TestDo_InjectsHeaders(t *testing.T) {
	var gotRequestID, gotUA string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRequestID = r.Header.Get("X-Request-Id")
		gotUA = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := newTestClient(t, DefaultRetryPolicy())

	ctx := types.WithRequestID(context.Background(), "req-123")
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, server.URL, nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()

	if gotRequestID != "req-123" {
		t.Errorf("X-Request-Id = %q, want req-123", gotRequestID)
	}
	if gotUA != "Coursegate-Test/1.0" {
		t.Errorf("User-Agent = %q", gotUA)
	}
}

func TestDo_RetriesOn5xxAndReplaysBody(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if string(body) != "payload" {
			t.Errorf("attempt %d got body %q", attempts.Load()+1, body)
		}
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := newTestClient(t, RetryPolicy{MaxRetries: 3, MinWait: time.Millisecond, MaxWait: time.Millisecond})

	req, _ := http.NewRequestWithContext(context.Background(), http.MethodPost, server.URL, strings.NewReader("payload"))
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("expected success after retries, got: %v", err)
	}
	resp.Body.Close()

	if attempts.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts.Load())
	}
}

func TestDo_ExhaustedRetriesMapToUpstreamUnavailable(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := newTestClient(t, RetryPolicy{MaxRetries: 2, MinWait: time.Millisecond, MaxWait: time.Millisecond})

	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, server.URL, nil)
	_, err := client.Do(req)
	if !types.IsCode(err, types.ErrCodeUpstreamUnavailable) {
		t.Fatalf("expected upstream_unavailable, got %v", err)
	}
	if attempts.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts.Load())
	}
}

func TestDo_RateLimitedMapsTo429Code(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := newTestClient(t, RetryPolicy{MaxRetries: 1, MinWait: time.Millisecond, MaxWait: time.Millisecond})

	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, server.URL, nil)
	_, err := client.Do(req)
	if !types.IsCode(err, types.ErrCodeUpstreamRateLimited) {
		t.Fatalf("expected upstream_rate_limited, got %v", err)
	}
}

func TestDo_NonRetryable4xxReturnedAsIs(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	client := newTestClient(t, DefaultRetryPolicy())

	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, server.URL, nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("expected response, got error %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	if attempts.Load() != 1 {
		t.Errorf("4xx must not be retried, got %d attempts", attempts.Load())
	}
}

func TestDo_OpenBreakerFailsFast(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:    "trip-fast",
		Timeout: time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 1
		},
	})
	client := newTestClient(t, RetryPolicy{MaxRetries: 3, MinWait: time.Millisecond, MaxWait: time.Millisecond}, WithBreaker(cb))

	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, server.URL, nil)
	_, err := client.Do(req)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("expected wrapped ErrOpenState, got %v", err)
	}
	if attempts.Load() != 1 {
		t.Errorf("open breaker must stop retries, got %d attempts", attempts.Load())
	}
}

func TestDo_CancelledContextStopsRetrying(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sleeps := 0
	client := newTestClient(t, RetryPolicy{MaxRetries: 5, MinWait: time.Millisecond, MaxWait: time.Millisecond},
		WithSleepFunc(func(ctx context.Context, d time.Duration) error {
			sleeps++
			cancel()
			return ctx.Err()
		}))

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, server.URL, nil)
	_, err := client.Do(req)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled in chain, got %v", err)
	}
	if sleeps != 1 {
		t.Errorf("expected a single sleep before giving up, got %d", sleeps)
	}
}

func TestComputeBackoff_RetryAfterClamped(t *testing.T) {
	client := newTestClient(t, RetryPolicy{MaxRetries: 1, MinWait: 100 * time.Millisecond, MaxWait: 2 * time.Second})

	resp := &http.Response{Header: http.Header{"Retry-After": []string{"30"}}}
	if got := client.computeBackoff(0, resp); got != 2*time.Second {
		t.Errorf("backoff = %v, want clamp to 2s", got)
	}

	for attempt := 0; attempt < 5; attempt++ {
		got := client.computeBackoff(attempt, nil)
		if got < 100*time.Millisecond || got > 2*time.Second {
			t.Errorf("attempt %d backoff %v outside [MinWait, MaxWait]", attempt, got)
		}
	}
}
