package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/llmrelay/internal/ratelimit"
	"github.com/blueberrycongee/llmrelay/pkg/errors"
)

func testConfig() Config {
	return Config{
		MaxRetries:     2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
		MaxElapsed:     time.Second,
	}
}

func newTestTransport() *Transport {
	return New(nil, ratelimit.NewTracker(0), testConfig())
}

func TestPost_Success(t *testing.T) {
	var gotAuth, gotContentType, gotExtra string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		gotExtra = r.Header.Get("X-Custom")
		w.Header().Set("x-ratelimit-remaining-requests", "12")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tr := newTestTransport()
	payload, err := tr.Post(context.Background(), srv.URL, []byte(`{}`), "sk-test",
		map[string]string{"X-Custom": "yes"}, "openai", ratelimit.HeaderNames{})

	require.NoError(t, err)
	require.Equal(t, `{"ok":true}`, string(payload))
	require.Equal(t, "Bearer sk-test", gotAuth)
	require.Equal(t, "application/json", gotContentType)
	require.Equal(t, "yes", gotExtra)
}

func TestPost_RateLimitThenSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("retry-after", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tr := newTestTransport()
	payload, err := tr.Post(context.Background(), srv.URL, []byte(`{}`), "sk-test",
		nil, "openai", ratelimit.HeaderNames{})

	require.NoError(t, err)
	require.Equal(t, `{"ok":true}`, string(payload))
	require.EqualValues(t, 2, calls.Load())
}

func TestPost_RateLimitBudgetExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("retry-after", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	tr := newTestTransport()
	_, err := tr.Post(context.Background(), srv.URL, []byte(`{}`), "sk-test",
		nil, "openai", ratelimit.HeaderNames{})

	require.Error(t, err)
	require.True(t, errors.IsRateLimit(err))
	// Initial attempt plus MaxRetries resends.
	require.EqualValues(t, 3, calls.Load())
}

func TestPost_RateLimitMarkerInBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"monthly quota exceeded"}`))
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.MaxRetries = 0
	tr := New(nil, ratelimit.NewTracker(0), cfg)
	_, err := tr.Post(context.Background(), srv.URL, []byte(`{}`), "sk-test",
		nil, "openai", ratelimit.HeaderNames{})

	require.Error(t, err)
	require.True(t, errors.IsRateLimit(err))

	e := errors.As(err)
	require.NotNil(t, e)
	require.Equal(t, ratelimit.DefaultRetryAfter, e.RetryAfter)
}

func TestPost_RateLimitElapsedCeilingStaysRateLimited(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("retry-after", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	// The elapsed ceiling trips before the first resend; the surfaced error
	// must still be rate-limited, not a generic request error.
	cfg := Config{
		MaxRetries:     5,
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
		MaxElapsed:     time.Millisecond,
	}
	tr := New(nil, ratelimit.NewTracker(0), cfg)
	_, err := tr.Post(context.Background(), srv.URL, []byte(`{}`), "sk-test",
		nil, "openai", ratelimit.HeaderNames{})

	require.Error(t, err)
	require.True(t, errors.IsRateLimit(err))
	require.EqualValues(t, 1, calls.Load())
}

func TestPost_AuthFailureNoRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"invalid api key"}`))
	}))
	defer srv.Close()

	tr := newTestTransport()
	_, err := tr.Post(context.Background(), srv.URL, []byte(`{}`), "sk-bad",
		nil, "openai", ratelimit.HeaderNames{})

	require.Error(t, err)
	require.True(t, errors.IsType(err, errors.TypeAuthentication))
	require.EqualValues(t, 1, calls.Load())
}

func TestPost_OtherStatusIsFinal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"unknown model"}`))
	}))
	defer srv.Close()

	tr := newTestTransport()
	_, err := tr.Post(context.Background(), srv.URL, []byte(`{}`), "sk-test",
		nil, "openai", ratelimit.HeaderNames{})

	require.Error(t, err)
	require.True(t, errors.IsType(err, errors.TypeRequest))
	e := errors.As(err)
	require.NotNil(t, e)
	require.Equal(t, http.StatusBadRequest, e.StatusCode)
	require.Contains(t, e.Message, "unknown model")
	require.EqualValues(t, 1, calls.Load())
}

// flakyRoundTripper fails the first n attempts at the connection level, then
// delegates.
type flakyRoundTripper struct {
	failures atomic.Int32
	n        int32
	next     http.RoundTripper
}

func (f *flakyRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if f.failures.Add(1) <= f.n {
		return nil, io.ErrUnexpectedEOF
	}
	return f.next.RoundTrip(req)
}

func TestPost_TransientFailureRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	client := &http.Client{Transport: &flakyRoundTripper{n: 2, next: http.DefaultTransport}}
	tr := New(client, ratelimit.NewTracker(0), testConfig())

	payload, err := tr.Post(context.Background(), srv.URL, []byte(`{}`), "sk-test",
		nil, "openai", ratelimit.HeaderNames{})

	require.NoError(t, err)
	require.Equal(t, `{"ok":true}`, string(payload))
}

func TestPost_TransientFailureBudgetExhausted(t *testing.T) {
	client := &http.Client{Transport: &flakyRoundTripper{n: 100, next: http.DefaultTransport}}
	tr := New(client, ratelimit.NewTracker(0), testConfig())

	_, err := tr.Post(context.Background(), "http://unreachable.invalid", []byte(`{}`), "sk-test",
		nil, "openai", ratelimit.HeaderNames{})

	require.Error(t, err)
	require.True(t, errors.IsType(err, errors.TypeRequest))
}

func TestPost_ContextCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server watches the connection and cancels
		// r.Context() when the client gives up; otherwise Close deadlocks.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	tr := newTestTransport()
	_, err := tr.Post(ctx, srv.URL, []byte(`{}`), "sk-test",
		nil, "openai", ratelimit.HeaderNames{})

	require.Error(t, err)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPost_WaitsOnTrackerHint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	tr := newTestTransport()
	h := http.Header{}
	h.Set("retry-after", "50ms")
	tr.Tracker().RecordRateLimitError("openai", h, ratelimit.HeaderNames{})

	start := time.Now()
	_, err := tr.Post(context.Background(), srv.URL, []byte(`{}`), "sk-test",
		nil, "openai", ratelimit.HeaderNames{})

	require.NoError(t, err)
	require.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestSetRPM(t *testing.T) {
	tr := newTestTransport()
	require.Nil(t, tr.limiter("openai"))

	tr.SetRPM("openai", 120)
	lim := tr.limiter("openai")
	require.NotNil(t, lim)
	require.InDelta(t, 2.0, float64(lim.Limit()), 0.001)
	require.Equal(t, 120, lim.Burst())

	tr.SetRPM("groq", 0)
	require.Nil(t, tr.limiter("groq"))
}

func TestPostStream_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: {\"id\":\"c1\"}\n\ndata: [DONE]\n\n"))
	}))
	defer srv.Close()

	tr := newTestTransport()
	body, err := tr.PostStream(context.Background(), srv.URL, []byte(`{}`), "sk-test",
		nil, "openai", ratelimit.HeaderNames{})

	require.NoError(t, err)
	defer body.Close()

	raw, err := io.ReadAll(body)
	require.NoError(t, err)
	require.Contains(t, string(raw), "[DONE]")
}

func TestPostStream_RateLimitNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("retry-after", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	tr := newTestTransport()
	_, err := tr.PostStream(context.Background(), srv.URL, []byte(`{}`), "sk-test",
		nil, "openai", ratelimit.HeaderNames{})

	require.Error(t, err)
	require.True(t, errors.IsRateLimit(err))
	require.EqualValues(t, 1, calls.Load())

	e := errors.As(err)
	require.NotNil(t, e)
	require.Equal(t, 7*time.Second, e.RetryAfter)
}
