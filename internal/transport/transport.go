// Package transport issues HTTP calls to providers with exponential backoff
// on transient failure, rate-limit awareness, and bearer credential
// injection. It classifies every outcome as success, retryable, rate-limited,
// or fatal.
package transport

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/blueberrycongee/llmrelay/internal/metrics"
	"github.com/blueberrycongee/llmrelay/internal/ratelimit"
	"github.com/blueberrycongee/llmrelay/pkg/errors"
)

// bodySnippetLimit caps how much of a response body is echoed in errors.
const bodySnippetLimit = 500

// Config controls retry timing. These are configuration, not
// runtime-computed: the ceiling and cap come from the caller.
type Config struct {
	// MaxRetries bounds retries per call for transient and rate-limit
	// failures.
	MaxRetries int

	// InitialBackoff is the first retry delay; doubled per attempt.
	InitialBackoff time.Duration

	// MaxBackoff caps the per-attempt delay.
	MaxBackoff time.Duration

	// MaxElapsed abandons retrying once total elapsed time would exceed it.
	MaxElapsed time.Duration
}

// DefaultConfig mirrors the timing the engine ships with.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		MaxElapsed:     120 * time.Second,
	}
}

// Transport is a retrying HTTP sender shared by all requests. It is safe for
// concurrent use; waits affect only the calling request.
type Transport struct {
	client  *http.Client
	tracker *ratelimit.Tracker
	cfg     Config

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter
}

// New creates a Transport. A nil client gets sensible connection pooling and
// a five minute overall timeout for long completions.
func New(client *http.Client, tracker *ratelimit.Tracker, cfg Config) *Transport {
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
			Timeout: 5 * time.Minute,
		}
	}
	return &Transport{
		client:   client,
		tracker:  tracker,
		cfg:      cfg,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Tracker exposes the rate limit tracker the transport consults.
func (t *Transport) Tracker() *ratelimit.Tracker {
	return t.tracker
}

// SetRPM installs a local requests-per-minute limiter for a provider, for
// configs that declare a quota up front instead of relying on headers.
func (t *Transport) SetRPM(provider string, rpm int) {
	if rpm <= 0 {
		return
	}
	t.limMu.Lock()
	t.limiters[provider] = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm)
	t.limMu.Unlock()
}

func (t *Transport) limiter(provider string) *rate.Limiter {
	t.limMu.Lock()
	defer t.limMu.Unlock()
	return t.limiters[provider]
}

// Post sends a JSON body and returns the raw response payload on success.
// Transient failures and rate-limit signals are retried up to
// cfg.MaxRetries; 401/403 and response statuses outside those classes fail
// immediately.
func (t *Transport) Post(
	ctx context.Context,
	url string,
	body []byte,
	apiKey string,
	extraHeaders map[string]string,
	provider string,
	names ratelimit.HeaderNames,
) ([]byte, error) {
	bo := t.newBackoff()
	retries := 0

	for {
		if err := t.preSendWait(ctx, provider); err != nil {
			return nil, err
		}

		resp, err := t.send(ctx, url, body, apiKey, extraHeaders)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			retries++
			metrics.RetriesTotal.WithLabelValues(provider, "transport").Inc()
			if retries > t.cfg.MaxRetries {
				return nil, mapTransportError(provider, err)
			}
			if waitErr := t.backoffWait(ctx, bo, provider, err); waitErr != nil {
				return nil, waitErr
			}
			continue
		}

		t.tracker.RecordResponse(provider, resp.Header, names)

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			payload, readErr := io.ReadAll(resp.Body)
			resp.Body.Close()
			if readErr != nil {
				return nil, errors.NewResponseError(provider, fmt.Sprintf("read body: %v", readErr))
			}
			return payload, nil
		}

		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if ratelimit.IsRateLimitSignal(resp.StatusCode, respBody) {
			d := t.tracker.RecordRateLimitError(provider, resp.Header, names)
			metrics.RateLimitHits.WithLabelValues(provider).Inc()
			retries++
			if retries > t.cfg.MaxRetries {
				return nil, errors.NewRateLimitError(provider, d)
			}
			metrics.RetriesTotal.WithLabelValues(provider, "rate_limit").Inc()
			// The recorded deadline governs the next pre-send wait; the
			// backoff here just spaces out the resend.
			if waitErr := t.backoffWait(ctx, bo, provider, nil); waitErr != nil {
				return nil, waitErr
			}
			continue
		}

		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return nil, errors.NewAuthenticationError(provider, snippet(respBody))
		}

		return nil, errors.NewRequestError(provider, resp.StatusCode,
			fmt.Sprintf("status %d: %s", resp.StatusCode, snippet(respBody)))
	}
}

// PostStream behaves like Post but hands back the live response body on
// success so the caller can consume server-sent events. Rate-limit signals
// are not retried here; the dispatch layer rotates credentials instead.
func (t *Transport) PostStream(
	ctx context.Context,
	url string,
	body []byte,
	apiKey string,
	extraHeaders map[string]string,
	provider string,
	names ratelimit.HeaderNames,
) (io.ReadCloser, error) {
	bo := t.newBackoff()
	retries := 0

	for {
		if err := t.preSendWait(ctx, provider); err != nil {
			return nil, err
		}

		resp, err := t.send(ctx, url, body, apiKey, extraHeaders)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			retries++
			metrics.RetriesTotal.WithLabelValues(provider, "transport").Inc()
			if retries > t.cfg.MaxRetries {
				return nil, mapTransportError(provider, err)
			}
			if waitErr := t.backoffWait(ctx, bo, provider, err); waitErr != nil {
				return nil, waitErr
			}
			continue
		}

		t.tracker.RecordResponse(provider, resp.Header, names)

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp.Body, nil
		}

		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if ratelimit.IsRateLimitSignal(resp.StatusCode, respBody) {
			d := t.tracker.RecordRateLimitError(provider, resp.Header, names)
			metrics.RateLimitHits.WithLabelValues(provider).Inc()
			return nil, errors.NewRateLimitError(provider, d)
		}

		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return nil, errors.NewAuthenticationError(provider, snippet(respBody))
		}

		return nil, errors.NewRequestError(provider, resp.StatusCode,
			fmt.Sprintf("status %d: %s", resp.StatusCode, snippet(respBody)))
	}
}

func (t *Transport) send(
	ctx context.Context,
	url string,
	body []byte,
	apiKey string,
	extraHeaders map[string]string,
) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)
	// Explicit headers win on collision.
	for k, v := range extraHeaders {
		req.Header.Set(k, v)
	}

	return t.client.Do(req)
}

// preSendWait suspends the calling request until the tracker's hint and the
// local quota limiter both allow a send. Only this request waits.
func (t *Transport) preSendWait(ctx context.Context, provider string) error {
	if wait, ok := t.tracker.WaitHint(provider); ok {
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
	if lim := t.limiter(provider); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transport) newBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = t.cfg.InitialBackoff
	bo.MaxInterval = t.cfg.MaxBackoff
	bo.MaxElapsedTime = t.cfg.MaxElapsed
	bo.Multiplier = 2.0
	// Backoff timing stays deterministic given attempt count and config.
	bo.RandomizationFactor = 0
	bo.Reset()
	return bo
}

// backoffWait sleeps for the next backoff interval, or fails when the
// elapsed-time ceiling is hit. cause is the transport error being retried;
// nil means the resend being spaced was a rate-limit retry, so exhaustion
// keeps the rate-limited classification.
func (t *Transport) backoffWait(ctx context.Context, bo *backoff.ExponentialBackOff, provider string, cause error) error {
	wait := bo.NextBackOff()
	if wait == backoff.Stop {
		if cause != nil {
			return mapTransportError(provider, cause)
		}
		return errors.NewRateLimitError(provider, 0)
	}
	return sleep(ctx, wait)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func mapTransportError(provider string, err error) error {
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return errors.NewTimeoutError(provider, err.Error())
	}
	return errors.NewRequestError(provider, 0, err.Error())
}

func snippet(body []byte) string {
	if len(body) > bodySnippetLimit {
		return string(body[:bodySnippetLimit])
	}
	return string(body)
}
