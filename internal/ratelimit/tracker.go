// Package ratelimit tracks provider throttling state derived from response
// headers and answers whether the next call should wait. State is created
// lazily per provider and evicted after a period of no traffic so that many
// ephemeral provider names do not grow memory without bound.
package ratelimit

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// DefaultRetryAfter is used when a rate-limit response carries no usable
// retry-after header.
const DefaultRetryAfter = 60 * time.Second

// DefaultStateTTL bounds how long an idle provider's state is kept.
const DefaultStateTTL = 30 * time.Minute

// HeaderNames configures which response headers carry rate-limit info for a
// provider. Zero values fall back to the OpenAI-style defaults.
type HeaderNames struct {
	RetryAfter      string
	Remaining       string
	TokensRemaining string
	Reset           string
}

func (h HeaderNames) retryAfter() string {
	if h.RetryAfter != "" {
		return h.RetryAfter
	}
	return "retry-after"
}

func (h HeaderNames) remaining() string {
	if h.Remaining != "" {
		return h.Remaining
	}
	return "x-ratelimit-remaining-requests"
}

func (h HeaderNames) tokensRemaining() string {
	if h.TokensRemaining != "" {
		return h.TokensRemaining
	}
	return "x-ratelimit-remaining-tokens"
}

func (h HeaderNames) reset() string {
	if h.Reset != "" {
		return h.Reset
	}
	return "x-ratelimit-reset-requests"
}

// State is the rate-limit picture for one provider. All fields are guarded
// by mu; readers take the read lock.
type State struct {
	mu sync.RWMutex

	// RequestsRemaining and TokensRemaining are nil when unknown. Unknown
	// never means unlimited.
	RequestsRemaining *int
	TokensRemaining   *int

	// ResetAt is when the current window ends; zero when unknown.
	ResetAt time.Time

	// RetryAfter is the last duration a provider asked us to wait.
	RetryAfter time.Duration
}

// Tracker holds per-provider State keyed by provider name. Idle entries are
// swept after the configured TTL.
type Tracker struct {
	mu     sync.Mutex
	states *gocache.Cache
}

// NewTracker creates a tracker whose idle provider state expires after ttl.
// ttl <= 0 uses DefaultStateTTL.
func NewTracker(ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	return &Tracker{
		states: gocache.New(ttl, ttl/2),
	}
}

// state returns the State for provider, creating it on first sight. Every
// touch refreshes the eviction TTL.
func (t *Tracker) state(provider string) *State {
	t.mu.Lock()
	defer t.mu.Unlock()

	if v, ok := t.states.Get(provider); ok {
		s := v.(*State)
		t.states.SetDefault(provider, s)
		return s
	}
	s := &State{}
	t.states.SetDefault(provider, s)
	return s
}

// peek returns the State without creating or refreshing it.
func (t *Tracker) peek(provider string) (*State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.states.Get(provider)
	if !ok {
		return nil, false
	}
	return v.(*State), true
}

// RecordResponse folds rate-limit headers from any response into the
// provider's state. Absent or unparseable headers leave prior state
// untouched; stale-but-present beats wrongly reset.
func (t *Tracker) RecordResponse(provider string, header http.Header, names HeaderNames) {
	s := t.state(provider)
	s.mu.Lock()
	defer s.mu.Unlock()

	if v := header.Get(names.remaining()); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			s.RequestsRemaining = &n
		}
	}
	if v := header.Get(names.tokensRemaining()); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			s.TokensRemaining = &n
		}
	}
	if v := header.Get(names.reset()); v != "" {
		if d, ok := ParseDuration(v); ok {
			s.ResetAt = time.Now().Add(d)
		}
	}
}

// RecordRateLimitError folds a throttling response into the provider's state
// and returns the duration to wait. The retry-after header is honored when
// parseable; otherwise DefaultRetryAfter applies. The chosen duration becomes
// both the remembered retry-after and the new reset deadline.
func (t *Tracker) RecordRateLimitError(provider string, header http.Header, names HeaderNames) time.Duration {
	d := DefaultRetryAfter
	if v := header.Get(names.retryAfter()); v != "" {
		if parsed, ok := ParseDuration(v); ok {
			d = parsed
		}
	}

	s := t.state(provider)
	s.mu.Lock()
	s.RetryAfter = d
	s.ResetAt = time.Now().Add(d)
	s.mu.Unlock()

	return d
}

// WaitHint reports how long the next call to provider should wait, if at
// all. The reset deadline is authoritative once known, so repeated calls
// converge on the same instant instead of re-adding delay.
func (t *Tracker) WaitHint(provider string) (time.Duration, bool) {
	s, ok := t.peek(provider)
	if !ok {
		return 0, false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()

	if s.RequestsRemaining != nil && *s.RequestsRemaining == 0 && !s.ResetAt.IsZero() && now.Before(s.ResetAt) {
		return s.ResetAt.Sub(now), true
	}

	if s.RetryAfter > 0 {
		if !s.ResetAt.IsZero() {
			if now.Before(s.ResetAt) {
				return s.ResetAt.Sub(now), true
			}
			return 0, false
		}
		return s.RetryAfter, true
	}

	return 0, false
}

// Clear drops the state for a provider.
func (t *Tracker) Clear(provider string) {
	t.mu.Lock()
	t.states.Delete(provider)
	t.mu.Unlock()
}

// rate-limit markers some providers bury in 400/403 bodies instead of
// returning 429.
var rateLimitMarkers = []string{
	"rate limit",
	"rate_limit",
	"too many requests",
	"quota exceeded",
}

// IsRateLimitSignal reports whether a response indicates throttling: HTTP
// 429 unconditionally, or any status whose body contains a known marker.
func IsRateLimitSignal(statusCode int, body []byte) bool {
	if statusCode == http.StatusTooManyRequests {
		return true
	}
	lower := strings.ToLower(string(body))
	for _, marker := range rateLimitMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
