// Package keypool manages a provider's set of API keys with rotation and
// per-key rate-limit cooldowns. A Pool is shared by every concurrent request
// to its provider and is safe for concurrent use.
package keypool

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

// Strategy selects which key a Pool returns next.
type Strategy string

const (
	// StrategyRoundRobin rotates through keys sequentially.
	StrategyRoundRobin Strategy = "round_robin"

	// StrategyLeastRecentlyUsed returns the key idle the longest.
	StrategyLeastRecentlyUsed Strategy = "least_recently_used"

	// StrategyRandom draws uniformly among available keys.
	StrategyRandom Strategy = "random"
)

// APIKey is a single credential with usage tracking. Usage counters are
// atomic; the cooldown deadline is a read-modify-write against a nullable
// deadline, so it sits behind a lock.
type APIKey struct {
	value string

	mu            sync.RWMutex
	cooldownUntil time.Time

	requests atomic.Uint64
	lastUsed atomic.Int64 // unix nanos
}

func newAPIKey(value string) *APIKey {
	return &APIKey{value: value}
}

// Value returns the secret.
func (k *APIKey) Value() string {
	return k.value
}

// RateLimited reports whether the key is inside a cooldown window.
func (k *APIKey) RateLimited() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return !k.cooldownUntil.IsZero() && time.Now().Before(k.cooldownUntil)
}

// CooldownRemaining returns the time left on the cooldown, or zero.
func (k *APIKey) CooldownRemaining() time.Duration {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.cooldownUntil.IsZero() {
		return 0
	}
	if remaining := time.Until(k.cooldownUntil); remaining > 0 {
		return remaining
	}
	return 0
}

// MarkRateLimited puts the key on cooldown for d.
func (k *APIKey) MarkRateLimited(d time.Duration) {
	k.mu.Lock()
	k.cooldownUntil = time.Now().Add(d)
	k.mu.Unlock()
}

// ClearRateLimit lifts the cooldown.
func (k *APIKey) ClearRateLimit() {
	k.mu.Lock()
	k.cooldownUntil = time.Time{}
	k.mu.Unlock()
}

// RecordUsage bumps the request counter and last-used timestamp. Selection
// never records usage itself; only the caller knows whether the subsequent
// call succeeded.
func (k *APIKey) RecordUsage() {
	k.requests.Add(1)
	k.lastUsed.Store(time.Now().UnixNano())
}

// Requests returns the total number of recorded usages.
func (k *APIKey) Requests() uint64 {
	return k.requests.Load()
}

// LastUsed returns the unix-nano timestamp of the last recorded usage.
func (k *APIKey) LastUsed() int64 {
	return k.lastUsed.Load()
}

// Pool is an ordered set of API keys for one provider.
type Pool struct {
	provider string
	keys     []*APIKey
	strategy Strategy
	cursor   atomic.Uint64

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New builds a pool from raw key values. The key order is preserved for
// round-robin rotation.
func New(provider string, keys []string, strategy Strategy) *Pool {
	p := &Pool{
		provider: provider,
		strategy: strategy,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, k := range keys {
		p.keys = append(p.keys, newAPIKey(k))
	}
	return p
}

// SetRand swaps the randomness source used by StrategyRandom. Tests inject a
// seeded source for determinism.
func (p *Pool) SetRand(rng *rand.Rand) {
	p.rngMu.Lock()
	p.rng = rng
	p.rngMu.Unlock()
}

// Provider returns the provider this pool belongs to.
func (p *Pool) Provider() string {
	return p.provider
}

// Len returns the number of keys in the pool.
func (p *Pool) Len() int {
	return len(p.keys)
}

// Get returns the next key under the pool's rotation strategy. It never
// returns nil while the pool is non-empty: when every key is cooling down it
// falls back to the one whose cooldown expires soonest. An empty pool
// returns nil, which callers surface as "no keys configured".
func (p *Pool) Get() *APIKey {
	if len(p.keys) == 0 {
		return nil
	}

	switch p.strategy {
	case StrategyLeastRecentlyUsed:
		return p.getLRU()
	case StrategyRandom:
		return p.getRandom()
	default:
		return p.getRoundRobin()
	}
}

func (p *Pool) getRoundRobin() *APIKey {
	n := uint64(len(p.keys))
	for attempts := uint64(0); attempts < n; attempts++ {
		idx := (p.cursor.Add(1) - 1) % n
		key := p.keys[idx]
		if !key.RateLimited() {
			return key
		}
	}
	return p.soonestAvailable()
}

func (p *Pool) getLRU() *APIKey {
	var best *APIKey
	for _, k := range p.keys {
		if k.RateLimited() {
			continue
		}
		if best == nil || k.LastUsed() < best.LastUsed() {
			best = k
		}
	}
	if best == nil {
		return p.soonestAvailable()
	}
	return best
}

func (p *Pool) getRandom() *APIKey {
	available := make([]*APIKey, 0, len(p.keys))
	for _, k := range p.keys {
		if !k.RateLimited() {
			available = append(available, k)
		}
	}
	if len(available) == 0 {
		return p.soonestAvailable()
	}

	p.rngMu.Lock()
	idx := p.rng.Intn(len(available))
	p.rngMu.Unlock()
	return available[idx]
}

func (p *Pool) soonestAvailable() *APIKey {
	var best *APIKey
	var bestRemaining time.Duration
	for _, k := range p.keys {
		remaining := k.CooldownRemaining()
		if best == nil || remaining < bestRemaining {
			best = k
			bestRemaining = remaining
		}
	}
	return best
}

// MarkRateLimited cools down the key with the given value, if present.
func (p *Pool) MarkRateLimited(value string, d time.Duration) {
	for _, k := range p.keys {
		if k.value == value {
			k.MarkRateLimited(d)
			return
		}
	}
}

// AllRateLimited reports whether every key is cooling down.
func (p *Pool) AllRateLimited() bool {
	for _, k := range p.keys {
		if !k.RateLimited() {
			return false
		}
	}
	return len(p.keys) > 0
}

// MinWait returns the shortest remaining cooldown among cooled-down keys.
// ok is false when no key is cooling down.
func (p *Pool) MinWait() (time.Duration, bool) {
	var min time.Duration
	found := false
	for _, k := range p.keys {
		remaining := k.CooldownRemaining()
		if remaining <= 0 {
			continue
		}
		if !found || remaining < min {
			min = remaining
			found = true
		}
	}
	return min, found
}

// Stats summarizes pool health.
type Stats struct {
	TotalKeys       int
	AvailableKeys   int
	RateLimitedKeys int
	TotalRequests   uint64
}

// Stats returns a point-in-time summary of the pool.
func (p *Pool) Stats() Stats {
	s := Stats{TotalKeys: len(p.keys)}
	for _, k := range p.keys {
		if k.RateLimited() {
			s.RateLimitedKeys++
		}
		s.TotalRequests += k.Requests()
	}
	s.AvailableKeys = s.TotalKeys - s.RateLimitedKeys
	return s
}
