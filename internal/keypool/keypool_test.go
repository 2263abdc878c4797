package keypool

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRoundRobin_VisitsEveryKeyOnce(t *testing.T) {
	pool := New("openai", []string{"k1", "k2", "k3"}, StrategyRoundRobin)

	seen := make(map[string]int)
	for i := 0; i < 3; i++ {
		seen[pool.Get().Value()]++
	}
	require.Len(t, seen, 3)
	for key, count := range seen {
		require.Equal(t, 1, count, "key %s", key)
	}

	// Second cycle repeats in the same order.
	require.Equal(t, "k1", pool.Get().Value())
	require.Equal(t, "k2", pool.Get().Value())
}

func TestRoundRobin_SkipsCooledDownKeys(t *testing.T) {
	pool := New("openai", []string{"k1", "k2", "k3"}, StrategyRoundRobin)
	pool.MarkRateLimited("k2", time.Minute)

	for i := 0; i < 4; i++ {
		key := pool.Get()
		require.NotNil(t, key)
		require.NotEqual(t, "k2", key.Value())
	}
}

func TestGet_AllCooledReturnsSoonestExpiring(t *testing.T) {
	pool := New("openai", []string{"k1", "k2", "k3"}, StrategyRoundRobin)
	pool.MarkRateLimited("k1", 3*time.Minute)
	pool.MarkRateLimited("k2", time.Minute)
	pool.MarkRateLimited("k3", 2*time.Minute)

	require.True(t, pool.AllRateLimited())

	key := pool.Get()
	require.NotNil(t, key)
	require.Equal(t, "k2", key.Value())
}

func TestGet_EmptyPool(t *testing.T) {
	pool := New("openai", nil, StrategyRoundRobin)
	require.Nil(t, pool.Get())
	require.False(t, pool.AllRateLimited())
}

func TestLRU_PicksLeastRecentlyUsed(t *testing.T) {
	pool := New("openai", []string{"k1", "k2", "k3"}, StrategyLeastRecentlyUsed)

	// Never-used keys sort first; touch two of them.
	for _, k := range pool.keys[:2] {
		k.RecordUsage()
	}
	require.Equal(t, "k3", pool.Get().Value())

	pool.keys[2].RecordUsage()
	pool.keys[0].RecordUsage()
	require.Equal(t, "k2", pool.Get().Value())
}

func TestRandom_UniformOverAvailable(t *testing.T) {
	pool := New("openai", []string{"k1", "k2", "k3"}, StrategyRandom)
	pool.SetRand(rand.New(rand.NewSource(1)))
	pool.MarkRateLimited("k3", time.Minute)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		key := pool.Get()
		require.NotEqual(t, "k3", key.Value())
		seen[key.Value()] = true
	}
	require.True(t, seen["k1"])
	require.True(t, seen["k2"])
}

func TestCooldownExpires(t *testing.T) {
	key := newAPIKey("k1")
	key.MarkRateLimited(10 * time.Millisecond)
	require.True(t, key.RateLimited())

	time.Sleep(20 * time.Millisecond)
	require.False(t, key.RateLimited())
	require.Zero(t, key.CooldownRemaining())
}

func TestClearRateLimit(t *testing.T) {
	pool := New("openai", []string{"k1"}, StrategyRoundRobin)
	pool.MarkRateLimited("k1", time.Hour)
	require.True(t, pool.AllRateLimited())

	pool.keys[0].ClearRateLimit()
	require.False(t, pool.AllRateLimited())
}

func TestMinWait(t *testing.T) {
	pool := New("openai", []string{"k1", "k2"}, StrategyRoundRobin)

	_, ok := pool.MinWait()
	require.False(t, ok)

	pool.MarkRateLimited("k1", time.Hour)
	pool.MarkRateLimited("k2", time.Minute)

	wait, ok := pool.MinWait()
	require.True(t, ok)
	require.LessOrEqual(t, wait, time.Minute)
	require.Greater(t, wait, 50*time.Second)
}

func TestStats(t *testing.T) {
	pool := New("openai", []string{"k1", "k2", "k3"}, StrategyRoundRobin)
	pool.MarkRateLimited("k3", time.Minute)
	pool.keys[0].RecordUsage()
	pool.keys[0].RecordUsage()
	pool.keys[1].RecordUsage()

	s := pool.Stats()
	require.Equal(t, 3, s.TotalKeys)
	require.Equal(t, 2, s.AvailableKeys)
	require.Equal(t, 1, s.RateLimitedKeys)
	require.Equal(t, uint64(3), s.TotalRequests)
}
