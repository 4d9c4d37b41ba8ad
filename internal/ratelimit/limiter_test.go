package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finguard/decision-engine/internal/models"
)

type fakeAuditSink struct {
	mu      sync.Mutex
	entries []models.AuditEntry
}

func (f *fakeAuditSink) RecordAudit(_ context.Context, entry *models.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, *entry)
	return nil
}

func TestAdmitWithinBurst(t *testing.T) {
	limiter := NewLimiter(TierFree, nil)
	now := time.Now()

	for i := 0; i < 10; i++ {
		obs := limiter.Admit("src-1", now)
		require.True(t, obs.Allowed, "request %d", i)
	}

	obs := limiter.Admit("src-1", now)
	assert.False(t, obs.Allowed)
	assert.Greater(t, obs.RetryAfter, time.Duration(0))
	assert.Equal(t, 1, obs.Violations)
}

func TestRefillRate(t *testing.T) {
	limiter := NewLimiter(TierFree, nil)
	now := time.Now()

	for i := 0; i < 10; i++ {
		limiter.Admit("src-1", now)
	}
	require.False(t, limiter.Admit("src-1", now).Allowed)

	// Free tier refills at 20/min, one token every 3 seconds.
	obs := limiter.Admit("src-1", now.Add(4*time.Second))
	assert.True(t, obs.Allowed)
}

func TestThreeViolationsEnterBlockWindow(t *testing.T) {
	limiter := NewLimiter(TierFree, nil)
	now := time.Now()

	for i := 0; i < 10; i++ {
		limiter.Admit("src-1", now)
	}
	limiter.Admit("src-1", now)
	limiter.Admit("src-1", now.Add(10*time.Millisecond))
	obs := limiter.Admit("src-1", now.Add(20*time.Millisecond))

	assert.False(t, obs.Allowed)
	assert.True(t, obs.Blocked)
	assert.InDelta(t, float64(5*time.Minute), float64(obs.RetryAfter), float64(time.Second))

	// Still denied while in the window even after refill time passes.
	obs = limiter.Admit("src-1", now.Add(time.Minute))
	assert.False(t, obs.Allowed)
	assert.True(t, obs.Blocked)

	// Window expires.
	obs = limiter.Admit("src-1", now.Add(6*time.Minute))
	assert.True(t, obs.Allowed)
}

func TestResetClearsState(t *testing.T) {
	sink := &fakeAuditSink{}
	limiter := NewLimiter(TierFree, sink)
	now := time.Now()

	for i := 0; i < 13; i++ {
		limiter.Admit("src-1", now)
	}
	require.True(t, limiter.Status("src-1", now).Blocked)

	limiter.Reset("src-1", "analyst@example.com")

	obs := limiter.Admit("src-1", now)
	assert.True(t, obs.Allowed)
	assert.Equal(t, 0, obs.Violations)

	require.Len(t, sink.entries, 1)
	assert.Equal(t, models.AuditActionResetSource, sink.entries[0].Action)
	assert.Equal(t, "analyst@example.com", sink.entries[0].Actor)
}

func TestSetTierChangesCapacity(t *testing.T) {
	sink := &fakeAuditSink{}
	limiter := NewLimiter(TierFree, sink)
	now := time.Now()

	limiter.SetTier("src-1", TierPremium, "analyst@example.com")

	allowed := 0
	for i := 0; i < 150; i++ {
		if limiter.Admit("src-1", now).Allowed {
			allowed++
		}
	}
	assert.Equal(t, 100, allowed)

	require.Len(t, sink.entries, 1)
	assert.Equal(t, models.AuditActionSetTier, sink.entries[0].Action)
}

func TestUnlimitedBypasses(t *testing.T) {
	limiter := NewLimiter(TierUnlimited, nil)
	now := time.Now()

	for i := 0; i < 5000; i++ {
		require.True(t, limiter.Admit("src-1", now).Allowed)
	}
}

func TestIndefiniteBlockUntilUnblock(t *testing.T) {
	limiter := NewLimiter(TierFree, nil)
	now := time.Now()

	limiter.Block("src-1", time.Time{})

	obs := limiter.Admit("src-1", now.Add(24*time.Hour))
	assert.False(t, obs.Allowed)
	assert.True(t, obs.Blocked)

	limiter.Unblock("src-1")
	assert.True(t, limiter.Admit("src-1", now.Add(24*time.Hour)).Allowed)
}

func TestParseTier(t *testing.T) {
	tier, err := ParseTier("Premium")
	require.NoError(t, err)
	assert.Equal(t, TierPremium, tier)

	_, err = ParseTier("platinum")
	assert.Error(t, err)
}
