package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finguard/decision-engine/configs"
	"github.com/finguard/decision-engine/internal/behavior"
	"github.com/finguard/decision-engine/internal/models"
	"github.com/finguard/decision-engine/internal/pipeline"
	"github.com/finguard/decision-engine/internal/profile"
	"github.com/finguard/decision-engine/internal/ratelimit"
	"github.com/finguard/decision-engine/internal/secmon"
	"github.com/finguard/decision-engine/internal/store"
)

type fakeSink struct {
	mu      sync.Mutex
	events  []models.SecurityEvent
	access  []models.APIAccess
	audits  []models.AuditEntry
	blocked []models.BlockedSource
}

func (f *fakeSink) StoreEvent(_ context.Context, event *models.SecurityEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, *event)
	return nil
}

func (f *fakeSink) RecordAccess(_ context.Context, access *models.APIAccess) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.access = append(f.access, *access)
	return nil
}

func (f *fakeSink) RecordAudit(_ context.Context, entry *models.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audits = append(f.audits, *entry)
	return nil
}

func (f *fakeSink) BlockSource(_ context.Context, block *models.BlockedSource) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocked = append(f.blocked, *block)
	return nil
}

func (f *fakeSink) blockedSources() []models.BlockedSource {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.BlockedSource, len(f.blocked))
	copy(out, f.blocked)
	return out
}

// fakeTracker serves a canned session so tests can steer the behavioral
// score without a database.
type fakeTracker struct {
	mu         sync.Mutex
	session    *models.Session
	recordErr  error
	terminated []string
}

func (f *fakeTracker) RecordTransaction(_ context.Context, tx *models.Transaction, _ time.Time) (*models.Session, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.session == nil {
		return nil, false, store.ErrSessionNotFound
	}
	copied := *f.session
	if f.recordErr != nil {
		return &copied, false, f.recordErr
	}
	copied.TransactionCount++
	copied.TotalAmount += tx.Amount
	return &copied, copied.TransactionCount == 1, nil
}

func (f *fakeTracker) ApplyRisk(_ context.Context, session *models.Session, risk int, anomalies []string) error {
	session.RiskScore = risk
	session.Anomalies = anomalies
	return nil
}

func (f *fakeTracker) Terminate(_ context.Context, sessionID, reason, actor string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, sessionID)
	f.session.Terminated = true
	f.session.TerminationReason = reason
	return nil
}

func testPipeline(t *testing.T) *pipeline.Pipeline {
	t.Helper()

	artifact, err := pipeline.LoadModelArtifact("../../artifacts/model.json")
	require.NoError(t, err)
	calibration, err := pipeline.LoadCalibration("../../artifacts/calibration.json")
	require.NoError(t, err)

	profiles := profile.NewRegistry()
	geo := profile.NewGeo()

	return pipeline.NewPipeline(
		profiles,
		pipeline.NewFeatureExtractor(profiles, geo),
		pipeline.NewRulesEngine(pipeline.DefaultRulesDocument(), geo),
		pipeline.NewModelScorer(artifact, calibration),
		pipeline.NewCombiner(configs.PolicyConfig{
			MonitorThreshold: 0.35,
			StepUpThreshold:  0.55,
			ReviewThreshold:  0.75,
			BlockThreshold:   0.90,
			HighAmount:       5000,
			HighAmountScore:  0.70,
		}),
	)
}

type orchFixture struct {
	orch    *Orchestrator
	limiter *ratelimit.Limiter
	sink    *fakeSink
	tracker *fakeTracker
}

func newFixture(t *testing.T, budget time.Duration, queueSize int) *orchFixture {
	t.Helper()

	limiter := ratelimit.NewLimiter(ratelimit.TierFree, nil)
	monitor := secmon.NewMonitor(configs.SecurityConfig{
		EmitCooldown:      60 * time.Second,
		RequestWindowSize: 1000,
	})
	scorer := behavior.NewScorer(configs.SessionConfig{
		UserBaselineAmount:     2500,
		ImpossibleTravelWindow: 2 * time.Hour,
	})
	sink := &fakeSink{}
	tracker := &fakeTracker{}

	return &orchFixture{
		orch:    New(limiter, monitor, testPipeline(t), tracker, scorer, sink, nil, budget, queueSize),
		limiter: limiter,
		sink:    sink,
		tracker: tracker,
	}
}

func testEnvelope(source string) secmon.Request {
	return secmon.Request{
		Source:    source,
		Endpoint:  "/v1/decision",
		Method:    "POST",
		Timestamp: time.Now(),
	}
}

func smallTx(id string) *models.Transaction {
	return &models.Transaction{
		TransactionID: id,
		UserID:        "alice",
		Amount:        45.99,
		Timestamp:     time.Date(2024, 6, 10, 14, 30, 0, 0, time.UTC),
	}
}

func TestHandleDecisionAllowsAndReturnsDecision(t *testing.T) {
	f := newFixture(t, 100*time.Millisecond, 64)

	result, err := f.orch.HandleDecision(context.Background(), testEnvelope("src-1"), smallTx("tx-1"), false)
	require.NoError(t, err)
	assert.Equal(t, models.DecisionAllow, result.Decision.Code)
	assert.GreaterOrEqual(t, result.Decision.LatencyMs, 0.0)
	assert.Nil(t, result.SessionRisk)
}

func TestHandleDecisionRateLimited(t *testing.T) {
	f := newFixture(t, 100*time.Millisecond, 64)
	ctx := context.Background()

	var rateErr *ErrRateLimited
	for i := 0; i < 15; i++ {
		_, err := f.orch.HandleDecision(ctx, testEnvelope("src-1"), smallTx("tx-1"), false)
		if err != nil && errors.As(err, &rateErr) {
			break
		}
		require.NoError(t, err)
	}

	require.NotNil(t, rateErr)
	assert.False(t, rateErr.Observation.Allowed)
	assert.Greater(t, rateErr.Observation.RetryAfter, time.Duration(0))
}

func TestBypassSkipsLimiter(t *testing.T) {
	f := newFixture(t, 100*time.Millisecond, 1024)
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		_, err := f.orch.HandleDecision(ctx, testEnvelope("src-1"), smallTx("tx-1"), true)
		require.NoError(t, err)
	}
}

func TestBudgetExceededDegradesToReview(t *testing.T) {
	f := newFixture(t, 0, 64)

	result, err := f.orch.HandleDecision(context.Background(), testEnvelope("src-1"), smallTx("tx-1"), true)
	require.NoError(t, err)
	assert.Equal(t, models.DecisionReview, result.Decision.Code)
	assert.Contains(t, result.Decision.Reasons, "timeout")
}

func TestCriticalRiskTerminatesSessionAndBlocks(t *testing.T) {
	f := newFixture(t, 100*time.Millisecond, 64)

	// Aggressive session: large amounts, many beneficiaries, high
	// velocity, location change minutes after creation. Four signals at
	// 25+20+20+20 clear the critical threshold regardless of the clock.
	f.tracker.session = &models.Session{
		ID:                  "sess-hot",
		AccountID:           "alice",
		CreatedAt:           time.Now().Add(-5 * time.Minute),
		TransactionCount:    11,
		TotalAmount:         10000,
		NewBeneficiaryCount: 5,
		FirstLocation:       "new_york",
	}

	tx := smallTx("tx-hot")
	tx.SessionID = "sess-hot"
	tx.Amount = 40000
	tx.Location = "tokyo"

	result, err := f.orch.HandleDecision(context.Background(), testEnvelope("src-1"), tx, true)
	require.NoError(t, err)

	assert.Equal(t, models.DecisionBlock, result.Decision.Code)
	assert.Contains(t, result.Decision.Reasons, "session terminated by behavioral risk")
	require.NotNil(t, result.SessionRisk)
	assert.True(t, result.SessionRisk.IsTerminated)
	assert.GreaterOrEqual(t, result.SessionRisk.RiskScore, models.CriticalRiskScore)
	assert.Equal(t, []string{"sess-hot"}, f.tracker.terminated)
}

func TestTerminatedSessionBlocksTransaction(t *testing.T) {
	f := newFixture(t, 100*time.Millisecond, 64)

	f.tracker.session = &models.Session{
		ID:               "sess-dead",
		AccountID:        "alice",
		Terminated:       true,
		TransactionCount: 3,
	}
	f.tracker.recordErr = store.ErrSessionTerminated

	tx := smallTx("tx-dead")
	tx.SessionID = "sess-dead"

	result, err := f.orch.HandleDecision(context.Background(), testEnvelope("src-1"), tx, true)
	require.NoError(t, err)

	assert.Equal(t, models.DecisionBlock, result.Decision.Code)
	assert.Contains(t, result.Decision.Reasons, "session already terminated")
	require.NotNil(t, result.SessionRisk)
	assert.True(t, result.SessionRisk.IsTerminated)
	assert.Empty(t, f.tracker.terminated)
}

func TestCriticalEventBlocksSourceSynchronously(t *testing.T) {
	f := newFixture(t, 100*time.Millisecond, 4096)
	ctx := context.Background()

	// 10 auth failures within the window escalate brute force to
	// critical; the durable block happens on the request path.
	env := testEnvelope("attacker")
	env.AuthFailed = true
	for i := 0; i < 10; i++ {
		env.Timestamp = time.Now()
		_, err := f.orch.HandleDecision(ctx, env, smallTx("tx-bf"), true)
		require.NoError(t, err)
	}

	blocked := f.sink.blockedSources()
	require.Len(t, blocked, 1)
	assert.Equal(t, "attacker", blocked[0].Source)
	assert.True(t, blocked[0].Auto)
	assert.Equal(t, models.LevelCritical, blocked[0].Level)

	obs := f.limiter.Status("attacker", time.Now())
	assert.True(t, obs.Blocked)
}

func TestObserveRequestConfigChangeRaisesAnomaly(t *testing.T) {
	f := newFixture(t, 100*time.Millisecond, 64)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.orch.Run(ctx)

	env := testEnvelope("ops")
	env.Endpoint = "/v1/security/rate-limits/src-1/tier"
	env.ConfigChange = true
	f.orch.ObserveRequest(context.Background(), env)

	require.Eventually(t, func() bool {
		f.sink.mu.Lock()
		defer f.sink.mu.Unlock()
		for _, ev := range f.sink.events {
			if ev.Kind == models.ThreatSystemAnomaly {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestQueueDropsOldestWhenFull(t *testing.T) {
	f := newFixture(t, 100*time.Millisecond, 2)
	ctx := context.Background()

	// No Run loop draining: each decision enqueues at least one access
	// log, so a capacity-2 queue must shed tasks.
	for i := 0; i < 6; i++ {
		_, err := f.orch.HandleDecision(ctx, testEnvelope("src-1"), smallTx("tx-q"), true)
		require.NoError(t, err)
	}

	stats := f.orch.Stats()
	assert.Equal(t, 2, stats["queue_depth"])
	assert.GreaterOrEqual(t, stats["queue_dropped"].(uint64), uint64(4))
}

func TestRunDrainsQueue(t *testing.T) {
	f := newFixture(t, 100*time.Millisecond, 64)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.orch.Run(ctx)

	_, err := f.orch.HandleDecision(context.Background(), testEnvelope("src-1"), smallTx("tx-1"), false)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		f.sink.mu.Lock()
		defer f.sink.mu.Unlock()
		return len(f.sink.access) == 1
	}, time.Second, 10*time.Millisecond)

	f.sink.mu.Lock()
	defer f.sink.mu.Unlock()
	assert.Equal(t, 200, f.sink.access[0].Status)
	assert.Equal(t, "/v1/decision", f.sink.access[0].Endpoint)
}
