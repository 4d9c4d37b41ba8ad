package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/finguard/decision-engine/internal/models"
	"github.com/finguard/decision-engine/internal/profile"
)

func newTestRulesEngine(mutate func(*RulesDocument)) *RulesEngine {
	doc := DefaultRulesDocument()
	if mutate != nil {
		mutate(doc)
	}
	geo := profile.NewGeo()
	geo.SeedPoints(map[string]profile.GeoPoint{
		"new_york": {Lat: 40.7128, Lon: -74.0060},
		"london":   {Lat: 51.5074, Lon: -0.1278},
	})
	return NewRulesEngine(doc, geo)
}

func TestDenyListForcesBlock(t *testing.T) {
	re := newTestRulesEngine(func(doc *RulesDocument) {
		doc.DenyLists.Users = []string{"mallory"}
	})

	tx := &models.Transaction{TransactionID: "tx-1", UserID: "mallory", Amount: 10}
	result := re.Evaluate(tx, models.FeatureVector{}, profile.UserSnapshot{}, profile.DeviceSnapshot{})

	assert.Equal(t, models.HardBlock, result.HardOutcome)
	assert.Equal(t, []string{RuleDenyUser}, result.Triggered)
}

func TestVelocityCapEarlyExit(t *testing.T) {
	re := newTestRulesEngine(nil)

	// 10 prior transactions in the hour; the 11th breaches the cap.
	user := profile.UserSnapshot{TransactionCount: 10, Velocity1h: 10, Velocity1d: 10, MeanSpend30d: 50}
	tx := &models.Transaction{TransactionID: "tx-2", UserID: "charlie", Amount: 100000}

	result := re.Evaluate(tx, models.FeatureVector{}, user, profile.DeviceSnapshot{})

	assert.Equal(t, models.HardBlock, result.HardOutcome)
	// Early exit: the amount rules never run despite the huge amount.
	assert.Equal(t, []string{RuleVelocityUser1h}, result.Triggered)
}

func TestNightWindowTagOnly(t *testing.T) {
	re := newTestRulesEngine(nil)

	var fv models.FeatureVector
	fv[models.FeatureHourOfDay] = 4
	tx := &models.Transaction{TransactionID: "tx-3", UserID: "alice", Amount: 20}
	user := profile.UserSnapshot{TransactionCount: 5, MeanSpend30d: 50}

	result := re.Evaluate(tx, fv, user, profile.DeviceSnapshot{})

	assert.Contains(t, result.Triggered, RuleNightWindow)
	assert.Equal(t, models.HardNone, result.HardOutcome)
}

func TestFirstTransactionStepUp(t *testing.T) {
	re := newTestRulesEngine(nil)

	tx := &models.Transaction{TransactionID: "tx-4", UserID: "bob", Amount: 749.99}
	result := re.Evaluate(tx, models.FeatureVector{}, profile.UserSnapshot{}, profile.DeviceSnapshot{})

	assert.Contains(t, result.Triggered, RuleAmountFirstStepUp)
	assert.Equal(t, models.HardStepUpMin, result.HardOutcome)
}

func TestAmountReviewOutranksStepUp(t *testing.T) {
	re := newTestRulesEngine(nil)

	tx := &models.Transaction{TransactionID: "tx-5", UserID: "bob", Amount: 15000}
	result := re.Evaluate(tx, models.FeatureVector{}, profile.UserSnapshot{}, profile.DeviceSnapshot{})

	assert.Contains(t, result.Triggered, RuleAmountFirstStepUp)
	assert.Contains(t, result.Triggered, RuleAmountAbsolute)
	assert.Equal(t, models.HardReviewMin, result.HardOutcome)
}

func TestAmountVsMean(t *testing.T) {
	re := newTestRulesEngine(nil)

	user := profile.UserSnapshot{TransactionCount: 20, MeanSpend30d: 40}
	tx := &models.Transaction{TransactionID: "tx-6", UserID: "alice", Amount: 4500}

	result := re.Evaluate(tx, models.FeatureVector{}, user, profile.DeviceSnapshot{})

	assert.Contains(t, result.Triggered, RuleAmountVsMean)
	assert.Equal(t, models.HardReviewMin, result.HardOutcome)
}

func TestImpossibleTravelBlocks(t *testing.T) {
	re := newTestRulesEngine(nil)

	now := time.Now()
	user := profile.UserSnapshot{
		TransactionCount: 3,
		MeanSpend30d:     100,
		LastLocation:     "new_york",
		LastTxAt:         now.Add(-30 * time.Minute),
	}
	tx := &models.Transaction{
		TransactionID: "tx-7",
		UserID:        "alice",
		Amount:        50,
		Location:      "london",
		Timestamp:     now,
	}

	result := re.Evaluate(tx, models.FeatureVector{}, user, profile.DeviceSnapshot{})

	assert.Equal(t, models.HardBlock, result.HardOutcome)
	assert.Equal(t, []string{RuleGeoImpossible}, result.Triggered)
}

func TestGeoDistanceReview(t *testing.T) {
	re := newTestRulesEngine(nil)

	var fv models.FeatureVector
	fv[models.FeatureDistanceFromMode] = 900
	fv[models.FeatureHourOfDay] = 12
	user := profile.UserSnapshot{TransactionCount: 5, MeanSpend30d: 100}
	tx := &models.Transaction{TransactionID: "tx-8", UserID: "alice", Amount: 30}

	result := re.Evaluate(tx, fv, user, profile.DeviceSnapshot{})

	assert.Contains(t, result.Triggered, RuleGeoDistance)
	assert.Equal(t, models.HardReviewMin, result.HardOutcome)
}
