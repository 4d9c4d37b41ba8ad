package behavior

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finguard/decision-engine/configs"
	"github.com/finguard/decision-engine/internal/models"
)

func newTestScorer() *Scorer {
	return NewScorer(configs.SessionConfig{
		UserBaselineAmount:     2500,
		ImpossibleTravelWindow: 2 * time.Hour,
	})
}

func daytime() time.Time {
	return time.Date(2024, 6, 10, 14, 0, 0, 0, time.UTC)
}

func quietSession(now time.Time) *models.Session {
	return &models.Session{
		ID:               "sess-1",
		AccountID:        "alice",
		CreatedAt:        now.Add(-10 * time.Minute),
		TransactionCount: 3,
		TotalAmount:      150,
	}
}

func TestQuietSessionScoresZero(t *testing.T) {
	scorer := newTestScorer()
	now := daytime()

	tx := &models.Transaction{Amount: 50, SessionID: "sess-1"}
	result := scorer.Score(quietSession(now), tx, now)

	assert.Equal(t, 0, result.Score)
	assert.Empty(t, result.Signals)
	assert.Empty(t, result.Anomalies)
}

func TestAmountDeviationAgainstSessionMean(t *testing.T) {
	scorer := newTestScorer()
	now := daytime()

	// Prior mean (150-50)/2 = 50; current 600 > 10x.
	session := quietSession(now)
	session.TotalAmount = 700
	tx := &models.Transaction{Amount: 600}

	result := scorer.Score(session, tx, now)

	assert.Equal(t, 25, result.Score)
	assert.Equal(t, []string{SignalAmountDeviation}, result.Signals)
	require.Len(t, result.Anomalies, 1)
	assert.Contains(t, result.Anomalies[0], SignalAmountDeviation+":")
}

func TestAmountDeviationAgainstBaseline(t *testing.T) {
	scorer := newTestScorer()
	now := daytime()

	// First transaction in session, so no prior mean; 8000 > 3x baseline.
	session := quietSession(now)
	session.TransactionCount = 1
	session.TotalAmount = 8000
	tx := &models.Transaction{Amount: 8000}

	result := scorer.Score(session, tx, now)

	assert.Contains(t, result.Signals, SignalAmountDeviation)
}

func TestBeneficiarySignal(t *testing.T) {
	scorer := newTestScorer()
	now := daytime()

	session := quietSession(now)
	session.NewBeneficiaryCount = 3
	tx := &models.Transaction{Amount: 50}

	result := scorer.Score(session, tx, now)

	assert.Equal(t, []string{SignalBeneficiaryChanges}, result.Signals)
	assert.Equal(t, 20, result.Score)
}

func TestTimePatternSignal(t *testing.T) {
	scorer := newTestScorer()
	night := time.Date(2024, 6, 10, 23, 30, 0, 0, time.UTC)

	session := quietSession(night)
	tx := &models.Transaction{Amount: 50}

	result := scorer.Score(session, tx, night)

	assert.Equal(t, []string{SignalTimePattern}, result.Signals)
	assert.Equal(t, 15, result.Score)
}

func TestVelocitySignal(t *testing.T) {
	scorer := newTestScorer()
	now := daytime()

	session := quietSession(now)
	session.TransactionCount = 11
	session.TotalAmount = 550
	tx := &models.Transaction{Amount: 50}

	result := scorer.Score(session, tx, now)

	assert.Equal(t, []string{SignalVelocity}, result.Signals)
}

func TestGeolocationSignal(t *testing.T) {
	scorer := newTestScorer()
	now := daytime()

	session := quietSession(now)
	session.FirstLocation = "new_york"
	tx := &models.Transaction{Amount: 50, Location: "tokyo"}

	result := scorer.Score(session, tx, now)

	assert.Equal(t, []string{SignalGeolocation}, result.Signals)
}

func TestGeolocationQuietOutsideWindow(t *testing.T) {
	scorer := newTestScorer()
	now := daytime()

	session := quietSession(now)
	session.CreatedAt = now.Add(-3 * time.Hour)
	session.FirstLocation = "new_york"
	tx := &models.Transaction{Amount: 50, Location: "tokyo"}

	result := scorer.Score(session, tx, now)

	assert.Empty(t, result.Signals)
}

func TestScoreCapsAt100(t *testing.T) {
	scorer := newTestScorer()
	night := time.Date(2024, 6, 10, 23, 30, 0, 0, time.UTC)

	session := &models.Session{
		ID:                  "sess-max",
		CreatedAt:           night.Add(-5 * time.Minute),
		TransactionCount:    12,
		TotalAmount:         50000,
		NewBeneficiaryCount: 5,
		FirstLocation:       "new_york",
	}
	tx := &models.Transaction{Amount: 40000, Location: "tokyo"}

	result := scorer.Score(session, tx, night)

	assert.Equal(t, 100, result.Score)
	assert.Len(t, result.Signals, 5)
}
