package pipeline

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finguard/decision-engine/internal/models"
)

func testArtifact() *ModelArtifact {
	return &ModelArtifact{
		Version:     "test-v1",
		NumFeatures: models.FeatureCount,
		BaseScore:   -1.0,
		Trees: []Tree{
			{Nodes: []TreeNode{
				{Feature: models.FeatureAmountPercentile, Threshold: 0.8, Left: 1, Right: 2},
				{Leaf: true, Value: -0.5},
				{Leaf: true, Value: 1.5},
			}},
			{Nodes: []TreeNode{
				{Feature: models.FeatureDeviceNew, Threshold: 0.5, Left: 1, Right: 2},
				{Leaf: true, Value: 0.0},
				{Leaf: true, Value: 1.0},
			}},
		},
		Attribution: []Attribution{
			{Name: "amount_percentile", Weight: 1.5, Baseline: 0.5},
			{Name: "device_new", Weight: 1.1, Baseline: 0.0},
			{Name: "ip_risk", Weight: 0.9, Baseline: 0.5},
			{Name: "failed_logins_15m", Weight: 0.35, Baseline: 0.0},
		},
	}
}

func testCalibration() *Calibration {
	return &Calibration{Points: []CalibrationPoint{
		{Raw: 0.0, Calibrated: 0.0},
		{Raw: 0.5, Calibrated: 0.6},
		{Raw: 1.0, Calibrated: 1.0},
	}}
}

func TestScoreLowRisk(t *testing.T) {
	scorer := NewModelScorer(testArtifact(), testCalibration())

	var fv models.FeatureVector
	fv[models.FeatureAmountPercentile] = 0.3

	score := scorer.Score(fv)

	// Margin -1.0 - 0.5 + 0.0 = -1.5.
	assert.InDelta(t, 1/(1+math.Exp(1.5)), score.Raw, 1e-9)
	assert.Less(t, score.Calibrated, 0.3)
}

func TestScoreHighRisk(t *testing.T) {
	scorer := NewModelScorer(testArtifact(), testCalibration())

	var fv models.FeatureVector
	fv[models.FeatureAmountPercentile] = 0.95
	fv[models.FeatureDeviceNew] = 1

	score := scorer.Score(fv)

	// Margin -1.0 + 1.5 + 1.0 = 1.5.
	assert.InDelta(t, 1/(1+math.Exp(-1.5)), score.Raw, 1e-9)
	assert.Greater(t, score.Calibrated, score.Raw)
}

func TestDegradedModeCalibratedEqualsRaw(t *testing.T) {
	scorer := NewModelScorer(testArtifact(), nil)

	var fv models.FeatureVector
	fv[models.FeatureAmountPercentile] = 0.95

	score := scorer.Score(fv)
	assert.Equal(t, score.Raw, score.Calibrated)
}

func TestTopContributionsRankedByMagnitude(t *testing.T) {
	scorer := NewModelScorer(testArtifact(), testCalibration())

	var fv models.FeatureVector
	fv[models.FeatureAmountPercentile] = 1.0 // contribution 1.5 * 0.5 = 0.75
	fv[models.FeatureDeviceNew] = 1          // contribution 1.1
	fv[models.FeatureIPRisk] = 0.9           // contribution 0.36
	fv[models.FeatureFailedLogins15m] = 4    // contribution 1.4

	score := scorer.Score(fv)

	require.Len(t, score.TopFeatures, 3)
	assert.Equal(t, "failed_logins_15m", score.TopFeatures[0].Name)
	assert.Equal(t, "device_new", score.TopFeatures[1].Name)
	assert.Equal(t, "amount_percentile", score.TopFeatures[2].Name)
}

func TestCalibrationInterpolatesAndClamps(t *testing.T) {
	cal := testCalibration()

	assert.InDelta(t, 0.3, cal.Apply(0.25), 1e-9)
	assert.InDelta(t, 0.8, cal.Apply(0.75), 1e-9)
	assert.Equal(t, 0.0, cal.Apply(-0.5))
	assert.Equal(t, 1.0, cal.Apply(2.0))
}

func TestCalibrationMonotone(t *testing.T) {
	cal := testCalibration()

	prev := -1.0
	for raw := 0.0; raw <= 1.0; raw += 0.05 {
		c := cal.Apply(raw)
		assert.GreaterOrEqual(t, c, prev)
		prev = c
	}
}
