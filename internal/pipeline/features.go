package pipeline

import (
	"math"
	"time"

	"github.com/finguard/decision-engine/internal/models"
	"github.com/finguard/decision-engine/internal/profile"
)

// Feature caps. Values beyond these are clamped so that a single outlier
// cannot push the model outside its trained range.
const (
	capDistanceKm  = 10000.0
	capVelocity1h  = 50.0
	capVelocity1d  = 500.0
	capAccountAge  = 3650.0
	capFailedLogin = 10.0
)

// NeighborRiskPlaceholder stands in for graph-derived risk, which is out
// of scope for a single node.
const NeighborRiskPlaceholder = 0.5

// FeatureExtractor derives the fixed 15-element model input from a
// transaction and the read-only history lookups. Stateless and shared by
// all requests.
type FeatureExtractor struct {
	profiles *profile.Registry
	geo      *profile.Geo
}

func NewFeatureExtractor(profiles *profile.Registry, geo *profile.Geo) *FeatureExtractor {
	return &FeatureExtractor{profiles: profiles, geo: geo}
}

// Extract builds the feature vector. Missing user, device, or IP history
// is not an error; it collapses to the documented defaults. The output
// never contains NaN.
func (e *FeatureExtractor) Extract(tx *models.Transaction, user profile.UserSnapshot, device profile.DeviceSnapshot) models.FeatureVector {
	var fv models.FeatureVector

	fv[models.FeatureAmount] = tx.Amount
	fv[models.FeatureAmountPercentile] = amountPercentile(tx.Amount, user.MeanSpend30d, user.StdSpend30d)

	ts := tx.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	fv[models.FeatureHourOfDay] = float64(ts.Hour())
	fv[models.FeatureDayOfWeek] = float64(ts.Weekday())

	if !device.KnownUser {
		fv[models.FeatureDeviceNew] = 1
	}

	fv[models.FeatureDistanceFromMode] = math.Min(e.geo.DistanceKm(tx.Location, user.ModeLocation), capDistanceKm)
	fv[models.FeatureIPRisk] = e.profiles.IPRisk(tx.SourceIP)
	fv[models.FeatureVelocity1h] = math.Min(float64(user.Velocity1h), capVelocity1h)
	fv[models.FeatureVelocity1d] = math.Min(float64(user.Velocity1d), capVelocity1d)
	fv[models.FeatureAccountAgeDays] = math.Min(user.AccountAgeDays, capAccountAge)
	fv[models.FeatureFailedLogins15m] = math.Min(float64(user.FailedLogins15m), capFailedLogin)
	fv[models.FeatureMeanSpend30d] = math.Log1p(user.MeanSpend30d)
	fv[models.FeatureStdSpend30d] = math.Log1p(user.StdSpend30d)
	fv[models.FeatureNeighborRisk] = NeighborRiskPlaceholder
	fv[models.FeatureDeviceReuseCount] = float64(device.ReuseCount)

	for i, v := range fv {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			fv[i] = 0
		}
	}

	return fv
}

// amountPercentile approximates where the amount sits in the user's
// spend distribution via the normal CDF of its z-score.
func amountPercentile(amount, mean, std float64) float64 {
	if std <= 0 {
		std = profile.DefaultStdSpend
	}
	z := (amount - mean) / std
	return 0.5 * (1 + math.Erf(z/math.Sqrt2))
}
