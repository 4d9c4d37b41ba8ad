package behavior

import (
	"fmt"
	"time"

	"github.com/finguard/decision-engine/configs"
	"github.com/finguard/decision-engine/internal/models"
)

// Signal names. Wire values used in responses and anomaly strings.
const (
	SignalAmountDeviation    = "amount_deviation"
	SignalBeneficiaryChanges = "beneficiary_changes"
	SignalTimePattern        = "time_pattern"
	SignalVelocity           = "velocity"
	SignalGeolocation        = "geolocation"
)

const (
	weightAmountDeviation    = 25
	weightBeneficiaryChanges = 20
	weightTimePattern        = 15
	weightVelocity           = 20
	weightGeolocation        = 20
)

const (
	amountMeanFactor     = 10
	amountBaselineFactor = 3
	beneficiaryLimit     = 2
	velocityLimit        = 10
)

// Result is one behavioral evaluation of a session.
type Result struct {
	Score     int      `json:"risk_score"`
	Signals   []string `json:"signals_triggered"`
	Anomalies []string `json:"anomalies_detected"`
}

// Scorer computes session risk from five independent signals. Pure: it
// never reads or writes persistent state.
type Scorer struct {
	baselineAmount         float64
	impossibleTravelWindow time.Duration
}

func NewScorer(cfg configs.SessionConfig) *Scorer {
	return &Scorer{
		baselineAmount:         cfg.UserBaselineAmount,
		impossibleTravelWindow: cfg.ImpossibleTravelWindow,
	}
}

// Score evaluates the session as it stands after the current
// transaction has been folded in. Each triggered signal contributes its
// fixed weight; the total is capped at 100.
func (s *Scorer) Score(session *models.Session, tx *models.Transaction, now time.Time) Result {
	var result Result
	trigger := func(signal string, weight int, detail string) {
		result.Score += weight
		result.Signals = append(result.Signals, signal)
		result.Anomalies = append(result.Anomalies, fmt.Sprintf("%s:%s", signal, detail))
	}

	// Mean of the transactions that preceded this one in the session.
	priorCount := session.TransactionCount - 1
	priorMean := 0.0
	if priorCount > 0 {
		priorMean = (session.TotalAmount - tx.Amount) / float64(priorCount)
	}
	switch {
	case priorMean > 0 && tx.Amount > amountMeanFactor*priorMean:
		trigger(SignalAmountDeviation, weightAmountDeviation,
			fmt.Sprintf("amount %.2f exceeds %dx session mean %.2f", tx.Amount, amountMeanFactor, priorMean))
	case tx.Amount > amountBaselineFactor*s.baselineAmount:
		trigger(SignalAmountDeviation, weightAmountDeviation,
			fmt.Sprintf("amount %.2f exceeds %dx user baseline %.2f", tx.Amount, amountBaselineFactor, s.baselineAmount))
	}

	if session.NewBeneficiaryCount > beneficiaryLimit {
		trigger(SignalBeneficiaryChanges, weightBeneficiaryChanges,
			fmt.Sprintf("%d new beneficiaries in session", session.NewBeneficiaryCount))
	}

	hour := now.Hour()
	if hour >= 23 || hour < 6 {
		trigger(SignalTimePattern, weightTimePattern,
			fmt.Sprintf("transaction at hour %d", hour))
	}

	if session.TransactionCount > velocityLimit {
		trigger(SignalVelocity, weightVelocity,
			fmt.Sprintf("%d transactions in session", session.TransactionCount))
	}

	if session.FirstLocation != "" && tx.Location != "" && tx.Location != session.FirstLocation &&
		now.Sub(session.CreatedAt) < s.impossibleTravelWindow {
		trigger(SignalGeolocation, weightGeolocation,
			fmt.Sprintf("location changed from %s to %s within %s", session.FirstLocation, tx.Location, s.impossibleTravelWindow))
	}

	if result.Score > 100 {
		result.Score = 100
	}
	return result
}
