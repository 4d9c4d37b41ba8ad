package pipeline

import (
	"fmt"

	"github.com/finguard/decision-engine/configs"
	"github.com/finguard/decision-engine/internal/models"
)

// Combiner merges the rule outcome and the calibrated model score into
// the final decision. Deterministic; the table is evaluated top to
// bottom and the first match wins.
type Combiner struct {
	policy configs.PolicyConfig
}

func NewCombiner(policy configs.PolicyConfig) *Combiner {
	return &Combiner{policy: policy}
}

// Combine applies the decision table. When rules force a block the model
// is not consulted and the reported score is 1.0.
func (c *Combiner) Combine(tx *models.Transaction, rules models.RuleResult, ml *models.MLScore) models.Decision {
	decision := models.Decision{
		Rules: rules,
		ML:    ml,
	}

	if rules.HardOutcome == models.HardBlock {
		decision.Code = models.DecisionBlock
		decision.Score = 1.0
		decision.Reasons = rules.Reasons
		return decision
	}

	calibrated := 0.0
	if ml != nil {
		calibrated = ml.Calibrated
		decision.Score = calibrated
		decision.TopFeatures = ml.TopFeatures
	}

	switch {
	case calibrated >= c.policy.BlockThreshold:
		decision.Code = models.DecisionBlock
	case rules.HardOutcome == models.HardReviewMin,
		tx.Amount > c.policy.HighAmount && calibrated > c.policy.HighAmountScore:
		decision.Code = models.DecisionReview
	case calibrated >= c.policy.ReviewThreshold:
		decision.Code = models.DecisionReview
	case rules.HardOutcome == models.HardStepUpMin, calibrated >= c.policy.StepUpThreshold:
		decision.Code = models.DecisionStepUp
	case calibrated >= c.policy.MonitorThreshold:
		decision.Code = models.DecisionMonitor
	default:
		decision.Code = models.DecisionAllow
	}

	decision.Reasons = c.buildReasons(rules, ml)
	return decision
}

// buildReasons assembles the ordered reason list: triggered rule names
// first, then the model's probability and top feature summaries.
func (c *Combiner) buildReasons(rules models.RuleResult, ml *models.MLScore) []string {
	reasons := make([]string, 0, len(rules.Reasons)+4)
	reasons = append(reasons, rules.Reasons...)

	if ml != nil {
		reasons = append(reasons, fmt.Sprintf("fraud probability: %.1f%%", ml.Calibrated*100))
		for _, fc := range ml.TopFeatures {
			reasons = append(reasons, fmt.Sprintf("%s=%.2f contributed %+.3f", fc.Name, fc.Value, fc.Contribution))
		}
	}
	return reasons
}
