package pipeline

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/finguard/decision-engine/internal/models"
	"github.com/finguard/decision-engine/internal/profile"
)

// Pipeline runs the decision stages in order: feature extraction, rules,
// model scoring, policy combination. One instance serves all requests.
type Pipeline struct {
	profiles  *profile.Registry
	extractor *FeatureExtractor
	rules     *RulesEngine
	scorer    *ModelScorer
	combiner  *Combiner
}

func NewPipeline(profiles *profile.Registry, extractor *FeatureExtractor, rules *RulesEngine, scorer *ModelScorer, combiner *Combiner) *Pipeline {
	return &Pipeline{
		profiles:  profiles,
		extractor: extractor,
		rules:     rules,
		scorer:    scorer,
		combiner:  combiner,
	}
}

// Evaluate produces a decision for one transaction. When rules force a
// block the model is skipped. The transaction is folded into the user
// and device history after the decision so it does not count toward its
// own velocity. Context cancellation between stages surfaces as an
// error; a started stage always runs to completion.
func (p *Pipeline) Evaluate(ctx context.Context, tx *models.Transaction) (models.Decision, error) {
	start := time.Now()
	now := tx.Timestamp
	if now.IsZero() {
		now = start
		tx.Timestamp = start
	}

	user := p.profiles.UserSnapshot(tx.UserID, now)
	device := p.profiles.DeviceSnapshot(tx.DeviceID, tx.UserID, now)
	fv := p.extractor.Extract(tx, user, device)

	if err := ctx.Err(); err != nil {
		return models.Decision{}, err
	}

	ruleResult := p.rules.Evaluate(tx, fv, user, device)

	var ml *models.MLScore
	if ruleResult.HardOutcome != models.HardBlock {
		if err := ctx.Err(); err != nil {
			return models.Decision{}, err
		}
		score := p.scorer.Score(fv)
		ml = &score
	}

	decision := p.combiner.Combine(tx, ruleResult, ml)
	decision.LatencyMs = float64(time.Since(start).Microseconds()) / 1000

	p.profiles.RecordTransaction(tx, now)

	log.Debug().
		Str("transaction_id", tx.TransactionID).
		Str("user_id", tx.UserID).
		Str("decision", decision.Code.String()).
		Float64("score", decision.Score).
		Float64("latency_ms", decision.LatencyMs).
		Msg("Transaction evaluated")

	return decision, nil
}
