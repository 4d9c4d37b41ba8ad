package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/finguard/decision-engine/internal/models"
	"github.com/finguard/decision-engine/internal/profile"
)

// Stable rule names. These are wire values and log keys; renaming one is
// a breaking change for downstream consumers.
const (
	RuleDenyUser          = "deny_user"
	RuleDenyDevice        = "deny_device"
	RuleDenyIP            = "deny_ip"
	RuleDenyMerchant      = "deny_merchant"
	RuleVelocityUser1h    = "velocity_user_1h"
	RuleVelocityUser1d    = "velocity_user_1d"
	RuleVelocityDevice1h  = "velocity_device_1h"
	RuleVelocityHighValue = "velocity_high_value_1d"
	RuleGeoDistance       = "geo_distance"
	RuleGeoImpossible     = "geo_impossible_travel"
	RuleNightWindow       = "night_window"
	RuleAmountFirstStepUp = "amount_first_stepup"
	RuleAmountAbsolute    = "amount_review_absolute"
	RuleAmountVsMean      = "amount_vs_mean"
)

// RulesDocument is the external, versioned rules configuration. The
// recognised options are a bounded enumerated set; unknown keys in the
// source document are rejected.
type RulesDocument struct {
	Version   string                      `json:"version"`
	DenyLists DenyLists                   `json:"deny_lists"`
	Velocity  VelocityCaps                `json:"velocity_caps"`
	Geo       GeoRules                    `json:"geo"`
	Time      TimeRules                   `json:"time"`
	Amount    AmountRules                 `json:"amount"`
	GeoPoints map[string]profile.GeoPoint `json:"geo_points,omitempty"`
	IPRisk    map[string]float64          `json:"ip_risk,omitempty"`
}

type DenyLists struct {
	Users     []string `json:"user"`
	Devices   []string `json:"device"`
	IPs       []string `json:"ip"`
	Merchants []string `json:"merchant"`
}

type VelocityCaps struct {
	UserHourly     int `json:"user_hourly"`
	UserDaily      int `json:"user_daily"`
	DeviceHourly   int `json:"device_hourly"`
	HighValueDaily int `json:"high_value_daily"`
}

type GeoRules struct {
	DistanceKmReview       float64 `json:"distance_km_review"`
	ImpossibleTravelKm     float64 `json:"impossible_travel_km"`
	ImpossibleTravelWindow float64 `json:"impossible_travel_window_hours"`
}

type TimeRules struct {
	NightWindowStart int `json:"night_window_start"`
	NightWindowEnd   int `json:"night_window_end"`
}

type AmountRules struct {
	FirstTransactionStepUp float64 `json:"first_transaction_stepup"`
	ReviewAbsolute         float64 `json:"review_absolute"`
	ReviewMultiplierOfMean float64 `json:"review_multiplier_of_mean"`
}

// DefaultRulesDocument returns the built-in rule set used when no
// external document is configured.
func DefaultRulesDocument() *RulesDocument {
	return &RulesDocument{
		Version: "builtin-v1",
		Velocity: VelocityCaps{
			UserHourly:     10,
			UserDaily:      50,
			DeviceHourly:   5,
			HighValueDaily: 3,
		},
		Geo: GeoRules{
			DistanceKmReview:       500,
			ImpossibleTravelKm:     1000,
			ImpossibleTravelWindow: 2,
		},
		Time: TimeRules{
			NightWindowStart: 3,
			NightWindowEnd:   5,
		},
		Amount: AmountRules{
			FirstTransactionStepUp: 500,
			ReviewAbsolute:         10000,
			ReviewMultiplierOfMean: 100,
		},
	}
}

// LoadRulesDocument reads and validates the external rules document.
func LoadRulesDocument(path string) (*RulesDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules config: %w", err)
	}

	doc := DefaultRulesDocument()
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(doc); err != nil {
		return nil, fmt.Errorf("failed to parse rules config: %w", err)
	}

	log.Info().Str("version", doc.Version).Msg("Rules configuration loaded")
	return doc, nil
}

// RulesEngine evaluates the deterministic checks. Stateless once built;
// the deny lists are converted to sets at construction.
type RulesEngine struct {
	doc           *RulesDocument
	denyUsers     map[string]bool
	denyDevices   map[string]bool
	denyIPs       map[string]bool
	denyMerchants map[string]bool
	geo           *profile.Geo
}

func NewRulesEngine(doc *RulesDocument, geo *profile.Geo) *RulesEngine {
	return &RulesEngine{
		doc:           doc,
		denyUsers:     toSet(doc.DenyLists.Users),
		denyDevices:   toSet(doc.DenyLists.Devices),
		denyIPs:       toSet(doc.DenyLists.IPs),
		denyMerchants: toSet(doc.DenyLists.Merchants),
		geo:           geo,
	}
}

// Version reports the loaded rules document version.
func (re *RulesEngine) Version() string {
	return re.doc.Version
}

// Evaluate runs the rule table against a transaction. Once a BLOCK hard
// outcome is produced no further rules are evaluated. No per-transaction
// auxiliary structures are allocated beyond the result.
func (re *RulesEngine) Evaluate(tx *models.Transaction, fv models.FeatureVector, user profile.UserSnapshot, device profile.DeviceSnapshot) models.RuleResult {
	var result models.RuleResult

	// Deny lists. Any hit forces BLOCK.
	if re.denyUsers[tx.UserID] {
		return blockResult(result, RuleDenyUser, "user on deny list")
	}
	if tx.DeviceID != "" && re.denyDevices[tx.DeviceID] {
		return blockResult(result, RuleDenyDevice, "device on deny list")
	}
	if tx.SourceIP != "" && re.denyIPs[tx.SourceIP] {
		return blockResult(result, RuleDenyIP, "source address on deny list")
	}
	if tx.MerchantID != "" && re.denyMerchants[tx.MerchantID] {
		return blockResult(result, RuleDenyMerchant, "merchant on deny list")
	}

	// Velocity caps. The snapshot counts exclude the current transaction,
	// so the cap is hit when count+1 exceeds it.
	caps := re.doc.Velocity
	if user.Velocity1h+1 > caps.UserHourly {
		return blockResult(result, RuleVelocityUser1h, "per-user hourly velocity cap exceeded")
	}
	if user.Velocity1d+1 > caps.UserDaily {
		return blockResult(result, RuleVelocityUser1d, "per-user daily velocity cap exceeded")
	}
	if tx.DeviceID != "" && device.Velocity1h+1 > caps.DeviceHourly {
		return blockResult(result, RuleVelocityDevice1h, "per-device hourly velocity cap exceeded")
	}
	if tx.Amount > highValueThreshold && user.HighValue1d+1 > caps.HighValueDaily {
		return blockResult(result, RuleVelocityHighValue, "daily high-value transaction cap exceeded")
	}

	// Geographic rules.
	geo := re.doc.Geo
	if user.LastLocation != "" && tx.Location != "" && !user.LastTxAt.IsZero() {
		hop := re.geo.DistanceKm(user.LastLocation, tx.Location)
		elapsed := tx.Timestamp.Sub(user.LastTxAt)
		if hop > geo.ImpossibleTravelKm && elapsed > 0 && elapsed < time.Duration(geo.ImpossibleTravelWindow*float64(time.Hour)) {
			return blockResult(result, RuleGeoImpossible, "impossible travel between consecutive transactions")
		}
	}
	if fv[models.FeatureDistanceFromMode] > geo.DistanceKmReview {
		result = raise(result, models.HardReviewMin, RuleGeoDistance, "far from usual location")
	}

	// Night window contributes a triggered tag only.
	hour := int(fv[models.FeatureHourOfDay])
	if hour >= re.doc.Time.NightWindowStart && hour < re.doc.Time.NightWindowEnd {
		result.Triggered = append(result.Triggered, RuleNightWindow)
		result.Reasons = append(result.Reasons, "transaction in night window")
	}

	// Amount rules.
	amount := re.doc.Amount
	if user.TransactionCount == 0 && tx.Amount > amount.FirstTransactionStepUp {
		result = raise(result, models.HardStepUpMin, RuleAmountFirstStepUp, "first transaction above step-up threshold")
	}
	if tx.Amount > amount.ReviewAbsolute {
		result = raise(result, models.HardReviewMin, RuleAmountAbsolute, "amount above absolute review threshold")
	}
	if user.TransactionCount > 0 && user.MeanSpend30d > 0 && tx.Amount > amount.ReviewMultiplierOfMean*user.MeanSpend30d {
		result = raise(result, models.HardReviewMin, RuleAmountVsMean, "amount far above 30-day average")
	}

	return result
}

const highValueThreshold = 1000.0

func blockResult(r models.RuleResult, rule, reason string) models.RuleResult {
	r.Triggered = append(r.Triggered, rule)
	r.Reasons = append(r.Reasons, reason)
	r.HardOutcome = models.HardBlock
	return r
}

func raise(r models.RuleResult, outcome models.HardOutcome, rule, reason string) models.RuleResult {
	r.Triggered = append(r.Triggered, rule)
	r.Reasons = append(r.Reasons, reason)
	if outcome > r.HardOutcome {
		r.HardOutcome = outcome
	}
	return r
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}
