package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DecisionCode is the outcome of the decision pipeline. The integer
// values are wire values and must not be reordered.
type DecisionCode int

const (
	DecisionAllow   DecisionCode = 0
	DecisionMonitor DecisionCode = 1
	DecisionStepUp  DecisionCode = 2
	DecisionReview  DecisionCode = 3
	DecisionBlock   DecisionCode = 4
)

func (d DecisionCode) String() string {
	switch d {
	case DecisionAllow:
		return "allow"
	case DecisionMonitor:
		return "monitor"
	case DecisionStepUp:
		return "step_up"
	case DecisionReview:
		return "review"
	case DecisionBlock:
		return "block"
	default:
		return fmt.Sprintf("unknown(%d)", int(d))
	}
}

// Transaction is the immutable decision input. It is created by the
// caller and never mutated by the pipeline.
type Transaction struct {
	TransactionID      string    `json:"transaction_id" binding:"required"`
	UserID             string    `json:"user_id" binding:"required"`
	DeviceID           string    `json:"device_id"`
	SourceIP           string    `json:"source_ip"`
	MerchantID         string    `json:"merchant_id"`
	Amount             float64   `json:"amount" binding:"min=0"`
	Currency           string    `json:"currency"`
	Timestamp          time.Time `json:"timestamp"`
	Location           string    `json:"location"`
	BeneficiaryAccount string    `json:"beneficiary_account,omitempty"`
	IsNewBeneficiary   bool      `json:"is_new_beneficiary,omitempty"`
	SessionID          string    `json:"session_id,omitempty"`
	Metadata           JSONB     `json:"metadata,omitempty"`
}

// Feature vector schema. The ordering is fixed and must match the model
// artifact's expected input order exactly.
const (
	FeatureAmount = iota
	FeatureAmountPercentile
	FeatureHourOfDay
	FeatureDayOfWeek
	FeatureDeviceNew
	FeatureDistanceFromMode
	FeatureIPRisk
	FeatureVelocity1h
	FeatureVelocity1d
	FeatureAccountAgeDays
	FeatureFailedLogins15m
	FeatureMeanSpend30d
	FeatureStdSpend30d
	FeatureNeighborRisk
	FeatureDeviceReuseCount

	FeatureCount = 15
)

// FeatureNames indexes into a FeatureVector; used for attribution output
// and log keys.
var FeatureNames = [FeatureCount]string{
	"amount",
	"amount_percentile",
	"hour_of_day",
	"day_of_week",
	"device_new",
	"distance_from_mode_km",
	"ip_risk",
	"velocity_1h",
	"velocity_1d",
	"account_age_days",
	"failed_logins_15m",
	"mean_spend_30d",
	"std_spend_30d",
	"neighbor_risk",
	"device_reuse_count",
}

// FeatureVector is the dense model input derived once per transaction.
type FeatureVector [FeatureCount]float64

// HardOutcome is a rules-engine verdict that fixes or lower-bounds the
// final decision regardless of the model score.
type HardOutcome int

const (
	HardNone HardOutcome = iota
	HardAllowOnly
	HardStepUpMin
	HardReviewMin
	HardBlock
)

func (h HardOutcome) String() string {
	switch h {
	case HardAllowOnly:
		return "allow_only"
	case HardStepUpMin:
		return "step_up_min"
	case HardReviewMin:
		return "review_min"
	case HardBlock:
		return "block"
	default:
		return "none"
	}
}

// RuleResult is the deterministic rules-engine output.
type RuleResult struct {
	Triggered   []string    `json:"triggered"`
	HardOutcome HardOutcome `json:"hard_outcome"`
	Reasons     []string    `json:"reasons,omitempty"`
}

// FeatureContribution is one entry of the model's top-feature attribution.
type FeatureContribution struct {
	Name         string  `json:"name"`
	Value        float64 `json:"value"`
	Contribution float64 `json:"contribution"`
}

// MLScore is the model output: raw and calibrated probabilities plus the
// three most influential features.
type MLScore struct {
	Raw         float64               `json:"raw"`
	Calibrated  float64               `json:"calibrated"`
	TopFeatures []FeatureContribution `json:"top_features"`
}

// Decision is the final pipeline output for a transaction.
type Decision struct {
	Code        DecisionCode          `json:"decision_code"`
	Score       float64               `json:"score"`
	Reasons     []string              `json:"reasons"`
	LatencyMs   float64               `json:"latency_ms"`
	TopFeatures []FeatureContribution `json:"top_features"`
	Rules       RuleResult            `json:"rules"`
	ML          *MLScore              `json:"ml,omitempty"`
}

// ThreatKind classifies a security event. Stored as its string name.
type ThreatKind int

const (
	ThreatAPIAbuse ThreatKind = iota
	ThreatBruteForce
	ThreatDataExfiltration
	ThreatInsiderThreat
	ThreatPrivilegeEscalation
	ThreatUnusualAccess
	ThreatSystemAnomaly
)

var threatKindNames = map[ThreatKind]string{
	ThreatAPIAbuse:            "api_abuse",
	ThreatBruteForce:          "brute_force",
	ThreatDataExfiltration:    "data_exfiltration",
	ThreatInsiderThreat:       "insider_threat",
	ThreatPrivilegeEscalation: "privilege_escalation",
	ThreatUnusualAccess:       "unusual_access",
	ThreatSystemAnomaly:       "system_anomaly",
}

func (k ThreatKind) String() string {
	if name, ok := threatKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(k))
}

// ParseThreatKind maps a wire name back to its kind.
func ParseThreatKind(s string) (ThreatKind, bool) {
	for k, name := range threatKindNames {
		if name == s {
			return k, true
		}
	}
	return 0, false
}

func (k ThreatKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *ThreatKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	kind, ok := ParseThreatKind(s)
	if !ok {
		return fmt.Errorf("unknown threat kind %q", s)
	}
	*k = kind
	return nil
}

// ThreatLevel is the severity of a security event, 0 Info through 4
// Critical. The integer values are wire values.
type ThreatLevel int

const (
	LevelInfo     ThreatLevel = 0
	LevelLow      ThreatLevel = 1
	LevelMedium   ThreatLevel = 2
	LevelHigh     ThreatLevel = 3
	LevelCritical ThreatLevel = 4
)

func (l ThreatLevel) String() string {
	switch l {
	case LevelInfo:
		return "info"
	case LevelLow:
		return "low"
	case LevelMedium:
		return "medium"
	case LevelHigh:
		return "high"
	case LevelCritical:
		return "critical"
	default:
		return fmt.Sprintf("unknown(%d)", int(l))
	}
}

// ReviewThreshold is the level at and above which an event enters the
// SOC review queue.
const ReviewThreshold = LevelMedium

// SecurityEvent is one detection emitted by the security monitor.
type SecurityEvent struct {
	ID             uuid.UUID   `json:"id"`
	Timestamp      time.Time   `json:"timestamp"`
	Kind           ThreatKind  `json:"threat_type"`
	Level          ThreatLevel `json:"threat_level"`
	Source         string      `json:"source_id"`
	Endpoint       string      `json:"endpoint"`
	Description    string      `json:"description"`
	Metadata       JSONB       `json:"metadata,omitempty"`
	RequiresReview bool        `json:"requires_review"`
	ReviewedBy     *string     `json:"reviewed_by,omitempty"`
	ReviewAction   *string     `json:"review_action,omitempty"`
	ReviewNotes    *string     `json:"review_notes,omitempty"`
}

// APIAccess is one request-path access log row.
type APIAccess struct {
	ID        uuid.UUID `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source_id"`
	Endpoint  string    `json:"endpoint"`
	Method    string    `json:"method"`
	Status    int       `json:"status"`
	LatencyMs float64   `json:"latency_ms"`
}

// BlockedSource records a blocking action against a source. A source is
// currently blocked iff exactly one row with null UnblockedAt exists.
type BlockedSource struct {
	Source      string      `json:"source_id"`
	BlockedAt   time.Time   `json:"blocked_at"`
	Reason      string      `json:"reason"`
	Level       ThreatLevel `json:"threat_level"`
	Auto        bool        `json:"auto"`
	UnblockedAt *time.Time  `json:"unblocked_at,omitempty"`
	UnblockedBy *string     `json:"unblocked_by,omitempty"`
}

// Audit action kinds.
const (
	AuditActionReviewEvent      = "review_event"
	AuditActionUnblockSource    = "unblock_source"
	AuditActionBlockSource      = "block_source"
	AuditActionSetTier          = "set_tier"
	AuditActionResetSource      = "reset_source"
	AuditActionDecisionRequest  = "decision_request"
	AuditActionDataAccess       = "data_access"
	AuditActionTerminateSession = "terminate_session"
)

// SystemActor is the actor recorded on audit entries written by the
// engine itself rather than by an analyst.
const SystemActor = "system"

// AuditEntry is one analyst-visible audit trail row.
type AuditEntry struct {
	ID        uuid.UUID `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Resource  string    `json:"resource"`
	Success   bool      `json:"success"`
	Metadata  JSONB     `json:"metadata,omitempty"`
}

// Session is a logical multi-transaction arc keyed by a caller-supplied
// session identifier.
type Session struct {
	ID                  string     `json:"session_id"`
	AccountID           string     `json:"account_id"`
	CreatedAt           time.Time  `json:"created_at"`
	LastActivityAt      time.Time  `json:"last_activity_at"`
	TransactionCount    int        `json:"transaction_count"`
	TotalAmount         float64    `json:"total_amount"`
	NewBeneficiaryCount int        `json:"new_beneficiary_count"`
	FirstLocation       string     `json:"first_location,omitempty"`
	RiskScore           int        `json:"risk_score"`
	Terminated          bool       `json:"is_terminated"`
	TerminationReason   string     `json:"termination_reason,omitempty"`
	TerminatedBy        *string    `json:"terminated_by,omitempty"`
	TerminatedAt        *time.Time `json:"terminated_at,omitempty"`
	Anomalies           []string   `json:"anomalies_detected"`
	Metadata            JSONB      `json:"metadata,omitempty"`
}

// Session event kinds.
const (
	SessionEventStart       = "session_start"
	SessionEventTransaction = "transaction"
	SessionEventTerminated  = "session_terminated"
)

// SessionEvent is one row of a session's append-only event log.
type SessionEvent struct {
	ID        uuid.UUID `json:"id"`
	SessionID string    `json:"session_id"`
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	RiskDelta int       `json:"risk_delta"`
	Data      JSONB     `json:"data,omitempty"`
}

// Session risk bands.
const (
	RiskBandLow      = "LOW"
	RiskBandElevated = "ELEVATED"
	RiskBandHigh     = "HIGH"
	RiskBandCritical = "CRITICAL"
)

// CriticalRiskScore is the session risk at which the session is
// auto-terminated.
const CriticalRiskScore = 80

// RiskBand maps a session risk score to its band.
func RiskBand(score int) string {
	switch {
	case score >= CriticalRiskScore:
		return RiskBandCritical
	case score >= 60:
		return RiskBandHigh
	case score >= 30:
		return RiskBandElevated
	default:
		return RiskBandLow
	}
}

// Analyst is a SOC analyst account used for authenticated mutations.
type Analyst struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

// Analyst roles.
const (
	RoleAnalyst = "analyst"
	RoleAdmin   = "admin"
)

// JSONB is a helper type for PostgreSQL JSONB columns.
type JSONB map[string]interface{}

func (j JSONB) Value() ([]byte, error) {
	if j == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, j)
}
