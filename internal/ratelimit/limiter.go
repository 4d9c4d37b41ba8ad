package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/finguard/decision-engine/internal/models"
)

// Tier selects the token-bucket capacity for a source.
type Tier int

const (
	TierFree Tier = iota
	TierBasic
	TierPremium
	TierInternal
	TierUnlimited
)

func (t Tier) String() string {
	switch t {
	case TierFree:
		return "free"
	case TierBasic:
		return "basic"
	case TierPremium:
		return "premium"
	case TierInternal:
		return "internal"
	case TierUnlimited:
		return "unlimited"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// ParseTier maps a tier name to its value. Unknown names fall back to
// the free tier.
func ParseTier(name string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "free":
		return TierFree, nil
	case "basic":
		return TierBasic, nil
	case "premium":
		return TierPremium, nil
	case "internal":
		return TierInternal, nil
	case "unlimited":
		return TierUnlimited, nil
	default:
		return TierFree, fmt.Errorf("unknown rate limit tier %q", name)
	}
}

// Capacity returns requests per minute; Burst the bucket depth.
func (t Tier) Capacity() float64 {
	switch t {
	case TierBasic:
		return 100
	case TierPremium:
		return 500
	case TierInternal:
		return 1000
	default:
		return 20
	}
}

func (t Tier) Burst() float64 {
	switch t {
	case TierBasic:
		return 30
	case TierPremium:
		return 100
	case TierInternal:
		return 200
	default:
		return 10
	}
}

const (
	violationWindow   = 5 * time.Minute
	violationBlock    = 5 * time.Minute
	violationsToBlock = 3
)

// Observation reports the limiter's view of a source after an admit
// call.
type Observation struct {
	Allowed    bool          `json:"allowed"`
	Tier       string        `json:"tier"`
	Remaining  float64       `json:"remaining_tokens"`
	Violations int           `json:"violations"`
	Blocked    bool          `json:"blocked"`
	RetryAfter time.Duration `json:"-"`
}

type sourceState struct {
	mu           sync.Mutex
	tier         Tier
	tokens       float64
	lastRefill   time.Time
	violations   []time.Time
	blockedUntil time.Time
	indefinite   bool
}

// AuditSink receives audit entries produced by limiter mutations. The
// event store satisfies it; tests use a fake.
type AuditSink interface {
	RecordAudit(ctx context.Context, entry *models.AuditEntry) error
}

// Limiter implements per-source token buckets with tiered capacity and
// violation-driven temporary blocks. Different sources proceed in
// parallel; state for one source is guarded by its own lock.
type Limiter struct {
	mu          sync.RWMutex
	sources     map[string]*sourceState
	defaultTier Tier
	audit       AuditSink
}

func NewLimiter(defaultTier Tier, audit AuditSink) *Limiter {
	return &Limiter{
		sources:     make(map[string]*sourceState),
		defaultTier: defaultTier,
		audit:       audit,
	}
}

func (l *Limiter) stateFor(source string) *sourceState {
	l.mu.RLock()
	s := l.sources[source]
	l.mu.RUnlock()
	if s != nil {
		return s
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if s = l.sources[source]; s == nil {
		s = &sourceState{tier: l.defaultTier, tokens: l.defaultTier.Burst()}
		l.sources[source] = s
	}
	return s
}

// Admit attempts to consume one token for the source. On denial a
// violation is recorded; three violations within five minutes put the
// source in a five-minute block window.
func (l *Limiter) Admit(source string, now time.Time) Observation {
	s := l.stateFor(source)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tier == TierUnlimited {
		return Observation{Allowed: true, Tier: s.tier.String()}
	}

	if s.indefinite {
		return s.denied(now, 0)
	}
	if s.blockedUntil.After(now) {
		return s.denied(now, s.blockedUntil.Sub(now))
	}

	s.refill(now)

	if s.tokens >= 1 {
		s.tokens--
		return Observation{
			Allowed:    true,
			Tier:       s.tier.String(),
			Remaining:  s.tokens,
			Violations: len(s.violations),
		}
	}

	s.violations = evict(s.violations, now.Add(-violationWindow))
	s.violations = append(s.violations, now)
	if len(s.violations) >= violationsToBlock {
		s.blockedUntil = now.Add(violationBlock)
		log.Warn().Str("source", source).Int("violations", len(s.violations)).Msg("Source entered rate limit block window")
		return s.denied(now, violationBlock)
	}

	rate := s.tier.Capacity() / 60 // tokens per second
	wait := time.Duration((1 - s.tokens) / rate * float64(time.Second))
	return s.denied(now, wait)
}

func (s *sourceState) denied(now time.Time, retryAfter time.Duration) Observation {
	s.violations = evict(s.violations, now.Add(-violationWindow))
	return Observation{
		Tier:       s.tier.String(),
		Remaining:  s.tokens,
		Violations: len(s.violations),
		Blocked:    s.indefinite || s.blockedUntil.After(now),
		RetryAfter: retryAfter,
	}
}

func (s *sourceState) refill(now time.Time) {
	if s.lastRefill.IsZero() {
		s.lastRefill = now
		return
	}
	elapsed := now.Sub(s.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	rate := s.tier.Capacity() / 60
	s.tokens += elapsed * rate
	if burst := s.tier.Burst(); s.tokens > burst {
		s.tokens = burst
	}
	s.lastRefill = now
}

// SetTier changes a source's tier and refills its bucket to the new
// burst depth. Idempotent; emits an audit entry.
func (l *Limiter) SetTier(source string, tier Tier, actor string) {
	s := l.stateFor(source)
	s.mu.Lock()
	changed := s.tier != tier
	s.tier = tier
	if changed {
		s.tokens = tier.Burst()
	}
	s.mu.Unlock()

	l.recordAudit(actor, models.AuditActionSetTier, source, map[string]any{"tier": tier.String()})
}

// Reset clears the bucket, violations, and any block window. Idempotent.
func (l *Limiter) Reset(source string, actor string) {
	s := l.stateFor(source)
	s.mu.Lock()
	s.tokens = s.tier.Burst()
	s.lastRefill = time.Time{}
	s.violations = nil
	s.blockedUntil = time.Time{}
	s.indefinite = false
	s.mu.Unlock()

	l.recordAudit(actor, models.AuditActionResetSource, source, nil)
}

// Block puts the source in a block window. A zero until means
// indefinite; only an explicit Unblock or Reset lifts it.
func (l *Limiter) Block(source string, until time.Time) {
	s := l.stateFor(source)
	s.mu.Lock()
	if until.IsZero() {
		s.indefinite = true
	} else if until.After(s.blockedUntil) {
		s.blockedUntil = until
	}
	s.mu.Unlock()
}

// Unblock lifts both indefinite and windowed blocks. A no-op for
// sources that are not blocked.
func (l *Limiter) Unblock(source string) {
	s := l.stateFor(source)
	s.mu.Lock()
	s.indefinite = false
	s.blockedUntil = time.Time{}
	s.violations = nil
	s.mu.Unlock()
}

// Status reports the current observation for a source without consuming
// a token.
func (l *Limiter) Status(source string, now time.Time) Observation {
	s := l.stateFor(source)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tier == TierUnlimited {
		return Observation{Allowed: true, Tier: s.tier.String()}
	}
	s.refill(now)
	s.violations = evict(s.violations, now.Add(-violationWindow))
	return Observation{
		Allowed:    s.tokens >= 1 && !s.indefinite && !s.blockedUntil.After(now),
		Tier:       s.tier.String(),
		Remaining:  s.tokens,
		Violations: len(s.violations),
		Blocked:    s.indefinite || s.blockedUntil.After(now),
	}
}

func (l *Limiter) recordAudit(actor, action, resource string, metadata map[string]any) {
	if l.audit == nil {
		return
	}
	entry := &models.AuditEntry{
		Timestamp: time.Now(),
		Actor:     actor,
		Action:    action,
		Resource:  resource,
		Success:   true,
		Metadata:  models.JSONB(metadata),
	}
	if err := l.audit.RecordAudit(context.Background(), entry); err != nil {
		log.Error().Err(err).Str("action", action).Msg("Failed to record rate limiter audit entry")
	}
}

func evict(times []time.Time, cutoff time.Time) []time.Time {
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
