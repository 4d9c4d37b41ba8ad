package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/finguard/decision-engine/internal/behavior"
	"github.com/finguard/decision-engine/internal/export"
	"github.com/finguard/decision-engine/internal/models"
	"github.com/finguard/decision-engine/internal/pipeline"
	"github.com/finguard/decision-engine/internal/ratelimit"
	"github.com/finguard/decision-engine/internal/secmon"
)

// EventSink is the persistence surface the orchestrator writes to. The
// event store satisfies it; tests use a fake.
type EventSink interface {
	StoreEvent(ctx context.Context, event *models.SecurityEvent) error
	RecordAccess(ctx context.Context, access *models.APIAccess) error
	RecordAudit(ctx context.Context, entry *models.AuditEntry) error
	BlockSource(ctx context.Context, block *models.BlockedSource) error
}

// SessionTracker is the session surface the orchestrator drives.
type SessionTracker interface {
	RecordTransaction(ctx context.Context, tx *models.Transaction, now time.Time) (*models.Session, bool, error)
	ApplyRisk(ctx context.Context, session *models.Session, risk int, anomalies []string) error
	Terminate(ctx context.Context, sessionID, reason, actor string, now time.Time) error
}

// ErrRateLimited is returned when admission is denied; the observation
// carries the retry information.
type ErrRateLimited struct {
	Observation ratelimit.Observation
}

func (e *ErrRateLimited) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.Observation.RetryAfter)
}

// SessionRisk is the per-session slice of a decision response.
type SessionRisk struct {
	SessionID         string   `json:"session_id"`
	RiskScore         int      `json:"risk_score"`
	SignalsTriggered  []string `json:"signals_triggered"`
	AnomaliesDetected []string `json:"anomalies_detected"`
	IsTerminated      bool     `json:"is_terminated"`
	TerminationReason string   `json:"termination_reason,omitempty"`
	TransactionCount  int      `json:"transaction_count"`
}

// Result is one completed decision request.
type Result struct {
	Decision    models.Decision
	SessionRisk *SessionRisk
}

const (
	reasonTimeout            = "timeout"
	reasonSessionTerminated  = "session terminated by behavioral risk"
	reasonTerminatedUpstream = "session already terminated"
	terminationReason        = "critical behavioral risk"
)

// Orchestrator wires the request path: rate limiting, the decision
// pipeline, session tracking, security monitoring, and event
// persistence. Event-store writes ride a bounded async queue; a full
// queue drops the oldest task and counts the drop.
type Orchestrator struct {
	limiter  *ratelimit.Limiter
	monitor  *secmon.Monitor
	pipeline *pipeline.Pipeline
	sessions SessionTracker
	scorer   *behavior.Scorer
	events   EventSink
	exporter *export.Exporter

	budget  time.Duration
	queue   chan func(context.Context)
	dropped atomic.Uint64
}

func New(limiter *ratelimit.Limiter, monitor *secmon.Monitor, p *pipeline.Pipeline, sessions SessionTracker, scorer *behavior.Scorer, events EventSink, exporter *export.Exporter, budget time.Duration, queueSize int) *Orchestrator {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Orchestrator{
		limiter:  limiter,
		monitor:  monitor,
		pipeline: p,
		sessions: sessions,
		scorer:   scorer,
		events:   events,
		exporter: exporter,
		budget:   budget,
		queue:    make(chan func(context.Context), queueSize),
	}
}

// Run drains the async persistence queue until the context is
// cancelled. A task that has started is never cancelled mid-write.
func (o *Orchestrator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-o.queue:
			task(context.Background())
		}
	}
}

// enqueue adds a persistence task, evicting the oldest queued task when
// full so the request path never blocks.
func (o *Orchestrator) enqueue(task func(context.Context)) {
	for {
		select {
		case o.queue <- task:
			return
		default:
		}
		select {
		case <-o.queue:
			o.dropped.Add(1)
		default:
		}
	}
}

// Stats reports queue depth and the dropped-task counter.
func (o *Orchestrator) Stats() map[string]any {
	return map[string]any{
		"queue_depth":   len(o.queue),
		"queue_dropped": o.dropped.Load(),
	}
}

// HandleDecision runs the full request path for one transaction. A
// denied admission returns ErrRateLimited; failures in session
// tracking, security monitoring, or persistence never fail the
// decision.
func (o *Orchestrator) HandleDecision(ctx context.Context, env secmon.Request, tx *models.Transaction, bypassLimiter bool) (*Result, error) {
	start := time.Now()

	if !bypassLimiter {
		obs := o.limiter.Admit(env.Source, start)
		if !obs.Allowed {
			o.logAccess(env, 429, time.Since(start))
			return nil, &ErrRateLimited{Observation: obs}
		}
	}

	pipeCtx, cancel := context.WithTimeout(ctx, o.budget)
	decision, err := o.pipeline.Evaluate(pipeCtx, tx)
	cancel()
	if err != nil {
		if !errors.Is(err, context.DeadlineExceeded) {
			o.logAccess(env, 500, time.Since(start))
			o.enqueue(func(ctx context.Context) {
				if auditErr := o.events.RecordAudit(ctx, &models.AuditEntry{
					Timestamp: time.Now(),
					Actor:     models.SystemActor,
					Action:    models.AuditActionDecisionRequest,
					Resource:  tx.TransactionID,
					Success:   false,
					Metadata:  models.JSONB{"error": err.Error()},
				}); auditErr != nil {
					log.Error().Err(auditErr).Msg("Failed to record pipeline failure audit entry")
				}
			})
			return nil, err
		}

		// Budget exceeded: degrade rather than fail.
		decision = models.Decision{
			Code:    models.DecisionReview,
			Reasons: []string{reasonTimeout},
		}
		o.enqueue(func(ctx context.Context) {
			if auditErr := o.events.RecordAudit(ctx, &models.AuditEntry{
				Timestamp: time.Now(),
				Actor:     models.SystemActor,
				Action:    models.AuditActionDecisionRequest,
				Resource:  tx.TransactionID,
				Success:   false,
				Metadata:  models.JSONB{"error": reasonTimeout},
			}); auditErr != nil {
				log.Error().Err(auditErr).Msg("Failed to record timeout audit entry")
			}
		})
	}

	result := &Result{Decision: decision}
	if tx.SessionID != "" {
		result.SessionRisk = o.trackSession(ctx, tx, &result.Decision, start)
	}

	o.observeSecurity(ctx, env)

	decision = result.Decision
	decision.LatencyMs = float64(time.Since(start).Microseconds()) / 1000
	result.Decision = decision

	o.logAccess(env, 200, time.Since(start))
	return result, nil
}

// trackSession folds the transaction into its session and applies the
// behavioral score. Errors are logged and swallowed; the only way the
// session path changes the decision is the termination upgrade.
func (o *Orchestrator) trackSession(ctx context.Context, tx *models.Transaction, decision *models.Decision, now time.Time) *SessionRisk {
	session, _, err := o.sessions.RecordTransaction(ctx, tx, now)
	if err != nil {
		if session != nil && session.Terminated {
			decision.Code = models.DecisionBlock
			decision.Reasons = append(decision.Reasons, reasonTerminatedUpstream)
			return sessionRisk(session)
		}
		log.Error().Err(err).Str("session_id", tx.SessionID).Msg("Session tracking failed")
		return nil
	}

	score := o.scorer.Score(session, tx, now)
	if err := o.sessions.ApplyRisk(ctx, session, score.Score, score.Anomalies); err != nil {
		log.Error().Err(err).Str("session_id", tx.SessionID).Msg("Failed to persist session risk")
	}

	if score.Score >= models.CriticalRiskScore && !session.Terminated {
		if err := o.sessions.Terminate(ctx, session.ID, terminationReason, models.SystemActor, now); err != nil {
			log.Error().Err(err).Str("session_id", session.ID).Msg("Failed to terminate session")
		} else {
			session.Terminated = true
			session.TerminationReason = terminationReason
			decision.Code = models.DecisionBlock
			decision.Reasons = append(decision.Reasons, reasonSessionTerminated)
		}
	}

	risk := sessionRisk(session)
	risk.RiskScore = score.Score
	risk.SignalsTriggered = score.Signals
	risk.AnomaliesDetected = score.Anomalies
	return risk
}

func sessionRisk(session *models.Session) *SessionRisk {
	return &SessionRisk{
		SessionID:         session.ID,
		RiskScore:         session.RiskScore,
		SignalsTriggered:  []string{},
		AnomaliesDetected: session.Anomalies,
		IsTerminated:      session.Terminated,
		TerminationReason: session.TerminationReason,
		TransactionCount:  session.TransactionCount,
	}
}

// observeSecurity feeds the monitor and persists emitted events.
// Critical events block the source before the response goes out.
func (o *Orchestrator) observeSecurity(ctx context.Context, env secmon.Request) {
	events := o.monitor.Observe(env)
	for i := range events {
		event := events[i]
		o.exporter.Publish(&event)

		if event.Level == models.LevelCritical {
			o.blockSource(ctx, event)
		}

		o.enqueue(func(ctx context.Context) {
			if err := o.events.StoreEvent(ctx, &event); err != nil {
				log.Error().Err(err).Str("kind", event.Kind.String()).Msg("Failed to persist security event")
			}
		})
	}
}

// blockSource marks the source blocked durably and in the limiter. The
// limiter block is indefinite; only an analyst unblock lifts it.
func (o *Orchestrator) blockSource(ctx context.Context, event models.SecurityEvent) {
	o.limiter.Block(event.Source, time.Time{})

	block := &models.BlockedSource{
		Source:    event.Source,
		BlockedAt: event.Timestamp,
		Reason:    event.Description,
		Level:     event.Level,
		Auto:      true,
	}
	if err := o.events.BlockSource(ctx, block); err != nil {
		log.Error().Err(err).Str("source", event.Source).Msg("Failed to persist source block")
	}
	log.Warn().Str("source", event.Source).Str("kind", event.Kind.String()).Msg("Source auto-blocked on critical event")
}

// ObserveRequest feeds a non-decision request through security
// monitoring, with the same persistence and auto-block path as the
// decision flow.
func (o *Orchestrator) ObserveRequest(ctx context.Context, env secmon.Request) {
	o.observeSecurity(ctx, env)
}

// ReportAnomaly surfaces an internal degradation as a security event.
func (o *Orchestrator) ReportAnomaly(source, description string) {
	event := o.monitor.ReportAnomaly(source, description, time.Now())
	if event == nil {
		return
	}
	o.enqueue(func(ctx context.Context) {
		if err := o.events.StoreEvent(ctx, event); err != nil {
			log.Error().Err(err).Msg("Failed to persist anomaly event")
		}
	})
}

func (o *Orchestrator) logAccess(env secmon.Request, status int, latency time.Duration) {
	access := &models.APIAccess{
		Timestamp: time.Now(),
		Source:    env.Source,
		Endpoint:  env.Endpoint,
		Method:    env.Method,
		Status:    status,
		LatencyMs: float64(latency.Microseconds()) / 1000,
	}
	o.enqueue(func(ctx context.Context) {
		if err := o.events.RecordAccess(ctx, access); err != nil {
			log.Error().Err(err).Msg("Failed to record api access")
		}
	})
}
