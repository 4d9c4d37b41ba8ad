package secmon

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/finguard/decision-engine/configs"
	"github.com/finguard/decision-engine/internal/models"
)

// Request is the per-request envelope the orchestrator feeds the
// monitor. Header-derived fields are already parsed.
type Request struct {
	Source          string
	Endpoint        string
	Method          string
	Timestamp       time.Time
	AuthFailed      bool
	RecordsAccessed int
	OffHours        bool
	Privileged      bool
	ConfigChange    bool
}

const (
	burstWindow       = time.Minute
	bruteForceWindow  = 15 * time.Minute
	exfilMeanWindow   = time.Hour
	endpointWindow    = 24 * time.Hour
	burstMedium       = 50
	burstHigh         = 100
	burstCritical     = 500
	bruteForceHigh    = 5
	bruteForceCrit    = 10
	exfilMeanFactor   = 10
	exfilAbsoluteMin  = 100
	exfilColdStartMin = 1000
	unusualHourMinObs = 10
)

type recordsSample struct {
	at    time.Time
	count int
}

// emitState tracks cooldown for one detection rule on one source. A rule
// re-emits only after its predicate has been false for the cooldown
// interval, unless the new level is higher than the last emitted one.
type emitState struct {
	active       bool
	lastTrue     time.Time
	emittedLevel models.ThreatLevel
}

type sourceWindows struct {
	mu           sync.Mutex
	requests     []time.Time
	authFailures []time.Time
	records      []recordsSample
	endpointSeen map[string]time.Time
	hourCounts   [24]int
	hourTotal    int
	adminSeen    map[string]bool
	emits        map[string]*emitState
}

// Monitor performs per-source pattern analysis over rolling windows.
// Different sources proceed in parallel; one source's windows are
// guarded by its own lock.
type Monitor struct {
	mu         sync.RWMutex
	sources    map[string]*sourceWindows
	cooldown   time.Duration
	windowSize int
	privileged map[string]bool
	admin      map[string]bool
}

func NewMonitor(cfg configs.SecurityConfig) *Monitor {
	privileged := make(map[string]bool, len(cfg.PrivilegedEndpoints))
	for _, e := range cfg.PrivilegedEndpoints {
		privileged[e] = true
	}
	admin := make(map[string]bool, len(cfg.AdminEndpoints))
	for _, e := range cfg.AdminEndpoints {
		admin[e] = true
	}
	return &Monitor{
		sources:    make(map[string]*sourceWindows),
		cooldown:   cfg.EmitCooldown,
		windowSize: cfg.RequestWindowSize,
		privileged: privileged,
		admin:      admin,
	}
}

func (m *Monitor) windowsFor(source string) *sourceWindows {
	m.mu.RLock()
	w := m.sources[source]
	m.mu.RUnlock()
	if w != nil {
		return w
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if w = m.sources[source]; w == nil {
		w = &sourceWindows{
			endpointSeen: make(map[string]time.Time),
			adminSeen:    make(map[string]bool),
			emits:        make(map[string]*emitState),
		}
		m.sources[source] = w
	}
	return w
}

// Observe folds one request into the source's windows and returns any
// newly emitted security events.
func (m *Monitor) Observe(req Request) []models.SecurityEvent {
	now := req.Timestamp
	if now.IsZero() {
		now = time.Now()
	}

	w := m.windowsFor(req.Source)
	w.mu.Lock()
	defer w.mu.Unlock()

	var events []models.SecurityEvent
	emit := func(key string, kind models.ThreatKind, level models.ThreatLevel, description string, metadata models.JSONB) {
		if w.shouldEmit(key, level, now, m.cooldown) {
			events = append(events, models.SecurityEvent{
				ID:             uuid.New(),
				Timestamp:      now,
				Kind:           kind,
				Level:          level,
				Source:         req.Source,
				Endpoint:       req.Endpoint,
				Description:    description,
				Metadata:       metadata,
				RequiresReview: level >= models.ReviewThreshold,
			})
		}
	}

	// Request burst window, ring capped at windowSize.
	w.requests = append(evictTimes(w.requests, now.Add(-burstWindow)), now)
	if len(w.requests) > m.windowSize {
		w.requests = w.requests[len(w.requests)-m.windowSize:]
	}
	perMinute := len(w.requests)
	switch {
	case perMinute >= burstCritical:
		emit("api_abuse", models.ThreatAPIAbuse, models.LevelCritical,
			fmt.Sprintf("severe request burst: %d requests in 60s", perMinute),
			models.JSONB{"requests_per_minute": perMinute})
	case perMinute >= burstHigh:
		emit("api_abuse", models.ThreatAPIAbuse, models.LevelHigh,
			fmt.Sprintf("sustained request burst: %d requests in 60s", perMinute),
			models.JSONB{"requests_per_minute": perMinute})
	case perMinute >= burstMedium:
		emit("api_abuse", models.ThreatAPIAbuse, models.LevelMedium,
			fmt.Sprintf("request burst: %d requests in 60s", perMinute),
			models.JSONB{"requests_per_minute": perMinute})
	default:
		w.decay("api_abuse", now, m.cooldown)
	}

	// Authentication failures.
	if req.AuthFailed {
		w.authFailures = append(evictTimes(w.authFailures, now.Add(-bruteForceWindow)), now)
	} else {
		w.authFailures = evictTimes(w.authFailures, now.Add(-bruteForceWindow))
	}
	failures := len(w.authFailures)
	switch {
	case failures >= bruteForceCrit:
		emit("brute_force", models.ThreatBruteForce, models.LevelCritical,
			fmt.Sprintf("%d authentication failures within 15m", failures),
			models.JSONB{"failures": failures})
	case failures >= bruteForceHigh:
		emit("brute_force", models.ThreatBruteForce, models.LevelHigh,
			fmt.Sprintf("%d authentication failures within 15m", failures),
			models.JSONB{"failures": failures})
	default:
		w.decay("brute_force", now, m.cooldown)
	}

	// Data exfiltration: current records count against the rolling mean.
	// A source with no baseline only trips the absolute cold-start
	// threshold; the ratio test starts with the second sample.
	if req.RecordsAccessed > 0 {
		mean := w.recordsMean(now)
		switch {
		case mean > 0 && float64(req.RecordsAccessed) >= exfilMeanFactor*mean && req.RecordsAccessed >= exfilAbsoluteMin:
			emit("data_exfiltration", models.ThreatDataExfiltration, models.LevelHigh,
				fmt.Sprintf("records accessed (%d) is %.0fx the 1h mean", req.RecordsAccessed, float64(req.RecordsAccessed)/mean),
				models.JSONB{"records_accessed": req.RecordsAccessed, "rolling_mean": mean})
		case mean == 0 && req.RecordsAccessed >= exfilColdStartMin:
			emit("data_exfiltration", models.ThreatDataExfiltration, models.LevelHigh,
				fmt.Sprintf("records accessed (%d) with no access baseline", req.RecordsAccessed),
				models.JSONB{"records_accessed": req.RecordsAccessed})
		default:
			w.decay("data_exfiltration", now, m.cooldown)
		}
		w.records = append(evictRecords(w.records, now.Add(-exfilMeanWindow)), recordsSample{at: now, count: req.RecordsAccessed})
	}

	// Insider threat: privileged access off hours.
	privileged := req.Privileged || m.privileged[req.Endpoint]
	hour := now.Hour()
	offHours := req.OffHours || hour >= 22 || hour < 6
	if privileged && offHours {
		emit("insider_threat", models.ThreatInsiderThreat, models.LevelHigh,
			fmt.Sprintf("privileged endpoint %s accessed off hours", req.Endpoint),
			models.JSONB{"hour": hour})
	} else {
		w.decay("insider_threat", now, m.cooldown)
	}

	// Privilege escalation: first-ever admin endpoint access.
	if m.admin[req.Endpoint] && !w.adminSeen[req.Endpoint] {
		w.adminSeen[req.Endpoint] = true
		emit("privilege_escalation:"+req.Endpoint, models.ThreatPrivilegeEscalation, models.LevelHigh,
			fmt.Sprintf("first access to admin endpoint %s", req.Endpoint),
			nil)
	}

	// Unusual access: unseen endpoint outside the source's usual hours.
	lastSeen, seen := w.endpointSeen[req.Endpoint]
	newEndpoint := !seen || now.Sub(lastSeen) > endpointWindow
	if newEndpoint && w.hourTotal >= unusualHourMinObs && w.hourCounts[hour] == 0 {
		emit("unusual_access:"+req.Endpoint, models.ThreatUnusualAccess, models.LevelMedium,
			fmt.Sprintf("endpoint %s accessed at unusual hour %d", req.Endpoint, hour),
			models.JSONB{"hour": hour})
	}
	w.endpointSeen[req.Endpoint] = now
	w.hourCounts[hour]++
	w.hourTotal++

	if req.ConfigChange {
		emit("system_anomaly", models.ThreatSystemAnomaly, models.LevelMedium,
			"configuration change signal observed", nil)
	} else {
		w.decay("system_anomaly", now, m.cooldown)
	}

	return events
}

// ReportAnomaly emits a system-anomaly event outside the request path,
// used when an internal component degrades.
func (m *Monitor) ReportAnomaly(source, description string, now time.Time) *models.SecurityEvent {
	w := m.windowsFor(source)
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.shouldEmit("system_anomaly:internal", models.LevelMedium, now, m.cooldown) {
		return nil
	}
	return &models.SecurityEvent{
		ID:             uuid.New(),
		Timestamp:      now,
		Kind:           models.ThreatSystemAnomaly,
		Level:          models.LevelMedium,
		Source:         source,
		Description:    description,
		RequiresReview: true,
	}
}

// Stats reports the number of sources currently tracked.
func (m *Monitor) Stats() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]any{"tracked_sources": len(m.sources)}
}

// shouldEmit applies the cooldown: emit when the rule is newly active or
// its level increased; otherwise refresh lastTrue and stay quiet.
func (w *sourceWindows) shouldEmit(key string, level models.ThreatLevel, now time.Time, cooldown time.Duration) bool {
	st := w.emits[key]
	if st == nil {
		st = &emitState{}
		w.emits[key] = st
	}

	if st.active && now.Sub(st.lastTrue) >= cooldown {
		st.active = false
	}
	st.lastTrue = now

	if st.active && level <= st.emittedLevel {
		return false
	}
	st.active = true
	st.emittedLevel = level
	return true
}

// decay marks a rule's predicate false; after the cooldown it may emit
// again.
func (w *sourceWindows) decay(key string, now time.Time, cooldown time.Duration) {
	st := w.emits[key]
	if st == nil || !st.active {
		return
	}
	if now.Sub(st.lastTrue) >= cooldown {
		st.active = false
		st.emittedLevel = 0
	}
}

func (w *sourceWindows) recordsMean(now time.Time) float64 {
	w.records = evictRecords(w.records, now.Add(-exfilMeanWindow))
	if len(w.records) == 0 {
		return 0
	}
	sum := 0
	for _, s := range w.records {
		sum += s.count
	}
	return float64(sum) / float64(len(w.records))
}

func evictTimes(times []time.Time, cutoff time.Time) []time.Time {
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

func evictRecords(samples []recordsSample, cutoff time.Time) []recordsSample {
	kept := samples[:0]
	for _, s := range samples {
		if s.at.After(cutoff) {
			kept = append(kept, s)
		}
	}
	return kept
}
