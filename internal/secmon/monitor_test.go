package secmon

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finguard/decision-engine/configs"
	"github.com/finguard/decision-engine/internal/models"
)

func newTestMonitor() *Monitor {
	return NewMonitor(configs.SecurityConfig{
		EmitCooldown:        60 * time.Second,
		RequestWindowSize:   1000,
		PrivilegedEndpoints: []string{"/v1/security/audit-trail"},
		AdminEndpoints:      []string{"/v1/security/sources"},
	})
}

func baseRequest(source string, at time.Time) Request {
	return Request{
		Source:    source,
		Endpoint:  "/v1/decision",
		Method:    "POST",
		Timestamp: at,
	}
}

func findEvent(events []models.SecurityEvent, kind models.ThreatKind) *models.SecurityEvent {
	for i := range events {
		if events[i].Kind == kind {
			return &events[i]
		}
	}
	return nil
}

func TestBruteForceEscalation(t *testing.T) {
	m := newTestMonitor()
	// Daytime so the insider-threat clock stays quiet.
	base := time.Date(2024, 6, 10, 10, 0, 0, 0, time.UTC)

	var warning, critical *models.SecurityEvent
	for i := 0; i < 10; i++ {
		req := baseRequest("attacker", base.Add(time.Duration(i)*time.Second))
		req.AuthFailed = true
		events := m.Observe(req)
		if ev := findEvent(events, models.ThreatBruteForce); ev != nil {
			if ev.Level == models.LevelHigh {
				warning = ev
			}
			if ev.Level == models.LevelCritical {
				critical = ev
			}
		}
	}

	require.NotNil(t, warning, "expected a high-level warning at 5 failures")
	require.NotNil(t, critical, "expected a critical event at 10 failures")
	assert.True(t, critical.RequiresReview)
}

func TestBruteForceCooldownSuppresssesRepeat(t *testing.T) {
	m := newTestMonitor()
	base := time.Date(2024, 6, 10, 10, 0, 0, 0, time.UTC)

	emitted := 0
	// 8 failures within the cooldown: one High emission, then silence
	// (the count stays below the critical threshold).
	for i := 0; i < 8; i++ {
		req := baseRequest("attacker", base.Add(time.Duration(i)*time.Second))
		req.AuthFailed = true
		if findEvent(m.Observe(req), models.ThreatBruteForce) != nil {
			emitted++
		}
	}
	assert.Equal(t, 1, emitted)
}

func TestAPIAbuseBurst(t *testing.T) {
	m := newTestMonitor()
	base := time.Date(2024, 6, 10, 10, 0, 0, 0, time.UTC)

	var burst *models.SecurityEvent
	for i := 0; i < 60; i++ {
		events := m.Observe(baseRequest("noisy", base.Add(time.Duration(i)*time.Millisecond)))
		if ev := findEvent(events, models.ThreatAPIAbuse); ev != nil && burst == nil {
			burst = ev
		}
	}

	require.NotNil(t, burst)
	assert.Equal(t, models.LevelMedium, burst.Level)
}

func TestAPIAbuseEscalatesToCritical(t *testing.T) {
	m := newTestMonitor()
	base := time.Date(2024, 6, 10, 10, 0, 0, 0, time.UTC)

	var critical *models.SecurityEvent
	for i := 0; i < 600; i++ {
		events := m.Observe(baseRequest("flood", base.Add(time.Duration(i)*time.Millisecond)))
		if ev := findEvent(events, models.ThreatAPIAbuse); ev != nil && ev.Level == models.LevelCritical {
			critical = ev
			break
		}
	}

	require.NotNil(t, critical)
}

func TestDataExfiltration(t *testing.T) {
	m := newTestMonitor()
	base := time.Date(2024, 6, 10, 10, 0, 0, 0, time.UTC)

	// Establish a small rolling mean.
	for i := 0; i < 5; i++ {
		req := baseRequest("reader", base.Add(time.Duration(i)*time.Minute))
		req.RecordsAccessed = 5
		m.Observe(req)
	}

	req := baseRequest("reader", base.Add(10*time.Minute))
	req.RecordsAccessed = 500
	events := m.Observe(req)

	ev := findEvent(events, models.ThreatDataExfiltration)
	require.NotNil(t, ev)
	assert.Equal(t, models.LevelHigh, ev.Level)
}

func TestDataExfiltrationColdStart(t *testing.T) {
	m := newTestMonitor()
	at := time.Date(2024, 6, 10, 10, 0, 0, 0, time.UTC)

	// No baseline yet: a moderate first read stays quiet.
	req := baseRequest("scraper", at)
	req.RecordsAccessed = 500
	assert.Nil(t, findEvent(m.Observe(req), models.ThreatDataExfiltration))

	// A first read past the cold-start threshold emits without a mean.
	req = baseRequest("bulk-reader", at)
	req.RecordsAccessed = 5000
	ev := findEvent(m.Observe(req), models.ThreatDataExfiltration)
	require.NotNil(t, ev)
	assert.Equal(t, models.LevelHigh, ev.Level)
}

func TestUnusualAccessNewEndpointAtUnseenHour(t *testing.T) {
	m := newTestMonitor()
	base := time.Date(2024, 6, 10, 10, 0, 0, 0, time.UTC)

	// Build the hour profile: a dozen requests in the 10:00 band.
	for i := 0; i < 12; i++ {
		m.Observe(baseRequest("worker", base.Add(time.Duration(i)*time.Minute)))
	}

	// A new endpoint at an hour the source has never been active in.
	req := baseRequest("worker", time.Date(2024, 6, 10, 14, 0, 0, 0, time.UTC))
	req.Endpoint = "/v1/security/dashboard"
	events := m.Observe(req)

	ev := findEvent(events, models.ThreatUnusualAccess)
	require.NotNil(t, ev)
	assert.Equal(t, models.LevelMedium, ev.Level)
}

func TestUnusualAccessQuietDuringWarmup(t *testing.T) {
	m := newTestMonitor()
	base := time.Date(2024, 6, 10, 10, 0, 0, 0, time.UTC)

	// Only 3 observations: below the minimum hour-profile size.
	for i := 0; i < 3; i++ {
		m.Observe(baseRequest("worker", base.Add(time.Duration(i)*time.Minute)))
	}

	req := baseRequest("worker", time.Date(2024, 6, 10, 14, 0, 0, 0, time.UTC))
	req.Endpoint = "/v1/security/dashboard"
	assert.Nil(t, findEvent(m.Observe(req), models.ThreatUnusualAccess))
}

func TestInsiderThreatOffHours(t *testing.T) {
	m := newTestMonitor()
	at := time.Date(2024, 6, 10, 2, 0, 0, 0, time.UTC)

	req := baseRequest("insider", at)
	req.Endpoint = "/v1/security/audit-trail"
	events := m.Observe(req)

	ev := findEvent(events, models.ThreatInsiderThreat)
	require.NotNil(t, ev)
	assert.Equal(t, models.LevelHigh, ev.Level)
}

func TestInsiderThreatSentinelHeader(t *testing.T) {
	m := newTestMonitor()
	at := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)

	req := baseRequest("insider", at)
	req.Privileged = true
	req.OffHours = true
	events := m.Observe(req)

	require.NotNil(t, findEvent(events, models.ThreatInsiderThreat))
}

func TestPrivilegeEscalationFirstAccessOnly(t *testing.T) {
	m := newTestMonitor()
	at := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)

	req := baseRequest("probe", at)
	req.Endpoint = "/v1/security/sources"

	first := m.Observe(req)
	require.NotNil(t, findEvent(first, models.ThreatPrivilegeEscalation))

	req.Timestamp = at.Add(time.Minute)
	second := m.Observe(req)
	assert.Nil(t, findEvent(second, models.ThreatPrivilegeEscalation))
}

func TestConfigChangeAnomaly(t *testing.T) {
	m := newTestMonitor()
	at := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)

	req := baseRequest("ops", at)
	req.ConfigChange = true
	events := m.Observe(req)

	ev := findEvent(events, models.ThreatSystemAnomaly)
	require.NotNil(t, ev)
	assert.Equal(t, models.LevelMedium, ev.Level)
}

func TestReportAnomalyCooldown(t *testing.T) {
	m := newTestMonitor()
	at := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)

	first := m.ReportAnomaly("engine", "rate limiter degraded", at)
	require.NotNil(t, first)
	assert.Equal(t, models.ThreatSystemAnomaly, first.Kind)

	assert.Nil(t, m.ReportAnomaly("engine", "rate limiter degraded", at.Add(time.Second)))
	assert.NotNil(t, m.ReportAnomaly("engine", "rate limiter degraded", at.Add(2*time.Minute)))
}
