package detect

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"bastion/core"
	"bastion/storage"
)

type mockSink struct {
	mu     sync.Mutex
	events []*core.SecurityEvent
}

func (m *mockSink) Publish(event *core.SecurityEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
}

func (m *mockSink) published() []*core.SecurityEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*core.SecurityEvent, len(m.events))
	copy(out, m.events)
	return out
}

type engineHarness struct {
	engine  *Engine
	store   *storage.MemoryEventStore
	sink    *mockSink
	alerter *mockAlerter
	clock   *fakeClock
}

func newEngineHarness(t *testing.T, config EngineConfig) *engineHarness {
	t.Helper()

	clock := newFakeClock(time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC))
	store := storage.NewMemoryEventStore()
	sink := &mockSink{}
	logger := zap.NewNop().Sugar()

	engine, err := NewEngine(config, store, sink, clock, logger)
	require.NoError(t, err)

	alerter := &mockAlerter{}
	engine.SetExecutor(NewActionExecutor(engine.Blocklist(), &mockInvalidator{}, alerter, &mockLimiter{}, logger))
	t.Cleanup(engine.Blocklist().Stop)

	return &engineHarness{engine: engine, store: store, sink: sink, alerter: alerter, clock: clock}
}

func TestReportEventAssignsSeverityAndBaseRisk(t *testing.T) {
	h := newEngineHarness(t, EngineConfig{})
	ctx := context.Background()

	event, err := h.engine.ReportEvent(ctx, core.EventSuspiciousLogin, "session-manager", ReportOptions{
		UserID:   "alice",
		ClientIP: "198.51.100.7",
	})
	require.NoError(t, err)

	assert.Equal(t, core.SeverityMedium, event.Severity)
	assert.Equal(t, 40, event.RiskScore)

	stored, err := h.store.Get(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, event.Type, stored.Type)

	require.Len(t, h.sink.published(), 1)
}

func TestReportEventContextualRiskAdditions(t *testing.T) {
	h := newEngineHarness(t, EngineConfig{AdminUsers: []string{"root"}})
	ctx := context.Background()

	h.engine.Blocklist().Block("203.0.113.9", "test", 0)

	event, err := h.engine.ReportEvent(ctx, core.EventFailedLogin, "session-manager", ReportOptions{
		UserID:   "root",
		ClientIP: "203.0.113.9",
	})
	require.NoError(t, err)

	// Base 10, +30 blocked IP, +20 admin actor.
	assert.Equal(t, 60, event.RiskScore)
}

func TestReportEventRiskIsClamped(t *testing.T) {
	h := newEngineHarness(t, EngineConfig{AdminUsers: []string{"root"}})
	ctx := context.Background()

	h.engine.Blocklist().Block("203.0.113.9", "test", 0)

	event, err := h.engine.ReportEvent(ctx, core.EventMalwareDetected, "scanner", ReportOptions{
		UserID:   "root",
		ClientIP: "203.0.113.9",
	})
	require.NoError(t, err)
	assert.Equal(t, 100, event.RiskScore, "95 + 30 + 20 clamps to 100")
}

func TestReportEventCriticalAutoEscalates(t *testing.T) {
	h := newEngineHarness(t, EngineConfig{})
	ctx := context.Background()

	event, err := h.engine.ReportEvent(ctx, core.EventMalwareDetected, "scanner", ReportOptions{
		UserID: "carol",
	})
	require.NoError(t, err)

	assert.Equal(t, core.SeverityCritical, event.Severity)
	assert.Contains(t, event.ResponseActionsTaken, core.ActionAlert)
	assert.Contains(t, event.ResponseActionsTaken, core.ActionEscalate)
	assert.Equal(t, []string{event.ID}, h.alerter.alerts)
	assert.Equal(t, []string{event.ID}, h.alerter.escalated)

	// The persisted copy carries the action trail.
	stored, err := h.store.Get(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, event.ResponseActionsTaken, stored.ResponseActionsTaken)
}

func TestReportEventMatchedRuleActionsRunInOrder(t *testing.T) {
	h := newEngineHarness(t, EngineConfig{})
	ctx := context.Background()

	rule := &ThreatRule{
		ID:      "r-inject",
		Name:    "Injection response",
		Pattern: "type=injection_attempt",
		Enabled: true,
		Actions: []core.ResponseAction{core.ActionBlockIP, core.ActionAlert},
	}
	require.NoError(t, h.engine.AddRule(rule))

	event, err := h.engine.ReportEvent(ctx, core.EventInjectionAttempt, "api", ReportOptions{
		ClientIP: "192.0.2.44",
	})
	require.NoError(t, err)

	assert.Equal(t, []core.ResponseAction{core.ActionBlockIP, core.ActionAlert}, event.ResponseActionsTaken)
	assert.True(t, h.engine.IsIPBlocked("192.0.2.44"))
}

func TestReportEventDisabledRuleIsSkipped(t *testing.T) {
	h := newEngineHarness(t, EngineConfig{})
	ctx := context.Background()

	rule := &ThreatRule{
		ID:      "r-off",
		Pattern: "type=failed_login",
		Enabled: false,
		Actions: []core.ResponseAction{core.ActionAlert},
	}
	require.NoError(t, h.engine.AddRule(rule))

	event, err := h.engine.ReportEvent(ctx, core.EventFailedLogin, "session-manager", ReportOptions{})
	require.NoError(t, err)
	assert.Empty(t, event.ResponseActionsTaken)

	require.NoError(t, h.engine.SetRuleEnabled("r-off", true))
	event, err = h.engine.ReportEvent(ctx, core.EventFailedLogin, "session-manager", ReportOptions{})
	require.NoError(t, err)
	assert.Equal(t, []core.ResponseAction{core.ActionAlert}, event.ResponseActionsTaken)
}

func TestResolveEventIsIdempotent(t *testing.T) {
	h := newEngineHarness(t, EngineConfig{})
	ctx := context.Background()

	event, err := h.engine.ReportEvent(ctx, core.EventAccountLocked, "lockout-tracker", ReportOptions{UserID: "dave"})
	require.NoError(t, err)

	require.NoError(t, h.engine.ResolveEvent(ctx, event.ID))

	stored, err := h.store.Get(ctx, event.ID)
	require.NoError(t, err)
	require.True(t, stored.Resolved)
	require.NotNil(t, stored.ResolvedAt)
	firstResolvedAt := *stored.ResolvedAt

	h.clock.Advance(time.Hour)
	require.NoError(t, h.engine.ResolveEvent(ctx, event.ID))

	stored, err = h.store.Get(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, firstResolvedAt, *stored.ResolvedAt, "second resolve does not move the timestamp")

	assert.ErrorIs(t, h.engine.ResolveEvent(ctx, "no-such-event"), storage.ErrNotFound)
}

func TestEngineMetricsProjection(t *testing.T) {
	h := newEngineHarness(t, EngineConfig{})
	ctx := context.Background()

	_, err := h.engine.ReportEvent(ctx, core.EventFailedLogin, "session-manager", ReportOptions{})
	require.NoError(t, err)
	old, err := h.engine.ReportEvent(ctx, core.EventBruteForceAttack, "brute-force-detector", ReportOptions{})
	require.NoError(t, err)
	require.NoError(t, h.engine.ResolveEvent(ctx, old.ID))
	h.engine.BlockIP(ctx, "203.0.113.1", "test", 0)

	// Push the clock forward so only the block event lands in the last 24h.
	h.clock.Advance(30 * time.Hour)
	_, err = h.engine.ReportEvent(ctx, core.EventSessionHijacking, "session-manager", ReportOptions{UserID: "eve"})
	require.NoError(t, err)

	m, err := h.engine.Metrics(ctx)
	require.NoError(t, err)

	assert.Equal(t, 4, m.TotalEvents)
	assert.Equal(t, 1, m.EventsLast24h)
	assert.Equal(t, 2, m.HighSeverityEvents, "brute force (high) and hijacking (critical)")
	assert.Equal(t, 1, m.BlockedIPs)
	// Unresolved above low severity: the ip_blocked (medium) and hijacking
	// (critical) events; the brute force event was resolved.
	assert.Equal(t, 2, m.UnresolvedEvents)
}

func TestDetectBruteForceEmitsEvent(t *testing.T) {
	h := newEngineHarness(t, EngineConfig{})
	ctx := context.Background()

	var result BruteForceResult
	for i := 0; i < 5; i++ {
		result = h.engine.DetectBruteForce(ctx, "alice", AttemptLogin, false)
	}
	require.True(t, result.IsBruteForce)
	require.True(t, result.ShouldBlock)

	events, err := h.engine.RecentEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, core.EventBruteForceAttack, events[0].Type)
	assert.Equal(t, "alice", events[0].Details["identifier"])
}

func TestDetectAnomalousActivityReportsEvent(t *testing.T) {
	h := newEngineHarness(t, EngineConfig{})
	ctx := context.Background()

	first := h.engine.DetectAnomalousActivity(ctx, "frank", "export", nil)
	assert.True(t, first.BuildingBaseline)

	h.clock.Advance(100 * time.Hour)
	var result AnomalyResult
	for i := 0; i < 11; i++ {
		result = h.engine.DetectAnomalousActivity(ctx, "frank", "export", nil)
	}
	require.True(t, result.Anomalous)

	events, err := h.engine.RecentEvents(ctx, 50)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, core.EventAnomalousActivity, events[0].Type)
	assert.Equal(t, "frank", events[0].UserID)
	assert.Equal(t, "export", events[0].Details["action"])
}

func TestBlockIPRecordsEventAndUnblocks(t *testing.T) {
	h := newEngineHarness(t, EngineConfig{})
	ctx := context.Background()

	h.engine.BlockIP(ctx, "198.51.100.20", "manual", time.Hour)
	assert.True(t, h.engine.IsIPBlocked("198.51.100.20"))

	events, err := h.engine.RecentEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, core.EventIPBlocked, events[0].Type)
	assert.Equal(t, "manual", events[0].Details["reason"])

	assert.True(t, h.engine.UnblockIP("198.51.100.20"))
	assert.False(t, h.engine.IsIPBlocked("198.51.100.20"))
}

func TestAddRuleRejectsDuplicates(t *testing.T) {
	h := newEngineHarness(t, EngineConfig{})

	rule := func() *ThreatRule {
		return &ThreatRule{ID: "r1", Pattern: "x", Enabled: true}
	}
	require.NoError(t, h.engine.AddRule(rule()))
	assert.Error(t, h.engine.AddRule(rule()))
	assert.Len(t, h.engine.Rules(), 1)

	assert.Error(t, h.engine.SetRuleEnabled("missing", true))
}
