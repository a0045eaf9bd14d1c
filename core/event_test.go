package core

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeverityAndBaseRiskTables(t *testing.T) {
	tests := []struct {
		eventType EventType
		severity  Severity
		baseRisk  int
	}{
		{EventFailedLogin, SeverityLow, 10},
		{EventSuccessfulLogin, SeverityLow, 0},
		{EventSuspiciousLogin, SeverityMedium, 40},
		{EventBruteForceAttack, SeverityHigh, 70},
		{EventInjectionAttempt, SeverityHigh, 75},
		{EventMalwareDetected, SeverityCritical, 95},
		{EventSessionHijacking, SeverityCritical, 90},
		{EventPrivilegeEscalation, SeverityCritical, 85},
		{EventDataExfiltration, SeverityCritical, 90},
		{EventAnomalousActivity, SeverityMedium, 50},
		{EventAccountLocked, SeverityMedium, 45},
		{EventIPBlocked, SeverityMedium, 40},
		{EventSessionInvalidated, SeverityLow, 15},
		{EventPolicyViolation, SeverityLow, 20},
	}
	for _, tt := range tests {
		t.Run(string(tt.eventType), func(t *testing.T) {
			assert.Equal(t, tt.severity, SeverityFor(tt.eventType))
			assert.Equal(t, tt.baseRisk, BaseRiskFor(tt.eventType))
		})
	}
}

func TestUnknownTypeDefaults(t *testing.T) {
	assert.Equal(t, SeverityLow, SeverityFor("made_up"))
	assert.Equal(t, 10, BaseRiskFor("made_up"))
}

func TestSeverityRankOrdering(t *testing.T) {
	assert.Less(t, SeverityRank(SeverityLow), SeverityRank(SeverityMedium))
	assert.Less(t, SeverityRank(SeverityMedium), SeverityRank(SeverityHigh))
	assert.Less(t, SeverityRank(SeverityHigh), SeverityRank(SeverityCritical))
}

func TestClampRisk(t *testing.T) {
	assert.Equal(t, 0, ClampRisk(-5))
	assert.Equal(t, 0, ClampRisk(0))
	assert.Equal(t, 55, ClampRisk(55))
	assert.Equal(t, 100, ClampRisk(100))
	assert.Equal(t, 100, ClampRisk(140))
}

func TestNewSecurityEvent(t *testing.T) {
	now := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	ev := NewSecurityEvent(EventBruteForceAttack, "session-manager", now)

	require.NotEmpty(t, ev.ID)
	assert.Equal(t, EventBruteForceAttack, ev.Type)
	assert.Equal(t, SeverityHigh, ev.Severity)
	assert.Equal(t, 70, ev.RiskScore)
	assert.Equal(t, now, ev.Timestamp)
	assert.Equal(t, "session-manager", ev.Source)
	assert.NotNil(t, ev.Details)
	assert.False(t, ev.Resolved)

	other := NewSecurityEvent(EventBruteForceAttack, "session-manager", now)
	assert.NotEqual(t, ev.ID, other.ID)
}

func TestSerializeStableFieldOrder(t *testing.T) {
	now := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	ev := NewSecurityEvent(EventFailedLogin, "api", now)
	ev.UserID = "alice"
	ev.ClientIP = "203.0.113.7"
	ev.UserAgent = "curl/8.0"
	ev.Details["reason"] = "invalid_credentials"

	s := ev.Serialize()
	assert.Contains(t, s, "type=failed_login")
	assert.Contains(t, s, "severity=low")
	assert.Contains(t, s, "user=alice")
	assert.Contains(t, s, "ip=203.0.113.7")
	assert.Contains(t, s, `"reason":"invalid_credentials"`)
	assert.True(t, strings.Index(s, "type=") < strings.Index(s, "severity="))
}

func TestValidResponseAction(t *testing.T) {
	for _, a := range []ResponseAction{
		ActionLog, ActionBlockIP, ActionInvalidateSession,
		ActionAlert, ActionEscalate, ActionRateLimit, ActionQuarantine,
	} {
		assert.True(t, ValidResponseAction(a), string(a))
	}
	assert.False(t, ValidResponseAction("reboot_everything"))
}
