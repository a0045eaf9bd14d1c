package core

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType is the closed set of security-relevant occurrences the engine understands.
type EventType string

const (
	EventFailedLogin         EventType = "failed_login"
	EventSuccessfulLogin     EventType = "successful_login"
	EventSuspiciousLogin     EventType = "suspicious_login"
	EventBruteForceAttack    EventType = "brute_force_attack"
	EventInjectionAttempt    EventType = "injection_attempt"
	EventMalwareDetected     EventType = "malware_detected"
	EventSessionHijacking    EventType = "session_hijacking"
	EventPrivilegeEscalation EventType = "privilege_escalation"
	EventDataExfiltration    EventType = "data_exfiltration"
	EventAnomalousActivity   EventType = "anomalous_activity"
	EventAccountLocked       EventType = "account_locked"
	EventIPBlocked           EventType = "ip_blocked"
	EventSessionInvalidated  EventType = "session_invalidated"
	EventPolicyViolation     EventType = "policy_violation"
)

// Severity classifies how dangerous an event is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SeverityRank maps severities onto an ordered scale for threshold comparisons.
func SeverityRank(s Severity) int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 1
	}
}

// eventSeverity is the fixed type -> severity table. Unknown types default to low.
var eventSeverity = map[EventType]Severity{
	EventFailedLogin:         SeverityLow,
	EventSuccessfulLogin:     SeverityLow,
	EventSuspiciousLogin:     SeverityMedium,
	EventBruteForceAttack:    SeverityHigh,
	EventInjectionAttempt:    SeverityHigh,
	EventMalwareDetected:     SeverityCritical,
	EventSessionHijacking:    SeverityCritical,
	EventPrivilegeEscalation: SeverityCritical,
	EventDataExfiltration:    SeverityCritical,
	EventAnomalousActivity:   SeverityMedium,
	EventAccountLocked:       SeverityMedium,
	EventIPBlocked:           SeverityMedium,
	EventSessionInvalidated:  SeverityLow,
	EventPolicyViolation:     SeverityLow,
}

// eventBaseRisk is the fixed type -> base risk score table (0-100 scale).
var eventBaseRisk = map[EventType]int{
	EventFailedLogin:         10,
	EventSuccessfulLogin:     0,
	EventSuspiciousLogin:     40,
	EventBruteForceAttack:    70,
	EventInjectionAttempt:    75,
	EventMalwareDetected:     95,
	EventSessionHijacking:    90,
	EventPrivilegeEscalation: 85,
	EventDataExfiltration:    90,
	EventAnomalousActivity:   50,
	EventAccountLocked:       45,
	EventIPBlocked:           40,
	EventSessionInvalidated:  15,
	EventPolicyViolation:     20,
}

// SeverityFor returns the fixed severity for an event type.
func SeverityFor(t EventType) Severity {
	if s, ok := eventSeverity[t]; ok {
		return s
	}
	return SeverityLow
}

// BaseRiskFor returns the fixed base risk score for an event type.
func BaseRiskFor(t EventType) int {
	if r, ok := eventBaseRisk[t]; ok {
		return r
	}
	return 10
}

// ClampRisk bounds a risk score to the 0-100 scale.
func ClampRisk(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// ResponseAction is a reaction the engine can take (or suggest) for an event.
type ResponseAction string

const (
	ActionLog               ResponseAction = "log"
	ActionBlockIP           ResponseAction = "block_ip"
	ActionInvalidateSession ResponseAction = "invalidate_session"
	ActionAlert             ResponseAction = "alert"
	ActionEscalate          ResponseAction = "escalate"
	ActionRateLimit         ResponseAction = "rate_limit"
	ActionQuarantine        ResponseAction = "quarantine"
)

// ValidResponseAction reports whether a is one of the known response actions.
func ValidResponseAction(a ResponseAction) bool {
	switch a {
	case ActionLog, ActionBlockIP, ActionInvalidateSession, ActionAlert,
		ActionEscalate, ActionRateLimit, ActionQuarantine:
		return true
	}
	return false
}

// SecurityEvent is an immutable record of something security-relevant.
// Type, Timestamp and Source never change after creation; only Resolved and
// ResponseActionsTaken mutate, and only through the engine.
type SecurityEvent struct {
	ID                   string            `json:"id"`
	Type                 EventType         `json:"type"`
	Severity             Severity          `json:"severity"`
	Timestamp            time.Time         `json:"timestamp"`
	Source               string            `json:"source"`
	UserID               string            `json:"user_id,omitempty"`
	ClientIP             string            `json:"client_ip,omitempty"`
	UserAgent            string            `json:"user_agent,omitempty"`
	Details              map[string]string `json:"details,omitempty"`
	RiskScore            int               `json:"risk_score"`
	Resolved             bool              `json:"resolved"`
	ResolvedAt           *time.Time        `json:"resolved_at,omitempty"`
	ResponseActionsTaken []ResponseAction  `json:"response_actions_taken,omitempty"`
}

// NewSecurityEvent creates an event with severity and base risk assigned from
// the fixed tables. Contextual risk additions are the engine's job.
func NewSecurityEvent(t EventType, source string, now time.Time) *SecurityEvent {
	return &SecurityEvent{
		ID:        uuid.New().String(),
		Type:      t,
		Severity:  SeverityFor(t),
		Timestamp: now,
		Source:    source,
		Details:   make(map[string]string),
		RiskScore: BaseRiskFor(t),
	}
}

// Serialize renders the event as the flat string threat rule patterns match
// against. Stable field order so rule authors can rely on it.
func (e *SecurityEvent) Serialize() string {
	details, _ := json.Marshal(e.Details)
	return fmt.Sprintf("type=%s severity=%s source=%s user=%s ip=%s agent=%s risk=%d details=%s",
		e.Type, e.Severity, e.Source, e.UserID, e.ClientIP, e.UserAgent, e.RiskScore, details)
}

// SecurityMetrics is a read-side projection over stored events.
type SecurityMetrics struct {
	TotalEvents        int `json:"total_events"`
	EventsLast24h      int `json:"events_last_24h"`
	HighSeverityEvents int `json:"high_severity_events"`
	BlockedIPs         int `json:"blocked_ips"`
	UnresolvedEvents   int `json:"unresolved_events"`
}
