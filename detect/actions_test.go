package detect

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"bastion/core"
)

type mockInvalidator struct {
	invalidated []string
	terminated  []string
	failWith    error
}

func (m *mockInvalidator) InvalidateSession(ctx context.Context, sessionID, reason string) (bool, error) {
	if m.failWith != nil {
		return false, m.failWith
	}
	m.invalidated = append(m.invalidated, sessionID)
	return true, nil
}

func (m *mockInvalidator) TerminateUserSessions(ctx context.Context, userID, reason string) (int, error) {
	if m.failWith != nil {
		return 0, m.failWith
	}
	m.terminated = append(m.terminated, userID)
	return 1, nil
}

type mockAlerter struct {
	alerts     []string
	escalated  []string
	alertError error
}

func (m *mockAlerter) Alert(event *core.SecurityEvent) error {
	if m.alertError != nil {
		return m.alertError
	}
	m.alerts = append(m.alerts, event.ID)
	return nil
}

func (m *mockAlerter) Escalate(event *core.SecurityEvent) error {
	m.escalated = append(m.escalated, event.ID)
	return nil
}

type mockLimiter struct {
	restricted []string
}

func (m *mockLimiter) Restrict(identifier string, duration time.Duration) {
	m.restricted = append(m.restricted, identifier)
}

func TestActionExecutorRunsActionsInOrder(t *testing.T) {
	bl := NewIPBlocklist(zap.NewNop().Sugar())
	defer bl.Stop()
	inv := &mockInvalidator{}
	al := &mockAlerter{}

	exec := NewActionExecutor(bl, inv, al, nil, zap.NewNop().Sugar())

	event := core.NewSecurityEvent(core.EventSessionHijacking, "session-manager", time.Now())
	event.ClientIP = "203.0.113.4"
	event.Details["session_id"] = "sess-1"

	exec.Execute(context.Background(), event, []core.ResponseAction{
		core.ActionBlockIP, core.ActionInvalidateSession, core.ActionAlert,
	})

	assert.True(t, bl.IsBlocked("203.0.113.4"))
	assert.Equal(t, []string{"sess-1"}, inv.invalidated)
	assert.Equal(t, []string{event.ID}, al.alerts)
	assert.Equal(t, []core.ResponseAction{
		core.ActionBlockIP, core.ActionInvalidateSession, core.ActionAlert,
	}, event.ResponseActionsTaken)
}

func TestActionExecutorFailureDoesNotStopRemaining(t *testing.T) {
	inv := &mockInvalidator{failWith: fmt.Errorf("store down")}
	al := &mockAlerter{}
	exec := NewActionExecutor(nil, inv, al, nil, zap.NewNop().Sugar())

	event := core.NewSecurityEvent(core.EventPrivilegeEscalation, "api", time.Now())
	event.UserID = "mallory"

	exec.Execute(context.Background(), event, []core.ResponseAction{
		core.ActionInvalidateSession, core.ActionEscalate,
	})

	assert.Empty(t, inv.terminated, "invalidation failed")
	assert.Equal(t, []string{event.ID}, al.escalated, "later actions still run")
	// Attempted actions are recorded regardless of outcome.
	assert.Len(t, event.ResponseActionsTaken, 2)
}

func TestActionExecutorInvalidateFallsBackToUserSessions(t *testing.T) {
	inv := &mockInvalidator{}
	exec := NewActionExecutor(nil, inv, nil, nil, zap.NewNop().Sugar())

	event := core.NewSecurityEvent(core.EventSuspiciousLogin, "session-manager", time.Now())
	event.UserID = "alice"

	exec.Execute(context.Background(), event, []core.ResponseAction{core.ActionInvalidateSession})

	assert.Empty(t, inv.invalidated)
	assert.Equal(t, []string{"alice"}, inv.terminated)
}

func TestActionExecutorRateLimitPrefersUserID(t *testing.T) {
	lim := &mockLimiter{}
	exec := NewActionExecutor(nil, nil, nil, lim, zap.NewNop().Sugar())

	event := core.NewSecurityEvent(core.EventAnomalousActivity, "anomaly-detector", time.Now())
	event.UserID = "bob"
	event.ClientIP = "198.51.100.1"

	exec.Execute(context.Background(), event, []core.ResponseAction{core.ActionRateLimit})
	require.Equal(t, []string{"bob"}, lim.restricted)

	event.UserID = ""
	exec.Execute(context.Background(), event, []core.ResponseAction{core.ActionRateLimit})
	assert.Equal(t, []string{"bob", "198.51.100.1"}, lim.restricted)
}

func TestActionExecutorQuarantine(t *testing.T) {
	bl := NewIPBlocklist(zap.NewNop().Sugar())
	defer bl.Stop()
	inv := &mockInvalidator{}
	exec := NewActionExecutor(bl, inv, nil, nil, zap.NewNop().Sugar())

	event := core.NewSecurityEvent(core.EventMalwareDetected, "scanner", time.Now())
	event.UserID = "carol"
	event.ClientIP = "192.0.2.10"

	exec.Execute(context.Background(), event, []core.ResponseAction{core.ActionQuarantine})

	assert.Equal(t, []string{"carol"}, inv.terminated)
	assert.True(t, bl.IsBlocked("192.0.2.10"))
}

func TestActionExecutorNilCollaboratorsDegrade(t *testing.T) {
	exec := NewActionExecutor(nil, nil, nil, nil, zap.NewNop().Sugar())

	event := core.NewSecurityEvent(core.EventFailedLogin, "session-manager", time.Now())
	event.ClientIP = "10.0.0.1"

	// Nothing to execute against; must not panic and still records attempts.
	exec.Execute(context.Background(), event, []core.ResponseAction{
		core.ActionBlockIP, core.ActionAlert, core.ActionLog,
	})
	assert.Len(t, event.ResponseActionsTaken, 3)
}
