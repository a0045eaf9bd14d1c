package notify

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"bastion/core"
)

type capturingServer struct {
	*httptest.Server
	mu     sync.Mutex
	bodies [][]byte
	status int
}

func newCapturingServer(status int) *capturingServer {
	cs := &capturingServer{status: status}
	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		cs.mu.Lock()
		cs.bodies = append(cs.bodies, body)
		cs.mu.Unlock()
		w.WriteHeader(cs.status)
	}))
	return cs
}

func (cs *capturingServer) received() [][]byte {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	out := make([][]byte, len(cs.bodies))
	copy(out, cs.bodies)
	return out
}

func TestNotifierPublishWebhook(t *testing.T) {
	srv := newCapturingServer(http.StatusOK)
	defer srv.Close()

	n := NewNotifier([]ChannelConfig{{
		Name:    "ops",
		Type:    ChannelWebhook,
		Enabled: true,
		URL:     srv.URL,
	}}, zap.NewNop().Sugar())

	event := core.NewSecurityEvent(core.EventBruteForceAttack, "brute-force-detector", time.Now())
	event.UserID = "alice"
	n.Publish(event)
	n.Close()

	bodies := srv.received()
	require.Len(t, bodies, 1)

	var envelope webhookEnvelope
	require.NoError(t, json.Unmarshal(bodies[0], &envelope))
	require.NotNil(t, envelope.Event)
	assert.Equal(t, event.ID, envelope.Event.ID)
	assert.Equal(t, core.EventBruteForceAttack, envelope.Event.Type)
}

func TestNotifierSeverityFilter(t *testing.T) {
	srv := newCapturingServer(http.StatusOK)
	defer srv.Close()

	n := NewNotifier([]ChannelConfig{{
		Name:        "critical-only",
		Type:        ChannelWebhook,
		Enabled:     true,
		URL:         srv.URL,
		MinSeverity: core.SeverityHigh,
	}}, zap.NewNop().Sugar())

	n.Publish(core.NewSecurityEvent(core.EventFailedLogin, "session-manager", time.Now()))
	n.Publish(core.NewSecurityEvent(core.EventMalwareDetected, "scanner", time.Now()))
	n.Close()

	assert.Len(t, srv.received(), 1, "only the critical event passes the filter")
}

func TestNotifierDisabledChannelSkipped(t *testing.T) {
	srv := newCapturingServer(http.StatusOK)
	defer srv.Close()

	n := NewNotifier([]ChannelConfig{{
		Name: "off", Type: ChannelWebhook, Enabled: false, URL: srv.URL,
	}}, zap.NewNop().Sugar())

	n.Publish(core.NewSecurityEvent(core.EventMalwareDetected, "scanner", time.Now()))
	n.Close()
	assert.Empty(t, srv.received())
}

func TestNotifierSlackPayload(t *testing.T) {
	srv := newCapturingServer(http.StatusOK)
	defer srv.Close()

	n := NewNotifier([]ChannelConfig{{
		Name: "slack", Type: ChannelSlack, Enabled: true, URL: srv.URL,
	}}, zap.NewNop().Sugar())

	event := core.NewSecurityEvent(core.EventSessionHijacking, "session-manager", time.Now())
	event.UserID = "bob"
	event.ClientIP = "203.0.113.5"
	require.NoError(t, n.Alert(event))

	bodies := srv.received()
	require.Len(t, bodies, 1)

	var msg map[string]string
	require.NoError(t, json.Unmarshal(bodies[0], &msg))
	assert.Contains(t, msg["text"], "*ALERT*")
	assert.Contains(t, msg["text"], "session_hijacking")
	assert.Contains(t, msg["text"], "user=bob")
	assert.Contains(t, msg["text"], "ip=203.0.113.5")
}

func TestNotifierEscalateBypassesSeverityFilter(t *testing.T) {
	srv := newCapturingServer(http.StatusOK)
	defer srv.Close()

	n := NewNotifier([]ChannelConfig{{
		Name:        "high-only",
		Type:        ChannelWebhook,
		Enabled:     true,
		URL:         srv.URL,
		MinSeverity: core.SeverityCritical,
	}}, zap.NewNop().Sugar())

	event := core.NewSecurityEvent(core.EventSuspiciousLogin, "session-manager", time.Now())
	require.NoError(t, n.Escalate(event))
	assert.Len(t, srv.received(), 1)
}

func TestNotifierBreakerOpensAfterFailures(t *testing.T) {
	srv := newCapturingServer(http.StatusInternalServerError)
	defer srv.Close()

	n := NewNotifier([]ChannelConfig{{
		Name: "flaky", Type: ChannelWebhook, Enabled: true, URL: srv.URL,
	}}, zap.NewNop().Sugar())

	event := core.NewSecurityEvent(core.EventMalwareDetected, "scanner", time.Now())
	for i := 0; i < 3; i++ {
		assert.Error(t, n.Alert(event))
	}
	require.Len(t, srv.received(), 3)

	// The breaker is open now: the next delivery fails fast without a request.
	err := n.Alert(event)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrBreakerOpen)
	assert.Len(t, srv.received(), 3)
}

func TestMockSinkRecords(t *testing.T) {
	sink := NewMockSink()
	event := core.NewSecurityEvent(core.EventFailedLogin, "session-manager", time.Now())

	sink.Publish(event)
	require.Len(t, sink.Events(), 1)
	assert.Equal(t, event.ID, sink.Events()[0].ID)

	sink.Reset()
	assert.Empty(t, sink.Events())
}
