package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"bastion/core"
)

// Sink receives published security events. Publishing must never block the
// caller; delivery failures are the sink's problem, not the reporter's.
type Sink interface {
	Publish(event *core.SecurityEvent)
}

// ChannelType identifies a delivery mechanism.
type ChannelType string

const (
	ChannelWebhook ChannelType = "webhook"
	ChannelSlack   ChannelType = "slack"
)

// ChannelConfig describes one notification channel.
type ChannelConfig struct {
	Name    string            `json:"name" mapstructure:"name"`
	Type    ChannelType       `json:"type" mapstructure:"type"`
	Enabled bool              `json:"enabled" mapstructure:"enabled"`
	URL     string            `json:"url" mapstructure:"url"`
	Headers map[string]string `json:"headers,omitempty" mapstructure:"headers"`
	// MinSeverity filters events below this severity. Empty means low.
	MinSeverity core.Severity `json:"min_severity" mapstructure:"min_severity"`
}

const deliveryTimeout = 10 * time.Second

// Notifier fans security events out to the configured channels. Each channel
// sits behind its own circuit breaker so one dead endpoint cannot pile up
// timed-out deliveries for the rest.
type Notifier struct {
	channels []ChannelConfig
	client   *http.Client
	logger   *zap.SugaredLogger

	breakerMu sync.Mutex
	breakers  map[string]*core.Breaker

	wg sync.WaitGroup
}

// NewNotifier creates a notifier over the given channels.
func NewNotifier(channels []ChannelConfig, logger *zap.SugaredLogger) *Notifier {
	return &Notifier{
		channels: channels,
		client:   &http.Client{Timeout: deliveryTimeout},
		logger:   logger,
		breakers: make(map[string]*core.Breaker),
	}
}

var _ Sink = (*Notifier)(nil)

// Publish delivers the event to every matching channel in the background.
// It returns immediately; use Close to drain in-flight deliveries.
func (n *Notifier) Publish(event *core.SecurityEvent) {
	for _, ch := range n.channels {
		if !n.eligible(ch, event) {
			continue
		}
		channel := ch
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := n.deliver(channel, event, ""); err != nil {
				n.logger.Warnw("Notification delivery failed",
					"channel", channel.Name,
					"event_id", event.ID,
					"error", err)
			}
		}()
	}
}

// Alert delivers the event to all matching channels synchronously. Returns
// the first delivery error; remaining channels are still attempted.
func (n *Notifier) Alert(event *core.SecurityEvent) error {
	var firstErr error
	for _, ch := range n.channels {
		if !n.eligible(ch, event) {
			continue
		}
		if err := n.deliver(ch, event, "ALERT"); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Escalate is Alert with an escalation marker in the payload, bypassing the
// per-channel severity filter: an escalation always reaches every channel.
func (n *Notifier) Escalate(event *core.SecurityEvent) error {
	var firstErr error
	for _, ch := range n.channels {
		if !ch.Enabled {
			continue
		}
		if err := n.deliver(ch, event, "ESCALATION"); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (n *Notifier) eligible(ch ChannelConfig, event *core.SecurityEvent) bool {
	if !ch.Enabled {
		return false
	}
	min := ch.MinSeverity
	if min == "" {
		min = core.SeverityLow
	}
	return core.SeverityRank(event.Severity) >= core.SeverityRank(min)
}

func (n *Notifier) deliver(ch ChannelConfig, event *core.SecurityEvent, kind string) error {
	breaker := n.breakerFor(ch.Name)
	if err := breaker.Allow(); err != nil {
		return fmt.Errorf("channel %s: %w", ch.Name, err)
	}

	var payload []byte
	var err error
	switch ch.Type {
	case ChannelSlack:
		payload, err = slackPayload(event, kind)
	default:
		payload, err = webhookPayload(event, kind)
	}
	if err != nil {
		return fmt.Errorf("channel %s: encode payload: %w", ch.Name, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ch.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("channel %s: %w", ch.Name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range ch.Headers {
		req.Header.Set(k, v)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		breaker.RecordFailure()
		return fmt.Errorf("channel %s: %w", ch.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		breaker.RecordFailure()
		return fmt.Errorf("channel %s: unexpected status %d", ch.Name, resp.StatusCode)
	}
	breaker.RecordSuccess()
	return nil
}

func (n *Notifier) breakerFor(name string) *core.Breaker {
	n.breakerMu.Lock()
	defer n.breakerMu.Unlock()
	b, ok := n.breakers[name]
	if !ok {
		b = core.NewBreaker(core.DefaultBreakerConfig())
		n.breakers[name] = b
	}
	return b
}

// Close waits for in-flight background deliveries to finish.
func (n *Notifier) Close() {
	n.wg.Wait()
}

// webhookEnvelope is the generic webhook body.
type webhookEnvelope struct {
	Kind  string              `json:"kind,omitempty"`
	Event *core.SecurityEvent `json:"event"`
}

func webhookPayload(event *core.SecurityEvent, kind string) ([]byte, error) {
	return json.Marshal(webhookEnvelope{Kind: kind, Event: event})
}

func slackPayload(event *core.SecurityEvent, kind string) ([]byte, error) {
	var b strings.Builder
	if kind != "" {
		fmt.Fprintf(&b, "*%s* ", kind)
	}
	fmt.Fprintf(&b, "[%s] %s from %s", strings.ToUpper(string(event.Severity)), event.Type, event.Source)
	if event.UserID != "" {
		fmt.Fprintf(&b, " user=%s", event.UserID)
	}
	if event.ClientIP != "" {
		fmt.Fprintf(&b, " ip=%s", event.ClientIP)
	}
	fmt.Fprintf(&b, " risk=%d", event.RiskScore)
	return json.Marshal(map[string]string{"text": b.String()})
}
