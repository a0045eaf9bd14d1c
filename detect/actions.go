package detect

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"bastion/core"
	"bastion/metrics"
)

// defaultBlockDuration applies when a rule triggers block_ip without an
// explicit duration.
const defaultBlockDuration = time.Hour

// SessionInvalidator is how response actions reach the session manager.
// Declared here so the engine does not import the session package.
type SessionInvalidator interface {
	InvalidateSession(ctx context.Context, sessionID, reason string) (bool, error)
	TerminateUserSessions(ctx context.Context, userID, reason string) (int, error)
}

// Alerter delivers alert and escalation notifications. Failures are logged,
// never propagated; notification delivery must not block event reporting.
type Alerter interface {
	Alert(event *core.SecurityEvent) error
	Escalate(event *core.SecurityEvent) error
}

// RateLimiter restricts an identifier in response to a rule action.
type RateLimiter interface {
	Restrict(identifier string, duration time.Duration)
}

// ActionExecutor runs response actions in declared order. Each action runs
// at most once; a failure is logged and the rest still execute. Nothing is
// rolled back.
type ActionExecutor struct {
	blocklist   *IPBlocklist
	invalidator SessionInvalidator
	alerter     Alerter
	limiter     RateLimiter
	logger      *zap.SugaredLogger
}

// NewActionExecutor creates an executor. Any collaborator may be nil; its
// actions then degrade to a logged no-op.
func NewActionExecutor(blocklist *IPBlocklist, invalidator SessionInvalidator, alerter Alerter, limiter RateLimiter, logger *zap.SugaredLogger) *ActionExecutor {
	return &ActionExecutor{
		blocklist:   blocklist,
		invalidator: invalidator,
		alerter:     alerter,
		limiter:     limiter,
		logger:      logger,
	}
}

// Execute applies the actions to the event in order and records each on the
// event's ResponseActionsTaken list, failed or not, so the audit trail shows
// what was attempted.
func (ae *ActionExecutor) Execute(ctx context.Context, event *core.SecurityEvent, actions []core.ResponseAction) {
	for _, action := range actions {
		err := ae.execute(ctx, event, action)
		outcome := "success"
		if err != nil {
			outcome = "failure"
			ae.logger.Errorw("Response action failed",
				"action", string(action),
				"event_id", event.ID,
				"error", err)
		}
		metrics.ResponseActions.WithLabelValues(string(action), outcome).Inc()
		event.ResponseActionsTaken = append(event.ResponseActionsTaken, action)
	}
}

func (ae *ActionExecutor) execute(ctx context.Context, event *core.SecurityEvent, action core.ResponseAction) error {
	switch action {
	case core.ActionLog:
		ae.logger.Infow("AUDIT: Security event",
			"event_id", event.ID,
			"type", string(event.Type),
			"severity", string(event.Severity),
			"risk_score", event.RiskScore,
			"user_id", event.UserID,
			"client_ip", event.ClientIP)
		return nil

	case core.ActionBlockIP:
		if event.ClientIP == "" {
			return fmt.Errorf("event %s has no client IP to block", event.ID)
		}
		if ae.blocklist == nil {
			return fmt.Errorf("no IP blocklist configured")
		}
		ae.blocklist.Block(event.ClientIP, "threat rule response for "+string(event.Type), defaultBlockDuration)
		return nil

	case core.ActionInvalidateSession:
		if ae.invalidator == nil {
			return fmt.Errorf("no session invalidator configured")
		}
		if sessionID := event.Details["session_id"]; sessionID != "" {
			if _, err := ae.invalidator.InvalidateSession(ctx, sessionID, string(event.Type)); err != nil {
				return err
			}
			return nil
		}
		if event.UserID != "" {
			n, err := ae.invalidator.TerminateUserSessions(ctx, event.UserID, string(event.Type))
			if err != nil {
				return err
			}
			ae.logger.Infow("Terminated sessions in response to event",
				"event_id", event.ID, "user_id", event.UserID, "count", n)
			return nil
		}
		return fmt.Errorf("event %s has neither session_id nor user_id", event.ID)

	case core.ActionAlert:
		if ae.alerter == nil {
			return fmt.Errorf("no alerter configured")
		}
		return ae.alerter.Alert(event)

	case core.ActionEscalate:
		if ae.alerter == nil {
			return fmt.Errorf("no alerter configured")
		}
		return ae.alerter.Escalate(event)

	case core.ActionRateLimit:
		if ae.limiter == nil {
			return fmt.Errorf("no rate limiter configured")
		}
		id := event.UserID
		if id == "" {
			id = event.ClientIP
		}
		if id == "" {
			return fmt.Errorf("event %s has no identifier to rate limit", event.ID)
		}
		ae.limiter.Restrict(id, defaultBlockDuration)
		return nil

	case core.ActionQuarantine:
		// Quarantine means both cutting sessions and blocking the source.
		if ae.invalidator != nil && event.UserID != "" {
			if _, err := ae.invalidator.TerminateUserSessions(ctx, event.UserID, "quarantine"); err != nil {
				return err
			}
		}
		if ae.blocklist != nil && event.ClientIP != "" {
			ae.blocklist.Block(event.ClientIP, "quarantine", 0)
		}
		return nil

	default:
		return fmt.Errorf("unknown response action %q", action)
	}
}
