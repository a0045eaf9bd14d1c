package detect

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"bastion/core"
	"bastion/metrics"
	"bastion/storage"
)

// Contextual risk additions applied on top of the per-type base score.
const (
	blockedIPRiskBoost  = 30
	adminActorRiskBoost = 20
)

// EventSink receives every stored security event. Publishing is
// fire-and-forget; sink failures are logged and never block reporting.
type EventSink interface {
	Publish(event *core.SecurityEvent)
}

// EngineConfig holds the engine's tunables.
type EngineConfig struct {
	// AdminUsers are actor IDs whose events carry extra risk.
	AdminUsers []string
	// BruteForceWindow is the sliding window for attempt tracking.
	BruteForceWindow time.Duration
	// AttemptThresholds overrides the per-kind brute force thresholds.
	AttemptThresholds map[AttemptKind]int
	// MaxBaselines bounds the user baseline cache.
	MaxBaselines int
	// SweepInterval paces the stale-state sweep. Defaults to an hour.
	SweepInterval time.Duration
}

// Engine is the anomaly and threat engine: it ingests security events,
// evaluates threat rules, maintains behavioral baselines, tracks brute-force
// windows, and owns the IP blocklist.
type Engine struct {
	config EngineConfig

	events    storage.EventStore
	sink      EventSink
	blocklist *IPBlocklist
	throttle  *Throttle
	brute     *BruteForceTracker
	baselines *BaselineTracker
	executor  *ActionExecutor
	clock     core.Clock
	logger    *zap.SugaredLogger

	rulesMu sync.RWMutex
	rules   []*ThreatRule

	admins map[string]struct{}

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewEngine creates the engine. The executor may be configured later via
// SetExecutor to break the construction cycle with the session manager.
func NewEngine(config EngineConfig, events storage.EventStore, sink EventSink, clock core.Clock, logger *zap.SugaredLogger) (*Engine, error) {
	if clock == nil {
		clock = core.SystemClock()
	}
	baselines, err := NewBaselineTracker(config.MaxBaselines, clock)
	if err != nil {
		return nil, err
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = time.Hour
	}

	admins := make(map[string]struct{}, len(config.AdminUsers))
	for _, u := range config.AdminUsers {
		admins[u] = struct{}{}
	}

	e := &Engine{
		config:    config,
		events:    events,
		sink:      sink,
		blocklist: NewIPBlocklist(logger),
		throttle:  NewThrottle(clock, logger),
		brute:     NewBruteForceTracker(config.BruteForceWindow, config.AttemptThresholds, clock),
		baselines: baselines,
		clock:     clock,
		logger:    logger,
		admins:    admins,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	return e, nil
}

// SetExecutor wires the response action executor. Must be called before the
// engine starts receiving events that trigger actions.
func (e *Engine) SetExecutor(executor *ActionExecutor) {
	e.executor = executor
}

// Blocklist exposes the engine's IP blocklist for middleware checks.
func (e *Engine) Blocklist() *IPBlocklist {
	return e.blocklist
}

// Throttle exposes the restriction set the rate_limit_user action feeds.
func (e *Engine) Throttle() *Throttle {
	return e.throttle
}

// IsThrottled reports whether an identifier is under a rate restriction.
func (e *Engine) IsThrottled(identifier string) (bool, time.Duration) {
	return e.throttle.Limited(identifier)
}

// Start launches the periodic stale-state sweep.
func (e *Engine) Start() {
	go e.run()
}

func (e *Engine) run() {
	defer close(e.doneCh)
	ticker := time.NewTicker(e.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			pruned := e.brute.PruneStale()
			if pruned > 0 {
				e.logger.Debugf("Pruned %d stale brute-force windows", pruned)
			}
		case <-e.stopCh:
			return
		}
	}
}

// Stop terminates the sweep loop and cancels pending IP release timers.
func (e *Engine) Stop() {
	close(e.stopCh)
	<-e.doneCh
	e.blocklist.Stop()
}

// ReportOptions carries the optional context of a reported event.
type ReportOptions struct {
	UserID    string
	ClientIP  string
	UserAgent string
	Details   map[string]string
}

// ReportEvent creates and stores a security event, scores it, publishes it
// to the sink, then synchronously evaluates threat rules and auto-escalation.
// Rule action failures never roll back other actions.
func (e *Engine) ReportEvent(ctx context.Context, eventType core.EventType, source string, opts ReportOptions) (*core.SecurityEvent, error) {
	start := time.Now()
	defer func() {
		metrics.EventProcessingDuration.Observe(time.Since(start).Seconds())
	}()

	event := core.NewSecurityEvent(eventType, source, e.clock.Now())
	event.UserID = opts.UserID
	event.ClientIP = opts.ClientIP
	event.UserAgent = opts.UserAgent
	for k, v := range opts.Details {
		event.Details[k] = v
	}

	risk := event.RiskScore
	if opts.ClientIP != "" && e.blocklist.IsBlocked(opts.ClientIP) {
		risk += blockedIPRiskBoost
	}
	if _, isAdmin := e.admins[opts.UserID]; isAdmin && opts.UserID != "" {
		risk += adminActorRiskBoost
	}
	event.RiskScore = core.ClampRisk(risk)

	if err := e.events.Insert(ctx, event); err != nil {
		return nil, fmt.Errorf("failed to store security event: %w", err)
	}
	metrics.SecurityEvents.WithLabelValues(string(event.Type), string(event.Severity)).Inc()

	// Sink publication must not block or fail event reporting.
	if e.sink != nil {
		e.sink.Publish(event)
	}

	serialized := event.Serialize()
	var pending []core.ResponseAction

	e.rulesMu.RLock()
	for _, rule := range e.rules {
		if !rule.Enabled {
			continue
		}
		if rule.Matches(serialized) {
			e.logger.Infow("Threat rule matched",
				"rule_id", rule.ID,
				"rule_name", rule.Name,
				"event_id", event.ID)
			pending = append(pending, rule.Actions...)
		}
	}
	e.rulesMu.RUnlock()

	// Critical events escalate regardless of rule matches.
	if event.Severity == core.SeverityCritical {
		pending = append(pending, core.ActionAlert, core.ActionEscalate)
	}

	if len(pending) > 0 && e.executor != nil {
		e.executor.Execute(ctx, event, pending)
		if err := e.events.Update(ctx, event); err != nil {
			e.logger.Warnf("Failed to persist response actions for event %s: %v", event.ID, err)
		}
	}

	return event, nil
}

// ResolveEvent marks an event resolved. Resolution is idempotent.
func (e *Engine) ResolveEvent(ctx context.Context, eventID string) error {
	event, err := e.events.Get(ctx, eventID)
	if err != nil {
		return err
	}
	if event.Resolved {
		return nil
	}
	now := e.clock.Now()
	event.Resolved = true
	event.ResolvedAt = &now
	return e.events.Update(ctx, event)
}

// GetEvent returns a stored event by ID.
func (e *Engine) GetEvent(ctx context.Context, eventID string) (*core.SecurityEvent, error) {
	return e.events.Get(ctx, eventID)
}

// RecentEvents returns the newest events first.
func (e *Engine) RecentEvents(ctx context.Context, limit int) ([]*core.SecurityEvent, error) {
	return e.events.Recent(ctx, limit)
}

// DetectAnomalousActivity scores an observed user action against the user's
// behavioral baseline. Anomalous observations are also recorded as events so
// the deviation is observable beyond the immediate caller.
func (e *Engine) DetectAnomalousActivity(ctx context.Context, userID, action string, metadata map[string]string) AnomalyResult {
	result := e.baselines.Observe(userID, action, metadata)

	if result.Anomalous {
		details := map[string]string{
			"action":     action,
			"risk_score": fmt.Sprintf("%d", result.RiskScore),
			"confidence": fmt.Sprintf("%d", result.Confidence),
		}
		for i, reason := range result.Reasons {
			details[fmt.Sprintf("reason_%d", i)] = reason
		}
		if _, err := e.ReportEvent(ctx, core.EventAnomalousActivity, "anomaly-detector", ReportOptions{
			UserID:   userID,
			ClientIP: metadata["client_ip"],
			Details:  details,
		}); err != nil {
			e.logger.Warnf("Failed to report anomalous activity event: %v", err)
		}
	}
	return result
}

// DetectBruteForce records an attempt in the sliding window. A detection
// emits a brute-force event; ShouldBlock is never true for a successful
// triggering attempt.
func (e *Engine) DetectBruteForce(ctx context.Context, identifier string, kind AttemptKind, wasSuccessful bool) BruteForceResult {
	result := e.brute.Record(identifier, kind, wasSuccessful)

	if result.IsBruteForce {
		if _, err := e.ReportEvent(ctx, core.EventBruteForceAttack, "brute-force-detector", ReportOptions{
			Details: map[string]string{
				"identifier":   identifier,
				"kind":         string(kind),
				"attempts":     fmt.Sprintf("%d", result.Attempts),
				"should_block": fmt.Sprintf("%t", result.ShouldBlock),
			},
		}); err != nil {
			e.logger.Warnf("Failed to report brute-force event: %v", err)
		}
	}
	return result
}

// BlockIP blocks an address, optionally for a bounded duration, and records
// the block as a security event.
func (e *Engine) BlockIP(ctx context.Context, ip, reason string, duration time.Duration) {
	e.blocklist.Block(ip, reason, duration)
	if _, err := e.ReportEvent(ctx, core.EventIPBlocked, "threat-engine", ReportOptions{
		ClientIP: ip,
		Details: map[string]string{
			"reason":   reason,
			"duration": duration.String(),
		},
	}); err != nil {
		e.logger.Warnf("Failed to report IP block event: %v", err)
	}
}

// UnblockIP removes a block immediately.
func (e *Engine) UnblockIP(ip string) bool {
	return e.blocklist.Unblock(ip)
}

// IsIPBlocked reports whether the IP is currently blocked.
func (e *Engine) IsIPBlocked(ip string) bool {
	return e.blocklist.IsBlocked(ip)
}

// Metrics aggregates the read-side security metrics projection. It never
// mutates state.
func (e *Engine) Metrics(ctx context.Context) (*core.SecurityMetrics, error) {
	total, err := e.events.Count(ctx)
	if err != nil {
		return nil, err
	}
	last24h, err := e.events.CountSince(ctx, e.clock.Now().Add(-24*time.Hour))
	if err != nil {
		return nil, err
	}
	high, err := e.events.CountBySeverity(ctx, core.SeverityHigh)
	if err != nil {
		return nil, err
	}
	unresolved, err := e.events.CountUnresolved(ctx, core.SeverityLow)
	if err != nil {
		return nil, err
	}
	return &core.SecurityMetrics{
		TotalEvents:        total,
		EventsLast24h:      last24h,
		HighSeverityEvents: high,
		BlockedIPs:         e.blocklist.Count(),
		UnresolvedEvents:   unresolved,
	}, nil
}

// SetRules replaces the rule set wholesale (startup load).
func (e *Engine) SetRules(rules []*ThreatRule) {
	e.rulesMu.Lock()
	defer e.rulesMu.Unlock()
	e.rules = rules
}

// AddRule compiles and appends a rule.
func (e *Engine) AddRule(rule *ThreatRule) error {
	if err := rule.Compile(); err != nil {
		return err
	}
	e.rulesMu.Lock()
	defer e.rulesMu.Unlock()
	for _, existing := range e.rules {
		if existing.ID == rule.ID {
			return fmt.Errorf("threat rule %s already exists", rule.ID)
		}
	}
	e.rules = append(e.rules, rule)
	return nil
}

// Rules returns a snapshot of the current rule set.
func (e *Engine) Rules() []*ThreatRule {
	e.rulesMu.RLock()
	defer e.rulesMu.RUnlock()
	out := make([]*ThreatRule, len(e.rules))
	copy(out, e.rules)
	return out
}

// SetRuleEnabled toggles a rule by ID.
func (e *Engine) SetRuleEnabled(ruleID string, enabled bool) error {
	e.rulesMu.Lock()
	defer e.rulesMu.Unlock()
	for _, rule := range e.rules {
		if rule.ID == ruleID {
			rule.Enabled = enabled
			return nil
		}
	}
	return fmt.Errorf("threat rule %s not found", ruleID)
}
