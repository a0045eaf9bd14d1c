package detect

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"bastion/core"
	"bastion/metrics"
)

// Risk and confidence contributions of the independent anomaly signals.
const (
	offHoursRisk        = 20
	offHoursConfidence  = 30
	frequencyRisk       = 25
	frequencyConfidence = 35
	burstRisk           = 30
	burstConfidence     = 40

	anomalousThreshold  = 40
	alertThreshold      = 50
	escalateThreshold   = 75
	quarantineThreshold = 90

	burstWindow      = 60 * time.Second
	burstLimit       = 10
	frequencyFactor  = 3.0
	recentSampleCap  = 1000
	defaultBaselines = 10000
)

// AnomalyResult is the advisory outcome of scoring one observed action.
// Suggested actions are hints; the caller decides enforcement.
type AnomalyResult struct {
	Anomalous        bool                  `json:"anomalous"`
	BuildingBaseline bool                  `json:"building_baseline"`
	RiskScore        int                   `json:"risk_score"`
	Confidence       int                   `json:"confidence"`
	Reasons          []string              `json:"reasons,omitempty"`
	SuggestedActions []core.ResponseAction `json:"suggested_actions,omitempty"`
}

type actionSample struct {
	action string
	at     time.Time
}

// UserBaseline is a rolling per-user profile of normal behavior. Recent
// samples age out; aggregate counters are unbounded but tiny per user, and
// the tracker's LRU bounds the number of users held.
type UserBaseline struct {
	UserID       string
	FirstSeen    time.Time
	ActiveHours  map[int]int    // hour of day -> observation count
	ActionTotals map[string]int // action name -> lifetime count
	Regions      map[string]int // region -> observation count
	recent       []actionSample // pruned to the burst/frequency horizon
}

func newUserBaseline(userID string, now time.Time) *UserBaseline {
	return &UserBaseline{
		UserID:       userID,
		FirstSeen:    now,
		ActiveHours:  make(map[int]int),
		ActionTotals: make(map[string]int),
		Regions:      make(map[string]int),
	}
}

// observe folds one sample into the baseline.
func (b *UserBaseline) observe(action, region string, now time.Time) {
	b.ActiveHours[now.Hour()]++
	b.ActionTotals[action]++
	if region != "" {
		b.Regions[region]++
	}
	b.recent = append(b.recent, actionSample{action: action, at: now})
	if len(b.recent) > recentSampleCap {
		b.recent = b.recent[len(b.recent)-recentSampleCap:]
	}
}

// pruneRecent drops samples older than an hour, the longest scoring horizon.
func (b *UserBaseline) pruneRecent(now time.Time) {
	cutoff := now.Add(-time.Hour)
	i := 0
	for ; i < len(b.recent); i++ {
		if b.recent[i].at.After(cutoff) {
			break
		}
	}
	b.recent = b.recent[i:]
}

func (b *UserBaseline) recentActionCount(action string, since time.Time) int {
	n := 0
	for _, s := range b.recent {
		if s.action == action && s.at.After(since) {
			n++
		}
	}
	return n
}

func (b *UserBaseline) recentTotalCount(since time.Time) int {
	n := 0
	for _, s := range b.recent {
		if s.at.After(since) {
			n++
		}
	}
	return n
}

// hourlyAverage is the user's historical average of this action per hour.
func (b *UserBaseline) hourlyAverage(action string, now time.Time) float64 {
	total := b.ActionTotals[action]
	if total == 0 {
		return 0
	}
	hours := now.Sub(b.FirstSeen).Hours()
	if hours < 1 {
		hours = 1
	}
	return float64(total) / hours
}

// BaselineTracker scores observed actions against per-user baselines. The
// baseline cache is LRU-bounded; individual users are never expired on a
// timer, only evicted when capacity demands it.
type BaselineTracker struct {
	mu        sync.Mutex
	baselines *lru.Cache[string, *UserBaseline]
	clock     core.Clock
}

// NewBaselineTracker creates a tracker bounded to maxUsers baselines
// (defaultBaselines when zero).
func NewBaselineTracker(maxUsers int, clock core.Clock) (*BaselineTracker, error) {
	if maxUsers <= 0 {
		maxUsers = defaultBaselines
	}
	if clock == nil {
		clock = core.SystemClock()
	}
	cache, err := lru.New[string, *UserBaseline](maxUsers)
	if err != nil {
		return nil, fmt.Errorf("failed to create baseline cache: %w", err)
	}
	return &BaselineTracker{baselines: cache, clock: clock}, nil
}

// Observe scores one action for a user and then updates the baseline with it.
// The first observation for a user only seeds the baseline.
func (t *BaselineTracker) Observe(userID, action string, metadata map[string]string) AnomalyResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	region := metadata["region"]

	baseline, ok := t.baselines.Get(userID)
	if !ok {
		baseline = newUserBaseline(userID, now)
		baseline.observe(action, region, now)
		t.baselines.Add(userID, baseline)
		return AnomalyResult{BuildingBaseline: true}
	}

	baseline.pruneRecent(now)

	risk, confidence := 0, 0
	var reasons []string

	// Signal: activity outside the user's historically active hours.
	if len(baseline.ActiveHours) > 0 {
		if _, active := baseline.ActiveHours[now.Hour()]; !active {
			risk += offHoursRisk
			confidence += offHoursConfidence
			reasons = append(reasons, fmt.Sprintf("activity at hour %02d outside typical active hours", now.Hour()))
		}
	}

	// Signal: this action's frequency in the last hour exceeds 3x the
	// user's historical hourly average.
	avg := baseline.hourlyAverage(action, now)
	if avg > 0 {
		lastHour := baseline.recentActionCount(action, now.Add(-time.Hour)) + 1 // include this one
		if float64(lastHour) > frequencyFactor*avg {
			risk += frequencyRisk
			confidence += frequencyConfidence
			reasons = append(reasons, fmt.Sprintf("action %q frequency %d in last hour exceeds 3x historical average %.2f", action, lastHour, avg))
		}
	}

	// Signal: burst of any activity in the last 60 seconds.
	burst := baseline.recentTotalCount(now.Add(-burstWindow)) + 1
	if burst > burstLimit {
		risk += burstRisk
		confidence += burstConfidence
		reasons = append(reasons, fmt.Sprintf("%d actions in the last %s", burst, burstWindow))
	}

	baseline.observe(action, region, now)

	risk = core.ClampRisk(risk)
	if confidence > 100 {
		confidence = 100
	}

	result := AnomalyResult{
		Anomalous:  risk > anomalousThreshold,
		RiskScore:  risk,
		Confidence: confidence,
		Reasons:    reasons,
	}
	switch {
	case risk > quarantineThreshold:
		result.SuggestedActions = []core.ResponseAction{core.ActionInvalidateSession, core.ActionQuarantine}
	case risk > escalateThreshold:
		result.SuggestedActions = []core.ResponseAction{core.ActionRateLimit, core.ActionEscalate}
	case risk > alertThreshold:
		result.SuggestedActions = []core.ResponseAction{core.ActionAlert}
	}

	if result.Anomalous {
		metrics.AnomaliesDetected.Inc()
	}
	return result
}

// Baseline returns a copy-free view of a user's baseline for inspection.
func (t *BaselineTracker) Baseline(userID string) (*UserBaseline, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.baselines.Get(userID)
}
