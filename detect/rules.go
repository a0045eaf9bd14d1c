package detect

import (
	"fmt"
	"time"

	"github.com/dlclark/regexp2"

	"bastion/core"
)

// ruleMatchTimeout bounds regex evaluation per rule so a pathological
// pattern cannot stall event reporting.
const ruleMatchTimeout = 100 * time.Millisecond

// ThreatRule maps a pattern over serialized events onto an ordered action
// list. Rules are static configuration loaded at startup and mutable only
// through the engine's rule-management operations.
type ThreatRule struct {
	ID       string                `yaml:"id" json:"id"`
	Name     string                `yaml:"name" json:"name"`
	Pattern  string                `yaml:"pattern" json:"pattern"`
	Severity core.Severity         `yaml:"severity" json:"severity"`
	Enabled  bool                  `yaml:"enabled" json:"enabled"`
	Actions  []core.ResponseAction `yaml:"actions" json:"actions"`

	compiled *regexp2.Regexp
}

// Compile validates the rule and prepares its pattern for matching.
func (r *ThreatRule) Compile() error {
	if r.ID == "" {
		return fmt.Errorf("threat rule missing id")
	}
	if r.Pattern == "" {
		return fmt.Errorf("threat rule %s: pattern cannot be empty", r.ID)
	}
	for _, a := range r.Actions {
		if !core.ValidResponseAction(a) {
			return fmt.Errorf("threat rule %s: unknown action %q", r.ID, a)
		}
	}
	re, err := regexp2.Compile(r.Pattern, regexp2.IgnoreCase)
	if err != nil {
		return fmt.Errorf("threat rule %s: invalid pattern: %w", r.ID, err)
	}
	re.MatchTimeout = ruleMatchTimeout
	r.compiled = re
	return nil
}

// Matches evaluates the rule pattern against a serialized event. A timed-out
// match counts as no match.
func (r *ThreatRule) Matches(serialized string) bool {
	if r.compiled == nil {
		return false
	}
	ok, err := r.compiled.MatchString(serialized)
	if err != nil {
		return false
	}
	return ok
}
