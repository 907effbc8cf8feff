package alerting

import (
	"fmt"
	"time"
)

// Re-alert policies.
const (
	// PolicyPerEvent raises an alert for every event that keeps the window
	// at or above the threshold.
	PolicyPerEvent = "per-event"
	// PolicyCooldown suppresses repeat alerts for the same (rule, key)
	// until one window length has passed since the last one.
	PolicyCooldown = "cooldown"
)

// Rule is a threshold rule evaluated per source IP over a sliding window of
// event timestamps.
type Rule struct {
	// Name identifies the rule and becomes the alert_type of raised alerts.
	Name string `mapstructure:"name" json:"name"`
	// MinStatus is the lowest HTTP status that counts toward the rule.
	MinStatus int `mapstructure:"min_status" json:"min_status"`
	// Threshold is the number of matching events within Window that raises
	// an alert.
	Threshold int `mapstructure:"threshold" json:"threshold"`
	// Window is the sliding-window length.
	Window time.Duration `mapstructure:"window" json:"window"`
	// Policy controls re-alerting: per-event (default) or cooldown.
	Policy string `mapstructure:"policy" json:"policy"`
}

// Validate reports the first problem with the rule definition.
func (r *Rule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	if r.MinStatus < 0 {
		return fmt.Errorf("rule %s: min_status must not be negative", r.Name)
	}
	if r.Threshold < 1 {
		return fmt.Errorf("rule %s: threshold must be at least 1", r.Name)
	}
	if r.Window <= 0 {
		return fmt.Errorf("rule %s: window must be positive", r.Name)
	}
	switch r.Policy {
	case "", PolicyPerEvent, PolicyCooldown:
	default:
		return fmt.Errorf("rule %s: unknown policy %q", r.Name, r.Policy)
	}
	return nil
}

// DefaultRules returns the built-in rule set: five or more responses with
// status >= 400 from one IP inside 60 seconds.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:      "HIGH_ERROR_RATE",
			MinStatus: 400,
			Threshold: 5,
			Window:    60 * time.Second,
			Policy:    PolicyPerEvent,
		},
	}
}
