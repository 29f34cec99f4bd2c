package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/pulse/pkg/alerts"
)

// Rules is the operator rules file: custom alert rules, users the proactive
// monitor checks even before they appear on the bus, and the context attached
// to proactive coach chat messages.
type Rules struct {
	AlertRules   []alerts.CustomRuleSpec `yaml:"alert_rules"`
	MonitorUsers []string                `yaml:"monitor_users"`
	ChatContext  map[string]any          `yaml:"chat_context"`
}

// LoadRules reads a rules file. An empty path yields empty rules.
func LoadRules(path string) (*Rules, error) {
	if path == "" {
		return &Rules{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load rules %q: %w", path, err)
	}

	var rules Rules
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("parse rules %q: %w", path, err)
	}
	for i, r := range rules.AlertRules {
		if r.Name == "" {
			rules.AlertRules[i].Name = fmt.Sprintf("rule_%d", i+1)
		}
		if r.Expr == "" {
			return nil, fmt.Errorf("parse rules %q: rule %d has no expr", path, i+1)
		}
	}
	return &rules, nil
}

// Compile compiles the alert rules.
func (r *Rules) Compile() ([]*alerts.CustomRule, error) {
	return alerts.CompileRules(r.AlertRules)
}
