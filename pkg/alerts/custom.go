package alerts

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/pulse/pkg/contracts"
)

// CustomRuleSpec describes an operator-defined alert rule. Expr is a CEL
// boolean expression over `status` (recovery_status, energy_level,
// training_readiness), `trends` (performance, adherence) and
// `recommendations` (list of strings).
type CustomRuleSpec struct {
	Name               string   `yaml:"name"`
	Expr               string   `yaml:"expr"`
	Kind               string   `yaml:"kind"`
	Priority           string   `yaml:"priority"`
	Title              string   `yaml:"title"`
	Message            string   `yaml:"message"`
	Actions            []string `yaml:"actions,omitempty"`
	AutoDismissSeconds int      `yaml:"auto_dismiss_seconds,omitempty"`
}

// CustomRule is a compiled CustomRuleSpec.
type CustomRule struct {
	Name               string
	Kind               contracts.AlertKind
	Priority           contracts.Priority
	Title              string
	Message            string
	Actions            []string
	AutoDismissSeconds int

	prg cel.Program
}

func newRuleEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("status", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("trends", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("recommendations", cel.ListType(cel.StringType)),
	)
}

// CompileRules compiles rule specs. Any invalid rule fails the whole set.
func CompileRules(specs []CustomRuleSpec) ([]*CustomRule, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	env, err := newRuleEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	rules := make([]*CustomRule, 0, len(specs))
	for _, s := range specs {
		kind := contracts.AlertKind(s.Kind)
		switch kind {
		case contracts.AlertInfo, contracts.AlertWarning, contracts.AlertDanger:
		case "":
			kind = contracts.AlertInfo
		default:
			return nil, fmt.Errorf("rule %q: unknown alert kind %q", s.Name, s.Kind)
		}
		priority := contracts.Priority(s.Priority)
		if s.Priority == "" {
			priority = contracts.PriorityMedium
		}
		if !priority.Valid() {
			return nil, fmt.Errorf("rule %q: unknown priority %q", s.Name, s.Priority)
		}

		ast, issues := env.Compile(s.Expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("rule %q: compile: %w", s.Name, issues.Err())
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return nil, fmt.Errorf("rule %q: expression must evaluate to bool", s.Name)
		}
		prg, err := env.Program(ast, cel.CostLimit(10000))
		if err != nil {
			return nil, fmt.Errorf("rule %q: program: %w", s.Name, err)
		}

		rules = append(rules, &CustomRule{
			Name:               s.Name,
			Kind:               kind,
			Priority:           priority,
			Title:              s.Title,
			Message:            s.Message,
			Actions:            s.Actions,
			AutoDismissSeconds: s.AutoDismissSeconds,
			prg:                prg,
		})
	}
	return rules, nil
}

// Matches evaluates the rule against a snapshot.
func (r *CustomRule) Matches(s contracts.InsightSnapshot) (bool, error) {
	recs := s.Recommendations
	if recs == nil {
		recs = []string{}
	}
	out, _, err := r.prg.Eval(map[string]any{
		"status": map[string]string{
			"recovery_status":    s.CurrentStatus.RecoveryStatus,
			"energy_level":       s.CurrentStatus.EnergyLevel,
			"training_readiness": s.CurrentStatus.TrainingReadiness,
		},
		"trends": map[string]string{
			"performance": s.Trends.Performance,
			"adherence":   s.Trends.Adherence,
		},
		"recommendations": recs,
	})
	if err != nil {
		return false, err
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("non-bool result %v", out)
	}
	return b, nil
}

func (r *CustomRule) autoDismiss() *int {
	if r.AutoDismissSeconds <= 0 {
		return nil
	}
	return intPtr(r.AutoDismissSeconds)
}
