package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Policy is the optional YAML file that tunes task execution per deployment.
// Zero values leave the environment settings untouched. A negative
// max_completion_rejections accepts every completion.
//
//	step_budgets:
//	  simple: 20
//	  complex: 80
//	min_completion_confidence: 60
//	tool_timeout: 45s
type Policy struct {
	StepBudgets struct {
		Simple   int `yaml:"simple"`
		Moderate int `yaml:"moderate"`
		Complex  int `yaml:"complex"`
	} `yaml:"step_budgets"`
	MaxSteps                int           `yaml:"max_steps"`
	MinCompletionConfidence int           `yaml:"min_completion_confidence"`
	MaxCompletionRejections int           `yaml:"max_completion_rejections"`
	MaxPlannerFailures      int           `yaml:"max_planner_failures"`
	PlannerTimeout          time.Duration `yaml:"planner_timeout"`
	ToolTimeout             time.Duration `yaml:"tool_timeout"`
	MemoryLimit             int           `yaml:"memory_limit"`
	Retention               struct {
		Interval               time.Duration `yaml:"interval"`
		MinAppliedToDeactivate int           `yaml:"min_applied_to_deactivate"`
	} `yaml:"retention"`
}

// LoadPolicy reads and parses a policy file. Unknown keys are rejected.
func LoadPolicy(path string) (*Policy, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open policy file: %w", err)
	}
	defer f.Close()

	var p Policy
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	return &p, nil
}

// Apply overlays the policy's non-zero values onto cfg.
func (p *Policy) Apply(cfg *Config) {
	o := &cfg.Orchestrator
	setInt(&o.StepBudgetSimple, p.StepBudgets.Simple)
	setInt(&o.StepBudgetModerate, p.StepBudgets.Moderate)
	setInt(&o.StepBudgetComplex, p.StepBudgets.Complex)
	setInt(&o.MaxSteps, p.MaxSteps)
	setInt(&o.MaxPlannerFailures, p.MaxPlannerFailures)
	setInt(&o.MemoryLimit, p.MemoryLimit)
	setInt(&o.MinCompletionConfidence, p.MinCompletionConfidence)
	if p.MaxCompletionRejections != 0 {
		o.MaxCompletionRejections = p.MaxCompletionRejections
	}
	if p.PlannerTimeout > 0 {
		o.PlannerTimeout = p.PlannerTimeout
	}
	if p.ToolTimeout > 0 {
		o.ToolTimeout = p.ToolTimeout
	}
	if p.Retention.Interval > 0 {
		cfg.Retention.Interval = p.Retention.Interval
	}
	setInt(&cfg.Retention.MinAppliedToDeactivate, p.Retention.MinAppliedToDeactivate)
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}
