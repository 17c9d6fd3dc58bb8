package rules

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/joescharf/tsr/internal/models"
)

// MetricThreshold names an eval metric and the minimum value it must reach.
type MetricThreshold struct {
	Metric    string  `yaml:"metric" json:"metric"`
	Threshold float64 `yaml:"threshold" json:"threshold"`
}

// BlockingRules are conditions that force a NO_GO decision.
type BlockingRules struct {
	// Test types in which any failure blocks.
	MustPassTestTypes []models.TestType `yaml:"must_pass_test_types" json:"must_pass_test_types"`
	// A suite that ran zero tests signals a broken pipeline.
	BlockEmptySuites bool `yaml:"block_empty_suites" json:"block_empty_suites"`
	// Latest iteration metric floor. A missing metric reads as 0.
	EvalMetric MetricThreshold `yaml:"eval_metric" json:"eval_metric"`
	// Outcomes the latest iteration may report without blocking.
	PassingOutcomes []models.IterationOutcome `yaml:"passing_outcomes" json:"passing_outcomes"`
	// Open failure modes of this severity, in any iteration, block.
	UnresolvedSeverity models.Severity `yaml:"unresolved_severity" json:"unresolved_severity"`
	// Minimum verified/total requirement rate.
	RequirementVerificationRate float64 `yaml:"requirement_verification_rate" json:"requirement_verification_rate"`
	MinEvalIterations           int     `yaml:"min_eval_iterations" json:"min_eval_iterations"`
}

// WarningRules are informational conditions; they never change the decision.
type WarningRules struct {
	// Latest iteration metric floor. A missing metric reads as 1.
	EvalMetric MetricThreshold `yaml:"eval_metric" json:"eval_metric"`
	// Maximum failed/total rate for the performance suite.
	PerformanceFailureRate float64 `yaml:"performance_failure_rate" json:"performance_failure_rate"`
}

// Policy is the full go/no-go rule set.
type Policy struct {
	Blocking BlockingRules `yaml:"blocking" json:"blocking"`
	Warnings WarningRules  `yaml:"warnings" json:"warnings"`
	// Reserved for a code coverage gate; not evaluated.
	CodeCoverage float64 `yaml:"code_coverage" json:"code_coverage"`
}

// DefaultPolicy returns the built-in rule set.
func DefaultPolicy() Policy {
	return Policy{
		Blocking: BlockingRules{
			MustPassTestTypes:           []models.TestType{models.TestTypeSecurity, models.TestTypeUnit},
			BlockEmptySuites:            true,
			EvalMetric:                  MetricThreshold{Metric: models.MetricAccuracy, Threshold: 0.85},
			PassingOutcomes:             []models.IterationOutcome{models.OutcomePassed, models.OutcomeImproved},
			UnresolvedSeverity:          models.SeverityCritical,
			RequirementVerificationRate: 0.95,
			MinEvalIterations:           1,
		},
		Warnings: WarningRules{
			EvalMetric:             MetricThreshold{Metric: models.MetricGroundingScore, Threshold: 0.90},
			PerformanceFailureRate: 0.05,
		},
		CodeCoverage: 0.80,
	}
}

// LoadPolicy reads a YAML policy file. Keys absent from the file keep their
// default values.
func LoadPolicy(path string) (Policy, error) {
	p := DefaultPolicy()
	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("read rules file: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("parse rules file %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return p, fmt.Errorf("rules file %s: %w", path, err)
	}
	return p, nil
}

// Validate checks that every tag is known and every rate lies in [0, 1].
func (p Policy) Validate() error {
	for _, tt := range p.Blocking.MustPassTestTypes {
		if _, err := models.ParseTestType(string(tt)); err != nil {
			return err
		}
	}
	for _, o := range p.Blocking.PassingOutcomes {
		if _, err := models.ParseIterationOutcome(string(o)); err != nil {
			return err
		}
	}
	if _, err := models.ParseSeverity(string(p.Blocking.UnresolvedSeverity)); err != nil {
		return err
	}
	if p.Blocking.EvalMetric.Metric == "" {
		return fmt.Errorf("blocking.eval_metric.metric is required")
	}
	if p.Blocking.MinEvalIterations < 0 {
		return fmt.Errorf("blocking.min_eval_iterations must be >= 0, got %d", p.Blocking.MinEvalIterations)
	}
	rates := map[string]float64{
		"blocking.eval_metric.threshold":         p.Blocking.EvalMetric.Threshold,
		"blocking.requirement_verification_rate": p.Blocking.RequirementVerificationRate,
		"warnings.eval_metric.threshold":         p.Warnings.EvalMetric.Threshold,
		"warnings.performance_failure_rate":      p.Warnings.PerformanceFailureRate,
		"code_coverage":                          p.CodeCoverage,
	}
	for _, key := range []string{
		"blocking.eval_metric.threshold",
		"blocking.requirement_verification_rate",
		"warnings.eval_metric.threshold",
		"warnings.performance_failure_rate",
		"code_coverage",
	} {
		if v := rates[key]; v < 0 || v > 1 {
			return fmt.Errorf("%s must be between 0 and 1, got %v", key, v)
		}
	}
	return nil
}

// YAML renders the policy in the rules file format.
func (p Policy) YAML() ([]byte, error) {
	return yaml.Marshal(p)
}
