package rules

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/joescharf/tsr/internal/models"
)

var (
	// ErrBlockingIssues is returned when approval is attempted on a report
	// that still has blocking issues.
	ErrBlockingIssues = errors.New("report has blocking issues")
	// ErrApproverRequired is returned when approval names no approver.
	ErrApproverRequired = errors.New("approved_by is required")
)

// Result is the engine's verdict for one report.
type Result struct {
	Decision       models.Decision `json:"decision"`
	Reason         string          `json:"reason"`
	BlockingIssues []string        `json:"blocking_issues"`
	Warnings       []string        `json:"warnings"`
}

// OverallStatus maps the decision onto the report's coarse status.
func (r Result) OverallStatus() models.OverallStatus {
	switch r.Decision {
	case models.DecisionNoGo:
		return models.OverallStatusFailed
	case models.DecisionPendingReview:
		return models.OverallStatusPendingReview
	default:
		return models.OverallStatusPassed
	}
}

// Observer is notified of every result written onto a report.
type Observer func(Result)

// Option configures an Engine.
type Option func(*Engine)

// WithObserver registers an observer called by Apply.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observers = append(e.observers, o) }
}

// Engine evaluates reports against a Policy.
type Engine struct {
	policy    Policy
	observers []Observer
}

// NewEngine creates an engine for the given policy.
func NewEngine(policy Policy, opts ...Option) *Engine {
	e := &Engine{policy: policy}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the engine's rule set.
func (e *Engine) Policy() Policy {
	return e.policy
}

// Evaluate inspects the report and returns a verdict. It does not mutate the
// report and returns the same result for the same input.
//
// Every blocking and warning check runs; none short-circuits.
func (e *Engine) Evaluate(r *models.TestSummaryReport) Result {
	blocking := []string{}
	warnings := []string{}

	blocking = append(blocking, e.checkTestResults(r)...)
	blocking = append(blocking, e.checkEvalMetrics(r)...)
	warnings = append(warnings, e.checkEvalWarnings(r)...)
	warnings = append(warnings, e.checkPerformanceWarnings(r)...)
	blocking = append(blocking, e.checkFailureModes(r)...)
	blocking = append(blocking, e.checkRequirementCoverage(r)...)
	blocking = append(blocking, e.checkEvalRequirements(r)...)

	res := Result{BlockingIssues: blocking, Warnings: warnings}
	switch {
	case len(blocking) > 0:
		res.Decision = models.DecisionNoGo
		res.Reason = fmt.Sprintf("%d blocking issue(s) found", len(blocking))
	case r.ManualApprovalRequired:
		res.Decision = models.DecisionPendingReview
		res.Reason = "Manual approval required"
	default:
		res.Decision = models.DecisionGo
		res.Reason = "All checks passed"
	}
	return res
}

// Apply evaluates the report and writes the derived decision fields onto it.
func (e *Engine) Apply(r *models.TestSummaryReport) Result {
	res := e.Evaluate(r)
	r.Decision = res.Decision
	r.DecisionReason = res.Reason
	r.BlockingIssues = slices.Clone(res.BlockingIssues)
	r.Warnings = slices.Clone(res.Warnings)
	r.OverallStatus = res.OverallStatus()
	for _, o := range e.observers {
		o(res)
	}
	return res
}

// Approve records a manual approval. A PENDING_REVIEW report flips to GO with
// a reason naming the approver; a GO report only has its approver metadata
// updated. Reports with blocking issues cannot be approved.
func (e *Engine) Approve(r *models.TestSummaryReport, approvedBy, notes string, at time.Time) error {
	approvedBy = strings.TrimSpace(approvedBy)
	if approvedBy == "" {
		return ErrApproverRequired
	}
	if len(r.BlockingIssues) > 0 || r.Decision == models.DecisionNoGo {
		return fmt.Errorf("approve report %s: %w", r.ID, ErrBlockingIssues)
	}
	if current := e.Evaluate(r); len(current.BlockingIssues) > 0 {
		return fmt.Errorf("approve report %s: %w (%d found on re-evaluation)", r.ID, ErrBlockingIssues, len(current.BlockingIssues))
	}

	at = at.UTC()
	r.ApprovedBy = approvedBy
	r.ApprovedAt = &at

	if r.Decision == models.DecisionPendingReview {
		r.Decision = models.DecisionGo
		r.OverallStatus = models.OverallStatusPassed
		r.DecisionReason = "Manually approved by " + approvedBy
		if notes = strings.TrimSpace(notes); notes != "" {
			r.DecisionReason += ": " + notes
		}
	}
	return nil
}

func (e *Engine) checkTestResults(r *models.TestSummaryReport) []string {
	var blocking []string
	for _, res := range r.TestResults {
		label := strings.ToUpper(string(res.TestType))
		if slices.Contains(e.policy.Blocking.MustPassTestTypes, res.TestType) && res.Failed > 0 {
			blocking = append(blocking, fmt.Sprintf("%s: %d test(s) failed", label, res.Failed))
		}
		if e.policy.Blocking.BlockEmptySuites && res.Total == 0 {
			blocking = append(blocking, fmt.Sprintf("%s: No tests found or executed", label))
		}
	}
	return blocking
}

func (e *Engine) checkEvalMetrics(r *models.TestSummaryReport) []string {
	latest, ok := r.LatestIteration()
	if !ok {
		return nil
	}

	var blocking []string
	rule := e.policy.Blocking.EvalMetric
	value, _ := latest.Metric(rule.Metric)
	if value < rule.Threshold {
		blocking = append(blocking, fmt.Sprintf("Eval %s %s below threshold %s",
			rule.Metric, percent(value), percent(rule.Threshold)))
	}

	if !slices.Contains(e.policy.Blocking.PassingOutcomes, latest.Outcome) {
		blocking = append(blocking, fmt.Sprintf("Latest eval iteration (%s) did not pass: %s",
			latest.VersionName, latest.Outcome))
	}
	return blocking
}

func (e *Engine) checkEvalWarnings(r *models.TestSummaryReport) []string {
	latest, ok := r.LatestIteration()
	if !ok {
		return nil
	}

	rule := e.policy.Warnings.EvalMetric
	if rule.Metric == "" {
		return nil
	}
	value, found := latest.Metric(rule.Metric)
	if !found {
		value = 1.0
	}
	if value < rule.Threshold {
		return []string{fmt.Sprintf("%s %s below recommended %s",
			metricLabel(rule.Metric), percent(value), percent(rule.Threshold))}
	}
	return nil
}

func (e *Engine) checkPerformanceWarnings(r *models.TestSummaryReport) []string {
	var warnings []string
	for _, res := range r.TestResults {
		if res.TestType != models.TestTypePerformance || res.Total == 0 {
			continue
		}
		if rate := res.FailureRate(); rate > e.policy.Warnings.PerformanceFailureRate {
			warnings = append(warnings, fmt.Sprintf("PERFORMANCE: failure rate %s above %s",
				percent(rate), percent(e.policy.Warnings.PerformanceFailureRate)))
		}
	}
	return warnings
}

func (e *Engine) checkFailureModes(r *models.TestSummaryReport) []string {
	var blocking []string
	severity := e.policy.Blocking.UnresolvedSeverity
	for _, it := range r.EvalIterations {
		for _, fm := range it.FailureModes {
			if fm.Severity == severity && fm.IsOpen() {
				blocking = append(blocking, fmt.Sprintf("Unresolved %s failure mode: %s (%s)",
					severity, fm.Name, fm.Category))
			}
		}
	}
	return blocking
}

func (e *Engine) checkRequirementCoverage(r *models.TestSummaryReport) []string {
	total := len(r.RequirementCoverage)
	if total == 0 {
		return nil
	}
	verified := 0
	for _, req := range r.RequirementCoverage {
		if req.VerificationStatus == models.VerificationVerified {
			verified++
		}
	}
	rate := float64(verified) / float64(total)
	threshold := e.policy.Blocking.RequirementVerificationRate
	if rate < threshold {
		return []string{fmt.Sprintf("Requirement coverage %s below threshold %s (%d/%d verified)",
			percent(rate), percent(threshold), verified, total)}
	}
	return nil
}

func (e *Engine) checkEvalRequirements(r *models.TestSummaryReport) []string {
	required := e.policy.Blocking.MinEvalIterations
	if n := len(r.EvalIterations); n < required {
		return []string{fmt.Sprintf("Only %d eval iteration(s) documented, minimum %d required", n, required)}
	}
	return nil
}

func percent(v float64) string {
	return fmt.Sprintf("%.1f%%", v*100)
}

// metricLabel turns a metric key like "grounding_score" into "Grounding score".
func metricLabel(key string) string {
	s := strings.ReplaceAll(key, "_", " ")
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
