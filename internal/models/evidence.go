package models

import (
	"encoding/json"
	"fmt"
)

// Well-known eval metric keys. The metrics map is open-ended; these are the
// keys the decision engine and the CLI know how to read.
const (
	MetricAccuracy          = "accuracy"
	MetricGroundingScore    = "grounding_score"
	MetricAvgResponseLength = "avg_response_length"
	MetricLatencyP95        = "latency_p95"
)

// VersionManifest identifies exactly what was tested.
type VersionManifest struct {
	CodebaseSHA    string `json:"codebase_sha" validate:"required"`
	CodebaseBranch string `json:"codebase_branch"`
	CodebaseRepo   string `json:"codebase_repo"`
	TestbaseSHA    string `json:"testbase_sha"`
	PromptsSHA     string `json:"prompts_sha"`
	PromptsVersion string `json:"prompts_version,omitempty"` // semantic version like "v2.1.0"
}

// FailureDetail describes one failing or erroring test case.
type FailureDetail struct {
	TestName  string `json:"test_name"`
	ClassName string `json:"class_name"`
	Message   string `json:"message"`
	Type      string `json:"type"`
	Details   string `json:"details"`
}

// TestTypeResult is one test type's outcome. Producers guarantee
// Passed+Failed+Skipped == Total; it is not re-validated here.
type TestTypeResult struct {
	TestType       TestType        `json:"test_type" validate:"known"`
	Total          int             `json:"total" validate:"gte=0"`
	Passed         int             `json:"passed" validate:"gte=0"`
	Failed         int             `json:"failed" validate:"gte=0"`
	Skipped        int             `json:"skipped" validate:"gte=0"`
	DurationMS     int64           `json:"duration_ms" validate:"gte=0"`
	FailureDetails []FailureDetail `json:"failure_details"`
}

// PassRate returns Passed/Total, or 1.0 for an empty suite.
func (r TestTypeResult) PassRate() float64 {
	if r.Total == 0 {
		return 1.0
	}
	return float64(r.Passed) / float64(r.Total)
}

// MarshalJSON adds the derived pass_rate to the wire form. It is ignored on
// decode.
func (r TestTypeResult) MarshalJSON() ([]byte, error) {
	type plain TestTypeResult
	return json.Marshal(struct {
		plain
		PassRate float64 `json:"pass_rate"`
	}{plain(r), r.PassRate()})
}

// FailureRate returns Failed/Total, or 0 for an empty suite.
func (r TestTypeResult) FailureRate() float64 {
	if r.Total == 0 {
		return 0
	}
	return float64(r.Failed) / float64(r.Total)
}

// FailureMode is a discovered behavioral defect in the AI system.
type FailureMode struct {
	ID                    string           `json:"id" validate:"required"`
	Name                  string           `json:"name" validate:"required"`
	Description           string           `json:"description"`
	Severity              Severity         `json:"severity" validate:"known"`
	Category              FailureCategory  `json:"category" validate:"known"`
	DiscoveredInIteration int              `json:"discovered_in_iteration" validate:"gte=0"`
	ResolutionStatus      ResolutionStatus `json:"resolution_status" validate:"omitempty,known"`
}

// IsOpen reports whether the failure mode still awaits resolution.
func (fm FailureMode) IsOpen() bool {
	return fm.ResolutionStatus == ResolutionOpen || fm.ResolutionStatus == ""
}

// Resolve moves an open failure mode to a terminal resolution status.
// Failure modes are never deleted; resolution is their only mutation.
func (fm *FailureMode) Resolve(status ResolutionStatus) error {
	if _, err := ParseResolutionStatus(string(status)); err != nil {
		return err
	}
	if status == ResolutionOpen {
		return fmt.Errorf("failure mode %s: cannot resolve to %q", fm.ID, status)
	}
	if !fm.IsOpen() {
		return fmt.Errorf("failure mode %s already resolved as %q", fm.ID, fm.ResolutionStatus)
	}
	fm.ResolutionStatus = status
	return nil
}

// EvalIterationSummary is one labeled cycle of AI-behavior evaluation.
type EvalIterationSummary struct {
	Iteration     int                `json:"iteration" validate:"gte=0"`
	VersionName   string             `json:"version_name" validate:"required"`
	PromptVersion string             `json:"prompt_version"`
	Outcome       IterationOutcome   `json:"outcome" validate:"known"`
	Metrics       map[string]float64 `json:"metrics"`
	FailureModes  []FailureMode      `json:"failure_modes" validate:"dive"`
	FixesApplied  []map[string]any   `json:"fixes_applied"`
}

// Metric returns the named metric and whether it was reported.
func (e EvalIterationSummary) Metric(key string) (float64, bool) {
	v, ok := e.Metrics[key]
	return v, ok
}

// RequirementCoverage links a requirement to the tests that verify it.
type RequirementCoverage struct {
	RequirementID      string             `json:"requirement_id" validate:"required"`
	RequirementText    string             `json:"requirement_text" validate:"required"`
	TestIDs            []string           `json:"test_ids"`
	CoverageStatus     CoverageStatus     `json:"coverage_status" validate:"known"`
	VerificationStatus VerificationStatus `json:"verification_status" validate:"known"`
}
