package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// TestSummaryReport aggregates all test and evaluation evidence for one
// candidate release, plus the go/no-go verdict derived from it.
//
// The decision fields are derived: only the rules engine or an explicit
// approval should write them.
type TestSummaryReport struct {
	ID          string      `json:"id" validate:"required"`
	CreatedAt   time.Time   `json:"created_at"`
	TriggeredBy string      `json:"triggered_by" validate:"required"`
	Environment Environment `json:"environment" validate:"known"`

	Versions            *VersionManifest       `json:"versions"`
	TestResults         []TestTypeResult       `json:"test_results" validate:"dive"`
	EvalIterations      []EvalIterationSummary `json:"eval_iterations" validate:"dive"`
	RequirementCoverage []RequirementCoverage  `json:"requirement_coverage" validate:"dive"`

	OverallStatus  OverallStatus `json:"overall_status" validate:"known"`
	Decision       Decision      `json:"go_no_go_decision" validate:"known"`
	DecisionReason string        `json:"decision_reason"`
	BlockingIssues []string      `json:"blocking_issues"`
	Warnings       []string      `json:"warnings"`

	ManualApprovalRequired bool       `json:"manual_approval_required"`
	ApprovedBy             string     `json:"approved_by"`
	ApprovedAt             *time.Time `json:"approved_at"`
}

// NewID generates a new time-sortable ULID string.
func NewID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}

// NewReport returns an empty report with a fresh id and the defaults a
// manually created report starts from.
func NewReport() *TestSummaryReport {
	return &TestSummaryReport{
		ID:                  NewID(),
		CreatedAt:           time.Now().UTC(),
		TriggeredBy:         "manual",
		Environment:         EnvironmentTest,
		TestResults:         []TestTypeResult{},
		EvalIterations:      []EvalIterationSummary{},
		RequirementCoverage: []RequirementCoverage{},
		OverallStatus:       OverallStatusPassed,
		Decision:            DecisionPendingReview,
		BlockingIssues:      []string{},
		Warnings:            []string{},
	}
}

// DecodeReport parses the nested JSON form of a report. Missing fields keep
// the NewReport defaults; unknown enum tags are rejected.
func DecodeReport(data []byte) (*TestSummaryReport, error) {
	r := NewReport()
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(r); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	if r.ID == "" {
		r.ID = NewID()
	}
	return r, nil
}

// LatestIteration returns the authoritative (last) eval iteration.
func (r *TestSummaryReport) LatestIteration() (EvalIterationSummary, bool) {
	if len(r.EvalIterations) == 0 {
		return EvalIterationSummary{}, false
	}
	return r.EvalIterations[len(r.EvalIterations)-1], true
}

// TotalTests sums Total across all test types.
func (r *TestSummaryReport) TotalTests() int {
	n := 0
	for _, tr := range r.TestResults {
		n += tr.Total
	}
	return n
}

// TotalPassed sums Passed across all test types.
func (r *TestSummaryReport) TotalPassed() int {
	n := 0
	for _, tr := range r.TestResults {
		n += tr.Passed
	}
	return n
}

// TotalFailed sums Failed across all test types.
func (r *TestSummaryReport) TotalFailed() int {
	n := 0
	for _, tr := range r.TestResults {
		n += tr.Failed
	}
	return n
}

// OverallPassRate is TotalPassed/TotalTests, 1.0 when nothing ran.
func (r *TestSummaryReport) OverallPassRate() float64 {
	total := r.TotalTests()
	if total == 0 {
		return 1.0
	}
	return float64(r.TotalPassed()) / float64(total)
}
