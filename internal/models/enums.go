package models

import (
	"fmt"
	"slices"
)

// Decision is the deployment verdict derived from a report.
type Decision string

const (
	DecisionGo            Decision = "go"
	DecisionNoGo          Decision = "no_go"
	DecisionPendingReview Decision = "pending_review"
)

// Decisions lists every valid decision in display order.
var Decisions = []Decision{DecisionGo, DecisionNoGo, DecisionPendingReview}

// OverallStatus mirrors the decision as a coarse run status.
type OverallStatus string

const (
	OverallStatusPassed        OverallStatus = "passed"
	OverallStatusFailed        OverallStatus = "failed"
	OverallStatusPendingReview OverallStatus = "pending_review"
)

// Environment is the deployment target a report was produced for.
type Environment string

const (
	EnvironmentTest       Environment = "test"
	EnvironmentStaging    Environment = "staging"
	EnvironmentProduction Environment = "production"
)

// Environments lists every valid environment.
var Environments = []Environment{EnvironmentTest, EnvironmentStaging, EnvironmentProduction}

// TestType tags the kind of suite a TestTypeResult came from.
type TestType string

const (
	TestTypeUnit        TestType = "unit"
	TestTypeIntegration TestType = "integration"
	TestTypeE2E         TestType = "e2e"
	TestTypeAcceptance  TestType = "acceptance"
	TestTypeEvals       TestType = "evals"
	TestTypeSecurity    TestType = "security"
	TestTypePerformance TestType = "performance"
	TestTypeSteelThread TestType = "steelthread"
)

// TestTypes lists every valid test type.
var TestTypes = []TestType{
	TestTypeUnit, TestTypeIntegration, TestTypeE2E, TestTypeAcceptance,
	TestTypeEvals, TestTypeSecurity, TestTypePerformance, TestTypeSteelThread,
}

// Severity rates how damaging a failure mode is.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityMajor    Severity = "major"
	SeverityMinor    Severity = "minor"
)

// FailureCategory groups failure modes by the behavior they affect.
type FailureCategory string

const (
	CategoryAccuracy    FailureCategory = "accuracy"
	CategoryFormat      FailureCategory = "format"
	CategorySafety      FailureCategory = "safety"
	CategoryPerformance FailureCategory = "performance"
	CategoryGrounding   FailureCategory = "grounding"
)

// ResolutionStatus tracks a failure mode to resolution.
type ResolutionStatus string

const (
	ResolutionOpen         ResolutionStatus = "open"
	ResolutionFixed        ResolutionStatus = "fixed"
	ResolutionWontFix      ResolutionStatus = "wont_fix"
	ResolutionAcceptedRisk ResolutionStatus = "accepted_risk"
)

// IterationOutcome is the verdict of one eval iteration.
type IterationOutcome string

const (
	OutcomeFailed   IterationOutcome = "failed"
	OutcomeImproved IterationOutcome = "improved"
	OutcomePassed   IterationOutcome = "passed"
)

// CoverageStatus describes how completely tests exercise a requirement.
type CoverageStatus string

const (
	CoverageCovered   CoverageStatus = "covered"
	CoveragePartial   CoverageStatus = "partial"
	CoverageUncovered CoverageStatus = "uncovered"
)

// VerificationStatus describes whether a requirement's tests currently pass.
type VerificationStatus string

const (
	VerificationVerified VerificationStatus = "verified"
	VerificationFailed   VerificationStatus = "failed"
	VerificationNotRun   VerificationStatus = "not_run"
)

func parseEnum[T ~string](kind, s string, valid ...T) (T, error) {
	v := T(s)
	if slices.Contains(valid, v) {
		return v, nil
	}
	return "", fmt.Errorf("invalid %s: %q", kind, s)
}

func ParseDecision(s string) (Decision, error) {
	return parseEnum("decision", s, Decisions...)
}

func ParseOverallStatus(s string) (OverallStatus, error) {
	return parseEnum("overall status", s, OverallStatusPassed, OverallStatusFailed, OverallStatusPendingReview)
}

func ParseEnvironment(s string) (Environment, error) {
	return parseEnum("environment", s, Environments...)
}

func ParseTestType(s string) (TestType, error) {
	return parseEnum("test type", s, TestTypes...)
}

func ParseSeverity(s string) (Severity, error) {
	return parseEnum("severity", s, SeverityCritical, SeverityMajor, SeverityMinor)
}

func ParseFailureCategory(s string) (FailureCategory, error) {
	return parseEnum("failure category", s, CategoryAccuracy, CategoryFormat, CategorySafety, CategoryPerformance, CategoryGrounding)
}

func ParseResolutionStatus(s string) (ResolutionStatus, error) {
	return parseEnum("resolution status", s, ResolutionOpen, ResolutionFixed, ResolutionWontFix, ResolutionAcceptedRisk)
}

func ParseIterationOutcome(s string) (IterationOutcome, error) {
	return parseEnum("iteration outcome", s, OutcomeFailed, OutcomeImproved, OutcomePassed)
}

func ParseCoverageStatus(s string) (CoverageStatus, error) {
	return parseEnum("coverage status", s, CoverageCovered, CoveragePartial, CoverageUncovered)
}

func ParseVerificationStatus(s string) (VerificationStatus, error) {
	return parseEnum("verification status", s, VerificationVerified, VerificationFailed, VerificationNotRun)
}

// UnmarshalText implementations reject unknown tags at the decoding boundary.

func (d *Decision) UnmarshalText(b []byte) (err error) {
	*d, err = ParseDecision(string(b))
	return err
}

func (s *OverallStatus) UnmarshalText(b []byte) (err error) {
	*s, err = ParseOverallStatus(string(b))
	return err
}

func (e *Environment) UnmarshalText(b []byte) (err error) {
	*e, err = ParseEnvironment(string(b))
	return err
}

func (t *TestType) UnmarshalText(b []byte) (err error) {
	*t, err = ParseTestType(string(b))
	return err
}

func (s *Severity) UnmarshalText(b []byte) (err error) {
	*s, err = ParseSeverity(string(b))
	return err
}

func (c *FailureCategory) UnmarshalText(b []byte) (err error) {
	*c, err = ParseFailureCategory(string(b))
	return err
}

func (r *ResolutionStatus) UnmarshalText(b []byte) (err error) {
	*r, err = ParseResolutionStatus(string(b))
	return err
}

func (o *IterationOutcome) UnmarshalText(b []byte) (err error) {
	*o, err = ParseIterationOutcome(string(b))
	return err
}

func (c *CoverageStatus) UnmarshalText(b []byte) (err error) {
	*c, err = ParseCoverageStatus(string(b))
	return err
}

func (v *VerificationStatus) UnmarshalText(b []byte) (err error) {
	*v, err = ParseVerificationStatus(string(b))
	return err
}
