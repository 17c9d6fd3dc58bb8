package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/tsr/internal/models"
	"github.com/joescharf/tsr/internal/output"
	"github.com/joescharf/tsr/internal/rules"
	"github.com/joescharf/tsr/internal/store"
)

var seedForce bool

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Populate the database with three sample reports",
	Long: `Create sample reports for three prompt iterations of a customer
support assistant: V1 Verbose (failed), V2 No RAG (improved), and V3 RAG
(passed). Useful for trying the API, the MCP tools, and the dashboards.

Seeding is skipped when the database already holds reports unless --force
is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return seedRun(context.Background())
	},
}

func init() {
	seedCmd.Flags().BoolVar(&seedForce, "force", false, "Seed even if reports already exist")
	rootCmd.AddCommand(seedCmd)
}

func seedRun(ctx context.Context) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	engine, err := newEngine()
	if err != nil {
		return err
	}

	existing, err := s.CountReports(ctx, store.CountFilter{})
	if err != nil {
		return err
	}
	if existing > 0 && !seedForce {
		ui.Warning("Database already contains %d reports; skipping (use --force to seed anyway)", existing)
		return nil
	}

	for _, r := range sampleReports(engine, time.Now().UTC()) {
		if dryRun {
			ui.DryRunMsg("Would create report %s: %s", shortID(r.ID), output.DecisionLabel(r.Decision))
			continue
		}
		if _, err := s.SaveReport(ctx, r); err != nil {
			return fmt.Errorf("save report: %w", err)
		}
		latest, _ := r.LatestIteration()
		ui.Success("Created %s (%s): %s", output.Cyan(shortID(r.ID)), latest.VersionName, output.DecisionColor(r.Decision))
		ui.VerboseLog("%d tests, %d passed, %d blocking issue(s)", r.TotalTests(), r.TotalPassed(), len(r.BlockingIssues))
	}
	return nil
}

// sampleReports builds one evaluated report per iteration, oldest first.
// Each report carries the iteration history up to and including itself.
func sampleReports(engine *rules.Engine, now time.Time) []*models.TestSummaryReport {
	reports := make([]*models.TestSummaryReport, 0, 3)
	for i := 1; i <= 3; i++ {
		r := models.NewReport()
		r.CreatedAt = now.Add(-time.Duration(10-i*3) * 24 * time.Hour)
		r.TriggeredBy = "seed"
		r.Environment = models.EnvironmentTest
		r.Versions = sampleManifest(i)
		r.TestResults = sampleTestResults(i)
		r.EvalIterations = sampleIterations(i)
		r.RequirementCoverage = sampleRequirements()
		engine.Apply(r)
		reports = append(reports, r)
	}
	return reports
}

func sampleManifest(i int) *models.VersionManifest {
	pad := strings.Repeat("0", 33)
	return &models.VersionManifest{
		CodebaseSHA:    fmt.Sprintf("abc123%d%s", i, pad),
		CodebaseBranch: "main",
		CodebaseRepo:   "https://github.com/example/ai-testing-resource",
		TestbaseSHA:    fmt.Sprintf("def456%d%s", i, pad),
		PromptsSHA:     fmt.Sprintf("0a0789%d%s", i, pad),
		PromptsVersion: fmt.Sprintf("v1.%d.0", i),
	}
}

func sampleTestResults(i int) []models.TestTypeResult {
	failures := map[int]map[models.TestType]int{
		1: {models.TestTypeUnit: 2, models.TestTypeSecurity: 1, models.TestTypeEvals: 5},
		2: {models.TestTypeEvals: 2},
	}
	suites := []struct {
		tt    models.TestType
		total int
	}{
		{models.TestTypeUnit, 45},
		{models.TestTypeIntegration, 12},
		{models.TestTypeE2E, 8},
		{models.TestTypeAcceptance, 6},
		{models.TestTypeEvals, 15},
		{models.TestTypeSecurity, 10},
		{models.TestTypePerformance, 5},
	}

	results := make([]models.TestTypeResult, 0, len(suites))
	for _, s := range suites {
		failed := failures[i][s.tt]
		results = append(results, models.TestTypeResult{
			TestType:       s.tt,
			Total:          s.total,
			Passed:         s.total - failed,
			Failed:         failed,
			DurationMS:     int64(s.total*150 + i*100),
			FailureDetails: []models.FailureDetail{},
		})
	}
	return results
}

func sampleIterations(upTo int) []models.EvalIterationSummary {
	all := []models.EvalIterationSummary{
		{
			Iteration:     1,
			VersionName:   "V1 Verbose",
			PromptVersion: "v1.0",
			Outcome:       models.OutcomeFailed,
			Metrics: map[string]float64{
				models.MetricAccuracy:          0.65,
				models.MetricAvgResponseLength: 320,
				models.MetricGroundingScore:    0.0,
				models.MetricLatencyP95:        2850,
			},
			FailureModes: []models.FailureMode{{
				ID:                    models.NewID(),
				Name:                  "Excessive verbosity",
				Description:           "Responses exceed 300 words vs 80-word target",
				Severity:              models.SeverityMajor,
				Category:              models.CategoryFormat,
				DiscoveredInIteration: 1,
				ResolutionStatus:      models.ResolutionFixed,
			}},
			FixesApplied: []map[string]any{},
		},
		{
			Iteration:     2,
			VersionName:   "V2 No RAG",
			PromptVersion: "v2.0",
			Outcome:       models.OutcomeImproved,
			Metrics: map[string]float64{
				models.MetricAccuracy:          0.75,
				models.MetricAvgResponseLength: 85,
				models.MetricGroundingScore:    0.0,
				models.MetricLatencyP95:        1250,
			},
			FailureModes: []models.FailureMode{{
				ID:                    models.NewID(),
				Name:                  "Hallucinated pricing",
				Description:           "Made up prices without access to real data",
				Severity:              models.SeverityCritical,
				Category:              models.CategoryAccuracy,
				DiscoveredInIteration: 2,
				ResolutionStatus:      models.ResolutionFixed,
			}},
			FixesApplied: []map[string]any{
				{"description": "Reduced max_tokens to 150", "iteration": 2},
			},
		},
		{
			Iteration:     3,
			VersionName:   "V3 RAG",
			PromptVersion: "v3.0",
			Outcome:       models.OutcomePassed,
			Metrics: map[string]float64{
				models.MetricAccuracy:          0.95,
				models.MetricAvgResponseLength: 82,
				models.MetricGroundingScore:    0.92,
				models.MetricLatencyP95:        1850,
			},
			FailureModes: []models.FailureMode{},
			FixesApplied: []map[string]any{
				{"description": "Added retrieval pipeline over product docs", "iteration": 3},
				{"description": "Added source citation requirement", "iteration": 3},
			},
		},
	}
	return all[:upTo]
}

func sampleRequirements() []models.RequirementCoverage {
	reqs := []struct {
		id, text string
		tests    []string
	}{
		{"REQ-001", "System must respond within 5 seconds (P95)", []string{"test_latency_p95", "test_performance_benchmark"}},
		{"REQ-002", "Responses must cite source documents", []string{"test_grounding_citations", "eval_v3_grounding"}},
		{"REQ-003", "No prompt injection vulnerabilities", []string{"test_prompt_injection", "test_security_validation"}},
		{"REQ-004", "Response length ~80 words (±25%)", []string{"eval_v1_length", "test_format_word_count"}},
		{"REQ-005", "Factual accuracy ≥85%", []string{"eval_v2_accuracy", "eval_v3_grounding"}},
	}
	out := make([]models.RequirementCoverage, len(reqs))
	for i, r := range reqs {
		out[i] = models.RequirementCoverage{
			RequirementID:      r.id,
			RequirementText:    r.text,
			TestIDs:            r.tests,
			CoverageStatus:     models.CoverageCovered,
			VerificationStatus: models.VerificationVerified,
		}
	}
	return out
}
