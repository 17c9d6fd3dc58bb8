package store

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/tsr/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	err = s.Migrate(context.Background())
	require.NoError(t, err)

	t.Cleanup(func() { s.Close() })
	return s
}

// fullReport builds a report exercising every nested collection.
func fullReport(created time.Time) *models.TestSummaryReport {
	approvedAt := created.Add(time.Hour)
	r := models.NewReport()
	r.CreatedAt = created
	r.TriggeredBy = "ci"
	r.Environment = models.EnvironmentStaging
	r.Versions = &models.VersionManifest{
		CodebaseSHA:    "abc1234def",
		CodebaseBranch: "main",
		CodebaseRepo:   "https://github.com/example/app",
		TestbaseSHA:    "abc1234def",
		PromptsSHA:     "abc1234def",
		PromptsVersion: "v3.0",
	}
	r.TestResults = []models.TestTypeResult{
		{
			TestType: models.TestTypeUnit, Total: 45, Passed: 44, Failed: 1, DurationMS: 3200,
			FailureDetails: []models.FailureDetail{{TestName: "test_format", ClassName: "tests.unit", Message: "boom", Type: "AssertionError"}},
		},
		{TestType: models.TestTypeSecurity, Total: 5, Passed: 5, DurationMS: 100},
	}
	r.EvalIterations = []models.EvalIterationSummary{
		{
			Iteration: 1, VersionName: "V1 Verbose", PromptVersion: "v1.0", Outcome: models.OutcomeFailed,
			Metrics: map[string]float64{models.MetricAccuracy: 0.65},
			FailureModes: []models.FailureMode{{
				ID: "fm-1", Name: "Too verbose", Severity: models.SeverityMajor, Category: models.CategoryFormat,
				DiscoveredInIteration: 1, ResolutionStatus: models.ResolutionFixed,
			}},
			FixesApplied: []map[string]any{{"description": "Reduced max_tokens"}},
		},
		{
			Iteration: 3, VersionName: "V3 Fixed", PromptVersion: "v3.0", Outcome: models.OutcomePassed,
			Metrics:      map[string]float64{models.MetricAccuracy: 0.92, models.MetricGroundingScore: 0.95},
			FailureModes: []models.FailureMode{},
		},
	}
	r.RequirementCoverage = []models.RequirementCoverage{{
		RequirementID: "REQ-001", RequirementText: "Respond within 5 seconds",
		TestIDs: []string{"test_latency"}, CoverageStatus: models.CoverageCovered,
		VerificationStatus: models.VerificationVerified,
	}}
	r.OverallStatus = models.OverallStatusFailed
	r.Decision = models.DecisionNoGo
	r.DecisionReason = "1 blocking issue(s) found"
	r.BlockingIssues = []string{"UNIT: 1 test(s) failed"}
	r.ApprovedBy = "alice"
	r.ApprovedAt = &approvedAt
	return r
}

func reportAt(env models.Environment, decision models.Decision, created time.Time) *models.TestSummaryReport {
	r := models.NewReport()
	r.CreatedAt = created
	r.Environment = env
	r.Decision = decision
	return r
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "subdir", "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(filepath.Join(dir, "subdir"))
	assert.NoError(t, err, "should create parent directory")
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Running migrate again should be a no-op
	err := s.Migrate(ctx)
	assert.NoError(t, err)
}

func TestSaveReport_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := fullReport(base.Add(123456789 * time.Nanosecond))
	id, err := s.SaveReport(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, r.ID, id)

	got, err := s.GetReport(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, r, got)
}

func TestSaveReport_AssignsID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := models.NewReport()
	r.ID = ""
	id, err := s.SaveReport(ctx, r)
	require.NoError(t, err)
	assert.Len(t, id, 26)
	assert.Equal(t, id, r.ID)
}

func TestSaveReport_NilVersionsAndEmptyCollections(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := reportAt(models.EnvironmentTest, models.DecisionPendingReview, base)
	_, err := s.SaveReport(ctx, r)
	require.NoError(t, err)

	got, err := s.GetReport(ctx, r.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Versions)
	assert.Nil(t, got.ApprovedAt)
	assert.Empty(t, got.TestResults)
	assert.NotNil(t, got.TestResults)
	assert.Equal(t, r, got)
}

func TestSaveReport_OverwriteReplacesNested(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := fullReport(base)
	_, err := s.SaveReport(ctx, r)
	require.NoError(t, err)

	r.TestResults = r.TestResults[:1]
	r.EvalIterations = []models.EvalIterationSummary{}
	r.RequirementCoverage = []models.RequirementCoverage{}
	r.Decision = models.DecisionGo
	r.OverallStatus = models.OverallStatusPassed
	r.BlockingIssues = []string{}
	_, err = s.SaveReport(ctx, r)
	require.NoError(t, err)

	got, err := s.GetReport(ctx, r.ID)
	require.NoError(t, err)
	assert.Len(t, got.TestResults, 1)
	assert.Empty(t, got.EvalIterations)
	assert.Empty(t, got.RequirementCoverage)
	assert.Equal(t, models.DecisionGo, got.Decision)
	assert.Empty(t, got.BlockingIssues)

	var orphans int
	require.NoError(t, s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tsr_failure_modes").Scan(&orphans))
	assert.Zero(t, orphans, "failure modes of replaced iterations should be gone")

	n, err := s.CountReports(ctx, CountFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSaveReport_KeepsCreationMetadata(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := fullReport(base)
	_, err := s.SaveReport(ctx, r)
	require.NoError(t, err)

	changed := *r
	changed.CreatedAt = base.Add(24 * time.Hour)
	changed.Environment = models.EnvironmentProduction
	changed.Versions = &models.VersionManifest{CodebaseSHA: "other"}
	_, err = s.SaveReport(ctx, &changed)
	require.NoError(t, err)

	got, err := s.GetReport(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, base, got.CreatedAt)
	assert.Equal(t, models.EnvironmentStaging, got.Environment)
	assert.Equal(t, "abc1234def", got.Versions.CodebaseSHA)
}

func TestGetReport_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetReport(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestGetLatestReport(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetLatestReport(ctx, "")
	assert.ErrorIs(t, err, ErrNotFound)

	older := reportAt(models.EnvironmentStaging, models.DecisionGo, base)
	newer := reportAt(models.EnvironmentTest, models.DecisionNoGo, base.Add(time.Minute))
	for _, r := range []*models.TestSummaryReport{newer, older} {
		_, err := s.SaveReport(ctx, r)
		require.NoError(t, err)
	}

	got, err := s.GetLatestReport(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, newer.ID, got.ID)

	got, err = s.GetLatestReport(ctx, models.EnvironmentStaging)
	require.NoError(t, err)
	assert.Equal(t, older.ID, got.ID)

	_, err = s.GetLatestReport(ctx, models.EnvironmentProduction)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetLatestReport_TieBreaksOnID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := reportAt(models.EnvironmentTest, models.DecisionGo, base)
	a.ID = "01AAAAAAAAAAAAAAAAAAAAAAAA"
	b := reportAt(models.EnvironmentTest, models.DecisionGo, base)
	b.ID = "01BBBBBBBBBBBBBBBBBBBBBBBB"
	for _, r := range []*models.TestSummaryReport{b, a} {
		_, err := s.SaveReport(ctx, r)
		require.NoError(t, err)
	}

	got, err := s.GetLatestReport(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID)
}

func TestQueryReports(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seed := []*models.TestSummaryReport{
		reportAt(models.EnvironmentTest, models.DecisionGo, base),
		reportAt(models.EnvironmentTest, models.DecisionNoGo, base.Add(1*time.Minute)),
		reportAt(models.EnvironmentStaging, models.DecisionGo, base.Add(2*time.Minute)),
		reportAt(models.EnvironmentProduction, models.DecisionPendingReview, base.Add(3*time.Minute)),
	}
	seed[2].Versions = &models.VersionManifest{CodebaseSHA: "feedface0000"}
	for _, r := range seed {
		_, err := s.SaveReport(ctx, r)
		require.NoError(t, err)
	}

	tests := []struct {
		name   string
		filter ReportFilter
		want   []string
	}{
		{"all newest first", ReportFilter{}, []string{seed[3].ID, seed[2].ID, seed[1].ID, seed[0].ID}},
		{"by environment", ReportFilter{Environment: models.EnvironmentTest}, []string{seed[1].ID, seed[0].ID}},
		{"by decision", ReportFilter{Decision: models.DecisionGo}, []string{seed[2].ID, seed[0].ID}},
		{"by both", ReportFilter{Environment: models.EnvironmentTest, Decision: models.DecisionGo}, []string{seed[0].ID}},
		{"by sha prefix", ReportFilter{CodebaseSHA: "feedface"}, []string{seed[2].ID}},
		{"limit", ReportFilter{Limit: 2}, []string{seed[3].ID, seed[2].ID}},
		{"offset", ReportFilter{Limit: 2, Offset: 3}, []string{seed[0].ID}},
		{"no match", ReportFilter{Environment: models.EnvironmentProduction, Decision: models.DecisionGo}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.QueryReports(ctx, tt.filter)
			require.NoError(t, err)
			var ids []string
			for _, r := range got {
				ids = append(ids, r.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestQueryReports_LoadsNested(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := fullReport(base)
	_, err := s.SaveReport(ctx, r)
	require.NoError(t, err)

	got, err := s.QueryReports(ctx, ReportFilter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, r, got[0])
}

func TestCountReports(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, d := range []models.Decision{models.DecisionGo, models.DecisionGo, models.DecisionNoGo} {
		_, err := s.SaveReport(ctx, reportAt(models.EnvironmentTest, d, base.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
	}
	_, err := s.SaveReport(ctx, reportAt(models.EnvironmentStaging, models.DecisionGo, base))
	require.NoError(t, err)

	n, err := s.CountReports(ctx, CountFilter{})
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	n, err = s.CountReports(ctx, CountFilter{Environment: models.EnvironmentTest, Decision: models.DecisionGo})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.CountReports(ctx, CountFilter{Decision: models.DecisionPendingReview})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestComputeStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	st, err := ComputeStats(ctx, s, "")
	require.NoError(t, err)
	assert.Equal(t, 0, st.Total)
	assert.Equal(t, 0.0, st.GoRate)

	for i, d := range []models.Decision{models.DecisionGo, models.DecisionGo, models.DecisionNoGo, models.DecisionPendingReview} {
		_, err := s.SaveReport(ctx, reportAt(models.EnvironmentTest, d, base.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
	}

	st, err = ComputeStats(ctx, s, models.EnvironmentTest)
	require.NoError(t, err)
	assert.Equal(t, Stats{Environment: models.EnvironmentTest, Total: 4, Go: 2, NoGo: 1, PendingReview: 1, GoRate: 0.5}, st)
}

func TestDeleteReport(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := fullReport(base)
	_, err := s.SaveReport(ctx, r)
	require.NoError(t, err)

	ok, err := s.DeleteReport(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = s.GetReport(ctx, r.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	for _, table := range []string{"tsr_test_results", "tsr_eval_iterations", "tsr_failure_modes", "tsr_requirement_coverage"} {
		var n int
		require.NoError(t, s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n))
		assert.Zero(t, n, table)
	}

	ok, err = s.DeleteReport(ctx, r.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestResolveReportID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := reportAt(models.EnvironmentTest, models.DecisionGo, base)
	a.ID = "01HAAAAAAAAAAAAAAAAAAAAAAA"
	b := reportAt(models.EnvironmentTest, models.DecisionGo, base)
	b.ID = "01HABBBBBBBBBBBBBBBBBBBBBB"
	for _, r := range []*models.TestSummaryReport{a, b} {
		_, err := s.SaveReport(ctx, r)
		require.NoError(t, err)
	}

	id, err := s.ResolveReportID(ctx, "01haa")
	require.NoError(t, err)
	assert.Equal(t, a.ID, id)

	_, err = s.ResolveReportID(ctx, "01HA")
	assert.ErrorContains(t, err, "ambiguous")

	_, err = s.ResolveReportID(ctx, "ZZZ")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolveReportID_ExactMatchWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"R1", "R10", "R_1X", "R%9"} {
		r := reportAt(models.EnvironmentTest, models.DecisionGo, base)
		r.ID = id
		_, err := s.SaveReport(ctx, r)
		require.NoError(t, err)
	}

	id, err := s.ResolveReportID(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, "R1", id, "an id that prefixes another is still reachable")

	id, err = s.ResolveReportID(ctx, "R_")
	require.NoError(t, err)
	assert.Equal(t, "R_1X", id, "underscore matches literally")

	id, err = s.ResolveReportID(ctx, "R%")
	require.NoError(t, err)
	assert.Equal(t, "R%9", id, "percent matches literally")

	_, err = s.ResolveReportID(ctx, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetReport_RejectsUnknownStoredTags(t *testing.T) {
	tests := []struct {
		name string
		stmt string
	}{
		{"decision", `UPDATE test_summary_reports SET go_no_go_decision = 'GO'`},
		{"environment", `UPDATE test_summary_reports SET environment = 'qa'`},
		{"overall status", `UPDATE test_summary_reports SET overall_status = 'ok'`},
		{"test type", `UPDATE tsr_test_results SET test_type = 'smoke'`},
		{"outcome", `UPDATE tsr_eval_iterations SET outcome = 'meh'`},
		{"severity", `UPDATE tsr_failure_modes SET severity = 'huge'`},
		{"category", `UPDATE tsr_failure_modes SET category = 'vibes'`},
		{"resolution", `UPDATE tsr_failure_modes SET resolution_status = 'gone'`},
		{"coverage", `UPDATE tsr_requirement_coverage SET coverage_status = 'most'`},
		{"verification", `UPDATE tsr_requirement_coverage SET verification_status = 'done'`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t)
			ctx := context.Background()

			r := fullReport(base)
			_, err := s.SaveReport(ctx, r)
			require.NoError(t, err)

			_, err = s.db.ExecContext(ctx, tt.stmt)
			require.NoError(t, err)

			_, err = s.GetReport(ctx, r.ID)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid")
		})
	}
}

func TestSaveReport_FailedSaveLeavesPreviousVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := fullReport(base)
	_, err := s.SaveReport(ctx, r)
	require.NoError(t, err)

	update, err := s.GetReport(ctx, r.ID)
	require.NoError(t, err)
	update.DecisionReason = "rewritten"
	update.BlockingIssues = []string{}
	update.TestResults = update.TestResults[:1]
	update.EvalIterations = append(update.EvalIterations, models.EvalIterationSummary{
		Iteration: 4, VersionName: "V4 Broken", Outcome: models.OutcomePassed,
		Metrics:      map[string]float64{models.MetricAccuracy: math.NaN()},
		FailureModes: []models.FailureMode{},
	})

	_, err = s.SaveReport(ctx, update)
	require.Error(t, err)

	got, err := s.GetReport(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r, got)
}

func TestSaveReport_ConcurrentWriters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.SaveReport(ctx, reportAt(models.EnvironmentTest, models.DecisionGo, base.Add(time.Duration(i)*time.Second)))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	n, err := s.CountReports(ctx, CountFilter{})
	require.NoError(t, err)
	assert.Equal(t, 10, n)
}
