package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/tsr/internal/llm"
	"github.com/joescharf/tsr/internal/models"
	"github.com/joescharf/tsr/internal/rules"
	"github.com/joescharf/tsr/internal/store"
)

type fakeSummarizer struct {
	summary *llm.Summary
	err     error
}

func (f *fakeSummarizer) Summarize(_ context.Context, _ *models.TestSummaryReport) (*llm.Summary, error) {
	return f.summary, f.err
}

func setupTestServer(t *testing.T) (*Server, store.Store) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	s, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	srv := NewServer(s, rules.NewEngine(rules.DefaultPolicy()), nil)
	srv.now = func() time.Time { return time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC) }
	return srv, s
}

// passingReport satisfies every default blocking rule and warning.
func passingReport() *models.TestSummaryReport {
	r := models.NewReport()
	r.TriggeredBy = "ci"
	r.Environment = models.EnvironmentStaging
	r.Versions = &models.VersionManifest{CodebaseSHA: "abc1234def", CodebaseBranch: "main"}
	r.TestResults = []models.TestTypeResult{
		{TestType: models.TestTypeUnit, Total: 10, Passed: 10},
		{TestType: models.TestTypeSecurity, Total: 5, Passed: 5},
	}
	r.EvalIterations = []models.EvalIterationSummary{{
		Iteration:    1,
		VersionName:  "V1",
		Outcome:      models.OutcomePassed,
		Metrics:      map[string]float64{models.MetricAccuracy: 0.95, models.MetricGroundingScore: 0.95},
		FailureModes: []models.FailureMode{},
	}}
	return r
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestCreateReport_EvaluatesPending(t *testing.T) {
	srv, s := setupTestServer(t)
	router := srv.Router()

	w := do(t, router, "POST", "/api/v1/tsr", passingReport())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	resp := decode[CreateResponse](t, w)
	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, models.DecisionGo, resp.Decision)
	assert.Equal(t, "All checks passed", resp.Reason)
	assert.Empty(t, resp.BlockingIssues)
	assert.NotNil(t, resp.Warnings)

	stored, err := s.GetReport(context.Background(), resp.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DecisionGo, stored.Decision)
	assert.Equal(t, models.OverallStatusPassed, stored.OverallStatus)
}

func TestCreateReport_BlockingIssues(t *testing.T) {
	srv, _ := setupTestServer(t)
	router := srv.Router()

	r := passingReport()
	r.TestResults[0].Passed = 8
	r.TestResults[0].Failed = 2

	w := do(t, router, "POST", "/api/v1/tsr", r)
	require.Equal(t, http.StatusCreated, w.Code)

	resp := decode[CreateResponse](t, w)
	assert.Equal(t, models.DecisionNoGo, resp.Decision)
	assert.Equal(t, []string{"UNIT: 2 test(s) failed"}, resp.BlockingIssues)
}

func TestCreateReport_RejectsConflictingDecision(t *testing.T) {
	srv, _ := setupTestServer(t)
	router := srv.Router()

	r := passingReport()
	r.TestResults[1].Passed = 4
	r.TestResults[1].Failed = 1
	r.Decision = models.DecisionGo

	w := do(t, router, "POST", "/api/v1/tsr", r)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "SECURITY: 1 test(s) failed")
}

func TestCreateReport_KeepsConsistentDecision(t *testing.T) {
	srv, _ := setupTestServer(t)
	router := srv.Router()

	r := passingReport()
	r.Decision = models.DecisionNoGo
	r.DecisionReason = "Held back by release manager"
	r.BlockingIssues = []string{"Release freeze"}

	w := do(t, router, "POST", "/api/v1/tsr", r)
	require.Equal(t, http.StatusCreated, w.Code)

	resp := decode[CreateResponse](t, w)
	assert.Equal(t, models.DecisionNoGo, resp.Decision)
	assert.Equal(t, "Held back by release manager", resp.Reason)
	assert.Equal(t, []string{"Release freeze"}, resp.BlockingIssues)
}

func TestCreateReport_ExplicitDecisions(t *testing.T) {
	approvedAt := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	tests := []struct {
		name         string
		mutate       func(r *models.TestSummaryReport)
		wantCode     int
		wantDecision models.Decision
		wantBlocking []string
	}{
		{
			name: "go with stale blocking issues is re-derived",
			mutate: func(r *models.TestSummaryReport) {
				r.Decision = models.DecisionGo
				r.BlockingIssues = []string{"stale issue"}
				r.DecisionReason = "hand written"
			},
			wantCode:     http.StatusCreated,
			wantDecision: models.DecisionGo,
			wantBlocking: []string{},
		},
		{
			name: "go while manual approval is outstanding",
			mutate: func(r *models.TestSummaryReport) {
				r.Decision = models.DecisionGo
				r.ManualApprovalRequired = true
			},
			wantCode: http.StatusUnprocessableEntity,
		},
		{
			name: "go with recorded approval",
			mutate: func(r *models.TestSummaryReport) {
				r.Decision = models.DecisionGo
				r.ManualApprovalRequired = true
				r.ApprovedBy = "alice"
				r.ApprovedAt = &approvedAt
			},
			wantCode:     http.StatusCreated,
			wantDecision: models.DecisionGo,
			wantBlocking: []string{},
		},
		{
			name: "no_go without blocking issues",
			mutate: func(r *models.TestSummaryReport) {
				r.Decision = models.DecisionNoGo
				r.BlockingIssues = nil
			},
			wantCode: http.StatusUnprocessableEntity,
		},
		{
			name: "no_go matching the rules takes their issues",
			mutate: func(r *models.TestSummaryReport) {
				r.TestResults[0].Passed = 9
				r.TestResults[0].Failed = 1
				r.Decision = models.DecisionNoGo
				r.BlockingIssues = []string{"something else"}
			},
			wantCode:     http.StatusCreated,
			wantDecision: models.DecisionNoGo,
			wantBlocking: []string{"UNIT: 1 test(s) failed"},
		},
		{
			name: "pending_review with stale go fields is evaluated",
			mutate: func(r *models.TestSummaryReport) {
				r.TestResults[0].Passed = 9
				r.TestResults[0].Failed = 1
				r.BlockingIssues = []string{}
			},
			wantCode:     http.StatusCreated,
			wantDecision: models.DecisionNoGo,
			wantBlocking: []string{"UNIT: 1 test(s) failed"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, s := setupTestServer(t)
			r := passingReport()
			tt.mutate(r)

			w := do(t, srv.Router(), "POST", "/api/v1/tsr", r)
			require.Equal(t, tt.wantCode, w.Code, w.Body.String())
			if tt.wantCode != http.StatusCreated {
				_, err := s.GetReport(context.Background(), r.ID)
				assert.ErrorIs(t, err, store.ErrNotFound)
				return
			}

			stored, err := s.GetReport(context.Background(), decode[CreateResponse](t, w).ID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantDecision, stored.Decision)
			assert.Equal(t, tt.wantBlocking, stored.BlockingIssues)
			assert.Equal(t, stored.Decision == models.DecisionNoGo, len(stored.BlockingIssues) > 0)
		})
	}
}

func TestCreateReport_IterationZero(t *testing.T) {
	srv, _ := setupTestServer(t)

	r := passingReport()
	r.EvalIterations[0].Iteration = 0

	w := do(t, srv.Router(), "POST", "/api/v1/tsr", r)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, models.DecisionGo, decode[CreateResponse](t, w).Decision)
}

func TestCreateReport_ValidationNamesJSONFields(t *testing.T) {
	srv, _ := setupTestServer(t)

	w := do(t, srv.Router(), "POST", "/api/v1/tsr",
		`{"triggered_by":"ci","eval_iterations":[{"iteration":-1,"version_name":"V1","outcome":"passed"}]}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "eval_iterations[0].iteration")
	assert.NotContains(t, w.Body.String(), "EvalIterations")
}

func TestCreateReport_BadRequests(t *testing.T) {
	srv, _ := setupTestServer(t)
	router := srv.Router()

	tests := []struct {
		name string
		body string
	}{
		{"not json", `{`},
		{"empty body", ``},
		{"unknown environment", `{"triggered_by":"ci","environment":"qa"}`},
		{"unknown decision", `{"triggered_by":"ci","go_no_go_decision":"GO"}`},
		{"negative total", `{"triggered_by":"ci","test_results":[{"test_type":"unit","total":-1}]}`},
		{"missing triggered_by", `{"triggered_by":""}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, "POST", "/api/v1/tsr", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
}

func TestGetReport(t *testing.T) {
	srv, s := setupTestServer(t)
	router := srv.Router()
	ctx := context.Background()

	r := passingReport()
	rules.NewEngine(rules.DefaultPolicy()).Apply(r)
	id, err := s.SaveReport(ctx, r)
	require.NoError(t, err)

	w := do(t, router, "GET", "/api/v1/tsr/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[models.TestSummaryReport](t, w)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, "abc1234def", got.Versions.CodebaseSHA)

	w = do(t, router, "GET", "/api/v1/tsr/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLatestReport(t *testing.T) {
	srv, s := setupTestServer(t)
	router := srv.Router()
	ctx := context.Background()

	w := do(t, router, "GET", "/api/v1/tsr/latest", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	older := passingReport()
	older.CreatedAt = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	newer := passingReport()
	newer.CreatedAt = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	prod := passingReport()
	prod.Environment = models.EnvironmentProduction
	prod.CreatedAt = time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	for _, r := range []*models.TestSummaryReport{older, newer, prod} {
		_, err := s.SaveReport(ctx, r)
		require.NoError(t, err)
	}

	w = do(t, router, "GET", "/api/v1/tsr/latest", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, prod.ID, decode[models.TestSummaryReport](t, w).ID)

	w = do(t, router, "GET", "/api/v1/tsr/latest?environment=staging", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, newer.ID, decode[models.TestSummaryReport](t, w).ID)

	w = do(t, router, "GET", "/api/v1/tsr/latest?environment=qa", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGoNoGo(t *testing.T) {
	srv, s := setupTestServer(t)
	router := srv.Router()

	r := passingReport()
	r.ManualApprovalRequired = true
	rules.NewEngine(rules.DefaultPolicy()).Apply(r)
	id, err := s.SaveReport(context.Background(), r)
	require.NoError(t, err)

	w := do(t, router, "GET", "/api/v1/tsr/"+id+"/go-no-go", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var m map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m))
	assert.Equal(t, id, m["id"])
	assert.Equal(t, "pending_review", m["decision"])
	assert.Equal(t, "Manual approval required", m["reason"])
	assert.Equal(t, true, m["manual_approval_required"])
	assert.Nil(t, m["approved_by"])
	assert.Nil(t, m["approved_at"])
	assert.Equal(t, []any{}, m["blocking_issues"])

	w = do(t, router, "GET", "/api/v1/tsr/missing/go-no-go", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestApproveReport(t *testing.T) {
	srv, s := setupTestServer(t)
	router := srv.Router()
	ctx := context.Background()

	r := passingReport()
	r.ManualApprovalRequired = true
	rules.NewEngine(rules.DefaultPolicy()).Apply(r)
	id, err := s.SaveReport(ctx, r)
	require.NoError(t, err)

	w := do(t, router, "POST", "/api/v1/tsr/"+id+"/approve", ApproveRequest{ApprovedBy: "alice", Notes: "looks good"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decode[ApproveResponse](t, w)
	assert.Equal(t, models.DecisionGo, resp.Decision)
	assert.Equal(t, "alice", resp.ApprovedBy)
	assert.Equal(t, "Manually approved by alice: looks good", resp.Reason)
	assert.Equal(t, time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC), resp.ApprovedAt)

	stored, err := s.GetReport(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.DecisionGo, stored.Decision)
	assert.Equal(t, "alice", stored.ApprovedBy)
	require.NotNil(t, stored.ApprovedAt)
}

func TestApproveReport_Errors(t *testing.T) {
	srv, s := setupTestServer(t)
	router := srv.Router()
	ctx := context.Background()
	engine := rules.NewEngine(rules.DefaultPolicy())

	blocked := passingReport()
	blocked.TestResults[0].Passed = 9
	blocked.TestResults[0].Failed = 1
	engine.Apply(blocked)
	blockedID, err := s.SaveReport(ctx, blocked)
	require.NoError(t, err)

	pending := passingReport()
	pending.ManualApprovalRequired = true
	engine.Apply(pending)
	pendingID, err := s.SaveReport(ctx, pending)
	require.NoError(t, err)

	tests := []struct {
		name string
		id   string
		body any
		code int
	}{
		{"blocking issues", blockedID, ApproveRequest{ApprovedBy: "alice"}, http.StatusConflict},
		{"missing approver", pendingID, `{"notes":"ok"}`, http.StatusBadRequest},
		{"blank approver", pendingID, ApproveRequest{ApprovedBy: "   "}, http.StatusBadRequest},
		{"invalid json", pendingID, `{`, http.StatusBadRequest},
		{"unknown report", "missing", ApproveRequest{ApprovedBy: "alice"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, "POST", "/api/v1/tsr/"+tt.id+"/approve", tt.body)
			assert.Equal(t, tt.code, w.Code, w.Body.String())
		})
	}

	stored, err := s.GetReport(ctx, blockedID)
	require.NoError(t, err)
	assert.Equal(t, models.DecisionNoGo, stored.Decision)
	assert.Empty(t, stored.ApprovedBy)
}

func TestApproveRequest_ValidationMessage(t *testing.T) {
	err := validate.Struct(ApproveRequest{})
	require.Error(t, err)
	assert.Equal(t, "approved_by is required", validationMessage(err))
	assert.Equal(t, "boom", validationMessage(errors.New("boom")))
}

func TestQueryReports(t *testing.T) {
	srv, s := setupTestServer(t)
	router := srv.Router()
	ctx := context.Background()
	engine := rules.NewEngine(rules.DefaultPolicy())

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := range 5 {
		r := passingReport()
		r.CreatedAt = base.Add(time.Duration(i) * time.Hour)
		if i%2 == 0 {
			r.TestResults[0].Passed = 9
			r.TestResults[0].Failed = 1
		}
		engine.Apply(r)
		_, err := s.SaveReport(ctx, r)
		require.NoError(t, err)
	}

	w := do(t, router, "GET", "/api/v1/tsr/query", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[QueryResponse](t, w)
	assert.Len(t, resp.Reports, 5)
	assert.Equal(t, 5, resp.Total)
	assert.Equal(t, store.DefaultQueryLimit, resp.Limit)
	assert.True(t, resp.Reports[0].CreatedAt.After(resp.Reports[4].CreatedAt))

	w = do(t, router, "GET", "/api/v1/tsr/query?decision=no_go&limit=2&offset=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp = decode[QueryResponse](t, w)
	assert.Len(t, resp.Reports, 2)
	assert.Equal(t, 3, resp.Total)
	assert.Equal(t, 2, resp.Limit)
	assert.Equal(t, 1, resp.Offset)
	for _, r := range resp.Reports {
		assert.Equal(t, models.DecisionNoGo, r.Decision)
	}

	w = do(t, router, "GET", "/api/v1/tsr/query?environment=production", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp = decode[QueryResponse](t, w)
	assert.NotNil(t, resp.Reports)
	assert.Empty(t, resp.Reports)

	for _, q := range []string{"decision=GO", "limit=0", "limit=x", "offset=-1", "environment=qa"} {
		w = do(t, router, "GET", "/api/v1/tsr/query?"+q, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

func TestDeleteReport(t *testing.T) {
	srv, s := setupTestServer(t)
	router := srv.Router()

	id, err := s.SaveReport(context.Background(), passingReport())
	require.NoError(t, err)

	w := do(t, router, "DELETE", "/api/v1/tsr/"+id, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, router, "DELETE", "/api/v1/tsr/"+id, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, router, "GET", "/api/v1/tsr/"+id, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStats(t *testing.T) {
	srv, s := setupTestServer(t)
	router := srv.Router()
	ctx := context.Background()
	engine := rules.NewEngine(rules.DefaultPolicy())

	good := passingReport()
	engine.Apply(good)
	bad := passingReport()
	bad.EvalIterations[0].Metrics[models.MetricAccuracy] = 0.5
	engine.Apply(bad)
	for _, r := range []*models.TestSummaryReport{good, bad} {
		_, err := s.SaveReport(ctx, r)
		require.NoError(t, err)
	}

	w := do(t, router, "GET", "/api/v1/tsr/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	st := decode[store.Stats](t, w)
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 1, st.Go)
	assert.Equal(t, 1, st.NoGo)
	assert.InDelta(t, 0.5, st.GoRate, 1e-9)
}

func TestRules(t *testing.T) {
	srv, _ := setupTestServer(t)

	w := do(t, srv.Router(), "GET", "/api/v1/tsr/rules", nil)
	require.Equal(t, http.StatusOK, w.Code)
	p := decode[rules.Policy](t, w)
	assert.Equal(t, rules.DefaultPolicy(), p)
}

func TestSummary(t *testing.T) {
	srv, s := setupTestServer(t)
	id, err := s.SaveReport(context.Background(), passingReport())
	require.NoError(t, err)

	w := do(t, srv.Router(), "GET", "/api/v1/tsr/"+id+"/summary", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	srv.summarizer = &fakeSummarizer{summary: &llm.Summary{Headline: "Ship it", Risks: []string{}}}
	w = do(t, srv.Router(), "GET", "/api/v1/tsr/"+id+"/summary", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Ship it", decode[llm.Summary](t, w).Headline)

	w = do(t, srv.Router(), "GET", "/api/v1/tsr/missing/summary", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	srv.summarizer = &fakeSummarizer{err: errors.New("upstream down")}
	w = do(t, srv.Router(), "GET", "/api/v1/tsr/"+id+"/summary", nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestCORS(t *testing.T) {
	srv, _ := setupTestServer(t)

	w := do(t, srv.Router(), "OPTIONS", "/api/v1/tsr/latest", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := setupTestServer(t)
	router := srv.Router()

	do(t, router, "GET", "/api/v1/tsr/latest", nil)

	w := do(t, router, "GET", "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "tsr_http_requests_total")
	assert.Contains(t, w.Body.String(), `route="GET /api/v1/tsr/latest"`)
}
