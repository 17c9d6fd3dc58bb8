package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/joescharf/tsr/internal/llm"
	"github.com/joescharf/tsr/internal/metrics"
	"github.com/joescharf/tsr/internal/models"
	"github.com/joescharf/tsr/internal/rules"
	"github.com/joescharf/tsr/internal/store"
)

// Summarizer produces a narrative summary of a report.
type Summarizer interface {
	Summarize(ctx context.Context, r *models.TestSummaryReport) (*llm.Summary, error)
}

// Server provides the REST API handlers.
type Server struct {
	store      store.Store
	engine     *rules.Engine
	summarizer Summarizer
	now        func() time.Time
}

// NewServer creates a new API server.
// The summarizer may be nil if no API key is configured.
func NewServer(s store.Store, engine *rules.Engine, summarizer Summarizer) *Server {
	return &Server{
		store:      s,
		engine:     engine,
		summarizer: summarizer,
		now:        time.Now,
	}
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/tsr", s.createReport)
	mux.HandleFunc("GET /api/v1/tsr/latest", s.latestReport)
	mux.HandleFunc("GET /api/v1/tsr/query", s.queryReports)
	mux.HandleFunc("GET /api/v1/tsr/stats", s.stats)
	mux.HandleFunc("GET /api/v1/tsr/rules", s.getRules)
	mux.HandleFunc("GET /api/v1/tsr/{id}", s.getReport)
	mux.HandleFunc("DELETE /api/v1/tsr/{id}", s.deleteReport)
	mux.HandleFunc("GET /api/v1/tsr/{id}/go-no-go", s.goNoGo)
	mux.HandleFunc("POST /api/v1/tsr/{id}/approve", s.approveReport)
	mux.HandleFunc("GET /api/v1/tsr/{id}/summary", s.summarizeReport)

	mux.Handle("GET /metrics", metrics.Handler())

	return corsMiddleware(metricsMiddleware(mux))
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// metricsMiddleware records every request under its matched route pattern.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		metrics.ObserveRequest(r.Method, route, rec.status, time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeStoreError maps a store error to 404 or 500.
func writeStoreError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	metrics.ObserveStoreError(op)
	slog.Error("store operation failed", "operation", op, "error", err)
	writeError(w, http.StatusInternalServerError, err.Error())
}

// --- Reports ---

// CreateResponse is the JSON response for POST /api/v1/tsr.
type CreateResponse struct {
	ID             string          `json:"id"`
	Decision       models.Decision `json:"decision"`
	Reason         string          `json:"reason"`
	BlockingIssues []string        `json:"blocking_issues"`
	Warnings       []string        `json:"warnings"`
}

func (s *Server) createReport(w http.ResponseWriter, r *http.Request) {
	var body json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	report, err := models.DecodeReport(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := report.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	if err := s.settleDecision(report); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	id, err := s.store.SaveReport(r.Context(), report)
	if err != nil {
		writeStoreError(w, "save", err)
		return
	}
	writeJSON(w, http.StatusCreated, CreateResponse{
		ID:             id,
		Decision:       report.Decision,
		Reason:         report.DecisionReason,
		BlockingIssues: nonNil(report.BlockingIssues),
		Warnings:       nonNil(report.Warnings),
	})
}

// settleDecision makes the stored decision agree with the rules. A pending
// report takes the engine's verdict. An explicit decision must match it, with
// two exceptions: an operator may hold back a report as no_go by naming at
// least one blocking issue, and a report needing manual approval may arrive
// as go once it carries its approval.
func (s *Server) settleDecision(report *models.TestSummaryReport) error {
	if report.Decision == models.DecisionPendingReview {
		s.engine.Apply(report)
		return nil
	}

	res := s.engine.Evaluate(report)
	switch {
	case report.Decision == res.Decision:
		s.engine.Apply(report)
		return nil
	case res.Decision == models.DecisionNoGo:
		return fmt.Errorf("decision %s conflicts with %d blocking issue(s): %s",
			report.Decision, len(res.BlockingIssues), res.BlockingIssues[0])
	case report.Decision == models.DecisionNoGo:
		if len(report.BlockingIssues) == 0 {
			return fmt.Errorf("decision no_go requires at least one blocking issue")
		}
		report.Warnings = res.Warnings
		report.OverallStatus = models.OverallStatusFailed
		if report.DecisionReason == "" {
			report.DecisionReason = fmt.Sprintf("%d blocking issue(s) found", len(report.BlockingIssues))
		}
		return nil
	case res.Decision == models.DecisionPendingReview:
		if report.ApprovedBy == "" || report.ApprovedAt == nil {
			return fmt.Errorf("decision %s requires manual approval first", report.Decision)
		}
		report.BlockingIssues = []string{}
		report.Warnings = res.Warnings
		report.OverallStatus = models.OverallStatusPassed
		if report.DecisionReason == "" {
			report.DecisionReason = "Manually approved by " + report.ApprovedBy
		}
		return nil
	default:
		return fmt.Errorf("decision %s conflicts with rules verdict %s", report.Decision, res.Decision)
	}
}

func (s *Server) getReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.store.GetReport(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, "get", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) latestReport(w http.ResponseWriter, r *http.Request) {
	env, ok := environmentParam(w, r)
	if !ok {
		return
	}
	report, err := s.store.GetLatestReport(r.Context(), env)
	if err != nil {
		writeStoreError(w, "latest", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// GoNoGoResponse is the minimal decision shape used by CI gates.
type GoNoGoResponse struct {
	ID                     string          `json:"id"`
	Decision               models.Decision `json:"decision"`
	Reason                 string          `json:"reason"`
	BlockingIssues         []string        `json:"blocking_issues"`
	Warnings               []string        `json:"warnings"`
	ManualApprovalRequired bool            `json:"manual_approval_required"`
	ApprovedBy             *string         `json:"approved_by"`
	ApprovedAt             *time.Time      `json:"approved_at"`
}

// NewGoNoGoResponse extracts the gate decision from a report.
func NewGoNoGoResponse(r *models.TestSummaryReport) GoNoGoResponse {
	resp := GoNoGoResponse{
		ID:                     r.ID,
		Decision:               r.Decision,
		Reason:                 r.DecisionReason,
		BlockingIssues:         nonNil(r.BlockingIssues),
		Warnings:               nonNil(r.Warnings),
		ManualApprovalRequired: r.ManualApprovalRequired,
		ApprovedAt:             r.ApprovedAt,
	}
	if r.ApprovedBy != "" {
		by := r.ApprovedBy
		resp.ApprovedBy = &by
	}
	return resp
}

func (s *Server) goNoGo(w http.ResponseWriter, r *http.Request) {
	report, err := s.store.GetReport(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, "get", err)
		return
	}
	writeJSON(w, http.StatusOK, NewGoNoGoResponse(report))
}

// ApproveRequest is the JSON body for POST /api/v1/tsr/{id}/approve.
type ApproveRequest struct {
	ApprovedBy string `json:"approved_by" validate:"required,max=200"`
	Notes      string `json:"notes" validate:"max=2000"`
}

// ApproveResponse is the JSON response for a successful approval.
type ApproveResponse struct {
	ID         string          `json:"id"`
	Decision   models.Decision `json:"decision"`
	Reason     string          `json:"reason"`
	ApprovedBy string          `json:"approved_by"`
	ApprovedAt time.Time       `json:"approved_at"`
}

func (s *Server) approveReport(w http.ResponseWriter, r *http.Request) {
	var req ApproveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "approved_by is required")
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	report, err := s.store.GetReport(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, "get", err)
		return
	}

	if err := s.engine.Approve(report, req.ApprovedBy, req.Notes, s.now()); err != nil {
		metrics.ObserveApproval(metrics.ApprovalRejected)
		switch {
		case errors.Is(err, rules.ErrApproverRequired):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, rules.ErrBlockingIssues):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	if _, err := s.store.SaveReport(r.Context(), report); err != nil {
		writeStoreError(w, "save", err)
		return
	}
	metrics.ObserveApproval(metrics.ApprovalAccepted)
	writeJSON(w, http.StatusOK, ApproveResponse{
		ID:         report.ID,
		Decision:   report.Decision,
		Reason:     report.DecisionReason,
		ApprovedBy: report.ApprovedBy,
		ApprovedAt: *report.ApprovedAt,
	})
}

// QueryResponse is the JSON response for GET /api/v1/tsr/query.
type QueryResponse struct {
	Reports []*models.TestSummaryReport `json:"reports"`
	Total   int                         `json:"total"`
	Limit   int                         `json:"limit"`
	Offset  int                         `json:"offset"`
}

func (s *Server) queryReports(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	env, ok := environmentParam(w, r)
	if !ok {
		return
	}
	filter := store.ReportFilter{
		Environment: env,
		CodebaseSHA: q.Get("codebase_sha"),
		Limit:       store.DefaultQueryLimit,
	}
	if v := q.Get("decision"); v != "" {
		d, err := models.ParseDecision(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Decision = d
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit"), store.DefaultQueryLimit); err != nil || filter.Limit < 1 {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	if filter.Offset, err = intParam(q.Get("offset"), 0); err != nil || filter.Offset < 0 {
		writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}

	reports, err := s.store.QueryReports(r.Context(), filter)
	if err != nil {
		writeStoreError(w, "query", err)
		return
	}
	total, err := s.store.CountReports(r.Context(), store.CountFilter{Environment: filter.Environment, Decision: filter.Decision})
	if err != nil {
		writeStoreError(w, "count", err)
		return
	}
	if reports == nil {
		reports = []*models.TestSummaryReport{}
	}
	writeJSON(w, http.StatusOK, QueryResponse{Reports: reports, Total: total, Limit: filter.Limit, Offset: filter.Offset})
}

func (s *Server) deleteReport(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ok, err := s.store.DeleteReport(r.Context(), id)
	if err != nil {
		writeStoreError(w, "delete", err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "report not found: "+id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "report deleted"})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	env, ok := environmentParam(w, r)
	if !ok {
		return
	}
	st, err := store.ComputeStats(r.Context(), s.store, env)
	if err != nil {
		writeStoreError(w, "count", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) getRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Policy())
}

func (s *Server) summarizeReport(w http.ResponseWriter, r *http.Request) {
	if s.summarizer == nil {
		writeError(w, http.StatusServiceUnavailable, "summaries require an Anthropic API key")
		return
	}
	report, err := s.store.GetReport(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, "get", err)
		return
	}
	summary, err := s.summarizer.Summarize(r.Context(), report)
	if err != nil {
		slog.Warn("summary failed", "id", report.ID, "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// --- helpers ---

func environmentParam(w http.ResponseWriter, r *http.Request) (models.Environment, bool) {
	v := r.URL.Query().Get("environment")
	if v == "" {
		return "", true
	}
	env, err := models.ParseEnvironment(v)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return env, true
}

func intParam(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
