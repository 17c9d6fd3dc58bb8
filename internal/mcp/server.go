package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joescharf/tsr/internal/api"
	"github.com/joescharf/tsr/internal/metrics"
	"github.com/joescharf/tsr/internal/models"
	"github.com/joescharf/tsr/internal/rules"
	"github.com/joescharf/tsr/internal/store"
)

// Server wraps the report store and exposes it as MCP tools.
type Server struct {
	store   store.Store
	engine  *rules.Engine
	version string
	now     func() time.Time
}

// NewServer creates the MCP server wrapper.
func NewServer(s store.Store, engine *rules.Engine, version string) *Server {
	return &Server{
		store:   s,
		engine:  engine,
		version: version,
		now:     time.Now,
	}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("tsr", s.version, server.WithToolCapabilities(true))

	srv.AddTool(s.latestTool())
	srv.AddTool(s.getReportTool())
	srv.AddTool(s.goNoGoTool())
	srv.AddTool(s.listTool())
	srv.AddTool(s.statsTool())
	srv.AddTool(s.approveTool())
	srv.AddTool(s.rulesTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

// tsr_latest
func (s *Server) latestTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("tsr_latest",
		mcp.WithDescription("Get the most recent test summary report, optionally for one environment. Returns the full report as JSON."),
		mcp.WithString("environment", mcp.Description("Filter by environment"), mcp.Enum(enumValues(models.Environments)...)),
	)
	return tool, s.handleLatest
}

func (s *Server) handleLatest(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	env, err := environmentArg(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	r, err := s.store.GetLatestReport(ctx, env)
	if err != nil {
		return storeError("get latest report", err), nil
	}
	return jsonResult(r)
}

// tsr_get
func (s *Server) getReportTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("tsr_get",
		mcp.WithDescription("Get a test summary report by id or unique id prefix."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Report id or prefix")),
	)
	return tool, s.handleGetReport
}

func (s *Server) handleGetReport(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	r, errResult := s.reportArg(ctx, request)
	if errResult != nil {
		return errResult, nil
	}
	return jsonResult(r)
}

// tsr_go_no_go
func (s *Server) goNoGoTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("tsr_go_no_go",
		mcp.WithDescription("Get the go/no-go decision for a report: decision, reason, blocking issues, warnings and approval state."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Report id or prefix")),
	)
	return tool, s.handleGoNoGo
}

func (s *Server) handleGoNoGo(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	r, errResult := s.reportArg(ctx, request)
	if errResult != nil {
		return errResult, nil
	}
	return jsonResult(api.NewGoNoGoResponse(r))
}

// tsr_list
func (s *Server) listTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("tsr_list",
		mcp.WithDescription("List recent reports, newest first. Returns a JSON array of report summaries."),
		mcp.WithString("environment", mcp.Description("Filter by environment"), mcp.Enum(enumValues(models.Environments)...)),
		mcp.WithString("decision", mcp.Description("Filter by decision"), mcp.Enum(enumValues(models.Decisions)...)),
		mcp.WithString("codebase_sha", mcp.Description("Filter by codebase commit (prefix match)")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of reports (default 20)")),
	)
	return tool, s.handleList
}

type reportSummary struct {
	ID             string             `json:"id"`
	CreatedAt      time.Time          `json:"created_at"`
	Environment    models.Environment `json:"environment"`
	Decision       models.Decision    `json:"decision"`
	Reason         string             `json:"reason"`
	CodebaseSHA    string             `json:"codebase_sha,omitempty"`
	TotalTests     int                `json:"total_tests"`
	PassRate       float64            `json:"pass_rate"`
	BlockingIssues int                `json:"blocking_issues"`
	Warnings       int                `json:"warnings"`
}

func (s *Server) handleList(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	env, err := environmentArg(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	filter := store.ReportFilter{
		Environment: env,
		CodebaseSHA: request.GetString("codebase_sha", ""),
		Limit:       request.GetInt("limit", 20),
	}
	if v := request.GetString("decision", ""); v != "" {
		if filter.Decision, err = models.ParseDecision(v); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
	}
	if filter.Limit < 1 {
		return mcp.NewToolResultError("limit must be positive"), nil
	}

	reports, err := s.store.QueryReports(ctx, filter)
	if err != nil {
		return storeError("list reports", err), nil
	}

	out := make([]reportSummary, len(reports))
	for i, r := range reports {
		out[i] = reportSummary{
			ID:             r.ID,
			CreatedAt:      r.CreatedAt,
			Environment:    r.Environment,
			Decision:       r.Decision,
			Reason:         r.DecisionReason,
			TotalTests:     r.TotalTests(),
			PassRate:       r.OverallPassRate(),
			BlockingIssues: len(r.BlockingIssues),
			Warnings:       len(r.Warnings),
		}
		if r.Versions != nil {
			out[i].CodebaseSHA = r.Versions.CodebaseSHA
		}
	}
	return jsonResult(out)
}

// tsr_stats
func (s *Server) statsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("tsr_stats",
		mcp.WithDescription("Get decision counts and the go rate across stored reports."),
		mcp.WithString("environment", mcp.Description("Filter by environment"), mcp.Enum(enumValues(models.Environments)...)),
	)
	return tool, s.handleStats
}

func (s *Server) handleStats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	env, err := environmentArg(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	st, err := store.ComputeStats(ctx, s.store, env)
	if err != nil {
		return storeError("compute stats", err), nil
	}
	return jsonResult(st)
}

// tsr_approve
func (s *Server) approveTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("tsr_approve",
		mcp.WithDescription("Manually approve a report awaiting review. Fails if the report has blocking issues."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Report id or prefix")),
		mcp.WithString("approved_by", mcp.Required(), mcp.Description("Name of the approver")),
		mcp.WithString("notes", mcp.Description("Optional approval notes")),
	)
	return tool, s.handleApprove
}

func (s *Server) handleApprove(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	approvedBy, err := request.RequireString("approved_by")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: approved_by"), nil
	}
	r, errResult := s.reportArg(ctx, request)
	if errResult != nil {
		return errResult, nil
	}

	if err := s.engine.Approve(r, approvedBy, request.GetString("notes", ""), s.now()); err != nil {
		metrics.ObserveApproval(metrics.ApprovalRejected)
		return mcp.NewToolResultError(fmt.Sprintf("cannot approve: %v", err)), nil
	}
	if _, err := s.store.SaveReport(ctx, r); err != nil {
		return storeError("save report", err), nil
	}
	metrics.ObserveApproval(metrics.ApprovalAccepted)
	return jsonResult(api.NewGoNoGoResponse(r))
}

// tsr_rules
func (s *Server) rulesTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("tsr_rules",
		mcp.WithDescription("Show the active go/no-go rule set."),
	)
	return tool, s.handleRules
}

func (s *Server) handleRules(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.engine.Policy())
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// reportArg loads the report named by the "id" argument, accepting a unique prefix.
func (s *Server) reportArg(ctx context.Context, request mcp.CallToolRequest) (*models.TestSummaryReport, *mcp.CallToolResult) {
	idArg, err := request.RequireString("id")
	if err != nil {
		return nil, mcp.NewToolResultError("missing required parameter: id")
	}
	id, err := s.store.ResolveReportID(ctx, idArg)
	if err != nil {
		return nil, storeError("resolve report", err)
	}
	r, err := s.store.GetReport(ctx, id)
	if err != nil {
		return nil, storeError("get report", err)
	}
	return r, nil
}

func environmentArg(request mcp.CallToolRequest) (models.Environment, error) {
	v := request.GetString("environment", "")
	if v == "" {
		return "", nil
	}
	return models.ParseEnvironment(v)
}

func storeError(action string, err error) *mcp.CallToolResult {
	if !errors.Is(err, store.ErrNotFound) {
		metrics.ObserveStoreError(action)
	}
	return mcp.NewToolResultError(fmt.Sprintf("failed to %s: %v", action, err))
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func enumValues[T ~string](values []T) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = string(v)
	}
	return out
}
