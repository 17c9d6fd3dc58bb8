package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/joescharf/tsr/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeLayout is fixed width so that lexical order of the stored text matches
// chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. Limiting to a single connection
	// serializes all DB access through Go's connection pool, preventing
	// "database is locked" errors from concurrent HTTP requests.
	db.SetMaxOpenConns(1)

	pragmas := []struct{ stmt, what string }{
		{"PRAGMA journal_mode=WAL", "enable WAL mode"},
		{"PRAGMA busy_timeout=5000", "set busy timeout"},
		{"PRAGMA foreign_keys=ON", "enable foreign keys"},
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p.stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", p.what, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// boolToInt converts a bool to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", s, err)
	}
	return t, nil
}

func marshalColumn(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	// Create migrations tracking table
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	// Sort by filename
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()

		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Reports ---

const reportColumns = `id, created_at, triggered_by, environment, overall_status, go_no_go_decision,
	decision_reason, blocking_issues, warnings, has_versions, codebase_sha, codebase_branch,
	codebase_repo, testbase_sha, prompts_sha, prompts_version, manual_approval_required,
	approved_by, approved_at`

// SaveReport writes the report and all nested rows in one transaction.
// Concurrent saves of the same id are last-writer-wins.
func (s *SQLiteStore) SaveReport(ctx context.Context, r *models.TestSummaryReport) (string, error) {
	if r.ID == "" {
		r.ID = models.NewID()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	blocking, err := marshalColumn(r.BlockingIssues)
	if err != nil {
		return "", fmt.Errorf("save report: encode blocking issues: %w", err)
	}
	warnings, err := marshalColumn(r.Warnings)
	if err != nil {
		return "", fmt.Errorf("save report: encode warnings: %w", err)
	}
	v := models.VersionManifest{}
	if r.Versions != nil {
		v = *r.Versions
	}
	var approvedAt sql.NullString
	if r.ApprovedAt != nil {
		approvedAt = sql.NullString{String: formatTime(*r.ApprovedAt), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Creation metadata and versions are immutable once stored.
	_, err = tx.ExecContext(ctx,
		`INSERT INTO test_summary_reports (`+reportColumns+`, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			overall_status = excluded.overall_status,
			go_no_go_decision = excluded.go_no_go_decision,
			decision_reason = excluded.decision_reason,
			blocking_issues = excluded.blocking_issues,
			warnings = excluded.warnings,
			manual_approval_required = excluded.manual_approval_required,
			approved_by = excluded.approved_by,
			approved_at = excluded.approved_at,
			updated_at = excluded.updated_at`,
		r.ID, formatTime(r.CreatedAt), r.TriggeredBy, string(r.Environment), string(r.OverallStatus), string(r.Decision),
		r.DecisionReason, blocking, warnings, boolToInt(r.Versions != nil), v.CodebaseSHA, v.CodebaseBranch,
		v.CodebaseRepo, v.TestbaseSHA, v.PromptsSHA, v.PromptsVersion, boolToInt(r.ManualApprovalRequired),
		r.ApprovedBy, approvedAt, formatTime(time.Now()),
	)
	if err != nil {
		return "", fmt.Errorf("save report: %w", err)
	}

	if err := deleteChildren(ctx, tx, r.ID); err != nil {
		return "", err
	}
	if err := insertTestResults(ctx, tx, r.ID, r.TestResults); err != nil {
		return "", err
	}
	if err := insertEvalIterations(ctx, tx, r.ID, r.EvalIterations); err != nil {
		return "", err
	}
	if err := insertRequirementCoverage(ctx, tx, r.ID, r.RequirementCoverage); err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit tx: %w", err)
	}
	return r.ID, nil
}

// deleteChildren removes nested rows explicitly so a save never depends on
// the foreign_keys pragma of the pooled connection.
func deleteChildren(ctx context.Context, tx *sql.Tx, id string) error {
	stmts := []string{
		`DELETE FROM tsr_failure_modes WHERE eval_iteration_id IN (SELECT id FROM tsr_eval_iterations WHERE tsr_id = ?)`,
		`DELETE FROM tsr_eval_iterations WHERE tsr_id = ?`,
		`DELETE FROM tsr_test_results WHERE tsr_id = ?`,
		`DELETE FROM tsr_requirement_coverage WHERE tsr_id = ?`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return fmt.Errorf("clear nested rows for %s: %w", id, err)
		}
	}
	return nil
}

func insertTestResults(ctx context.Context, tx *sql.Tx, id string, results []models.TestTypeResult) error {
	for i, tr := range results {
		details, err := marshalColumn(tr.FailureDetails)
		if err != nil {
			return fmt.Errorf("encode failure details: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO tsr_test_results (tsr_id, position, test_type, total, passed, failed, skipped, duration_ms, failure_details)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, i, string(tr.TestType), tr.Total, tr.Passed, tr.Failed, tr.Skipped, tr.DurationMS, details,
		)
		if err != nil {
			return fmt.Errorf("insert test result %s: %w", tr.TestType, err)
		}
	}
	return nil
}

func insertEvalIterations(ctx context.Context, tx *sql.Tx, id string, iterations []models.EvalIterationSummary) error {
	for i, it := range iterations {
		metrics, err := marshalColumn(it.Metrics)
		if err != nil {
			return fmt.Errorf("encode metrics: %w", err)
		}
		fixes, err := marshalColumn(it.FixesApplied)
		if err != nil {
			return fmt.Errorf("encode fixes applied: %w", err)
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO tsr_eval_iterations (tsr_id, position, iteration, version_name, prompt_version, outcome, metrics, fixes_applied)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			id, i, it.Iteration, it.VersionName, it.PromptVersion, string(it.Outcome), metrics, fixes,
		)
		if err != nil {
			return fmt.Errorf("insert eval iteration %d: %w", it.Iteration, err)
		}
		rowID, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("eval iteration row id: %w", err)
		}
		for j, fm := range it.FailureModes {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO tsr_failure_modes (eval_iteration_id, position, mode_id, name, description, severity, category, discovered_in_iteration, resolution_status)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				rowID, j, fm.ID, fm.Name, fm.Description, string(fm.Severity), string(fm.Category),
				fm.DiscoveredInIteration, string(fm.ResolutionStatus),
			)
			if err != nil {
				return fmt.Errorf("insert failure mode %s: %w", fm.ID, err)
			}
		}
	}
	return nil
}

func insertRequirementCoverage(ctx context.Context, tx *sql.Tx, id string, reqs []models.RequirementCoverage) error {
	for i, rc := range reqs {
		testIDs, err := marshalColumn(rc.TestIDs)
		if err != nil {
			return fmt.Errorf("encode test ids: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO tsr_requirement_coverage (tsr_id, position, requirement_id, requirement_text, test_ids, coverage_status, verification_status)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			id, i, rc.RequirementID, rc.RequirementText, testIDs, string(rc.CoverageStatus), string(rc.VerificationStatus),
		)
		if err != nil {
			return fmt.Errorf("insert requirement %s: %w", rc.RequirementID, err)
		}
	}
	return nil
}

func (s *SQLiteStore) GetReport(ctx context.Context, id string) (*models.TestSummaryReport, error) {
	reports, err := s.queryReports(ctx, `SELECT `+reportColumns+` FROM test_summary_reports WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get report: %w", err)
	}
	if len(reports) == 0 {
		return nil, fmt.Errorf("report %w: %s", ErrNotFound, id)
	}
	return reports[0], nil
}

// likeEscaper escapes LIKE wildcards so an id prefix matches literally.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// ResolveReportID returns prefix itself when it is a stored id, otherwise
// the single id that starts with it.
func (s *SQLiteStore) ResolveReportID(ctx context.Context, prefix string) (string, error) {
	if prefix == "" {
		return "", fmt.Errorf("report %w: empty id", ErrNotFound)
	}
	for _, candidate := range []string{prefix, strings.ToUpper(prefix)} {
		var id string
		err := s.db.QueryRowContext(ctx, `SELECT id FROM test_summary_reports WHERE id = ?`, candidate).Scan(&id)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("resolve report id: %w", err)
		}
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM test_summary_reports WHERE id LIKE ? ESCAPE '\' ORDER BY id LIMIT 2`,
		likeEscaper.Replace(strings.ToUpper(prefix))+"%")
	if err != nil {
		return "", fmt.Errorf("resolve report id: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", fmt.Errorf("scan report id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	switch len(ids) {
	case 0:
		return "", fmt.Errorf("report %w: %s", ErrNotFound, prefix)
	case 1:
		return ids[0], nil
	default:
		return "", fmt.Errorf("ambiguous report id prefix %q", prefix)
	}
}

func (s *SQLiteStore) GetLatestReport(ctx context.Context, env models.Environment) (*models.TestSummaryReport, error) {
	reports, err := s.QueryReports(ctx, ReportFilter{Environment: env, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(reports) == 0 {
		if env != "" {
			return nil, fmt.Errorf("report %w in environment %s", ErrNotFound, env)
		}
		return nil, fmt.Errorf("report %w", ErrNotFound)
	}
	return reports[0], nil
}

func (s *SQLiteStore) QueryReports(ctx context.Context, filter ReportFilter) ([]*models.TestSummaryReport, error) {
	query := `SELECT ` + reportColumns + ` FROM test_summary_reports`
	conditions, args := filterConditions(filter.Environment, filter.Decision)
	if filter.CodebaseSHA != "" {
		conditions = append(conditions, "codebase_sha LIKE ?")
		args = append(args, filter.CodebaseSHA+"%")
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, max(filter.Offset, 0))

	reports, err := s.queryReports(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query reports: %w", err)
	}
	return reports, nil
}

func (s *SQLiteStore) CountReports(ctx context.Context, filter CountFilter) (int, error) {
	query := `SELECT COUNT(*) FROM test_summary_reports`
	conditions, args := filterConditions(filter.Environment, filter.Decision)
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count reports: %w", err)
	}
	return n, nil
}

func filterConditions(env models.Environment, decision models.Decision) ([]string, []any) {
	var conditions []string
	var args []any
	if env != "" {
		conditions = append(conditions, "environment = ?")
		args = append(args, string(env))
	}
	if decision != "" {
		conditions = append(conditions, "go_no_go_decision = ?")
		args = append(args, string(decision))
	}
	return conditions, args
}

func (s *SQLiteStore) DeleteReport(ctx context.Context, id string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := deleteChildren(ctx, tx, id); err != nil {
		return false, err
	}
	result, err := tx.ExecContext(ctx, "DELETE FROM test_summary_reports WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("delete report: %w", err)
	}
	n, _ := result.RowsAffected()
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit tx: %w", err)
	}
	return n > 0, nil
}

// queryReports runs a parent-row query and loads every report's nested rows.
func (s *SQLiteStore) queryReports(ctx context.Context, query string, args ...any) ([]*models.TestSummaryReport, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var reports []*models.TestSummaryReport
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		reports = append(reports, r)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	// The single pooled connection must be released before child queries run.
	_ = rows.Close()

	for _, r := range reports {
		if err := loadChildren(ctx, s.db, r); err != nil {
			return nil, err
		}
	}
	return reports, nil
}

func scanReport(rows *sql.Rows) (*models.TestSummaryReport, error) {
	r := &models.TestSummaryReport{}
	var (
		createdAt, env, status, decision, blocking, warnings string
		hasVersions, manual                                  bool
		v                                                    models.VersionManifest
		approvedAt                                           sql.NullString
	)
	err := rows.Scan(&r.ID, &createdAt, &r.TriggeredBy, &env, &status, &decision,
		&r.DecisionReason, &blocking, &warnings, &hasVersions, &v.CodebaseSHA, &v.CodebaseBranch,
		&v.CodebaseRepo, &v.TestbaseSHA, &v.PromptsSHA, &v.PromptsVersion, &manual,
		&r.ApprovedBy, &approvedAt)
	if err != nil {
		return nil, fmt.Errorf("scan report: %w", err)
	}

	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if r.Environment, err = models.ParseEnvironment(env); err != nil {
		return nil, fmt.Errorf("report %s: %w", r.ID, err)
	}
	if r.OverallStatus, err = models.ParseOverallStatus(status); err != nil {
		return nil, fmt.Errorf("report %s: %w", r.ID, err)
	}
	if r.Decision, err = models.ParseDecision(decision); err != nil {
		return nil, fmt.Errorf("report %s: %w", r.ID, err)
	}
	r.ManualApprovalRequired = manual
	if hasVersions {
		r.Versions = &v
	}
	if approvedAt.Valid {
		t, err := parseTime(approvedAt.String)
		if err != nil {
			return nil, err
		}
		r.ApprovedAt = &t
	}
	if err := json.Unmarshal([]byte(blocking), &r.BlockingIssues); err != nil {
		return nil, fmt.Errorf("decode blocking issues for %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(warnings), &r.Warnings); err != nil {
		return nil, fmt.Errorf("decode warnings for %s: %w", r.ID, err)
	}
	return r, nil
}

func loadChildren(ctx context.Context, q querier, r *models.TestSummaryReport) error {
	var err error
	if r.TestResults, err = loadTestResults(ctx, q, r.ID); err != nil {
		return err
	}
	if r.EvalIterations, err = loadEvalIterations(ctx, q, r.ID); err != nil {
		return err
	}
	if r.RequirementCoverage, err = loadRequirementCoverage(ctx, q, r.ID); err != nil {
		return err
	}
	return nil
}

func loadTestResults(ctx context.Context, q querier, id string) ([]models.TestTypeResult, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT test_type, total, passed, failed, skipped, duration_ms, failure_details
		FROM tsr_test_results WHERE tsr_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("load test results: %w", err)
	}
	defer func() { _ = rows.Close() }()

	results := []models.TestTypeResult{}
	for rows.Next() {
		var tr models.TestTypeResult
		var testType, details string
		if err := rows.Scan(&testType, &tr.Total, &tr.Passed, &tr.Failed, &tr.Skipped, &tr.DurationMS, &details); err != nil {
			return nil, fmt.Errorf("scan test result: %w", err)
		}
		if tr.TestType, err = models.ParseTestType(testType); err != nil {
			return nil, fmt.Errorf("test result for %s: %w", id, err)
		}
		if err := json.Unmarshal([]byte(details), &tr.FailureDetails); err != nil {
			return nil, fmt.Errorf("decode failure details: %w", err)
		}
		results = append(results, tr)
	}
	return results, rows.Err()
}

func loadEvalIterations(ctx context.Context, q querier, id string) ([]models.EvalIterationSummary, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, iteration, version_name, prompt_version, outcome, metrics, fixes_applied
		FROM tsr_eval_iterations WHERE tsr_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("load eval iterations: %w", err)
	}

	iterations := []models.EvalIterationSummary{}
	var rowIDs []int64
	for rows.Next() {
		var it models.EvalIterationSummary
		var rowID int64
		var outcome, metrics, fixes string
		if err := rows.Scan(&rowID, &it.Iteration, &it.VersionName, &it.PromptVersion, &outcome, &metrics, &fixes); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan eval iteration: %w", err)
		}
		if it.Outcome, err = models.ParseIterationOutcome(outcome); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("eval iteration %d for %s: %w", it.Iteration, id, err)
		}
		if err := json.Unmarshal([]byte(metrics), &it.Metrics); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("decode metrics: %w", err)
		}
		if err := json.Unmarshal([]byte(fixes), &it.FixesApplied); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("decode fixes applied: %w", err)
		}
		iterations = append(iterations, it)
		rowIDs = append(rowIDs, rowID)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	for i, rowID := range rowIDs {
		if iterations[i].FailureModes, err = loadFailureModes(ctx, q, rowID); err != nil {
			return nil, err
		}
	}
	return iterations, nil
}

func loadFailureModes(ctx context.Context, q querier, iterationRowID int64) ([]models.FailureMode, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT mode_id, name, description, severity, category, discovered_in_iteration, resolution_status
		FROM tsr_failure_modes WHERE eval_iteration_id = ? ORDER BY position`, iterationRowID)
	if err != nil {
		return nil, fmt.Errorf("load failure modes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	modes := []models.FailureMode{}
	for rows.Next() {
		var fm models.FailureMode
		var severity, category, resolution string
		if err := rows.Scan(&fm.ID, &fm.Name, &fm.Description, &severity, &category, &fm.DiscoveredInIteration, &resolution); err != nil {
			return nil, fmt.Errorf("scan failure mode: %w", err)
		}
		if fm.Severity, err = models.ParseSeverity(severity); err != nil {
			return nil, fmt.Errorf("failure mode %s: %w", fm.ID, err)
		}
		if fm.Category, err = models.ParseFailureCategory(category); err != nil {
			return nil, fmt.Errorf("failure mode %s: %w", fm.ID, err)
		}
		// An empty status is stored as sent and reads as open.
		if resolution != "" {
			if fm.ResolutionStatus, err = models.ParseResolutionStatus(resolution); err != nil {
				return nil, fmt.Errorf("failure mode %s: %w", fm.ID, err)
			}
		}
		modes = append(modes, fm)
	}
	return modes, rows.Err()
}

func loadRequirementCoverage(ctx context.Context, q querier, id string) ([]models.RequirementCoverage, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT requirement_id, requirement_text, test_ids, coverage_status, verification_status
		FROM tsr_requirement_coverage WHERE tsr_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("load requirement coverage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	reqs := []models.RequirementCoverage{}
	for rows.Next() {
		var rc models.RequirementCoverage
		var testIDs, coverage, verification string
		if err := rows.Scan(&rc.RequirementID, &rc.RequirementText, &testIDs, &coverage, &verification); err != nil {
			return nil, fmt.Errorf("scan requirement coverage: %w", err)
		}
		if rc.CoverageStatus, err = models.ParseCoverageStatus(coverage); err != nil {
			return nil, fmt.Errorf("requirement %s: %w", rc.RequirementID, err)
		}
		if rc.VerificationStatus, err = models.ParseVerificationStatus(verification); err != nil {
			return nil, fmt.Errorf("requirement %s: %w", rc.RequirementID, err)
		}
		if err := json.Unmarshal([]byte(testIDs), &rc.TestIDs); err != nil {
			return nil, fmt.Errorf("decode test ids: %w", err)
		}
		reqs = append(reqs, rc)
	}
	return reqs, rows.Err()
}
