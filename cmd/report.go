package cmd

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joescharf/tsr/internal/git"
	"github.com/joescharf/tsr/internal/models"
	"github.com/joescharf/tsr/internal/output"
	"github.com/joescharf/tsr/internal/store"
)

var (
	listEnvironment string
	listDecision    string
	listSHA         string
	listLimit       int
	listOffset      int

	showJSON bool

	reportFormat string
)

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List stored reports, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return listRun()
	},
}

var showCmd = &cobra.Command{
	Use:   "show [id|latest]",
	Short: "Show a report (default: latest)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref := "latest"
		if len(args) == 1 {
			ref = args[0]
		}
		return showRun(ref)
	},
}

var deleteCmd = &cobra.Command{
	Use:     "delete <id>",
	Aliases: []string{"rm"},
	Short:   "Delete a report and all of its evidence",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return deleteRun(args[0])
	},
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export reports as JSON, CSV, or Markdown",
	Long:  "Export stored reports using the same filters as 'tsr list'.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return exportRun()
	},
}

func init() {
	for _, c := range []*cobra.Command{listCmd, exportCmd} {
		c.Flags().StringVarP(&listEnvironment, "environment", "e", "", "Filter by environment")
		c.Flags().StringVarP(&listDecision, "decision", "d", "", "Filter by decision: go, no_go, pending_review")
		c.Flags().StringVar(&listSHA, "sha", "", "Filter by codebase commit (prefix)")
		c.Flags().IntVar(&listLimit, "limit", store.DefaultQueryLimit, "Maximum number of reports")
		c.Flags().IntVar(&listOffset, "offset", 0, "Number of reports to skip")
	}
	showCmd.Flags().BoolVar(&showJSON, "json", false, "Print the full report as JSON")
	exportCmd.Flags().StringVar(&reportFormat, "format", "json", "Output format: json, csv, markdown")

	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(exportCmd)
}

// listFilter builds a store filter from the list/export flags.
func listFilter() (store.ReportFilter, error) {
	f := store.ReportFilter{CodebaseSHA: listSHA, Limit: listLimit, Offset: listOffset}
	if listEnvironment != "" {
		env, err := models.ParseEnvironment(listEnvironment)
		if err != nil {
			return f, err
		}
		f.Environment = env
	}
	if listDecision != "" {
		d, err := models.ParseDecision(listDecision)
		if err != nil {
			return f, err
		}
		f.Decision = d
	}
	if f.Limit < 1 {
		return f, fmt.Errorf("--limit must be positive")
	}
	if f.Offset < 0 {
		return f, fmt.Errorf("--offset must not be negative")
	}
	return f, nil
}

func listRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	filter, err := listFilter()
	if err != nil {
		return err
	}
	ctx := context.Background()

	reports, err := s.QueryReports(ctx, filter)
	if err != nil {
		return err
	}
	if len(reports) == 0 {
		ui.Info("No reports found. Use 'tsr generate --results-dir <dir>' to create one.")
		return nil
	}

	table := ui.Table([]string{"ID", "Created", "Env", "Decision", "Tests", "Pass Rate", "Blocking", "Commit"})
	for _, r := range reports {
		sha := ""
		if r.Versions != nil {
			sha = git.ShortSHA(r.Versions.CodebaseSHA)
		}
		table.Append([]string{
			output.Cyan(shortID(r.ID)),
			r.CreatedAt.Local().Format("2006-01-02 15:04"),
			string(r.Environment),
			output.DecisionColor(r.Decision),
			strconv.Itoa(r.TotalTests()),
			fmt.Sprintf("%.1f%%", r.OverallPassRate()*100),
			strconv.Itoa(len(r.BlockingIssues)),
			sha,
		})
	}
	table.Render()

	if total, err := s.CountReports(ctx, store.CountFilter{Environment: filter.Environment, Decision: filter.Decision}); err == nil && total > len(reports) {
		ui.VerboseLog("Showing %d of %d reports", len(reports), total)
	}
	return nil
}

func showRun(ref string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	r, err := resolveReport(context.Background(), s, ref)
	if err != nil {
		return err
	}

	if showJSON {
		enc := json.NewEncoder(ui.Out)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}

	fmt.Fprintf(ui.Out, "Report %s\n", output.Cyan(r.ID))
	fmt.Fprintf(ui.Out, "  Created:      %s\n", r.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(ui.Out, "  Environment:  %s\n", r.Environment)
	fmt.Fprintf(ui.Out, "  Triggered by: %s\n", r.TriggeredBy)
	if v := r.Versions; v != nil {
		fmt.Fprintf(ui.Out, "  Codebase:     %s (%s) %s\n", git.ShortSHA(v.CodebaseSHA), v.CodebaseBranch, v.CodebaseRepo)
		fmt.Fprintf(ui.Out, "  Testbase:     %s\n", git.ShortSHA(v.TestbaseSHA))
		prompts := git.ShortSHA(v.PromptsSHA)
		if v.PromptsVersion != "" {
			prompts += " " + v.PromptsVersion
		}
		fmt.Fprintf(ui.Out, "  Prompts:      %s\n", prompts)
	}
	fmt.Fprintln(ui.Out)

	printDecision(r)
	printTestResults(r)
	printEvalIterations(r)
	printRequirements(r)
	printIssues(r)
	return nil
}

func deleteRun(ref string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	id, err := s.ResolveReportID(ctx, ref)
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would delete report: %s", id)
		return nil
	}

	ok, err := s.DeleteReport(ctx, id)
	if err != nil {
		return fmt.Errorf("delete report: %w", err)
	}
	if !ok {
		return fmt.Errorf("report not found: %s", id)
	}
	ui.Success("Deleted report: %s", output.Cyan(id))
	return nil
}

func exportRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	filter, err := listFilter()
	if err != nil {
		return err
	}

	reports, err := s.QueryReports(context.Background(), filter)
	if err != nil {
		return err
	}

	switch reportFormat {
	case "json":
		enc := json.NewEncoder(ui.Out)
		enc.SetIndent("", "  ")
		return enc.Encode(reports)
	case "csv":
		w := csv.NewWriter(ui.Out)
		_ = w.Write([]string{"ID", "Created", "Environment", "Decision", "Reason", "Total", "Passed", "Failed", "Blocking", "Warnings", "Codebase SHA", "Approved By"})
		for _, r := range reports {
			sha := ""
			if r.Versions != nil {
				sha = r.Versions.CodebaseSHA
			}
			_ = w.Write([]string{
				r.ID, r.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"), string(r.Environment), string(r.Decision), r.DecisionReason,
				strconv.Itoa(r.TotalTests()), strconv.Itoa(r.TotalPassed()), strconv.Itoa(r.TotalFailed()),
				strings.Join(r.BlockingIssues, "; "), strings.Join(r.Warnings, "; "), sha, r.ApprovedBy,
			})
		}
		w.Flush()
		return w.Error()
	case "markdown":
		fmt.Fprintln(ui.Out, "# Test Summary Reports")
		fmt.Fprintln(ui.Out)
		fmt.Fprintln(ui.Out, "| ID | Created | Environment | Decision | Pass Rate | Blocking |")
		fmt.Fprintln(ui.Out, "|----|---------|-------------|----------|-----------|----------|")
		for _, r := range reports {
			fmt.Fprintf(ui.Out, "| %s | %s | %s | %s | %.1f%% | %d |\n",
				r.ID, r.CreatedAt.UTC().Format("2006-01-02 15:04"), r.Environment,
				output.DecisionLabel(r.Decision), r.OverallPassRate()*100, len(r.BlockingIssues))
		}
		return nil
	default:
		return fmt.Errorf("unknown format: %s (use: json, csv, markdown)", reportFormat)
	}
}

// --- shared report rendering ---

func printDecision(r *models.TestSummaryReport) {
	fmt.Fprintf(ui.Out, "Decision: %s\n", output.DecisionColor(r.Decision))
	fmt.Fprintf(ui.Out, "Reason:   %s\n", r.DecisionReason)
	if r.ApprovedBy != "" && r.ApprovedAt != nil {
		fmt.Fprintf(ui.Out, "Approved: %s at %s\n", r.ApprovedBy, r.ApprovedAt.Local().Format("2006-01-02 15:04"))
	}
}

func printTestResults(r *models.TestSummaryReport) {
	if len(r.TestResults) == 0 {
		return
	}
	fmt.Fprintln(ui.Out, "\nTest Results:")
	for _, res := range r.TestResults {
		mark := output.Green("✓")
		if res.Failed > 0 {
			mark = output.Red("✗")
		}
		fmt.Fprintf(ui.Out, "  %s %s: %d/%d passed (%.1f%%)\n",
			mark, strings.ToUpper(string(res.TestType)), res.Passed, res.Total, res.PassRate()*100)
		if verbose {
			for _, fd := range res.FailureDetails {
				fmt.Fprintf(ui.Out, "      %s: %s\n", fd.TestName, fd.Message)
			}
		}
	}
}

func printEvalIterations(r *models.TestSummaryReport) {
	if len(r.EvalIterations) == 0 {
		return
	}
	fmt.Fprintln(ui.Out, "\nEval Iterations:")
	table := ui.Table([]string{"#", "Version", "Prompt", "Outcome", "Accuracy", "Grounding", "Open Modes"})
	for _, it := range r.EvalIterations {
		open := 0
		for _, fm := range it.FailureModes {
			if fm.IsOpen() {
				open++
			}
		}
		table.Append([]string{
			strconv.Itoa(it.Iteration),
			it.VersionName,
			it.PromptVersion,
			string(it.Outcome),
			metricCell(it, models.MetricAccuracy),
			metricCell(it, models.MetricGroundingScore),
			strconv.Itoa(open),
		})
	}
	table.Render()
}

func metricCell(it models.EvalIterationSummary, key string) string {
	v, ok := it.Metric(key)
	if !ok {
		return "-"
	}
	return fmt.Sprintf("%.1f%%", v*100)
}

func printRequirements(r *models.TestSummaryReport) {
	total := len(r.RequirementCoverage)
	if total == 0 {
		return
	}
	verified := 0
	for _, rc := range r.RequirementCoverage {
		if rc.VerificationStatus == models.VerificationVerified {
			verified++
		}
	}
	fmt.Fprintf(ui.Out, "\nRequirements: %d/%d verified\n", verified, total)
	if verbose {
		for _, rc := range r.RequirementCoverage {
			fmt.Fprintf(ui.Out, "  %s [%s/%s] %s\n", rc.RequirementID, rc.CoverageStatus, rc.VerificationStatus, rc.RequirementText)
		}
	}
}

func printIssues(r *models.TestSummaryReport) {
	if len(r.BlockingIssues) > 0 {
		fmt.Fprintf(ui.Out, "\nBlocking Issues (%d):\n", len(r.BlockingIssues))
		for _, issue := range r.BlockingIssues {
			fmt.Fprintf(ui.Out, "  %s %s\n", output.Red("✗"), issue)
		}
	}
	if len(r.Warnings) > 0 {
		fmt.Fprintf(ui.Out, "\nWarnings (%d):\n", len(r.Warnings))
		for _, w := range r.Warnings {
			fmt.Fprintf(ui.Out, "  %s %s\n", output.Yellow("⚠"), w)
		}
	}
}
