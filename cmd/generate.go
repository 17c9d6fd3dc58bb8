package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/tsr/internal/builder"
	"github.com/joescharf/tsr/internal/git"
	"github.com/joescharf/tsr/internal/models"
	"github.com/joescharf/tsr/internal/output"
)

var (
	genResultsDir     string
	genRepoPath       string
	genCodebaseSHA    string
	genTestbaseSHA    string
	genPromptsSHA     string
	genPromptsVersion string
	genManual         bool
	genOutput         string
	genPretty         bool
	genNoSave         bool
	genExitOnNoGo     bool
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Build a report from test artifacts and decide go/no-go",
	Long: `Build a Test Summary Report from a results directory.

Every *.xml file is parsed as JUnit XML; the test type is inferred from the
file name (unit, integration, e2e, acceptance, eval, security, performance,
steelthread). Optional eval_results.json and requirement_coverage.json files
add eval iterations and requirement coverage.

The report is evaluated, saved to the database, and written as JSON.
With --exit-on-no-go the command exits 1 when the decision is NO-GO.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return generateRun(cmd.Context())
	},
}

func init() {
	generateCmd.Flags().StringVar(&genResultsDir, "results-dir", "", "Directory containing test artifacts (required)")
	generateCmd.Flags().StringVar(&genRepoPath, "repo", ".", "Repository the version manifest is read from")
	generateCmd.Flags().StringVar(&genCodebaseSHA, "codebase-sha", "", "Commit of the codebase under test (default: HEAD of --repo)")
	generateCmd.Flags().StringVar(&genTestbaseSHA, "testbase-sha", "", "Commit of the test suite (default: codebase sha)")
	generateCmd.Flags().StringVar(&genPromptsSHA, "prompts-sha", "", "Commit of the prompt set (default: codebase sha)")
	generateCmd.Flags().StringVar(&genPromptsVersion, "prompts-version", "", "Semantic version of the prompt set")
	generateCmd.Flags().String("environment", "", "Environment: test, staging, production")
	generateCmd.Flags().String("triggered-by", "", "Who or what triggered the run")
	generateCmd.Flags().BoolVar(&genManual, "manual-approval", false, "Require manual approval even when all checks pass")
	generateCmd.Flags().StringVarP(&genOutput, "output", "o", "tsr.json", "Write the report JSON to this file (- for stdout)")
	generateCmd.Flags().BoolVar(&genPretty, "pretty", false, "Pretty-print JSON output")
	generateCmd.Flags().BoolVar(&genNoSave, "no-save", false, "Do not store the report in the database")
	generateCmd.Flags().BoolVar(&genExitOnNoGo, "exit-on-no-go", false, "Exit with code 1 if the decision is NO-GO")
	_ = generateCmd.MarkFlagRequired("results-dir")

	_ = viper.BindPFlag("generate.environment", generateCmd.Flags().Lookup("environment"))
	_ = viper.BindPFlag("generate.triggered_by", generateCmd.Flags().Lookup("triggered-by"))
	rootCmd.AddCommand(generateCmd)
}

func generateRun(ctx context.Context) error {
	env, err := models.ParseEnvironment(viper.GetString("generate.environment"))
	if err != nil {
		return err
	}
	engine, err := newEngine()
	if err != nil {
		return err
	}

	b := builder.New(engine, git.NewClient(), builder.WithLogger(slog.Default()))
	ui.VerboseLog("Reading artifacts from %s", genResultsDir)
	res, err := b.Build(ctx, builder.Options{
		ResultsDir:             genResultsDir,
		RepoPath:               genRepoPath,
		CodebaseSHA:            genCodebaseSHA,
		TestbaseSHA:            genTestbaseSHA,
		PromptsSHA:             genPromptsSHA,
		PromptsVersion:         genPromptsVersion,
		Environment:            env,
		TriggeredBy:            viper.GetString("generate.triggered_by"),
		ManualApprovalRequired: genManual,
	})
	if err != nil {
		return fmt.Errorf("generate report: %w", err)
	}
	for _, sk := range res.Skipped {
		ui.Warning("Skipped %s: %s", sk.Path, sk.Reason)
	}
	r := res.Report

	if dryRun {
		ui.DryRunMsg("Would save report %s and write %s", r.ID, genOutput)
	} else {
		if !genNoSave {
			s, err := getStore()
			if err != nil {
				return err
			}
			if _, err := s.SaveReport(ctx, r); err != nil {
				return fmt.Errorf("save report: %w", err)
			}
			ui.VerboseLog("Saved report %s", r.ID)
		}
		if err := writeReportJSON(r, genOutput, genPretty); err != nil {
			return err
		}
		if genOutput != "-" {
			ui.Success("Report generated: %s", genOutput)
		}
	}

	printDecision(r)
	printTestResults(r)
	printIssues(r)

	if genExitOnNoGo && r.Decision == models.DecisionNoGo {
		ui.Error("Deployment blocked: %s decision", output.DecisionLabel(r.Decision))
		return &exitCodeError{code: 1}
	}
	return nil
}

// writeReportJSON writes the report to path, or to stdout for "-".
func writeReportJSON(r *models.TestSummaryReport, path string, pretty bool) error {
	var (
		data []byte
		err  error
	)
	if pretty {
		data, err = json.MarshalIndent(r, "", "  ")
	} else {
		data, err = json.Marshal(r)
	}
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	data = append(data, '\n')

	if path == "-" {
		_, err = ui.Out.Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}
