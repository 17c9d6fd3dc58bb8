package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/tsr/internal/metrics"
	"github.com/joescharf/tsr/internal/models"
	"github.com/joescharf/tsr/internal/output"
	"github.com/joescharf/tsr/internal/rules"
	"github.com/joescharf/tsr/internal/store"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui        *output.UI
	dataStore store.Store

	verbose bool
	dryRun  bool
)

var rootCmd = &cobra.Command{
	Use:   "tsr",
	Short: "Test Summary Reports - go/no-go gating for AI releases",
	Long: `tsr aggregates test, eval, and requirement evidence into Test Summary
Reports and derives a go/no-go deployment decision from a rule set.

Reports are built from CI artifacts (tsr generate), stored in SQLite, and
served to pipelines and agents over REST (tsr serve) and MCP (tsr mcp).`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	if err := rootCmd.Execute(); err != nil {
		var exitErr *exitCodeError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false, "Show what would happen without making changes")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/tsr/config.yaml)")
}

func initConfig() {
	// If --config is explicitly set, use that file
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}

		configDir := filepath.Join(home, ".config", "tsr")
		viper.AddConfigPath(configDir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("TSR")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	home, _ := os.UserHomeDir()
	setDefaults(filepath.Join(home, ".config", "tsr"))

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

// setDefaults registers every config key with its default value.
func setDefaults(stateDir string) {
	viper.SetDefault("state_dir", stateDir)
	viper.SetDefault("db_path", filepath.Join(stateDir, "tsr.db"))
	viper.SetDefault("rules_file", "")
	viper.SetDefault("serve.port", 8090)
	viper.SetDefault("anthropic.api_key", "")
	viper.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	viper.SetDefault("generate.environment", string(models.EnvironmentTest))
	viper.SetDefault("generate.triggered_by", "ci")
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose
	ui.DryRun = dryRun

	// Initialize store lazily, only when commands actually need it.
	// This allows config/version commands to run without a db.
}

// getStore returns the shared store, initializing it on first call.
func getStore() (store.Store, error) {
	if dataStore != nil {
		return dataStore, nil
	}

	dbPath := viper.GetString("db_path")
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := s.Migrate(context.Background()); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	dataStore = s
	return dataStore, nil
}

// loadPolicy returns the policy from rules_file, or the built-in policy.
func loadPolicy() (rules.Policy, error) {
	path := viper.GetString("rules_file")
	if path == "" {
		return rules.DefaultPolicy(), nil
	}
	return rules.LoadPolicy(path)
}

// newEngine builds a decision engine that reports to the metrics registry.
func newEngine() (*rules.Engine, error) {
	policy, err := loadPolicy()
	if err != nil {
		return nil, err
	}
	return rules.NewEngine(policy, rules.WithObserver(metrics.ObserveEvaluation)), nil
}

// resolveReport loads a report by full id, unique id prefix, or "latest".
func resolveReport(ctx context.Context, s store.Store, ref string) (*models.TestSummaryReport, error) {
	if ref == "" || ref == "latest" {
		return s.GetLatestReport(ctx, "")
	}
	id, err := s.ResolveReportID(ctx, ref)
	if err != nil {
		return nil, err
	}
	return s.GetReport(ctx, id)
}

// shortID abbreviates a report id for tables.
func shortID(id string) string {
	if len(id) > 10 {
		return id[:10]
	}
	return id
}
