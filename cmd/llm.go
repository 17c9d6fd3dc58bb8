package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/tsr/internal/llm"
	"github.com/joescharf/tsr/internal/output"
)

var summarizeJSON bool

var summarizeCmd = &cobra.Command{
	Use:   "summarize [id|latest]",
	Short: "Write a release-readiness summary of a report with Claude",
	Long: `Ask Claude for a short narrative of a report: headline, risks, and a
recommendation. Requires anthropic.api_key (TSR_ANTHROPIC_API_KEY) or
ANTHROPIC_API_KEY.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref := "latest"
		if len(args) == 1 {
			ref = args[0]
		}
		return summarizeRun(ref)
	},
}

func init() {
	summarizeCmd.Flags().BoolVar(&summarizeJSON, "json", false, "Print the summary as JSON")
	rootCmd.AddCommand(summarizeCmd)
}

// newLLMClient creates an LLM client from config/env, or returns nil if no API key is configured.
func newLLMClient() *llm.Client {
	apiKey := viper.GetString("anthropic.api_key")
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil
	}
	return llm.NewClient(apiKey, viper.GetString("anthropic.model"))
}

func summarizeRun(ref string) error {
	client := newLLMClient()
	if client == nil {
		return fmt.Errorf("no Anthropic API key configured (set TSR_ANTHROPIC_API_KEY or ANTHROPIC_API_KEY)")
	}
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	r, err := resolveReport(ctx, s, ref)
	if err != nil {
		return err
	}

	ui.VerboseLog("Summarizing report %s with %s", r.ID, viper.GetString("anthropic.model"))
	summary, err := client.Summarize(ctx, r)
	if err != nil {
		return err
	}

	if summarizeJSON {
		enc := json.NewEncoder(ui.Out)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	}

	fmt.Fprintf(ui.Out, "%s  %s\n\n", output.DecisionColor(r.Decision), summary.Headline)
	if summary.Narrative != "" {
		fmt.Fprintf(ui.Out, "%s\n\n", summary.Narrative)
	}
	if len(summary.Risks) > 0 {
		fmt.Fprintln(ui.Out, "Risks:")
		for _, risk := range summary.Risks {
			fmt.Fprintf(ui.Out, "  %s %s\n", output.Yellow("⚠"), risk)
		}
		fmt.Fprintln(ui.Out)
	}
	if summary.Recommendation != "" {
		fmt.Fprintf(ui.Out, "Recommendation: %s\n", summary.Recommendation)
	}
	return nil
}
