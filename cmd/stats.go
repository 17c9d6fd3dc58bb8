package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/joescharf/tsr/internal/models"
	"github.com/joescharf/tsr/internal/output"
	"github.com/joescharf/tsr/internal/store"
)

var statsJSON bool

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show decision counts and go rate per environment",
	RunE: func(cmd *cobra.Command, args []string) error {
		return statsRun(context.Background())
	},
}

func init() {
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "Print stats as JSON")
	rootCmd.AddCommand(statsCmd)
}

func statsRun(ctx context.Context) error {
	s, err := getStore()
	if err != nil {
		return err
	}

	// Overall first, then each environment.
	all := make([]store.Stats, 0, len(models.Environments)+1)
	for _, env := range append([]models.Environment{""}, models.Environments...) {
		st, err := store.ComputeStats(ctx, s, env)
		if err != nil {
			return err
		}
		all = append(all, st)
	}

	if statsJSON {
		enc := json.NewEncoder(ui.Out)
		enc.SetIndent("", "  ")
		return enc.Encode(all)
	}

	if all[0].Total == 0 {
		ui.Info("No reports stored yet.")
		return nil
	}

	table := ui.Table([]string{"Environment", "Total", "Go", "No-Go", "Pending", "Go Rate"})
	for _, st := range all {
		if st.Total == 0 && st.Environment != "" {
			continue
		}
		env := string(st.Environment)
		if env == "" {
			env = "all"
		}
		table.Append([]string{
			output.Cyan(env),
			strconv.Itoa(st.Total),
			output.Green(strconv.Itoa(st.Go)),
			output.Red(strconv.Itoa(st.NoGo)),
			output.Yellow(strconv.Itoa(st.PendingReview)),
			fmt.Sprintf("%.1f%%", st.GoRate*100),
		})
	}
	table.Render()
	return nil
}
