package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/tsr/internal/api"
	"github.com/joescharf/tsr/internal/metrics"
	"github.com/joescharf/tsr/internal/models"
	"github.com/joescharf/tsr/internal/output"
)

var (
	gateJSON     bool
	approveBy    string
	approveNotes string
)

// exitCodeError ends the process with a specific status code. Gating
// commands return it to fail CI jobs after printing their own output.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

var gateCmd = &cobra.Command{
	Use:   "gate [id|latest]",
	Short: "CI gate: exit 0 only when the report's decision is GO",
	Long: `Print the go/no-go decision for a report and set the exit status:

  0  GO
  1  NO-GO or PENDING REVIEW`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref := "latest"
		if len(args) == 1 {
			ref = args[0]
		}
		return gateRun(ref)
	},
}

var approveCmd = &cobra.Command{
	Use:   "approve <id>",
	Short: "Manually approve a report awaiting review",
	Long: `Record a manual approval. A PENDING REVIEW report becomes GO.
Reports with blocking issues cannot be approved.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return approveRun(args[0])
	},
}

func init() {
	gateCmd.Flags().BoolVar(&gateJSON, "json", false, "Print the decision as JSON")
	approveCmd.Flags().StringVar(&approveBy, "by", "", "Name of the approver (required)")
	approveCmd.Flags().StringVar(&approveNotes, "notes", "", "Approval notes")
	_ = approveCmd.MarkFlagRequired("by")

	rootCmd.AddCommand(gateCmd)
	rootCmd.AddCommand(approveCmd)
}

func gateRun(ref string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	r, err := resolveReport(context.Background(), s, ref)
	if err != nil {
		return err
	}

	if gateJSON {
		enc := json.NewEncoder(ui.Out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(api.NewGoNoGoResponse(r)); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(ui.Out, "Report:   %s\n", output.Cyan(r.ID))
		printDecision(r)
		printIssues(r)
	}

	if r.Decision != models.DecisionGo {
		return &exitCodeError{code: 1}
	}
	return nil
}

func approveRun(ref string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	engine, err := newEngine()
	if err != nil {
		return err
	}
	ctx := context.Background()

	r, err := resolveReport(ctx, s, ref)
	if err != nil {
		return err
	}

	if err := engine.Approve(r, approveBy, approveNotes, time.Now()); err != nil {
		metrics.ObserveApproval(metrics.ApprovalRejected)
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would approve report %s as %s", r.ID, output.DecisionLabel(r.Decision))
		return nil
	}

	if _, err := s.SaveReport(ctx, r); err != nil {
		return fmt.Errorf("save report: %w", err)
	}
	metrics.ObserveApproval(metrics.ApprovalAccepted)
	ui.Success("Approved report %s: %s", output.Cyan(r.ID), output.DecisionColor(r.Decision))
	ui.VerboseLog("%s", r.DecisionReason)
	return nil
}
