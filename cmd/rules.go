package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/tsr/internal/rules"
)

var rulesDefault bool

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Print the effective go/no-go rules as YAML",
	Long: `Print the rule set used for go/no-go decisions.

The rules come from the file named by rules_file (TSR_RULES_FILE) or the
built-in defaults. The output is a valid rules file, so

  tsr rules --default > rules.yaml

gives a starting point for a custom policy.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return rulesRun()
	},
}

func init() {
	rulesCmd.Flags().BoolVar(&rulesDefault, "default", false, "Print the built-in rules, ignoring rules_file")
	rootCmd.AddCommand(rulesCmd)
}

func rulesRun() error {
	policy := rules.DefaultPolicy()
	if !rulesDefault {
		var err error
		if policy, err = loadPolicy(); err != nil {
			return err
		}
		if path := viper.GetString("rules_file"); path != "" {
			ui.VerboseLog("Rules file: %s", path)
		}
	}

	data, err := policy.YAML()
	if err != nil {
		return fmt.Errorf("encode rules: %w", err)
	}
	_, err = ui.Out.Write(data)
	return err
}
