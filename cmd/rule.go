package cmd

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jonesrussell/north-cloud/deal-automation/internal/app"
)

func runRuleCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run-rule <id>",
		Short: "Evaluate one rule immediately and publish its matches",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ruleID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || ruleID <= 0 {
				return fmt.Errorf("invalid rule id %q", args[0])
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			a, err := app.New(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.Service.RunNow(cmd.Context(), ruleID)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}
}
