package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/iota-uz/approvalgate/modules/approvals/services"
)

type sweepOutput struct {
	Command    string               `json:"command"`
	DurationMS int64                `json:"duration_ms"`
	Result     services.SweepReport `json:"result"`
}

func newSweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run a change request maintenance sweep once",
	}
	cmd.AddCommand(
		sweepSubcommand("expire", "Expire pending requests past their deadline", (*services.MaintenanceService).ExpireOld),
		sweepSubcommand("validate", "Re-validate pending requests against live state", (*services.MaintenanceService).ValidatePending),
	)
	return cmd
}

func sweepSubcommand(
	use, short string,
	run func(*services.MaintenanceService, context.Context) (services.SweepReport, error),
) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			svc := e.app.Service(services.MaintenanceService{}).(*services.MaintenanceService)
			start := time.Now()
			report, err := run(svc, e.Context(cmd.Context()))
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), sweepOutput{
				Command:    "sweep " + use,
				DurationMS: time.Since(start).Milliseconds(),
				Result:     report,
			})
		},
	}
}
