package main

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/iota-uz/approvalgate/modules/approvals/services"
	"github.com/iota-uz/approvalgate/pkg/composables"
)

func newPoliciesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policies",
		Short: "Manage approval policies",
	}
	cmd.AddCommand(newPoliciesImportCmd())
	cmd.AddCommand(newPoliciesListCmd())
	return cmd
}

func orgActor(orgID, actorID string) (composables.Actor, error) {
	org, err := uuid.Parse(orgID)
	if err != nil {
		return composables.Actor{}, fmt.Errorf("invalid --org: %w", err)
	}
	actor := composables.Actor{OrganizationID: org}
	if actorID != "" {
		if actor.UserID, err = uuid.Parse(actorID); err != nil {
			return composables.Actor{}, fmt.Errorf("invalid --actor: %w", err)
		}
	}
	return actor, nil
}

func newPoliciesImportCmd() *cobra.Command {
	var orgID, actorID string

	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Create or update policies from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := orgActor(orgID, actorID)
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			inputs, err := services.ParsePolicyFile(f)
			if err != nil {
				return err
			}

			e, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			svc := e.app.Service(services.PolicyService{}).(*services.PolicyService)
			report, err := svc.Import(e.Context(cmd.Context()), actor, inputs)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().StringVar(&orgID, "org", "", "organization id (uuid)")
	cmd.Flags().StringVar(&actorID, "actor", "", "user id recorded as creator (uuid)")
	_ = cmd.MarkFlagRequired("org")
	return cmd
}

func newPoliciesListCmd() *cobra.Command {
	var orgID string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print the organization's policies as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			actor, err := orgActor(orgID, "")
			if err != nil {
				return err
			}
			e, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			svc := e.app.Service(services.PolicyService{}).(*services.PolicyService)
			items, err := svc.List(e.Context(cmd.Context()), actor)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), items)
		},
	}
	cmd.Flags().StringVar(&orgID, "org", "", "organization id (uuid)")
	_ = cmd.MarkFlagRequired("org")
	return cmd
}
