package cmd

import (
	"github.com/spf13/cobra"

	"github.com/stratusops/iamsync/internal/exec"
	"github.com/stratusops/iamsync/pkg/converge"
	"github.com/stratusops/iamsync/pkg/provider/awsiam"
)

var (
	convergeAccounts  []string
	convergeTemplates []string
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Converge live resources onto the templates",
	Long: `Apply renders every template per account and performs the changes needed to
make live state match: creating missing resources, updating drifted
attributes, and deleting resources whose templates are marked deleted or have
expired. Read-only accounts are planned, never mutated.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runConverge(cmd, converge.ModeExecute)
	},
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show the changes apply would make, without making them",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runConverge(cmd, converge.ModePlan)
	},
}

func runConverge(cmd *cobra.Command, mode converge.Mode) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	return exec.ExecuteApply(cmd.Context(), &exec.ApplyOptions{
		Config:    cfg,
		Factory:   awsiam.NewFactory(cfg.IdentityCenter),
		Mode:      mode,
		Accounts:  convergeAccounts,
		Templates: convergeTemplates,
	})
}

func init() {
	for _, c := range []*cobra.Command{applyCmd, planCmd} {
		c.PersistentFlags().StringSliceVar(&convergeAccounts, "account", nil, "Limit the run to these account ids or names")
		c.PersistentFlags().StringSliceVar(&convergeTemplates, "template", nil, "Limit the run to identifiers matching these glob patterns")
		RootCmd.AddCommand(c)
	}
}
