package cmd

import (
	"github.com/spf13/cobra"

	"github.com/stratusops/iamsync/internal/exec"
	"github.com/stratusops/iamsync/pkg/provider/awsiam"
)

var (
	importAccounts    []string
	importTemplates   []string
	importKeepScratch bool
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Discover live resources and write deduplicated templates",
	Long: `Import lists and reads every managed resource in every configured account,
groups identical attribute values across accounts, and writes access-scoped
YAML templates. Existing templates keep their file locations and any
user-authored expirations. Orphaned templates are pruned unless the run is
scoped with --account or --template.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return exec.ExecuteImport(cmd.Context(), &exec.ImportOptions{
			Config:      cfg,
			Factory:     awsiam.NewFactory(cfg.IdentityCenter),
			Accounts:    importAccounts,
			Templates:   importTemplates,
			KeepScratch: importKeepScratch,
		})
	},
}

func init() {
	importCmd.PersistentFlags().StringSliceVar(&importAccounts, "account", nil, "Limit the import to these account ids or names")
	importCmd.PersistentFlags().StringSliceVar(&importTemplates, "template", nil, "Limit the import to identifiers matching these glob patterns")
	importCmd.PersistentFlags().BoolVar(&importKeepScratch, "keep-scratch", false, "Keep raw snapshots on disk after the run")
	RootCmd.AddCommand(importCmd)
}
