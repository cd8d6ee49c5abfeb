package cmd

import (
	"github.com/spf13/cobra"

	"github.com/stratusops/iamsync/internal/exec"
)

var discoverRegion string

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "List the AWS Organization's accounts as configuration entries",
	Long: `Discover lists the active accounts of the caller's AWS Organization and
prints them as YAML ready to paste under the accounts key of iamsync.yaml.
Requires organizations read access on the management account.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return exec.ExecuteDiscover(cmd.Context(), discoverRegion)
	},
}

func init() {
	discoverCmd.PersistentFlags().StringVar(&discoverRegion, "region", "", "Region to use for discovered accounts")
	RootCmd.AddCommand(discoverCmd)
}
