package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/thruflo/comsync/internal/relay"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version and relay protocol",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "comsync version %s (relay protocol %s)\n", Version, relay.Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
