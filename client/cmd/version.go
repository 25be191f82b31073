package cmd

import (
	"github.com/spf13/cobra"

	"github.com/netbirdio/updates/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "prints the updates client version",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Println(version.Version())
	},
}
