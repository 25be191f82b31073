package cmd

import (
	"errors"
	"strings"

	"github.com/spf13/cobra"

	"github.com/netbirdio/updates/client/internal/updates/launcher"
)

var reportUpdateID string

var reportErrorCmd = &cobra.Command{
	Use:   "report-error <message>",
	Short: "records a fatal error of the running update so it is rolled back",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		emergency := launcher.NewEmergencyLauncher(cfg.DataDir, cfg.EmbeddedDir, cfg.EffectiveRuntimeVersion(), nil)
		return emergency.RecordFatalError(cmd.Context(), reportUpdateID, errors.New(strings.Join(args, " ")))
	},
}

func init() {
	reportErrorCmd.Flags().StringVar(&reportUpdateID, "update-id", "", "id of the update that failed")
}
