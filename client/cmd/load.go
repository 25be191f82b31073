package cmd

import (
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var loadCmd = &cobra.Command{
	Use:   "load [manifest-url]",
	Short: "downloads the remote update when it is newer than the stored ones",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if len(args) == 1 {
			cfg.RemoteURL = args[0]
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		ctx := cmd.Context()
		controller := newController(ctx, cfg, nil)
		defer func() {
			if err := controller.Stop(); err != nil {
				log.Warnf("failed to stop: %v", err)
			}
		}()

		if err := controller.Store().Open(ctx); err != nil {
			return err
		}

		res := controller.CheckForUpdate(ctx)
		if res.Err != nil {
			return res.Err
		}
		if !res.Loaded() {
			cmd.Println("no newer update available")
			return nil
		}
		cmd.Printf("update %s committed at %s is %s\n", res.Update.ID, res.Update.CommitTime, res.Update.Status)
		return nil
	},
}
