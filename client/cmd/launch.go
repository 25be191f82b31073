package cmd

import (
	"encoding/json"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/netbirdio/updates/client/internal/updates"
	"github.com/netbirdio/updates/client/internal/updates/launcher"
)

var launchCmd = &cobra.Command{
	Use:   "launch",
	Short: "selects the update to run and prints its launch descriptor",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		ctx := cmd.Context()
		// the process exits after printing, a check that Start does not wait for is never finished
		controller := newController(ctx, cfg, nil, updates.WithShortLived())
		defer func() {
			if err := controller.Stop(); err != nil {
				log.Warnf("failed to stop: %v", err)
			}
		}()

		previous, err := controller.ConsumeError(ctx)
		if err != nil {
			log.Warnf("failed to read the previous fatal error: %v", err)
		}

		descriptor, err := controller.Start(ctx)
		if err != nil {
			return err
		}
		return printJSON(cmd, newLaunchOutput(descriptor, previous))
	},
}

type launchOutput struct {
	UpdateID       string               `json:"updateId"`
	CommitTime     time.Time            `json:"commitTime"`
	Emergency      bool                 `json:"emergency"`
	LaunchAssetURL string               `json:"launchAssetUrl"`
	AssetFiles     map[string]string    `json:"assetFiles"`
	PreviousError  *launcher.FatalError `json:"previousError,omitempty"`
}

func newLaunchOutput(descriptor *launcher.LaunchDescriptor, previous *launcher.FatalError) launchOutput {
	return launchOutput{
		UpdateID:       descriptor.LaunchedUpdate.ID,
		CommitTime:     descriptor.LaunchedUpdate.CommitTime,
		Emergency:      descriptor.Emergency,
		LaunchAssetURL: descriptor.LaunchAssetURL,
		AssetFiles:     descriptor.AssetFilesMap,
		PreviousError:  previous,
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	cmd.Println(string(out))
	return nil
}
