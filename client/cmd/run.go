package cmd

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/netbirdio/updates/client/internal/config"
	"github.com/netbirdio/updates/client/internal/updates"
	"github.com/netbirdio/updates/client/internal/updates/telemetry"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "launches the best update, then keeps checking for updates and rolls back reported failures",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		SetupCloseHandler(ctx, cancel)

		appMetrics, err := telemetry.NewDefaultAppMetrics(ctx)
		if err != nil {
			return err
		}
		defer func() {
			if err := appMetrics.Close(); err != nil {
				log.Warnf("failed to close metrics: %v", err)
			}
		}()
		if cfg.MetricsPort > 0 {
			if err := appMetrics.Expose(ctx, cfg.MetricsPort, ""); err != nil {
				return err
			}
		}

		controller := newController(ctx, cfg, appMetrics)
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
		if err := printJSON(cmd, newLaunchOutput(descriptor, previous)); err != nil {
			return err
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return controller.WatchFatalErrors(gctx)
		})
		g.Go(func() error {
			checkLoop(gctx, controller, cfg)
			return nil
		})
		return g.Wait()
	},
}

func init() {
	defaults := config.Default()
	runCmd.Flags().Int("metrics-port", defaults.MetricsPort, "port of the prometheus endpoint, 0 disables it")
	runCmd.Flags().Duration("check-interval", defaults.CheckInterval, "interval between update checks")
}

// checkLoop looks for a newer remote update every cfg.CheckInterval until ctx is done.
// A loaded update is launched on the next start.
func checkLoop(ctx context.Context, controller *updates.Controller, cfg *config.Config) {
	if cfg.RemoteURL == "" || cfg.CheckInterval <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res := controller.CheckForUpdate(ctx)
			switch {
			case res.Err != nil:
				log.Warnf("update check failed: %v", res.Err)
			case res.Loaded():
				log.Infof("update %s is ready and will be launched on the next start", res.Update.ID)
			default:
				log.Debugf("no newer update available")
			}
		}
	}
}
