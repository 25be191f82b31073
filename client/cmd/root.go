package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/netbirdio/updates/client/internal/config"
	"github.com/netbirdio/updates/client/internal/updates"
	"github.com/netbirdio/updates/client/internal/updates/database"
	"github.com/netbirdio/updates/client/internal/updates/telemetry"
	"github.com/netbirdio/updates/util"
)

const (
	remoteURLFlag      = "remote-url"
	releaseChannelFlag = "release-channel"
	runtimeVersionFlag = "runtime-version"
	sdkVersionFlag     = "sdk-version"
	checkOnLaunchFlag  = "check-on-launch"
	launchWaitFlag     = "launch-wait"
	dataDirFlag        = "data-dir"
	embeddedDirFlag    = "embedded-dir"
	logLevelFlag       = "log-level"
	logFileFlag        = "log-file"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:          "updates",
		Short:        "Downloads, stores and launches over-the-air application updates",
		SilenceUsage: true,
	}
)

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	defaults := config.Default()

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file location")
	rootCmd.PersistentFlags().StringP(logLevelFlag, "l", defaults.LogLevel, "sets log level")
	rootCmd.PersistentFlags().String(logFileFlag, defaults.LogFile, "sets log path. If console is specified the log will be output to stdout")
	rootCmd.PersistentFlags().String(dataDirFlag, defaults.DataDir, "directory holding the update database and asset files")
	rootCmd.PersistentFlags().String(embeddedDirFlag, "", "directory of the bundle shipped with the application")
	rootCmd.PersistentFlags().String(remoteURLFlag, "", "manifest URL [http|https|s3]://[host]/[path]")
	rootCmd.PersistentFlags().String(releaseChannelFlag, defaults.ReleaseChannel, "release channel sent with manifest requests")
	rootCmd.PersistentFlags().String(runtimeVersionFlag, "", "runtime version updates must be built for")
	rootCmd.PersistentFlags().String(sdkVersionFlag, "", "SDK version used when no runtime version is set")
	rootCmd.PersistentFlags().String(checkOnLaunchFlag, string(defaults.CheckOnLaunch), "check for updates on launch: ALWAYS, WIFI_ONLY or NEVER")
	rootCmd.PersistentFlags().Duration(launchWaitFlag, 0, "how long a launch waits for the update check")

	rootCmd.AddCommand(launchCmd)
	rootCmd.AddCommand(loadCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(reportErrorCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig builds the configuration from the config file, the environment and the flags of cmd
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	util.SetFlagsFromEnvVars(rootCmd, config.EnvPrefix)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyFlags(cmd.Flags()); err != nil {
		return nil, err
	}

	if err := util.InitLog(cfg.LogLevel, cfg.LogFile); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newController builds a controller for cfg. metrics may be nil.
func newController(ctx context.Context, cfg *config.Config, metrics *telemetry.AppMetrics, opts ...updates.Option) *updates.Controller {
	store := database.NewSqliteStore(cfg.DataDir, metrics.StoreMetrics())
	return updates.NewController(cfg, store, updates.NewFetcher(ctx, cfg), metrics.UpdatesMetrics(), opts...)
}

// SetupCloseHandler handles SIGTERM signal and exits with success
func SetupCloseHandler(ctx context.Context, cancel context.CancelFunc) {
	termCh := make(chan os.Signal, 1)
	signal.Notify(termCh, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		done := ctx.Done()
		select {
		case <-done:
		case <-termCh:
		}

		log.Info("shutdown signal received")
		cancel()
	}()
}
