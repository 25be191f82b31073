package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	nberrors "github.com/netbirdio/updates/client/errors"
)

// CheckOnLaunch controls whether the controller looks for a remote update when it starts
type CheckOnLaunch string

const (
	CheckAlways   CheckOnLaunch = "ALWAYS"
	CheckWifiOnly CheckOnLaunch = "WIFI_ONLY"
	CheckNever    CheckOnLaunch = "NEVER"
)

const (
	DefaultReleaseChannel       = "default"
	DefaultMaxParallelDownloads = 4
	DefaultDownloadRetries      = 2
	DefaultDownloadTimeout      = time.Minute
	DefaultCheckInterval        = 30 * time.Minute

	// EnvPrefix is the prefix of every environment variable read by Load
	EnvPrefix = "UPDATES_"
)

// Headers sent with every manifest request
const (
	HeaderReleaseChannel = "Updates-Release-Channel"
	HeaderRuntimeVersion = "Updates-Runtime-Version"
	HeaderSDKVersion     = "Updates-SDK-Version"
	HeaderPlatform       = "Updates-Platform"
)

// Config is the configuration of the update client. It is built once and passed to every component.
type Config struct {
	RemoteURL      string        `yaml:"remoteUrl" env:"REMOTE_URL"`
	ReleaseChannel string        `yaml:"releaseChannel" env:"RELEASE_CHANNEL"`
	LaunchWaitMs   int           `yaml:"launchWaitMs" env:"LAUNCH_WAIT_MS"`
	CheckOnLaunch  CheckOnLaunch `yaml:"checkOnLaunch" env:"CHECK_ON_LAUNCH"`
	SDKVersion     string        `yaml:"sdkVersion" env:"SDK_VERSION"`
	RuntimeVersion string        `yaml:"runtimeVersion" env:"RUNTIME_VERSION"`

	DataDir              string            `yaml:"dataDir" env:"DATA_DIR"`
	EmbeddedDir          string            `yaml:"embeddedDir" env:"EMBEDDED_DIR"`
	MaxParallelDownloads int               `yaml:"maxParallelDownloads" env:"MAX_PARALLEL_DOWNLOADS"`
	DownloadRetries      int               `yaml:"downloadRetries" env:"DOWNLOAD_RETRIES"`
	DownloadTimeout      time.Duration     `yaml:"downloadTimeout" env:"DOWNLOAD_TIMEOUT"`
	RetainedUpdates      int               `yaml:"retainedUpdates" env:"RETAINED_UPDATES"`
	CheckInterval        time.Duration     `yaml:"checkInterval" env:"CHECK_INTERVAL"`
	RequestHeaders       map[string]string `yaml:"requestHeaders" env:"REQUEST_HEADERS"`

	LogLevel    string `yaml:"logLevel" env:"LOG_LEVEL"`
	LogFile     string `yaml:"logFile" env:"LOG_FILE"`
	MetricsPort int    `yaml:"metricsPort" env:"METRICS_PORT"`
}

// Default returns the configuration used for every value no source sets
func Default() *Config {
	return &Config{
		ReleaseChannel:       DefaultReleaseChannel,
		CheckOnLaunch:        CheckAlways,
		DataDir:              defaultDataDir(),
		MaxParallelDownloads: DefaultMaxParallelDownloads,
		DownloadRetries:      DefaultDownloadRetries,
		DownloadTimeout:      DefaultDownloadTimeout,
		CheckInterval:        DefaultCheckInterval,
		LogLevel:             "info",
		LogFile:              "console",
		MetricsPort:          9090,
	}
}

func defaultDataDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "updates")
	}
	return "updates"
}

// Load builds the configuration from defaults, the YAML file at path and the environment,
// in that order of precedence. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, nberrors.Wrap(nberrors.InvalidConfig, err, "failed to read config file")
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, nberrors.Wrap(nberrors.InvalidConfig, err, "failed to parse config file")
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, nberrors.Wrap(nberrors.InvalidConfig, err, "failed to parse config from env")
	}

	cfg.CheckOnLaunch = CheckOnLaunch(strings.ToUpper(string(cfg.CheckOnLaunch)))
	return cfg, nil
}

// ApplyFlags overrides the configuration with the flags the user set explicitly
func (c *Config) ApplyFlags(flags *pflag.FlagSet) error {
	var err error
	flags.VisitAll(func(f *pflag.Flag) {
		if err != nil || !f.Changed {
			return
		}
		err = c.applyFlag(flags, f.Name)
	})
	if err != nil {
		return nberrors.Wrap(nberrors.InvalidConfig, err, "failed to apply flags")
	}
	return nil
}

func (c *Config) applyFlag(flags *pflag.FlagSet, name string) error {
	var err error
	switch name {
	case "remote-url":
		c.RemoteURL, err = flags.GetString(name)
	case "release-channel":
		c.ReleaseChannel, err = flags.GetString(name)
	case "runtime-version":
		c.RuntimeVersion, err = flags.GetString(name)
	case "sdk-version":
		c.SDKVersion, err = flags.GetString(name)
	case "check-on-launch":
		var v string
		v, err = flags.GetString(name)
		c.CheckOnLaunch = CheckOnLaunch(strings.ToUpper(v))
	case "launch-wait":
		var d time.Duration
		d, err = flags.GetDuration(name)
		c.LaunchWaitMs = int(d.Milliseconds())
	case "data-dir":
		c.DataDir, err = flags.GetString(name)
	case "embedded-dir":
		c.EmbeddedDir, err = flags.GetString(name)
	case "log-level":
		c.LogLevel, err = flags.GetString(name)
	case "log-file":
		c.LogFile, err = flags.GetString(name)
	case "metrics-port":
		c.MetricsPort, err = flags.GetInt(name)
	case "check-interval":
		c.CheckInterval, err = flags.GetDuration(name)
	}
	return err
}

// Validate reports every problem of the configuration at once
func (c *Config) Validate() error {
	var merr *multierror.Error

	if c.EffectiveRuntimeVersion() == "" {
		merr = multierror.Append(merr, errors.New("runtimeVersion or sdkVersion is required"))
	}

	switch c.CheckOnLaunch {
	case CheckAlways, CheckWifiOnly, CheckNever:
	default:
		merr = multierror.Append(merr, fmt.Errorf("checkOnLaunch must be one of %s, %s, %s: got %q",
			CheckAlways, CheckWifiOnly, CheckNever, c.CheckOnLaunch))
	}

	if c.CheckOnLaunch != CheckNever {
		if err := validateRemoteURL(c.RemoteURL); err != nil {
			merr = multierror.Append(merr, err)
		}
	}

	if c.LaunchWaitMs < 0 {
		merr = multierror.Append(merr, fmt.Errorf("launchWaitMs must not be negative: got %d", c.LaunchWaitMs))
	}
	if c.MaxParallelDownloads <= 0 {
		merr = multierror.Append(merr, fmt.Errorf("maxParallelDownloads must be positive: got %d", c.MaxParallelDownloads))
	}
	if c.DownloadRetries < 0 {
		merr = multierror.Append(merr, fmt.Errorf("downloadRetries must not be negative: got %d", c.DownloadRetries))
	}
	if c.DownloadTimeout < 0 {
		merr = multierror.Append(merr, fmt.Errorf("downloadTimeout must not be negative: got %s", c.DownloadTimeout))
	}
	if c.RetainedUpdates < 0 {
		merr = multierror.Append(merr, fmt.Errorf("retainedUpdates must not be negative: got %d", c.RetainedUpdates))
	}
	if c.DataDir == "" {
		merr = multierror.Append(merr, errors.New("dataDir is required"))
	}

	if err := nberrors.FormatErrorOrNil(merr); err != nil {
		return nberrors.Wrap(nberrors.InvalidConfig, err, "invalid config")
	}
	return nil
}

func validateRemoteURL(raw string) error {
	if raw == "" {
		return errors.New("remoteUrl is required unless checkOnLaunch is NEVER")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("remoteUrl is invalid: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "s3":
	default:
		return fmt.Errorf("remoteUrl has unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("remoteUrl %q has no host", raw)
	}
	return nil
}

// EffectiveRuntimeVersion returns the runtime version updates must match, falling back to the SDK version
func (c *Config) EffectiveRuntimeVersion() string {
	if c.RuntimeVersion != "" {
		return c.RuntimeVersion
	}
	return c.SDKVersion
}

// LaunchWait returns how long the controller waits for a remote update before launching
func (c *Config) LaunchWait() time.Duration {
	return time.Duration(c.LaunchWaitMs) * time.Millisecond
}

// ManifestHeaders returns the headers sent with manifest requests. Configured request headers
// take precedence over the generated ones.
func (c *Config) ManifestHeaders() map[string]string {
	headers := map[string]string{
		HeaderReleaseChannel: c.ReleaseChannel,
		HeaderPlatform:       runtime.GOOS,
	}
	if c.RuntimeVersion != "" {
		headers[HeaderRuntimeVersion] = c.RuntimeVersion
	}
	if c.SDKVersion != "" {
		headers[HeaderSDKVersion] = c.SDKVersion
	}
	for k, v := range c.RequestHeaders {
		headers[k] = v
	}
	return headers
}

// UpdatesDir is the directory asset files are stored in
func (c *Config) UpdatesDir() string {
	return filepath.Join(c.DataDir, "assets")
}
