package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	nberrors "github.com/netbirdio/updates/client/errors"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultReleaseChannel, cfg.ReleaseChannel)
	assert.Equal(t, CheckAlways, cfg.CheckOnLaunch)
	assert.Equal(t, DefaultMaxParallelDownloads, cfg.MaxParallelDownloads)
	assert.Equal(t, DefaultDownloadRetries, cfg.DownloadRetries)
	assert.Equal(t, DefaultDownloadTimeout, cfg.DownloadTimeout)
	assert.Equal(t, DefaultCheckInterval, cfg.CheckInterval)
	assert.Equal(t, 0, cfg.RetainedUpdates)
	assert.NotEmpty(t, cfg.DataDir)
}

func TestLoad_Precedence(t *testing.T) {
	path := writeConfig(t, `
remoteUrl: https://updates.example.com/manifest
releaseChannel: beta
launchWaitMs: 500
checkOnLaunch: wifi_only
runtimeVersion: 1.0.0
checkInterval: 5m
requestHeaders:
  Authorization: Bearer token
`)
	t.Setenv("UPDATES_RELEASE_CHANNEL", "staging")
	t.Setenv("UPDATES_RETAINED_UPDATES", "2")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://updates.example.com/manifest", cfg.RemoteURL)
	assert.Equal(t, "staging", cfg.ReleaseChannel, "environment should override the file")
	assert.Equal(t, 500, cfg.LaunchWaitMs)
	assert.Equal(t, 500*time.Millisecond, cfg.LaunchWait())
	assert.Equal(t, CheckWifiOnly, cfg.CheckOnLaunch)
	assert.Equal(t, 2, cfg.RetainedUpdates)
	assert.Equal(t, 5*time.Minute, cfg.CheckInterval)
	assert.Equal(t, "Bearer token", cfg.RequestHeaders["Authorization"])
	assert.Equal(t, DefaultMaxParallelDownloads, cfg.MaxParallelDownloads, "unset values keep their default")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("release-channel", "", "")
	flags.String("data-dir", "", "")
	flags.Duration("launch-wait", 0, "")
	require.NoError(t, flags.Parse([]string{"--release-channel=canary", "--launch-wait=2s"}))

	require.NoError(t, cfg.ApplyFlags(flags))
	assert.Equal(t, "canary", cfg.ReleaseChannel, "flags should override the environment")
	assert.Equal(t, 2000, cfg.LaunchWaitMs)
	assert.NotEmpty(t, cfg.DataDir, "flags that were not set must not override")
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.True(t, nberrors.IsType(err, nberrors.InvalidConfig))

	_, err = Load(writeConfig(t, "remoteUrl: [unterminated"))
	require.Error(t, err)
	assert.True(t, nberrors.IsType(err, nberrors.InvalidConfig))
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.RemoteURL = "https://updates.example.com/manifest"
		cfg.RuntimeVersion = "1.0.0"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "sdk version only", mutate: func(c *Config) { c.RuntimeVersion = ""; c.SDKVersion = "50.0.0" }},
		{name: "no remote url when checks are disabled", mutate: func(c *Config) { c.RemoteURL = ""; c.CheckOnLaunch = CheckNever }},
		{name: "s3 remote url", mutate: func(c *Config) { c.RemoteURL = "s3://bucket/manifest.json" }},
		{name: "no runtime version", mutate: func(c *Config) { c.RuntimeVersion = "" }, wantErr: "runtimeVersion or sdkVersion"},
		{name: "missing remote url", mutate: func(c *Config) { c.RemoteURL = "" }, wantErr: "remoteUrl is required"},
		{name: "unsupported scheme", mutate: func(c *Config) { c.RemoteURL = "ftp://example.com/m" }, wantErr: "unsupported scheme"},
		{name: "bad check mode", mutate: func(c *Config) { c.CheckOnLaunch = "SOMETIMES" }, wantErr: "checkOnLaunch"},
		{name: "negative wait", mutate: func(c *Config) { c.LaunchWaitMs = -1 }, wantErr: "launchWaitMs"},
		{name: "negative download timeout", mutate: func(c *Config) { c.DownloadTimeout = -time.Second }, wantErr: "downloadTimeout"},
		{name: "no parallelism", mutate: func(c *Config) { c.MaxParallelDownloads = 0 }, wantErr: "maxParallelDownloads"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, nberrors.IsType(err, nberrors.InvalidConfig))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.LaunchWaitMs = -5
	cfg.RetainedUpdates = -1

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"runtimeVersion", "remoteUrl", "launchWaitMs", "retainedUpdates"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestManifestHeaders(t *testing.T) {
	cfg := Default()
	cfg.RuntimeVersion = "1.0.0"
	cfg.RequestHeaders = map[string]string{"Authorization": "Bearer token", HeaderPlatform: "custom"}

	headers := cfg.ManifestHeaders()
	assert.Equal(t, DefaultReleaseChannel, headers[HeaderReleaseChannel])
	assert.Equal(t, "1.0.0", headers[HeaderRuntimeVersion])
	assert.NotContains(t, headers, HeaderSDKVersion)
	assert.Equal(t, "Bearer token", headers["Authorization"])
	assert.Equal(t, "custom", headers[HeaderPlatform], "configured headers take precedence")

	cfg.RequestHeaders = nil
	assert.Equal(t, runtime.GOOS, cfg.ManifestHeaders()[HeaderPlatform])
}
