package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netbirdio/updates/client/internal/updates/loader"
	"github.com/netbirdio/updates/client/internal/updates/types"
)

const embeddedID = "0b6f1c2d-3e4f-4a5b-8c6d-7e8f9a0b1c2d"

func writeBundle(t *testing.T, dir string) {
	t.Helper()
	commit := int64(1700000000000)
	manifest, err := json.Marshal(types.BareManifest{
		ID:         embeddedID,
		CommitTime: &commit,
		Assets: []types.ManifestAsset{{
			Hash:          types.HashContent([]byte("v0")),
			Type:          "js",
			Key:           "app.js",
			EmbeddedPath:  "app.js",
			IsLaunchAsset: true,
		}},
	})
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, loader.EmbeddedManifestName), manifest, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.js"), []byte("v0"), 0o644))
}

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	require.NoError(t, rootCmd.Execute(), out.String())
	return out.String()
}

func TestLaunchAndStatus(t *testing.T) {
	dataDir := t.TempDir()
	embeddedDir := filepath.Join(dataDir, "embedded")
	writeBundle(t, embeddedDir)

	common := []string{
		"--data-dir", dataDir,
		"--embedded-dir", embeddedDir,
		"--runtime-version", "1.0.0",
		"--check-on-launch", "never",
		"--log-level", "error",
	}

	out := execute(t, append([]string{"launch"}, common...)...)
	var launched launchOutput
	require.NoError(t, json.Unmarshal([]byte(out), &launched), out)
	assert.Equal(t, embeddedID, launched.UpdateID)
	assert.False(t, launched.Emergency)
	assert.Contains(t, launched.LaunchAssetURL, "file://")
	assert.Nil(t, launched.PreviousError)

	out = execute(t, append([]string{"status"}, common...)...)
	assert.Contains(t, out, embeddedID)
	assert.Contains(t, out, "1 updates: 1 launchable")
}

func TestVersion(t *testing.T) {
	assert.Equal(t, "development\n", execute(t, "version"))
}
