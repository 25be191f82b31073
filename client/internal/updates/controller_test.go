package updates

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	nberrors "github.com/netbirdio/updates/client/errors"
	"github.com/netbirdio/updates/client/internal/config"
	"github.com/netbirdio/updates/client/internal/updates/database"
	"github.com/netbirdio/updates/client/internal/updates/downloader"
	"github.com/netbirdio/updates/client/internal/updates/loader"
	"github.com/netbirdio/updates/client/internal/updates/types"
)

const (
	embeddedID = "0b6f1c2d-3e4f-4a5b-8c6d-7e8f9a0b1c2d"
	remoteID   = "5e3f4a0a-2c1b-4d2e-9f3a-1b2c3d4e5f60"
)

type file struct {
	name    string
	content string
	launch  bool
}

func entries(files []file, embedded bool) []types.ManifestAsset {
	var assets []types.ManifestAsset
	for _, f := range files {
		asset := types.ManifestAsset{
			Hash:          types.HashContent([]byte(f.content)),
			Type:          filepath.Ext(f.name)[1:],
			Key:           f.name,
			IsLaunchAsset: f.launch,
		}
		if embedded {
			asset.EmbeddedPath = f.name
		} else {
			asset.URL = "assets/" + f.name
		}
		assets = append(assets, asset)
	}
	return assets
}

func writeBundle(t *testing.T, dir string, files ...file) {
	t.Helper()
	commit := int64(0)
	manifest, err := json.Marshal(types.BareManifest{
		ID:             embeddedID,
		CommitTime:     &commit,
		RuntimeVersion: "1.0.0",
		Assets:         entries(files, true),
	})
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, loader.EmbeddedManifestName), manifest, 0o644))
	for _, f := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, f.name), []byte(f.content), 0o644))
	}
}

// updateServer serves one remote update, or 404 for everything when files is empty
type updateServer struct {
	*httptest.Server
	manifestRequests atomic.Int32
}

func newUpdateServer(t *testing.T, commit int64, files ...file) *updateServer {
	t.Helper()
	srv := &updateServer{}

	var manifest []byte
	if len(files) > 0 {
		var err error
		manifest, err = json.Marshal(types.BareManifest{
			ID:             remoteID,
			CommitTime:     &commit,
			RuntimeVersion: "1.0.0",
			Assets:         entries(files, false),
		})
		require.NoError(t, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/manifest", func(w http.ResponseWriter, r *http.Request) {
		srv.manifestRequests.Add(1)
		if manifest == nil {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(manifest)
	})
	for _, f := range files {
		content := f.content
		mux.HandleFunc("/assets/"+f.name, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(content))
		})
	}

	srv.Server = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type recordingDelegate struct {
	finished chan *types.Update
	failed   chan error
}

func newRecordingDelegate() *recordingDelegate {
	return &recordingDelegate{
		finished: make(chan *types.Update, 4),
		failed:   make(chan error, 4),
	}
}

func (d *recordingDelegate) ShouldStartLoading(*types.Update) bool { return true }
func (d *recordingDelegate) FinishedLoading(update *types.Update)  { d.finished <- update }
func (d *recordingDelegate) FailedLoading(err error)               { d.failed <- err }

func testConfig(t *testing.T, remoteURL string, mode config.CheckOnLaunch) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.EmbeddedDir = filepath.Join(cfg.DataDir, "embedded")
	cfg.RuntimeVersion = "1.0.0"
	cfg.RemoteURL = remoteURL
	cfg.CheckOnLaunch = mode
	cfg.LaunchWaitMs = 10000
	return cfg
}

func newController(t *testing.T, cfg *config.Config, opts ...Option) *Controller {
	t.Helper()
	fetcher := downloader.NewHTTPFetcher(downloader.WithRetries(0, 0))
	c := NewController(cfg, database.NewSqliteStore(cfg.DataDir, nil), fetcher, nil, opts...)
	t.Cleanup(func() {
		_ = c.Stop()
	})
	return c
}

func TestController_StartWithEmbeddedUpdate(t *testing.T) {
	cfg := testConfig(t, "", config.CheckNever)
	writeBundle(t, cfg.EmbeddedDir, file{name: "app.js", content: "v0", launch: true})

	descriptor, err := newController(t, cfg).Start(context.Background())
	require.NoError(t, err)
	assert.False(t, descriptor.Emergency)
	assert.Equal(t, embeddedID, descriptor.LaunchedUpdate.ID)
	assert.Equal(t, types.StatusLaunchable, descriptor.LaunchedUpdate.Status)
}

func TestController_StartWaitsForNewerUpdate(t *testing.T) {
	srv := newUpdateServer(t, 10,
		file{name: "app.js", content: "v1", launch: true},
		file{name: "logo.png", content: "png"},
	)
	cfg := testConfig(t, srv.URL+"/manifest", config.CheckAlways)
	writeBundle(t, cfg.EmbeddedDir,
		file{name: "app.js", content: "v0", launch: true},
		file{name: "logo.png", content: "png"},
	)
	delegate := newRecordingDelegate()

	controller := newController(t, cfg, WithDelegate(delegate))
	descriptor, err := controller.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, remoteID, descriptor.LaunchedUpdate.ID)

	select {
	case update := <-delegate.finished:
		require.NotNil(t, update)
		assert.Equal(t, remoteID, update.ID)
	case err := <-delegate.failed:
		t.Fatalf("unexpected load failure: %v", err)
	}

	updates, err := controller.Store().AllUpdates(context.Background())
	require.NoError(t, err)
	require.Len(t, updates, 1, "the embedded update should be collected after the newer launch")
}

func TestController_StartFallsBackWhenRemoteFails(t *testing.T) {
	srv := newUpdateServer(t, 0)
	cfg := testConfig(t, srv.URL+"/manifest", config.CheckAlways)
	writeBundle(t, cfg.EmbeddedDir, file{name: "app.js", content: "v0", launch: true})
	delegate := newRecordingDelegate()

	descriptor, err := newController(t, cfg, WithDelegate(delegate)).Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, embeddedID, descriptor.LaunchedUpdate.ID)

	select {
	case err := <-delegate.failed:
		assert.True(t, nberrors.IsType(err, nberrors.NetworkError))
	case <-time.After(5 * time.Second):
		t.Fatal("delegate was not told about the failure")
	}
}

func TestController_WifiOnly(t *testing.T) {
	srv := newUpdateServer(t, 10, file{name: "app.js", content: "v1", launch: true})
	cfg := testConfig(t, srv.URL+"/manifest", config.CheckWifiOnly)
	writeBundle(t, cfg.EmbeddedDir, file{name: "app.js", content: "v0", launch: true})

	descriptor, err := newController(t, cfg, WithWifiCheck(func() bool { return false })).Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, embeddedID, descriptor.LaunchedUpdate.ID)
	assert.Equal(t, int32(0), srv.manifestRequests.Load())

	cfg2 := testConfig(t, srv.URL+"/manifest", config.CheckWifiOnly)
	writeBundle(t, cfg2.EmbeddedDir, file{name: "app.js", content: "v0", launch: true})
	descriptor, err = newController(t, cfg2, WithWifiCheck(func() bool { return true })).Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, remoteID, descriptor.LaunchedUpdate.ID)
}

func TestController_EmergencyWithoutUpdates(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, "", config.CheckNever)
	cfg.EmbeddedDir = ""

	_, err := newController(t, cfg).Start(ctx)
	require.Error(t, err)
	assert.True(t, nberrors.IsType(err, nberrors.NoLaunchableUpdate))

	next := newController(t, cfg)
	token, err := next.ConsumeError(ctx)
	require.NoError(t, err)
	require.NotNil(t, token, "the next start should see the fatal error")
	assert.Contains(t, token.Error, "no launchable update")

	token, err = next.ConsumeError(ctx)
	require.NoError(t, err)
	assert.Nil(t, token)
}

func TestController_RollbackAfterFatalError(t *testing.T) {
	ctx := context.Background()
	srv := newUpdateServer(t, 10, file{name: "app.js", content: "v1", launch: true})
	cfg := testConfig(t, srv.URL+"/manifest", config.CheckAlways)
	cfg.RetainedUpdates = 1
	writeBundle(t, cfg.EmbeddedDir, file{name: "app.js", content: "v0", launch: true})

	controller := newController(t, cfg)
	descriptor, err := controller.Start(ctx)
	require.NoError(t, err)
	require.Equal(t, remoteID, descriptor.LaunchedUpdate.ID)

	descriptor, err = controller.ReportFatalError(ctx, errors.New("crashed on start"))
	require.NoError(t, err)
	assert.False(t, descriptor.Emergency)
	assert.Equal(t, embeddedID, descriptor.LaunchedUpdate.ID, "the retained predecessor should be launched")

	_, err = controller.Store().UpdateByID(ctx, remoteID)
	assert.True(t, nberrors.IsType(err, nberrors.NotFound), "the failed update should be collected")

	descriptor, err = controller.ReportFatalError(ctx, errors.New("crashed again"))
	require.NoError(t, err)
	assert.True(t, descriptor.Emergency, "the embedded bundle is the last resort")
}

func TestController_WatchFatalErrors(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srv := newUpdateServer(t, 10, file{name: "app.js", content: "v1", launch: true})
	cfg := testConfig(t, srv.URL+"/manifest", config.CheckAlways)
	cfg.RetainedUpdates = 1
	writeBundle(t, cfg.EmbeddedDir, file{name: "app.js", content: "v0", launch: true})

	controller := newController(t, cfg)
	descriptor, err := controller.Start(ctx)
	require.NoError(t, err)
	require.Equal(t, remoteID, descriptor.LaunchedUpdate.ID)

	watchCtx, stopWatch := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- controller.WatchFatalErrors(watchCtx)
	}()

	require.NoError(t, controller.RecordFatalError(ctx, remoteID, errors.New("crashed")))

	require.Eventually(t, func() bool {
		launched := controller.Launched()
		return launched != nil && launched.LaunchedUpdate.ID == embeddedID
	}, 5*time.Second, 20*time.Millisecond)

	stopWatch()
	assert.NoError(t, <-done)
}

func TestController_WatchKeepsEmergencyToken(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, "", config.CheckNever)
	// the bundle targets runtime 1.0.0, nothing in the store is launchable on 2.0.0
	cfg.RuntimeVersion = "2.0.0"
	writeBundle(t, cfg.EmbeddedDir, file{name: "app.js", content: "v0", launch: true})

	controller := newController(t, cfg)
	descriptor, err := controller.Start(ctx)
	require.NoError(t, err)
	require.True(t, descriptor.Emergency)

	watchCtx, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()
	require.NoError(t, controller.WatchFatalErrors(watchCtx))
	assert.True(t, controller.Launched().Emergency)

	token, err := newController(t, cfg).ConsumeError(ctx)
	require.NoError(t, err)
	require.NotNil(t, token, "the next start should see why the emergency launch happened")
	assert.Contains(t, token.Error, "no launchable update")
}

func TestController_ShortLivedSkipsUnawaitedCheck(t *testing.T) {
	srv := newUpdateServer(t, 10, file{name: "app.js", content: "v1", launch: true})
	cfg := testConfig(t, srv.URL+"/manifest", config.CheckAlways)
	cfg.LaunchWaitMs = 0
	writeBundle(t, cfg.EmbeddedDir, file{name: "app.js", content: "v0", launch: true})

	controller := newController(t, cfg, WithShortLived())
	descriptor, err := controller.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, embeddedID, descriptor.LaunchedUpdate.ID)
	require.NoError(t, controller.Stop())
	assert.Equal(t, int32(0), srv.manifestRequests.Load())

	cfg = testConfig(t, srv.URL+"/manifest", config.CheckAlways)
	writeBundle(t, cfg.EmbeddedDir, file{name: "app.js", content: "v0", launch: true})
	descriptor, err = newController(t, cfg, WithShortLived()).Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, remoteID, descriptor.LaunchedUpdate.ID, "a check Start waits for still runs")
}
