package launcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	nberrors "github.com/netbirdio/updates/client/errors"
	"github.com/netbirdio/updates/client/internal/updates/loader"
	"github.com/netbirdio/updates/client/internal/updates/selectionpolicy"
	"github.com/netbirdio/updates/client/internal/updates/telemetry"
	"github.com/netbirdio/updates/client/internal/updates/types"
	"github.com/netbirdio/updates/util"
)

const fatalErrorFile = "fatal-error.json"

// FatalError is the token left behind by a launch that could not start any update
type FatalError struct {
	Error    string
	UpdateID string `json:",omitempty"`
	Time     time.Time
}

// EmergencyLauncher boots the bundle shipped with the binary, bypassing the store,
// and records why the regular launch failed so the next start can report it once.
type EmergencyLauncher struct {
	tokenFile      string
	embeddedDir    string
	runtimeVersion string
	metrics        *telemetry.UpdatesMetrics
}

// NewEmergencyLauncher creates an EmergencyLauncher keeping its token in dataDir.
// embeddedDir may be empty when the binary ships no bundle.
func NewEmergencyLauncher(dataDir, embeddedDir, runtimeVersion string, metrics *telemetry.UpdatesMetrics) *EmergencyLauncher {
	return &EmergencyLauncher{
		tokenFile:      filepath.Join(dataDir, fatalErrorFile),
		embeddedDir:    embeddedDir,
		runtimeVersion: runtimeVersion,
		metrics:        metrics,
	}
}

// LaunchWithFatalError persists cause and returns a descriptor for the embedded bundle.
// The token is written even when no embedded bundle exists, in which case NoLaunchableUpdate is returned.
func (e *EmergencyLauncher) LaunchWithFatalError(ctx context.Context, cause error) (*LaunchDescriptor, error) {
	ctx = util.WithSource(ctx, util.LauncherSource)

	log.WithContext(ctx).Errorf("launching embedded bundle after fatal error: %v", cause)
	if err := e.RecordFatalError(ctx, "", cause); err != nil {
		log.WithContext(ctx).Errorf("failed to persist fatal error: %v", err)
	}

	descriptor, err := e.embeddedDescriptor(ctx)
	e.metrics.CountLaunch(err == nil, true)
	if err != nil {
		return nil, err
	}
	return descriptor, nil
}

// RecordFatalError persists cause as the fatal error of updateID, which may be empty when
// the error is not tied to an update. A token that was not consumed yet is replaced.
func (e *EmergencyLauncher) RecordFatalError(ctx context.Context, updateID string, cause error) error {
	token := FatalError{
		UpdateID: updateID,
		Time:     time.Now().UTC(),
	}
	if cause != nil {
		token.Error = cause.Error()
	}
	return util.WriteJSON(ctx, e.tokenFile, token)
}

func (e *EmergencyLauncher) embeddedDescriptor(ctx context.Context) (*LaunchDescriptor, error) {
	if e.embeddedDir == "" {
		return nil, nberrors.Errorf(nberrors.NoLaunchableUpdate, "no embedded bundle configured")
	}

	data, err := loader.NewEmbeddedSource(os.DirFS(e.embeddedDir)).Manifest(ctx)
	if err != nil {
		return nil, nberrors.Wrap(nberrors.NoLaunchableUpdate, err, "read embedded bundle")
	}
	update, err := types.ParseManifest(data, e.runtimeVersion)
	if err != nil {
		return nil, nberrors.Wrap(nberrors.NoLaunchableUpdate, err, "parse embedded bundle")
	}

	if !selectionpolicy.New(e.runtimeVersion, 0).MatchesRuntime(update.RuntimeVersion) {
		log.WithContext(ctx).Warnf("embedded bundle %s targets runtime %s, launching it on runtime %s anyway",
			update.ID, update.RuntimeVersion, e.runtimeVersion)
	}

	descriptor := &LaunchDescriptor{
		LaunchedUpdate: update,
		AssetFilesMap:  make(map[string]string, len(update.Assets)),
		Emergency:      true,
	}
	for _, asset := range update.Assets {
		name := asset.EmbeddedPath
		if name == "" {
			name = asset.FileName()
		}
		path := filepath.Join(e.embeddedDir, filepath.FromSlash(name))
		if !util.FileExists(path) {
			return nil, nberrors.Errorf(nberrors.MissingAsset, "embedded asset %s not found at %s", asset.Hash, path)
		}
		asset.LocalPath = path

		if asset.IsLaunchAsset {
			descriptor.LaunchAssetURL = fileURL(path)
			continue
		}
		descriptor.AssetFilesMap[asset.Hash] = path
	}
	return descriptor, nil
}

// ConsumeError returns the fatal error recorded by a previous start and removes it.
// It returns nil when no error was recorded.
func (e *EmergencyLauncher) ConsumeError(ctx context.Context) (*FatalError, error) {
	return e.consume(ctx, nil)
}

// consume removes and returns the recorded token when match accepts it. A token match rejects
// stays on disk for ConsumeError. A nil match accepts every token.
func (e *EmergencyLauncher) consume(ctx context.Context, match func(*FatalError) bool) (*FatalError, error) {
	token, err := e.readToken()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if match != nil && !match(token) {
		log.WithContext(ctx).Debugf("leaving fatal error recorded at %s for the next start", token.Time)
		return nil, nil
	}

	if err := util.RemoveFile(e.tokenFile); err != nil {
		return nil, err
	}
	log.WithContext(ctx).Infof("consumed fatal error recorded at %s", token.Time)
	return token, nil
}

// Watch blocks until a fatal error token accepted by match appears and consumes it.
// A matching token that already exists is returned right away. Tokens match rejects are left
// in place, nil match accepts every token.
func (e *EmergencyLauncher) Watch(ctx context.Context, match func(*FatalError) bool) (*FatalError, error) {
	dir := filepath.Dir(e.tokenFile)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create token directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := watcher.Close(); err != nil {
			log.Warnf("failed to close watcher: %v", err)
		}
	}()

	// watch the directory, the token file is replaced by rename
	if err := watcher.Add(dir); err != nil {
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}

	if token, err := e.consume(ctx, match); err != nil || token != nil {
		return token, err
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil, errors.New("watcher closed unexpectedly")
			}
			if event.Name != e.tokenFile || !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			token, err := e.consume(ctx, match)
			if err != nil {
				log.Debugf("error while reading fatal error token: %v", err)
				continue
			}
			if token != nil {
				return token, nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil, errors.New("watcher closed unexpectedly")
			}
			return nil, fmt.Errorf("watcher error: %w", err)
		}
	}
}

func (e *EmergencyLauncher) readToken() (*FatalError, error) {
	return util.ReadJSON[FatalError](e.tokenFile)
}
