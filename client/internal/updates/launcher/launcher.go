package launcher

import (
	"context"
	"net/url"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	nberrors "github.com/netbirdio/updates/client/errors"
	"github.com/netbirdio/updates/client/internal/updates/database"
	"github.com/netbirdio/updates/client/internal/updates/selectionpolicy"
	"github.com/netbirdio/updates/client/internal/updates/telemetry"
	"github.com/netbirdio/updates/client/internal/updates/types"
	"github.com/netbirdio/updates/util"
)

// LaunchDescriptor is what the hosting application needs to boot an update
type LaunchDescriptor struct {
	LaunchedUpdate *types.Update
	// LaunchAssetURL is a file URL of the entry point
	LaunchAssetURL string
	// AssetFilesMap maps the hash of every other asset to its local file
	AssetFilesMap map[string]string
	// Emergency is set when the descriptor comes from the emergency launcher
	Emergency bool
}

// AssetSource provides the content of an asset, used to restore files shipped with the binary
type AssetSource interface {
	Asset(ctx context.Context, asset *types.Asset) ([]byte, error)
}

// Launcher selects the update to boot and resolves it into a LaunchDescriptor.
// It is meant to run once per process start.
type Launcher struct {
	store      database.Store
	policy     *selectionpolicy.Policy
	updatesDir string
	embedded   AssetSource
	metrics    *telemetry.UpdatesMetrics
}

// New creates a Launcher. embedded may be nil when the binary ships no bundle.
func New(store database.Store, policy *selectionpolicy.Policy, updatesDir string, embedded AssetSource, metrics *telemetry.UpdatesMetrics) *Launcher {
	return &Launcher{
		store:      store,
		policy:     policy,
		updatesDir: updatesDir,
		embedded:   embedded,
		metrics:    metrics,
	}
}

// Launch picks the newest launchable update, checks that all its files are present and collects
// garbage left by older updates. It fails with NoLaunchableUpdate or MissingAsset.
func (l *Launcher) Launch(ctx context.Context) (*LaunchDescriptor, error) {
	ctx = util.WithSource(ctx, util.LauncherSource)

	descriptor, err := l.launch(ctx)
	if err != nil {
		l.metrics.CountLaunch(false, false)
		return nil, err
	}
	l.metrics.CountLaunch(true, false)

	if err := l.CollectGarbage(ctx, descriptor.LaunchedUpdate); err != nil {
		log.WithContext(ctx).Warnf("garbage collection finished with errors: %v", err)
	}
	return descriptor, nil
}

func (l *Launcher) launch(ctx context.Context) (*LaunchDescriptor, error) {
	updates, err := l.store.AllUpdates(ctx)
	if err != nil {
		return nil, err
	}

	selected := l.policy.LaunchableUpdate(updates)
	if selected == nil {
		return nil, nberrors.Errorf(nberrors.NoLaunchableUpdate, "no launchable update among %d stored updates for runtime %s",
			len(updates), l.policy.RuntimeVersion)
	}
	ctx = util.WithUpdateID(ctx, selected.ID)

	assets, err := l.store.AssetsForUpdate(ctx, selected.ID)
	if err != nil {
		return nil, err
	}
	selected.Assets = assets

	descriptor, err := l.resolve(ctx, selected)
	if err != nil {
		if nberrors.IsType(err, nberrors.MissingAsset) {
			if markErr := l.store.MarkUpdateFailed(ctx, selected.ID); markErr != nil {
				log.WithContext(ctx).Warnf("failed to mark update %s as failed: %v", selected.ID, markErr)
			}
		}
		return nil, err
	}

	if err := l.store.MarkUpdateLaunchable(ctx, selected.ID); err != nil {
		log.WithContext(ctx).Warnf("failed to mark update %s as launchable: %v", selected.ID, err)
	} else {
		selected.Status = types.StatusLaunchable
	}

	log.WithContext(ctx).Infof("launching update %s committed at %s", selected.ID, selected.CommitTime)
	return descriptor, nil
}

func (l *Launcher) resolve(ctx context.Context, update *types.Update) (*LaunchDescriptor, error) {
	descriptor := &LaunchDescriptor{
		LaunchedUpdate: update,
		AssetFilesMap:  make(map[string]string, len(update.Assets)),
	}

	for _, asset := range update.Assets {
		if !asset.Downloaded() || !util.FileExists(asset.LocalPath) {
			if err := l.restore(ctx, asset); err != nil {
				return nil, err
			}
		}

		if asset.IsLaunchAsset {
			descriptor.LaunchAssetURL = fileURL(asset.LocalPath)
			continue
		}
		descriptor.AssetFilesMap[asset.Hash] = asset.LocalPath
	}

	if descriptor.LaunchAssetURL == "" {
		return nil, nberrors.Errorf(nberrors.MissingAsset, "update %s has no launch asset", update.ID)
	}
	return descriptor, nil
}

// restore writes a missing asset back from the embedded bundle
func (l *Launcher) restore(ctx context.Context, asset *types.Asset) error {
	if l.embedded == nil || asset.EmbeddedPath == "" {
		return nberrors.Errorf(nberrors.MissingAsset, "asset %s has no local file", asset.Hash)
	}

	data, err := l.embedded.Asset(ctx, asset)
	if err != nil {
		return nberrors.Wrap(nberrors.MissingAsset, err, "restore asset %s", asset.Hash)
	}
	if hash := types.HashContent(data); hash != asset.Hash {
		return nberrors.Errorf(nberrors.MissingAsset, "embedded copy of asset %s has hash %s", asset.Hash, hash)
	}

	unlock := l.store.AcquireAssetFilesReadLock(ctx)
	defer unlock()

	path := filepath.Join(l.updatesDir, asset.StorageName())
	if err := util.WriteFileAtomic(ctx, path, data, 0o644); err != nil {
		return nberrors.Wrap(nberrors.MissingAsset, err, "restore asset %s", asset.Hash)
	}

	now := time.Now().UTC()
	asset.LocalPath = path
	asset.DownloadTime = &now
	if err := l.store.UpdateAsset(ctx, asset); err != nil {
		return err
	}

	log.WithContext(ctx).Infof("restored asset %s from the embedded bundle", asset.Hash)
	return nil
}

func fileURL(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String()
}
