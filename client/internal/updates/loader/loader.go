package loader

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	nberrors "github.com/netbirdio/updates/client/errors"
	"github.com/netbirdio/updates/client/internal/updates/database"
	"github.com/netbirdio/updates/client/internal/updates/telemetry"
	"github.com/netbirdio/updates/client/internal/updates/types"
	"github.com/netbirdio/updates/util"
)

const defaultParallelism = 4

// ShouldStartFunc decides whether a fetched update is worth downloading.
// A nil ShouldStartFunc accepts every update.
type ShouldStartFunc func(update *types.Update) bool

// Result is the outcome of a load attempt: the loaded update or the error that ended it.
// Both are nil when the attempt was declined.
type Result struct {
	Update *types.Update
	Err    error
}

// Loaded reports whether the attempt produced an update
func (r Result) Loaded() bool {
	return r.Err == nil && r.Update != nil
}

// Loader downloads updates into the store. One Loader runs a single attempt at a time.
type Loader struct {
	store          database.Store
	updatesDir     string
	runtimeVersion string
	parallelism    int
	metrics        *telemetry.UpdatesMetrics

	mu    sync.Mutex
	state State
}

// New creates a Loader writing asset files to updatesDir.
// runtimeVersion is assigned to manifests that do not name one.
func New(store database.Store, updatesDir, runtimeVersion string, parallelism int, metrics *telemetry.UpdatesMetrics) *Loader {
	if parallelism <= 0 {
		parallelism = defaultParallelism
	}
	return &Loader{
		store:          store,
		updatesDir:     updatesDir,
		runtimeVersion: runtimeVersion,
		parallelism:    parallelism,
		metrics:        metrics,
	}
}

// State returns the phase of the current or last load attempt
func (l *Loader) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Loader) setState(to State) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !isAllowedTransition(l.state, to) {
		if l.state.Busy() {
			return nberrors.Errorf(nberrors.LoadInProgress, "a load attempt is already %s", l.state)
		}
		return nberrors.Errorf(nberrors.IllegalTransition, "loader cannot move from %s to %s", l.state, to)
	}
	l.state = to
	return nil
}

// LoadUpdate fetches the manifest from src, asks shouldStart whether to continue and downloads
// every asset the store does not hold yet. It fails with LoadInProgress while another attempt runs.
func (l *Loader) LoadUpdate(ctx context.Context, src Source, shouldStart ShouldStartFunc) Result {
	if err := l.setState(StateFetchingManifest); err != nil {
		return Result{Err: err}
	}

	ctx = util.WithSource(ctx, util.LoaderSource)
	ctx = util.WithLoadID(ctx, uuid.NewString())
	start := time.Now()

	update, err := l.load(ctx, src, shouldStart)
	if err != nil {
		l.metrics.CountLoadDuration(time.Since(start), false)
		log.WithContext(ctx).Errorf("failed loading update from %s: %v", src.Name(), err)
		if stateErr := l.setState(StateFailed); stateErr != nil {
			log.WithContext(ctx).Errorf("failed to record loader state: %v", stateErr)
		}
		return Result{Err: err}
	}

	l.metrics.CountLoadDuration(time.Since(start), true)
	if stateErr := l.setState(StateFinished); stateErr != nil {
		log.WithContext(ctx).Errorf("failed to record loader state: %v", stateErr)
	}
	return Result{Update: update}
}

func (l *Loader) load(ctx context.Context, src Source, shouldStart ShouldStartFunc) (*types.Update, error) {
	log.WithContext(ctx).Debugf("fetching manifest from %s", src.Name())

	data, err := src.Manifest(ctx)
	if err != nil {
		return nil, err
	}

	update, err := types.ParseManifest(data, l.runtimeVersion)
	if err != nil {
		return nil, err
	}
	ctx = util.WithUpdateID(ctx, update.ID)

	if shouldStart != nil && !shouldStart(update) {
		log.WithContext(ctx).Infof("skipping update %s committed at %s", update.ID, update.CommitTime)
		return nil, nil
	}

	stored, err := l.store.UpdateByID(ctx, update.ID)
	switch {
	case err == nil:
		switch stored.Status {
		case types.StatusReady, types.StatusLaunchable:
			log.WithContext(ctx).Infof("update %s is already %s", stored.ID, stored.Status)
			return stored, nil
		case types.StatusPending:
			log.WithContext(ctx).Infof("resuming interrupted load of update %s", stored.ID)
		default:
			return nil, nberrors.Errorf(nberrors.AlreadyExists, "update %s is stored as %s", stored.ID, stored.Status)
		}
	case nberrors.IsType(err, nberrors.NotFound):
		if err := l.store.AddUpdate(ctx, update); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	if err := l.setState(StateDownloadingAssets); err != nil {
		return nil, err
	}

	if err := l.downloadAssets(ctx, src, update); err != nil {
		l.markFailed(ctx, update.ID)
		return nil, err
	}

	if err := l.store.MarkUpdateReady(ctx, update.ID); err != nil {
		l.markFailed(ctx, update.ID)
		return nil, err
	}

	log.WithContext(ctx).Infof("update %s is ready", update.ID)
	return l.store.UpdateByID(ctx, update.ID)
}

func (l *Loader) markFailed(ctx context.Context, updateID string) {
	if err := l.store.MarkUpdateFailed(ctx, updateID); err != nil {
		log.WithContext(ctx).Warnf("failed to mark update %s as failed: %v", updateID, err)
	}
}

// downloadAssets loads all assets concurrently and returns once every one of them has finished.
// The first failure cancels the assets still in flight.
func (l *Loader) downloadAssets(ctx context.Context, src Source, update *types.Update) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.parallelism)

	for _, asset := range update.Assets {
		g.Go(func() error {
			return l.loadAsset(gctx, src, update.ID, asset)
		})
	}

	return g.Wait()
}

func (l *Loader) loadAsset(ctx context.Context, src Source, updateID string, asset *types.Asset) error {
	if err := ctx.Err(); err != nil {
		return nberrors.Wrap(nberrors.NetworkError, err, "asset %s cancelled", asset.Hash)
	}

	manifestAsset := asset.Copy()
	found, reused, err := l.linkExisting(ctx, updateID, asset)
	if err != nil {
		return err
	}
	if reused {
		log.WithContext(ctx).Tracef("reusing stored asset %s", asset.Hash)
		l.metrics.CountAssetReused()
		return nil
	}

	data, err := src.Asset(ctx, manifestAsset)
	if err != nil {
		l.metrics.CountAssetFailure()
		return err
	}

	if hash := types.HashContent(data); hash != manifestAsset.Hash {
		l.metrics.CountAssetFailure()
		return nberrors.Errorf(nberrors.VerificationError, "asset %s has content hash %s", manifestAsset.Hash, hash)
	}

	if err := l.persist(ctx, updateID, asset, manifestAsset, found, data); err != nil {
		l.metrics.CountAssetFailure()
		return err
	}

	l.metrics.CountAssetDownloaded(len(data))
	log.WithContext(ctx).Debugf("downloaded asset %s (%d bytes)", asset.Hash, len(data))
	return nil
}

// linkExisting links the stored asset with the same hash to updateID. The asset is reused when
// its file is still present; the files lock keeps garbage collection from removing it meanwhile.
func (l *Loader) linkExisting(ctx context.Context, updateID string, asset *types.Asset) (found, reused bool, err error) {
	unlock := l.store.AcquireAssetFilesReadLock(ctx)
	defer unlock()

	found, err = l.store.AddExistingAsset(ctx, asset, updateID)
	if err != nil {
		return false, false, err
	}
	return found, found && asset.Downloaded() && util.FileExists(asset.LocalPath), nil
}

// persist writes data under the content addressed name of the asset and records it in the store
func (l *Loader) persist(ctx context.Context, updateID string, asset, manifestAsset *types.Asset, found bool, data []byte) error {
	unlock := l.store.AcquireAssetFilesReadLock(ctx)
	defer unlock()

	path := filepath.Join(l.updatesDir, manifestAsset.StorageName())
	if err := util.WriteFileAtomic(ctx, path, data, 0o644); err != nil {
		return nberrors.Wrap(nberrors.StoreError, err, "write asset %s", manifestAsset.Hash)
	}

	now := time.Now().UTC()
	if !found {
		*asset = *manifestAsset
	}
	asset.LocalPath = path
	asset.DownloadTime = &now
	if asset.URL == "" {
		asset.URL = manifestAsset.URL
	}
	if asset.EmbeddedPath == "" {
		asset.EmbeddedPath = manifestAsset.EmbeddedPath
	}

	if !found {
		if err := l.store.AddNewAssets(ctx, []*types.Asset{asset}, updateID); err != nil {
			return err
		}
	}
	return l.store.UpdateAsset(ctx, asset)
}
