package launcher

import (
	"context"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	nberrors "github.com/netbirdio/updates/client/errors"
	"github.com/netbirdio/updates/client/internal/updates/types"
	"github.com/netbirdio/updates/util"
)

// CollectGarbage marks the updates the policy gives up as Unused, then removes the files and rows
// of assets no other update references, then the Unused updates themselves.
// Updates newer than launched are left for the next launch unless they failed.
// File removal is best effort: an asset whose file could not be removed keeps its row.
func (l *Launcher) CollectGarbage(ctx context.Context, launched *types.Update) error {
	updates, err := l.store.AllUpdates(ctx)
	if err != nil {
		return err
	}

	var merr *multierror.Error
	for _, update := range l.policy.UpdatesToDelete(launched, updates) {
		if update.Status == types.StatusUnused {
			continue
		}
		// a newer update was loaded after this launch selected its update
		if launched != nil && update.Status != types.StatusFailed && update.NewerThan(launched) {
			continue
		}
		if !update.Status.CanTransitionTo(types.StatusUnused) {
			log.WithContext(ctx).Debugf("keeping %s update %s", update.Status, update.ID)
			continue
		}
		if err := l.store.MarkUpdateForDeletion(ctx, update.ID); err != nil {
			merr = multierror.Append(merr, err)
		}
	}

	deletable, err := l.deleteUnusedAssets(ctx)
	if err != nil {
		merr = multierror.Append(merr, err)
	}
	if deletable < 0 {
		return nberrors.FormatErrorOrNil(merr)
	}

	deletedUpdates, err := l.store.DeleteUnusedUpdates(ctx)
	if err != nil {
		merr = multierror.Append(merr, err)
	}

	l.metrics.CountGarbageCollected(deletable, deletedUpdates)
	if deletable > 0 || deletedUpdates > 0 {
		log.WithContext(ctx).Infof("garbage collection removed %d assets and %d updates", deletable, deletedUpdates)
	}
	return nberrors.FormatErrorOrNil(merr)
}

// deleteUnusedAssets removes the files, then the rows, of assets no retained update references
// and returns how many rows it deleted, or -1 when the unused assets could not be queried.
// Loaders cannot link an asset between the query and the deletion.
func (l *Launcher) deleteUnusedAssets(ctx context.Context) (int, error) {
	unlock := l.store.AcquireAssetFilesWriteLock(ctx)
	defer unlock()

	unused, err := l.store.MarkUnusedAssetsForDeletion(ctx)
	if err != nil {
		return -1, err
	}

	var merr *multierror.Error
	deletable := make([]uint, 0, len(unused))
	for _, asset := range unused {
		if asset.LocalPath != "" {
			if err := util.RemoveFile(asset.LocalPath); err != nil {
				log.WithContext(ctx).Warnf("failed to remove asset %s: %v", asset.Hash, err)
				merr = multierror.Append(merr, err)
				continue
			}
		}
		deletable = append(deletable, asset.ID)
	}

	if err := l.store.DeleteAssets(ctx, deletable); err != nil {
		return 0, multierror.Append(merr, err)
	}
	return len(deletable), merr.ErrorOrNil()
}
