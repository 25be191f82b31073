package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	nberrors "github.com/netbirdio/updates/client/errors"
	"github.com/netbirdio/updates/client/internal/updates/telemetry"
	"github.com/netbirdio/updates/client/internal/updates/types"
)

const storeFileName = "updates.db"

// SqlStore is a Store backed by an SQLite database in the data directory
type SqlStore struct {
	dataDir string
	metrics *telemetry.StoreMetrics

	mu sync.RWMutex
	db *gorm.DB

	// guards asset files against garbage collection, independent of mu
	filesMu sync.RWMutex
}

// NewSqliteStore creates a store that keeps its database in dataDir. Call Open before use.
func NewSqliteStore(dataDir string, metrics *telemetry.StoreMetrics) *SqlStore {
	return &SqlStore{
		dataDir: dataDir,
		metrics: metrics,
	}
}

// Open opens the database and creates the schema if absent. Opening an open store is a no-op.
func (s *SqlStore) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return nil
	}

	if err := os.MkdirAll(s.dataDir, 0o700); err != nil {
		return nberrors.Wrap(nberrors.StoreError, err, "create data directory")
	}

	dsn := filepath.Join(s.dataDir, storeFileName) + "?_busy_timeout=5000"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:      logger.Default.LogMode(logger.Silent),
		PrepareStmt: true,
	})
	if err != nil {
		return nberrors.Wrap(nberrors.StoreError, err, "open database")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nberrors.Wrap(nberrors.StoreError, err, "get db")
	}
	sqlDB.SetMaxOpenConns(runtime.NumCPU())

	err = db.WithContext(ctx).AutoMigrate(&types.Update{}, &types.Asset{}, &UpdateAsset{})
	if err != nil {
		_ = sqlDB.Close()
		return nberrors.Wrap(nberrors.StoreError, err, "auto migrate")
	}

	s.db = db
	log.WithContext(ctx).Debugf("opened update store at %s", s.dataDir)
	return nil
}

// Close closes the database. Closing a closed store is a no-op.
func (s *SqlStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return nberrors.Wrap(nberrors.StoreError, err, "get db")
	}
	s.db = nil
	if err := sqlDB.Close(); err != nil {
		return nberrors.Wrap(nberrors.StoreError, err, "close db")
	}
	return nil
}

// acquireWriteLock acquires the store write lock and returns a function that releases it
func (s *SqlStore) acquireWriteLock(ctx context.Context) (unlock func()) {
	log.WithContext(ctx).Tracef("acquiring store write lock")
	start := time.Now()
	s.mu.Lock()

	unlock = func() {
		s.mu.Unlock()
		log.WithContext(ctx).Tracef("released store write lock in %v", time.Since(start))
	}

	took := time.Since(start)
	log.WithContext(ctx).Tracef("took %v to acquire store write lock", took)
	s.metrics.CountWriteLockAcquisitionDuration(took)

	return unlock
}

func (s *SqlStore) acquireReadLock(ctx context.Context) (unlock func()) {
	start := time.Now()
	s.mu.RLock()
	s.metrics.CountReadLockAcquisitionDuration(time.Since(start))

	return func() {
		s.mu.RUnlock()
		log.WithContext(ctx).Tracef("released store read lock in %v", time.Since(start))
	}
}

// AcquireAssetFilesReadLock acquires the shared asset files lock and returns a function that releases it
func (s *SqlStore) AcquireAssetFilesReadLock(ctx context.Context) (unlock func()) {
	start := time.Now()
	s.filesMu.RLock()
	log.WithContext(ctx).Tracef("took %v to acquire asset files read lock", time.Since(start))
	return s.filesMu.RUnlock
}

// AcquireAssetFilesWriteLock acquires the exclusive asset files lock and returns a function that releases it
func (s *SqlStore) AcquireAssetFilesWriteLock(ctx context.Context) (unlock func()) {
	start := time.Now()
	s.filesMu.Lock()
	log.WithContext(ctx).Tracef("took %v to acquire asset files write lock", time.Since(start))
	return s.filesMu.Unlock
}

// write runs fn in a transaction while holding the write lock
func (s *SqlStore) write(ctx context.Context, fn func(tx *gorm.DB) error) error {
	unlock := s.acquireWriteLock(ctx)
	defer unlock()

	if s.db == nil {
		return nberrors.Errorf(nberrors.StoreError, "store is not open")
	}

	start := time.Now()
	err := s.db.WithContext(ctx).Transaction(fn)
	s.metrics.CountPersistenceDuration(time.Since(start))
	return err
}

// read runs fn while holding the read lock
func (s *SqlStore) read(ctx context.Context, fn func(tx *gorm.DB) error) error {
	unlock := s.acquireReadLock(ctx)
	defer unlock()

	if s.db == nil {
		return nberrors.Errorf(nberrors.StoreError, "store is not open")
	}
	return fn(s.db.WithContext(ctx))
}

// AddUpdate inserts the update in Pending status. It fails with AlreadyExists when the id is taken.
func (s *SqlStore) AddUpdate(ctx context.Context, update *types.Update) error {
	err := s.write(ctx, func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&types.Update{}).Where("id = ?", update.ID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return nberrors.Errorf(nberrors.AlreadyExists, "update %s already exists", update.ID)
		}

		update.Status = types.StatusPending
		return tx.Create(update).Error
	})
	return storeError(err, "add update %s", update.ID)
}

// AddNewAssets inserts the assets and links them to the update. An asset whose hash is already
// stored is linked to the existing row instead. The assets' IDs are set from the stored rows.
func (s *SqlStore) AddNewAssets(ctx context.Context, assets []*types.Asset, updateID string) error {
	err := s.write(ctx, func(tx *gorm.DB) error {
		if err := requireUpdate(tx, updateID); err != nil {
			return err
		}

		for _, asset := range assets {
			existing, err := findAssetByHash(tx, asset.Hash)
			if err != nil {
				return err
			}

			if existing != nil {
				asset.ID = existing.ID
			} else {
				row := asset.Copy()
				row.ID = 0
				if err := tx.Create(row).Error; err != nil {
					return fmt.Errorf("insert asset %s: %w", asset.Hash, err)
				}
				asset.ID = row.ID
			}

			if err := link(tx, updateID, asset); err != nil {
				return err
			}
		}
		return nil
	})
	return storeError(err, "add assets to update %s", updateID)
}

// AddExistingAsset links a stored asset with the same hash to the update and reports whether one
// was found. On a match the stored row's fields are copied into asset.
func (s *SqlStore) AddExistingAsset(ctx context.Context, asset *types.Asset, updateID string) (bool, error) {
	found := false
	err := s.write(ctx, func(tx *gorm.DB) error {
		if err := requireUpdate(tx, updateID); err != nil {
			return err
		}

		existing, err := findAssetByHash(tx, asset.Hash)
		if err != nil || existing == nil {
			return err
		}

		isLaunchAsset := asset.IsLaunchAsset
		*asset = *existing
		asset.IsLaunchAsset = isLaunchAsset
		found = true

		return link(tx, updateID, asset)
	})
	if err != nil {
		return false, storeError(err, "add existing asset %s to update %s", asset.Hash, updateID)
	}
	return found, nil
}

// UpdateAsset stores the mutable fields of the asset row matching asset's hash.
func (s *SqlStore) UpdateAsset(ctx context.Context, asset *types.Asset) error {
	err := s.write(ctx, func(tx *gorm.DB) error {
		result := tx.Model(&types.Asset{}).Where("hash = ?", asset.Hash).Updates(map[string]any{
			"type":          asset.Type,
			"url":           asset.URL,
			"key":           asset.Key,
			"embedded_path": asset.EmbeddedPath,
			"local_path":    asset.LocalPath,
			"download_time": asset.DownloadTime,
		})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nberrors.Errorf(nberrors.NotFound, "asset %s not found", asset.Hash)
		}
		return nil
	})
	return storeError(err, "update asset %s", asset.Hash)
}

// MarkUpdateReady moves a Pending update to Ready. It fails with MissingAsset when a linked asset
// has no local file and with InvalidManifest when the update lacks exactly one launch asset.
func (s *SqlStore) MarkUpdateReady(ctx context.Context, updateID string) error {
	return s.setStatus(ctx, updateID, types.StatusReady, func(tx *gorm.DB) error {
		assets, err := assetsForUpdate(tx, updateID)
		if err != nil {
			return err
		}

		launchAssets := 0
		for _, asset := range assets {
			if !asset.Downloaded() {
				return nberrors.Errorf(nberrors.MissingAsset, "asset %s of update %s is not downloaded", asset.Hash, updateID)
			}
			if asset.IsLaunchAsset {
				launchAssets++
			}
		}
		if launchAssets != 1 {
			return nberrors.Errorf(nberrors.InvalidManifest, "update %s has %d launch assets", updateID, launchAssets)
		}
		return nil
	})
}

// MarkUpdateLaunchable records that the update has been launched successfully
func (s *SqlStore) MarkUpdateLaunchable(ctx context.Context, updateID string) error {
	return s.setStatus(ctx, updateID, types.StatusLaunchable, nil)
}

// MarkUpdateFailed records that the update could not be loaded or launched
func (s *SqlStore) MarkUpdateFailed(ctx context.Context, updateID string) error {
	return s.setStatus(ctx, updateID, types.StatusFailed, nil)
}

// MarkUpdateForDeletion moves the update to Unused. Rows are removed by DeleteUnusedUpdates.
func (s *SqlStore) MarkUpdateForDeletion(ctx context.Context, updateID string) error {
	return s.setStatus(ctx, updateID, types.StatusUnused, nil)
}

func (s *SqlStore) setStatus(ctx context.Context, updateID string, to types.Status, check func(tx *gorm.DB) error) error {
	err := s.write(ctx, func(tx *gorm.DB) error {
		var update types.Update
		if err := tx.Take(&update, "id = ?", updateID).Error; err != nil {
			return notFound(err, "update %s not found", updateID)
		}

		next, err := types.Transition(update.Status, to)
		if err != nil {
			return err
		}
		if next == update.Status {
			return nil
		}

		if check != nil {
			if err := check(tx); err != nil {
				return err
			}
		}

		return tx.Model(&types.Update{}).Where("id = ?", updateID).Update("status", next).Error
	})
	return storeError(err, "mark update %s %s", updateID, to)
}

// MarkUnusedAssetsForDeletion returns the assets not referenced by any update that is not Unused.
// Nothing is deleted so that callers can remove files before rows.
func (s *SqlStore) MarkUnusedAssetsForDeletion(ctx context.Context) ([]AssetDescriptor, error) {
	var descriptors []AssetDescriptor
	err := s.read(ctx, func(tx *gorm.DB) error {
		var assets []*types.Asset
		err := tx.Where("id NOT IN (?)", retainedAssetIDs(tx)).Order("id").Find(&assets).Error
		if err != nil {
			return err
		}

		for _, asset := range assets {
			descriptors = append(descriptors, AssetDescriptor{
				ID:        asset.ID,
				Hash:      asset.Hash,
				LocalPath: asset.LocalPath,
			})
		}
		return nil
	})
	if err != nil {
		return nil, storeError(err, "query unused assets")
	}
	return descriptors, nil
}

// DeleteAssets removes the asset rows and their links. Backing files must be removed by the caller.
// Assets linked to an update that is not Unused in the meantime are kept.
func (s *SqlStore) DeleteAssets(ctx context.Context, ids []uint) error {
	if len(ids) == 0 {
		return nil
	}
	err := s.write(ctx, func(tx *gorm.DB) error {
		err := tx.Where("asset_id IN ?", ids).
			Where("asset_id NOT IN (?)", retainedAssetIDs(tx)).
			Delete(&UpdateAsset{}).Error
		if err != nil {
			return err
		}
		return tx.Where("id IN ?", ids).
			Where("id NOT IN (?)", retainedAssetIDs(tx)).
			Delete(&types.Asset{}).Error
	})
	return storeError(err, "delete assets")
}

// DeleteUnusedUpdates removes Unused updates with their asset links and returns how many were removed
func (s *SqlStore) DeleteUnusedUpdates(ctx context.Context) (int, error) {
	var deleted int
	err := s.write(ctx, func(tx *gorm.DB) error {
		var ids []string
		err := tx.Model(&types.Update{}).Where("status = ?", types.StatusUnused).Pluck("id", &ids).Error
		if err != nil || len(ids) == 0 {
			return err
		}

		if err := tx.Where("update_id IN ?", ids).Delete(&UpdateAsset{}).Error; err != nil {
			return err
		}
		result := tx.Where("id IN ?", ids).Delete(&types.Update{})
		deleted = int(result.RowsAffected)
		return result.Error
	})
	if err != nil {
		return 0, storeError(err, "delete unused updates")
	}
	return deleted, nil
}

// AllUpdates returns every stored update ordered by commit time. Assets are not loaded.
func (s *SqlStore) AllUpdates(ctx context.Context) ([]*types.Update, error) {
	var updates []*types.Update
	err := s.read(ctx, func(tx *gorm.DB) error {
		return tx.Order("commit_time, id").Find(&updates).Error
	})
	if err != nil {
		return nil, storeError(err, "query updates")
	}
	return updates, nil
}

// LaunchableUpdates returns the updates in Ready or Launchable status. Assets are not loaded.
func (s *SqlStore) LaunchableUpdates(ctx context.Context) ([]*types.Update, error) {
	var updates []*types.Update
	err := s.read(ctx, func(tx *gorm.DB) error {
		return tx.Where("status IN ?", []types.Status{types.StatusReady, types.StatusLaunchable}).
			Order("commit_time, id").
			Find(&updates).Error
	})
	if err != nil {
		return nil, storeError(err, "query launchable updates")
	}
	return updates, nil
}

// UpdateByID returns the update with its assets or a NotFound error
func (s *SqlStore) UpdateByID(ctx context.Context, updateID string) (*types.Update, error) {
	var update types.Update
	err := s.read(ctx, func(tx *gorm.DB) error {
		if err := tx.Take(&update, "id = ?", updateID).Error; err != nil {
			return notFound(err, "update %s not found", updateID)
		}

		assets, err := assetsForUpdate(tx, updateID)
		if err != nil {
			return err
		}
		update.Assets = assets
		return nil
	})
	if err != nil {
		return nil, storeError(err, "get update %s", updateID)
	}
	return &update, nil
}

// LaunchAsset returns the entry point asset of the update
func (s *SqlStore) LaunchAsset(ctx context.Context, updateID string) (*types.Asset, error) {
	var asset *types.Asset
	err := s.read(ctx, func(tx *gorm.DB) error {
		assets, err := assetsForUpdate(tx, updateID)
		if err != nil {
			return err
		}
		for _, a := range assets {
			if a.IsLaunchAsset {
				asset = a
				return nil
			}
		}
		return nberrors.Errorf(nberrors.NotFound, "update %s has no launch asset", updateID)
	})
	if err != nil {
		return nil, storeError(err, "get launch asset of update %s", updateID)
	}
	return asset, nil
}

// AssetsForUpdate returns the assets linked to the update ordered by insertion
func (s *SqlStore) AssetsForUpdate(ctx context.Context, updateID string) ([]*types.Asset, error) {
	var assets []*types.Asset
	err := s.read(ctx, func(tx *gorm.DB) error {
		var err error
		assets, err = assetsForUpdate(tx, updateID)
		return err
	})
	if err != nil {
		return nil, storeError(err, "get assets of update %s", updateID)
	}
	return assets, nil
}

// AssetByHash returns the stored asset with the given content hash or a NotFound error
func (s *SqlStore) AssetByHash(ctx context.Context, hash string) (*types.Asset, error) {
	var asset *types.Asset
	err := s.read(ctx, func(tx *gorm.DB) error {
		var err error
		asset, err = findAssetByHash(tx, hash)
		if err != nil {
			return err
		}
		if asset == nil {
			return nberrors.Errorf(nberrors.NotFound, "asset %s not found", hash)
		}
		return nil
	})
	if err != nil {
		return nil, storeError(err, "get asset %s", hash)
	}
	return asset, nil
}

// retainedAssetIDs selects the ids of assets linked to at least one update that is not Unused
func retainedAssetIDs(tx *gorm.DB) *gorm.DB {
	return tx.Model(&UpdateAsset{}).
		Select("update_assets.asset_id").
		Joins("JOIN updates ON updates.id = update_assets.update_id").
		Where("updates.status <> ?", types.StatusUnused)
}

func requireUpdate(tx *gorm.DB, updateID string) error {
	var count int64
	if err := tx.Model(&types.Update{}).Where("id = ?", updateID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return nberrors.Errorf(nberrors.NotFound, "update %s not found", updateID)
	}
	return nil
}

func findAssetByHash(tx *gorm.DB, hash string) (*types.Asset, error) {
	var asset types.Asset
	err := tx.Take(&asset, "hash = ?", hash).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &asset, nil
}

func link(tx *gorm.DB, updateID string, asset *types.Asset) error {
	result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&UpdateAsset{
		UpdateID:      updateID,
		AssetID:       asset.ID,
		IsLaunchAsset: asset.IsLaunchAsset,
	})
	if result.Error != nil {
		return fmt.Errorf("link asset %s to update %s: %w", asset.Hash, updateID, result.Error)
	}
	return nil
}

func assetsForUpdate(tx *gorm.DB, updateID string) ([]*types.Asset, error) {
	var links []UpdateAsset
	if err := tx.Where("update_id = ?", updateID).Order("asset_id").Find(&links).Error; err != nil {
		return nil, err
	}
	if len(links) == 0 {
		return []*types.Asset{}, nil
	}

	ids := make([]uint, 0, len(links))
	launch := make(map[uint]bool, len(links))
	for _, l := range links {
		ids = append(ids, l.AssetID)
		launch[l.AssetID] = l.IsLaunchAsset
	}

	var assets []*types.Asset
	if err := tx.Where("id IN ?", ids).Order("id").Find(&assets).Error; err != nil {
		return nil, err
	}
	for _, asset := range assets {
		asset.IsLaunchAsset = launch[asset.ID]
	}
	return assets, nil
}

func notFound(err error, format string, a ...any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nberrors.Errorf(nberrors.NotFound, format, a...)
	}
	return err
}

// storeError keeps typed errors and wraps everything else as StoreError
func storeError(err error, format string, a ...any) error {
	if err == nil {
		return nil
	}
	if _, ok := nberrors.FromError(err); ok {
		return err
	}
	return nberrors.Wrap(nberrors.StoreError, err, format, a...)
}
