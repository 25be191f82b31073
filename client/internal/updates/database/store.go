package database

import (
	"context"

	"github.com/netbirdio/updates/client/internal/updates/types"
)

// Store is the durable table of updates and assets.
// Every mutation is serialised behind a single write lock and is visible to the next query.
type Store interface {
	Open(ctx context.Context) error
	Close() error

	AddUpdate(ctx context.Context, update *types.Update) error
	AddNewAssets(ctx context.Context, assets []*types.Asset, updateID string) error
	AddExistingAsset(ctx context.Context, asset *types.Asset, updateID string) (bool, error)
	UpdateAsset(ctx context.Context, asset *types.Asset) error

	MarkUpdateReady(ctx context.Context, updateID string) error
	MarkUpdateLaunchable(ctx context.Context, updateID string) error
	MarkUpdateFailed(ctx context.Context, updateID string) error
	MarkUpdateForDeletion(ctx context.Context, updateID string) error
	MarkUnusedAssetsForDeletion(ctx context.Context) ([]AssetDescriptor, error)
	DeleteAssets(ctx context.Context, ids []uint) error
	DeleteUnusedUpdates(ctx context.Context) (int, error)

	AllUpdates(ctx context.Context) ([]*types.Update, error)
	LaunchableUpdates(ctx context.Context) ([]*types.Update, error)
	UpdateByID(ctx context.Context, updateID string) (*types.Update, error)
	LaunchAsset(ctx context.Context, updateID string) (*types.Asset, error)
	AssetsForUpdate(ctx context.Context, updateID string) ([]*types.Asset, error)
	AssetByHash(ctx context.Context, hash string) (*types.Asset, error)

	// AcquireAssetFilesReadLock is held while an asset row is linked or its file is written.
	// AcquireAssetFilesWriteLock is held by garbage collection from selecting unused assets
	// until their files and rows are gone.
	AcquireAssetFilesReadLock(ctx context.Context) (unlock func())
	AcquireAssetFilesWriteLock(ctx context.Context) (unlock func())
}

// AssetDescriptor identifies an asset row together with its backing file
type AssetDescriptor struct {
	ID        uint
	Hash      string
	LocalPath string
}

// UpdateAsset links an asset to an update that references it. The launch flag lives on the link
// because the same content may be the entry point of one update and a plain file of another.
type UpdateAsset struct {
	UpdateID      string `gorm:"primaryKey"`
	AssetID       uint   `gorm:"primaryKey;index"`
	IsLaunchAsset bool
}

// TableName returns the table name of the UpdateAsset model
func (*UpdateAsset) TableName() string {
	return "update_assets"
}
