package types

import (
	"strings"
	"time"

	nberrors "github.com/netbirdio/updates/client/errors"
)

// Update is a versioned bundle of application code and assets that can be launched
// in place of the build shipped with the binary.
//
// ID is immutable and globally unique. CommitTime orders updates from the same source,
// ties are broken by ID. Keep exempts the update and its assets from garbage collection.
// RawManifest is the manifest document the update was created from, passed through untouched.
type Update struct {
	ID             string         `gorm:"primaryKey"`
	CommitTime     time.Time      `gorm:"index"`
	RuntimeVersion string         `gorm:"index"`
	Metadata       map[string]any `gorm:"serializer:json"`
	Status         Status         `gorm:"index"`
	Keep           bool
	RawManifest    []byte

	Assets []*Asset `gorm:"-"`
}

// TableName returns the table name of the Update model
func (*Update) TableName() string {
	return "updates"
}

// Copy returns a copy of the update. Assets are copied one level deep.
func (u *Update) Copy() *Update {
	if u == nil {
		return nil
	}

	c := *u
	if u.Metadata != nil {
		c.Metadata = make(map[string]any, len(u.Metadata))
		for k, v := range u.Metadata {
			c.Metadata[k] = v
		}
	}
	if u.RawManifest != nil {
		c.RawManifest = append([]byte(nil), u.RawManifest...)
	}
	if u.Assets != nil {
		c.Assets = make([]*Asset, 0, len(u.Assets))
		for _, a := range u.Assets {
			c.Assets = append(c.Assets, a.Copy())
		}
	}
	return &c
}

// LaunchAsset returns the entry point asset of the update or nil when Assets holds none.
func (u *Update) LaunchAsset() *Asset {
	for _, a := range u.Assets {
		if a.IsLaunchAsset {
			return a
		}
	}
	return nil
}

// NewerThan reports whether u sorts after other using CommitTime, then ID.
func (u *Update) NewerThan(other *Update) bool {
	if other == nil {
		return true
	}
	if !u.CommitTime.Equal(other.CommitTime) {
		return u.CommitTime.After(other.CommitTime)
	}
	return strings.Compare(u.ID, other.ID) > 0
}

// Validate checks that the update is a structurally valid bundle: it has an id, a commit
// time, a runtime version and exactly one launch asset, and every asset carries a hash.
func (u *Update) Validate() error {
	if u.ID == "" {
		return nberrors.Errorf(nberrors.InvalidManifest, "update id is empty")
	}
	if u.CommitTime.IsZero() {
		return nberrors.Errorf(nberrors.InvalidManifest, "update %s has no commit time", u.ID)
	}
	if u.RuntimeVersion == "" {
		return nberrors.Errorf(nberrors.InvalidManifest, "update %s has no runtime version", u.ID)
	}

	launchAssets := 0
	seen := make(map[string]struct{}, len(u.Assets))
	for _, a := range u.Assets {
		if a.Hash == "" {
			return nberrors.Errorf(nberrors.InvalidManifest, "update %s contains an asset without hash", u.ID)
		}
		if _, ok := seen[a.Hash]; ok {
			return nberrors.Errorf(nberrors.InvalidManifest, "update %s lists asset %s twice", u.ID, a.Hash)
		}
		seen[a.Hash] = struct{}{}
		if a.IsLaunchAsset {
			launchAssets++
		}
	}
	if launchAssets != 1 {
		return nberrors.Errorf(nberrors.InvalidManifest, "update %s must have exactly one launch asset, got %d", u.ID, launchAssets)
	}
	return nil
}
