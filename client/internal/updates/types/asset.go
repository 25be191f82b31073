package types

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strings"
	"time"
)

// Asset is a single content-addressed file referenced by one or more updates.
// Hash is the lowercase hex SHA-256 of the content and the deduplication key. URL is empty
// for assets that only ship inside the embedded bundle, EmbeddedPath locates them there.
// Key is the file name the asset is published under.
type Asset struct {
	ID            uint   `gorm:"primaryKey;autoIncrement"`
	Hash          string `gorm:"uniqueIndex;not null"`
	Type          string
	URL           string
	Key           string
	EmbeddedPath  string
	LocalPath     string
	IsLaunchAsset bool
	DownloadTime  *time.Time
}

// TableName returns the table name of the Asset model
func (*Asset) TableName() string {
	return "assets"
}

// Copy returns a copy of the asset
func (a *Asset) Copy() *Asset {
	if a == nil {
		return nil
	}
	c := *a
	if a.DownloadTime != nil {
		t := *a.DownloadTime
		c.DownloadTime = &t
	}
	return &c
}

// Downloaded reports whether the asset has been written to local storage.
func (a *Asset) Downloaded() bool {
	return a.LocalPath != ""
}

// FileName returns the name the asset is stored under in the updates directory.
func (a *Asset) FileName() string {
	if a.Key != "" {
		return a.Key
	}
	ext := strings.TrimPrefix(a.Type, ".")
	if ext == "" {
		return a.Hash
	}
	return a.Hash + "." + ext
}

// StorageName returns the content addressed name the asset is stored under locally.
// Two updates may use the same key for different content, the hash keeps them apart.
func (a *Asset) StorageName() string {
	ext := filepath.Ext(a.Key)
	if ext == "" && a.Type != "" {
		ext = "." + strings.TrimPrefix(a.Type, ".")
	}
	return a.Hash + ext
}

// HashContent returns the content fingerprint used as asset hash.
func HashContent(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
