package types

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	nberrors "github.com/netbirdio/updates/client/errors"
)

const (
	// LaunchAssetType is the type given to the bundle of a managed manifest
	LaunchAssetType = "js"

	managedBundleKey = "bundle"
)

// ManifestAsset is one entry of a manifest asset list.
type ManifestAsset struct {
	Hash          string `json:"hash"`
	Type          string `json:"type"`
	URL           string `json:"url,omitempty"`
	Key           string `json:"key,omitempty"`
	EmbeddedPath  string `json:"embeddedPath,omitempty"`
	IsLaunchAsset bool   `json:"isLaunchAsset,omitempty"`
}

// BareManifest is the manifest shape produced for bare deployments and embedded bundles.
type BareManifest struct {
	ID             string          `json:"id"`
	CommitTime     *int64          `json:"commitTime"`
	RuntimeVersion string          `json:"runtimeVersion,omitempty"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
	Keep           bool            `json:"keep,omitempty"`
	Assets         []ManifestAsset `json:"assets"`
}

// ManagedManifest is the manifest shape served by the managed update service.
type ManagedManifest struct {
	ReleaseID      string          `json:"releaseId"`
	CommitTime     string          `json:"commitTime"`
	RuntimeVersion string          `json:"runtimeVersion,omitempty"`
	SDKVersion     string          `json:"sdkVersion,omitempty"`
	BundleURL      string          `json:"bundleUrl"`
	BundleHash     string          `json:"bundleHash"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
	Assets         []ManifestAsset `json:"assets,omitempty"`
}

// ParseManifest normalises a bare or managed manifest document into a Pending update.
// defaultRuntimeVersion is used when the document names no runtime or SDK version.
func ParseManifest(data []byte, defaultRuntimeVersion string) (*Update, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, nberrors.Wrap(nberrors.InvalidManifest, err, "decode manifest")
	}

	var (
		update *Update
		err    error
	)
	if _, managed := probe["releaseId"]; managed {
		update, err = parseManagedManifest(data, defaultRuntimeVersion)
	} else {
		update, err = parseBareManifest(data, defaultRuntimeVersion)
	}
	if err != nil {
		return nil, err
	}

	update.RawManifest = append([]byte(nil), data...)
	update.Status = StatusPending
	if err := update.Validate(); err != nil {
		return nil, err
	}
	return update, nil
}

func parseBareManifest(data []byte, defaultRuntimeVersion string) (*Update, error) {
	var m BareManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, nberrors.Wrap(nberrors.InvalidManifest, err, "decode bare manifest")
	}

	id, err := normaliseID(m.ID)
	if err != nil {
		return nil, err
	}
	if m.CommitTime == nil {
		return nil, nberrors.Errorf(nberrors.InvalidManifest, "bare manifest %s has no commitTime", id)
	}

	assets, err := toAssets(m.Assets)
	if err != nil {
		return nil, err
	}

	return &Update{
		ID:             id,
		CommitTime:     time.UnixMilli(*m.CommitTime).UTC(),
		RuntimeVersion: firstNonEmpty(m.RuntimeVersion, defaultRuntimeVersion),
		Metadata:       m.Metadata,
		Keep:           m.Keep,
		Assets:         assets,
	}, nil
}

func parseManagedManifest(data []byte, defaultRuntimeVersion string) (*Update, error) {
	var m ManagedManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, nberrors.Wrap(nberrors.InvalidManifest, err, "decode managed manifest")
	}

	id, err := normaliseID(m.ReleaseID)
	if err != nil {
		return nil, err
	}

	commitTime, err := time.Parse(time.RFC3339Nano, m.CommitTime)
	if err != nil {
		return nil, nberrors.Wrap(nberrors.InvalidManifest, err, "managed manifest %s has invalid commitTime %q", id, m.CommitTime)
	}

	if m.BundleURL == "" || m.BundleHash == "" {
		return nil, nberrors.Errorf(nberrors.InvalidManifest, "managed manifest %s has no bundle", id)
	}

	assets, err := toAssets(m.Assets)
	if err != nil {
		return nil, err
	}
	for _, a := range assets {
		// the bundle is the only entry point of a managed update
		a.IsLaunchAsset = false
	}
	bundle := &Asset{
		Hash:          strings.ToLower(m.BundleHash),
		Type:          LaunchAssetType,
		URL:           m.BundleURL,
		Key:           managedBundleKey + "-" + strings.ToLower(m.BundleHash) + "." + LaunchAssetType,
		IsLaunchAsset: true,
	}
	assets = append([]*Asset{bundle}, assets...)

	return &Update{
		ID:             id,
		CommitTime:     commitTime.UTC(),
		RuntimeVersion: firstNonEmpty(m.RuntimeVersion, m.SDKVersion, defaultRuntimeVersion),
		Metadata:       m.Metadata,
		Assets:         assets,
	}, nil
}

func normaliseID(raw string) (string, error) {
	if raw == "" {
		return "", nberrors.Errorf(nberrors.InvalidManifest, "manifest has no update id")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return "", nberrors.Wrap(nberrors.InvalidManifest, err, "manifest update id %q", raw)
	}
	return id.String(), nil
}

func toAssets(entries []ManifestAsset) ([]*Asset, error) {
	assets := make([]*Asset, 0, len(entries))
	for _, e := range entries {
		if strings.ContainsAny(e.Key, `/\`) || e.Key == ".." || e.Key == "." {
			return nil, nberrors.Errorf(nberrors.InvalidManifest, "asset key %q is not a plain file name", e.Key)
		}
		assets = append(assets, &Asset{
			Hash:          strings.ToLower(e.Hash),
			Type:          e.Type,
			URL:           e.URL,
			Key:           e.Key,
			EmbeddedPath:  e.EmbeddedPath,
			IsLaunchAsset: e.IsLaunchAsset,
		})
	}
	return assets, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
