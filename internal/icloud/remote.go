package icloud

import "context"

// RemoteLibrary issues record-zone queries against the photo service.
// Transport failures, token-expiry 401s and rate-limit responses surface as
// recoverable errors; malformed records are fatal.
type RemoteLibrary interface {
	// FetchAll lists every album and asset record across all zones and
	// returns them as a snapshot. Pagination is handled internally.
	FetchAll(ctx context.Context) (*Snapshot, error)

	// DownloadAsset streams the asset body to destPath, computing the
	// fingerprint on the fly. It fails if the received byte length disagrees
	// with asset.Size or the computed fingerprint disagrees with
	// asset.Fingerprint; such integrity mismatches are recoverable.
	DownloadAsset(ctx context.Context, asset *Asset, destPath string) error

	// DeleteAsset tombstones the remote original. Used by the archive engine
	// for non-favorite members when remote deletion is enabled.
	DeleteAsset(ctx context.Context, asset *Asset) error
}
