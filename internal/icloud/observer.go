package icloud

// Observers replace event-emitter fan-out: each component invokes observer
// methods at defined points, and the front end (CLI, daemon, tests) supplies
// the implementation. All methods may be called from the goroutine doing the
// work; implementations must be safe for concurrent use where the component
// is concurrent (per-asset sync callbacks).

// AuthObserver receives authentication progress.
type AuthObserver interface {
	// AuthStateChanged fires on every state machine transition.
	AuthStateChanged(from, to AuthState)

	// MFAPrompt fires when the session enters MFA_REQUIRED, with the trusted
	// phone numbers available for resend.
	MFAPrompt(phones []TrustedPhone)

	// TrustTokenSaved fires after a trust token has been persisted.
	TrustTokenSaved()
}

// SyncObserver receives sync pipeline progress.
type SyncObserver interface {
	// SyncStarted fires after fetch-and-load with the snapshot counts.
	SyncStarted(remoteAssets, remoteAlbums, localAssets, localAlbums int)

	// DiffComputed fires after the diff phase.
	DiffComputed(diff *Diff)

	// AssetDownloaded fires per asset in completion order. err is nil on
	// success.
	AssetDownloaded(asset *Asset, err error)

	// AssetDeleted fires per removed local asset.
	AssetDeleted(fp Fingerprint)

	// AlbumWritten fires per album directory written.
	AlbumWritten(album *Album)

	// SyncRetrying fires before a retry attempt, with the recoverable error
	// that triggered it.
	SyncRetrying(attempt int, err error)

	// SyncFinished fires once, with the final error (nil on success).
	SyncFinished(err error)
}

// ArchiveObserver receives archive progress.
type ArchiveObserver interface {
	// AssetPersisted fires per member copied out of the content directory.
	AssetPersisted(fp Fingerprint, name string)

	// FavoriteKept fires for favorites skipped during remote deletion.
	FavoriteKept(asset *Asset)

	// Archived fires once after the marker has been written.
	Archived(path string)
}

// NopAuthObserver, NopSyncObserver and NopArchiveObserver ignore all
// callbacks. Embed them to implement a subset.
type NopAuthObserver struct{}

func (NopAuthObserver) AuthStateChanged(AuthState, AuthState) {}
func (NopAuthObserver) MFAPrompt([]TrustedPhone)              {}
func (NopAuthObserver) TrustTokenSaved()                      {}

type NopSyncObserver struct{}

func (NopSyncObserver) SyncStarted(int, int, int, int) {}
func (NopSyncObserver) DiffComputed(*Diff)             {}
func (NopSyncObserver) AssetDownloaded(*Asset, error)  {}
func (NopSyncObserver) AssetDeleted(Fingerprint)       {}
func (NopSyncObserver) AlbumWritten(*Album)            {}
func (NopSyncObserver) SyncRetrying(int, error)        {}
func (NopSyncObserver) SyncFinished(error)             {}

type NopArchiveObserver struct{}

func (NopArchiveObserver) AssetPersisted(Fingerprint, string) {}
func (NopArchiveObserver) FavoriteKept(*Asset)                {}
func (NopArchiveObserver) Archived(string)                    {}
