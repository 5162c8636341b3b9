package testutil

import (
	"sync"

	"icb-go/internal/icloud"
)

// RecordingObserver captures engine callbacks for assertions.
type RecordingObserver struct {
	icloud.NopAuthObserver

	mu sync.Mutex

	Started    int
	Downloaded []string
	Failed     []string
	Deleted    []icloud.Fingerprint
	Albums     []string
	Retries    []int
	Finished   []error

	Persisted []string
	Favorites []string
	ArchivedP []string
}

var (
	_ icloud.SyncObserver    = (*RecordingObserver)(nil)
	_ icloud.ArchiveObserver = (*RecordingObserver)(nil)
)

func NewRecordingObserver() *RecordingObserver { return &RecordingObserver{} }

func (r *RecordingObserver) SyncStarted(int, int, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Started++
}

func (r *RecordingObserver) DiffComputed(*icloud.Diff) {}

func (r *RecordingObserver) AssetDownloaded(a *icloud.Asset, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.Failed = append(r.Failed, a.Filename)
		return
	}
	r.Downloaded = append(r.Downloaded, a.Filename)
}

func (r *RecordingObserver) AssetDeleted(fp icloud.Fingerprint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Deleted = append(r.Deleted, fp)
}

func (r *RecordingObserver) AlbumWritten(al *icloud.Album) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Albums = append(r.Albums, al.Name)
}

func (r *RecordingObserver) SyncRetrying(attempt int, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Retries = append(r.Retries, attempt)
}

func (r *RecordingObserver) SyncFinished(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Finished = append(r.Finished, err)
}

func (r *RecordingObserver) AssetPersisted(_ icloud.Fingerprint, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Persisted = append(r.Persisted, name)
}

func (r *RecordingObserver) FavoriteKept(a *icloud.Asset) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Favorites = append(r.Favorites, a.Filename)
}

func (r *RecordingObserver) Archived(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ArchivedP = append(r.ArchivedP, path)
}

// DownloadedCount returns the number of successful download callbacks.
func (r *RecordingObserver) DownloadedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Downloaded)
}
