package icloud_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"icb-go/internal/icloud"
	"icb-go/internal/library"
	"icb-go/internal/testutil"
)

func newTestLibrary(t *testing.T) *library.Library {
	t.Helper()
	lib, err := library.New(t.TempDir(), icloud.NewNopLogger())
	if err != nil {
		t.Fatalf("library.New() error = %v", err)
	}
	return lib
}

func countContentFiles(t *testing.T, lib *library.Library) int {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(lib.DataDir(), library.ContentDirName))
	if err != nil {
		t.Fatalf("reading content dir: %v", err)
	}
	count := 0
	for _, e := range entries {
		if e.Type().IsRegular() {
			count++
		}
	}
	return count
}

func TestSyncEngine_HappyPath(t *testing.T) {
	lib := newTestLibrary(t)
	remote := testutil.NewMemoryRemote()
	session := testutil.NewFakeSession()
	obs := testutil.NewRecordingObserver()

	contents := map[string][]byte{
		"beach.jpg":  []byte("beach bytes"),
		"city.jpg":   []byte("city bytes"),
		"forest.jpg": []byte("forest bytes"),
	}
	album := &icloud.Album{ID: "album-1", Name: "Summer", Kind: icloud.KindAlbum}
	for name, data := range contents {
		a := testutil.MakeAsset(name, data)
		remote.AddAsset(a, data)
		album.Members = append(album.Members, a.Fingerprint)
	}
	remote.AddAlbum(album)

	engine := icloud.NewSyncEngine(session, remote, lib, icloud.NewNopLogger(), obs, icloud.SyncOptions{DownloadThreads: 2})
	if err := engine.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if got := countContentFiles(t, lib); got != 3 {
		t.Errorf("content files = %d, want 3", got)
	}

	// Album directory exists with one link per member.
	entries, err := os.ReadDir(filepath.Join(lib.DataDir(), "Summer"))
	if err != nil {
		t.Fatalf("reading album dir: %v", err)
	}
	links := 0
	for _, e := range entries {
		if e.Type()&os.ModeSymlink != 0 {
			links++
		}
	}
	if links != 3 {
		t.Errorf("album links = %d, want 3", links)
	}

	// Re-reading the local snapshot yields the remote state.
	snap, err := lib.ReadSnapshot()
	if err != nil {
		t.Fatalf("ReadSnapshot() error = %v", err)
	}
	if len(snap.Assets) != 3 {
		t.Errorf("local assets = %d, want 3", len(snap.Assets))
	}
	if al, ok := snap.Albums["album-1"]; !ok || len(al.Members) != 3 {
		t.Errorf("local album = %+v, want album-1 with 3 members", al)
	}

	if obs.Started != 1 || obs.DownloadedCount() != 3 {
		t.Errorf("observer: started=%d downloaded=%d, want 1 and 3", obs.Started, obs.DownloadedCount())
	}
	if len(obs.Retries) != 0 {
		t.Errorf("observer retries = %v, want none", obs.Retries)
	}
}

func TestSyncEngine_RecoverableFailureRetries(t *testing.T) {
	lib := newTestLibrary(t)
	remote := testutil.NewMemoryRemote()
	session := testutil.NewFakeSession()
	obs := testutil.NewRecordingObserver()

	for i := 0; i < 20; i++ {
		data := []byte{byte(i), byte(i + 1), byte(i + 2)}
		a := testutil.MakeAsset(string(rune('a'+i))+".jpg", data)
		remote.AddAsset(a, data)
	}

	// The 7th download fails with a simulated session expiry, once.
	remote.FailDownload = func(ordinal int) error {
		if ordinal == 7 {
			return icloud.Recoverable(icloud.KindAuth, "session expired", nil)
		}
		return nil
	}

	engine := icloud.NewSyncEngine(session, remote, lib, icloud.NewNopLogger(), obs, icloud.SyncOptions{DownloadThreads: 4})
	if err := engine.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if got := countContentFiles(t, lib); got != 20 {
		t.Errorf("content files = %d, want all 20 after retry", got)
	}
	if got := session.Refreshes(); got != 1 {
		t.Errorf("session refreshes = %d, want 1", got)
	}
	if len(obs.Retries) != 1 || obs.Retries[0] != 1 {
		t.Errorf("observer retries = %v, want exactly attempt 1", obs.Retries)
	}

	// The recomputed local snapshot matches the remote one.
	snap, err := lib.ReadSnapshot()
	if err != nil {
		t.Fatalf("ReadSnapshot() error = %v", err)
	}
	if len(snap.Assets) != 20 {
		t.Errorf("local assets = %d, want 20", len(snap.Assets))
	}
}

func TestSyncEngine_RetryBudgetExhaustion(t *testing.T) {
	lib := newTestLibrary(t)
	remote := testutil.NewMemoryRemote()
	session := testutil.NewFakeSession()
	obs := testutil.NewRecordingObserver()

	data := []byte("payload")
	remote.AddAsset(testutil.MakeAsset("x.jpg", data), data)
	remote.FailDownload = func(int) error {
		return icloud.Recoverable(icloud.KindAuth, "session expired", nil)
	}

	engine := icloud.NewSyncEngine(session, remote, lib, icloud.NewNopLogger(), obs, icloud.SyncOptions{MaxRetries: 2})
	err := engine.Run(context.Background())
	if err == nil {
		t.Fatal("Run() expected error after retry exhaustion")
	}
	if icloud.IsRecoverable(err) {
		t.Errorf("exhaustion error should not itself be recoverable: %v", err)
	}
	if got := session.Refreshes(); got != 2 {
		t.Errorf("session refreshes = %d, want 2", got)
	}
}

func TestSyncEngine_DeletesRemovedAssets(t *testing.T) {
	lib := newTestLibrary(t)
	remote := testutil.NewMemoryRemote()
	session := testutil.NewFakeSession()

	keepData := []byte("keep")
	dropData := []byte("drop")
	keep := testutil.MakeAsset("keep.jpg", keepData)
	drop := testutil.MakeAsset("drop.jpg", dropData)
	remote.AddAsset(keep, keepData)
	remote.AddAsset(drop, dropData)
	remote.AddAlbum(&icloud.Album{ID: "al", Name: "Stuff", Kind: icloud.KindAlbum,
		Members: []icloud.Fingerprint{keep.Fingerprint, drop.Fingerprint}})

	engine := icloud.NewSyncEngine(session, remote, lib, icloud.NewNopLogger(), nil, icloud.SyncOptions{})
	if err := engine.Run(context.Background()); err != nil {
		t.Fatalf("first Run() error = %v", err)
	}

	// The asset disappears remotely, along with its membership.
	remote.RemoveAsset(drop.Fingerprint)
	remote.AddAlbum(&icloud.Album{ID: "al", Name: "Stuff", Kind: icloud.KindAlbum,
		Members: []icloud.Fingerprint{keep.Fingerprint}})

	if err := engine.Run(context.Background()); err != nil {
		t.Fatalf("second Run() error = %v", err)
	}

	if got := countContentFiles(t, lib); got != 1 {
		t.Errorf("content files = %d, want 1 after deletion", got)
	}
	snap, err := lib.ReadSnapshot()
	if err != nil {
		t.Fatalf("ReadSnapshot() error = %v", err)
	}
	if _, ok := snap.Assets[drop.Fingerprint]; ok {
		t.Error("dropped asset still present in local snapshot")
	}
}

func TestSyncEngine_CancellationIsInterrupt(t *testing.T) {
	lib := newTestLibrary(t)
	remote := testutil.NewMemoryRemote()
	session := testutil.NewFakeSession()
	obs := testutil.NewRecordingObserver()

	data := []byte("payload")
	remote.AddAsset(testutil.MakeAsset("x.jpg", data), data)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	engine := icloud.NewSyncEngine(session, remote, lib, icloud.NewNopLogger(), obs, icloud.SyncOptions{})
	err := engine.Run(ctx)
	if err == nil {
		t.Fatal("Run() expected error on cancelled context")
	}
	if !icloud.IsInterrupt(err) {
		t.Errorf("error severity = %v, want interrupt", err)
	}
	if len(obs.Retries) != 0 {
		t.Errorf("observer retries = %v, want none: interrupts never retry", obs.Retries)
	}
}
