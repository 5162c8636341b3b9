package history_test

import (
	"testing"
	"time"

	"icb-go/internal/history"
	"icb-go/internal/testutil"
)

func newStore(t *testing.T) (*history.Store, *testutil.FakeClock) {
	t.Helper()
	clock := testutil.NewFakeClock()
	store, err := history.NewStore(":memory:", clock)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store, clock
}

func TestStore_RunLifecycle(t *testing.T) {
	store, clock := newStore(t)

	id, err := store.StartRun("Sync")
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}

	clock.Advance(42 * time.Second)
	err = store.FinishRun(id, history.Summary{AssetsAdded: 10, AssetsDeleted: 2, AlbumsWritten: 3}, "")
	if err != nil {
		t.Fatalf("FinishRun() error = %v", err)
	}

	runs, err := store.ListRuns(10)
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("runs = %d, want 1", len(runs))
	}

	r := runs[0]
	if r.Operation != "Sync" || r.Status != "success" {
		t.Errorf("run = %+v, want successful Sync", r)
	}
	if r.AssetsAdded != 10 || r.AssetsDeleted != 2 || r.AlbumsWritten != 3 {
		t.Errorf("counters = %d/%d/%d, want 10/2/3", r.AssetsAdded, r.AssetsDeleted, r.AlbumsWritten)
	}
	if !r.FinishedAt.Valid {
		t.Fatal("FinishedAt not set")
	}
	if d := r.FinishedAt.Time.Sub(r.StartedAt); d != 42*time.Second {
		t.Errorf("duration = %v, want 42s", d)
	}
}

func TestStore_FailedRun(t *testing.T) {
	store, _ := newStore(t)

	id, err := store.StartRun("Archive")
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}
	if err := store.FinishRun(id, history.Summary{}, "network: service unavailable"); err != nil {
		t.Fatalf("FinishRun() error = %v", err)
	}

	runs, err := store.ListRuns(10)
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if runs[0].Status != "error" {
		t.Errorf("Status = %q, want error", runs[0].Status)
	}
	if !runs[0].Error.Valid || runs[0].Error.String == "" {
		t.Error("error text not recorded")
	}
}

func TestStore_ListOrderAndLimit(t *testing.T) {
	store, _ := newStore(t)

	for i := 0; i < 5; i++ {
		if _, err := store.StartRun("Sync"); err != nil {
			t.Fatalf("StartRun() error = %v", err)
		}
	}

	runs, err := store.ListRuns(3)
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("runs = %d, want 3", len(runs))
	}
	if runs[0].ID < runs[1].ID || runs[1].ID < runs[2].ID {
		t.Errorf("runs not newest-first: %d, %d, %d", runs[0].ID, runs[1].ID, runs[2].ID)
	}
}
