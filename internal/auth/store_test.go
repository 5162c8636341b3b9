package auth_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"icb-go/internal/auth"
)

func TestStore_RoundTrip(t *testing.T) {
	t.Run("plaintext", func(t *testing.T) {
		dir := t.TempDir()
		store := auth.NewStore(dir, "")

		data := &auth.SessionData{TrustToken: "tt", SessionToken: "st", SessionID: "sid", Scnt: "sc"}
		if err := store.Save(data); err != nil {
			t.Fatalf("Save() error = %v", err)
		}

		got, err := store.Load()
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if *got != *data {
			t.Errorf("Load() = %+v, want %+v", got, data)
		}

		info, err := os.Stat(filepath.Join(dir, "session.icb"))
		if err != nil {
			t.Fatalf("stat session file: %v", err)
		}
		if mode := info.Mode().Perm(); mode != 0600 {
			t.Errorf("session file mode = %o, want 0600", mode)
		}
	})

	t.Run("encrypted at rest", func(t *testing.T) {
		dir := t.TempDir()
		store := auth.NewStore(dir, "hunter2")

		data := &auth.SessionData{TrustToken: "secret-token"}
		if err := store.Save(data); err != nil {
			t.Fatalf("Save() error = %v", err)
		}

		// The raw file must not contain the token.
		raw, err := os.ReadFile(filepath.Join(dir, "session.icb"))
		if err != nil {
			t.Fatalf("reading session file: %v", err)
		}
		if len(raw) == 0 || bytes.Contains(raw, []byte("secret-token")) {
			t.Error("session file is not encrypted")
		}

		got, err := store.Load()
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if got.TrustToken != "secret-token" {
			t.Errorf("TrustToken = %q, want %q", got.TrustToken, "secret-token")
		}

		// Wrong passphrase fails.
		if _, err := auth.NewStore(dir, "wrong").Load(); err == nil {
			t.Error("Load() with wrong passphrase expected error")
		}
	})

	t.Run("missing file is empty session", func(t *testing.T) {
		store := auth.NewStore(t.TempDir(), "")
		got, err := store.Load()
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if *got != (auth.SessionData{}) {
			t.Errorf("Load() = %+v, want zero value", got)
		}
	})
}
