package auth

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"filippo.io/age"
)

// SessionData is the state persisted between runs so subsequent sign-ins can
// skip the MFA handshake.
type SessionData struct {
	TrustToken   string `json:"trust_token"`
	SessionToken string `json:"session_token"`
	SessionID    string `json:"session_id"`
	Scnt         string `json:"scnt"`
}

// Store persists SessionData under the data dir, mode 0600. When a
// passphrase is configured the file is age-encrypted at rest with a scrypt
// recipient, so a leaked backup of the data dir does not leak the tokens.
type Store struct {
	path       string
	passphrase string
}

// NewStore creates a store writing to <dataDir>/session.icb.
func NewStore(dataDir, passphrase string) *Store {
	return &Store{
		path:       filepath.Join(dataDir, "session.icb"),
		passphrase: passphrase,
	}
}

// Load reads the persisted session. A missing file returns an empty session
// and no error.
func (s *Store) Load() (*SessionData, error) {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return &SessionData{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading session file: %w", err)
	}

	if s.passphrase != "" {
		raw, err = s.decrypt(raw)
		if err != nil {
			return nil, fmt.Errorf("decrypting session file: %w", err)
		}
	}

	var data SessionData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decoding session file: %w", err)
	}
	return &data, nil
}

// Save writes the session atomically: temp file in the same directory, then
// rename.
func (s *Store) Save(data *SessionData) error {
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}

	if s.passphrase != "" {
		raw, err = s.encrypt(raw)
		if err != nil {
			return fmt.Errorf("encrypting session: %w", err)
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".session.*.tmp")
	if err != nil {
		return fmt.Errorf("creating session temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("restricting session file mode: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing session temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing session temp file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replacing session file: %w", err)
	}
	return nil
}

func (s *Store) encrypt(plaintext []byte) ([]byte, error) {
	recipient, err := age.NewScryptRecipient(s.passphrase)
	if err != nil {
		return nil, fmt.Errorf("creating scrypt recipient: %w", err)
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return nil, fmt.Errorf("creating encrypted writer: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("writing ciphertext: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalizing ciphertext: %w", err)
	}
	return buf.Bytes(), nil
}

func (s *Store) decrypt(ciphertext []byte) ([]byte, error) {
	identity, err := age.NewScryptIdentity(s.passphrase)
	if err != nil {
		return nil, fmt.Errorf("creating scrypt identity: %w", err)
	}

	r, err := age.Decrypt(bytes.NewReader(ciphertext), identity)
	if err != nil {
		return nil, fmt.Errorf("opening ciphertext: %w", err)
	}
	return io.ReadAll(r)
}
