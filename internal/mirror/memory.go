package mirror

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// MemoryMirror keeps content in memory. Use in tests.
type MemoryMirror struct {
	mu      sync.Mutex
	content map[string][]byte
}

var _ Mirror = (*MemoryMirror)(nil)

// NewMemoryMirror creates an empty in-memory mirror.
func NewMemoryMirror() *MemoryMirror {
	return &MemoryMirror{content: make(map[string][]byte)}
}

func (m *MemoryMirror) PutContent(_ context.Context, name string, r io.Reader, size int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read content: %w", err)
	}
	if int64(len(data)) != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, len(data))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.content[name]; !ok {
		m.content[name] = data
	}
	return nil
}

func (m *MemoryMirror) HasContent(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.content[name]
	return ok, nil
}

func (m *MemoryMirror) ValidateSetup(_ context.Context) error { return nil }

// Content returns a copy of the stored bytes, nil if absent.
func (m *MemoryMirror) Content(name string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.content[name]
	if !ok {
		return nil
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out
}
