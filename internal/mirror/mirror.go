// Package mirror replicates newly synced asset content to an offsite
// backend. Mirroring runs after a successful sync; failures are warnings and
// never fail the sync itself.
package mirror

import (
	"context"
	"fmt"
	"io"

	"icb-go/internal/config"
)

// Mirror is a content-addressed replica of the library's asset bytes.
// All operations stream to support large media files.
type Mirror interface {
	// PutContent stores content under its content name. The operation is
	// idempotent: storing the same name multiple times is safe.
	// size is the number of bytes that will be read from r.
	PutContent(ctx context.Context, name string, r io.Reader, size int64) error

	// HasContent reports whether content with the given name already exists.
	HasContent(ctx context.Context, name string) (bool, error)

	// ValidateSetup verifies that the mirror is accessible and properly
	// configured.
	ValidateSetup(ctx context.Context) error
}

// NewMirrorFromConfig creates a Mirror based on the mirror config type.
// An empty type means mirroring is disabled and nil is returned.
func NewMirrorFromConfig(cfg config.MirrorConfig) (Mirror, error) {
	switch cfg.Type {
	case "":
		return nil, nil
	case "memory":
		return NewMemoryMirror(), nil
	case "filesystem":
		if cfg.FSRoot == "" {
			return nil, fmt.Errorf("filesystem mirror requires fs_root to be set")
		}
		return NewFileSystemMirror(cfg.FSRoot)
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("s3 mirror requires s3_bucket to be set")
		}
		return NewS3Mirror(cfg)
	default:
		return nil, fmt.Errorf("unknown mirror type: %s", cfg.Type)
	}
}
