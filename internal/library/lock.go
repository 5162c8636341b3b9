package library

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"icb-go/internal/icloud"
)

// Lock is the process-singleton library lock: a file under the data dir
// holding the PID of the process currently mutating the tree.
type Lock struct {
	path   string
	pid    int
	logger icloud.Logger
}

var _ icloud.Locker = (*Lock)(nil)

// NewLock creates a lock for the library at dataDir. It does not acquire.
func NewLock(dataDir string, logger icloud.Logger) *Lock {
	return &Lock{
		path:   filepath.Join(dataDir, LockFileName),
		pid:    os.Getpid(),
		logger: logger,
	}
}

// Acquire exclusively creates the lock file with this process's PID. If the
// lock already exists it fails with the owning PID unless force is set, in
// which case the stale lock is replaced.
func (l *Lock) Acquire(force bool) error {
	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err == nil {
		_, werr := fmt.Fprintf(f, "%d", l.pid)
		if cerr := f.Close(); werr == nil {
			werr = cerr
		}
		if werr != nil {
			os.Remove(l.path)
			return icloud.Fatal(icloud.KindLibrary, "writing library lock", werr)
		}
		return nil
	}
	if !os.IsExist(err) {
		return icloud.Fatal(icloud.KindLibrary, "creating library lock", err)
	}

	owner, readErr := l.read()
	if !force {
		e := icloud.Fatal(icloud.KindLibrary, "library is locked by another process", readErr)
		if readErr == nil {
			e = e.With("pid", owner)
		}
		return e
	}

	l.logger.Warn("forcing library lock", "previous_pid", owner)
	if err := os.WriteFile(l.path, []byte(strconv.Itoa(l.pid)), 0644); err != nil {
		return icloud.Fatal(icloud.KindLibrary, "replacing library lock", err)
	}
	return nil
}

// Release deletes the lock only if its content matches this process's PID.
// Safe to call on paths this process never locked.
func (l *Lock) Release() error {
	owner, err := l.read()
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return icloud.Fatal(icloud.KindLibrary, "reading library lock", err)
	}
	if owner != l.pid {
		l.logger.Warn("not releasing lock owned by another process", "pid", owner)
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return icloud.Fatal(icloud.KindLibrary, "removing library lock", err)
	}
	return nil
}

func (l *Lock) read() (int, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed lock content: %w", err)
	}
	return pid, nil
}
