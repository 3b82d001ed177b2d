//go:build unix

package clientstate

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Lock is a held advisory file lock on the config directory, released by
// Unlock.
type Lock struct {
	f *os.File
}

// AcquireLock takes an exclusive, non-blocking flock on configDir/.lock so
// a second `up`/`install` invocation against the same interface fails fast
// instead of racing the device (spec §4.6/§5: single-writer discipline,
// translated from the server store's single database connection to a
// cross-process lock because the client runs as a separate OS process).
func AcquireLock(configDir string) (*Lock, error) {
	if err := os.MkdirAll(configDir, 0o700); err != nil {
		return nil, fmt.Errorf("clientstate: mkdir %s: %w", configDir, err)
	}
	path := filepath.Join(configDir, ".lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("clientstate: open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("clientstate: another process holds the lock on %s", configDir)
	}
	return &Lock{f: f}, nil
}

// Unlock releases the lock and closes the underlying file.
func (l *Lock) Unlock() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	return l.f.Close()
}
