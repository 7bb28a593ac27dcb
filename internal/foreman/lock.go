package foreman

import (
	"fmt"
	"path/filepath"

	"github.com/gofrs/flock"
)

const (
	// LockFile guards a workspace against a second foreman
	LockFile = "foreman.lock"
	// SocketFile is the control socket of a running foreman
	SocketFile = "foreman.sock"
)

// AcquireLock takes the workspace's foreman lock without blocking.
// The caller must Unlock it on exit.
func AcquireLock(workspace string) (*flock.Flock, error) {
	lock := flock.New(filepath.Join(workspace, LockFile))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring foreman lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("foreman already running in %s", workspace)
	}
	return lock, nil
}

// SocketPath returns the control socket path of a workspace
func SocketPath(workspace string) string {
	return filepath.Join(workspace, SocketFile)
}
