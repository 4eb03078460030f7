package session

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// ErrLocked is wrapped by the error returned when another live process
// holds the call lock.
var ErrLocked = errors.New("another call is already running")

// Lock is a PID file enforcing the one-call-per-host invariant.
type Lock struct {
	path     string
	acquired bool
}

// AcquireLock claims the lock at path. A file naming a live process fails
// with a message telling the operator how to recover; a stale file from a
// dead process is silently taken over.
func AcquireLock(path string) (*Lock, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		pid, convErr := strconv.Atoi(strings.TrimSpace(string(data)))
		if convErr == nil && pidAlive(pid) {
			return nil, fmt.Errorf("%w (pid %d); hang up the active call or remove %s", ErrLocked, pid, path)
		}
		// Stale lock from a dead process.
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("session: read lock %s: %w", path, err)
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("session: write lock %s: %w", path, err)
	}
	return &Lock{path: path, acquired: true}, nil
}

// pidAlive reports whether pid names a running process. Signal 0 probes
// without delivering; EPERM still means the process exists.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// Release removes the lock file. Safe to call multiple times and when the
// file has already disappeared.
func (l *Lock) Release() error {
	if !l.acquired {
		return nil
	}
	l.acquired = false
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("session: release lock %s: %w", l.path, err)
	}
	return nil
}
