// Package wslock implements cross-process workspace locking via a
// daemon.json file, using write-temp-then-rename persistence. Checking
// whether a PID recorded in a stale lock file still belongs to a live
// process uses github.com/shirou/gopsutil/v4's process.PidExists rather
// than a signal-0 probe, since os.FindProcess succeeds unconditionally on
// POSIX systems and isn't a liveness check by itself.
package wslock

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/kilnrun/kiln/internal/errs"
)

// Version identifies the lock-file schema; bumped if the shape changes.
const Version = 1

// Lock is the on-disk daemon.json contract.
type Lock struct {
	PID        int    `json:"pid"`
	SocketPath string `json:"socketPath,omitempty"`
	StartedAt  string `json:"startedAt"`
	Version    int    `json:"version"`
}

// Handle is a held lock; Release removes the lock file.
type Handle struct {
	path string
}

// Acquire attempts to take the workspace lock at path (a workspace's
// daemon.json). If an existing lock is held by a live PID, it returns a
// WORKSPACE_LOCKED error carrying the held Lock. If the file is missing,
// malformed, or its PID is dead, the stale lock is removed and acquisition
// is retried once.
func Acquire(path string, pid int, socketPath, startedAt string) (*Handle, error) {
	for attempt := 0; attempt < 2; attempt++ {
		existing, ok, err := read(path)
		if err != nil {
			return nil, err
		}
		if ok {
			alive, err := pidAlive(existing.PID)
			if err != nil {
				return nil, errs.Wrap(errs.WorkspaceLocked, err, "checking liveness of lock holder pid %d", existing.PID)
			}
			if alive {
				return nil, &LockedError{Holder: existing}
			}
			// Stale lock: remove and retry.
			_ = os.Remove(path)
			continue
		}

		lock := Lock{PID: pid, SocketPath: socketPath, StartedAt: startedAt, Version: Version}
		if err := writeAtomic(path, lock); err != nil {
			return nil, err
		}
		return &Handle{path: path}, nil
	}
	return nil, errs.New(errs.WorkspaceLocked, "could not acquire workspace lock at %s", path)
}

// Release removes the lock file. Idempotent: removing an already-absent
// file is not an error.
func (h *Handle) Release() error {
	if err := os.Remove(h.path); err != nil && !os.IsNotExist(err) {
		return errs.Wrap(errs.StagingFailed, err, "releasing workspace lock %s", h.path)
	}
	return nil
}

// LockedError is returned when a live process holds the lock.
type LockedError struct {
	Holder Lock
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("workspace locked by pid %d (started %s)", e.Holder.PID, e.Holder.StartedAt)
}

// Unwrap exposes the WORKSPACE_LOCKED code to errs.CodeOf and errors.As.
func (e *LockedError) Unwrap() error {
	return errs.New(errs.WorkspaceLocked, "%s", e.Error())
}

func read(path string) (Lock, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Lock{}, false, nil
		}
		return Lock{}, false, errs.Wrap(errs.StagingFailed, err, "reading lock file %s", path)
	}
	var lock Lock
	if err := json.Unmarshal(data, &lock); err != nil {
		// Malformed lock file: treat as absent.
		return Lock{}, false, nil
	}
	return lock, true, nil
}

func writeAtomic(path string, lock Lock) error {
	data, err := json.MarshalIndent(lock, "", "  ")
	if err != nil {
		return errs.Wrap(errs.StagingFailed, err, "marshaling lock file")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errs.Wrap(errs.StagingFailed, err, "creating lock directory")
	}
	tmp := path + fmt.Sprintf(".tmp-%d", os.Getpid())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errs.Wrap(errs.StagingFailed, err, "writing lock tmp file")
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return errs.Wrap(errs.StagingFailed, err, "renaming lock file")
	}
	return nil
}

func pidAlive(pid int) (bool, error) {
	if pid <= 0 {
		return false, nil
	}
	return process.PidExists(int32(pid))
}
