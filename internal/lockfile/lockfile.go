// Package lockfile keeps two CoachPipe processes from sharing one state
// directory. The SQLite store, the job runner and the outbox sender all
// assume a single writer.
//
// Locks are flock(2) based, so the kernel drops them when the process exits.
package lockfile

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is the lock file created in the state directory.
const LockFileName = "coachpipe.lock"

// ErrLocked is wrapped by LockError.
var ErrLocked = errors.New("lockfile: state directory in use")

// Owner describes the process recorded in a lock file.
type Owner struct {
	PID       int
	StartedAt time.Time
	Running   bool
}

func (o Owner) String() string {
	if o.PID == 0 {
		return "unknown process"
	}
	state := "not running, stale lock"
	if o.Running {
		state = "running"
	}
	if o.StartedAt.IsZero() {
		return fmt.Sprintf("pid %d (%s)", o.PID, state)
	}
	return fmt.Sprintf("pid %d since %s (%s)", o.PID, o.StartedAt.Format(time.RFC3339), state)
}

// Lock is a held state directory lock.
type Lock struct {
	file *os.File
	path string
}

// AcquireLock takes the exclusive lock on stateDir, creating it if needed.
// A conflict returns a *LockError naming the current owner.
func AcquireLock(stateDir string) (*Lock, error) {
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("create state directory %s: %w", stateDir, err)
	}
	path := filepath.Join(stateDir, LockFileName)
	// no O_TRUNC: a losing contender must not wipe the owner's record
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		owner := ReadOwner(path)
		slog.Error("lockfile.AcquireLock: state directory in use", "path", path, "owner", owner.String())
		return nil, &LockError{Path: path, Owner: owner, Cause: err}
	}

	record := fmt.Sprintf("pid=%d\nstarted=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	if err := writeRecord(file, record); err != nil {
		_ = syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("write lock file %s: %w", path, err)
	}

	slog.Info("lockfile.AcquireLock: acquired", "path", path, "pid", os.Getpid())
	return &Lock{file: file, path: path}, nil
}

func writeRecord(f *os.File, record string) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt([]byte(record), 0); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		slog.Warn("lockfile: sync failed", "path", f.Name(), "error", err)
	}
	return nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Release unlocks and removes the lock file. It is safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	var errs []error
	// remove first so a waiting process never sees our stale record
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		errs = append(errs, err)
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		errs = append(errs, err)
	}
	if err := l.file.Close(); err != nil {
		errs = append(errs, err)
	}
	l.file = nil
	slog.Info("lockfile.Release: released", "path", l.path)
	return errors.Join(errs...)
}

// LockError reports a state directory held by another process.
type LockError struct {
	Path  string
	Owner Owner
	Cause error
}

func (e *LockError) Error() string {
	return fmt.Sprintf("another CoachPipe instance holds %s (%s); remove the file only if that process is gone", e.Path, e.Owner)
}

func (e *LockError) Unwrap() []error {
	return []error{ErrLocked, e.Cause}
}

// ReadOwner parses the owner record in a lock file. Missing or malformed
// fields are left zero.
func ReadOwner(path string) Owner {
	data, err := os.ReadFile(path)
	if err != nil {
		return Owner{}
	}
	return parseOwner(string(data))
}

func parseOwner(content string) Owner {
	var o Owner
	for _, line := range strings.Split(content, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			if pid, err := strconv.Atoi(value); err == nil && pid > 0 {
				o.PID = pid
			}
		case "started":
			if t, err := time.Parse(time.RFC3339, value); err == nil {
				o.StartedAt = t
			}
		}
	}
	if o.PID > 0 {
		o.Running = processRunning(o.PID)
	}
	return o
}

// processRunning sends signal 0, which checks existence without delivering anything.
func processRunning(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
