package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestAcquireLock(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	defer lock.Release()

	if lock.Path() != filepath.Join(dir, LockFileName) {
		t.Errorf("unexpected lock path %s", lock.Path())
	}
	owner := ReadOwner(lock.Path())
	if owner.PID != os.Getpid() {
		t.Errorf("expected pid %d, got %d", os.Getpid(), owner.PID)
	}
	if !owner.Running {
		t.Error("own process should be reported as running")
	}
	if owner.StartedAt.IsZero() {
		t.Error("expected a start time in the lock record")
	}
}

func TestAcquireLockConflict(t *testing.T) {
	dir := t.TempDir()

	first, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("Failed to acquire first lock: %v", err)
	}
	defer first.Release()

	second, err := AcquireLock(dir)
	if err == nil {
		second.Release()
		t.Fatal("second acquisition should fail")
	}
	if !errors.Is(err, ErrLocked) {
		t.Errorf("expected ErrLocked, got %v", err)
	}
	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected *LockError, got %T", err)
	}
	if lockErr.Owner.PID != os.Getpid() {
		t.Errorf("conflict should name the holder, got %+v", lockErr.Owner)
	}
	if !strings.Contains(err.Error(), LockFileName) {
		t.Errorf("error should name the lock file: %v", err)
	}

	// the failed attempt must leave the owner's record intact
	if owner := ReadOwner(first.Path()); owner.PID != os.Getpid() {
		t.Errorf("owner record clobbered: %+v", owner)
	}
}

func TestReleaseAllowsReacquire(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Errorf("second Release should be a no-op, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, LockFileName)); !os.IsNotExist(err) {
		t.Error("lock file should be removed on release")
	}

	again, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("reacquire failed: %v", err)
	}
	again.Release()
}

func TestParseOwner(t *testing.T) {
	started := time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		content string
		pid     int
		started time.Time
	}{
		{"full record", fmt.Sprintf("pid=%d\nstarted=%s\n", os.Getpid(), started.Format(time.RFC3339)), os.Getpid(), started},
		{"pid only", fmt.Sprintf("pid=%d\n", os.Getpid()), os.Getpid(), time.Time{}},
		{"empty", "", 0, time.Time{}},
		{"garbage", "hello\npid=abc\nstarted=yesterday", 0, time.Time{}},
		{"negative pid", "pid=-4", 0, time.Time{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := parseOwner(tt.content)
			if o.PID != tt.pid {
				t.Errorf("pid: expected %d, got %d", tt.pid, o.PID)
			}
			if !o.StartedAt.Equal(tt.started) {
				t.Errorf("started: expected %v, got %v", tt.started, o.StartedAt)
			}
			if tt.pid > 0 && !o.Running {
				t.Error("expected own pid to be running")
			}
		})
	}
}

func TestOwnerString(t *testing.T) {
	if s := (Owner{}).String(); s != "unknown process" {
		t.Errorf("unexpected %q", s)
	}
	if s := (Owner{PID: 42}).String(); !strings.Contains(s, "stale lock") {
		t.Errorf("unexpected %q", s)
	}
	if s := (Owner{PID: 42, Running: true}).String(); s != "pid 42 (running)" {
		t.Errorf("unexpected %q", s)
	}
}
