package session

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

func TestAcquireProfileWritesOwnPid(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	lock, err := AcquireProfile(dir, nil)
	if err != nil {
		t.Fatalf("AcquireProfile() error = %v", err)
	}
	pid, err := readLockPid(filepath.Join(dir, lockFileName))
	if err != nil {
		t.Fatalf("readLockPid() error = %v", err)
	}
	if pid != os.Getpid() {
		t.Fatalf("lock pid = %d, want %d", pid, os.Getpid())
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, lockFileName)); !os.IsNotExist(err) {
		t.Fatalf("expected lock file removed, stat err = %v", err)
	}
}

func TestAcquireProfileIgnoresDeadHolder(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	// A pid that cannot be a live process.
	stale := filepath.Join(dir, lockFileName)
	if err := os.WriteFile(stale, []byte(strconv.Itoa(1<<22+7)), 0o640); err != nil {
		t.Fatalf("write stale lock: %v", err)
	}
	lock, err := AcquireProfile(dir, nil)
	if err != nil {
		t.Fatalf("AcquireProfile() error = %v", err)
	}
	defer func() {
		if err := lock.Release(); err != nil {
			t.Fatalf("Release() error = %v", err)
		}
	}()
	pid, err := readLockPid(stale)
	if err != nil {
		t.Fatalf("readLockPid() error = %v", err)
	}
	if pid != os.Getpid() {
		t.Fatalf("lock pid = %d, want takeover by %d", pid, os.Getpid())
	}
}

func TestReleaseDoesNotRemoveForeignLock(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	lock, err := AcquireProfile(dir, nil)
	if err != nil {
		t.Fatalf("AcquireProfile() error = %v", err)
	}
	// Simulate another process having taken over the lock.
	path := filepath.Join(dir, lockFileName)
	if err := os.WriteFile(path, []byte("99999999"), 0o640); err != nil {
		t.Fatalf("overwrite lock: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("foreign lock should survive Release, stat err = %v", err)
	}
}

func TestClearStaleLock(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, lockFileName)
	if err := os.WriteFile(path, []byte(strconv.Itoa(1<<22+9)), 0o640); err != nil {
		t.Fatalf("write stale lock: %v", err)
	}
	if err := ClearStaleLock(dir, nil); err != nil {
		t.Fatalf("ClearStaleLock() error = %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected lock removed, stat err = %v", err)
	}
	// Clearing a dir without a lock is a no-op.
	if err := ClearStaleLock(dir, nil); err != nil {
		t.Fatalf("ClearStaleLock() on clean dir error = %v", err)
	}
}

func TestErrProfileConflictIdentity(t *testing.T) {
	t.Parallel()

	wrapped := errors.Join(ErrProfileConflict)
	if !errors.Is(wrapped, ErrProfileConflict) {
		t.Fatalf("expected errors.Is to match ErrProfileConflict")
	}
}
