package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrProfileConflict indicates another live process still holds a profile
// after an attempt to evict it.
var ErrProfileConflict = errors.New("profile held by another live session")

const lockFileName = "profile.lock"

// ProfileLock is the on-disk ownership token for a browser profile. A
// profile is bound 1:1 to a worker slot and must never be opened by two live
// browser engines at once; the lock carries the holder's pid so a stale
// holder can be detected and killed before the profile is reused.
type ProfileLock struct {
	dir    string
	path   string
	pid    int
	logger *zap.Logger
}

// AcquireProfile takes exclusive ownership of the profile directory,
// evicting any stale holder by force-killing its process tree first.
func AcquireProfile(dir string, logger *zap.Logger) (*ProfileLock, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create profile dir %s: %w", dir, err)
	}
	path := filepath.Join(dir, lockFileName)
	if err := evictHolder(path, logger); err != nil {
		return nil, err
	}

	pid := os.Getpid()
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o640); err != nil {
		return nil, fmt.Errorf("write profile lock %s: %w", path, err)
	}
	return &ProfileLock{dir: dir, path: path, pid: pid, logger: logger}, nil
}

// Dir returns the locked profile directory.
func (l *ProfileLock) Dir() string {
	return l.dir
}

// Release drops the ownership token. Only the owning pid's token is removed.
func (l *ProfileLock) Release() error {
	pid, err := readLockPid(l.path)
	if err != nil || pid != l.pid {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove profile lock %s: %w", l.path, err)
	}
	return nil
}

// ClearStaleLock detects and kills a stale profile holder, then removes the
// token. The supervisor calls this defensively before every spawn into a
// slot; the worker calls the same logic through AcquireProfile.
func ClearStaleLock(dir string, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	path := filepath.Join(dir, lockFileName)
	if err := evictHolder(path, logger); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove profile lock %s: %w", path, err)
	}
	return nil
}

func evictHolder(path string, logger *zap.Logger) error {
	pid, err := readLockPid(path)
	if err != nil || pid <= 0 {
		return nil
	}
	if pid == os.Getpid() {
		return nil
	}
	if !processAlive(pid) {
		return nil
	}
	logger.Warn("Killing stale profile holder",
		zap.String("lock", path),
		zap.Int("pid", pid),
	)
	killProcessTree(pid, 2*time.Second)
	if processAlive(pid) {
		return fmt.Errorf("pid %d survived eviction: %w", pid, ErrProfileConflict)
	}
	return nil
}

func readLockPid(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("parse lock pid: %w", err)
	}
	return pid, nil
}
