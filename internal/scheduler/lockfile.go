package scheduler

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
)

// ErrAlreadyRunning means another live process holds the scheduler lock;
// the caller must decline to start.
var ErrAlreadyRunning = errors.New("scheduler: another instance is already running")

// FileLock is the host-wide advisory lock: a well-known file holding the
// owning process identifier as text. It is cooperative and single-host
// only; the PID-liveness check cannot tell a reused PID from the original
// owner, which is acceptable on a single, low-churn host.
type FileLock struct {
	path string
}

// NewFileLock creates a lock bound to path.
func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// DefaultLockPath returns the conventional lock location under the
// system temp directory.
func DefaultLockPath() string {
	return os.TempDir() + string(os.PathSeparator) + "ctimon_scheduler.lock"
}

// TryAcquire claims the lock for the current process. A lock held by a
// live process yields ErrAlreadyRunning; an empty, corrupt, or dead-owner
// lock file is reclaimed unconditionally.
func (l *FileLock) TryAcquire() error {
	pid, held := l.owner()
	if held {
		if pid == os.Getpid() {
			return nil
		}
		if pidAlive(pid) {
			return fmt.Errorf("lock file %s owned by pid %d: %w", l.path, pid, ErrAlreadyRunning)
		}
		log.Warn().
			Str("path", l.path).
			Int("owner_pid", pid).
			Msg("Reclaiming stale scheduler lock")
	}

	if err := os.WriteFile(l.path, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		return fmt.Errorf("write lock file %s: %w", l.path, err)
	}
	log.Info().Str("path", l.path).Int("pid", os.Getpid()).Msg("Acquired scheduler lock")
	return nil
}

// IsStale reports whether a lock file exists but no longer protects
// anything: its content is empty, unparsable, or names a dead process.
func (l *FileLock) IsStale() bool {
	pid, held := l.owner()
	if _, err := os.Stat(l.path); err != nil {
		return false
	}
	return !held || !pidAlive(pid)
}

// Release removes the lock file. It is idempotent and refuses to remove a
// lock owned by a different live process.
func (l *FileLock) Release() error {
	pid, held := l.owner()
	if held && pid != os.Getpid() && pidAlive(pid) {
		return fmt.Errorf("lock file %s owned by live pid %d, not releasing", l.path, pid)
	}
	err := os.Remove(l.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove lock file %s: %w", l.path, err)
	}
	return nil
}

// owner reads the recorded PID. The second return value is false when the
// file is absent, empty, or unparsable, all of which mean "unlocked".
func (l *FileLock) owner() (int, bool) {
	raw, err := os.ReadFile(l.path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// pidAlive probes process existence with a null signal.
func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
