package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"transcribe-gate/internal/domain"
)

// Record is the on-disk lock content. It is plain JSON at a well-known
// path so any process can answer "is this job-class busy?" without taking
// the lock.
type Record struct {
	HolderPID  int       `json:"holder_pid"`
	AcquiredAt time.Time `json:"acquired_at"`
	Purpose    string    `json:"purpose"`
}

// Handle identifies one successful acquisition for a matched release.
type Handle struct {
	class string
	path  string
	pid   int
}

// Class returns the job-class this handle locks.
func (h *Handle) Class() string {
	return h.class
}

// Manager implements the exclusive per-job-class lock with stale-holder
// reclaim. The record alone does not guarantee release on crash: the only
// recovery path is a future acquirer's liveness re-check. A holder that is
// alive but hung is indistinguishable from one making progress; there is
// no heartbeat signal beyond process existence, and that ambiguity is
// intentionally left unresolved here.
type Manager struct {
	dir    string
	logger *slog.Logger
	alive  func(pid int) bool
	now    func() time.Time
}

// NewManager builds a lock manager rooted at dir.
func NewManager(dir string, logger *slog.Logger) *Manager {
	return &Manager{
		dir:    dir,
		logger: logger,
		alive:  processAlive,
		now:    time.Now,
	}
}

// Acquire takes the exclusive lock for class on behalf of pid.
//
// Algorithm: read any existing record; if its holder is still alive, fail
// with LockHeldError; if not, reclaim the stale record. Creation uses an
// atomic create-exclusive open (never read-then-write) so two concurrent
// acquirers cannot both succeed; the loser of the O_EXCL race re-evaluates
// the new holder instead of clobbering it.
func (m *Manager) Acquire(class string, pid int, purpose string) (*Handle, error) {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	path := m.lockPath(class)

	for attempt := 0; attempt < 2; attempt++ {
		existing, err := m.readRecord(path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		if existing != nil {
			if m.alive(existing.HolderPID) {
				return nil, &domain.LockHeldError{
					Class:      class,
					HolderPID:  existing.HolderPID,
					AcquiredAt: existing.AcquiredAt,
				}
			}

			m.logger.Info("Reclaimed stale lock",
				slog.String("class", class),
				slog.Int("dead_holder_pid", existing.HolderPID),
				slog.Time("acquired_at", existing.AcquiredAt),
			)
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to remove stale lock: %w", err)
			}
		}

		handle, err := m.createRecord(path, class, pid, purpose)
		if err == nil {
			return handle, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, err
		}
		// Lost the create race; loop once to test the winner's liveness.
	}

	existing, err := m.readRecord(path)
	if err != nil || existing == nil {
		return nil, &domain.LockHeldError{Class: class}
	}
	return nil, &domain.LockHeldError{
		Class:      class,
		HolderPID:  existing.HolderPID,
		AcquiredAt: existing.AcquiredAt,
	}
}

// Release removes the lock record, but only when its holder PID still
// matches the handle. This guards against deleting a lock a different
// process acquired after a stale-lock race.
func (m *Manager) Release(h *Handle) error {
	existing, err := m.readRecord(h.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}

	if existing.HolderPID != h.pid {
		return fmt.Errorf("%w: record holder %d, caller %d",
			domain.ErrNotLockHolder, existing.HolderPID, h.pid)
	}

	if err := os.Remove(h.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove lock record: %w", err)
	}
	return nil
}

// Inspect reads the current record for class without taking the lock.
// The bool reports whether the recorded holder is a live process.
func (m *Manager) Inspect(class string) (*Record, bool, error) {
	rec, err := m.readRecord(m.lockPath(class))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return rec, m.alive(rec.HolderPID), nil
}

func (m *Manager) lockPath(class string) string {
	return filepath.Join(m.dir, class+".lock")
}

// readRecord parses a lock file. A corrupt record is treated as stale:
// no liveness can be established for it, so it is reclaimable.
func (m *Manager) readRecord(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		m.logger.Warn("Corrupt lock record treated as stale",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return &Record{}, nil
	}
	return &rec, nil
}

// createRecord atomically creates the lock file with O_EXCL.
func (m *Manager) createRecord(path, class string, pid int, purpose string) (*Handle, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, err
	}

	rec := Record{
		HolderPID:  pid,
		AcquiredAt: m.now().UTC(),
		Purpose:    purpose,
	}

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rec); err != nil {
		f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("failed to write lock record: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("failed to close lock record: %w", err)
	}

	return &Handle{class: class, path: path, pid: pid}, nil
}

// processAlive tests holder liveness with a null signal. EPERM means the
// process exists but belongs to another user, which still counts as alive.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
