package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// DefaultTTL is how long a non-output file may sit untouched before the
// expiry sweep removes it.
const DefaultTTL = 2 * time.Hour

var (
	ErrInvalidID  = errors.New("invalid session id")
	ErrEmptyClip  = errors.New("empty clip")
	ErrClipTooBig = errors.New("clip exceeds upload limit")
	// ErrSessionBusy rejects uploads to a session whose merge is running.
	ErrSessionBusy = errors.New("session has a merge in progress")
)

// Manager owns the session working directory: it stores uploads, hands out
// namespaced paths for intermediates, and removes what a session leaves
// behind.
type Manager struct {
	dir      string
	registry Registry
	stamper  *Stamper
	ttl      time.Duration
	maxBytes int64
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}

	// sweepHook, when set, runs after an expired file is selected and before
	// it is removed.
	sweepHook func(name string)
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Dir      string
	Registry Registry
	TTL      time.Duration
	MaxBytes int64 // zero means unlimited
	Logger   *slog.Logger
}

// NewManager creates the working directory if needed.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	abs, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("invalid videos dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create videos dir: %w", err)
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		dir:      abs,
		registry: cfg.Registry,
		stamper:  NewStamper(),
		ttl:      ttl,
		maxBytes: cfg.MaxBytes,
		logger:   cfg.Logger,
		now:      time.Now,
		inflight: make(map[string]struct{}),
	}, nil
}

// Dir returns the absolute working directory.
func (m *Manager) Dir() string {
	return m.dir
}

// TTL returns the expiry threshold.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Registry exposes the underlying session registry.
func (m *Manager) Registry() Registry {
	return m.registry
}

// NewStamp returns a strictly increasing millisecond timestamp.
func (m *Manager) NewStamp() int64 {
	return m.stamper.Next()
}

// Path joins a file name onto the working directory.
func (m *Manager) Path(name string) string {
	return filepath.Join(m.dir, name)
}

// PutClip stores r as a new clip of the session and registers it. The file
// only becomes visible under its final name once fully written.
func (m *Manager) PutClip(ctx context.Context, sessionID, originalName string, r io.Reader) (string, error) {
	if !ValidID(sessionID) {
		return "", ErrInvalidID
	}
	if m.InFlight(sessionID) {
		return "", ErrSessionBusy
	}

	ext := strings.ToLower(filepath.Ext(originalName))
	if ext == "" || len(ext) > 8 {
		ext = ".mp4"
	}
	path := m.Path(InputName(sessionID, m.NewStamp(), ext))
	partial := path + ".part"

	f, err := os.OpenFile(partial, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return "", fmt.Errorf("create clip: %w", err)
	}

	src := r
	if m.maxBytes > 0 {
		src = io.LimitReader(r, m.maxBytes+1)
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && n == 0 {
		err = ErrEmptyClip
	}
	if err == nil && m.maxBytes > 0 && n > m.maxBytes {
		err = ErrClipTooBig
	}
	if err != nil {
		os.Remove(partial)
		return "", fmt.Errorf("store clip: %w", err)
	}

	if err := os.Rename(partial, path); err != nil {
		os.Remove(partial)
		return "", fmt.Errorf("store clip: %w", err)
	}
	// Registering under the in-flight lock means a merge either lists this
	// clip or has not started yet.
	m.mu.Lock()
	_, busy := m.inflight[sessionID]
	if !busy {
		err = m.registry.AddFile(ctx, sessionID, RoleInput, path)
	}
	m.mu.Unlock()
	if busy {
		os.Remove(path)
		return "", ErrSessionBusy
	}
	if err != nil {
		os.Remove(path)
		return "", fmt.Errorf("register clip: %w", err)
	}

	m.logger.Info("clip stored", "session_id", sessionID, "file", filepath.Base(path), "bytes", n)
	return path, nil
}

// Clips lists a session's uploaded clips in upload order.
func (m *Manager) Clips(ctx context.Context, sessionID string) ([]string, error) {
	files, err := m.registry.Files(ctx, sessionID, RoleInput)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(files))
	for _, f := range files {
		paths = append(paths, f.Path)
	}
	return paths, nil
}

// Track registers an intermediate or output file created for the session.
func (m *Manager) Track(ctx context.Context, sessionID string, role Role, path string) error {
	return m.registry.AddFile(ctx, sessionID, role, path)
}

// Discard removes one file and its registration. Missing files are fine.
func (m *Manager) Discard(ctx context.Context, path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return m.registry.RemoveFile(ctx, path)
}

// Begin marks the session as having a merge in flight. It returns false if
// one already is.
func (m *Manager) Begin(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.inflight[sessionID]; busy {
		return false
	}
	m.inflight[sessionID] = struct{}{}
	return true
}

// End clears the in-flight mark set by Begin.
func (m *Manager) End(sessionID string) {
	m.mu.Lock()
	delete(m.inflight, sessionID)
	m.mu.Unlock()
}

// InFlight reports whether the session has a merge running.
func (m *Manager) InFlight(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, busy := m.inflight[sessionID]
	return busy
}

// ActiveMerges returns the number of sessions with a merge running.
func (m *Manager) ActiveMerges() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inflight)
}

// CleanupSession removes every input, normalized and manifest file of the
// session, registered or not. Outputs are never touched. Calling it again is
// a no-op.
func (m *Manager) CleanupSession(ctx context.Context, sessionID string) error {
	var errs []error

	files, err := m.registry.Files(ctx, sessionID, transientRoles...)
	if err != nil {
		errs = append(errs, err)
	}
	for _, f := range files {
		if err := m.Discard(ctx, f.Path); err != nil {
			errs = append(errs, err)
			continue
		}
		m.logger.Debug("session file removed", "session_id", sessionID, "file", filepath.Base(f.Path))
	}

	// Files a previous process left behind are not in the registry.
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		errs = append(errs, err)
	}
	for _, e := range entries {
		role, owner, ok := ParseName(e.Name())
		if !ok || owner != sessionID || !role.transient() || e.IsDir() {
			continue
		}
		if err := m.Discard(ctx, m.Path(e.Name())); err != nil {
			errs = append(errs, err)
		}
	}

	if err := m.registry.Forget(ctx, sessionID); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// RemoveOutputsExcept deletes the session's completed outputs other than keep.
func (m *Manager) RemoveOutputsExcept(ctx context.Context, sessionID, keep string) (int, error) {
	var errs []error
	removed := 0

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		role, owner, ok := ParseName(e.Name())
		if !ok || owner != sessionID || role != RoleOutput || e.IsDir() {
			continue
		}
		path := m.Path(e.Name())
		if path == keep {
			continue
		}
		if err := m.Discard(ctx, path); err != nil {
			m.logger.Warn("failed to remove previous output", "file", e.Name(), "error", err)
			errs = append(errs, err)
			continue
		}
		removed++
		m.logger.Info("previous output removed", "session_id", sessionID, "file", e.Name())
	}
	return removed, errors.Join(errs...)
}

// CleanupExpired removes every non-output file older than the TTL. Files of
// sessions with a merge in flight are skipped regardless of age.
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return 0, err
	}

	now := m.now()
	removed := 0
	var errs []error
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		role, owner, named := ParseName(e.Name())
		if named && role == RoleOutput {
			continue
		}
		if named && m.InFlight(owner) {
			continue
		}

		info, err := e.Info()
		if err != nil {
			continue // deleted since ReadDir
		}
		if now.Sub(info.ModTime()) <= m.ttl {
			continue
		}

		if m.sweepHook != nil {
			m.sweepHook(e.Name())
		}
		gone, err := m.discardIdle(ctx, owner, named, m.Path(e.Name()))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !gone {
			continue
		}
		removed++
		m.logger.Info("expired file removed", "file", e.Name(), "age", now.Sub(info.ModTime()).Round(time.Second).String())
		if named {
			if err := m.registry.Forget(ctx, owner); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return removed, errors.Join(errs...)
}

// discardIdle removes path unless its owner has a merge in flight. The check
// and the removal happen under the same lock as Begin.
func (m *Manager) discardIdle(ctx context.Context, owner string, named bool, path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.inflight[owner]; named && busy {
		return false, nil
	}
	return true, m.Discard(ctx, path)
}

// Recover registers namespaced files already present in the working
// directory, so sessions survive a restart with an in-memory registry.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return 0, err
	}
	adopted := 0
	for _, e := range entries {
		role, owner, ok := ParseName(e.Name())
		if !ok || e.IsDir() || strings.HasSuffix(e.Name(), ".part") {
			continue
		}
		path := m.Path(e.Name())
		existing, err := m.registry.Owner(ctx, path)
		if err != nil {
			return adopted, err
		}
		if existing != "" {
			continue
		}
		if err := m.registry.AddFile(ctx, owner, role, path); err != nil {
			return adopted, err
		}
		adopted++
	}
	if adopted > 0 {
		m.logger.Info("recovered session files", "count", adopted)
	}
	return adopted, nil
}
