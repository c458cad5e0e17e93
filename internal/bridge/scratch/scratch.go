// Package scratch manages the temporary-file area used for screenshots and
// pasted images (spec.md §4.2): a directory under the configured scratch
// root, garbage-collected on a ticker in the style of the teacher's
// long-lived manager goroutines (internal/worktree/manager.go).
package scratch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/popmelt/core-sub002/internal/common/logger"
)

// Manager owns the scratch directory: it allocates files for incoming
// screenshots/pasted-images and periodically reaps anything older than
// maxAge that nothing has referenced since.
type Manager struct {
	dir    string
	maxAge time.Duration
	log    *logger.Logger

	mu        sync.Mutex
	referenced map[string]time.Time // path -> last-referenced time

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates a Manager rooted at dir, creating it if necessary.
func New(dir string, maxAge time.Duration, log *logger.Logger) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("scratch: create dir: %w", err)
	}
	return &Manager{
		dir:        dir,
		maxAge:     maxAge,
		log:        log.WithFields(zap.String("component", "scratch")),
		referenced: make(map[string]time.Time),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}, nil
}

// Dir returns the scratch root.
func (m *Manager) Dir() string {
	return m.dir
}

// Write persists data under a fresh, uniquely named file with the given
// extension (e.g. ".png") and returns its absolute path.
func (m *Manager) Write(data []byte, ext string) (string, error) {
	name := uuid.NewString() + ext
	path := filepath.Join(m.dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("scratch: write file: %w", err)
	}
	m.touch(path)
	return path, nil
}

// Touch marks path as recently referenced, resetting its GC clock. Callers
// that copy a scratch file into a DecisionRecord (spec.md §4.4) should touch
// it first so a slow job doesn't lose its own screenshot mid-run.
func (m *Manager) Touch(path string) {
	m.touch(path)
}

func (m *Manager) touch(path string) {
	m.mu.Lock()
	m.referenced[path] = time.Now()
	m.mu.Unlock()
}

// Forget drops path from the reference table, letting the next GC pass
// reap it immediately once it ages out.
func (m *Manager) Forget(path string) {
	m.mu.Lock()
	delete(m.referenced, path)
	m.mu.Unlock()
}

// StartGC launches the periodic reaper goroutine. Stop (or cancelling ctx)
// terminates it.
func (m *Manager) StartGC(ctx context.Context, interval time.Duration) {
	go m.gcLoop(ctx, interval)
}

func (m *Manager) gcLoop(ctx context.Context, interval time.Duration) {
	defer close(m.doneCh)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep removes scratch files whose last reference is older than maxAge.
// Files never referenced via Touch/Write through this Manager instance
// (e.g. left by a prior process) are treated as referenced at their mtime.
func (m *Manager) sweep() {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		m.log.Warn("scratch gc: read dir failed", zap.Error(err))
		return
	}

	now := time.Now()
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(m.dir, entry.Name())

		last, tracked := m.lastReferenced(path)
		if !tracked {
			info, err := entry.Info()
			if err != nil {
				continue
			}
			last = info.ModTime()
		}
		if now.Sub(last) < m.maxAge {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			m.log.Warn("scratch gc: remove failed", zap.String("path", path), zap.Error(err))
			continue
		}
		m.mu.Lock()
		delete(m.referenced, path)
		m.mu.Unlock()
	}
}

func (m *Manager) lastReferenced(path string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.referenced[path]
	return t, ok
}

// Stop halts the GC goroutine and waits for it to exit.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	<-m.doneCh
}
