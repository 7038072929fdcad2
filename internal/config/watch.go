package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDelay coalesces the burst of events editors emit for one save.
const reloadDelay = 100 * time.Millisecond

// Manager holds the active configuration and reloads it when the file
// changes on disk. A reload that fails to parse or validate is logged and
// the previous configuration stays active.
type Manager struct {
	path    string
	logger  *slog.Logger
	current atomic.Pointer[Config]
	watcher *fsnotify.Watcher

	mu        sync.Mutex
	callbacks []func(*Config)

	done      chan struct{}
	closeOnce sync.Once
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger used to report reload outcomes.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// NewManager loads path and starts watching its directory. Watching the
// directory rather than the file survives editors that replace the file.
func NewManager(path string, opts ...ManagerOption) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading initial config: %w", err)
	}

	m := &Manager{path: filepath.Clean(path), logger: slog.Default(), done: make(chan struct{})}
	for _, opt := range opts {
		opt(m)
	}
	m.current.Store(cfg)

	m.watcher, err = fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := m.watcher.Add(filepath.Dir(m.path)); err != nil {
		m.watcher.Close()
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(m.path), err)
	}

	go m.watch()
	return m, nil
}

// Get returns the active configuration.
func (m *Manager) Get() *Config {
	return m.current.Load()
}

// OnChange registers cb to run after every successful reload.
func (m *Manager) OnChange(cb func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// Close stops watching. It is safe to call more than once.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.done)
		err = m.watcher.Close()
	})
	return err
}

func (m *Manager) watch() {
	var pending <-chan time.Time
	for {
		select {
		case <-m.done:
			return
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if m.touches(ev) {
				pending = time.After(reloadDelay)
			}
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("config watcher error", "error", err)
		case <-pending:
			pending = nil
			m.reload()
		}
	}
}

func (m *Manager) touches(ev fsnotify.Event) bool {
	if filepath.Clean(ev.Name) != m.path {
		return false
	}
	return ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)
}

func (m *Manager) reload() {
	cfg, err := Load(m.path)
	if err != nil {
		m.logger.Error("config reload rejected, keeping previous", "path", m.path, "error", err)
		return
	}
	m.current.Store(cfg)
	m.logger.Info("config reloaded", "path", m.path, "subgraphs", len(cfg.Subgraphs))

	m.mu.Lock()
	callbacks := append([](func(*Config))(nil), m.callbacks...)
	m.mu.Unlock()
	for _, cb := range callbacks {
		cb(cfg)
	}
}
