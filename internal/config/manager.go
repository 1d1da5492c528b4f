package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

type Manager struct {
	path    string
	cfg     atomic.Value
	mu      sync.Mutex
	modTime time.Time
	check   func(*Config) error
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	if info, err := os.Stat(path); err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewStaticManager serves cfg without a backing file; Update only swaps
// the in-memory copy.
func NewStaticManager(cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

// SetCheck installs an extra acceptance test that Reload and Update run
// after Validate. A config it rejects never becomes active.
func (m *Manager) SetCheck(check func(*Config) error) {
	m.mu.Lock()
	m.check = check
	m.mu.Unlock()
}

func (m *Manager) accept(cfg *Config) error {
	if err := Validate(cfg); err != nil {
		return err
	}
	if m.check != nil {
		return m.check(cfg)
	}
	return nil
}

// Reload re-reads the file. On error the active config is left in place.
func (m *Manager) Reload() (*Config, error) {
	if m.path == "" {
		return nil, errors.New("config manager has no file")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	if err := m.accept(cfg); err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

// Update validates cfg, persists it when the manager is file backed, and
// makes it active. An invalid cfg is rejected and the previous one kept.
func (m *Manager) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	applyDefaults(cfg)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.accept(cfg); err != nil {
		return err
	}
	if m.path != "" {
		if err := Save(m.path, cfg); err != nil {
			return err
		}
		if info, err := os.Stat(m.path); err == nil {
			m.modTime = info.ModTime()
		}
	}
	m.cfg.Store(cfg)
	return nil
}

func (m *Manager) needsReload() bool {
	info, err := os.Stat(m.path)
	if err != nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return info.ModTime().After(m.modTime)
}

// Watch reloads the config when its file changes. The directory is watched
// rather than the file so editors that replace the file by rename are seen.
func (m *Manager) Watch(ctx context.Context, onReload func(*Config), onError func(error)) error {
	if m.path == "" {
		return errors.New("config manager has no file")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(m.path)); err != nil {
		_ = w.Close()
		return err
	}
	target := filepath.Clean(m.path)
	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if !m.needsReload() {
					continue
				}
				cfg, err := m.Reload()
				if err != nil {
					if onError != nil {
						onError(err)
					}
					continue
				}
				if onReload != nil {
					onReload(cfg)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				if onError != nil {
					onError(err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}
