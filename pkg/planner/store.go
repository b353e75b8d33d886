package planner

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/syntor/querybot/pkg/logging"
)

// CatalogStore holds the current catalog snapshot and optionally reloads
// it when the backing file changes. Readers always see a complete,
// validated catalog.
type CatalogStore struct {
	path    string
	current atomic.Pointer[Catalog]
	logger  logging.Logger

	mu        sync.Mutex
	watcher   *fsnotify.Watcher
	callbacks []func(Catalog)
}

// NewCatalogStore loads the catalog at path, or the built-in catalog when
// path is empty.
func NewCatalogStore(path string, logger logging.Logger) (*CatalogStore, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	s := &CatalogStore{
		path:   path,
		logger: logger.With(logging.String("component", "catalog")),
	}

	if path == "" {
		catalog := DefaultCatalog()
		s.current.Store(&catalog)
		return s, nil
	}

	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Catalog returns the current snapshot
func (s *CatalogStore) Catalog() Catalog {
	return *s.current.Load()
}

// Path returns the backing file, empty for the built-in catalog
func (s *CatalogStore) Path() string {
	return s.path
}

// Reload re-reads the backing file. The snapshot is only replaced when
// the new file parses and validates.
func (s *CatalogStore) Reload() error {
	if s.path == "" {
		return nil
	}
	catalog, err := LoadCatalog(s.path)
	if err != nil {
		return err
	}
	s.current.Store(&catalog)

	s.mu.Lock()
	callbacks := append([]func(Catalog){}, s.callbacks...)
	s.mu.Unlock()
	for _, cb := range callbacks {
		cb(catalog)
	}
	return nil
}

// OnReload registers a callback run after each successful reload
func (s *CatalogStore) OnReload(callback func(Catalog)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, callback)
}

// StartWatching enables hot-reload via fsnotify. The parent directory is
// watched so editors that replace the file by rename are picked up.
func (s *CatalogStore) StartWatching(ctx context.Context) error {
	if s.path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", s.path, err)
	}

	s.mu.Lock()
	s.watcher = watcher
	s.mu.Unlock()

	go s.watchLoop(ctx, watcher)
	return nil
}

func (s *CatalogStore) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	target := filepath.Clean(s.path)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := s.Reload(); err != nil {
				s.logger.Warn("Catalog reload rejected, keeping previous catalog",
					logging.String("path", s.path),
					logging.Err(err),
				)
				continue
			}
			s.logger.Info("Catalog reloaded", logging.String("path", s.path))
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error("Catalog watcher error", logging.Err(err))
		}
	}
}

// Close stops the watcher
func (s *CatalogStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher == nil {
		return nil
	}
	err := s.watcher.Close()
	s.watcher = nil
	return err
}
