package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/archesproject/semstore/adapters/metrics"
	"github.com/archesproject/semstore/domain/schema"
	"github.com/archesproject/semstore/ports"
)

// ErrSchemaNotFound is returned when a slug has no published schema.
var ErrSchemaNotFound = errors.New("schema not found")

// SchemaHolder provides thread-safe access to the published schema set with
// hot reload support. A failed reload keeps the previous set intact, so an
// in-flight bad edit to a document never takes schemas away from readers.
type SchemaHolder struct {
	mu       sync.RWMutex
	schemas  map[string]*schema.Schema
	dir      string
	logger   zerolog.Logger
	metrics  *metrics.Collector
	watcher  *fsnotify.Watcher
	onChange []func(map[string]*schema.Schema)
	stopCh   chan struct{}
}

// NewSchemaHolder loads the schema documents in dir and returns a holder
// over them. The metrics collector may be nil.
func NewSchemaHolder(dir string, logger zerolog.Logger, collector *metrics.Collector) (*SchemaHolder, error) {
	schemas, err := LoadSchemaDir(dir)
	if err != nil {
		return nil, fmt.Errorf("load schemas: %w", err)
	}

	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("absolute path: %w", err)
	}

	return &SchemaHolder{
		schemas: schemas,
		dir:     absDir,
		logger:  logger,
		metrics: collector,
		stopCh:  make(chan struct{}),
	}, nil
}

// Schema returns the published schema for a slug.
func (h *SchemaHolder) Schema(_ context.Context, slug string) (*schema.Schema, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sch, ok := h.schemas[slug]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSchemaNotFound, slug)
	}
	return sch, nil
}

// Slugs lists the published schema slugs, sorted.
func (h *SchemaHolder) Slugs(_ context.Context) ([]string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Slugs(h.schemas), nil
}

// All returns the current schema set (thread-safe).
func (h *SchemaHolder) All() map[string]*schema.Schema {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.schemas
}

// Reload re-reads the schema directory from disk.
// Returns error if loading fails (keeps old schema set).
func (h *SchemaHolder) Reload() error {
	h.logger.Info().Str("dir", h.dir).Msg("reloading schemas")

	newSchemas, err := LoadSchemaDir(h.dir)
	if err != nil {
		h.logger.Error().Err(err).Msg("schema reload failed, keeping old schemas")
		if h.metrics != nil {
			h.metrics.SchemaReloadErrors.Inc()
		}
		return fmt.Errorf("reload schemas: %w", err)
	}

	h.mu.Lock()
	oldSchemas := h.schemas
	h.schemas = newSchemas
	h.mu.Unlock()

	h.logChanges(oldSchemas, newSchemas)

	for _, fn := range h.onChange {
		fn(newSchemas)
	}

	if h.metrics != nil {
		h.metrics.SchemaReloads.Inc()
		h.metrics.SchemaLastReload.SetToCurrentTime()
	}
	h.logger.Info().Int("schemas", len(newSchemas)).Msg("schemas reloaded successfully")
	return nil
}

// OnChange registers a callback to be called when the schema set changes.
func (h *SchemaHolder) OnChange(fn func(map[string]*schema.Schema)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onChange = append(h.onChange, fn)
}

// WatchDir starts watching the schema directory for changes.
// Changes to any .yaml/.yml document trigger automatic reload.
func (h *SchemaHolder) WatchDir() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	h.watcher = watcher

	if err := watcher.Add(h.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch directory: %w", err)
	}

	go h.watchLoop()

	h.logger.Info().Str("dir", h.dir).Msg("watching schema directory for changes")
	return nil
}

// WatchSignals starts listening for SIGHUP to trigger reload.
func (h *SchemaHolder) WatchSignals() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)

	go func() {
		for {
			select {
			case <-sigCh:
				h.logger.Info().Msg("received SIGHUP, reloading schemas")
				if err := h.Reload(); err != nil {
					h.logger.Error().Err(err).Msg("SIGHUP reload failed")
				}
			case <-h.stopCh:
				signal.Stop(sigCh)
				return
			}
		}
	}()

	h.logger.Info().Msg("listening for SIGHUP to reload schemas")
}

// Stop stops watching for file changes and signals.
func (h *SchemaHolder) Stop() {
	close(h.stopCh)
	if h.watcher != nil {
		h.watcher.Close()
	}
}

func (h *SchemaHolder) watchLoop() {
	for {
		select {
		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}

			// Only react to schema documents
			if !isSchemaFile(filepath.Base(event.Name)) {
				continue
			}

			// Write, create (atomic save = create), remove, and rename all
			// change the published set.
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				h.logger.Debug().
					Str("event", event.Op.String()).
					Str("file", event.Name).
					Msg("schema document changed")

				if err := h.Reload(); err != nil {
					h.logger.Error().Err(err).Msg("file watch reload failed")
				}
			}

		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.logger.Error().Err(err).Msg("file watcher error")

		case <-h.stopCh:
			return
		}
	}
}

func (h *SchemaHolder) logChanges(old, new map[string]*schema.Schema) {
	if len(old) != len(new) {
		h.logger.Info().
			Int("old", len(old)).
			Int("new", len(new)).
			Msg("schema count changed")
	}
	for slug := range new {
		if _, existed := old[slug]; !existed {
			h.logger.Info().Str("slug", slug).Msg("schema published")
		}
	}
	for slug := range old {
		if _, kept := new[slug]; !kept {
			h.logger.Info().Str("slug", slug).Msg("schema withdrawn")
		}
	}
}

// Ensure interface compliance.
var _ ports.SchemaProvider = (*SchemaHolder)(nil)
