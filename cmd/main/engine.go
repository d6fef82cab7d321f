package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/CTAG07/Quill/pkg/sandbox"
	"github.com/CTAG07/Quill/pkg/store"
	"github.com/CTAG07/Quill/pkg/templating"
)

// engine bundles the template store and the processor built from a Config.
type engine struct {
	db        *sql.DB
	store     store.Store
	processor *templating.Processor
	closers   []func() error
}

// openEngine builds the store selected by the config and a processor reading
// from it. The database is opened when the backend needs it or withDB is set.
// A file store started with watching enabled reloads until ctx is done.
func openEngine(ctx context.Context, cfg *Config, logger *slog.Logger, withDB bool) (*engine, error) {
	e := &engine{}

	if withDB || cfg.Server.StoreBackend == backendSQLite {
		db, err := store.OpenDB(cfg.Server.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		e.db = db
		e.closers = append(e.closers, db.Close)
	}

	s, err := e.openStore(ctx, cfg.Server, logger)
	if err != nil {
		_ = e.Close()
		return nil, err
	}
	e.store = s

	sb := sandbox.New(logger, *cfg.Sandbox)
	e.processor = templating.NewProcessor(logger, s, sb, *cfg.Templates)
	return e, nil
}

func (e *engine) openStore(ctx context.Context, cfg *ServerConfig, logger *slog.Logger) (store.Store, error) {
	switch cfg.StoreBackend {
	case backendMemory:
		return store.NewMemoryStore()
	case backendFile:
		fs, err := store.NewFileStore(logger, cfg.TemplateDir)
		if err != nil {
			return nil, err
		}
		if cfg.WatchTemplates {
			debounce := time.Duration(cfg.WatchDebounceMs) * time.Millisecond
			go func() {
				if err := fs.Watch(ctx, debounce); err != nil {
					logger.Error("Template watcher stopped", "error", err)
				}
			}()
		}
		return fs, nil
	default:
		if err := store.SetupSchema(e.db); err != nil {
			return nil, fmt.Errorf("failed to setup template schema: %w", err)
		}
		s, err := store.NewSQLiteStore(e.db)
		if err != nil {
			return nil, fmt.Errorf("failed to prepare template store: %w", err)
		}
		s.SetLogger(logger)
		// Statements must close before the database.
		e.closers = append([]func() error{func() error { s.Close(); return nil }}, e.closers...)
		return s, nil
	}
}

// Close releases the store and database in dependency order.
func (e *engine) Close() error {
	var errs []error
	for _, c := range e.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}
