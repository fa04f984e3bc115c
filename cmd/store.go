package cmd

import (
	"context"
	"fmt"

	"github.com/zjrosen/servhost/internal/catalog"
	"github.com/zjrosen/servhost/internal/components"
	"github.com/zjrosen/servhost/internal/log"
	"github.com/zjrosen/servhost/internal/registrar"
	"github.com/zjrosen/servhost/internal/store"
	"github.com/zjrosen/servhost/internal/store/sqlite"
	"github.com/zjrosen/servhost/internal/tracing"
)

// session bundles what the store commands need. The catalog and tracing
// live for the whole command; the store is open only between openStore and
// closeStore.
type session struct {
	catalog *catalog.Catalog
	tracing *tracing.Provider

	backend   *sqlite.Backend
	tree      *store.Tree
	registrar *registrar.Registrar
}

// openRuntime sets up tracing and the catalog without touching the store.
func openRuntime() (*session, error) {
	provider, err := tracing.NewProvider(cfg.Tracing)
	if err != nil {
		return nil, err
	}

	cat, err := components.Default()
	if err != nil {
		_ = provider.Shutdown(context.Background())
		return nil, fmt.Errorf("building catalog: %w", err)
	}
	return &session{catalog: cat, tracing: provider}, nil
}

// openSession is openRuntime plus an open store, for one-shot commands.
func openSession() (*session, error) {
	s, err := openRuntime()
	if err != nil {
		return nil, err
	}
	if err := s.openStore(); err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

func (s *session) openStore() error {
	if s.tree != nil {
		return nil
	}
	backend, err := sqlite.Open(cfg.Store.Path, sqlite.Options{CacheTTL: cfg.Store.CacheTTL})
	if err != nil {
		return err
	}
	tree := store.New(backend)

	reg, err := registrar.New(tree, registrar.WithTracer(s.tracing.Tracer()))
	if err != nil {
		_ = tree.Close()
		return err
	}
	s.backend, s.tree, s.registrar = backend, tree, reg
	return nil
}

func (s *session) closeStore() {
	if s.tree == nil {
		return
	}
	if err := s.tree.Close(); err != nil {
		log.ErrorErr(log.CatStore, "closing store", err)
	}
	s.backend, s.tree, s.registrar = nil, nil, nil
}

func (s *session) close() {
	s.closeStore()
	if err := s.tracing.Shutdown(context.Background()); err != nil {
		log.ErrorErr(log.CatTrace, "flushing traces", err)
	}
}

// loadStoredLogging reads the per-class logging settings through a store
// handle that is closed again before it returns. A session that already
// holds the store open reuses it.
func (s *session) loadStoredLogging(ctx context.Context) (registrar.LoggingConfig, error) {
	if s.tree == nil {
		if err := s.openStore(); err != nil {
			return registrar.LoggingConfig{}, err
		}
		defer s.closeStore()
	}
	stored, err := s.registrar.LoadLogging(ctx, s.catalog)
	if err != nil {
		return registrar.LoggingConfig{}, fmt.Errorf("reading logging settings: %w", err)
	}
	return stored, nil
}

// applyLogging installs the stored per-class logging settings on top of
// the configured base level.
func (s *session) applyLogging(ctx context.Context) error {
	stored, err := s.loadStoredLogging(ctx)
	if err != nil {
		return err
	}
	base, _ := log.ParseLevel(cfg.Log.Level)
	stored.Apply(base)
	log.Debug(log.CatConfig, "applied stored logging", "levels", len(stored.Levels), "format", stored.Format != "")
	return nil
}
