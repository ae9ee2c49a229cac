package pgfast

import (
	"context"
	"database/sql"

	"github.com/rs/zerolog"

	"github.com/elmcrest/pgfast/internal/testdb"
	"github.com/elmcrest/pgfast/metrics"
)

// TestDatabaseManagerOptions configures a new TestDatabaseManager.
type TestDatabaseManagerOptions struct {
	AdminURL         string
	MigrationRoots   []string
	PythonMigrations PythonMigrationFuncs
	Metrics          *metrics.Metrics
	Logger           *zerolog.Logger
}

// TestDatabaseManager is the C8 facade: it creates one template database
// per session by driving the Migration Engine's forward apply, then
// clones cheap, fully migrated per-test databases from it.
type TestDatabaseManager struct {
	manager  *testdb.Manager
	roots    []string
	python   PythonMigrationFuncs
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	template string
}

// NewTestDatabaseManager builds a TestDatabaseManager.
func NewTestDatabaseManager(opts TestDatabaseManagerOptions) *TestDatabaseManager {
	m := opts.Metrics
	if m == nil {
		m = metrics.Noop()
	}
	var logger zerolog.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	} else {
		logger = defaultLogger()
	}
	return &TestDatabaseManager{
		manager: testdb.NewManager(opts.AdminURL, logger, m),
		roots:   opts.MigrationRoots,
		python:  opts.PythonMigrations,
		metrics: m,
		logger:  logger,
	}
}

// CreateTemplate provisions the session's template database by running
// every migration against it once. Safe to call at most once per
// TestDatabaseManager; call it during test-suite setup.
func (t *TestDatabaseManager) CreateTemplate(ctx context.Context) error {
	name, err := t.manager.CreateTemplate(ctx, func(ctx context.Context, db *sql.DB) error {
		engine := NewEngine(db, EngineOptions{
			MigrationRoots:   t.roots,
			PythonMigrations: t.python,
			Metrics:          t.metrics,
			Logger:           &t.logger,
		})
		_, err := engine.Up(ctx, UpOptions{})
		return err
	})
	if err != nil {
		return newTestDatabaseError("create template database", err)
	}
	t.template = name
	return nil
}

// Clone returns a pool to a fresh, fully migrated per-test database.
// CreateTemplate must have succeeded first.
func (t *TestDatabaseManager) Clone(ctx context.Context) (*sql.DB, error) {
	if t.template == "" {
		return nil, newTestDatabaseError("clone requested before template creation", nil)
	}
	pool, err := t.manager.Clone(ctx, t.template)
	if err != nil {
		return nil, newTestDatabaseError("clone test database", err)
	}
	return pool, nil
}

// Drop tears a clone returned by Clone back down.
func (t *TestDatabaseManager) Drop(ctx context.Context, pool *sql.DB) error {
	if err := t.manager.Drop(ctx, pool); err != nil {
		return newTestDatabaseError("drop test database", err)
	}
	return nil
}

// Close tears down the session's template database. Call once at
// test-suite teardown.
func (t *TestDatabaseManager) Close(ctx context.Context) error {
	if t.template == "" {
		return nil
	}
	if err := t.manager.DropTemplate(ctx, t.template); err != nil {
		return newTestDatabaseError("drop template database", err)
	}
	t.template = ""
	return nil
}
