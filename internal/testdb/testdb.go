// Package testdb provisions and tears down PostgreSQL template and
// per-test databases, using CREATE DATABASE ... TEMPLATE as a
// copy-on-write clone primitive so a test suite can run in parallel
// against isolated, fully migrated schemas.
package testdb

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/elmcrest/pgfast/metrics"
)

// Manager provisions template and per-test databases against a single
// PostgreSQL server. It owns the names (not handles) of databases it
// creates, in a process-local registry keyed by pool identity, so
// teardown can find and drop them even if the caller has already closed
// its end of the pool.
type Manager struct {
	adminURL string
	logger   zerolog.Logger
	metrics  *metrics.Metrics

	mu    sync.Mutex
	names map[*sql.DB]string
}

// NewManager builds a Manager. adminURL may point at any database on the
// target server; the manager always talks to "postgres" for
// CREATE/DROP DATABASE and pg_stat_activity operations.
func NewManager(adminURL string, logger zerolog.Logger, m *metrics.Metrics) *Manager {
	if m == nil {
		m = metrics.Noop()
	}
	return &Manager{
		adminURL: adminURL,
		logger:   logger,
		metrics:  m,
		names:    make(map[*sql.DB]string),
	}
}

func randomSuffix() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}

func replaceDatabase(dsn, newDB string) (string, error) {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("parse database URL: %w", err)
	}
	parsed.Path = "/" + newDB
	return parsed.String(), nil
}

// connectAdmin opens a connection to the "postgres" administrative
// database, retrying briefly: a database that was just created may
// briefly refuse new connections while PostgreSQL catches up.
func (m *Manager) connectAdmin(ctx context.Context) (*sql.DB, error) {
	adminDSN, err := replaceDatabase(m.adminURL, "postgres")
	if err != nil {
		return nil, err
	}

	backoff := retry.WithMaxRetries(5, retry.NewExponential(100*time.Millisecond))

	var db *sql.DB
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		candidate, openErr := sql.Open("postgres", adminDSN)
		if openErr != nil {
			return openErr
		}
		if pingErr := candidate.PingContext(ctx); pingErr != nil {
			candidate.Close()
			return retry.RetryableError(pingErr)
		}
		db = candidate
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("connect to admin database: %w", err)
	}
	return db, nil
}

func (m *Manager) dbURLFor(name string) (string, error) {
	return replaceDatabase(m.adminURL, name)
}

// CreateTemplate creates a database named pgfast_template_<hex>, runs
// applyFn against it (the caller typically drives the Migration Engine's
// forward apply here), flips datistemplate, and returns the template's
// name for later Clone/DropTemplate calls. The partially-created
// database is dropped if any step after CREATE DATABASE fails.
func (m *Manager) CreateTemplate(ctx context.Context, applyFn func(ctx context.Context, db *sql.DB) error) (string, error) {
	name := "pgfast_template_" + randomSuffix()

	admin, err := m.connectAdmin(ctx)
	if err != nil {
		return "", fmt.Errorf("testdb: create template: %w", err)
	}
	defer admin.Close()

	if err := createDatabase(ctx, admin, name); err != nil {
		return "", fmt.Errorf("testdb: create template database %s: %w", name, err)
	}

	dsn, err := m.dbURLFor(name)
	if err != nil {
		_ = m.dropDatabase(ctx, admin, name)
		return "", err
	}

	pool, err := sql.Open("postgres", dsn)
	if err != nil {
		_ = m.dropDatabase(ctx, admin, name)
		return "", fmt.Errorf("testdb: open template pool: %w", err)
	}

	if err := applyFn(ctx, pool); err != nil {
		pool.Close()
		_ = m.dropDatabase(ctx, admin, name)
		return "", fmt.Errorf("testdb: apply migrations to template: %w", err)
	}
	pool.Close()

	if _, err := admin.ExecContext(ctx, `UPDATE pg_database SET datistemplate = TRUE WHERE datname = $1`, name); err != nil {
		_ = m.dropDatabase(ctx, admin, name)
		return "", fmt.Errorf("testdb: mark template %s: %w", name, err)
	}

	m.metrics.TestDatabasesCreated.Inc()
	m.logger.Info().Str("template", name).Msg("template database created")

	return name, nil
}

// Clone creates a pgfast_test_<hex> database from template and returns a
// pool to it, remembering the pool's database name for Drop.
func (m *Manager) Clone(ctx context.Context, template string) (*sql.DB, error) {
	name := "pgfast_test_" + randomSuffix()

	admin, err := m.connectAdmin(ctx)
	if err != nil {
		return nil, fmt.Errorf("testdb: clone: %w", err)
	}
	defer admin.Close()

	query, err := formatCreateFromTemplate(ctx, admin, name, template)
	if err != nil {
		return nil, fmt.Errorf("testdb: build clone statement: %w", err)
	}
	if _, err := admin.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("testdb: clone database %s from %s: %w", name, template, err)
	}

	dsn, err := m.dbURLFor(name)
	if err != nil {
		_ = m.dropDatabase(ctx, admin, name)
		return nil, err
	}

	pool, err := sql.Open("postgres", dsn)
	if err != nil {
		_ = m.dropDatabase(ctx, admin, name)
		return nil, fmt.Errorf("testdb: open clone pool: %w", err)
	}

	m.mu.Lock()
	m.names[pool] = name
	m.mu.Unlock()

	m.metrics.TestDatabasesCreated.Inc()
	m.logger.Debug().Str("database", name).Str("template", template).Msg("test database cloned")

	return pool, nil
}

// Drop closes pool, then terminates lingering backends and drops its
// database. pool must have been returned by Clone.
func (m *Manager) Drop(ctx context.Context, pool *sql.DB) error {
	m.mu.Lock()
	name, ok := m.names[pool]
	delete(m.names, pool)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("testdb: pool not found in database registry; was it created by Clone?")
	}

	pool.Close()

	admin, err := m.connectAdmin(ctx)
	if err != nil {
		return fmt.Errorf("testdb: drop %s: %w", name, err)
	}
	defer admin.Close()

	if err := m.dropDatabase(ctx, admin, name); err != nil {
		return err
	}

	m.metrics.TestDatabasesDropped.Inc()
	m.logger.Debug().Str("database", name).Msg("test database dropped")
	return nil
}

// DropTemplate clears datistemplate and drops a template created by
// CreateTemplate.
func (m *Manager) DropTemplate(ctx context.Context, template string) error {
	admin, err := m.connectAdmin(ctx)
	if err != nil {
		return fmt.Errorf("testdb: drop template %s: %w", template, err)
	}
	defer admin.Close()

	if _, err := admin.ExecContext(ctx, `UPDATE pg_database SET datistemplate = FALSE WHERE datname = $1`, template); err != nil {
		return fmt.Errorf("testdb: unmark template %s: %w", template, err)
	}
	if err := m.dropDatabase(ctx, admin, template); err != nil {
		return err
	}

	m.metrics.TestDatabasesDropped.Inc()
	m.logger.Info().Str("template", template).Msg("template database dropped")
	return nil
}

func (m *Manager) dropDatabase(ctx context.Context, admin *sql.DB, name string) error {
	if _, err := admin.ExecContext(ctx, `
		SELECT pg_terminate_backend(pid)
		FROM pg_stat_activity
		WHERE datname = $1 AND pid <> pg_backend_pid()
	`, name); err != nil {
		m.logger.Warn().Err(err).Str("database", name).Msg("failed to terminate backends before drop")
	}

	query, err := formatDropDatabase(ctx, admin, name)
	if err != nil {
		return fmt.Errorf("testdb: build drop statement for %s: %w", name, err)
	}
	if _, err := admin.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("testdb: drop database %s: %w", name, err)
	}
	return nil
}

// createDatabase and its siblings below build every identifier-bearing
// statement server-side via format(... %I ...), so a database name is
// never concatenated into DDL client-side.
func createDatabase(ctx context.Context, admin *sql.DB, name string) error {
	var query string
	if err := admin.QueryRowContext(ctx, `SELECT format('CREATE DATABASE %I', $1)`, name).Scan(&query); err != nil {
		return fmt.Errorf("build create statement: %w", err)
	}
	_, err := admin.ExecContext(ctx, query)
	return err
}

func formatCreateFromTemplate(ctx context.Context, admin *sql.DB, name, template string) (string, error) {
	var query string
	err := admin.QueryRowContext(ctx,
		`SELECT format('CREATE DATABASE %I TEMPLATE %I', $1, $2)`, name, template,
	).Scan(&query)
	return query, err
}

func formatDropDatabase(ctx context.Context, admin *sql.DB, name string) (string, error) {
	var query string
	err := admin.QueryRowContext(ctx, `SELECT format('DROP DATABASE IF EXISTS %I', $1)`, name).Scan(&query)
	return query, err
}
