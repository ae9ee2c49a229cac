package pgfast

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/elmcrest/pgfast/internal/tracker"
	"github.com/elmcrest/pgfast/metrics"
)

// PythonMigrationFunc runs host-language migration logic with exclusive
// access to tx. Engines built without dynamic loading (Go has none)
// substitute a registered table keyed by version, per spec: "run
// host-language logic with exclusive access to the open transaction".
type PythonMigrationFunc func(ctx context.Context, tx *sql.Tx) error

// PythonMigrationPair holds a python-kind migration's forward and
// reverse implementations.
type PythonMigrationPair struct {
	Up   PythonMigrationFunc
	Down PythonMigrationFunc
}

// PythonMigrationFuncs maps a migration's version to its registered
// Python-kind implementation pair.
type PythonMigrationFuncs map[int64]PythonMigrationPair

// advisoryLockKey is the pg_advisory_lock key engines take around each
// up/down call, so two processes pointed at the same database serialize
// rather than race the tracking table.
var advisoryLockKey = func() int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("_pgfast_migrations"))
	return int64(h.Sum64())
}()

// EngineOptions configures a new Engine.
type EngineOptions struct {
	MigrationRoots []string
	PythonMigrations PythonMigrationFuncs
	Metrics        *metrics.Metrics
	Logger         *zerolog.Logger
}

// Engine orchestrates forward and reverse migration application against
// a single database pool.
type Engine struct {
	db      *sql.DB
	roots   []string
	python  PythonMigrationFuncs
	tracker *tracker.Tracker
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu sync.Mutex // serializes EnsureTable within this process
}

// defaultLogger is the console logger used when a caller doesn't supply
// one: structured output to stderr at info level, matching zerolog's
// typical wiring.
func defaultLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger().Level(zerolog.InfoLevel)
}

// NewEngine builds an Engine bound to db.
func NewEngine(db *sql.DB, opts EngineOptions) *Engine {
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
	return &Engine{
		db:      db,
		roots:   opts.MigrationRoots,
		python:  opts.PythonMigrations,
		tracker: tracker.New(db, logger),
		metrics: m,
		logger:  logger,
	}
}

func (e *Engine) ensureTable(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tracker.EnsureTable(ctx)
}

func (e *Engine) withAdvisoryLock(ctx context.Context, fn func() error) error {
	conn, err := e.db.Conn(ctx)
	if err != nil {
		return newConnectionError("acquire advisory lock connection", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, advisoryLockKey); err != nil {
		return newConnectionError("acquire advisory lock", err)
	}
	defer conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, advisoryLockKey)

	return fn()
}

// UpOptions controls a forward-apply call.
type UpOptions struct {
	Target     *int64
	Force      bool
	DryRun     bool
	Timeout    time.Duration
	OnProgress ProgressFunc
}

// DownOptions controls a reverse-apply call.
type DownOptions struct {
	Target     *int64
	Steps      int
	Force      bool
	DryRun     bool
	Timeout    time.Duration
	OnProgress ProgressFunc
}

func noopProgress(*Migration, int, int, ProgressStatus, float64) {}

// Up applies every pending migration, in topological order, up to and
// including Target if set. It returns the versions applied (or, under
// DryRun, that would have been applied).
func (e *Engine) Up(ctx context.Context, opts UpOptions) ([]int64, error) {
	var result []int64
	err := e.withAdvisoryLock(ctx, func() error {
		var innerErr error
		result, innerErr = e.up(ctx, opts)
		return innerErr
	})
	return result, err
}

func (e *Engine) up(ctx context.Context, opts UpOptions) ([]int64, error) {
	if opts.OnProgress == nil {
		opts.OnProgress = noopProgress
	}

	if err := e.ensureTable(ctx); err != nil {
		return nil, err
	}

	applied, err := e.tracker.Applied(ctx)
	if err != nil {
		return nil, err
	}

	migrations, err := Discover(e.roots)
	if err != nil {
		return nil, err
	}
	byVersion := make(map[int64]*Migration, len(migrations))
	for _, m := range migrations {
		byVersion[m.Version] = m
	}

	if !opts.Force {
		if err := verifyAppliedChecksums(applied, byVersion); err != nil {
			return nil, err
		}
	}

	graph, err := BuildGraph(migrations)
	if err != nil {
		return nil, err
	}
	order, err := graph.TopoSort()
	if err != nil {
		return nil, err
	}

	var pending []int64
	for _, v := range order {
		if _, ok := applied[v]; ok {
			continue
		}
		if opts.Target != nil && v > *opts.Target {
			continue
		}
		pending = append(pending, v)
	}

	result := make([]int64, 0, len(pending))
	for i, version := range pending {
		m := byVersion[version]
		start := time.Now()
		opts.OnProgress(m, i+1, len(pending), ProgressStarted, 0)

		if opts.DryRun {
			opts.OnProgress(m, i+1, len(pending), ProgressWouldApply, 0)
			result = append(result, version)
			continue
		}

		if err := e.applyForward(ctx, m, opts.Timeout); err != nil {
			return result, err
		}

		opts.OnProgress(m, i+1, len(pending), ProgressCompleted, time.Since(start).Seconds())
		e.metrics.MigrationsApplied.Inc()
		e.metrics.ApplyDuration.Observe(time.Since(start).Seconds())
		result = append(result, version)
	}

	return result, nil
}

// verifyAppliedChecksums recomputes the checksum of every applied
// version whose file still exists and compares it to the stored value.
// A missing file is not an error here; it is only surfaced by
// VerifyChecksums.
func verifyAppliedChecksums(applied map[int64]tracker.AppliedRow, byVersion map[int64]*Migration) error {
	var invalid []int64
	for version, row := range applied {
		m, ok := byVersion[version]
		if !ok {
			continue // file moved/removed; only VerifyChecksums surfaces this
		}
		sum, err := m.Checksum()
		if err != nil {
			continue
		}
		if sum != row.Checksum {
			invalid = append(invalid, version)
		}
	}
	if len(invalid) > 0 {
		sort.Slice(invalid, func(i, j int) bool { return invalid[i] < invalid[j] })
		strs := make([]string, len(invalid))
		for i, v := range invalid {
			strs[i] = fmt.Sprintf("%d", v)
		}
		return newChecksumError(fmt.Sprintf("checksum mismatch for versions: %s", strings.Join(strs, ", ")))
	}
	return nil
}

func (e *Engine) applyForward(ctx context.Context, m *Migration, timeout time.Duration) error {
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	tx, err := e.db.BeginTx(runCtx, nil)
	if err != nil {
		return newConnectionError("begin transaction", err)
	}

	if err := e.runArtifact(runCtx, tx, m, DirectionUp); err != nil {
		tx.Rollback()
		return newMigrationError(fmt.Sprintf("apply migration %d (%s)", m.Version, m.Name), err)
	}

	checksum, err := m.Checksum()
	if err != nil {
		tx.Rollback()
		return newMigrationError(fmt.Sprintf("checksum migration %d", m.Version), err)
	}

	if err := e.tracker.RecordTx(runCtx, tx, m.Version, m.Name, checksum); err != nil {
		tx.Rollback()
		return newMigrationError(fmt.Sprintf("record migration %d", m.Version), err)
	}

	if err := tx.Commit(); err != nil {
		return newMigrationError(fmt.Sprintf("commit migration %d", m.Version), err)
	}

	return nil
}

// Down reverses the applied migrations down to Target (or the last
// Steps applied, if Target is nil), in reverse topological order.
func (e *Engine) Down(ctx context.Context, opts DownOptions) ([]int64, error) {
	var result []int64
	err := e.withAdvisoryLock(ctx, func() error {
		var innerErr error
		result, innerErr = e.down(ctx, opts)
		return innerErr
	})
	return result, err
}

func (e *Engine) down(ctx context.Context, opts DownOptions) ([]int64, error) {
	if opts.OnProgress == nil {
		opts.OnProgress = noopProgress
	}

	if err := e.ensureTable(ctx); err != nil {
		return nil, err
	}

	applied, err := e.tracker.Applied(ctx)
	if err != nil {
		return nil, err
	}

	migrations, err := Discover(e.roots)
	if err != nil {
		return nil, err
	}
	byVersion := make(map[int64]*Migration, len(migrations))
	for _, m := range migrations {
		byVersion[m.Version] = m
	}

	if !opts.Force {
		if err := verifyAppliedChecksums(applied, byVersion); err != nil {
			return nil, err
		}
	}

	graph, err := BuildGraph(migrations)
	if err != nil {
		return nil, err
	}
	reverseOrder, err := graph.ReverseTopoSort()
	if err != nil {
		return nil, err
	}

	appliedVersions := make([]int64, 0, len(applied))
	for v := range applied {
		appliedVersions = append(appliedVersions, v)
	}
	sort.Slice(appliedVersions, func(i, j int) bool { return appliedVersions[i] > appliedVersions[j] })

	toRollback := make(map[int64]struct{})
	switch {
	case opts.Target != nil:
		for _, v := range appliedVersions {
			if v > *opts.Target {
				toRollback[v] = struct{}{}
			}
		}
	default:
		steps := opts.Steps
		if steps < 0 {
			steps = 0
		}
		if steps > len(appliedVersions) {
			steps = len(appliedVersions)
		}
		for _, v := range appliedVersions[:steps] {
			toRollback[v] = struct{}{}
		}
	}

	var ordered []int64
	for _, v := range reverseOrder {
		if _, ok := toRollback[v]; ok {
			ordered = append(ordered, v)
		}
	}

	result := make([]int64, 0, len(ordered))
	for i, version := range ordered {
		m, ok := byVersion[version]
		if !ok {
			return result, newMigrationError(fmt.Sprintf("rollback target %d has no artifact on disk", version), nil)
		}
		start := time.Now()
		opts.OnProgress(m, i+1, len(ordered), ProgressStarted, 0)

		if opts.DryRun {
			opts.OnProgress(m, i+1, len(ordered), ProgressWouldApply, 0)
			result = append(result, version)
			continue
		}

		if err := e.applyReverse(ctx, m, opts.Timeout); err != nil {
			return result, err
		}

		opts.OnProgress(m, i+1, len(ordered), ProgressCompleted, time.Since(start).Seconds())
		e.metrics.MigrationsRolledBack.Inc()
		result = append(result, version)
	}

	return result, nil
}

func (e *Engine) applyReverse(ctx context.Context, m *Migration, timeout time.Duration) error {
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	tx, err := e.db.BeginTx(runCtx, nil)
	if err != nil {
		return newConnectionError("begin transaction", err)
	}

	if err := e.runArtifact(runCtx, tx, m, DirectionDown); err != nil {
		tx.Rollback()
		return newMigrationError(fmt.Sprintf("rollback migration %d (%s)", m.Version, m.Name), err)
	}

	if err := e.tracker.DeleteTx(runCtx, tx, m.Version); err != nil {
		tx.Rollback()
		return newMigrationError(fmt.Sprintf("untrack migration %d", m.Version), err)
	}

	if err := tx.Commit(); err != nil {
		return newMigrationError(fmt.Sprintf("commit rollback %d", m.Version), err)
	}

	return nil
}

// runArtifact executes m's artifact for direction within tx: the whole
// SQL file as one batch for Kind: sql, or the registered
// PythonMigrationFunc for Kind: python.
func (e *Engine) runArtifact(ctx context.Context, tx *sql.Tx, m *Migration, direction Direction) error {
	if m.Kind == KindPython {
		pair, ok := e.python[m.Version]
		if !ok {
			return fmt.Errorf("no registered python migration for version %d", m.Version)
		}
		fn := pair.Up
		if direction == DirectionDown {
			fn = pair.Down
		}
		if fn == nil {
			return fmt.Errorf("no registered %s function for python migration version %d", direction, m.Version)
		}
		return fn(ctx, tx)
	}

	path := m.UpPath
	if direction == DirectionDown {
		path = m.DownPath
	}
	body, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s artifact %s: %w", direction, path, err)
	}
	if _, err := tx.ExecContext(ctx, string(body)); err != nil {
		return err
	}
	return nil
}

// StatusResult is the read-only snapshot returned by Status.
type StatusResult struct {
	CurrentVersion int64
	Applied        []*Migration
	Pending        []*Migration
}

// Status reports the current version, applied migrations, and pending
// migrations, without applying anything.
func (e *Engine) Status(ctx context.Context) (*StatusResult, error) {
	if err := e.ensureTable(ctx); err != nil {
		return nil, err
	}

	applied, err := e.tracker.Applied(ctx)
	if err != nil {
		return nil, err
	}

	migrations, err := Discover(e.roots)
	if err != nil {
		return nil, err
	}

	var current int64
	result := &StatusResult{}
	for _, m := range migrations {
		if _, ok := applied[m.Version]; ok {
			result.Applied = append(result.Applied, m)
			if m.Version > current {
				current = m.Version
			}
		} else {
			result.Pending = append(result.Pending, m)
		}
	}
	result.CurrentVersion = current
	return result, nil
}

// ChecksumReport is returned by VerifyChecksums.
type ChecksumReport struct {
	Valid   []int64
	Invalid []int64
}

// VerifyChecksums recomputes the checksum of every applied migration
// still present on disk and compares it against the stored value. Unlike
// the forward-apply check, a missing file for an applied version is
// reported here as Invalid: a caller explicitly asking whether
// everything is still consistent needs to see it.
func (e *Engine) VerifyChecksums(ctx context.Context) (*ChecksumReport, error) {
	if err := e.ensureTable(ctx); err != nil {
		return nil, err
	}
	applied, err := e.tracker.Applied(ctx)
	if err != nil {
		return nil, err
	}
	migrations, err := Discover(e.roots)
	if err != nil {
		return nil, err
	}
	byVersion := make(map[int64]*Migration, len(migrations))
	for _, m := range migrations {
		byVersion[m.Version] = m
	}

	report := &ChecksumReport{}
	for version, row := range applied {
		m, ok := byVersion[version]
		if !ok {
			// File missing for an applied version: a violation here,
			// unlike the permissive check inside Up.
			report.Invalid = append(report.Invalid, version)
			continue
		}
		sum, err := m.Checksum()
		if err != nil {
			report.Invalid = append(report.Invalid, version)
			continue
		}
		if sum == row.Checksum {
			report.Valid = append(report.Valid, version)
		} else {
			report.Invalid = append(report.Invalid, version)
		}
	}
	sort.Slice(report.Valid, func(i, j int) bool { return report.Valid[i] < report.Valid[j] })
	sort.Slice(report.Invalid, func(i, j int) bool { return report.Invalid[i] < report.Invalid[j] })
	return report, nil
}

// GetDependencyGraph returns version -> declared dependencies for every
// discovered migration.
func (e *Engine) GetDependencyGraph() (map[int64][]int64, error) {
	migrations, err := Discover(e.roots)
	if err != nil {
		return nil, err
	}
	graph, err := BuildGraph(migrations)
	if err != nil {
		return nil, err
	}
	return graph.Dependencies(), nil
}

// PreviewResult is the read-only inspection returned by Preview.
type PreviewResult struct {
	Version      int64
	Name         string
	Dependencies []int64
	Checksum     string
	SQLPreview   string
	TotalLines   int
}

// Preview inspects a single migration's artifact for direction without
// executing it.
func (e *Engine) Preview(version int64, direction Direction) (*PreviewResult, error) {
	migrations, err := Discover(e.roots)
	if err != nil {
		return nil, err
	}
	var m *Migration
	for _, c := range migrations {
		if c.Version == version {
			m = c
			break
		}
	}
	if m == nil {
		return nil, newMigrationError(fmt.Sprintf("unknown migration %d", version), nil)
	}

	path := m.UpPath
	if direction == DirectionDown {
		path = m.DownPath
	}
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s artifact %s: %w", direction, path, err)
	}

	deps, err := m.DeclaredDependencies()
	if err != nil {
		return nil, err
	}
	depSlice := make([]int64, 0, len(deps))
	for d := range deps {
		depSlice = append(depSlice, d)
	}
	sort.Slice(depSlice, func(i, j int) bool { return depSlice[i] < depSlice[j] })

	checksum, err := m.Checksum()
	if err != nil {
		return nil, err
	}

	lines := strings.Split(string(body), "\n")
	return &PreviewResult{
		Version:      m.Version,
		Name:         m.Name,
		Dependencies: depSlice,
		Checksum:     checksum,
		SQLPreview:   string(body),
		TotalLines:   len(lines),
	}, nil
}

// CreateOptions controls CreateMigration.
type CreateOptions struct {
	Name       string
	Dir        string
	AutoDepend bool
	Python     bool
}

var sanitizePattern = regexp.MustCompile(`[^a-z0-9_]+`)

func sanitizeName(name string) string {
	lower := strings.ToLower(name)
	lower = strings.ReplaceAll(lower, " ", "_")
	return sanitizePattern.ReplaceAllString(lower, "")
}

// nextVersion returns a version later than every version already present
// in dir, derived from wall-clock time, so repeated calls within the
// same process are monotonically increasing even when the clock doesn't
// advance between them.
func (e *Engine) nextVersion(dir string) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	latest, err := latestVersionInDir(dir)
	if err != nil {
		return 0, err
	}

	candidate := time.Now().UTC().Format("20060102150405000")
	version, err := parseVersionToken(candidate)
	if err != nil {
		return 0, err
	}
	if version <= latest {
		version = latest + 1
	}
	return version, nil
}

func parseVersionToken(token string) (int64, error) {
	var v int64
	if _, err := fmt.Sscanf(token, "%d", &v); err != nil {
		return 0, fmt.Errorf("parse version token %q: %w", token, err)
	}
	return v, nil
}

func latestVersionInDir(dir string) (int64, error) {
	migrations, err := Discover([]string{dir})
	if err != nil {
		if pgErr, ok := err.(*Error); ok && pgErr.Kind == ErrKindSchema {
			return 0, nil // directory doesn't exist yet
		}
		return 0, err
	}
	var latest int64
	for _, m := range migrations {
		if m.Version > latest {
			latest = m.Version
		}
	}
	return latest, nil
}

func stubBodies(python bool, name string) (up, down string) {
	if python {
		up = fmt.Sprintf("# migration: %s\nasync def migrate(conn):\n    pass\n", name)
		down = fmt.Sprintf("# rollback: %s\nasync def migrate(conn):\n    pass\n", name)
		return
	}
	up = fmt.Sprintf("-- migration: %s\n", name)
	down = fmt.Sprintf("-- rollback: %s\n", name)
	return
}

// CreateMigration writes a stub up/down artifact pair into dir, named
// from a freshly generated version and the sanitized name.
func (e *Engine) CreateMigration(opts CreateOptions) (upPath, downPath string, err error) {
	name := sanitizeName(opts.Name)
	if name == "" {
		return "", "", newConfigurationError("migration name must contain at least one alphanumeric character")
	}

	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return "", "", fmt.Errorf("create migrations directory %s: %w", opts.Dir, err)
	}

	version, err := e.nextVersion(opts.Dir)
	if err != nil {
		return "", "", err
	}

	suffix := "sql"
	if opts.Python {
		suffix = "py"
	}

	upBody, downBody := stubBodies(opts.Python, name)

	if opts.AutoDepend {
		latest, err := latestVersionInDir(opts.Dir)
		if err != nil {
			return "", "", err
		}
		if latest > 0 {
			marker := "--"
			if opts.Python {
				marker = "#"
			}
			upBody = fmt.Sprintf("%s depends_on: %d\n%s", marker, latest, upBody)
		}
	}

	upPath = filepath.Join(opts.Dir, fmt.Sprintf("%d_%s_up.%s", version, name, suffix))
	downPath = filepath.Join(opts.Dir, fmt.Sprintf("%d_%s_down.%s", version, name, suffix))

	if err := os.WriteFile(upPath, []byte(upBody), 0o644); err != nil {
		return "", "", fmt.Errorf("write %s: %w", upPath, err)
	}
	if err := os.WriteFile(downPath, []byte(downBody), 0o644); err != nil {
		return "", "", fmt.Errorf("write %s: %w", downPath, err)
	}

	e.logger.Info().Int64("version", version).Str("name", name).Msg("migration created")
	return upPath, downPath, nil
}
