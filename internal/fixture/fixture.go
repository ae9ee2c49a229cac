// Package fixture discovers and loads test-data seed files, reusing the
// migration dependency graph to decide what order to run them in.
package fixture

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// filenamePattern matches <version>_<name>_fixture.sql. Fixtures have no
// up/down pairing and no declared dependencies of their own; ordering is
// inherited from the Migration Record sharing their version.
var filenamePattern = regexp.MustCompile(`^(\d+)_([A-Za-z0-9_]+)_fixture\.sql$`)

// Fixture is a version-stamped SQL seed file.
type Fixture struct {
	Version int64
	Name    string
	Path    string
}

// Discover walks roots for fixture files, identically to migration
// discovery but matched against the _fixture.sql suffix.
func Discover(roots []string) ([]*Fixture, error) {
	var fixtures []*Fixture

	for _, root := range roots {
		walkErr := filepath.Walk(root, func(path string, fi os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if fi.IsDir() {
				return nil
			}
			m := filenamePattern.FindStringSubmatch(filepath.Base(path))
			if m == nil {
				return nil
			}
			version, convErr := strconv.ParseInt(m[1], 10, 64)
			if convErr != nil {
				return nil
			}
			fixtures = append(fixtures, &Fixture{Version: version, Name: m[2], Path: path})
			return nil
		})
		if walkErr != nil {
			return nil, fmt.Errorf("walk %s: %w", root, walkErr)
		}
	}

	return fixtures, nil
}

// VersionOrderer returns the migration dependency graph's topological
// order over migrationRoots. The root pgfast package supplies this (its
// Discover/BuildGraph/TopoSort), since this package cannot import the
// root package without creating an import cycle (the root package's
// FixtureLoader facade imports this package).
type VersionOrderer func(migrationRoots []string) ([]int64, error)

// Loader resolves requested fixtures to migration-DAG order and executes
// them.
type Loader struct {
	migrationRoots []string
	fixtureRoots   []string
	order          VersionOrderer
}

// NewLoader builds a Loader. migrationRoots is used only to recompute the
// migration dependency graph that fixture ordering is borrowed from.
func NewLoader(migrationRoots, fixtureRoots []string, order VersionOrderer) *Loader {
	return &Loader{migrationRoots: migrationRoots, fixtureRoots: fixtureRoots, order: order}
}

// Load executes the named fixtures (or every discovered fixture, if
// names is empty) against db, each as its own best-effort SQL batch, in
// the same topological order as the migration DAG. Fixtures are not
// wrapped in a shared transaction: they are seed data, and a shared
// transaction would make a partial failure harder to diagnose. An empty
// request against an empty fixture set is a successful no-op.
func (l *Loader) Load(ctx context.Context, db *sql.DB, names []string) error {
	fixtures, err := Discover(l.fixtureRoots)
	if err != nil {
		return err
	}

	byName := make(map[string]*Fixture, len(fixtures))
	for _, f := range fixtures {
		byName[f.Name] = f
	}

	var requested []*Fixture
	if len(names) == 0 {
		requested = fixtures
	} else {
		var missing []string
		for _, n := range names {
			f, ok := byName[n]
			if !ok {
				missing = append(missing, n)
				continue
			}
			requested = append(requested, f)
		}
		if len(missing) > 0 {
			return fmt.Errorf("fixtures not found: %s", strings.Join(missing, ", "))
		}
	}

	if len(requested) == 0 {
		return nil
	}

	order, err := l.order(l.migrationRoots)
	if err != nil {
		return err
	}

	position := make(map[int64]int, len(order))
	for i, v := range order {
		position[v] = i
	}

	sort.SliceStable(requested, func(i, j int) bool {
		pi, iok := position[requested[i].Version]
		pj, jok := position[requested[j].Version]
		if !iok {
			pi = len(order)
		}
		if !jok {
			pj = len(order)
		}
		return pi < pj
	})

	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection for fixtures: %w", err)
	}
	defer conn.Close()

	for _, f := range requested {
		body, err := os.ReadFile(f.Path)
		if err != nil {
			return fmt.Errorf("read fixture %s: %w", f.Path, err)
		}
		if _, err := conn.ExecContext(ctx, string(body)); err != nil {
			return fmt.Errorf("execute fixture %s: %w", f.Path, err)
		}
	}

	return nil
}
