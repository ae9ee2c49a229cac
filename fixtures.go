package pgfast

import (
	"context"
	"database/sql"

	"github.com/elmcrest/pgfast/internal/fixture"
)

// FixtureLoader is the C7 facade over internal/fixture, reusing the
// migration dependency graph rooted at the same MigrationRoots to order
// fixture execution.
type FixtureLoader struct {
	loader *fixture.Loader
}

// NewFixtureLoader builds a FixtureLoader.
func NewFixtureLoader(migrationRoots, fixtureRoots []string) *FixtureLoader {
	order := func(roots []string) ([]int64, error) {
		migrations, err := Discover(roots)
		if err != nil {
			return nil, err
		}
		graph, err := BuildGraph(migrations)
		if err != nil {
			return nil, err
		}
		return graph.TopoSort()
	}
	return &FixtureLoader{loader: fixture.NewLoader(migrationRoots, fixtureRoots, order)}
}

// Load executes the named fixtures (or every discovered fixture, if
// names is empty) against db, in migration-DAG order.
func (f *FixtureLoader) Load(ctx context.Context, db *sql.DB, names ...string) error {
	return f.loader.Load(ctx, db, names)
}
