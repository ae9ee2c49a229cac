package fixture

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopOrder([]string) ([]int64, error) { return nil, nil }

func writeFixture(t *testing.T, dir, version, name string) {
	t.Helper()
	path := filepath.Join(dir, version+"_"+name+"_fixture.sql")
	require.NoError(t, os.WriteFile(path, []byte("INSERT INTO "+name+" VALUES (1);"), 0o644))
}

func TestDiscoverParsesFixtureFilenames(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "100", "users")
	writeFixture(t, dir, "200", "posts")

	fixtures, err := Discover([]string{dir})
	require.NoError(t, err)
	require.Len(t, fixtures, 2)

	byName := make(map[string]*Fixture, len(fixtures))
	for _, f := range fixtures {
		byName[f.Name] = f
	}
	assert.Equal(t, int64(100), byName["users"].Version)
	assert.Equal(t, int64(200), byName["posts"].Version)
}

func TestDiscoverIgnoresNonFixtureFiles(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "100", "users")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "100_users_up.sql"), []byte("x"), 0o644))

	fixtures, err := Discover([]string{dir})
	require.NoError(t, err)
	require.Len(t, fixtures, 1)
	assert.Equal(t, "users", fixtures[0].Name)
}

func TestLoadEmptyRequestIsNoop(t *testing.T) {
	migrationsDir := t.TempDir()
	fixturesDir := t.TempDir()

	loader := NewLoader([]string{migrationsDir}, []string{fixturesDir}, noopOrder)
	err := loader.Load(nil, nil, nil)
	require.NoError(t, err)
}

func TestLoadMissingNameReturnsError(t *testing.T) {
	migrationsDir := t.TempDir()
	fixturesDir := t.TempDir()
	writeFixture(t, fixturesDir, "100", "users")

	loader := NewLoader([]string{migrationsDir}, []string{fixturesDir}, noopOrder)
	err := loader.Load(nil, nil, []string{"does_not_exist"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fixtures not found")
}
