package pgfast

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestMigrationIsComplete(t *testing.T) {
	dir := t.TempDir()
	up := writeFile(t, dir, "up.sql", "CREATE TABLE t();")
	down := writeFile(t, dir, "down.sql", "DROP TABLE t;")

	m := &Migration{UpPath: up, DownPath: down}
	assert.True(t, m.IsComplete())

	os.Remove(down)
	assert.False(t, m.IsComplete())
}

func TestMigrationChecksumMatchesPureFunction(t *testing.T) {
	dir := t.TempDir()
	up := writeFile(t, dir, "up.sql", "CREATE TABLE t();")
	down := writeFile(t, dir, "down.sql", "DROP TABLE t;")

	m := &Migration{UpPath: up, DownPath: down}
	sum, err := m.Checksum()
	require.NoError(t, err)
	assert.Equal(t, Checksum([]byte("CREATE TABLE t();"), []byte("DROP TABLE t;")), sum)
}

func TestDeclaredDependenciesUnionsAcrossLinesAndFiles(t *testing.T) {
	dir := t.TempDir()
	up := writeFile(t, dir, "up.sql", "-- depends_on: 100, 200\n-- depends_on: 300\nCREATE TABLE t();")
	down := writeFile(t, dir, "down.sql", "-- DEPENDS_ON: 400\nDROP TABLE t;")

	m := &Migration{UpPath: up, DownPath: down}
	deps, err := m.DeclaredDependencies()
	require.NoError(t, err)

	assert.Equal(t, map[int64]struct{}{100: {}, 200: {}, 300: {}, 400: {}}, deps)
}

func TestDeclaredDependenciesSkipsNonNumericTokens(t *testing.T) {
	dir := t.TempDir()
	up := writeFile(t, dir, "up.sql", "-- depends_on: 100, abc, 200\nCREATE TABLE t();")
	down := writeFile(t, dir, "down.sql", "DROP TABLE t;")

	m := &Migration{UpPath: up, DownPath: down}
	deps, err := m.DeclaredDependencies()
	require.NoError(t, err)
	assert.Equal(t, map[int64]struct{}{100: {}, 200: {}}, deps)
}

func TestDeclaredDependenciesHandlesPythonCommentMarker(t *testing.T) {
	dir := t.TempDir()
	up := writeFile(t, dir, "up.py", "# depends_on: 42\nasync def migrate(conn):\n    pass\n")
	down := writeFile(t, dir, "down.py", "async def migrate(conn):\n    pass\n")

	m := &Migration{UpPath: up, DownPath: down}
	deps, err := m.DeclaredDependencies()
	require.NoError(t, err)
	assert.Equal(t, map[int64]struct{}{42: {}}, deps)
}
