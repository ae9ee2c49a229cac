package pgfast

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeMigrationPair(t *testing.T, dir string, version, name string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, version+"_"+name+"_up.sql"), []byte("CREATE TABLE "+name+"();"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, version+"_"+name+"_down.sql"), []byte("DROP TABLE "+name+";"), 0o644))
}

func TestDiscoverSortsByVersion(t *testing.T) {
	dir := t.TempDir()
	writeMigrationPair(t, dir, "200", "posts")
	writeMigrationPair(t, dir, "100", "users")

	migrations, err := Discover([]string{dir})
	require.NoError(t, err)
	require.Len(t, migrations, 2)
	assert.Equal(t, int64(100), migrations[0].Version)
	assert.Equal(t, int64(200), migrations[1].Version)
}

func TestDiscoverEmptyDirReturnsEmptySlice(t *testing.T) {
	dir := t.TempDir()
	migrations, err := Discover([]string{dir})
	require.NoError(t, err)
	assert.Empty(t, migrations)
}

func TestDiscoverMissingRootIsSchemaError(t *testing.T) {
	_, err := Discover([]string{filepath.Join(t.TempDir(), "does-not-exist")})
	require.Error(t, err)
	var pgErr *Error
	require.ErrorAs(t, err, &pgErr)
	assert.Equal(t, ErrKindSchema, pgErr.Kind)
}

func TestDiscoverMissingDownIsMigrationError(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "100_users_up.sql"), []byte("x"), 0o644))

	_, err := Discover([]string{dir})
	require.Error(t, err)
	var pgErr *Error
	require.ErrorAs(t, err, &pgErr)
	assert.Equal(t, ErrKindMigration, pgErr.Kind)
}

func TestDiscoverKindMismatchIsMigrationError(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "100_users_up.sql"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "100_users_down.py"), []byte("x"), 0o644))

	_, err := Discover([]string{dir})
	require.Error(t, err)
	var pgErr *Error
	require.ErrorAs(t, err, &pgErr)
	assert.Equal(t, ErrKindMigration, pgErr.Kind)
}

func TestDiscoverDuplicateVersionWithinOneRootIsError(t *testing.T) {
	dir := t.TempDir()
	writeMigrationPair(t, dir, "100", "users")
	writeMigrationPair(t, dir, "100", "accounts")

	_, err := Discover([]string{dir})
	require.Error(t, err)
	var pgErr *Error
	require.ErrorAs(t, err, &pgErr)
	assert.Equal(t, ErrKindMigration, pgErr.Kind)
}

func TestDiscoverDuplicateVersionAcrossRootsIsError(t *testing.T) {
	dirA := t.TempDir()
	dirB := t.TempDir()
	writeMigrationPair(t, dirA, "100", "users")
	writeMigrationPair(t, dirB, "100", "accounts")

	_, err := Discover([]string{dirA, dirB})
	require.Error(t, err)
	var pgErr *Error
	require.ErrorAs(t, err, &pgErr)
	assert.Equal(t, ErrKindMigration, pgErr.Kind)
}

func TestDiscoverAcceptsZeroAndLargeVersions(t *testing.T) {
	dir := t.TempDir()
	writeMigrationPair(t, dir, "0", "zero")
	writeMigrationPair(t, dir, "9007199254740993", "big")

	migrations, err := Discover([]string{dir})
	require.NoError(t, err)
	require.Len(t, migrations, 2)
	assert.Equal(t, int64(0), migrations[0].Version)
	assert.Equal(t, int64(9007199254740993), migrations[1].Version)
}
