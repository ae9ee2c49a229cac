package pgfast

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func migrationWithDeps(t *testing.T, dir string, version int64, name string, deps ...int64) *Migration {
	t.Helper()
	upBody := ""
	if len(deps) > 0 {
		upBody = "-- depends_on:"
		for i, d := range deps {
			if i > 0 {
				upBody += ","
			}
			upBody += " " + itoa(d)
		}
		upBody += "\n"
	}
	upBody += "CREATE TABLE " + name + "();"

	up := filepath.Join(dir, itoa(version)+"_"+name+"_up.sql")
	down := filepath.Join(dir, itoa(version)+"_"+name+"_down.sql")
	require.NoError(t, os.WriteFile(up, []byte(upBody), 0o644))
	require.NoError(t, os.WriteFile(down, []byte("DROP TABLE "+name+";"), 0o644))

	return &Migration{Version: version, Name: name, UpPath: up, DownPath: down, SourceDir: dir, Kind: KindSQL}
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func TestTopoSortDeterministicTieBreak(t *testing.T) {
	dir := t.TempDir()
	a := migrationWithDeps(t, dir, 100, "a")
	b := migrationWithDeps(t, dir, 200, "b", 100)
	c := migrationWithDeps(t, dir, 300, "c", 100)

	graph, err := BuildGraph([]*Migration{a, b, c})
	require.NoError(t, err)

	order, err := graph.TopoSort()
	require.NoError(t, err)
	assert.Equal(t, []int64{100, 200, 300}, order)
}

func TestTopoSortRespectsDiamondDependency(t *testing.T) {
	dir := t.TempDir()
	a := migrationWithDeps(t, dir, 100, "a")
	b := migrationWithDeps(t, dir, 200, "b", 100)
	c := migrationWithDeps(t, dir, 300, "c", 100)
	d := migrationWithDeps(t, dir, 400, "d", 200, 300)

	graph, err := BuildGraph([]*Migration{a, b, c, d})
	require.NoError(t, err)

	order, err := graph.TopoSort()
	require.NoError(t, err)
	require.Len(t, order, 4)
	assert.Equal(t, int64(100), order[0])
	assert.Equal(t, int64(400), order[3])
}

func TestTopoSortDetectsCycle(t *testing.T) {
	dir := t.TempDir()
	a := migrationWithDeps(t, dir, 100, "a", 200)
	b := migrationWithDeps(t, dir, 200, "b", 100)

	graph, err := BuildGraph([]*Migration{a, b})
	require.NoError(t, err)

	_, err = graph.TopoSort()
	require.Error(t, err)
	var pgErr *Error
	require.ErrorAs(t, err, &pgErr)
	assert.Equal(t, ErrKindDependency, pgErr.Kind)
}

func TestTopoSortDetectsSelfDependency(t *testing.T) {
	dir := t.TempDir()
	a := migrationWithDeps(t, dir, 100, "a", 100)

	graph, err := BuildGraph([]*Migration{a})
	require.NoError(t, err)

	_, err = graph.TopoSort()
	require.Error(t, err)
	var pgErr *Error
	require.ErrorAs(t, err, &pgErr)
	assert.Equal(t, ErrKindDependency, pgErr.Kind)
}

func TestBuildGraphRejectsUnknownDependency(t *testing.T) {
	dir := t.TempDir()
	a := migrationWithDeps(t, dir, 100, "a", 999)

	_, err := BuildGraph([]*Migration{a})
	require.Error(t, err)
	var pgErr *Error
	require.ErrorAs(t, err, &pgErr)
	assert.Equal(t, ErrKindDependency, pgErr.Kind)
}

func TestReverseTopoSortUndoesDependentsFirst(t *testing.T) {
	dir := t.TempDir()
	a := migrationWithDeps(t, dir, 100, "a")
	b := migrationWithDeps(t, dir, 200, "b", 100)

	graph, err := BuildGraph([]*Migration{a, b})
	require.NoError(t, err)

	reversed, err := graph.ReverseTopoSort()
	require.NoError(t, err)
	assert.Equal(t, []int64{200, 100}, reversed)
}

func TestTopoSortEmptySetReturnsEmptyOrder(t *testing.T) {
	graph, err := BuildGraph(nil)
	require.NoError(t, err)
	order, err := graph.TopoSort()
	require.NoError(t, err)
	assert.Empty(t, order)
}
