package pgfast

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
)

type groupEntry struct {
	path string
	kind Kind
}

type migrationGroup struct {
	version   int64
	name      string
	sourceDir string
	up        *groupEntry
	down      *groupEntry
}

// Discover walks each root directory recursively, groups matched
// artifacts into Migration records by (version, name, source_dir), and
// returns them sorted by version. It does not read artifact bodies;
// DeclaredDependencies and Checksum are computed lazily.
func Discover(roots []string) ([]*Migration, error) {
	groups := make(map[string]*migrationGroup) // "<dir>\x00<version>\x00<name>" -> group
	groupKeyForVersion := make(map[int64]string)

	for _, root := range roots {
		info, err := os.Stat(root)
		if err != nil || !info.IsDir() {
			return nil, newSchemaError(fmt.Sprintf("migrations directory not found: %s", root))
		}

		walkErr := filepath.Walk(root, func(path string, fi os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if fi.IsDir() {
				return nil
			}

			base := filepath.Base(path)
			m := migrationCandidatePattern.FindStringSubmatch(base)
			if m == nil {
				return nil
			}
			versionToken, name, direction, kindToken := m[1], m[2], m[3], m[4]

			version, convErr := strconv.ParseInt(versionToken, 10, 64)
			if convErr != nil {
				return newMigrationError(fmt.Sprintf("invalid version in filename %s", base), nil)
			}

			sourceDir := filepath.Dir(path)
			groupKey := sourceDir + "\x00" + versionToken + "\x00" + name

			if existing, seen := groupKeyForVersion[version]; seen && existing != groupKey {
				return newMigrationError(fmt.Sprintf("duplicate version %d", version), nil)
			}
			groupKeyForVersion[version] = groupKey

			g, ok := groups[groupKey]
			if !ok {
				g = &migrationGroup{version: version, name: name, sourceDir: sourceDir}
				groups[groupKey] = g
			}

			entry := &groupEntry{path: path, kind: kindFromSuffix(kindToken)}
			if direction == "up" {
				if g.up != nil {
					return newMigrationError(fmt.Sprintf("duplicate up artifact for version %d", version), nil)
				}
				g.up = entry
			} else {
				if g.down != nil {
					return newMigrationError(fmt.Sprintf("duplicate down artifact for version %d", version), nil)
				}
				g.down = entry
			}

			return nil
		})
		if walkErr != nil {
			if pgErr, ok := walkErr.(*Error); ok {
				return nil, pgErr
			}
			return nil, fmt.Errorf("walk %s: %w", root, walkErr)
		}
	}

	migrations := make([]*Migration, 0, len(groups))
	for _, g := range groups {
		if g.up == nil || g.down == nil {
			return nil, newMigrationError(fmt.Sprintf("missing up/down for version %d (%s)", g.version, g.name), nil)
		}
		if g.up.kind != g.down.kind {
			return nil, newMigrationError(fmt.Sprintf("up/down kind mismatch for version %d", g.version), nil)
		}

		migrations = append(migrations, &Migration{
			Version:   g.version,
			Name:      g.name,
			UpPath:    g.up.path,
			DownPath:  g.down.path,
			SourceDir: g.sourceDir,
			Kind:      g.up.kind,
		})
	}

	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	return migrations, nil
}
