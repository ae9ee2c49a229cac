package pgfast

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// Migration is an immutable descriptor of a version-stamped pair of
// forward and reverse migration artifacts. A Migration owns no mutable
// state; it is discarded at the end of the run that discovered it.
type Migration struct {
	Version   int64
	Name      string
	UpPath    string
	DownPath  string
	SourceDir string
	Kind      Kind
}

// IsComplete reports whether both artifacts still exist on disk.
func (m *Migration) IsComplete() bool {
	if _, err := os.Stat(m.UpPath); err != nil {
		return false
	}
	if _, err := os.Stat(m.DownPath); err != nil {
		return false
	}
	return true
}

// Checksum reads both artifacts and computes their content digest.
func (m *Migration) Checksum() (string, error) {
	up, err := os.ReadFile(m.UpPath)
	if err != nil {
		return "", fmt.Errorf("read up artifact %s: %w", m.UpPath, err)
	}
	down, err := os.ReadFile(m.DownPath)
	if err != nil {
		return "", fmt.Errorf("read down artifact %s: %w", m.DownPath, err)
	}
	return Checksum(up, down), nil
}

// dependsOnPattern matches a "-- depends_on: v1, v2" or "# depends_on:
// v1, v2" header line. The keyword is matched case-insensitively; the
// comment marker is whichever of -- or # appears, since a Python
// artifact only ever carries # and a SQL one only ever carries --.
var dependsOnPattern = regexp.MustCompile(`(?i)^\s*(?:--|#)\s*depends_on\s*:\s*(.+?)\s*$`)

// DeclaredDependencies scans both artifacts for depends_on headers,
// unions and deduplicates the referenced versions across every matching
// line in either file, and silently drops tokens that aren't integers.
func (m *Migration) DeclaredDependencies() (map[int64]struct{}, error) {
	deps := make(map[int64]struct{})
	for _, path := range []string{m.UpPath, m.DownPath} {
		if err := scanDependsOn(path, deps); err != nil {
			return nil, err
		}
	}
	return deps, nil
}

func scanDependsOn(path string, deps map[int64]struct{}) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		m := dependsOnPattern.FindStringSubmatch(scanner.Text())
		if m == nil {
			continue
		}
		for _, token := range strings.Split(m[1], ",") {
			token = strings.TrimSpace(token)
			if token == "" {
				continue
			}
			v, err := strconv.ParseInt(token, 10, 64)
			if err != nil {
				continue // non-numeric tokens are silently skipped
			}
			deps[v] = struct{}{}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan %s: %w", path, err)
	}
	return nil
}
