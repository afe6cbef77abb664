package migration

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
)

type migrationFile struct {
	name    string
	version uint
}

// upMigrations lists the embedded up migrations ordered by version. Two
// files claiming one version are rejected so a bad merge cannot skip one.
func upMigrations() ([]migrationFile, error) {
	entries, err := fs.ReadDir(embeddedMigrations, migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	seen := make(map[uint]string)
	var files []migrationFile
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".up.sql") {
			continue
		}
		version, ok := parseMigrationVersion(name)
		if !ok {
			return nil, fmt.Errorf("invalid migration filename: %s", name)
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("migrations %s and %s share version %d", prev, name, version)
		}
		seen[version] = name
		files = append(files, migrationFile{name: name, version: version})
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no embedded migrations found")
	}

	sort.Slice(files, func(i, j int) bool { return files[i].version < files[j].version })
	return files, nil
}

// LatestMigrationVersion returns the highest embedded migration version.
func LatestMigrationVersion() (uint, error) {
	files, err := upMigrations()
	if err != nil {
		return 0, err
	}
	return files[len(files)-1].version, nil
}

// MigrationsChecksum hashes every up migration in version order. It is logged
// after each run so operators can tell two deployments apart at a glance.
func MigrationsChecksum() (string, error) {
	files, err := upMigrations()
	if err != nil {
		return "", err
	}

	h := sha256.New()
	for _, f := range files {
		content, err := embeddedMigrations.ReadFile(path.Join(migrationsDir, f.name))
		if err != nil {
			return "", fmt.Errorf("read migration %s: %w", f.name, err)
		}
		fmt.Fprintf(h, "%d\x00%s\x00", f.version, f.name)
		h.Write(content)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// parseMigrationVersion reads the numeric prefix of "000001_init.up.sql".
func parseMigrationVersion(name string) (uint, bool) {
	prefix, _, found := strings.Cut(name, "_")
	if !found || prefix == "" {
		return 0, false
	}
	v, err := strconv.ParseUint(prefix, 10, 64)
	if err != nil || v == 0 {
		return 0, false
	}
	return uint(v), true
}
