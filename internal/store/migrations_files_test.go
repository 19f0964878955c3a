package store

import (
	"io/fs"
	"regexp"
	"strings"
	"testing"
)

func TestMigrationsHaveMatchingUpAndDownFiles(t *testing.T) {
	entries, err := fs.ReadDir(migrationFiles, "migrations")
	if err != nil {
		t.Fatalf("read embedded migrations: %v", err)
	}

	pattern := regexp.MustCompile(`^(\d+)_.*\.(up|down)\.sql$`)
	byVersion := map[string]map[string]bool{}

	for _, entry := range entries {
		name := entry.Name()
		match := pattern.FindStringSubmatch(name)
		if match == nil {
			t.Fatalf("unexpected file in migrations: %s", name)
		}
		version, direction := match[1], match[2]
		if byVersion[version] == nil {
			byVersion[version] = map[string]bool{}
		}
		if byVersion[version][direction] {
			t.Fatalf("duplicate %s migration file for version %s", direction, version)
		}
		byVersion[version][direction] = true
	}

	if len(byVersion) == 0 {
		t.Fatal("no migrations discovered")
	}
	for version, dirs := range byVersion {
		if !dirs["up"] || !dirs["down"] {
			t.Fatalf("version %s must include both up and down files", version)
		}
	}
}

func TestLedgerTablesAreAppendOnly(t *testing.T) {
	raw, err := fs.ReadFile(migrationFiles, "migrations/0002_append_only.up.sql")
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	sql := string(raw)
	for _, want := range []string{"BEFORE UPDATE ON page_versions", "BEFORE UPDATE ON activities", "ERRCODE = '55000'"} {
		if !strings.Contains(sql, want) {
			t.Fatalf("append-only migration missing %q", want)
		}
	}
	if strings.Contains(sql, "BEFORE DELETE") {
		t.Fatal("deletes must stay allowed for cascades")
	}
}

func TestVersionNumbersAreUniquePerPage(t *testing.T) {
	raw, err := fs.ReadFile(migrationFiles, "migrations/0001_init.up.sql")
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	if !strings.Contains(string(raw), "UNIQUE (page_id, version)") {
		t.Fatal("page_versions must enforce unique version numbers per page")
	}
}
