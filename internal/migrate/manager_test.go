package migrate

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestSplitStatements(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want int
	}{
		{"single", "create table t (id text);", 1},
		{"two", "create table a (id text); create table b (id text);", 2},
		{"trailing without semicolon", "create table a (id text); insert into a values ('x')", 2},
		{"semicolon inside literal", "insert into a values ('x;y');", 1},
		{"empty", "   \n  ", 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var got int
			for _, stmt := range splitStatements(tc.in) {
				if strings.TrimSpace(stmt) != "" {
					got++
				}
			}
			if got != tc.want {
				t.Fatalf("statements: got %d, want %d", got, tc.want)
			}
		})
	}
}

func TestListScriptsOrdersAndFilters(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"0002_add.up.sql", "0001_init.up.sql", "0001_init.down.sql", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("select 1;"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "nested.up.sql"), 0o755); err != nil {
		t.Fatal(err)
	}

	got, err := listScripts(dir, ".up.sql")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"0001_init.up.sql", "0002_add.up.sql"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("scripts: got %v, want %v", got, want)
	}
}

func TestListScriptsMissingDir(t *testing.T) {
	got, err := listScripts(filepath.Join(t.TempDir(), "absent"), ".sql")
	if err != nil {
		t.Fatalf("missing dir must not error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("scripts: %v", got)
	}

	got, err = listScripts("", ".sql")
	if err != nil || len(got) != 0 {
		t.Fatalf("empty dir name: %v %v", got, err)
	}
}
