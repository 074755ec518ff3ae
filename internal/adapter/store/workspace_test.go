package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeMap(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "workspaces.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestWorkspaceMapLookup(t *testing.T) {
	path := writeMap(t, t.TempDir(), `
default: shared
conversations:
  "1180": project-a
  ops: /srv/work/ops
`)
	m, err := LoadWorkspaceMap(path)
	if err != nil {
		t.Fatalf("LoadWorkspaceMap: %v", err)
	}

	tests := []struct {
		conv string
		want string
	}{
		{"1180", "project-a"},
		{"ops", "/srv/work/ops"},
		{"unknown", "shared"},
	}
	for _, tc := range tests {
		if got := m.WorkspaceFor(tc.conv); got != tc.want {
			t.Errorf("WorkspaceFor(%q) = %q, want %q", tc.conv, got, tc.want)
		}
	}
	if m.Len() != 2 {
		t.Errorf("Len = %d, want 2", m.Len())
	}
}

func TestWorkspaceMapEmptyPath(t *testing.T) {
	m, err := LoadWorkspaceMap("")
	if err != nil {
		t.Fatal(err)
	}
	if got := m.WorkspaceFor("any"); got != "" {
		t.Errorf("WorkspaceFor = %q, want root (empty)", got)
	}
	if err := m.Reload(); err != nil {
		t.Errorf("Reload on empty path: %v", err)
	}
}

func TestWorkspaceMapMissingFile(t *testing.T) {
	if _, err := LoadWorkspaceMap(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestWorkspaceMapReloadKeepsPreviousOnError(t *testing.T) {
	dir := t.TempDir()
	path := writeMap(t, dir, "conversations:\n  c1: alpha\n")
	m, err := LoadWorkspaceMap(path)
	if err != nil {
		t.Fatal(err)
	}

	writeMap(t, dir, "conversations: [not, a, map\n")
	err = m.Reload()
	if err == nil || !strings.Contains(err.Error(), "parse workspace map") {
		t.Fatalf("Reload err = %v", err)
	}
	if got := m.WorkspaceFor("c1"); got != "alpha" {
		t.Errorf("after failed reload WorkspaceFor = %q, want alpha", got)
	}

	writeMap(t, dir, "conversations:\n  c1: beta\n")
	if err := m.Reload(); err != nil {
		t.Fatal(err)
	}
	if got := m.WorkspaceFor("c1"); got != "beta" {
		t.Errorf("after reload WorkspaceFor = %q, want beta", got)
	}
}
