package main

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestSplitList(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"a,b,c", 3},
		{" a , b ", 2},
		{"", 0},
		{",,,", 0},
		{"single", 1},
	}
	for _, tt := range tests {
		if got := splitList(tt.in); len(got) != tt.want {
			t.Errorf("splitList(%q) = %v, want %d items", tt.in, got, tt.want)
		}
	}
}

func TestNewRunID(t *testing.T) {
	a := newRunID()
	b := newRunID()
	if !strings.HasPrefix(a, "run-") {
		t.Errorf("id format: %q", a)
	}
	if a == b {
		t.Errorf("ids collide: %q", a)
	}
}

func TestEnsureDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "deep")
	if err := ensureDir(dir); err != nil {
		t.Fatal(err)
	}
	if !pathExists(dir) {
		t.Fatal("dir not created")
	}
	// Idempotent.
	if err := ensureDir(dir); err != nil {
		t.Fatal(err)
	}
}

func TestNormalizeDefaults(t *testing.T) {
	d := normalizeDefaults(Defaults{})
	if d.MaxOutputKB != defaultMaxOutputBytes/1024 {
		t.Errorf("MaxOutputKB = %d", d.MaxOutputKB)
	}
	if d.MaxOutputLines != defaultMaxOutputLines {
		t.Errorf("MaxOutputLines = %d", d.MaxOutputLines)
	}
	if d.Concurrency != defaultConcurrency {
		t.Errorf("Concurrency = %d", d.Concurrency)
	}
	if d.MaxParallel != maxParallelTasks {
		t.Errorf("MaxParallel = %d", d.MaxParallel)
	}

	d = normalizeDefaults(Defaults{MaxParallel: 99})
	if d.MaxParallel != maxParallelTasks {
		t.Errorf("MaxParallel not clamped: %d", d.MaxParallel)
	}
}

func TestFindProjectRoot(t *testing.T) {
	root := t.TempDir()
	if err := ensureDir(filepath.Join(root, ".subagent-kit")); err != nil {
		t.Fatal(err)
	}
	nested := filepath.Join(root, "a", "b", "c")
	if err := ensureDir(nested); err != nil {
		t.Fatal(err)
	}
	if got := findProjectRoot(nested); got != root {
		t.Errorf("findProjectRoot = %q, want %q", got, root)
	}
}
