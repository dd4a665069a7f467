package manifest

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	tomlContent := `
[project]
name = "test-app"
version = "0.1.0"

[gc]
threshold_bytes = 2097152
growth_factor = 1.5
trace = true

[cache]
path = "build/cache.db"
enabled = false

[repl]
history = "build/history"
`
	if err := os.WriteFile(filepath.Join(dir, "dynac.toml"), []byte(tomlContent), 0644); err != nil {
		t.Fatal(err)
	}

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if m.Project.Name != "test-app" {
		t.Errorf("project name = %q, want test-app", m.Project.Name)
	}
	if m.Project.Version != "0.1.0" {
		t.Errorf("project version = %q, want 0.1.0", m.Project.Version)
	}
	if m.GC.ThresholdBytes != 2097152 {
		t.Errorf("gc threshold = %d, want 2097152", m.GC.ThresholdBytes)
	}
	if m.GC.GrowthFactor != 1.5 {
		t.Errorf("gc growth factor = %v, want 1.5", m.GC.GrowthFactor)
	}
	if !m.GC.Trace {
		t.Error("gc trace = false, want true")
	}
	if m.Cache.Enabled {
		t.Error("cache enabled = true, want false")
	}
	if m.Cache.Path != "build/cache.db" {
		t.Errorf("cache path = %q, want build/cache.db", m.Cache.Path)
	}
	if m.REPL.History != "build/history" {
		t.Errorf("repl history = %q, want build/history", m.REPL.History)
	}
}

func TestLoadManifestDefaults(t *testing.T) {
	dir := t.TempDir()
	tomlContent := `
[project]
name = "minimal"
`
	if err := os.WriteFile(filepath.Join(dir, "dynac.toml"), []byte(tomlContent), 0644); err != nil {
		t.Fatal(err)
	}

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	// Cache defaults on unless the manifest says otherwise.
	if !m.Cache.Enabled {
		t.Error("default cache enabled = false, want true")
	}
	if m.Cache.Path != filepath.Join(".dynac", "cache.db") {
		t.Errorf("default cache path = %q, want .dynac/cache.db", m.Cache.Path)
	}
	if m.REPL.History != filepath.Join(".dynac", "history") {
		t.Errorf("default history = %q, want .dynac/history", m.REPL.History)
	}
	// GC settings stay zero so the VM's own defaults apply.
	if m.GC.ThresholdBytes != 0 {
		t.Errorf("default gc threshold = %d, want 0", m.GC.ThresholdBytes)
	}
	if m.GC.GrowthFactor != 0 {
		t.Errorf("default gc growth = %v, want 0", m.GC.GrowthFactor)
	}
}

func TestFindAndLoad(t *testing.T) {
	dir := t.TempDir()
	subDir := filepath.Join(dir, "a", "b", "c")
	if err := os.MkdirAll(subDir, 0755); err != nil {
		t.Fatal(err)
	}

	tomlContent := `[project]
name = "found-project"
`
	if err := os.WriteFile(filepath.Join(dir, "dynac.toml"), []byte(tomlContent), 0644); err != nil {
		t.Fatal(err)
	}

	// Should find manifest when starting from a deep subdirectory
	m, err := FindAndLoad(subDir)
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if m == nil {
		t.Fatal("FindAndLoad returned nil")
	}
	if m.Project.Name != "found-project" {
		t.Errorf("project name = %q, want found-project", m.Project.Name)
	}
}

func TestFindAndLoadNotFound(t *testing.T) {
	dir := t.TempDir()
	m, err := FindAndLoad(dir)
	if err != nil {
		t.Fatalf("FindAndLoad error: %v", err)
	}
	if m != nil {
		t.Error("expected nil manifest when no dynac.toml exists")
	}
}

func TestCachePath(t *testing.T) {
	m := &Manifest{
		Dir:   "/app",
		Cache: CacheConfig{Path: filepath.Join(".dynac", "cache.db")},
	}
	if got := m.CachePath(); got != filepath.Join("/app", ".dynac", "cache.db") {
		t.Errorf("CachePath = %q, want /app/.dynac/cache.db", got)
	}

	m.Cache.Path = "/var/cache/dynac.db"
	if got := m.CachePath(); got != "/var/cache/dynac.db" {
		t.Errorf("absolute CachePath = %q, want /var/cache/dynac.db", got)
	}
}
