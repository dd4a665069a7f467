// Package manifest handles dynac.toml project configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// FileName is the manifest file the loader looks for.
const FileName = "dynac.toml"

// Manifest represents a dynac.toml project configuration.
type Manifest struct {
	Project Project     `toml:"project"`
	GC      GCConfig    `toml:"gc"`
	Cache   CacheConfig `toml:"cache"`
	REPL    REPLConfig  `toml:"repl"`

	// Dir is the directory containing the dynac.toml file (set at load time).
	Dir string `toml:"-"`
}

// Project contains project metadata.
type Project struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
}

// GCConfig tunes the collector. Zero values mean "use the VM default".
type GCConfig struct {
	ThresholdBytes int     `toml:"threshold_bytes"`
	GrowthFactor   float64 `toml:"growth_factor"`
	Trace          bool    `toml:"trace"`
}

// CacheConfig configures the compile cache.
type CacheConfig struct {
	Path    string `toml:"path"`
	Enabled bool   `toml:"enabled"`
}

// REPLConfig configures the interactive session.
type REPLConfig struct {
	History string `toml:"history"`
}

// Load parses a dynac.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	md, err := toml.Decode(string(data), &m)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	// Defaults
	if !md.IsDefined("cache", "enabled") {
		m.Cache.Enabled = true
	}
	if m.Cache.Path == "" {
		m.Cache.Path = filepath.Join(".dynac", "cache.db")
	}
	if m.REPL.History == "" {
		m.REPL.History = filepath.Join(".dynac", "history")
	}

	return &m, nil
}

// FindAndLoad walks up from startDir to find a dynac.toml file, then loads
// and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// CachePath returns the absolute path of the cache database.
func (m *Manifest) CachePath() string {
	if filepath.IsAbs(m.Cache.Path) {
		return m.Cache.Path
	}
	return filepath.Join(m.Dir, m.Cache.Path)
}

// HistoryPath returns the absolute path of the REPL history file.
func (m *Manifest) HistoryPath() string {
	if filepath.IsAbs(m.REPL.History) {
		return m.REPL.History
	}
	return filepath.Join(m.Dir, m.REPL.History)
}
