package main

import (
	"encoding/json"
	"os"
	"path/filepath"
)

type Config struct {
	Defaults Defaults     `json:"defaults"`
	Runner   RunnerConfig `json:"runner"`
}

type Defaults struct {
	MaxOutputKB    int  `json:"max_output_kb"`
	MaxOutputLines int  `json:"max_output_lines"`
	MaxParallel    int  `json:"max_parallel"`
	Concurrency    int  `json:"concurrency"`
	CleanupDays    int  `json:"cleanup_days"`
	NoArtifacts    bool `json:"no_artifacts"`
	EventLog       bool `json:"event_log"`
}

type RunnerConfig struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

const (
	defaultMaxOutputBytes = 200 * 1024
	defaultMaxOutputLines = 5000
	maxParallelTasks      = 16
	defaultConcurrency    = 4
	defaultCleanupDays    = 7
)

func resolveConfigPath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if env := os.Getenv("SUBAGENT_CONFIG"); env != "" {
		return env
	}
	cwd, err := os.Getwd()
	if err == nil {
		local := filepath.Join(cwd, ".subagent-kit", "subagent.json")
		if pathExists(local) {
			return local
		}
	}
	return filepath.Join(baseDir(), "subagent.json")
}

func loadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadConfigOrEmpty(path string) (Config, error) {
	cfg, err := loadConfig(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, nil
		}
		return Config{}, err
	}
	return cfg, nil
}

func normalizeDefaults(d Defaults) Defaults {
	if d.MaxOutputKB <= 0 {
		d.MaxOutputKB = defaultMaxOutputBytes / 1024
	}
	if d.MaxOutputLines <= 0 {
		d.MaxOutputLines = defaultMaxOutputLines
	}
	if d.MaxParallel <= 0 || d.MaxParallel > maxParallelTasks {
		d.MaxParallel = maxParallelTasks
	}
	if d.Concurrency <= 0 {
		d.Concurrency = defaultConcurrency
	}
	if d.CleanupDays <= 0 {
		d.CleanupDays = defaultCleanupDays
	}
	return d
}

func asyncRoot() string {
	return filepath.Join(baseDir(), "async")
}

func resultsRoot() string {
	return filepath.Join(baseDir(), "results")
}

func chainRoot() string {
	return filepath.Join(baseDir(), "chains-work")
}

func artifactsRoot() string {
	return filepath.Join(baseDir(), "artifacts")
}

func agentsDir(scope string, cwd string) string {
	if scope == ScopeProject {
		if root := findProjectRoot(cwd); root != "" {
			return filepath.Join(root, ".subagent-kit", "agents")
		}
		return ""
	}
	return filepath.Join(baseDir(), "agents")
}

func chainsDir(scope string, cwd string) string {
	if scope == ScopeProject {
		if root := findProjectRoot(cwd); root != "" {
			return filepath.Join(root, ".subagent-kit", "chains")
		}
		return ""
	}
	return filepath.Join(baseDir(), "chains")
}

func skillsDirs(cwd string) []string {
	dirs := []string{}
	if root := findProjectRoot(cwd); root != "" {
		dirs = append(dirs, filepath.Join(root, ".subagent-kit", "skills"))
	}
	dirs = append(dirs, filepath.Join(baseDir(), "skills"))
	return dirs
}

// findProjectRoot walks up from cwd looking for a .subagent-kit directory.
func findProjectRoot(cwd string) string {
	if cwd == "" {
		cwd, _ = os.Getwd()
	}
	dir, err := filepath.Abs(cwd)
	if err != nil {
		return ""
	}
	for {
		if pathExists(filepath.Join(dir, ".subagent-kit")) {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
