package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

const (
	defaultRunnerName = "pi"

	// Tasks longer than this spill to a temp file referenced with the
	// runner's @file escape; command lines this long break on Windows.
	taskArgLimit = 8 * 1024

	envMCPDirectTools = "MCP_DIRECT_TOOLS"
	mcpNoneSentinel   = "__none__"
)

// resolvedStep carries everything needed to spawn one runner invocation. All
// agent defaults, overrides and injections have already been applied.
type resolvedStep struct {
	Agent          string   `json:"agent"`
	Task           string   `json:"task"`
	Model          string   `json:"model"`
	SystemPrompt   string   `json:"system_prompt"`
	Tools          []string `json:"tools,omitempty"`
	Extensions     []string `json:"extensions,omitempty"`
	ExtensionsSet  bool     `json:"extensions_set,omitempty"`
	MCPDirectTools []string `json:"mcp_direct_tools,omitempty"`
	MCPSet         bool     `json:"mcp_set,omitempty"`
	OutputPath     string   `json:"output_path,omitempty"`
	Skills         []string `json:"skills,omitempty"`
	Warnings       []string `json:"warnings,omitempty"`
	Cwd            string   `json:"cwd,omitempty"`
	SessionDir     string   `json:"session_dir,omitempty"`
}

// resolveRunnerExe locates the runner executable: explicit override, PATH, then
// a walk up from this binary's own directory (covers installs where the runner
// sits next to the package root rather than on PATH).
func resolveRunnerExe(cfg RunnerConfig) string {
	if env := os.Getenv("SUBAGENT_RUNNER"); env != "" {
		return env
	}
	name := cfg.Command
	if name == "" {
		name = defaultRunnerName
	}
	if filepath.IsAbs(name) {
		return name
	}
	if path, err := exec.LookPath(name); err == nil {
		return path
	}
	exe, err := os.Executable()
	if err != nil {
		return name
	}
	dir := filepath.Dir(exe)
	for {
		candidate := filepath.Join(dir, name)
		if runtime.GOOS == "windows" {
			candidate += ".exe"
		}
		if pathExists(candidate) {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return name
		}
		dir = parent
	}
}

// buildRunnerArgs assembles the runner's command line. Temp files created for
// the system prompt or a spilled task are returned for cleanup after the run.
func buildRunnerArgs(step resolvedStep, extraArgs []string) (args []string, tempFiles []string, err error) {
	args = append(args, "-p")
	args = append(args, extraArgs...)

	if step.SessionDir != "" {
		args = append(args, "--session-dir", step.SessionDir)
	} else {
		args = append(args, "--no-session")
	}
	if step.Model != "" {
		args = append(args, "--models", step.Model)
	}
	if len(step.Tools) > 0 {
		args = append(args, "--tools", strings.Join(step.Tools, ","))
	}
	if step.ExtensionsSet {
		if len(step.Extensions) == 0 {
			args = append(args, "--no-extensions")
		} else {
			for _, ext := range step.Extensions {
				args = append(args, "--extension", ext)
			}
		}
	}
	if step.SystemPrompt != "" {
		promptFile, werr := writeTempFile("system-prompt-*.md", step.SystemPrompt)
		if werr != nil {
			return nil, tempFiles, werr
		}
		tempFiles = append(tempFiles, promptFile)
		args = append(args, "--append-system-prompt", promptFile)
	}

	task := step.Task
	if len(task) > taskArgLimit {
		taskFile, werr := writeTempFile("task-*.md", task)
		if werr != nil {
			return nil, tempFiles, werr
		}
		tempFiles = append(tempFiles, taskFile)
		args = append(args, "@"+taskFile)
	} else {
		args = append(args, task)
	}
	return args, tempFiles, nil
}

// runnerEnv builds the child environment: incremented depth, the MCP
// direct-tools list (with the explicit __none__ sentinel when disabled), and
// the console-suppression flag on Windows.
func runnerEnv(step resolvedStep) []string {
	env := append([]string{}, os.Environ()...)
	env = append(env, childDepthEnv())
	if step.MCPSet {
		if len(step.MCPDirectTools) == 0 {
			env = append(env, envMCPDirectTools+"="+mcpNoneSentinel)
		} else {
			env = append(env, envMCPDirectTools+"="+strings.Join(step.MCPDirectTools, ","))
		}
	}
	if step.SessionDir != "" {
		env = append(env, "SUBAGENT_SESSION_DIR="+step.SessionDir)
	}
	if runtime.GOOS == "windows" {
		env = append(env, "SUBAGENT_NO_CONSOLE=1")
	}
	return env
}

func writeTempFile(pattern, content string) (string, error) {
	f, err := os.CreateTemp("", pattern)
	if err != nil {
		return "", err
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func removeTempFiles(paths []string) {
	for _, p := range paths {
		_ = os.Remove(p)
	}
}

// resolveOutputPath applies the output union: disabled, explicit path
// (absolute as-is, relative against cwd), or the agent default.
func resolveOutputPath(spec *OutputSpec, agent *Agent, cwd string) (string, bool) {
	name := ""
	if spec != nil {
		switch spec.Kind {
		case specDisabled:
			return "", false
		case specPath:
			name = spec.Path
		case specDefault:
			name = agent.Output
		}
	} else {
		name = agent.Output
	}
	if name == "" {
		return "", false
	}
	if filepath.IsAbs(name) {
		return name, true
	}
	if cwd == "" {
		cwd, _ = os.Getwd()
	}
	abs, err := filepath.Abs(filepath.Join(cwd, name))
	if err != nil {
		return "", false
	}
	return abs, true
}

// taskInstructions prepends the bracketed read/write directives to a task.
func taskInstructions(task string, reads []string, outputPath string) string {
	var sb strings.Builder
	if len(reads) > 0 {
		abs := make([]string, 0, len(reads))
		for _, r := range reads {
			if a, err := filepath.Abs(r); err == nil {
				abs = append(abs, a)
			} else {
				abs = append(abs, r)
			}
		}
		sb.WriteString(fmt.Sprintf("[Read from: %s]\n", strings.Join(abs, ", ")))
	}
	if outputPath != "" {
		sb.WriteString(fmt.Sprintf("[Write to: %s]\n", outputPath))
	}
	sb.WriteString(task)
	return sb.String()
}
