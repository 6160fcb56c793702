package main

import (
	"os"
	"strings"
	"testing"
)

func argsContain(args []string, flag, value string) bool {
	for i, arg := range args {
		if arg == flag && i+1 < len(args) && args[i+1] == value {
			return true
		}
	}
	return false
}

func TestBuildRunnerArgs(t *testing.T) {
	step := resolvedStep{
		Agent:         "a",
		Task:          "do the thing",
		Model:         "anthropic/claude-sonnet:high",
		SystemPrompt:  "prompt body",
		Tools:         []string{"read", "bash"},
		Extensions:    []string{"/ext/one", "/ext/two"},
		ExtensionsSet: true,
	}
	args, tempFiles, err := buildRunnerArgs(step, nil)
	defer removeTempFiles(tempFiles)
	if err != nil {
		t.Fatal(err)
	}
	if args[0] != "-p" {
		t.Errorf("args[0] = %q, want -p", args[0])
	}
	if !argsContain(args, "--models", "anthropic/claude-sonnet:high") {
		t.Errorf("missing model flag: %v", args)
	}
	if !argsContain(args, "--tools", "read,bash") {
		t.Errorf("missing tools flag: %v", args)
	}
	if !argsContain(args, "--extension", "/ext/one") || !argsContain(args, "--extension", "/ext/two") {
		t.Errorf("missing extension flags: %v", args)
	}
	hasNoSession := false
	for _, arg := range args {
		if arg == "--no-session" {
			hasNoSession = true
		}
	}
	if !hasNoSession {
		t.Errorf("missing --no-session: %v", args)
	}
	if args[len(args)-1] != "do the thing" {
		t.Errorf("task not last positional: %v", args)
	}
	// System prompt goes through a temp file.
	if len(tempFiles) != 1 {
		t.Fatalf("tempFiles = %v", tempFiles)
	}
	data, err := os.ReadFile(tempFiles[0])
	if err != nil || string(data) != "prompt body" {
		t.Errorf("prompt file contents = %q, %v", data, err)
	}
}

func TestBuildRunnerArgsExtensionStates(t *testing.T) {
	// Absent: inherit, no flags.
	args, files, err := buildRunnerArgs(resolvedStep{Task: "t"}, nil)
	defer removeTempFiles(files)
	if err != nil {
		t.Fatal(err)
	}
	for _, arg := range args {
		if arg == "--no-extensions" || arg == "--extension" {
			t.Errorf("inherit case emitted extension flags: %v", args)
		}
	}

	// Empty allowlist: sandbox off.
	args, files, err = buildRunnerArgs(resolvedStep{Task: "t", Extensions: []string{}, ExtensionsSet: true}, nil)
	defer removeTempFiles(files)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, arg := range args {
		if arg == "--no-extensions" {
			found = true
		}
	}
	if !found {
		t.Errorf("empty allowlist should emit --no-extensions: %v", args)
	}
}

func TestBuildRunnerArgsLongTaskSpillsToFile(t *testing.T) {
	task := strings.Repeat("x", taskArgLimit+1)
	args, files, err := buildRunnerArgs(resolvedStep{Task: task}, nil)
	defer removeTempFiles(files)
	if err != nil {
		t.Fatal(err)
	}
	last := args[len(args)-1]
	if !strings.HasPrefix(last, "@") {
		t.Fatalf("long task not spilled: %q", truncateForLog(last, 40))
	}
	data, err := os.ReadFile(strings.TrimPrefix(last, "@"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != task {
		t.Error("spilled task file content mismatch")
	}
}

func TestRunnerEnvMCPSentinel(t *testing.T) {
	findVar := func(env []string, key string) (string, bool) {
		for _, entry := range env {
			if strings.HasPrefix(entry, key+"=") {
				return strings.TrimPrefix(entry, key+"="), true
			}
		}
		return "", false
	}

	// Explicitly disabled: the sentinel distinguishes "off" from "unset".
	env := runnerEnv(resolvedStep{MCPSet: true, MCPDirectTools: []string{}})
	if val, ok := findVar(env, envMCPDirectTools); !ok || val != mcpNoneSentinel {
		t.Errorf("disabled MCP = %q, %v", val, ok)
	}

	env = runnerEnv(resolvedStep{MCPSet: true, MCPDirectTools: []string{"search", "fetch"}})
	if val, _ := findVar(env, envMCPDirectTools); val != "search,fetch" {
		t.Errorf("MCP list = %q", val)
	}

	env = runnerEnv(resolvedStep{})
	if _, ok := findVar(env, envMCPDirectTools); ok {
		t.Error("unset MCP config should not export the variable")
	}

	env = runnerEnv(resolvedStep{})
	if val, ok := findVar(env, envDepth); !ok || val == "" {
		t.Error("depth not propagated to child env")
	}
}

func TestResolveRunnerExeOverride(t *testing.T) {
	t.Setenv("SUBAGENT_RUNNER", "/custom/runner")
	if got := resolveRunnerExe(RunnerConfig{}); got != "/custom/runner" {
		t.Errorf("resolveRunnerExe = %q", got)
	}
}
