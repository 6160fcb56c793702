package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

// runStatusCmd checks runner availability, directory health and agent counts.
func runStatusCmd(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Println("Invalid flags.")
		return 1
	}

	cfg, _ := loadConfigOrEmpty(resolveConfigPath(""))
	payload, ok := statusCheckPayload(cfg)
	if *jsonOut || !isTerminal(os.Stdout) {
		printJSON(payload)
		if ok {
			return 0
		}
		return 1
	}

	renderStatusCheckPretty(payload, ok)
	if ok {
		return 0
	}
	return 1
}

func statusCheckPayload(cfg Config) (map[string]interface{}, bool) {
	ok := true

	runnerExe := resolveRunnerExe(cfg.Runner)
	runnerFound := false
	if _, err := exec.LookPath(runnerExe); err == nil {
		runnerFound = true
	} else if pathExists(runnerExe) {
		runnerFound = true
	}
	if !runnerFound {
		ok = false
	}

	store := openStore("")
	agents, _ := store.ListAgents(ScopeBoth)
	chains, _ := store.ListChains(ScopeBoth)
	skills := listSkills("")

	depth := currentDepth()
	limit := maxAllowedDepth()

	return map[string]interface{}{
		"config":      resolveConfigPath(""),
		"runner":      runnerExe,
		"runner_ok":   runnerFound,
		"base_dir":    baseDir(),
		"agents":      len(agents),
		"chains":      len(chains),
		"skills":      len(skills),
		"depth":       depth,
		"depth_limit": limit,
	}, ok
}

func renderStatusCheckPretty(payload map[string]interface{}, ok bool) {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render("Subagent Status") + "\n\n")

	configPath, _ := payload["config"].(string)
	sb.WriteString(labelStyle.Render("Config: ") + pathStyle.Render(configPath) + "\n\n")

	sb.WriteString(sectionStyle.Render("Runner") + "\n")
	sb.WriteString(renderDivider(50) + "\n")
	runner, _ := payload["runner"].(string)
	if runnerOK, _ := payload["runner_ok"].(bool); runnerOK {
		sb.WriteString(fmt.Sprintf("%s %s\n", iconOK, valueStyle.Render(runner)))
	} else {
		sb.WriteString(fmt.Sprintf("%s %s %s\n", iconError, valueStyle.Render(runner), errorStyle.Render("not found")))
	}
	sb.WriteString("\n")

	sb.WriteString(sectionStyle.Render("Store") + "\n")
	sb.WriteString(renderDivider(50) + "\n")
	sb.WriteString(fmt.Sprintf("%s agents: %v  chains: %v  skills: %v\n",
		iconOK, payload["agents"], payload["chains"], payload["skills"]))
	sb.WriteString("\n")

	depth, _ := payload["depth"].(int)
	limit, _ := payload["depth_limit"].(int)
	if depth >= limit {
		sb.WriteString(warnStyle.Render(fmt.Sprintf("Depth %d/%d — nested calls are blocked here", depth, limit)) + "\n")
	} else {
		sb.WriteString(labelStyle.Render(fmt.Sprintf("Depth %d/%d", depth, limit)) + "\n")
	}

	sb.WriteString("\n")
	if ok {
		sb.WriteString(okStyle.Render("Ready") + "\n")
	} else {
		sb.WriteString(errorStyle.Render("Some issues detected") + "\n")
	}
	fmt.Print(sb.String())
}
