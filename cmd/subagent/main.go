package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func main() {
	cmd, rest := resolveCommand(os.Args[1:])
	switch cmd {
	case "run":
		os.Exit(runRunCmd(rest))
	case "parallel":
		os.Exit(runParallelCmd(rest))
	case "chain":
		os.Exit(runChainCmd(rest))
	case "runs":
		os.Exit(runRunsCmd(rest))
	case "history":
		os.Exit(runHistoryCmd(rest))
	case "agents":
		os.Exit(runAgentsCmd(rest))
	case "status":
		os.Exit(runStatusCmd(rest))
	case "worker":
		os.Exit(runWorker(rest))
	case "mcp":
		os.Exit(runMCP(rest))
	default:
		printHelp()
		os.Exit(1)
	}
}

func resolveCommand(args []string) (string, []string) {
	subcommands := map[string]bool{
		"run":      true,
		"parallel": true,
		"chain":    true,
		"runs":     true,
		"history":  true,
		"agents":   true,
		"status":   true,
		"worker":   true,
		"mcp":      true,
	}

	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		if subcommands[args[0]] {
			return args[0], args[1:]
		}
	}

	alias := map[string]string{
		"subagent-mcp":     "mcp",
		"subagent-mcp.exe": "mcp",
	}

	exe := filepath.Base(os.Args[0])
	if mapped, ok := alias[exe]; ok {
		return mapped, args
	}

	return "", args
}

func printHelp() {
	fmt.Print(`subagent

Usage:
  subagent <command> [options]

Commands:
  run <agent> <task>   Run a single agent
  parallel             Fan tasks out across agents in parallel
  chain                Run agents sequentially, threading output forward
  runs                 Show background runs (--watch for live view)
  history              List recent run records
  agents               List and manage agents
  status               Check runner and configuration health
  mcp                  Run MCP server (stdio)

Aliases:
  subagent-mcp
`)
}
