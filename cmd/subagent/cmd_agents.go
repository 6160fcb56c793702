package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
)

func runAgentsCmd(args []string) int {
	action := "list"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		action = args[0]
		args = args[1:]
	}
	// The agent name comes right after the action, ahead of any flags.
	name := ""
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		name = args[0]
		args = args[1:]
	}

	fs := flag.NewFlagSet("agents", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	scope := fs.String("scope", ScopeUser, "scope: user|project")
	newName := fs.String("rename", "", "new name (update)")
	description := fs.String("description", "", "agent description")
	prompt := fs.String("prompt", "", "system prompt")
	promptFile := fs.String("prompt-file", "", "read system prompt from file")
	model := fs.String("model", "", "model id")
	thinking := fs.String("thinking", "", "thinking level")
	tools := fs.String("tools", "", "comma-separated tool allowlist")
	skills := fs.String("skills", "", "comma-separated default skills")
	output := fs.String("output", "", "default output filename")
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Println(agentsHelp())
		return 1
	}

	engine := newCLIEngine()
	defer engine.Close()

	switch action {
	case "list":
		result, err := engine.Manage(ManageRequest{Action: "list", Scope: scopeOrBoth(*scope, fs)})
		if err != nil {
			fmt.Println(err.Error())
			return 1
		}
		if *jsonOut || !isTerminal(os.Stdout) {
			printJSON(managePayload(result))
			return 0
		}
		renderAgentsPretty(result.Agents)
		return 0
	case "show", "get":
		if name == "" && isTerminal(os.Stdout) {
			agents, _ := engine.store.ListAgents(ScopeBoth)
			if chosen := pickAgent(agents); chosen != nil {
				name = chosen.Name
			}
		}
		if name == "" {
			fmt.Println("Usage: subagent agents show <name>")
			return 1
		}
		agent, verr := engine.loadNamed(name, ScopeBoth)
		if verr != nil {
			fmt.Println(verr.Message)
			return 1
		}
		renderAgentPretty(agent)
		return 0
	case "create", "update", "delete":
		if name == "" {
			fmt.Printf("Usage: subagent agents %s <name> [options]\n", action)
			return 1
		}
		req := ManageRequest{Action: action, Name: name, Scope: *scope}
		if *newName != "" {
			req.NewName = newName
		}
		if *description != "" {
			req.Description = description
		}
		if *promptFile != "" {
			data, err := os.ReadFile(*promptFile)
			if err != nil {
				fmt.Println(err.Error())
				return 1
			}
			text := string(data)
			req.SystemPrompt = &text
		} else if *prompt != "" {
			req.SystemPrompt = prompt
		}
		if *model != "" {
			req.Model = model
		}
		if *thinking != "" {
			req.Thinking = thinking
		}
		if *tools != "" {
			list := splitList(*tools)
			req.Tools = &list
		}
		if *skills != "" {
			list := splitList(*skills)
			req.Skills = &list
		}
		if *output != "" {
			req.Output = output
		}
		result, err := engine.Manage(req)
		if err != nil {
			fmt.Println(err.Error())
			return 1
		}
		fmt.Println(okStyle.Render(result.Status))
		for _, warning := range result.Warnings {
			fmt.Println(warnStyle.Render("! " + warning))
		}
		return 0
	}
	fmt.Println(agentsHelp())
	return 1
}

// scopeOrBoth widens list to both scopes unless the user passed -scope.
func scopeOrBoth(scope string, fs *flag.FlagSet) string {
	explicit := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "scope" {
			explicit = true
		}
	})
	if explicit {
		return scope
	}
	return ScopeBoth
}

func agentsHelp() string {
	return `subagent agents

Usage:
  subagent agents list [--scope user|project]
  subagent agents show [name]
  subagent agents create <name> --model M [--prompt TEXT|--prompt-file F] [options]
  subagent agents update <name> [--rename NEW] [options]
  subagent agents delete <name> [--scope user|project]
`
}

func renderAgentsPretty(agents []*Agent) {
	fmt.Println(titleStyle.Render("Agents"))
	fmt.Println(renderDivider(60))
	for _, agent := range agents {
		line := fmt.Sprintf("%s %-20s %-10s %s",
			statusIcon("ok"), agentNameStyle.Render(agent.Name),
			labelStyle.Render(agent.Source), valueStyle.Render(agent.Model))
		fmt.Println(line)
		if agent.Description != "" {
			fmt.Println("    " + labelStyle.Render(agent.Description))
		}
	}
}

func renderAgentPretty(agent *Agent) {
	fmt.Println(titleStyle.Render(agent.Name))
	fmt.Println(renderDivider(50))
	row := func(label, value string) {
		if value != "" {
			fmt.Println(labelStyle.Render(fmt.Sprintf("%-12s", label)) + valueStyle.Render(value))
		}
	}
	row("Source", agent.Source)
	row("Description", agent.Description)
	row("Model", agent.Model)
	row("Thinking", agent.Thinking)
	row("Tools", strings.Join(agent.Tools, ", "))
	row("Skills", strings.Join(agent.Skills, ", "))
	row("Output", agent.Output)
	if agent.SystemPrompt != "" {
		fmt.Println()
		fmt.Println(sectionStyle.Render("System prompt"))
		fmt.Println(agent.SystemPrompt)
	}
}
