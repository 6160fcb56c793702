package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
)

// repeatable --task / --step flag
type listFlag []string

func (l *listFlag) String() string {
	return strings.Join(*l, ",")
}

func (l *listFlag) Set(val string) error {
	*l = append(*l, val)
	return nil
}

func newCLIEngine() *Engine {
	cfg, _ := loadConfigOrEmpty(resolveConfigPath(""))
	engine := NewEngine(cfg, "")
	engine.Startup(fmt.Sprintf("cli-%d", os.Getpid()))
	return engine
}

func cancellableContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runRunCmd(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	model := fs.String("model", "", "model override")
	skills := fs.String("skills", "", "comma-separated skill names ('none' disables)")
	output := fs.String("output", "", "output file path ('none' disables)")
	cwd := fs.String("cwd", "", "working directory")
	async := fs.Bool("async", false, "run detached in the background")
	scope := fs.String("scope", ScopeBoth, "agent scope: user|project|both")
	maxOutputKB := fs.Int("max-output-kb", 0, "display output cap in KB")
	maxOutputLines := fs.Int("max-output-lines", 0, "display output cap in lines")
	noArtifacts := fs.Bool("no-artifacts", false, "skip artifact files")
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil || fs.NArg() < 2 {
		fmt.Println("Usage: subagent run [options] <agent> <task>")
		return 1
	}

	req := Request{
		Agent:            fs.Arg(0),
		Task:             strings.Join(fs.Args()[1:], " "),
		Cwd:              *cwd,
		Async:            *async,
		AgentScope:       *scope,
		MaxOutputBytes:   *maxOutputKB * 1024,
		MaxOutputLines:   *maxOutputLines,
		ArtifactsEnabled: !*noArtifacts,
		Overrides:        StepOverrides{Model: *model},
	}
	if *skills != "" {
		if *skills == "none" {
			req.Overrides.Skills = &SkillSpec{Kind: specDisabled}
		} else {
			req.Overrides.Skills = &SkillSpec{Kind: specExplicit, Names: splitList(*skills)}
		}
	}
	if *output != "" {
		if *output == "none" {
			req.Overrides.Output = &OutputSpec{Kind: specDisabled}
		} else {
			req.Overrides.Output = &OutputSpec{Kind: specPath, Path: *output}
		}
	}

	return executeCLI(req, *jsonOut)
}

func runParallelCmd(args []string) int {
	fs := flag.NewFlagSet("parallel", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var tasks listFlag
	fs.Var(&tasks, "task", "agent=task (repeatable)")
	cwd := fs.String("cwd", "", "working directory")
	scope := fs.String("scope", ScopeBoth, "agent scope: user|project|both")
	noArtifacts := fs.Bool("no-artifacts", false, "skip artifact files")
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil || len(tasks) == 0 {
		fmt.Println("Usage: subagent parallel --task agent=task [--task agent=task ...]")
		return 1
	}

	req := Request{
		Cwd:              *cwd,
		AgentScope:       *scope,
		ArtifactsEnabled: !*noArtifacts,
	}
	for _, entry := range tasks {
		agent, task, ok := strings.Cut(entry, "=")
		if !ok || agent == "" || task == "" {
			fmt.Printf("Invalid --task value %q (want agent=task)\n", entry)
			return 1
		}
		req.Tasks = append(req.Tasks, TaskSpec{Agent: strings.TrimSpace(agent), Task: task})
	}

	return executeCLI(req, *jsonOut)
}

func runChainCmd(args []string) int {
	fs := flag.NewFlagSet("chain", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var steps listFlag
	fs.Var(&steps, "step", "agent[:task] (repeatable); group parallel steps as a+b[:task]")
	from := fs.String("from", "", "run a stored chain by name")
	task := fs.String("task", "", "initial task, referenced as {task}")
	chainDir := fs.String("chain-dir", "", "persistent chain directory")
	cwd := fs.String("cwd", "", "working directory")
	async := fs.Bool("async", false, "run detached in the background")
	failFast := fs.Bool("fail-fast", false, "skip parallel peers after a failure")
	scope := fs.String("scope", ScopeBoth, "agent scope: user|project|both")
	noArtifacts := fs.Bool("no-artifacts", false, "skip artifact files")
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil || (len(steps) == 0 && *from == "") {
		fmt.Println("Usage: subagent chain --step agent[:task] [--step ...] [--task TEXT]")
		fmt.Println("       subagent chain --from <chain-name> [--task TEXT]")
		return 1
	}

	req := Request{
		Task:             *task,
		ChainDir:         *chainDir,
		Cwd:              *cwd,
		Async:            *async,
		AgentScope:       *scope,
		ArtifactsEnabled: !*noArtifacts,
	}

	if *from != "" {
		store := openStore(*cwd)
		stored, err := store.LoadChain(sanitizeName(*from), ScopeBoth)
		if err != nil {
			fmt.Println("Loading chain:", err.Error())
			return 1
		}
		if stored == nil {
			fmt.Println("Chain not found:", *from)
			return 1
		}
		req.Chain = stored.Steps
	} else {
		for _, entry := range steps {
			req.Chain = append(req.Chain, parseStepFlag(entry, *failFast))
		}
	}

	return executeCLI(req, *jsonOut)
}

// parseStepFlag parses "agent", "agent:task", or "a+b+c:task" (parallel group).
func parseStepFlag(entry string, failFast bool) ChainStep {
	agentPart, taskPart, _ := strings.Cut(entry, ":")
	agentPart = strings.TrimSpace(agentPart)
	if strings.Contains(agentPart, "+") {
		step := ChainStep{FailFast: failFast}
		for _, name := range strings.Split(agentPart, "+") {
			step.Parallel = append(step.Parallel, TaskSpec{Agent: strings.TrimSpace(name), Task: taskPart})
		}
		return step
	}
	return ChainStep{Agent: agentPart, Task: taskPart}
}

func executeCLI(req Request, jsonOut bool) int {
	engine := newCLIEngine()
	defer engine.Close()

	ctx, cancel := cancellableContext()
	defer cancel()

	var onUpdate UpdateFunc
	var view *progressView
	interactive := !jsonOut && isTerminal(os.Stdout) && !req.Async
	if interactive {
		view = newProgressView()
		onUpdate = view.Update
		view.Start()
	}

	details, err := engine.Execute(ctx, req, onUpdate)
	if view != nil {
		view.Stop()
	}
	if err != nil {
		if jsonOut {
			printJSON(map[string]interface{}{"status": "error", "error": err.Error()})
		} else {
			fmt.Println(errorStyle.Render(err.Error()))
		}
		return 1
	}

	if jsonOut || !isTerminal(os.Stdout) {
		printJSON(details)
	} else {
		renderDetailsPretty(details)
	}
	if details.AsyncID != "" || details.succeeded() {
		return 0
	}
	return 1
}
