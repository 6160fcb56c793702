package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
)

const skippedBody = "(skipped — fail-fast)"

type groupOptions struct {
	Concurrency      int
	FailFast         bool
	Mode             string
	RunID            string
	Cwd              string
	SessionDir       string
	MaxOutputBytes   int
	MaxOutputLines   int
	ArtifactsEnabled bool
	EventLog         bool
	// ArtifactsDirFor namespaces artifacts per slot; nil uses the default dir.
	ArtifactsDirFor func(i int, agent string) string
	// OnSlot receives each slot's progress updates; the caller merges them.
	OnSlot func(i int, p LiveAgentProgress)
}

// runGroup executes tasks with bounded concurrency. Results come back in input
// order regardless of completion order. With failFast, the first failure
// cancels the group and every peer that did not finish cleanly is recorded as
// skipped.
func (e *Engine) runGroup(ctx context.Context, agents []*Agent, tasks []TaskSpec, opts groupOptions) []StepResult {
	results := make([]StepResult, len(tasks))

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	sem := make(chan struct{}, concurrency)

	groupCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var failed sync.Once
	var failFastTripped bool
	var mu sync.Mutex

	var wg sync.WaitGroup
	for i := range tasks {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			if groupCtx.Err() != nil && ctx.Err() == nil {
				results[i] = skippedResult(agents[i].Name, tasks[i].Task)
				if opts.OnSlot != nil {
					opts.OnSlot(i, LiveAgentProgress{Agent: agents[i].Name, Status: "skipped"})
				}
				return
			}

			ro := runOptions{
				Overrides:        tasks[i].Overrides,
				Mode:             opts.Mode,
				Cwd:              opts.Cwd,
				MaxOutputBytes:   opts.MaxOutputBytes,
				MaxOutputLines:   opts.MaxOutputLines,
				ArtifactsEnabled: opts.ArtifactsEnabled,
				EventLog:         opts.EventLog,
				SessionDir:       opts.SessionDir,
				RunID:            opts.RunID,
				Index:            i,
			}
			if opts.ArtifactsDirFor != nil {
				ro.ArtifactsDir = opts.ArtifactsDirFor(i, agents[i].Name)
			}
			if opts.OnSlot != nil {
				ro.OnProgress = func(p LiveAgentProgress) { opts.OnSlot(i, p) }
			}

			res := e.runSync(groupCtx, agents[i], tasks[i].Task, ro)

			mu.Lock()
			tripped := failFastTripped
			mu.Unlock()
			if tripped && res.ExitCode == exitCancelled && ctx.Err() == nil {
				res = skippedResult(agents[i].Name, tasks[i].Task)
				if opts.OnSlot != nil {
					opts.OnSlot(i, LiveAgentProgress{Agent: agents[i].Name, Status: "skipped"})
				}
			}
			results[i] = res

			if opts.FailFast && !res.ok() && !res.skipped() {
				failed.Do(func() {
					mu.Lock()
					failFastTripped = true
					mu.Unlock()
					cancel()
				})
			}
		}(i)
	}
	wg.Wait()
	return results
}

func skippedResult(agent, task string) StepResult {
	return StepResult{
		Agent:    agent,
		Task:     task,
		Output:   skippedBody,
		ExitCode: exitSkipped,
	}
}

// aggregateOutput concatenates per-task blocks in input order.
func aggregateOutput(prefix string, results []StepResult) string {
	var sb strings.Builder
	for i, res := range results {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(fmt.Sprintf("=== %s %d (%s) ===\n", prefix, i+1, res.Agent))
		sb.WriteString(taskBody(res))
	}
	return sb.String()
}

func taskBody(res StepResult) string {
	if res.skipped() {
		return skippedBody
	}
	if !res.ok() {
		body := fmt.Sprintf("⚠️ FAILED (exit code %d)", res.ExitCode)
		if res.Error != "" {
			body += ": " + res.Error
		}
		if strings.TrimSpace(res.Output) != "" {
			body += "\n" + res.Output
		}
		return body
	}
	if strings.TrimSpace(res.Output) == "" && res.OutputPath == "" {
		return "⚠️ EMPTY OUTPUT"
	}
	return res.Output
}

// runParallel is the top-level fan-out mode.
func (e *Engine) runParallel(ctx context.Context, req Request, agents map[string]*Agent, onUpdate UpdateFunc, note string) (*Details, error) {
	if len(req.Tasks) > maxParallelTasks {
		return nil, validationError("too many parallel tasks: %d (limit %d)", len(req.Tasks), maxParallelTasks)
	}

	taskAgents := make([]*Agent, len(req.Tasks))
	progress := make([]LiveAgentProgress, len(req.Tasks))
	for i, t := range req.Tasks {
		taskAgents[i] = agents[t.Agent]
		progress[i] = LiveAgentProgress{Agent: t.Agent, Status: "pending"}
	}

	details := &Details{Mode: "parallel", TotalSteps: len(req.Tasks), Note: note}

	var mu sync.Mutex
	emit := func() {
		if onUpdate == nil {
			return
		}
		snapshot := *details
		snapshot.Progress = append([]LiveAgentProgress{}, progress...)
		onUpdate(&snapshot)
	}

	runID := newRunID()
	results := e.runGroup(ctx, taskAgents, req.Tasks, groupOptions{
		Concurrency:      defaultConcurrency,
		Mode:             "parallel",
		RunID:            runID,
		Cwd:              req.Cwd,
		SessionDir:       req.SessionDir,
		MaxOutputBytes:   req.MaxOutputBytes,
		MaxOutputLines:   req.MaxOutputLines,
		ArtifactsEnabled: req.ArtifactsEnabled,
		EventLog:         req.EventLogEnabled,
		OnSlot: func(i int, p LiveAgentProgress) {
			mu.Lock()
			progress[i] = p
			mu.Unlock()
			emit()
		},
	})

	details.Results = results
	details.Output = aggregateOutput("Task", results)
	if note != "" {
		details.Output = note + "\n\n" + details.Output
	}
	details.Progress = progress
	if req.ArtifactsEnabled {
		details.Artifacts = collectArtifacts(results)
	}
	emit()
	return details, nil
}

func collectArtifacts(results []StepResult) *ArtifactSet {
	set := &ArtifactSet{}
	for _, res := range results {
		for _, p := range res.ArtifactPaths {
			if set.Dir == "" {
				set.Dir = filepath.Dir(p)
			}
			set.Files = append(set.Files, p)
		}
	}
	if len(set.Files) == 0 {
		return nil
	}
	return set
}
