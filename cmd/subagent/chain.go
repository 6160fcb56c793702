package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const progressFileName = "progress.md"

// chainRun holds the per-run state the orchestrator threads through steps.
type chainRun struct {
	runID       string
	dir         string
	dirCreated  bool
	initialTask string
	previous    string
}

// ensureDir creates the chain directory on first use.
func (c *chainRun) ensureDir() (string, error) {
	if !c.dirCreated {
		if err := ensureDir(c.dir); err != nil {
			return "", err
		}
		c.dirCreated = true
	}
	return c.dir, nil
}

func (c *chainRun) ensureProgressFile() (string, error) {
	dir, err := c.ensureDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, progressFileName)
	if !pathExists(path) {
		if err := os.WriteFile(path, []byte("# Progress\n"), 0o644); err != nil {
			return "", err
		}
	}
	return path, nil
}

// runChain executes steps in order, threading {previous} between them. Any
// sequential failure, or a non-skip failure inside a parallel group, stops the
// chain; every attempted step's result is kept.
func (e *Engine) runChain(ctx context.Context, req Request, agents map[string]*Agent, onUpdate UpdateFunc) (*Details, error) {
	steps := req.Chain
	if len(steps) == 0 {
		return nil, validationError("chain is empty")
	}
	if err := validateFirstStepTask(steps[0], req.Task); err != nil {
		return nil, err
	}

	run := &chainRun{
		runID:       newRunID(),
		initialTask: req.Task,
		previous:    req.Task,
	}
	if req.ChainDir != "" {
		run.dir = req.ChainDir
	} else {
		run.dir = filepath.Join(chainRoot(), run.runID)
	}

	chainAgents := chainAgentLabels(steps)
	totalFlat := flattenedStepCount(steps)

	details := &Details{
		Mode:        "chain",
		ChainAgents: chainAgents,
		TotalSteps:  totalFlat,
	}

	var mu sync.Mutex
	live := []LiveAgentProgress{}
	emit := func(stepIdx int) {
		if onUpdate == nil {
			return
		}
		mu.Lock()
		snapshot := *details
		snapshot.CurrentStepIndex = stepIdx
		snapshot.Results = append([]StepResult{}, details.Results...)
		snapshot.Progress = chainProgressVector(steps, details.Results, live)
		mu.Unlock()
		onUpdate(&snapshot)
	}

	for stepIdx, step := range steps {
		if ctx.Err() != nil {
			break
		}
		if step.IsParallel() {
			results, groupErr := e.runChainParallelStep(ctx, run, req, agents, step, stepIdx, func(l []LiveAgentProgress) {
				mu.Lock()
				live = l
				mu.Unlock()
				emit(stepIdx)
			})
			if groupErr != nil {
				return nil, groupErr
			}
			mu.Lock()
			details.Results = append(details.Results, results...)
			live = nil
			mu.Unlock()

			run.previous = aggregateOutput("Parallel Task", results)
			emit(stepIdx)
			if groupFailed(results) {
				break
			}
			continue
		}

		result, stepErr := e.runChainSequentialStep(ctx, run, req, agents[step.Agent], step, stepIdx, func(p LiveAgentProgress) {
			mu.Lock()
			live = []LiveAgentProgress{p}
			mu.Unlock()
			emit(stepIdx)
		})
		if stepErr != nil {
			return nil, stepErr
		}
		mu.Lock()
		details.Results = append(details.Results, result)
		live = nil
		mu.Unlock()

		run.previous = strings.TrimSpace(result.Output)
		emit(stepIdx)
		if !result.ok() {
			break
		}
	}

	if len(details.Results) > 0 {
		last := details.Results[len(details.Results)-1]
		details.Output = last.Output
	}
	if req.ArtifactsEnabled {
		details.Artifacts = collectArtifacts(details.Results)
	}
	details.CurrentStepIndex = len(details.Results)
	return details, nil
}

func (e *Engine) runChainSequentialStep(ctx context.Context, run *chainRun, req Request, agent *Agent, step ChainStep, stepIdx int, onProgress func(LiveAgentProgress)) (StepResult, error) {
	task := step.Task
	if task == "" {
		task = previousPlaceholder
	}
	task = substituteStepTask(task, run.initialTask, run.previous, run.dir)

	if strings.Contains(step.Task, "{chain_dir}") {
		if _, err := run.ensureDir(); err != nil {
			return StepResult{}, &EngineError{Kind: "validation", Message: fmt.Sprintf("creating chain directory: %v", err)}
		}
	}

	ov := step.Overrides
	progressWanted := agent.DefaultProgress
	if ov.Progress != nil {
		progressWanted = *ov.Progress
	}
	if progressWanted {
		path, err := run.ensureProgressFile()
		if err != nil {
			return StepResult{}, &EngineError{Kind: "validation", Message: fmt.Sprintf("creating progress file: %v", err)}
		}
		task = fmt.Sprintf("[Update progress in: %s]\n%s", path, task)
	}

	result := e.runSync(ctx, agent, task, runOptions{
		Overrides:        ov,
		Mode:             "chain",
		Cwd:              req.Cwd,
		MaxOutputBytes:   req.MaxOutputBytes,
		MaxOutputLines:   req.MaxOutputLines,
		ArtifactsEnabled: req.ArtifactsEnabled,
		EventLog:         req.EventLogEnabled,
		SessionDir:       req.SessionDir,
		RunID:            run.runID,
		Index:            -1,
		OnProgress:       onProgress,
	})

	if result.OutputPath != "" && result.ok() && !pathExists(result.OutputPath) {
		result.Warnings = append(result.Warnings, fmt.Sprintf("expected output file was not produced: %s", result.OutputPath))
	}
	return result, nil
}

func (e *Engine) runChainParallelStep(ctx context.Context, run *chainRun, req Request, agents map[string]*Agent, step ChainStep, stepIdx int, onLive func([]LiveAgentProgress)) ([]StepResult, error) {
	dir, err := run.ensureDir()
	if err != nil {
		return nil, &EngineError{Kind: "validation", Message: fmt.Sprintf("creating chain directory: %v", err)}
	}

	// Pre-create progress.md before launching anything so concurrent tasks
	// never race on its creation.
	needsProgress := false
	for _, inner := range step.Parallel {
		wanted := agents[inner.Agent].DefaultProgress
		if inner.Overrides.Progress != nil {
			wanted = *inner.Overrides.Progress
		}
		if wanted {
			needsProgress = true
			break
		}
	}
	progressPath := ""
	if needsProgress {
		progressPath, err = run.ensureProgressFile()
		if err != nil {
			return nil, &EngineError{Kind: "validation", Message: fmt.Sprintf("creating progress file: %v", err)}
		}
	}

	tasks := make([]TaskSpec, len(step.Parallel))
	taskAgents := make([]*Agent, len(step.Parallel))
	progress := make([]LiveAgentProgress, len(step.Parallel))
	for i, inner := range step.Parallel {
		agent := agents[inner.Agent]
		taskAgents[i] = agent
		progress[i] = LiveAgentProgress{Agent: inner.Agent, Status: "pending"}

		task := inner.Task
		if task == "" {
			task = previousPlaceholder
		}
		task = substituteStepTask(task, run.initialTask, run.previous, dir)

		wanted := agent.DefaultProgress
		if inner.Overrides.Progress != nil {
			wanted = *inner.Overrides.Progress
		}
		if wanted && progressPath != "" {
			task = fmt.Sprintf("[Update progress in: %s]\n%s", progressPath, task)
		}
		tasks[i] = TaskSpec{Agent: inner.Agent, Task: task, Overrides: inner.Overrides}
	}

	concurrency := step.Concurrency
	if concurrency == 0 {
		concurrency = defaultConcurrency
	}

	var mu sync.Mutex
	results := e.runGroup(ctx, taskAgents, tasks, groupOptions{
		Concurrency:      concurrency,
		FailFast:         step.FailFast,
		Mode:             "chain",
		RunID:            run.runID,
		Cwd:              req.Cwd,
		SessionDir:       req.SessionDir,
		MaxOutputBytes:   req.MaxOutputBytes,
		MaxOutputLines:   req.MaxOutputLines,
		ArtifactsEnabled: req.ArtifactsEnabled,
		EventLog:         req.EventLogEnabled,
		ArtifactsDirFor: func(i int, agent string) string {
			return filepath.Join(dir, fmt.Sprintf("parallel-%d", stepIdx), fmt.Sprintf("%d-%s", i, agent))
		},
		OnSlot: func(i int, p LiveAgentProgress) {
			mu.Lock()
			progress[i] = p
			snapshot := append([]LiveAgentProgress{}, progress...)
			mu.Unlock()
			onLive(snapshot)
		},
	})
	return results, nil
}

func validateFirstStepTask(first ChainStep, requestTask string) error {
	hasTask := func(task string) bool {
		if task == "" {
			return requestTask != ""
		}
		return !strings.Contains(task, previousPlaceholder)
	}
	if first.IsParallel() {
		for i, inner := range first.Parallel {
			if !hasTask(inner.Task) {
				return validationError("first chain step has no task to start from (parallel task %d references {previous})", i+1)
			}
		}
		return nil
	}
	if !hasTask(first.Task) {
		return validationError("first chain step has no task to start from ({previous} is empty at step 1)")
	}
	return nil
}

// chainAgentLabels encodes the chain's shape: sequential steps by agent name,
// parallel groups as one "[a+b+c]" token.
func chainAgentLabels(steps []ChainStep) []string {
	labels := make([]string, 0, len(steps))
	for _, step := range steps {
		if step.IsParallel() {
			names := make([]string, 0, len(step.Parallel))
			for _, inner := range step.Parallel {
				names = append(names, inner.Agent)
			}
			labels = append(labels, "["+strings.Join(names, "+")+"]")
			continue
		}
		labels = append(labels, step.Agent)
	}
	return labels
}

func flattenedStepCount(steps []ChainStep) int {
	count := 0
	for _, step := range steps {
		if step.IsParallel() {
			count += len(step.Parallel)
			continue
		}
		count++
	}
	return count
}

func groupFailed(results []StepResult) bool {
	for i := range results {
		if !results[i].ok() && !results[i].skipped() {
			return true
		}
	}
	return false
}

// chainProgressVector builds the renderer-facing layout: completed results,
// then the running step's live slots, then pending placeholders, so the
// display stays static while the chain advances.
func chainProgressVector(steps []ChainStep, completed []StepResult, live []LiveAgentProgress) []LiveAgentProgress {
	out := []LiveAgentProgress{}
	for _, res := range completed {
		status := "complete"
		if res.skipped() {
			status = "skipped"
		} else if !res.ok() {
			status = "failed"
		}
		out = append(out, LiveAgentProgress{
			Agent:     res.Agent,
			Status:    status,
			ToolCalls: res.Progress.ToolCalls,
			Tokens:    res.Usage.Total,
		})
	}
	out = append(out, live...)
	total := flattenedStepCount(steps)
	flatIdx := 0
	for _, step := range steps {
		n := 1
		names := []string{step.Agent}
		if step.IsParallel() {
			n = len(step.Parallel)
			names = names[:0]
			for _, inner := range step.Parallel {
				names = append(names, inner.Agent)
			}
		}
		for i := 0; i < n; i++ {
			if flatIdx >= len(out) && flatIdx < total {
				out = append(out, LiveAgentProgress{Agent: names[i], Status: "pending"})
			}
			flatIdx++
		}
	}
	return out
}
