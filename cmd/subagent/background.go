package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// WorkerStep is one entry of the worker's input: a fully-resolved sequential
// step, or a parallel group of them. Only the {previous} placeholder remains
// unresolved; the worker substitutes it at run time.
type WorkerStep struct {
	resolvedStep
	Parallel    []resolvedStep `json:"parallel,omitempty"`
	Concurrency int            `json:"concurrency,omitempty"`
	FailFast    bool           `json:"failFast,omitempty"`
}

func (s WorkerStep) IsParallel() bool {
	return len(s.Parallel) > 0
}

// WorkerInput is the on-disk contract between the engine and the detached
// worker process; its path is the worker's single argument.
type WorkerInput struct {
	ID               string       `json:"id"`
	Mode             string       `json:"mode"`
	Steps            []WorkerStep `json:"steps"`
	ResultPath       string       `json:"resultPath"`
	Cwd              string       `json:"cwd"`
	Placeholder      string       `json:"placeholder"`
	MaxOutputBytes   int          `json:"maxOutput,omitempty"`
	MaxOutputLines   int          `json:"maxOutputLines,omitempty"`
	ArtifactsDir     string       `json:"artifactsDir,omitempty"`
	ArtifactsEnabled bool         `json:"artifactsEnabled,omitempty"`
	EventLog         bool         `json:"eventLog,omitempty"`
	SessionDir       string       `json:"sessionDir,omitempty"`
	AsyncDir         string       `json:"asyncDir"`
	SessionID        string       `json:"sessionId,omitempty"`
}

func flattenWorkerSteps(steps []WorkerStep) []StepStatus {
	rows := []StepStatus{}
	for _, step := range steps {
		if step.IsParallel() {
			for _, inner := range step.Parallel {
				rows = append(rows, StepStatus{Agent: inner.Agent, Status: stepPending})
			}
			continue
		}
		rows = append(rows, StepStatus{Agent: step.Agent, Status: stepPending})
	}
	return rows
}

// startBackground resolves the request into worker input, spawns the detached
// worker and registers the job. The initial status.json is written here as
// queued; the worker flips it to running.
func (e *Engine) startBackground(req Request, mode string, agents map[string]*Agent) (*Details, error) {
	id := uuid.New().String()
	dir := asyncDirFor(id)
	if err := ensureDir(dir); err != nil {
		return nil, &EngineError{Kind: "validation", Message: fmt.Sprintf("creating async directory: %v", err)}
	}
	if err := ensureDir(resultsRoot()); err != nil {
		return nil, &EngineError{Kind: "validation", Message: fmt.Sprintf("creating results directory: %v", err)}
	}

	steps, err := e.resolveWorkerSteps(req, mode, agents, id)
	if err != nil {
		return nil, err
	}

	cwd := req.Cwd
	if cwd == "" {
		cwd, _ = os.Getwd()
	}

	input := WorkerInput{
		ID:               id,
		Mode:             mode,
		Steps:            steps,
		ResultPath:       resultPathFor(id),
		Cwd:              cwd,
		Placeholder:      previousPlaceholder,
		MaxOutputBytes:   req.MaxOutputBytes,
		MaxOutputLines:   req.MaxOutputLines,
		ArtifactsDir:     artifactDir(req.SessionDir),
		ArtifactsEnabled: req.ArtifactsEnabled,
		EventLog:         req.EventLogEnabled,
		SessionDir:       req.SessionDir,
		AsyncDir:         dir,
		SessionID:        req.SessionID,
	}
	inputPath := filepath.Join(dir, "input.json")
	if err := writeJSONAtomic(inputPath, input); err != nil {
		return nil, &EngineError{Kind: "validation", Message: fmt.Sprintf("writing worker input: %v", err)}
	}

	writer := newStatusWriter(dir, &RunStatus{
		RunID:     id,
		Mode:      mode,
		State:     stateQueued,
		StartedAt: nowRFC3339(),
		PID:       0,
		Cwd:       cwd,
		Steps:     flattenWorkerSteps(steps),
	})
	if err := writer.update(nil); err != nil {
		return nil, &EngineError{Kind: "validation", Message: fmt.Sprintf("writing initial status: %v", err)}
	}

	exe, err := os.Executable()
	if err != nil {
		return nil, &EngineError{Kind: "validation", Message: fmt.Sprintf("locating own executable: %v", err)}
	}
	logFile, err := os.OpenFile(filepath.Join(dir, "worker.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, &EngineError{Kind: "validation", Message: fmt.Sprintf("opening worker log: %v", err)}
	}
	defer logFile.Close()

	cmd := exec.Command(exe, "worker", inputPath)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Dir = cwd
	if err := cmd.Start(); err != nil {
		return nil, &EngineError{Kind: "validation", Message: fmt.Sprintf("spawning worker: %v", err)}
	}
	pid := cmd.Process.Pid
	_ = cmd.Process.Release()

	agentNames := []string{}
	for _, row := range flattenWorkerSteps(steps) {
		agentNames = append(agentNames, row.Agent)
	}
	if e.registry != nil {
		e.registry.Register(&BackgroundJob{
			ID:        id,
			AsyncDir:  dir,
			Agents:    agentNames,
			PID:       pid,
			StartedAt: time.Now().UTC(),
		})
	}

	return &Details{
		Mode:     mode,
		AsyncID:  id,
		AsyncDir: dir,
		Note:     fmt.Sprintf("started in background (pid %d); poll %s", pid, filepath.Join(dir, "status.json")),
	}, nil
}

// resolveWorkerSteps flattens and fully resolves the request's steps. {task}
// and {chain_dir} expand here; {previous} stays for the worker.
func (e *Engine) resolveWorkerSteps(req Request, mode string, agents map[string]*Agent, id string) ([]WorkerStep, error) {
	if mode == "single" {
		step := e.resolveStep(agents[req.Agent], req.Task, req.Overrides, req.Cwd, req.SessionDir)
		return []WorkerStep{{resolvedStep: step}}, nil
	}

	if len(req.Chain) == 0 {
		return nil, validationError("chain is empty")
	}
	if err := validateFirstStepTask(req.Chain[0], req.Task); err != nil {
		return nil, err
	}

	chainDir := req.ChainDir
	if chainDir == "" {
		chainDir = filepath.Join(chainRoot(), id)
	}
	run := &chainRun{runID: id, dir: chainDir, initialTask: req.Task}

	// Pre-create the progress file when any step wants it; the worker has no
	// agent knowledge and the group case must not race on creation.
	needsProgress := false
	for _, step := range req.Chain {
		if step.IsParallel() {
			for _, inner := range step.Parallel {
				if stepWantsProgress(agents[inner.Agent], inner.Overrides) {
					needsProgress = true
				}
			}
			continue
		}
		if stepWantsProgress(agents[step.Agent], step.Overrides) {
			needsProgress = true
		}
	}
	progressPath := ""
	if needsProgress {
		var err error
		progressPath, err = run.ensureProgressFile()
		if err != nil {
			return nil, &EngineError{Kind: "validation", Message: fmt.Sprintf("creating progress file: %v", err)}
		}
	}

	// Tasks that name {chain_dir} get the expanded path baked in, so the
	// directory must exist before the worker starts.
	for _, step := range req.Chain {
		needsDir := strings.Contains(step.Task, "{chain_dir}")
		for _, inner := range step.Parallel {
			if strings.Contains(inner.Task, "{chain_dir}") {
				needsDir = true
			}
		}
		if needsDir {
			if _, err := run.ensureDir(); err != nil {
				return nil, &EngineError{Kind: "validation", Message: fmt.Sprintf("creating chain directory: %v", err)}
			}
			break
		}
	}

	resolveOne := func(agent *Agent, task string, ov StepOverrides) resolvedStep {
		if task == "" {
			task = previousPlaceholder
		}
		task = replaceVars(task, map[string]string{
			"{task}":      req.Task,
			"{chain_dir}": chainDir,
		})
		if stepWantsProgress(agent, ov) && progressPath != "" {
			task = fmt.Sprintf("[Update progress in: %s]\n%s", progressPath, task)
		}
		return e.resolveStep(agent, task, ov, req.Cwd, req.SessionDir)
	}

	steps := []WorkerStep{}
	for _, step := range req.Chain {
		if step.IsParallel() {
			ws := WorkerStep{Concurrency: step.Concurrency, FailFast: step.FailFast}
			for _, inner := range step.Parallel {
				ws.Parallel = append(ws.Parallel, resolveOne(agents[inner.Agent], inner.Task, inner.Overrides))
			}
			steps = append(steps, ws)
			continue
		}
		steps = append(steps, WorkerStep{resolvedStep: resolveOne(agents[step.Agent], step.Task, step.Overrides)})
	}
	return steps, nil
}

func stepWantsProgress(agent *Agent, ov StepOverrides) bool {
	if ov.Progress != nil {
		return *ov.Progress
	}
	return agent.DefaultProgress
}

// runWorker is the detached process entrypoint: execute the input's steps,
// maintain the durable status protocol, then deposit the terminal result file.
func runWorker(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "worker: missing input path")
		return 1
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, "worker:", err)
		return 1
	}
	var input WorkerInput
	if err := json.Unmarshal(data, &input); err != nil {
		fmt.Fprintln(os.Stderr, "worker: parsing input:", err)
		return 1
	}

	cfg, _ := loadConfigOrEmpty(resolveConfigPath(""))
	engine := &Engine{cfg: cfg}

	if err := ensureDir(input.AsyncDir); err != nil {
		fmt.Fprintln(os.Stderr, "worker:", err)
		return 1
	}

	writer := newStatusWriter(input.AsyncDir, &RunStatus{
		RunID:      input.ID,
		Mode:       input.Mode,
		State:      stateRunning,
		StartedAt:  nowRFC3339(),
		PID:        os.Getpid(),
		Cwd:        input.Cwd,
		Steps:      flattenWorkerSteps(input.Steps),
		SessionDir: input.SessionDir,
	})
	if err := writer.update(nil); err != nil {
		fmt.Fprintln(os.Stderr, "worker: writing status:", err)
		return 1
	}
	appendEvent(input.AsyncDir, "subagent.run.started", map[string]interface{}{
		"runId": input.ID, "mode": input.Mode, "pid": os.Getpid(),
	})

	// A cancel request arrives as a signal; the context tear-down terminates
	// the running child and the worker still finalizes status and result.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	started := time.Now().UTC()
	results, failed := engine.executeWorkerSteps(ctx, input, writer)
	if ctx.Err() != nil {
		failed = true
	}

	totalTokens := 0
	truncated := false
	for i := range results {
		totalTokens += results[i].Usage.Total
		if results[i].Truncation != nil {
			truncated = true
		}
	}

	summary := ""
	if len(results) > 0 {
		summary = strings.TrimSpace(results[len(results)-1].Output)
	}
	display, trunc := truncateOutput(summary, input.MaxOutputBytes, input.MaxOutputLines)
	if trunc.WasTruncated {
		truncated = true
		summary = display + truncationMarker("")
	}

	writeWorkerSummaryLog(input, results, failed)

	finalState := stateComplete
	errMsg := ""
	exitCode := 0
	if failed {
		finalState = stateFailed
		for i := range results {
			if !results[i].ok() && !results[i].skipped() {
				errMsg = firstNonEmpty(results[i].Error, fmt.Sprintf("%s failed with exit code %d", results[i].Agent, results[i].ExitCode))
				exitCode = results[i].ExitCode
				break
			}
		}
		if ctx.Err() != nil && errMsg == "" {
			errMsg = "cancelled"
			exitCode = exitCancelled
		}
	}
	_ = writer.update(func(st *RunStatus) {
		st.State = finalState
		st.EndedAt = nowRFC3339()
		st.TotalTokens = totalTokens
		st.Error = errMsg
		st.OutputFile = summaryLogPath(input.AsyncDir, input.ID)
	})
	appendEvent(input.AsyncDir, "subagent.run.finished", map[string]interface{}{
		"runId": input.ID, "state": finalState, "tokens": totalTokens,
	})

	// The result file is the completion announcement; status.json must already
	// hold the terminal state when it lands.
	items := make([]ResultItem, 0, len(results))
	for i := range results {
		items = append(items, ResultItem{
			Agent:         results[i].Agent,
			Output:        results[i].Output,
			Success:       results[i].ok(),
			Skipped:       results[i].skipped(),
			ArtifactPaths: results[i].ArtifactPaths,
			Truncated:     results[i].Truncation != nil,
		})
	}
	agentLabel := ""
	if len(input.Steps) > 0 && !input.Steps[0].IsParallel() {
		agentLabel = input.Steps[0].Agent
	}
	res := ResultFile{
		ID:           input.ID,
		Agent:        agentLabel,
		Success:      !failed,
		Summary:      summary,
		Results:      items,
		ExitCode:     exitCode,
		Timestamp:    nowRFC3339(),
		DurationMs:   time.Since(started).Milliseconds(),
		Truncated:    truncated,
		ArtifactsDir: input.ArtifactsDir,
		Cwd:          input.Cwd,
		AsyncDir:     input.AsyncDir,
		SessionID:    input.SessionID,
	}
	if err := os.MkdirAll(filepath.Dir(input.ResultPath), 0o755); err != nil {
		fmt.Fprintln(os.Stderr, "worker: creating results dir:", err)
		return 1
	}
	if err := writeJSONAtomic(input.ResultPath, &res); err != nil {
		fmt.Fprintln(os.Stderr, "worker: writing result:", err)
		return 1
	}
	return 0
}

// executeWorkerSteps walks the steps sequentially, running parallel groups
// with bounded concurrency, and stops after the first failing step or group.
func (e *Engine) executeWorkerSteps(ctx context.Context, input WorkerInput, writer *statusWriter) (results []StepResult, failed bool) {
	previous := ""
	flatIndex := 0

	for _, step := range input.Steps {
		if ctx.Err() != nil {
			return results, true
		}
		if step.IsParallel() {
			groupResults := e.executeWorkerGroup(ctx, input, writer, step, flatIndex, previous)
			results = append(results, groupResults...)
			flatIndex += len(step.Parallel)
			previous = aggregateOutput("Parallel Task", groupResults)
			if groupFailed(groupResults) {
				return results, true
			}
			continue
		}

		res := e.executeWorkerStep(ctx, input, writer, step.resolvedStep, flatIndex, previous)
		results = append(results, res)
		flatIndex++
		previous = strings.TrimSpace(res.Output)
		if !res.ok() {
			return results, true
		}
	}
	return results, false
}

func (e *Engine) executeWorkerStep(ctx context.Context, input WorkerInput, writer *statusWriter, step resolvedStep, flatIndex int, previous string) StepResult {
	step.Task = replaceVars(step.Task, map[string]string{input.Placeholder: previous})

	stepStarted := nowRFC3339()
	_ = writer.update(func(st *RunStatus) {
		st.Steps[flatIndex].Status = stateRunning
		st.Steps[flatIndex].StartedAt = stepStarted
	})
	appendEvent(input.AsyncDir, "subagent.step.started", map[string]interface{}{
		"step": flatIndex, "agent": step.Agent,
	})

	mirror, err := os.OpenFile(outputLogPath(input.AsyncDir, flatIndex), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	opts := runOptions{
		Mode:             input.Mode,
		Cwd:              input.Cwd,
		MaxOutputBytes:   input.MaxOutputBytes,
		MaxOutputLines:   input.MaxOutputLines,
		ArtifactsEnabled: input.ArtifactsEnabled,
		EventLog:         input.EventLog,
		SessionDir:       input.SessionDir,
		RunID:            input.ID,
		Index:            flatIndex,
		ArtifactsDir:     input.ArtifactsDir,
	}
	if err == nil {
		opts.Mirror = mirror
	}
	res := e.runResolved(ctx, step, step.Task, opts)
	if mirror != nil {
		mirror.Close()
	}

	event := "subagent.step.completed"
	stepState := stateComplete
	if !res.ok() {
		event = "subagent.step.failed"
		stepState = stateFailed
	}
	exit := res.ExitCode
	_ = writer.update(func(st *RunStatus) {
		row := &st.Steps[flatIndex]
		row.Status = stepState
		row.EndedAt = nowRFC3339()
		row.DurationMs = res.Progress.DurationMs
		row.ExitCode = &exit
		row.Tokens = res.Usage.Total
		row.Skills = res.Skills
	})
	appendEvent(input.AsyncDir, event, map[string]interface{}{
		"step": flatIndex, "agent": step.Agent, "exitCode": res.ExitCode,
	})
	return res
}

func (e *Engine) executeWorkerGroup(ctx context.Context, input WorkerInput, writer *statusWriter, group WorkerStep, baseIndex int, previous string) []StepResult {
	concurrency := group.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	sem := make(chan struct{}, concurrency)

	groupCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var tripped bool
	var mu sync.Mutex

	results := make([]StepResult, len(group.Parallel))
	var wg sync.WaitGroup
	for i := range group.Parallel {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			flatIndex := baseIndex + i
			mu.Lock()
			skip := tripped
			mu.Unlock()
			if skip || groupCtx.Err() != nil {
				results[i] = skippedResult(group.Parallel[i].Agent, group.Parallel[i].Task)
				exit := exitSkipped
				_ = writer.update(func(st *RunStatus) {
					st.Steps[flatIndex].Status = stateFailed
					st.Steps[flatIndex].EndedAt = nowRFC3339()
					st.Steps[flatIndex].ExitCode = &exit
				})
				return
			}

			res := e.executeWorkerStep(groupCtx, input, writer, group.Parallel[i], flatIndex, previous)

			mu.Lock()
			wasTripped := tripped
			mu.Unlock()
			if wasTripped && res.ExitCode == exitCancelled {
				res = skippedResult(group.Parallel[i].Agent, group.Parallel[i].Task)
				exit := exitSkipped
				_ = writer.update(func(st *RunStatus) {
					st.Steps[flatIndex].Status = stateFailed
					st.Steps[flatIndex].ExitCode = &exit
				})
			}
			results[i] = res

			if group.FailFast && !res.ok() && !res.skipped() {
				mu.Lock()
				tripped = true
				mu.Unlock()
				cancel()
			}
		}(i)
	}
	wg.Wait()
	return results
}

// cancelBackgroundRun stops a detached run. The worker is signalled and
// finalizes its own status and result file on the way down; when the worker is
// already gone (stale pid, crash), the durable state is flipped here instead.
func cancelBackgroundRun(ctx context.Context, id string, force bool) (*RunStatus, error) {
	status, err := readStatusFile(statusPathFor(id))
	if err != nil {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	if status.State == stateComplete || status.State == stateFailed {
		return status, nil
	}
	appendEvent(asyncDirFor(id), "subagent.run.cancel_requested", map[string]interface{}{
		"runId": id, "force": force,
	})

	signalled := false
	if status.PID > 0 {
		if proc, perr := os.FindProcess(status.PID); perr == nil {
			sigErr := proc.Signal(os.Interrupt)
			if force {
				sigErr = proc.Kill()
			}
			signalled = sigErr == nil
		}
	}
	if signalled && !force {
		status, err = waitForRun(ctx, id, 2*killGrace)
		if err != nil {
			return nil, err
		}
		if status.State == stateComplete || status.State == stateFailed {
			return status, nil
		}
	}

	// The worker did not (or cannot) finalize; flip the file here.
	now := nowRFC3339()
	status.State = stateFailed
	if status.Error == "" {
		status.Error = "cancelled"
	}
	status.EndedAt = now
	for i := range status.Steps {
		row := &status.Steps[i]
		if row.Status == stateComplete {
			continue
		}
		row.Status = stateFailed
		if row.EndedAt == "" {
			row.EndedAt = now
		}
		if row.ExitCode == nil {
			exit := exitCancelled
			row.ExitCode = &exit
		}
		if row.DurationMs == 0 && row.StartedAt != "" {
			if started := parseRFC3339(row.StartedAt); !started.IsZero() {
				row.DurationMs = time.Since(started).Milliseconds()
			}
		}
	}
	status.CurrentStep = lowestOpenStep(status.Steps)
	if lu := time.Now().UTC().Format(lastUpdateFormat); lu > status.LastUpdate {
		status.LastUpdate = lu
	}
	if err := writeJSONAtomic(statusPathFor(id), status); err != nil {
		return nil, err
	}
	appendEvent(asyncDirFor(id), "subagent.run.cancelled", map[string]interface{}{"runId": id})
	return status, nil
}

// writeWorkerSummaryLog writes the human-readable Markdown recap kept beside
// the status files.
func writeWorkerSummaryLog(input WorkerInput, results []StepResult, failed bool) {
	var sb strings.Builder
	status := "complete"
	if failed {
		status = "failed"
	}
	sb.WriteString(fmt.Sprintf("# Subagent run %s\n\n", input.ID))
	sb.WriteString(fmt.Sprintf("- Mode: %s\n- Status: %s\n- Cwd: %s\n\n", input.Mode, status, input.Cwd))
	for i, res := range results {
		sb.WriteString(fmt.Sprintf("## Step %d — %s\n\n", i+1, res.Agent))
		sb.WriteString(fmt.Sprintf("- Exit code: %d\n- Tokens: %d\n- Duration: %dms\n\n", res.ExitCode, res.Usage.Total, res.Progress.DurationMs))
		body := strings.TrimSpace(res.Output)
		if body == "" {
			body = "(no output)"
		}
		sb.WriteString(body + "\n\n")
	}
	_ = os.WriteFile(summaryLogPath(input.AsyncDir, input.ID), []byte(sb.String()), 0o644)
}
