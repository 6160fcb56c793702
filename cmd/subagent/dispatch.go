package main

import (
	"context"
	"os"
	"sort"
	"strings"
	"time"
)

const chainDirMaxAge = 24 * time.Hour

// Engine owns all global mutable state: the agent store, the background
// registry and the session binding. Session events drive its reset.
type Engine struct {
	cfg       Config
	store     *Store
	registry  *Registry
	baseCwd   string
	sessionID string
}

func NewEngine(cfg Config, cwd string) *Engine {
	if cwd == "" {
		cwd, _ = os.Getwd()
	}
	return &Engine{
		cfg:      cfg,
		store:    openStore(cwd),
		registry: NewRegistry(resultsRoot()),
		baseCwd:  cwd,
	}
}

// Startup sweeps stale state and starts the background machinery.
func (e *Engine) Startup(sessionID string) {
	e.sessionID = sessionID
	sweepDirs(chainRoot(), chainDirMaxAge)
	cleanupAge := time.Duration(normalizeDefaults(e.cfg.Defaults).CleanupDays) * 24 * time.Hour
	sweepDirs(artifactsRoot(), cleanupAge)
	e.registry.Reset(e.baseCwd, sessionID)
	e.registry.Start()
}

// ResetSession clears session-scoped in-memory state without touching the
// on-disk directories of in-flight runs.
func (e *Engine) ResetSession(cwd, sessionID string) {
	if cwd != "" {
		e.baseCwd = cwd
		e.store = openStore(cwd)
	}
	e.sessionID = sessionID
	cleanupAge := time.Duration(normalizeDefaults(e.cfg.Defaults).CleanupDays) * 24 * time.Hour
	sweepDirs(artifactsRoot(), cleanupAge)
	e.registry.Reset(e.baseCwd, sessionID)
}

func (e *Engine) Close() {
	e.registry.Close()
}

// Execute validates the request, applies the depth guard, resolves agents and
// routes to the selected mode. Validation failures come back as structured
// errors, never panics.
func (e *Engine) Execute(ctx context.Context, req Request, onUpdate UpdateFunc) (*Details, error) {
	mode, err := req.mode()
	if err != nil {
		return nil, validationError("%s", err.Error())
	}

	if err := checkDepth(); err != nil {
		return nil, &EngineError{Kind: "depth", Message: err.Error()}
	}

	e.applyDefaults(&req)

	agents, verr := e.resolveAgents(&req)
	if verr != nil {
		return nil, verr
	}

	note := ""
	async := req.Async
	if async && mode == "parallel" {
		async = false
		note = "note: background mode is not available for parallel runs; running in foreground"
	}
	if async && req.Clarify {
		async = false
		note = "note: clarification requires the foreground; running synchronously"
	}

	if async {
		return e.startBackground(req, mode, agents)
	}

	switch mode {
	case "single":
		return e.runSingle(ctx, req, agents[req.Agent], onUpdate)
	case "parallel":
		return e.runParallel(ctx, req, agents, onUpdate, note)
	default:
		return e.runChain(ctx, req, agents, onUpdate)
	}
}

func (e *Engine) applyDefaults(req *Request) {
	defaults := normalizeDefaults(e.cfg.Defaults)
	if req.MaxOutputBytes <= 0 {
		req.MaxOutputBytes = defaults.MaxOutputKB * 1024
	}
	if req.MaxOutputLines <= 0 {
		req.MaxOutputLines = defaults.MaxOutputLines
	}
	if req.Cwd == "" {
		req.Cwd = e.baseCwd
	}
	if req.SessionID == "" {
		req.SessionID = e.sessionID
	}
	if req.AgentScope == "" {
		req.AgentScope = ScopeBoth
	}
}

// resolveAgents loads every referenced agent from the requested scope, failing
// with the list of available names on any miss.
func (e *Engine) resolveAgents(req *Request) (map[string]*Agent, *EngineError) {
	switch req.AgentScope {
	case ScopeUser, ScopeProject, ScopeBoth:
	default:
		return nil, validationError("invalid agent scope %q (want user, project or both)", req.AgentScope)
	}

	all, err := e.store.ListAgents(req.AgentScope)
	if err != nil {
		return nil, validationError("loading agents: %v", err)
	}
	byName := map[string]*Agent{}
	available := make([]string, 0, len(all))
	for _, a := range all {
		byName[a.Name] = a
		available = append(available, a.Name)
	}
	sort.Strings(available)

	missing := []string{}
	resolved := map[string]*Agent{}
	for _, name := range req.agentNames() {
		agent, ok := byName[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		resolved[name] = agent
	}
	if len(missing) > 0 {
		return nil, validationError("unknown agent(s): %s (available: %s)",
			strings.Join(missing, ", "), strings.Join(available, ", "))
	}
	return resolved, nil
}

func (e *Engine) runSingle(ctx context.Context, req Request, agent *Agent, onUpdate UpdateFunc) (*Details, error) {
	details := &Details{Mode: "single", TotalSteps: 1}

	var onProgress func(LiveAgentProgress)
	if onUpdate != nil {
		onProgress = func(p LiveAgentProgress) {
			snapshot := *details
			snapshot.Progress = []LiveAgentProgress{p}
			onUpdate(&snapshot)
		}
	}

	result := e.runSync(ctx, agent, req.Task, runOptions{
		Overrides:        req.Overrides,
		Cwd:              req.Cwd,
		MaxOutputBytes:   req.MaxOutputBytes,
		MaxOutputLines:   req.MaxOutputLines,
		ArtifactsEnabled: req.ArtifactsEnabled,
		EventLog:         req.EventLogEnabled,
		SessionDir:       req.SessionDir,
		RunID:            newRunID(),
		Index:            -1,
		OnProgress:       onProgress,
	})

	details.Results = []StepResult{result}
	details.Output = result.Output
	if req.ArtifactsEnabled {
		details.Artifacts = collectArtifacts(details.Results)
	}
	if onUpdate != nil {
		onUpdate(details)
	}
	return details, nil
}
