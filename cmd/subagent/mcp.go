package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Tool input shapes. Loose union fields (skills/output/reads) arrive as
// interface{} and are normalized at this boundary.
type MCPRunInput struct {
	Agent      string      `json:"agent"`
	Task       string      `json:"task"`
	Model      string      `json:"model,omitempty"`
	Skills     interface{} `json:"skills,omitempty"`
	Output     interface{} `json:"output,omitempty"`
	Reads      interface{} `json:"reads,omitempty"`
	Cwd        string      `json:"cwd,omitempty"`
	Async      bool        `json:"async,omitempty"`
	AgentScope string      `json:"agent_scope,omitempty"`
	MaxOutput  int         `json:"max_output,omitempty"`
	SessionDir string      `json:"session_dir,omitempty"`
	SessionID  string      `json:"session_id,omitempty"`
}

type MCPParallelTask struct {
	Agent string `json:"agent"`
	Task  string `json:"task"`
	Model string `json:"model,omitempty"`
}

type MCPParallelInput struct {
	Tasks      []MCPParallelTask `json:"tasks"`
	Cwd        string            `json:"cwd,omitempty"`
	AgentScope string            `json:"agent_scope,omitempty"`
}

type MCPChainStep struct {
	Agent       string         `json:"agent,omitempty"`
	Task        string         `json:"task,omitempty"`
	Model       string         `json:"model,omitempty"`
	Skills      interface{}    `json:"skills,omitempty"`
	Output      interface{}    `json:"output,omitempty"`
	Reads       interface{}    `json:"reads,omitempty"`
	Progress    *bool          `json:"progress,omitempty"`
	Parallel    []MCPChainStep `json:"parallel,omitempty"`
	Concurrency int            `json:"concurrency,omitempty"`
	FailFast    bool           `json:"fail_fast,omitempty"`
}

type MCPChainInput struct {
	Steps      []MCPChainStep `json:"steps"`
	Task       string         `json:"task,omitempty"`
	Chain      string         `json:"chain,omitempty"` // stored chain name
	ChainDir   string         `json:"chain_dir,omitempty"`
	Cwd        string         `json:"cwd,omitempty"`
	Async      bool           `json:"async,omitempty"`
	AgentScope string         `json:"agent_scope,omitempty"`
}

type MCPStatusInput struct {
	ID string `json:"id"`
}

type MCPWaitInput struct {
	ID        string `json:"id"`
	TimeoutMs int    `json:"timeout_ms,omitempty"`
}

type MCPCancelInput struct {
	ID    string `json:"id"`
	Force bool   `json:"force,omitempty"`
}

type MCPHistoryInput struct {
	Limit  int    `json:"limit,omitempty"`
	Status string `json:"status,omitempty"`
	Agent  string `json:"agent,omitempty"`
}

type MCPManageInput struct {
	Action       string `json:"action"`
	Name         string `json:"name,omitempty"`
	NewName      string `json:"new_name,omitempty"`
	Scope        string `json:"scope,omitempty"`
	Description  string `json:"description,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	Model        string `json:"model,omitempty"`
	Thinking     string `json:"thinking,omitempty"`
	Tools        string `json:"tools,omitempty"`
	Skills       string `json:"skills,omitempty"`
	Output       string `json:"output,omitempty"`
}

func runMCP(args []string) int {
	_ = args
	cfg, _ := loadConfigOrEmpty(resolveConfigPath(""))
	engine := NewEngine(cfg, "")
	engine.Startup(fmt.Sprintf("mcp-%d", os.Getpid()))
	defer engine.Close()

	server := mcp.NewServer(&mcp.Implementation{
		Name:    "subagent-kit",
		Version: "0.1.0",
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "subagent.run",
		Description: "Run a single agent on a task. Set async=true for a detached background run that returns an id.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, input MCPRunInput) (*mcp.CallToolResult, map[string]interface{}, error) {
		request, err := requestFromRunInput(input)
		if err != nil {
			return nil, nil, err
		}
		details, err := engine.Execute(ctx, *request, nil)
		if err != nil {
			return nil, nil, err
		}
		return nil, detailsPayload(details), nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "subagent.run_parallel",
		Description: "Fan a set of agent tasks out in parallel (bounded concurrency) and return ordered results.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, input MCPParallelInput) (*mcp.CallToolResult, map[string]interface{}, error) {
		if len(input.Tasks) == 0 {
			return nil, nil, errors.New("tasks is required")
		}
		request := Request{Cwd: input.Cwd, AgentScope: input.AgentScope, ArtifactsEnabled: true}
		for _, t := range input.Tasks {
			request.Tasks = append(request.Tasks, TaskSpec{
				Agent:     t.Agent,
				Task:      t.Task,
				Overrides: StepOverrides{Model: t.Model},
			})
		}
		details, err := engine.Execute(ctx, request, nil)
		if err != nil {
			return nil, nil, err
		}
		return nil, detailsPayload(details), nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "subagent.run_chain",
		Description: "Run agents sequentially, threading {previous} between steps. Steps may contain parallel groups. Set async=true to detach.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, input MCPChainInput) (*mcp.CallToolResult, map[string]interface{}, error) {
		request, err := requestFromChainInput(engine, input)
		if err != nil {
			return nil, nil, err
		}
		details, err := engine.Execute(ctx, *request, nil)
		if err != nil {
			return nil, nil, err
		}
		return nil, detailsPayload(details), nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "subagent.run_status",
		Description: "Read the durable status of a background run by id.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, input MCPStatusInput) (*mcp.CallToolResult, map[string]interface{}, error) {
		if input.ID == "" {
			return nil, nil, errors.New("id is required")
		}
		status, err := readStatusFile(statusPathFor(input.ID))
		if err != nil {
			// Swept async dirs still resolve through the run-history log.
			if record, ok, _ := findRunRecord(input.ID); ok {
				return nil, recordPayload(record), nil
			}
			return nil, nil, fmt.Errorf("run not found: %s", input.ID)
		}
		return nil, statusPayload(status), nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "subagent.run_wait",
		Description: "Block until a background run reaches a terminal state or the timeout elapses.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, input MCPWaitInput) (*mcp.CallToolResult, map[string]interface{}, error) {
		if input.ID == "" {
			return nil, nil, errors.New("id is required")
		}
		timeout := time.Duration(input.TimeoutMs) * time.Millisecond
		if timeout <= 0 {
			timeout = 10 * time.Minute
		}
		status, err := waitForRun(ctx, input.ID, timeout)
		if err != nil {
			return nil, nil, err
		}
		return nil, statusPayload(status), nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "subagent.run_cancel",
		Description: "Cancel a background run: the worker is signalled and the terminal status is returned. force kills outright.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, input MCPCancelInput) (*mcp.CallToolResult, map[string]interface{}, error) {
		if input.ID == "" {
			return nil, nil, errors.New("id is required")
		}
		status, err := cancelBackgroundRun(ctx, input.ID, input.Force)
		if err != nil {
			return nil, nil, err
		}
		return nil, statusPayload(status), nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "subagent.run_history",
		Description: "List recent run records.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, input MCPHistoryInput) (*mcp.CallToolResult, map[string]interface{}, error) {
		records, err := readRunHistory(input.Limit, input.Status, input.Agent)
		if err != nil {
			return nil, nil, err
		}
		return nil, map[string]interface{}{"count": len(records), "runs": records}, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "subagent.agents",
		Description: "Manage agents: action is one of list, get, create, update, delete.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, input MCPManageInput) (*mcp.CallToolResult, map[string]interface{}, error) {
		mreq := ManageRequest{Action: input.Action, Name: input.Name, Scope: input.Scope}
		if input.NewName != "" {
			mreq.NewName = &input.NewName
		}
		if input.Description != "" {
			mreq.Description = &input.Description
		}
		if input.SystemPrompt != "" {
			mreq.SystemPrompt = &input.SystemPrompt
		}
		if input.Model != "" {
			mreq.Model = &input.Model
		}
		if input.Thinking != "" {
			mreq.Thinking = &input.Thinking
		}
		if input.Tools != "" {
			tools := splitList(input.Tools)
			mreq.Tools = &tools
		}
		if input.Skills != "" {
			skills := splitList(input.Skills)
			mreq.Skills = &skills
		}
		if input.Output != "" {
			mreq.Output = &input.Output
		}
		result, err := engine.Manage(mreq)
		if err != nil {
			return nil, nil, err
		}
		return nil, managePayload(result), nil
	})

	transport := mcp.NewStdioTransport()
	session, err := server.Connect(context.Background(), transport, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 1
	}
	if err := session.Wait(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 1
	}
	return 0
}

func requestFromRunInput(input MCPRunInput) (*Request, error) {
	if input.Agent == "" || input.Task == "" {
		return nil, errors.New("agent and task are required")
	}
	skills, err := normalizeSkillValue(input.Skills)
	if err != nil {
		return nil, err
	}
	output, err := normalizeOutputValue(input.Output)
	if err != nil {
		return nil, err
	}
	reads, readsSet, err := normalizeReadsValue(input.Reads)
	if err != nil {
		return nil, err
	}
	return &Request{
		Agent: input.Agent,
		Task:  input.Task,
		Overrides: StepOverrides{
			Model:    input.Model,
			Skills:   skills,
			Output:   output,
			Reads:    reads,
			ReadsSet: readsSet,
		},
		Cwd:              input.Cwd,
		Async:            input.Async,
		AgentScope:       input.AgentScope,
		MaxOutputBytes:   input.MaxOutput,
		SessionDir:       input.SessionDir,
		SessionID:        input.SessionID,
		ArtifactsEnabled: true,
	}, nil
}

func requestFromChainInput(engine *Engine, input MCPChainInput) (*Request, error) {
	steps := input.Steps
	if input.Chain != "" {
		stored, err := engine.store.LoadChain(input.Chain, ScopeBoth)
		if err != nil {
			return nil, err
		}
		if stored == nil {
			return nil, fmt.Errorf("chain not found: %s", input.Chain)
		}
		return &Request{
			Chain:            stored.Steps,
			Task:             input.Task,
			ChainDir:         input.ChainDir,
			Cwd:              input.Cwd,
			Async:            input.Async,
			AgentScope:       input.AgentScope,
			ArtifactsEnabled: true,
		}, nil
	}
	if len(steps) == 0 {
		return nil, errors.New("steps is required")
	}
	chain := make([]ChainStep, 0, len(steps))
	for _, s := range steps {
		step, err := chainStepFromMCP(s)
		if err != nil {
			return nil, err
		}
		chain = append(chain, step)
	}
	return &Request{
		Chain:            chain,
		Task:             input.Task,
		ChainDir:         input.ChainDir,
		Cwd:              input.Cwd,
		Async:            input.Async,
		AgentScope:       input.AgentScope,
		ArtifactsEnabled: true,
	}, nil
}

func chainStepFromMCP(s MCPChainStep) (ChainStep, error) {
	ov, err := overridesFromMCP(s)
	if err != nil {
		return ChainStep{}, err
	}
	step := ChainStep{
		Agent:       s.Agent,
		Task:        s.Task,
		Overrides:   ov,
		Concurrency: s.Concurrency,
		FailFast:    s.FailFast,
	}
	for _, inner := range s.Parallel {
		innerOv, err := overridesFromMCP(inner)
		if err != nil {
			return ChainStep{}, err
		}
		step.Parallel = append(step.Parallel, TaskSpec{Agent: inner.Agent, Task: inner.Task, Overrides: innerOv})
	}
	return step, nil
}

func overridesFromMCP(s MCPChainStep) (StepOverrides, error) {
	skills, err := normalizeSkillValue(s.Skills)
	if err != nil {
		return StepOverrides{}, err
	}
	output, err := normalizeOutputValue(s.Output)
	if err != nil {
		return StepOverrides{}, err
	}
	reads, readsSet, err := normalizeReadsValue(s.Reads)
	if err != nil {
		return StepOverrides{}, err
	}
	return StepOverrides{
		Model:    s.Model,
		Skills:   skills,
		Output:   output,
		Reads:    reads,
		ReadsSet: readsSet,
		Progress: s.Progress,
	}, nil
}

// waitForRun polls the durable status file until a terminal state.
func waitForRun(ctx context.Context, id string, timeout time.Duration) (*RunStatus, error) {
	deadline := time.Now().Add(timeout)
	for {
		status, err := readStatusFile(statusPathFor(id))
		if err == nil && (status.State == stateComplete || status.State == stateFailed) {
			return status, nil
		}
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		if time.Now().After(deadline) {
			if status != nil {
				return status, nil
			}
			return nil, fmt.Errorf("run not found: %s", id)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func detailsPayload(d *Details) map[string]interface{} {
	payload := map[string]interface{}{
		"mode":    d.Mode,
		"success": d.succeeded(),
		"output":  d.Output,
	}
	if d.AsyncID != "" {
		payload["id"] = d.AsyncID
		payload["async_dir"] = d.AsyncDir
		payload["status"] = "started"
	}
	if len(d.Results) > 0 {
		results := make([]map[string]interface{}, 0, len(d.Results))
		for i := range d.Results {
			res := &d.Results[i]
			entry := map[string]interface{}{
				"agent":     res.Agent,
				"exit_code": res.ExitCode,
				"tokens":    res.Usage.Total,
			}
			if res.Error != "" {
				entry["error"] = res.Error
			}
			if len(res.Warnings) > 0 {
				entry["warnings"] = res.Warnings
			}
			results = append(results, entry)
		}
		payload["results"] = results
	}
	if len(d.ChainAgents) > 0 {
		payload["chain_agents"] = d.ChainAgents
	}
	if d.Note != "" {
		payload["note"] = d.Note
	}
	if d.Artifacts != nil {
		payload["artifacts"] = d.Artifacts
	}
	return payload
}

// recordPayload renders a history record for runs whose async dir is gone.
func recordPayload(rec RunRecord) map[string]interface{} {
	return map[string]interface{}{
		"id":         rec.ID,
		"agent":      rec.Agent,
		"mode":       rec.Mode,
		"status":     rec.Status,
		"exit_code":  rec.ExitCode,
		"started_at": rec.StartedAt,
		"ended_at":   rec.EndedAt,
		"error":      rec.Error,
	}
}

func statusPayload(st *RunStatus) map[string]interface{} {
	steps := make([]map[string]interface{}, 0, len(st.Steps))
	for _, step := range st.Steps {
		entry := map[string]interface{}{
			"agent":  step.Agent,
			"status": step.Status,
		}
		if step.ExitCode != nil {
			entry["exit_code"] = *step.ExitCode
		}
		if step.Tokens > 0 {
			entry["tokens"] = step.Tokens
		}
		steps = append(steps, entry)
	}
	return map[string]interface{}{
		"id":           st.RunID,
		"mode":         st.Mode,
		"state":        st.State,
		"current_step": st.CurrentStep,
		"steps":        steps,
		"started_at":   st.StartedAt,
		"last_update":  st.LastUpdate,
		"ended_at":     st.EndedAt,
		"total_tokens": st.TotalTokens,
		"error":        st.Error,
	}
}

func managePayload(res *ManageResult) map[string]interface{} {
	payload := map[string]interface{}{"status": res.Status}
	if len(res.Warnings) > 0 {
		payload["warnings"] = res.Warnings
	}
	if res.Agent != nil {
		payload["agent"] = agentView(res.Agent)
	}
	if res.Agents != nil {
		agents := make([]map[string]interface{}, 0, len(res.Agents))
		for _, a := range res.Agents {
			agents = append(agents, agentView(a))
		}
		payload["agents"] = agents
		payload["count"] = len(agents)
	}
	return payload
}

func agentView(a *Agent) map[string]interface{} {
	view := map[string]interface{}{
		"name":   a.Name,
		"source": a.Source,
	}
	if a.Description != "" {
		view["description"] = a.Description
	}
	if a.Model != "" {
		view["model"] = a.Model
	}
	if a.Thinking != "" {
		view["thinking"] = a.Thinking
	}
	if len(a.Tools) > 0 {
		view["tools"] = a.Tools
	}
	if len(a.Skills) > 0 {
		view["skills"] = a.Skills
	}
	if a.Output != "" {
		view["output"] = a.Output
	}
	return view
}
