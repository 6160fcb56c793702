package main

import (
	"fmt"
	"time"
)

// Exit codes outside the runner's own range.
const (
	exitSkipped   = -1
	exitCancelled = -2
)

type ProgressSummary struct {
	ToolCalls  int   `json:"tool_calls"`
	Tokens     int   `json:"tokens"`
	DurationMs int64 `json:"duration_ms"`
}

// StepResult is the record of one executed agent instance.
type StepResult struct {
	Agent         string          `json:"agent"`
	Model         string          `json:"model"`
	Task          string          `json:"task"`
	Messages      []Message       `json:"messages,omitempty"`
	Output        string          `json:"output"`
	ExitCode      int             `json:"exit_code"`
	Usage         Usage           `json:"usage"`
	Progress      ProgressSummary `json:"progress"`
	Skills        []string        `json:"skills,omitempty"`
	ArtifactPaths []string        `json:"artifact_paths,omitempty"`
	Truncation    *Truncation     `json:"truncation,omitempty"`
	OutputPath    string          `json:"output_path,omitempty"`
	Error         string          `json:"error,omitempty"`
	SessionFile   string          `json:"session_file,omitempty"`
	Warnings      []string        `json:"warnings,omitempty"`
}

func (r *StepResult) ok() bool {
	return r.ExitCode == 0
}

func (r *StepResult) skipped() bool {
	return r.ExitCode == exitSkipped
}

// LiveAgentProgress is the per-slot snapshot streamed to onUpdate while a run
// is in flight.
type LiveAgentProgress struct {
	Agent     string    `json:"agent"`
	Status    string    `json:"status"` // pending | running | complete | failed | skipped
	ToolCalls int       `json:"tool_calls"`
	Tokens    int       `json:"tokens"`
	LastTool  string    `json:"last_tool,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
}

type ArtifactSet struct {
	Dir   string   `json:"dir"`
	Files []string `json:"files"`
}

// Details is the aggregate result handed back to the caller, and the payload
// of every onUpdate emission.
type Details struct {
	Mode             string              `json:"mode"`
	Results          []StepResult        `json:"results"`
	Output           string              `json:"output,omitempty"`
	Progress         []LiveAgentProgress `json:"progress,omitempty"`
	ChainAgents      []string            `json:"chain_agents,omitempty"`
	CurrentStepIndex int                 `json:"current_step_index,omitempty"`
	TotalSteps       int                 `json:"total_steps,omitempty"`
	AsyncID          string              `json:"async_id,omitempty"`
	AsyncDir         string              `json:"async_dir,omitempty"`
	Artifacts        *ArtifactSet        `json:"artifacts,omitempty"`
	Note             string              `json:"note,omitempty"`
}

func (d *Details) succeeded() bool {
	for i := range d.Results {
		if !d.Results[i].ok() && !d.Results[i].skipped() {
			return false
		}
	}
	return true
}

// UpdateFunc receives progress snapshots. Calls are serialized per request.
type UpdateFunc func(*Details)

// EngineError is a structured, returned (never panicked) failure.
type EngineError struct {
	Kind    string `json:"kind"` // validation | depth | normalize
	Message string `json:"message"`
}

func (e *EngineError) Error() string {
	return e.Message
}

func validationError(format string, args ...interface{}) *EngineError {
	return &EngineError{Kind: "validation", Message: fmt.Sprintf(format, args...)}
}
