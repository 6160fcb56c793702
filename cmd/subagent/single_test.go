package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSingleRunSuccess(t *testing.T) {
	installFakeRunner(t)
	engine := testEngine(t)
	writeTestAgent(t, engine, &Agent{Name: "echoer", Model: "m"})

	details, err := engine.Execute(context.Background(), Request{Agent: "echoer", Task: "hello"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if details.Mode != "single" {
		t.Errorf("Mode = %q, want single", details.Mode)
	}
	if len(details.Results) != 1 {
		t.Fatalf("results = %d, want 1", len(details.Results))
	}
	res := details.Results[0]
	if res.ExitCode != 0 {
		t.Errorf("ExitCode = %d, error %q", res.ExitCode, res.Error)
	}
	if res.Output != "echo:hello" {
		t.Errorf("Output = %q, want echo:hello", res.Output)
	}
	if res.Usage.Total != 3 {
		t.Errorf("Usage.Total = %d, want 3", res.Usage.Total)
	}
	if res.Progress.ToolCalls != 1 {
		t.Errorf("ToolCalls = %d, want 1", res.Progress.ToolCalls)
	}
}

func TestSingleRunFailure(t *testing.T) {
	installFakeRunner(t)
	engine := testEngine(t)
	writeTestAgent(t, engine, &Agent{Name: "echoer", Model: "m"})

	details, err := engine.Execute(context.Background(), Request{Agent: "echoer", Task: "please BOOM now"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if details.Results[0].ExitCode != 2 {
		t.Errorf("ExitCode = %d, want 2", details.Results[0].ExitCode)
	}
	if details.succeeded() {
		t.Error("details should not report success")
	}
}

func TestSingleUnknownAgent(t *testing.T) {
	installFakeRunner(t)
	engine := testEngine(t)

	_, err := engine.Execute(context.Background(), Request{Agent: "nope", Task: "x"}, nil)
	if err == nil {
		t.Fatal("expected validation error")
	}
	var engineErr *EngineError
	if !asEngineError(err, &engineErr) || engineErr.Kind != "validation" {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(engineErr.Message, "available:") {
		t.Errorf("error should list available agents: %q", engineErr.Message)
	}
}

func TestSingleModelOverrideAndThinking(t *testing.T) {
	installFakeRunner(t)
	engine := testEngine(t)
	agent := &Agent{Name: "thinker", Model: "anthropic/claude-sonnet", Thinking: "high"}

	step := engine.resolveStep(agent, "x", StepOverrides{}, "", "")
	if step.Model != "anthropic/claude-sonnet:high" {
		t.Errorf("Model = %q", step.Model)
	}

	step = engine.resolveStep(agent, "x", StepOverrides{Model: "other/model:low"}, "", "")
	if step.Model != "other/model:low" {
		t.Errorf("override Model = %q", step.Model)
	}
}

func TestResolveStepSkillInjection(t *testing.T) {
	installFakeRunner(t)
	engine := testEngine(t)

	skillDir := filepath.Join(baseDir(), "skills")
	if err := os.MkdirAll(skillDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(skillDir, "review.md"), []byte("Review checklist."), 0o644); err != nil {
		t.Fatal(err)
	}

	agent := &Agent{Name: "rev", Model: "m", SystemPrompt: "Base prompt."}
	ov := StepOverrides{Skills: &SkillSpec{Kind: specExplicit, Names: []string{"review", "review", "missing"}}}
	step := engine.resolveStep(agent, "x", ov, "", "")

	if !strings.Contains(step.SystemPrompt, `<skill name="review">`) {
		t.Errorf("system prompt missing skill block: %q", step.SystemPrompt)
	}
	if strings.Count(step.SystemPrompt, `<skill name="review">`) != 1 {
		t.Error("duplicate skill was not deduplicated")
	}
	if len(step.Skills) != 1 || step.Skills[0] != "review" {
		t.Errorf("Skills = %v", step.Skills)
	}
	if len(step.Warnings) != 1 || !strings.Contains(step.Warnings[0], "missing") {
		t.Errorf("Warnings = %v", step.Warnings)
	}
}

func TestResolveStepOutputInjection(t *testing.T) {
	installFakeRunner(t)
	engine := testEngine(t)
	cwd := t.TempDir()
	agent := &Agent{Name: "writer", Model: "m", Output: "report.md"}

	step := engine.resolveStep(agent, "write it", StepOverrides{}, cwd, "")
	wantPath := filepath.Join(cwd, "report.md")
	if step.OutputPath != wantPath {
		t.Errorf("OutputPath = %q, want %q", step.OutputPath, wantPath)
	}
	if !strings.HasPrefix(step.Task, "[Write to: "+wantPath+"]\n") {
		t.Errorf("task missing write instruction: %q", step.Task)
	}

	step = engine.resolveStep(agent, "no file", StepOverrides{Output: &OutputSpec{Kind: specDisabled}}, cwd, "")
	if step.OutputPath != "" || strings.Contains(step.Task, "[Write to:") {
		t.Errorf("disabled output still injected: %+v", step)
	}
}

func TestSingleTruncation(t *testing.T) {
	installFakeRunner(t)
	engine := testEngine(t)
	writeTestAgent(t, engine, &Agent{Name: "echoer", Model: "m"})

	long := strings.Repeat("word ", 200)
	details, err := engine.Execute(context.Background(), Request{
		Agent:            "echoer",
		Task:             long,
		MaxOutputBytes:   64,
		ArtifactsEnabled: true,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	res := details.Results[0]
	if res.Truncation == nil || !res.Truncation.WasTruncated {
		t.Fatal("expected truncation")
	}
	if !strings.Contains(res.Output, "…truncated") {
		t.Errorf("missing truncation marker: %q", res.Output)
	}
	if res.Truncation.SavedToPath == "" {
		t.Error("truncation should reference the saved artifact")
	}
	data, err := os.ReadFile(res.Truncation.SavedToPath)
	if err != nil {
		t.Fatalf("full output artifact not written: %v", err)
	}
	if !strings.HasPrefix(string(data), "echo:") {
		t.Errorf("artifact content unexpected: %q", truncateForLog(string(data), 40))
	}
}

func TestSingleArtifacts(t *testing.T) {
	installFakeRunner(t)
	engine := testEngine(t)
	writeTestAgent(t, engine, &Agent{Name: "echoer", Model: "m"})

	details, err := engine.Execute(context.Background(), Request{
		Agent:            "echoer",
		Task:             "hello",
		ArtifactsEnabled: true,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	res := details.Results[0]
	if len(res.ArtifactPaths) != 3 {
		t.Fatalf("ArtifactPaths = %v", res.ArtifactPaths)
	}
	for _, p := range res.ArtifactPaths {
		if !pathExists(p) {
			t.Errorf("artifact missing: %s", p)
		}
	}
	if details.Artifacts == nil || len(details.Artifacts.Files) != 3 {
		t.Errorf("Artifacts = %+v", details.Artifacts)
	}
}

func TestSingleHistoryRecord(t *testing.T) {
	installFakeRunner(t)
	engine := testEngine(t)
	writeTestAgent(t, engine, &Agent{Name: "echoer", Model: "m"})

	if _, err := engine.Execute(context.Background(), Request{Agent: "echoer", Task: "hello"}, nil); err != nil {
		t.Fatal(err)
	}
	records, err := readRunHistory(0, "", "echoer")
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("history records = %d, want 1", len(records))
	}
	if records[0].Status != "ok" || records[0].Agent != "echoer" {
		t.Errorf("record = %+v", records[0])
	}
}

func asEngineError(err error, target **EngineError) bool {
	e, ok := err.(*EngineError)
	if ok {
		*target = e
	}
	return ok
}
