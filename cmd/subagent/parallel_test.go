package main

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
)

func TestParallelOrderPreserved(t *testing.T) {
	installFakeRunner(t)
	engine := testEngine(t)
	writeTestAgent(t, engine, &Agent{Name: "a", Model: "m"})
	writeTestAgent(t, engine, &Agent{Name: "b", Model: "m"})

	req := Request{Tasks: []TaskSpec{
		{Agent: "a", Task: "first"},
		{Agent: "b", Task: "second"},
		{Agent: "a", Task: "third"},
	}}
	details, err := engine.Execute(context.Background(), req, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(details.Results) != len(req.Tasks) {
		t.Fatalf("results = %d, want %d", len(details.Results), len(req.Tasks))
	}
	for i, task := range req.Tasks {
		if details.Results[i].Agent != task.Agent {
			t.Errorf("results[%d].Agent = %q, want %q", i, details.Results[i].Agent, task.Agent)
		}
		if details.Results[i].Output != "echo:"+task.Task {
			t.Errorf("results[%d].Output = %q", i, details.Results[i].Output)
		}
	}
}

func TestParallelAggregateOutput(t *testing.T) {
	installFakeRunner(t)
	engine := testEngine(t)
	writeTestAgent(t, engine, &Agent{Name: "a", Model: "m"})
	writeTestAgent(t, engine, &Agent{Name: "b", Model: "m"})

	req := Request{Tasks: []TaskSpec{
		{Agent: "a", Task: "make it BOOM"},
		{Agent: "b", Task: "ok work"},
	}}
	details, err := engine.Execute(context.Background(), req, nil)
	if err != nil {
		t.Fatal(err)
	}

	out := details.Output
	firstIdx := strings.Index(out, "=== Task 1 (a) ===")
	secondIdx := strings.Index(out, "=== Task 2 (b) ===")
	if firstIdx < 0 || secondIdx < 0 || firstIdx > secondIdx {
		t.Fatalf("blocks missing or out of order:\n%s", out)
	}
	if !strings.Contains(out, "⚠️ FAILED (exit code 2)") {
		t.Errorf("failed block missing marker:\n%s", out)
	}
	if !strings.Contains(out, "echo:ok work") {
		t.Errorf("successful block missing output:\n%s", out)
	}
}

func TestParallelEmptyOutputMarker(t *testing.T) {
	installFakeRunner(t)
	engine := testEngine(t)
	writeTestAgent(t, engine, &Agent{Name: "quiet", Model: "m"})

	req := Request{Tasks: []TaskSpec{{Agent: "quiet", Task: "stay SILENT"}}}
	details, err := engine.Execute(context.Background(), req, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(details.Output, "⚠️ EMPTY OUTPUT") {
		t.Errorf("missing empty-output marker:\n%s", details.Output)
	}
}

func TestParallelTooManyTasks(t *testing.T) {
	installFakeRunner(t)
	engine := testEngine(t)
	writeTestAgent(t, engine, &Agent{Name: "a", Model: "m"})

	req := Request{}
	for i := 0; i <= maxParallelTasks; i++ {
		req.Tasks = append(req.Tasks, TaskSpec{Agent: "a", Task: fmt.Sprintf("t%d", i)})
	}
	_, err := engine.Execute(context.Background(), req, nil)
	if err == nil {
		t.Fatal("expected over-limit validation error")
	}
}

func TestParallelBackgroundDowngraded(t *testing.T) {
	installFakeRunner(t)
	engine := testEngine(t)
	writeTestAgent(t, engine, &Agent{Name: "a", Model: "m"})

	req := Request{Tasks: []TaskSpec{{Agent: "a", Task: "x"}}, Async: true}
	details, err := engine.Execute(context.Background(), req, nil)
	if err != nil {
		t.Fatal(err)
	}
	if details.AsyncID != "" {
		t.Error("parallel request must not go to background")
	}
	if details.Note == "" || !strings.Contains(details.Output, "note:") {
		t.Errorf("downgrade note missing: note=%q", details.Note)
	}
	if len(details.Results) != 1 {
		t.Errorf("results = %d, want 1", len(details.Results))
	}
}

func TestRunGroupConcurrencyClamped(t *testing.T) {
	installFakeRunner(t)
	engine := testEngine(t)

	agent := &Agent{Name: "a", Model: "m"}
	agents := []*Agent{agent, agent, agent}
	tasks := []TaskSpec{{Agent: "a", Task: "1"}, {Agent: "a", Task: "2"}, {Agent: "a", Task: "3"}}

	var mu sync.Mutex
	running, peak := 0, 0
	state := map[int]string{}
	results := engine.runGroup(context.Background(), agents, tasks, groupOptions{
		Concurrency: -3,
		RunID:       "run-test",
		OnSlot: func(i int, p LiveAgentProgress) {
			mu.Lock()
			defer mu.Unlock()
			prev := state[i]
			if p.Status == "running" && prev != "running" {
				running++
				if running > peak {
					peak = running
				}
			}
			if (p.Status == "complete" || p.Status == "failed") && prev == "running" {
				running--
			}
			state[i] = p.Status
		},
	})
	if len(results) != 3 {
		t.Fatalf("results = %d", len(results))
	}
	if peak > 1 {
		t.Errorf("clamped concurrency ran %d at once, want 1", peak)
	}
}

func TestParallelProgressSnapshots(t *testing.T) {
	installFakeRunner(t)
	engine := testEngine(t)
	writeTestAgent(t, engine, &Agent{Name: "a", Model: "m"})

	var mu sync.Mutex
	snapshots := 0
	onUpdate := func(d *Details) {
		mu.Lock()
		defer mu.Unlock()
		snapshots++
		if len(d.Progress) != 2 {
			t.Errorf("progress vector length = %d, want 2", len(d.Progress))
		}
	}

	req := Request{Tasks: []TaskSpec{{Agent: "a", Task: "x"}, {Agent: "a", Task: "y"}}}
	if _, err := engine.Execute(context.Background(), req, onUpdate); err != nil {
		t.Fatal(err)
	}
	if snapshots == 0 {
		t.Error("no progress snapshots emitted")
	}
}
