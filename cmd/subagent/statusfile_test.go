package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func readFileLines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	lines := []string{}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

func TestStatusWriterRoundTrip(t *testing.T) {
	dir := t.TempDir()
	writer := newStatusWriter(dir, &RunStatus{
		RunID:     "r1",
		Mode:      "chain",
		State:     stateRunning,
		StartedAt: nowRFC3339(),
		PID:       123,
		Steps: []StepStatus{
			{Agent: "a", Status: stepPending},
			{Agent: "b", Status: stepPending},
		},
	})
	if err := writer.update(nil); err != nil {
		t.Fatal(err)
	}

	st, err := readStatusFile(filepath.Join(dir, "status.json"))
	if err != nil {
		t.Fatal(err)
	}
	if st.RunID != "r1" || st.State != stateRunning || len(st.Steps) != 2 {
		t.Errorf("round trip mismatch: %+v", st)
	}
	if st.CurrentStep != 0 {
		t.Errorf("currentStep = %d, want 0", st.CurrentStep)
	}
}

func TestStatusWriterCurrentStep(t *testing.T) {
	dir := t.TempDir()
	writer := newStatusWriter(dir, &RunStatus{
		RunID: "r2", State: stateRunning, StartedAt: nowRFC3339(),
		Steps: []StepStatus{
			{Agent: "a", Status: stepPending},
			{Agent: "b", Status: stepPending},
			{Agent: "c", Status: stepPending},
		},
	})

	_ = writer.update(func(st *RunStatus) { st.Steps[0].Status = stateComplete })
	if got := writer.snapshot().CurrentStep; got != 1 {
		t.Errorf("currentStep = %d, want 1", got)
	}

	// A later failed step does not advance past it.
	_ = writer.update(func(st *RunStatus) { st.Steps[1].Status = stateFailed })
	if got := writer.snapshot().CurrentStep; got != 1 {
		t.Errorf("currentStep = %d, want 1 (failed step stays current)", got)
	}

	_ = writer.update(func(st *RunStatus) {
		st.Steps[1].Status = stateComplete
		st.Steps[2].Status = stateComplete
	})
	if got := writer.snapshot().CurrentStep; got != 3 {
		t.Errorf("currentStep = %d, want 3 when all complete", got)
	}
}

func TestStatusWriterLastUpdateMonotonic(t *testing.T) {
	dir := t.TempDir()
	writer := newStatusWriter(dir, &RunStatus{
		RunID: "r3", State: stateRunning, StartedAt: nowRFC3339(),
		Steps: []StepStatus{{Agent: "a", Status: stepPending}},
	})

	var updates []string
	for i := 0; i < 5; i++ {
		if err := writer.update(nil); err != nil {
			t.Fatal(err)
		}
		updates = append(updates, writer.snapshot().LastUpdate)
	}
	for i := 1; i < len(updates); i++ {
		if updates[i] < updates[i-1] {
			t.Errorf("lastUpdate regressed: %q -> %q", updates[i-1], updates[i])
		}
	}
}

func TestAppendEventOrdering(t *testing.T) {
	dir := t.TempDir()
	appendEvent(dir, "subagent.run.started", map[string]interface{}{"runId": "x"})
	appendEvent(dir, "subagent.step.started", map[string]interface{}{"step": 0})
	appendEvent(dir, "subagent.step.completed", map[string]interface{}{"step": 0})

	data, err := readFileLines(filepath.Join(dir, "events.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 3 {
		t.Fatalf("events = %d, want 3", len(data))
	}
}
