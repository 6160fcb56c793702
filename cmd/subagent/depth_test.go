package main

import (
	"context"
	"strings"
	"testing"
)

func TestDepthGuard(t *testing.T) {
	tests := []struct {
		name    string
		depth   string
		max     string
		blocked bool
	}{
		{"fresh process", "", "", false},
		{"one below default cap", "1", "", false},
		{"at default cap", "2", "", true},
		{"above default cap", "5", "", true},
		{"raised cap", "2", "4", false},
		{"zero cap disables nesting", "0", "0", true},
		{"garbage depth treated as zero", "banana", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(envDepth, tt.depth)
			t.Setenv(envMaxDepth, tt.max)
			err := checkDepth()
			if (err != nil) != tt.blocked {
				t.Errorf("checkDepth() = %v, blocked want %v", err, tt.blocked)
			}
			if err != nil && !strings.Contains(err.Error(), "Nested subagent call blocked") {
				t.Errorf("error wording: %q", err.Error())
			}
		})
	}
}

func TestDepthGuardBlocksDispatchBeforeSpawn(t *testing.T) {
	installFakeRunner(t)
	engine := testEngine(t)
	writeTestAgent(t, engine, &Agent{Name: "echoer", Model: "m"})
	t.Setenv(envDepth, "2")

	_, err := engine.Execute(context.Background(), Request{Agent: "echoer", Task: "x"}, nil)
	if err == nil {
		t.Fatal("expected depth error")
	}
	var engineErr *EngineError
	if !asEngineError(err, &engineErr) || engineErr.Kind != "depth" {
		t.Fatalf("error = %v", err)
	}

	// No child ran, so no history record was appended.
	records, _ := readRunHistory(0, "", "")
	if len(records) != 0 {
		t.Errorf("history records = %d, want 0", len(records))
	}
}

func TestChildDepthEnv(t *testing.T) {
	t.Setenv(envDepth, "1")
	if got := childDepthEnv(); got != "SUBAGENT_DEPTH=2" {
		t.Errorf("childDepthEnv() = %q", got)
	}
	t.Setenv(envDepth, "")
	if got := childDepthEnv(); got != "SUBAGENT_DEPTH=1" {
		t.Errorf("childDepthEnv() = %q", got)
	}
}
