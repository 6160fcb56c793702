package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func drainEvent(t *testing.T, r *Registry) *RegistryEvent {
	t.Helper()
	select {
	case ev := <-r.Events():
		return &ev
	case <-time.After(time.Second):
		return nil
	}
}

func writeTestResult(t *testing.T, dir string, res *ResultFile) string {
	t.Helper()
	path := filepath.Join(dir, res.ID+".json")
	if err := writeJSONAtomic(path, res); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRegistryCompleteDedup(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(dir)
	defer r.Close()
	r.Reset("", "sess-1")

	res := &ResultFile{ID: "job-1", Success: true, SessionID: "sess-1"}
	path := writeTestResult(t, dir, res)
	r.dispatchResult(path)

	ev := drainEvent(t, r)
	if ev == nil || ev.Type != eventSubagentComplete || ev.ID != "job-1" || !ev.Success {
		t.Fatalf("first dispatch event = %+v", ev)
	}
	if pathExists(path) {
		t.Error("result file should be deleted after dispatch")
	}

	// A second deposit of the same id within the TTL is suppressed.
	path = writeTestResult(t, dir, res)
	r.dispatchResult(path)
	select {
	case ev := <-r.Events():
		t.Fatalf("duplicate completion emitted: %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRegistrySessionFiltering(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(dir)
	defer r.Close()
	r.Reset("/work/project", "sess-1")

	// Wrong session id: dropped.
	path := writeTestResult(t, dir, &ResultFile{ID: "other", Success: true, SessionID: "sess-2"})
	r.dispatchResult(path)
	select {
	case ev := <-r.Events():
		t.Fatalf("foreign session result emitted: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}

	// No session id: cwd must match.
	path = writeTestResult(t, dir, &ResultFile{ID: "cwd-miss", Success: true, Cwd: "/elsewhere"})
	r.dispatchResult(path)
	select {
	case ev := <-r.Events():
		t.Fatalf("cwd-mismatched result emitted: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}

	path = writeTestResult(t, dir, &ResultFile{ID: "cwd-hit", Success: true, Cwd: "/work/project"})
	r.dispatchResult(path)
	if ev := drainEvent(t, r); ev == nil || ev.ID != "cwd-hit" {
		t.Fatalf("matching cwd result not emitted: %+v", ev)
	}
}

func TestRegistryPollerReadsStatus(t *testing.T) {
	t.Setenv("SUBAGENT_HOME", t.TempDir())
	r := NewRegistry(t.TempDir())
	defer r.Close()

	asyncDir := t.TempDir()
	writer := newStatusWriter(asyncDir, &RunStatus{
		RunID: "job-p", Mode: "single", State: stateRunning,
		StartedAt: nowRFC3339(),
		Steps:     []StepStatus{{Agent: "a", Status: stateRunning}},
	})
	if err := writer.update(nil); err != nil {
		t.Fatal(err)
	}

	job := &BackgroundJob{ID: "job-p", AsyncDir: asyncDir, StartedAt: time.Now()}
	r.Register(job)
	drainEvent(t, r) // consume subagent:started

	r.pollOnce()
	if job.Status == nil || job.Status.State != stateRunning {
		t.Fatalf("poller did not read status: %+v", job.Status)
	}
	if job.terminal {
		t.Error("running job marked terminal")
	}

	// Terminal state schedules eviction.
	_ = writer.update(func(st *RunStatus) { st.State = stateComplete })
	// Ensure the mtime advances on coarse-grained filesystems.
	future := time.Now().Add(time.Second)
	_ = os.Chtimes(filepath.Join(asyncDir, "status.json"), future, future)
	r.pollOnce()
	if !job.terminal {
		t.Error("terminal state not observed")
	}
	r.mu.Lock()
	_, scheduled := r.evictions["job-p"]
	r.mu.Unlock()
	if !scheduled {
		t.Error("eviction timer not scheduled")
	}
}

func TestRegistryResetClearsState(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(dir)
	defer r.Close()
	r.Reset("", "sess-1")

	r.Register(&BackgroundJob{ID: "job-r", AsyncDir: t.TempDir(), StartedAt: time.Now()})
	drainEvent(t, r)
	path := writeTestResult(t, dir, &ResultFile{ID: "job-r", Success: true, SessionID: "sess-1"})
	r.dispatchResult(path)
	drainEvent(t, r)

	r.Reset("", "sess-2")
	if len(r.Jobs()) != 0 {
		t.Error("jobs survived reset")
	}
	r.mu.Lock()
	dedupLen := len(r.dedup)
	evictionsLen := len(r.evictions)
	r.mu.Unlock()
	if dedupLen != 0 || evictionsLen != 0 {
		t.Errorf("dedup=%d evictions=%d after reset", dedupLen, evictionsLen)
	}
}

func TestRegistryWatcherDispatch(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(dir)
	defer r.Close()
	r.Reset("", "sess-w")
	r.Start()

	// Give the watcher a moment to bind before depositing the result.
	time.Sleep(100 * time.Millisecond)
	writeTestResult(t, dir, &ResultFile{ID: "job-w", Success: true, SessionID: "sess-w"})

	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-r.Events():
			if ev.Type == eventSubagentComplete && ev.ID == "job-w" {
				return
			}
		case <-deadline:
			t.Fatal("watcher never dispatched the result")
		}
	}
}
