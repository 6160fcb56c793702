package main

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	pollInterval        = 250 * time.Millisecond
	watchDebounce       = 50 * time.Millisecond
	watcherRestartDelay = 3 * time.Second
	completeDedupTTL    = 10 * time.Minute
	jobEvictionDelay    = 10 * time.Second
)

// Registry event names.
const (
	eventSubagentStarted  = "subagent:started"
	eventSubagentComplete = "subagent:complete"
)

type RegistryEvent struct {
	Type    string
	ID      string
	Success bool
	Job     *BackgroundJob
	Result  *ResultFile
}

// BackgroundJob is the in-memory view of one detached run.
type BackgroundJob struct {
	ID        string
	AsyncDir  string
	Agents    []string
	PID       int
	StartedAt time.Time

	Status      *RunStatus
	statusMtime time.Time
	terminal    bool
}

// Registry tracks background jobs for the live widget and completion
// dispatch: a status poller, a result-file watcher, dedup and eviction.
type Registry struct {
	mu        sync.Mutex
	jobs      map[string]*BackgroundJob
	dedup     map[string]time.Time
	evictions map[string]*time.Timer
	baseCwd   string
	sessionID string

	resultsDir string
	watcher    *fsnotify.Watcher
	pending    map[string]*time.Timer // debounce per result file
	events     chan RegistryEvent
	done       chan struct{}
	closed     bool
}

func NewRegistry(resultsDir string) *Registry {
	return &Registry{
		jobs:       map[string]*BackgroundJob{},
		dedup:      map[string]time.Time{},
		evictions:  map[string]*time.Timer{},
		pending:    map[string]*time.Timer{},
		resultsDir: resultsDir,
		events:     make(chan RegistryEvent, 64),
		done:       make(chan struct{}),
	}
}

// Events is the single channel the widget renderer consumes.
func (r *Registry) Events() <-chan RegistryEvent {
	return r.events
}

// Start launches the poller and the result watcher. Safe to call once per
// registry; both loops stop on Close.
func (r *Registry) Start() {
	go r.pollLoop()
	r.startWatcher()
}

func (r *Registry) Register(job *BackgroundJob) {
	r.mu.Lock()
	r.jobs[job.ID] = job
	r.mu.Unlock()
	r.emit(RegistryEvent{Type: eventSubagentStarted, ID: job.ID, Job: job})
}

// Jobs returns a snapshot of tracked jobs for rendering.
func (r *Registry) Jobs() []*BackgroundJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*BackgroundJob, 0, len(r.jobs))
	for _, job := range r.jobs {
		out = append(out, job)
	}
	return out
}

func (r *Registry) emit(ev RegistryEvent) {
	select {
	case r.events <- ev:
	default:
	}
}

// pollLoop refreshes each non-terminal job's status.json, re-reading only when
// the file's mtime advanced.
func (r *Registry) pollLoop() {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.pollOnce()
		}
	}
}

func (r *Registry) pollOnce() {
	r.mu.Lock()
	jobs := make([]*BackgroundJob, 0, len(r.jobs))
	for _, job := range r.jobs {
		if !job.terminal {
			jobs = append(jobs, job)
		}
	}
	r.mu.Unlock()

	for _, job := range jobs {
		path := filepath.Join(job.AsyncDir, "status.json")
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		r.mu.Lock()
		stale := info.ModTime().After(job.statusMtime)
		r.mu.Unlock()
		if !stale {
			continue
		}
		status, err := readStatusFile(path)
		if err != nil {
			continue
		}
		r.mu.Lock()
		job.Status = status
		job.statusMtime = info.ModTime()
		if status.State == stateComplete || status.State == stateFailed {
			job.terminal = true
			r.scheduleEvictionLocked(job.ID)
		}
		r.mu.Unlock()
	}
}

func (r *Registry) scheduleEvictionLocked(id string) {
	if _, exists := r.evictions[id]; exists {
		return
	}
	r.evictions[id] = time.AfterFunc(jobEvictionDelay, func() {
		r.mu.Lock()
		delete(r.jobs, id)
		delete(r.evictions, id)
		r.mu.Unlock()
	})
}

// startWatcher begins watching the results directory. Watcher failures
// self-heal: the directory is recreated and the watch restarted after a delay.
func (r *Registry) startWatcher() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	if err := ensureDir(r.resultsDir); err != nil {
		r.scheduleWatcherRestart()
		return
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.scheduleWatcherRestart()
		return
	}
	if err := watcher.Add(r.resultsDir); err != nil {
		watcher.Close()
		r.scheduleWatcherRestart()
		return
	}

	r.mu.Lock()
	if r.watcher != nil {
		r.watcher.Close()
	}
	r.watcher = watcher
	r.mu.Unlock()

	go func() {
		for {
			select {
			case <-r.done:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Rename|fsnotify.Write) == 0 {
					continue
				}
				if !strings.HasSuffix(ev.Name, ".json") {
					continue
				}
				r.debounceResult(ev.Name)
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
				watcher.Close()
				r.scheduleWatcherRestart()
				return
			}
		}
	}()

	// Results deposited while the watcher was down are picked up on start.
	entries, err := os.ReadDir(r.resultsDir)
	if err == nil {
		for _, entry := range entries {
			if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".json") {
				r.debounceResult(filepath.Join(r.resultsDir, entry.Name()))
			}
		}
	}
}

func (r *Registry) scheduleWatcherRestart() {
	time.AfterFunc(watcherRestartDelay, func() {
		select {
		case <-r.done:
			return
		default:
		}
		r.startWatcher()
	})
}

// debounceResult coalesces rapid events for the same file before dispatch.
func (r *Registry) debounceResult(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if timer, exists := r.pending[path]; exists {
		timer.Stop()
	}
	r.pending[path] = time.AfterFunc(watchDebounce, func() {
		r.mu.Lock()
		delete(r.pending, path)
		r.mu.Unlock()
		r.dispatchResult(path)
	})
}

// dispatchResult parses a result file, filters it to the current session, and
// emits subagent:complete exactly once per job id. The file is removed after
// dispatch.
func (r *Registry) dispatchResult(path string) {
	res, err := readResultFile(path)
	if err != nil {
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if res.SessionID != "" {
		if res.SessionID != r.sessionID {
			r.mu.Unlock()
			return
		}
	} else if r.baseCwd != "" && res.Cwd != r.baseCwd {
		r.mu.Unlock()
		return
	}
	if at, seen := r.dedup[res.ID]; seen && time.Since(at) < completeDedupTTL {
		r.mu.Unlock()
		_ = os.Remove(path)
		return
	}
	r.dedup[res.ID] = time.Now()
	for id, at := range r.dedup {
		if time.Since(at) >= completeDedupTTL {
			delete(r.dedup, id)
		}
	}
	job := r.jobs[res.ID]
	if job != nil {
		job.terminal = true
		r.scheduleEvictionLocked(res.ID)
	}
	r.mu.Unlock()

	r.emit(RegistryEvent{Type: eventSubagentComplete, ID: res.ID, Success: res.Success, Job: job, Result: res})
	_ = os.Remove(path)
}

// Reset clears all in-memory state on session start/switch/branch. On-disk
// asyncDir contents of in-flight runs are left untouched.
func (r *Registry) Reset(baseCwd, sessionID string) {
	r.mu.Lock()
	r.jobs = map[string]*BackgroundJob{}
	r.dedup = map[string]time.Time{}
	for _, timer := range r.evictions {
		timer.Stop()
	}
	r.evictions = map[string]*time.Timer{}
	for _, timer := range r.pending {
		timer.Stop()
	}
	r.pending = map[string]*time.Timer{}
	r.baseCwd = baseCwd
	r.sessionID = sessionID
	r.mu.Unlock()
}

// Close stops the poller, the watcher and all timers.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.done)
	if r.watcher != nil {
		r.watcher.Close()
		r.watcher = nil
	}
	for _, timer := range r.evictions {
		timer.Stop()
	}
	for _, timer := range r.pending {
		timer.Stop()
	}
	r.mu.Unlock()
}
