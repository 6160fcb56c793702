package main

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	ScopeUser    = "user"
	ScopeProject = "project"
	ScopeBoth    = "both"

	SourceBuiltin = "builtin"
	SourceUser    = "user"
	SourceProject = "project"
)

// Agent is an immutable execution-time configuration. The engine only reads
// these; all mutation goes through the management interface.
type Agent struct {
	Name            string
	Description     string
	SystemPrompt    string
	Model           string
	Thinking        string
	Tools           []string
	MCPDirectTools  []string
	MCPSet          bool
	Extensions      []string
	ExtensionsSet   bool
	Skills          []string
	Output          string
	DefaultReads    []string
	DefaultProgress bool
	Source          string
}

// StoredChain is a named chain definition on disk.
type StoredChain struct {
	Name        string
	Description string
	Steps       []ChainStep
	Source      string
}

type agentFront struct {
	Name            string    `yaml:"name"`
	Description     string    `yaml:"description,omitempty"`
	Model           string    `yaml:"model,omitempty"`
	Thinking        string    `yaml:"thinking,omitempty"`
	Tools           []string  `yaml:"tools,omitempty"`
	MCPDirectTools  *[]string `yaml:"mcpDirectTools,omitempty"`
	Extensions      *[]string `yaml:"extensions,omitempty"`
	Skills          []string  `yaml:"skills,omitempty"`
	Output          string    `yaml:"output,omitempty"`
	DefaultReads    []string  `yaml:"defaultReads,omitempty"`
	DefaultProgress bool      `yaml:"defaultProgress,omitempty"`
}

type chainFront struct {
	Name        string          `yaml:"name"`
	Description string          `yaml:"description,omitempty"`
	Steps       []chainStepYAML `yaml:"steps"`
}

type chainStepYAML struct {
	Agent       string          `yaml:"agent,omitempty"`
	Task        string          `yaml:"task,omitempty"`
	Model       string          `yaml:"model,omitempty"`
	Skills      []string        `yaml:"skills,omitempty"`
	Output      string          `yaml:"output,omitempty"`
	Reads       []string        `yaml:"reads,omitempty"`
	Progress    *bool           `yaml:"progress,omitempty"`
	Parallel    []chainStepYAML `yaml:"parallel,omitempty"`
	Concurrency int             `yaml:"concurrency,omitempty"`
	FailFast    bool            `yaml:"failFast,omitempty"`
}

// Store reads and writes agent and chain files: markdown with a YAML
// frontmatter block, body = system prompt.
type Store struct {
	cwd string
}

func openStore(cwd string) *Store {
	if cwd == "" {
		cwd, _ = os.Getwd()
	}
	return &Store{cwd: cwd}
}

var nameSanitizer = regexp.MustCompile(`[^a-z0-9-]+`)
var hyphenCollapser = regexp.MustCompile(`-{2,}`)

func sanitizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.ReplaceAll(name, " ", "-")
	name = nameSanitizer.ReplaceAllString(name, "")
	name = hyphenCollapser.ReplaceAllString(name, "-")
	return strings.Trim(name, "-")
}

func (s *Store) ListAgents(scope string) ([]*Agent, error) {
	byName := map[string]*Agent{}
	for _, a := range builtinAgents() {
		byName[a.Name] = a
	}
	scopes := []string{}
	switch scope {
	case ScopeUser:
		scopes = []string{ScopeUser}
	case ScopeProject:
		scopes = []string{ScopeProject}
	default:
		// project shadows user on name collision
		scopes = []string{ScopeUser, ScopeProject}
	}
	for _, sc := range scopes {
		dir := agentsDir(sc, s.cwd)
		if dir == "" {
			continue
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
				continue
			}
			agent, err := parseAgentFile(filepath.Join(dir, entry.Name()), sc)
			if err != nil {
				continue
			}
			byName[agent.Name] = agent
		}
	}
	out := make([]*Agent, 0, len(byName))
	for _, a := range byName {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) LoadAgent(name, scope string) (*Agent, error) {
	agents, err := s.ListAgents(scope)
	if err != nil {
		return nil, err
	}
	for _, a := range agents {
		if a.Name == name {
			return a, nil
		}
	}
	return nil, nil
}

func (s *Store) WriteAgent(a *Agent, scope string) error {
	dir := agentsDir(scope, s.cwd)
	if dir == "" {
		return fmt.Errorf("no project directory found from %s", s.cwd)
	}
	if err := ensureDir(dir); err != nil {
		return err
	}
	front := agentFront{
		Name:            a.Name,
		Description:     a.Description,
		Model:           a.Model,
		Thinking:        a.Thinking,
		Tools:           a.Tools,
		Skills:          a.Skills,
		Output:          a.Output,
		DefaultReads:    a.DefaultReads,
		DefaultProgress: a.DefaultProgress,
	}
	if a.MCPSet {
		tools := a.MCPDirectTools
		front.MCPDirectTools = &tools
	}
	if a.ExtensionsSet {
		exts := a.Extensions
		front.Extensions = &exts
	}
	data, err := yaml.Marshal(front)
	if err != nil {
		return err
	}
	content := "---\n" + string(data) + "---\n\n" + strings.TrimSpace(a.SystemPrompt) + "\n"
	return os.WriteFile(filepath.Join(dir, a.Name+".md"), []byte(content), 0o644)
}

func (s *Store) DeleteAgent(name, scope string) error {
	dir := agentsDir(scope, s.cwd)
	if dir == "" {
		return fmt.Errorf("no project directory found from %s", s.cwd)
	}
	return os.Remove(filepath.Join(dir, name+".md"))
}

func (s *Store) ListChains(scope string) ([]*StoredChain, error) {
	byName := map[string]*StoredChain{}
	scopes := []string{}
	switch scope {
	case ScopeUser:
		scopes = []string{ScopeUser}
	case ScopeProject:
		scopes = []string{ScopeProject}
	default:
		scopes = []string{ScopeUser, ScopeProject}
	}
	for _, sc := range scopes {
		dir := chainsDir(sc, s.cwd)
		if dir == "" {
			continue
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
				continue
			}
			chain, err := parseChainFile(filepath.Join(dir, entry.Name()), sc)
			if err != nil {
				continue
			}
			byName[chain.Name] = chain
		}
	}
	out := make([]*StoredChain, 0, len(byName))
	for _, c := range byName {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) LoadChain(name, scope string) (*StoredChain, error) {
	chains, err := s.ListChains(scope)
	if err != nil {
		return nil, err
	}
	for _, c := range chains {
		if c.Name == name {
			return c, nil
		}
	}
	return nil, nil
}

func (s *Store) WriteChain(c *StoredChain, scope string) error {
	dir := chainsDir(scope, s.cwd)
	if dir == "" {
		return fmt.Errorf("no project directory found from %s", s.cwd)
	}
	if err := ensureDir(dir); err != nil {
		return err
	}
	front := chainFront{Name: c.Name, Description: c.Description, Steps: stepsToYAML(c.Steps)}
	data, err := yaml.Marshal(front)
	if err != nil {
		return err
	}
	content := "---\n" + string(data) + "---\n"
	return os.WriteFile(filepath.Join(dir, c.Name+".md"), []byte(content), 0o644)
}

func (s *Store) DeleteChain(name, scope string) error {
	dir := chainsDir(scope, s.cwd)
	if dir == "" {
		return fmt.Errorf("no project directory found from %s", s.cwd)
	}
	return os.Remove(filepath.Join(dir, name+".md"))
}

func splitFrontmatter(data []byte) (front, body string, err error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	if !strings.HasPrefix(text, "---\n") {
		return "", "", fmt.Errorf("missing frontmatter")
	}
	rest := text[4:]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return "", "", fmt.Errorf("unterminated frontmatter")
	}
	front = rest[:end+1]
	body = rest[end+4:]
	body = strings.TrimPrefix(body, "\n")
	return front, strings.TrimSpace(body), nil
}

func parseAgentFile(path, scope string) (*Agent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	front, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	var f agentFront
	if err := yaml.Unmarshal([]byte(front), &f); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	name := f.Name
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(path), ".md")
	}
	agent := &Agent{
		Name:            sanitizeName(name),
		Description:     f.Description,
		SystemPrompt:    body,
		Model:           f.Model,
		Thinking:        f.Thinking,
		Tools:           f.Tools,
		Skills:          f.Skills,
		Output:          f.Output,
		DefaultReads:    f.DefaultReads,
		DefaultProgress: f.DefaultProgress,
		Source:          scope,
	}
	if f.MCPDirectTools != nil {
		agent.MCPDirectTools = *f.MCPDirectTools
		agent.MCPSet = true
	}
	if f.Extensions != nil {
		agent.Extensions = *f.Extensions
		agent.ExtensionsSet = true
	}
	return agent, nil
}

func parseChainFile(path, scope string) (*StoredChain, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	front, _, err := splitFrontmatter(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	var f chainFront
	if err := yaml.Unmarshal([]byte(front), &f); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	name := f.Name
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(path), ".md")
	}
	return &StoredChain{
		Name:        sanitizeName(name),
		Description: f.Description,
		Steps:       stepsFromYAML(f.Steps),
		Source:      scope,
	}, nil
}

func stepsFromYAML(items []chainStepYAML) []ChainStep {
	steps := make([]ChainStep, 0, len(items))
	for _, item := range items {
		step := ChainStep{
			Agent:       item.Agent,
			Task:        item.Task,
			Concurrency: item.Concurrency,
			FailFast:    item.FailFast,
		}
		step.Overrides = StepOverrides{Model: item.Model, Reads: item.Reads, Progress: item.Progress}
		if len(item.Skills) > 0 {
			step.Overrides.Skills = &SkillSpec{Kind: specExplicit, Names: item.Skills}
		}
		if item.Output != "" {
			step.Overrides.Output = &OutputSpec{Kind: specPath, Path: item.Output}
		}
		for _, inner := range item.Parallel {
			task := TaskSpec{Agent: inner.Agent, Task: inner.Task}
			task.Overrides = StepOverrides{Model: inner.Model, Reads: inner.Reads, Progress: inner.Progress}
			if len(inner.Skills) > 0 {
				task.Overrides.Skills = &SkillSpec{Kind: specExplicit, Names: inner.Skills}
			}
			if inner.Output != "" {
				task.Overrides.Output = &OutputSpec{Kind: specPath, Path: inner.Output}
			}
			step.Parallel = append(step.Parallel, task)
		}
		steps = append(steps, step)
	}
	return steps
}

func stepsToYAML(steps []ChainStep) []chainStepYAML {
	items := make([]chainStepYAML, 0, len(steps))
	for _, step := range steps {
		item := chainStepYAML{
			Agent:       step.Agent,
			Task:        step.Task,
			Model:       step.Overrides.Model,
			Reads:       step.Overrides.Reads,
			Progress:    step.Overrides.Progress,
			Concurrency: step.Concurrency,
			FailFast:    step.FailFast,
		}
		if step.Overrides.Skills != nil && step.Overrides.Skills.Kind == specExplicit {
			item.Skills = step.Overrides.Skills.Names
		}
		if step.Overrides.Output != nil && step.Overrides.Output.Kind == specPath {
			item.Output = step.Overrides.Output.Path
		}
		for _, inner := range step.Parallel {
			innerItem := chainStepYAML{
				Agent:    inner.Agent,
				Task:     inner.Task,
				Model:    inner.Overrides.Model,
				Reads:    inner.Overrides.Reads,
				Progress: inner.Overrides.Progress,
			}
			if inner.Overrides.Skills != nil && inner.Overrides.Skills.Kind == specExplicit {
				innerItem.Skills = inner.Overrides.Skills.Names
			}
			if inner.Overrides.Output != nil && inner.Overrides.Output.Kind == specPath {
				innerItem.Output = inner.Overrides.Output.Path
			}
			item.Parallel = append(item.Parallel, innerItem)
		}
		items = append(items, item)
	}
	return items
}

// builtinAgents is the compiled-in default set; user and project files with
// the same name shadow these.
func builtinAgents() []*Agent {
	return []*Agent{
		{
			Name:         "scout",
			Description:  "Fast read-only exploration of a codebase or directory tree.",
			SystemPrompt: "You are a scout. Explore the requested files or directories and report findings concisely. Do not modify anything.",
			Model:        "anthropic/claude-haiku",
			Tools:        []string{"read", "grep", "glob", "bash"},
			Source:       SourceBuiltin,
		},
		{
			Name:         "worker",
			Description:  "General-purpose implementation agent.",
			SystemPrompt: "You are an implementation agent. Complete the given task end to end, editing files as needed, and summarize what you changed.",
			Model:        "anthropic/claude-sonnet",
			Thinking:     "medium",
			Source:       SourceBuiltin,
		},
		{
			Name:         "reviewer",
			Description:  "Reviews changes or documents and reports issues.",
			SystemPrompt: "You are a code reviewer. Read the material you are pointed at and report concrete problems ordered by severity.",
			Model:        "anthropic/claude-sonnet",
			Thinking:     "high",
			Tools:        []string{"read", "grep", "glob"},
			Output:       "review.md",
			Source:       SourceBuiltin,
		},
	}
}
