package main

import (
	"fmt"
	"strings"
)

// ManageRequest is the thin management surface over the agent/chain store.
// Pointer fields distinguish "leave unchanged" from an explicit clear.
type ManageRequest struct {
	Action string // list | get | create | update | delete
	Name   string
	Scope  string // user | project (defaults to user)

	NewName      *string
	Description  *string
	SystemPrompt *string
	Model        *string
	Thinking     *string
	Tools        *[]string
	Skills       *[]string
	Output       *string
	Progress     *bool

	// ModelRegistry, when supplied by the caller, is used to warn about
	// models the host does not know.
	ModelRegistry []string
}

type ManageResult struct {
	Status   string   `json:"status"`
	Agents   []*Agent `json:"agents,omitempty"`
	Agent    *Agent   `json:"agent,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Manage performs one management action. All validation completes before any
// file is touched.
func (e *Engine) Manage(req ManageRequest) (*ManageResult, error) {
	scope := req.Scope
	if scope == "" {
		scope = ScopeUser
	}
	readAction := req.Action == "list" || req.Action == "get"
	if scope != ScopeUser && scope != ScopeProject && !(readAction && scope == ScopeBoth) {
		return nil, validationError("invalid scope %q (want user or project)", scope)
	}

	switch req.Action {
	case "list":
		agents, err := e.store.ListAgents(scope)
		if err != nil {
			return nil, validationError("listing agents: %v", err)
		}
		return &ManageResult{Status: "ok", Agents: agents}, nil
	case "get":
		agent, verr := e.loadNamed(req.Name, scope)
		if verr != nil {
			return nil, verr
		}
		return &ManageResult{Status: "ok", Agent: agent}, nil
	case "create":
		return e.manageCreate(req, scope)
	case "update":
		return e.manageUpdate(req, scope)
	case "delete":
		return e.manageDelete(req, scope)
	}
	return nil, validationError("unknown action %q", req.Action)
}

func (e *Engine) loadNamed(name, scope string) (*Agent, *EngineError) {
	clean := sanitizeName(name)
	if clean == "" {
		return nil, validationError("agent name %q is empty after sanitizing", name)
	}
	agent, err := e.store.LoadAgent(clean, scope)
	if err != nil {
		return nil, validationError("loading agent: %v", err)
	}
	if agent == nil {
		return nil, validationError("agent not found: %s", clean)
	}
	return agent, nil
}

func (e *Engine) manageCreate(req ManageRequest, scope string) (*ManageResult, error) {
	name := sanitizeName(req.Name)
	if name == "" {
		return nil, validationError("agent name %q is empty after sanitizing", req.Name)
	}
	if err := e.checkUnique(name, scope); err != nil {
		return nil, err
	}

	agent := &Agent{Name: name, Source: scope}
	applyFields(agent, req)
	warnings := e.modelWarnings(agent, req.ModelRegistry)

	if err := e.store.WriteAgent(agent, scope); err != nil {
		return nil, validationError("writing agent: %v", err)
	}
	return &ManageResult{Status: "created", Agent: agent, Warnings: warnings}, nil
}

func (e *Engine) manageUpdate(req ManageRequest, scope string) (*ManageResult, error) {
	agent, verr := e.loadNamed(req.Name, scope)
	if verr != nil {
		return nil, verr
	}
	if agent.Source == SourceBuiltin {
		return nil, validationError("builtin agent %s cannot be updated; create a %s-scope agent with the same name to shadow it", agent.Name, scope)
	}

	warnings := []string{}
	oldName := agent.Name
	newName := oldName
	if req.NewName != nil {
		newName = sanitizeName(*req.NewName)
		if newName == "" {
			return nil, validationError("agent name %q is empty after sanitizing", *req.NewName)
		}
		if newName != oldName {
			if err := e.checkUnique(newName, scope); err != nil {
				return nil, err
			}
		}
	}

	applyFields(agent, req)
	agent.Name = newName
	warnings = append(warnings, e.modelWarnings(agent, req.ModelRegistry)...)
	if newName != oldName {
		warnings = append(warnings, e.chainReferenceWarnings(oldName, scope)...)
	}

	if err := e.store.WriteAgent(agent, scope); err != nil {
		return nil, validationError("writing agent: %v", err)
	}
	if newName != oldName {
		if err := e.store.DeleteAgent(oldName, scope); err != nil {
			warnings = append(warnings, fmt.Sprintf("removing old file for %s: %v", oldName, err))
		}
	}
	return &ManageResult{Status: "updated", Agent: agent, Warnings: warnings}, nil
}

func (e *Engine) manageDelete(req ManageRequest, scope string) (*ManageResult, error) {
	agent, verr := e.loadNamed(req.Name, scope)
	if verr != nil {
		return nil, verr
	}
	if agent.Source == SourceBuiltin {
		return nil, validationError("builtin agent %s cannot be deleted", agent.Name)
	}
	warnings := e.chainReferenceWarnings(agent.Name, scope)
	if err := e.store.DeleteAgent(agent.Name, scope); err != nil {
		return nil, validationError("deleting agent: %v", err)
	}
	return &ManageResult{Status: "deleted", Warnings: warnings}, nil
}

// checkUnique enforces uniqueness per scope across agents and chains.
func (e *Engine) checkUnique(name, scope string) *EngineError {
	agent, err := e.store.LoadAgent(name, scope)
	if err != nil {
		return validationError("checking name: %v", err)
	}
	if agent != nil && agent.Source != SourceBuiltin {
		return validationError("an agent named %s already exists in %s scope", name, scope)
	}
	chain, err := e.store.LoadChain(name, scope)
	if err != nil {
		return validationError("checking name: %v", err)
	}
	if chain != nil {
		return validationError("a chain named %s already exists in %s scope", name, scope)
	}
	return nil
}

// applyFields merges the request into the agent: nil leaves a field alone,
// explicit empty values clear it.
func applyFields(agent *Agent, req ManageRequest) {
	if req.Description != nil {
		agent.Description = *req.Description
	}
	if req.SystemPrompt != nil {
		agent.SystemPrompt = *req.SystemPrompt
	}
	if req.Model != nil {
		agent.Model = *req.Model
	}
	if req.Thinking != nil {
		agent.Thinking = *req.Thinking
	}
	if req.Tools != nil {
		agent.Tools = *req.Tools
	}
	if req.Skills != nil {
		agent.Skills = *req.Skills
	}
	if req.Output != nil {
		agent.Output = *req.Output
	}
	if req.Progress != nil {
		agent.DefaultProgress = *req.Progress
	}
}

func (e *Engine) modelWarnings(agent *Agent, registry []string) []string {
	if agent.Model == "" || len(registry) == 0 {
		return nil
	}
	base := agent.Model
	if idx := strings.LastIndex(base, ":"); idx >= 0 && thinkingLevels[base[idx+1:]] {
		base = base[:idx]
	}
	for _, known := range registry {
		if known == base {
			return nil
		}
	}
	return []string{fmt.Sprintf("model %s is not in the model registry", agent.Model)}
}

func (e *Engine) chainReferenceWarnings(agentName, scope string) []string {
	chains, err := e.store.ListChains(scope)
	if err != nil {
		return nil
	}
	warnings := []string{}
	for _, chain := range chains {
		if chainReferences(chain, agentName) {
			warnings = append(warnings, fmt.Sprintf("chain %s references agent %s", chain.Name, agentName))
		}
	}
	return warnings
}

func chainReferences(chain *StoredChain, agent string) bool {
	for _, step := range chain.Steps {
		if step.Agent == agent {
			return true
		}
		for _, inner := range step.Parallel {
			if inner.Agent == agent {
				return true
			}
		}
	}
	return false
}
