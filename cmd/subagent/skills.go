package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// resolveSkillNames picks the effective skill set: explicit override > agent
// default > none.
func resolveSkillNames(spec *SkillSpec, agent *Agent) []string {
	if spec != nil {
		switch spec.Kind {
		case specDisabled:
			return nil
		case specExplicit:
			return spec.Names
		}
	}
	return agent.Skills
}

// loadSkillBlocks reads each named skill and renders it as a <skill> block for
// system-prompt injection. Duplicates are dropped keeping first occurrence;
// missing skills become warnings, not failures.
func loadSkillBlocks(names []string, cwd string) (resolved []string, blocks string, warnings []string) {
	seen := map[string]bool{}
	var sb strings.Builder
	for _, name := range names {
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		content, ok := readSkill(name, cwd)
		if !ok {
			warnings = append(warnings, fmt.Sprintf("skill not found: %s", name))
			continue
		}
		resolved = append(resolved, name)
		sb.WriteString(fmt.Sprintf("\n\n<skill name=%q>\n%s\n</skill>", name, strings.TrimSpace(content)))
	}
	return resolved, sb.String(), warnings
}

func readSkill(name, cwd string) (string, bool) {
	for _, dir := range skillsDirs(cwd) {
		path := filepath.Join(dir, name+".md")
		data, err := os.ReadFile(path)
		if err == nil {
			return string(data), true
		}
	}
	return "", false
}

func listSkills(cwd string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, dir := range skillsDirs(cwd) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
				continue
			}
			name := strings.TrimSuffix(entry.Name(), ".md")
			if !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}
	}
	return out
}
