package main

import "strings"

const previousPlaceholder = "{previous}"

var thinkingLevels = map[string]bool{
	"off":     true,
	"minimal": true,
	"low":     true,
	"medium":  true,
	"high":    true,
	"xhigh":   true,
}

// replaceVars substitutes {task}, {previous} and {chain_dir} in a single left-to-right
// pass. Replacement values are never re-scanned, so output text containing a
// placeholder does not expand again.
func replaceVars(s string, vars map[string]string) string {
	var sb strings.Builder
	for {
		idx := -1
		key := ""
		for k := range vars {
			if pos := strings.Index(s, k); pos >= 0 && (idx < 0 || pos < idx) {
				idx = pos
				key = k
			}
		}
		if idx < 0 {
			sb.WriteString(s)
			return sb.String()
		}
		sb.WriteString(s[:idx])
		sb.WriteString(vars[key])
		s = s[idx+len(key):]
	}
}

func substituteStepTask(task, initialTask, previous, chainDir string) string {
	return replaceVars(task, map[string]string{
		"{task}":      initialTask,
		"{previous}":  previous,
		"{chain_dir}": chainDir,
	})
}

// applyThinkingSuffix appends :<level> to a model id unless the id already
// carries a known thinking suffix.
func applyThinkingSuffix(model, level string) string {
	if level == "" || level == "off" || model == "" {
		return model
	}
	if idx := strings.LastIndex(model, ":"); idx >= 0 {
		if thinkingLevels[model[idx+1:]] {
			return model
		}
	}
	return model + ":" + level
}
