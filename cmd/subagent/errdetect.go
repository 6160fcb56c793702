package main

import (
	"regexp"
	"strings"
)

// Tool-specific fatal patterns: a tool result matching one of these is treated
// like an isError result even when the runner did not flag it.
var fatalToolPatterns = map[string][]*regexp.Regexp{
	"bash": {
		regexp.MustCompile(`(?i)permission denied`),
		regexp.MustCompile(`(?i)command not found`),
		regexp.MustCompile(`code 12[67]`),
	},
	"read": {
		regexp.MustCompile(`(?i)no such file or directory`),
	},
	"write": {
		regexp.MustCompile(`(?i)permission denied`),
	},
}

type errorVerdict struct {
	HasError bool
	Reason   string
}

// detectTrailingErrors decides whether a zero-exit run actually failed. Tool
// errors after the last substantive assistant message mean the agent never
// recovered; earlier errors were evidently worked around and are ignored.
func detectTrailingErrors(messages []Message) errorVerdict {
	lastText := -1
	for i, msg := range messages {
		if msg.Role == "assistant" && strings.TrimSpace(msg.Text) != "" {
			lastText = i
		}
	}

	for i, msg := range messages {
		if i <= lastText || msg.Role != "tool_result" {
			continue
		}
		if msg.IsError {
			return errorVerdict{HasError: true, Reason: "tool error after final response: " + msg.ToolName}
		}
		if matchesFatalPattern(msg.ToolName, msg.Text) {
			return errorVerdict{HasError: true, Reason: "fatal " + msg.ToolName + " output after final response"}
		}
	}
	return errorVerdict{}
}

func matchesFatalPattern(tool, text string) bool {
	patterns, ok := fatalToolPatterns[strings.ToLower(tool)]
	if !ok {
		return false
	}
	for _, re := range patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
