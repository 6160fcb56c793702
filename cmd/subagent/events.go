package main

import (
	"encoding/json"
	"strings"
)

// The runner emits one JSON event per stdout line. Only four event types carry
// information the engine consumes; everything else is passed through untouched.
const (
	eventMessageEnd     = "message_end"
	eventToolExecStart  = "tool_execution_start"
	eventToolExecEnd    = "tool_execution_end"
	eventToolResultEnd  = "tool_result_end"
)

type runnerEvent struct {
	Type     string           `json:"type"`
	Message  *runnerMessage   `json:"message,omitempty"`
	Usage    *runnerUsage     `json:"usage,omitempty"`
	ToolName string           `json:"toolName,omitempty"`
	IsError  bool             `json:"isError,omitempty"`
	Content  []runnerContent  `json:"content,omitempty"`
}

type runnerMessage struct {
	Role    string          `json:"role"`
	Content []runnerContent `json:"content"`
}

type runnerContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Name string `json:"name,omitempty"`
}

type runnerUsage struct {
	Input  int     `json:"input"`
	Output int     `json:"output"`
	Total  int     `json:"total"`
	Cost   float64 `json:"cost,omitempty"`
}

type Usage struct {
	Input  int     `json:"input"`
	Output int     `json:"output"`
	Total  int     `json:"total"`
	Cost   float64 `json:"cost,omitempty"`
}

// Message is one recorded entry of a run's transcript: an assistant turn, a
// tool call, or a tool result.
type Message struct {
	Role     string `json:"role"` // assistant | tool_call | tool_result
	Text     string `json:"text,omitempty"`
	ToolName string `json:"tool,omitempty"`
	IsError  bool   `json:"is_error,omitempty"`
}

// eventCollector accumulates the parsed runner stream for one child process.
type eventCollector struct {
	messages  []Message
	usage     Usage
	toolCalls int
	lastTool  string
	rawLines  []string
}

// feed parses one stdout line. It reports whether the event is significant
// enough to force a progress flush (tool boundaries and message ends are;
// unknown or malformed lines are not).
func (c *eventCollector) feed(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return false
	}
	c.rawLines = append(c.rawLines, trimmed)

	var ev runnerEvent
	if err := json.Unmarshal([]byte(trimmed), &ev); err != nil {
		return false
	}

	switch ev.Type {
	case eventMessageEnd:
		if ev.Message != nil {
			for _, part := range ev.Message.Content {
				switch part.Type {
				case "text":
					c.messages = append(c.messages, Message{Role: "assistant", Text: part.Text})
				case "toolCall":
					c.messages = append(c.messages, Message{Role: "tool_call", ToolName: part.Name})
				}
			}
		}
		if ev.Usage != nil {
			c.usage.Input += ev.Usage.Input
			c.usage.Output += ev.Usage.Output
			c.usage.Total += ev.Usage.Total
			c.usage.Cost += ev.Usage.Cost
		}
		return true
	case eventToolExecStart:
		c.toolCalls++
		c.lastTool = ev.ToolName
		return true
	case eventToolExecEnd:
		c.lastTool = ev.ToolName
		return true
	case eventToolResultEnd:
		text := ""
		for _, part := range ev.Content {
			if part.Type == "text" {
				text += part.Text
			}
		}
		c.messages = append(c.messages, Message{
			Role:     "tool_result",
			Text:     text,
			ToolName: ev.ToolName,
			IsError:  ev.IsError,
		})
		return true
	}
	return false
}

// textOutput joins the assistant text turns into the run's display output.
func (c *eventCollector) textOutput() string {
	parts := []string{}
	for _, msg := range c.messages {
		if msg.Role == "assistant" && strings.TrimSpace(msg.Text) != "" {
			parts = append(parts, msg.Text)
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}
