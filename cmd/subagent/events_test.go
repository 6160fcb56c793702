package main

import "testing"

func TestEventCollectorFeed(t *testing.T) {
	c := &eventCollector{}

	lines := []string{
		`{"type":"tool_execution_start","toolName":"read"}`,
		`{"type":"tool_result_end","toolName":"read","content":[{"type":"text","text":"file body"}]}`,
		`{"type":"tool_execution_start","toolName":"bash"}`,
		`{"type":"tool_result_end","toolName":"bash","isError":true,"content":[{"type":"text","text":"oops"}]}`,
		`{"type":"message_end","message":{"role":"assistant","content":[{"type":"text","text":"all done"}]},"usage":{"input":10,"output":5,"total":15}}`,
		`not json at all`,
		``,
	}
	for _, line := range lines {
		c.feed(line)
	}

	if c.toolCalls != 2 {
		t.Errorf("toolCalls = %d, want 2", c.toolCalls)
	}
	if c.lastTool != "bash" {
		t.Errorf("lastTool = %q, want bash", c.lastTool)
	}
	if c.usage.Total != 15 || c.usage.Input != 10 {
		t.Errorf("usage = %+v", c.usage)
	}
	if got := c.textOutput(); got != "all done" {
		t.Errorf("textOutput = %q, want %q", got, "all done")
	}

	var toolErrors int
	for _, msg := range c.messages {
		if msg.Role == "tool_result" && msg.IsError {
			toolErrors++
		}
	}
	if toolErrors != 1 {
		t.Errorf("tool errors recorded = %d, want 1", toolErrors)
	}
}

func TestEventCollectorSignificance(t *testing.T) {
	c := &eventCollector{}
	if c.feed("junk") {
		t.Error("malformed line should not be significant")
	}
	if !c.feed(`{"type":"tool_execution_start","toolName":"bash"}`) {
		t.Error("tool start should be significant")
	}
	if c.feed(`{"type":"something_else"}`) {
		t.Error("unknown event should not be significant")
	}
}

func TestEventCollectorToolCallParts(t *testing.T) {
	c := &eventCollector{}
	c.feed(`{"type":"message_end","message":{"role":"assistant","content":[{"type":"toolCall","name":"grep"},{"type":"text","text":"searching"}]}}`)
	if len(c.messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(c.messages))
	}
	if c.messages[0].Role != "tool_call" || c.messages[0].ToolName != "grep" {
		t.Errorf("first message = %+v", c.messages[0])
	}
	if c.messages[1].Role != "assistant" || c.messages[1].Text != "searching" {
		t.Errorf("second message = %+v", c.messages[1])
	}
}
