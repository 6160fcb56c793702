package main

import (
	"fmt"
	"strings"
)

// renderDetailsPretty prints a finished foreground run for a terminal.
func renderDetailsPretty(d *Details) {
	var sb strings.Builder

	if d.AsyncID != "" {
		sb.WriteString(titleStyle.Render("Background run started") + "\n\n")
		sb.WriteString(labelStyle.Render("ID:     ") + valueStyle.Render(d.AsyncID) + "\n")
		sb.WriteString(labelStyle.Render("Status: ") + pathStyle.Render(d.AsyncDir) + "\n")
		if d.Note != "" {
			sb.WriteString("\n" + labelStyle.Render(d.Note) + "\n")
		}
		fmt.Print(sb.String())
		return
	}

	if d.Note != "" {
		sb.WriteString(warnStyle.Render(d.Note) + "\n\n")
	}

	for i := range d.Results {
		res := &d.Results[i]
		header := fmt.Sprintf("%s %s", statusIcon(stepStatusLabel(res)), agentNameStyle.Render(res.Agent))
		detail := fmt.Sprintf("%d tools · %d tokens · %dms", res.Progress.ToolCalls, res.Usage.Total, res.Progress.DurationMs)
		sb.WriteString(header + "  " + labelStyle.Render(detail) + "\n")
		for _, warning := range res.Warnings {
			sb.WriteString("  " + warnStyle.Render("! "+warning) + "\n")
		}
		if res.Error != "" {
			sb.WriteString("  " + errorStyle.Render(res.Error) + "\n")
		}
	}

	if len(d.Results) > 0 {
		sb.WriteString("\n" + renderDivider(50) + "\n")
	}
	if strings.TrimSpace(d.Output) != "" {
		sb.WriteString(d.Output + "\n")
	}
	if d.Artifacts != nil {
		sb.WriteString("\n" + labelStyle.Render("Artifacts: ") + pathStyle.Render(d.Artifacts.Dir) + "\n")
	}
	fmt.Print(sb.String())
}

func stepStatusLabel(res *StepResult) string {
	switch {
	case res.skipped():
		return "skipped"
	case res.ExitCode == exitCancelled:
		return "cancelled"
	case res.ok():
		return "complete"
	default:
		return "failed"
	}
}
