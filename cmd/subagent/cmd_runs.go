package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"time"
)

// runRunsCmd lists background runs from their durable status files.
func runRunsCmd(args []string) int {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	watch := fs.Bool("watch", false, "refresh until all runs are terminal")
	if err := fs.Parse(args); err != nil {
		fmt.Println("Invalid flags.")
		return 1
	}

	if *watch && isTerminal(os.Stdout) {
		return watchRuns()
	}

	statuses, err := listRunStatuses()
	if err != nil {
		fmt.Println(err.Error())
		return 1
	}
	if *jsonOut || !isTerminal(os.Stdout) {
		printJSON(map[string]interface{}{"count": len(statuses), "runs": statuses})
		return 0
	}
	renderRunsPretty(statuses)
	return 0
}

func listRunStatuses() ([]*RunStatus, error) {
	entries, err := os.ReadDir(asyncRoot())
	if err != nil {
		if os.IsNotExist(err) {
			return []*RunStatus{}, nil
		}
		return nil, err
	}
	statuses := []*RunStatus{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		status, err := readStatusFile(statusPathFor(entry.Name()))
		if err != nil {
			continue
		}
		statuses = append(statuses, status)
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].StartedAt > statuses[j].StartedAt
	})
	return statuses, nil
}

func renderRunsPretty(statuses []*RunStatus) {
	fmt.Println(titleStyle.Render("Background runs"))
	fmt.Println(renderDivider(60))
	if len(statuses) == 0 {
		fmt.Println(labelStyle.Render("none"))
		return
	}
	for _, st := range statuses {
		line := fmt.Sprintf("%s %-38s %-8s %-6s step %d/%d",
			statusIcon(st.State), st.RunID, st.Mode, st.State, st.CurrentStep, len(st.Steps))
		if st.State == stateQueued || st.State == stateRunning {
			if started := parseRFC3339(st.StartedAt); !started.IsZero() {
				line += labelStyle.Render(fmt.Sprintf("  %s", time.Since(started).Round(time.Second)))
			}
		}
		fmt.Println(line)
		for _, step := range st.Steps {
			detail := step.Status
			if step.Tokens > 0 {
				detail += fmt.Sprintf(" · %d tokens", step.Tokens)
			}
			fmt.Printf("    %s %-18s %s\n", statusIcon(step.Status), agentNameStyle.Render(step.Agent), labelStyle.Render(detail))
		}
		if st.Error != "" {
			fmt.Println("    " + errorStyle.Render(st.Error))
		}
	}
}

func watchRuns() int {
	for {
		statuses, err := listRunStatuses()
		if err != nil {
			fmt.Println(err.Error())
			return 1
		}
		fmt.Print("\033[H\033[2J")
		renderRunsPretty(statuses)

		active := false
		for _, st := range statuses {
			if st.State == stateQueued || st.State == stateRunning {
				active = true
				break
			}
		}
		if !active {
			return 0
		}
		time.Sleep(time.Second)
	}
}

// runHistoryCmd lists records from the run-history log.
func runHistoryCmd(args []string) int {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	limit := fs.Int("limit", 20, "max records")
	status := fs.String("status", "", "filter by status")
	agent := fs.String("agent", "", "filter by agent")
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Println("Invalid flags.")
		return 1
	}

	records, err := readRunHistory(*limit, *status, *agent)
	if err != nil {
		fmt.Println(err.Error())
		return 1
	}
	if *jsonOut || !isTerminal(os.Stdout) {
		printJSON(map[string]interface{}{"count": len(records), "runs": records})
		return 0
	}

	fmt.Println(titleStyle.Render("Run history"))
	fmt.Println(renderDivider(60))
	if len(records) == 0 {
		fmt.Println(labelStyle.Render("none"))
		return 0
	}
	for _, rec := range records {
		line := fmt.Sprintf("%s %-18s %-9s %6dms  %s",
			statusIcon(rec.Status), agentNameStyle.Render(rec.Agent), rec.Status, rec.DurationMs,
			labelStyle.Render(truncateForLog(rec.TaskPrefix, 48)))
		fmt.Println(line)
	}
	return 0
}
