package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
)

// progressView renders live onUpdate snapshots while a foreground run is in
// flight. The engine pushes Details; the view owns the terminal until Stop.
type progressView struct {
	program *tea.Program
	done    chan struct{}
}

type detailsMsg *Details

type progressDoneMsg struct{}

type progressModel struct {
	spinner  spinner.Model
	details  *Details
	quitting bool
}

func newProgressView() *progressView {
	return &progressView{done: make(chan struct{})}
}

func (v *progressView) Start() {
	sp := spinner.New()
	sp.Spinner = spinner.MiniDot
	sp.Style = sectionStyle
	model := progressModel{spinner: sp}
	v.program = tea.NewProgram(model, tea.WithoutSignalHandler())
	go func() {
		defer close(v.done)
		_, _ = v.program.Run()
	}()
}

func (v *progressView) Update(d *Details) {
	if v.program != nil {
		v.program.Send(detailsMsg(d))
	}
}

func (v *progressView) Stop() {
	if v.program == nil {
		return
	}
	v.program.Send(progressDoneMsg{})
	<-v.done
}

func (m progressModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case detailsMsg:
		m.details = msg
		return m, nil
	case progressDoneMsg:
		m.quitting = true
		return m, tea.Quit
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			m.quitting = true
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m progressModel) View() string {
	if m.quitting || m.details == nil {
		return ""
	}
	var sb strings.Builder
	d := m.details
	header := fmt.Sprintf("%s %s", m.spinner.View(), titleStyle.Render(d.Mode))
	if d.Mode == "chain" && d.TotalSteps > 0 {
		header += labelStyle.Render(fmt.Sprintf("  step %d/%d", d.CurrentStepIndex+1, d.TotalSteps))
	}
	sb.WriteString(header + "\n")
	for _, p := range d.Progress {
		line := fmt.Sprintf("  %s %s", statusIcon(p.Status), agentNameStyle.Render(fmt.Sprintf("%-18s", p.Agent)))
		switch p.Status {
		case "running":
			detail := fmt.Sprintf("%d tools · %d tokens", p.ToolCalls, p.Tokens)
			if p.LastTool != "" {
				detail += " · " + p.LastTool
			}
			line += valueStyle.Render(detail)
		default:
			line += labelStyle.Render(p.Status)
		}
		sb.WriteString(line + "\n")
	}
	return sb.String()
}
