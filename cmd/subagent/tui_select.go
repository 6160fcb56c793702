package main

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	pickerItemStyle = lipgloss.NewStyle().
			PaddingLeft(2)

	pickerSelectedStyle = lipgloss.NewStyle().
				PaddingLeft(2).
				Foreground(colorHighlight).
				Bold(true)

	pickerHelpStyle = lipgloss.NewStyle().
			Foreground(colorMuted).
			MarginTop(1)
)

type agentPickerModel struct {
	agents   []*Agent
	cursor   int
	chosen   *Agent
	quitting bool
}

// pickAgent runs an interactive selector over the available agents and
// returns the chosen one, or nil if the user backed out.
func pickAgent(agents []*Agent) *Agent {
	if len(agents) == 0 {
		return nil
	}
	model := agentPickerModel{agents: agents}
	program := tea.NewProgram(model)
	final, err := program.Run()
	if err != nil {
		return nil
	}
	if m, ok := final.(agentPickerModel); ok {
		return m.chosen
	}
	return nil
}

func (m agentPickerModel) Init() tea.Cmd {
	return nil
}

func (m agentPickerModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	keyMsg, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}
	switch keyMsg.String() {
	case "ctrl+c", "q", "esc":
		m.quitting = true
		return m, tea.Quit
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(m.agents)-1 {
			m.cursor++
		}
	case "enter":
		m.chosen = m.agents[m.cursor]
		m.quitting = true
		return m, tea.Quit
	}
	return m, nil
}

func (m agentPickerModel) View() string {
	if m.quitting {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(titleStyle.Render("Select an agent") + "\n\n")
	for i, agent := range m.agents {
		line := fmt.Sprintf("%-18s %s", agent.Name, labelStyle.Render(agent.Description))
		if i == m.cursor {
			sb.WriteString(pickerSelectedStyle.Render("› "+line) + "\n")
		} else {
			sb.WriteString(pickerItemStyle.Render("  "+line) + "\n")
		}
	}
	sb.WriteString(pickerHelpStyle.Render("↑/↓ move · enter select · q quit"))
	return sb.String()
}
