package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/ShayCichocki/quill/pkg/models"
)

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39")).
			Bold(true)

	stageStyles = map[models.Stage]lipgloss.Style{
		models.StageCreated:         lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		models.StagePlanning:        lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		models.StageAwaitingConfirm: lipgloss.NewStyle().Foreground(lipgloss.Color("213")),
		models.StageSolving:         lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		models.StageAggregating:     lipgloss.NewStyle().Foreground(lipgloss.Color("45")),
		models.StageCompleted:       lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		models.StageCancelled:       lipgloss.NewStyle().Foreground(lipgloss.Color("203")),
		models.StageError:           lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
	}

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	confirmStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("213")).
			Padding(0, 1)

	dimStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	errStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
)

// View implements tea.Model.
func (a *App) View() string {
	if a.quitting {
		return "Goodbye!\n"
	}

	sections := []string{a.viewHeader()}

	if len(a.tasks) > 0 {
		sections = append(sections, a.viewTasks())
	}
	if a.confirm != nil {
		sections = append(sections, a.viewConfirm())
	}
	if a.report != "" {
		sections = append(sections, a.viewReport())
	}
	if len(a.logs) > 0 {
		sections = append(sections, a.viewLogs())
	}
	sections = append(sections, a.viewInput(), a.viewFooter())

	return strings.Join(sections, "\n\n")
}

func (a *App) viewHeader() string {
	session := a.sessionID
	if session == "" {
		session = "connecting..."
	} else if len(session) > 8 {
		session = session[:8]
	}

	stage, ok := stageStyles[a.stage]
	if !ok {
		stage = dimStyle
	}
	return fmt.Sprintf("%s  %s  %s",
		titleStyle.Render("quill"),
		dimStyle.Render("session "+session),
		stage.Render(string(a.stage)))
}

func (a *App) viewTasks() string {
	var b strings.Builder
	if a.planSummary != "" {
		b.WriteString(dimStyle.Render(a.planSummary))
		b.WriteString("\n")
	}
	for _, task := range a.tasks {
		b.WriteString(fmt.Sprintf("  %s %2d. %s", taskGlyph(task.State), task.ID, task.Title))
		if task.Attempts > 1 {
			b.WriteString(dimStyle.Render(fmt.Sprintf(" (attempt %d)", task.Attempts)))
		}
		if task.Error != "" && task.State == models.TaskFailed {
			b.WriteString(" " + errStyle.Render(task.Error))
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func taskGlyph(state models.TaskState) string {
	switch state {
	case models.TaskRunning:
		return "▶"
	case models.TaskSucceeded:
		return "✓"
	case models.TaskFailed:
		return "✗"
	case models.TaskCancelled:
		return "⊘"
	default:
		return "·"
	}
}

func (a *App) viewConfirm() string {
	var b strings.Builder
	b.WriteString("Run this plan?\n")
	if a.confirm.Summary != "" {
		b.WriteString(a.confirm.Summary + "\n")
	}
	for _, task := range a.confirm.Tasks {
		b.WriteString(fmt.Sprintf("  %2d. %s\n", task.ID, task.Title))
	}
	b.WriteString("\nPress y to confirm, n to decline")
	return confirmStyle.Width(a.width - 2).Render(strings.TrimRight(b.String(), "\n"))
}

func (a *App) viewReport() string {
	header := "Report"
	if a.partial {
		header = "Report (partial)"
	}
	return boxStyle.Width(a.width - 2).Render(titleStyle.Render(header) + "\n" + a.report)
}

func (a *App) viewLogs() string {
	start := 0
	if len(a.logs) > 8 {
		start = len(a.logs) - 8
	}

	var b strings.Builder
	for _, entry := range a.logs[start:] {
		line := fmt.Sprintf("%s %-5s %s",
			entry.Timestamp.Format("15:04:05"), entry.Level, entry.Message)
		if entry.Level == "ERROR" {
			b.WriteString(errStyle.Render(line))
		} else {
			b.WriteString(dimStyle.Render(line))
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (a *App) viewInput() string {
	return boxStyle.Width(a.width - 2).Render(a.input.View())
}

func (a *App) viewFooter() string {
	if a.disconnected {
		return errStyle.Render("Disconnected | Press esc to exit")
	}
	return dimStyle.Render("enter submit | y/n confirm | ctrl+x cancel | esc quit")
}
