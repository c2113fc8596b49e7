package formatter

import (
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/harunnryd/kago/internal/ipc"
	"github.com/harunnryd/kago/internal/scheduler"

	"charm.land/lipgloss/v2"
	"charm.land/lipgloss/v2/table"
)

type TableFormatter struct {
	headerStyle  lipgloss.Style
	cellStyle    lipgloss.Style
	oddRowStyle  lipgloss.Style
	evenRowStyle lipgloss.Style
	borderStyle  lipgloss.Style
	now          func() time.Time
}

func NewTableFormatter() *TableFormatter {
	purple := lipgloss.Color("99")
	gray := lipgloss.Color("245")
	lightGray := lipgloss.Color("241")

	return &TableFormatter{
		headerStyle: lipgloss.NewStyle().
			Foreground(purple).
			Bold(true).
			Align(lipgloss.Center).
			Padding(0, 1),
		cellStyle: lipgloss.NewStyle().
			Padding(0, 1),
		oddRowStyle: lipgloss.NewStyle().
			Foreground(gray).
			Padding(0, 1),
		evenRowStyle: lipgloss.NewStyle().
			Foreground(lightGray).
			Padding(0, 1),
		borderStyle: lipgloss.NewStyle().
			Foreground(purple),
		now: time.Now,
	}
}

func (f *TableFormatter) list(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(f.borderStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return f.headerStyle
			case row%2 == 0:
				return f.evenRowStyle
			default:
				return f.oddRowStyle
			}
		}).
		Headers(headers...)
}

func (f *TableFormatter) FormatTasks(tasks []scheduler.Task) (string, error) {
	if len(tasks) == 0 {
		return "No scheduled tasks", nil
	}

	t := f.list("ID", "Chat", "Label", "Schedule", "Status", "Next Run", "Last Run")
	for _, task := range tasks {
		t.Row(
			task.ID,
			task.ChatID,
			truncateString(task.Label, 20),
			truncateString(string(task.ScheduleKind)+" "+task.ScheduleValue, 24),
			string(task.Status),
			f.relTime(task.NextRun, "never"),
			f.relTime(task.LastRun, "-"),
		)
	}
	return t.String(), nil
}

func (f *TableFormatter) FormatTask(task *scheduler.Task) (string, error) {
	if task == nil {
		return "No task found", nil
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(f.borderStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return f.headerStyle
			}
			return f.cellStyle
		})

	t.Row("ID", task.ID)
	t.Row("Chat", task.ChatID)
	if task.Label != "" {
		t.Row("Label", task.Label)
	}
	t.Row("Schedule", string(task.ScheduleKind)+" "+task.ScheduleValue)
	t.Row("Status", string(task.Status))
	if task.Model != "" {
		t.Row("Model", task.Model)
	}
	t.Row("Next Run", f.relTime(task.NextRun, "never"))
	t.Row("Last Run", f.relTime(task.LastRun, "-"))
	if task.LastResult != "" {
		t.Row("Last Result", truncateString(task.LastResult, 60))
	}
	t.Row("Prompt", truncateString(task.Prompt, 60))
	return t.String(), nil
}

func (f *TableFormatter) FormatSessions(rows []SessionRow) (string, error) {
	if len(rows) == 0 {
		return "No sessions", nil
	}

	t := f.list("Chat", "Session", "Model", "Worker", "Last Activity")
	for _, row := range rows {
		worker := "idle"
		if row.Worker != "" {
			worker = row.Worker
			if row.Closing {
				worker += " (closing)"
			}
		}
		if row.Pending > 0 {
			worker += " +" + humanize.Comma(int64(row.Pending)) + " queued"
		}
		sessionID := "-"
		if row.SessionID != "" {
			sessionID = truncateString(row.SessionID, 12)
		}
		model := row.Model
		if model == "" {
			model = "default"
		}
		t.Row(row.ChatID, sessionID, model, worker, f.relTime(&row.LastActivity, "-"))
	}
	return t.String(), nil
}

func (f *TableFormatter) FormatPrayers(prayers []ipc.Prayer) (string, error) {
	if len(prayers) == 0 {
		return "No prayers recorded", nil
	}

	t := f.list("When", "Chat", "Entry")
	for _, p := range prayers {
		t.Row(f.relTime(&p.Timestamp, "-"), p.ChatID, truncateString(strings.TrimSpace(string(p.Entry)), 60))
	}
	return t.String(), nil
}

func (f *TableFormatter) relTime(at *time.Time, zero string) string {
	if at == nil || at.IsZero() {
		return zero
	}
	return humanize.RelTime(*at, f.now(), "ago", "from now")
}

func truncateString(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}
