package formatter

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harunnryd/kago/internal/ipc"
	"github.com/harunnryd/kago/internal/scheduler"
)

func TestFormatterFactory_Create(t *testing.T) {
	factory := NewFormatterFactory()

	tests := []struct {
		name    string
		format  OutputFormat
		wantErr bool
	}{
		{name: "table format", format: OutputFormatTable},
		{name: "json format", format: OutputFormatJSON},
		{name: "yaml format", format: OutputFormatYAML},
		{name: "invalid format", format: OutputFormat("invalid"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			formatter, err := factory.Create(tt.format)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, formatter)
		})
	}
}

func TestParseOutputFormat(t *testing.T) {
	tests := []struct {
		input   string
		want    OutputFormat
		wantErr bool
	}{
		{input: "table", want: OutputFormatTable},
		{input: "JSON", want: OutputFormatJSON},
		{input: "Yaml", want: OutputFormatYAML},
		{input: "xml", wantErr: true},
		{input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseOutputFormat(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func sampleTasks(now time.Time) []scheduler.Task {
	next := now.Add(2 * time.Hour)
	return []scheduler.Task{
		{
			ID:            "task-1",
			ChatID:        "tg:42",
			Label:         "morning-brief",
			Prompt:        "Summarize the news",
			ScheduleKind:  scheduler.KindCron,
			ScheduleValue: "0 8 * * *",
			NextRun:       &next,
			Status:        scheduler.StatusActive,
			CreatedAt:     now,
		},
		{
			ID:            "task-2",
			ChatID:        "slack:C1",
			Prompt:        "ping",
			ScheduleKind:  scheduler.KindOnce,
			ScheduleValue: "2026-01-01T00:00:00",
			Status:        scheduler.StatusPaused,
			CreatedAt:     now,
		},
	}
}

func TestTableFormatter_FormatTasks(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	f := NewTableFormatter()
	f.now = func() time.Time { return now }

	out, err := f.FormatTasks(sampleTasks(now))
	require.NoError(t, err)
	assert.Contains(t, out, "morning-brief")
	assert.Contains(t, out, "0 8 * * *")
	assert.Contains(t, out, "2 hours from now")
	assert.Contains(t, out, "never")
	assert.Contains(t, out, "paused")

	empty, err := f.FormatTasks(nil)
	require.NoError(t, err)
	assert.Equal(t, "No scheduled tasks", empty)
}

func TestTableFormatter_FormatTask(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	f := NewTableFormatter()
	f.now = func() time.Time { return now }

	task := sampleTasks(now)[0]
	task.LastResult = strings.Repeat("x", 100)
	out, err := f.FormatTask(&task)
	require.NoError(t, err)
	assert.Contains(t, out, "Summarize the news")
	assert.Contains(t, out, "...")

	none, err := f.FormatTask(nil)
	require.NoError(t, err)
	assert.Equal(t, "No task found", none)
}

func TestTableFormatter_FormatSessions(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	f := NewTableFormatter()
	f.now = func() time.Time { return now }

	out, err := f.FormatSessions([]SessionRow{
		{ChatID: "tg:42", SessionID: "0123456789abcdef", Model: "opus", LastActivity: now.Add(-3 * time.Minute), Worker: "kago-tg-42-1", Pending: 2},
		{ChatID: "cli:local"},
	})
	require.NoError(t, err)
	assert.Contains(t, out, "kago-tg-42-1 +2 queued")
	assert.Contains(t, out, "3 minutes ago")
	assert.Contains(t, out, "012345678...")
	assert.Contains(t, out, "default")
	assert.Contains(t, out, "idle")
}

func TestTableFormatter_FormatPrayers(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	f := NewTableFormatter()
	f.now = func() time.Time { return now }

	out, err := f.FormatPrayers([]ipc.Prayer{{Timestamp: now.Add(-time.Hour), ChatID: "tg:1", Entry: json.RawMessage(`{"wish":"more disk"}`)}})
	require.NoError(t, err)
	assert.Contains(t, out, "more disk")
	assert.Contains(t, out, "1 hour ago")

	empty, err := f.FormatPrayers(nil)
	require.NoError(t, err)
	assert.Equal(t, "No prayers recorded", empty)
}

func TestJSONFormatter_UsesStoredFieldNames(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	f := NewJSONFormatter()

	out, err := f.FormatTasks(sampleTasks(now))
	require.NoError(t, err)

	var decoded []scheduler.Task
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Equal(t, sampleTasks(now), decoded)
	assert.Contains(t, out, `"scheduleKind": "cron"`)

	empty, err := f.FormatSessions(nil)
	require.NoError(t, err)
	assert.Equal(t, "[]", empty)
}

func TestYAMLFormatter_MatchesJSONKeys(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	f := NewYAMLFormatter()

	out, err := f.FormatTasks(sampleTasks(now)[:1])
	require.NoError(t, err)
	assert.Contains(t, out, "chatId: ")
	assert.Contains(t, out, "tg:42")
	assert.Contains(t, out, "scheduleValue: ")
	assert.NotContains(t, out, "chatid")

	prayers, err := f.FormatPrayers([]ipc.Prayer{{Timestamp: now, ChatID: "tg:1", Entry: json.RawMessage(`{"wish":"gpu"}`)}})
	require.NoError(t, err)
	assert.Contains(t, prayers, "wish: gpu")

	none, err := f.FormatTask(nil)
	require.NoError(t, err)
	assert.Equal(t, "null", none)
}
