package main

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harunnryd/kago/internal/scheduler"
)

func listTasks(t *testing.T, env *testEnv, args ...string) []scheduler.Task {
	t.Helper()
	out, err := env.run(t, append([]string{"tasks", "ls", "-o", "json"}, args...)...)
	require.NoError(t, err)
	var tasks []scheduler.Task
	require.NoError(t, json.Unmarshal([]byte(out), &tasks))
	return tasks
}

func TestTasksLifecycle(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.run(t, "tasks", "ls")
	require.NoError(t, err)
	assert.Contains(t, out, "No scheduled tasks")

	out, err = env.run(t, "tasks", "add", "Summarize the news",
		"--chat", "tg:42", "--kind", "cron", "--schedule", "0 8 * * *", "--label", "brief")
	require.NoError(t, err)
	assert.Contains(t, out, "Task brief scheduled")

	_, err = env.run(t, "tasks", "add", "ping", "--chat", "slack:C1", "--kind", "interval", "--schedule", "60000")
	require.NoError(t, err)

	tasks := listTasks(t, env)
	require.Len(t, tasks, 2)

	filtered := listTasks(t, env, "--chat", "tg:42")
	require.Len(t, filtered, 1)
	brief := filtered[0]
	assert.Equal(t, "brief", brief.Label)
	assert.Equal(t, scheduler.KindCron, brief.ScheduleKind)
	assert.Equal(t, scheduler.StatusActive, brief.Status)
	require.NotNil(t, brief.NextRun)

	out, err = env.run(t, "tasks", "pause", brief.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "Task brief paused")

	out, err = env.run(t, "tasks", "show", brief.ID, "-o", "json")
	require.NoError(t, err)
	var shown scheduler.Task
	require.NoError(t, json.Unmarshal([]byte(out), &shown))
	assert.Equal(t, scheduler.StatusPaused, shown.Status)

	out, err = env.run(t, "tasks", "resume", brief.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "Task brief resumed")

	out, err = env.run(t, "tasks", "rm", brief.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "Task brief removed")
	assert.Len(t, listTasks(t, env), 1)
}

func TestTasksAddRejectsBadSchedule(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.run(t, "tasks", "add", "x", "--chat", "tg:1", "--kind", "cron", "--schedule", "not a cron")
	require.Error(t, err)

	_, err = env.run(t, "tasks", "add", "x", "--chat", "tg:1", "--kind", "weekly", "--schedule", "1")
	require.Error(t, err)

	assert.Empty(t, listTasks(t, env))
}

func TestTasksShowUnknown(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.run(t, "tasks", "show", "missing")
	require.Error(t, err)

	_, err = env.run(t, "tasks", "rm", "missing")
	require.Error(t, err)
}
