package scheduler

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	kagoerrors "github.com/harunnryd/kago/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, now time.Time) *Store {
	t.Helper()
	st, err := NewStore(filepath.Join(t.TempDir(), "tasks.json"), time.UTC)
	require.NoError(t, err)
	st.now = func() time.Time { return now }
	return st
}

func TestScheduleCreatesActiveTask(t *testing.T) {
	now := time.Date(2025, 1, 1, 23, 0, 0, 0, time.UTC)
	st := newTestStore(t, now)

	task, err := st.Schedule(ScheduleRequest{ChatID: "tg:1", Label: "digest", Prompt: "summarize", Kind: KindCron, Value: "0 0 * * *", Model: "sonnet"})
	require.NoError(t, err)
	assert.Len(t, task.ID, 26)
	assert.Equal(t, StatusActive, task.Status)
	assert.Equal(t, now, task.CreatedAt)
	assert.Equal(t, time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC), *task.NextRun)

	data, err := os.ReadFile(st.path)
	require.NoError(t, err)
	var onDisk []Task
	require.NoError(t, json.Unmarshal(data, &onDisk))
	require.Len(t, onDisk, 1)
	assert.Equal(t, task.ID, onDisk[0].ID)
	assert.Contains(t, string(data), `"scheduleKind": "cron"`)
}

func TestScheduleLabelUpsertIsIdempotent(t *testing.T) {
	st := newTestStore(t, time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC))
	req := ScheduleRequest{ChatID: "tg:1", Label: "standup", Prompt: "remind me", Kind: KindCron, Value: "0 9 * * 1-5"}

	first, err := st.Schedule(req)
	require.NoError(t, err)
	second, err := st.Schedule(req)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	req.Prompt = "remind the team"
	third, err := st.Schedule(req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, third.ID)
	assert.Equal(t, "remind the team", third.Prompt)

	// Same label in another chat is a different task.
	req.ChatID = "tg:2"
	other, err := st.Schedule(req)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)

	all, err := st.List("")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestScheduleRejectsInvalid(t *testing.T) {
	st := newTestStore(t, time.Now())

	_, err := st.Schedule(ScheduleRequest{ChatID: "tg:1", Prompt: "x", Kind: KindCron, Value: "61 * * * *"})
	assert.ErrorIs(t, err, kagoerrors.ErrScheduleInvalid)

	_, err = st.Schedule(ScheduleRequest{ChatID: "tg:1", Prompt: "x", Kind: "fortnightly", Value: "1"})
	assert.ErrorIs(t, err, kagoerrors.ErrScheduleInvalid)

	_, err = st.Schedule(ScheduleRequest{ChatID: "tg:1", Kind: KindInterval, Value: "1000"})
	assert.ErrorIs(t, err, kagoerrors.ErrInvalidInput)

	_, err = st.Schedule(ScheduleRequest{Prompt: "x", Kind: KindInterval, Value: "1000"})
	assert.ErrorIs(t, err, kagoerrors.ErrInvalidInput)

	all, err := st.List("")
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestUpdateTask(t *testing.T) {
	now := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	st := newTestStore(t, now)
	task, err := st.Schedule(ScheduleRequest{ChatID: "tg:1", Prompt: "ping", Kind: KindInterval, Value: "60000"})
	require.NoError(t, err)

	paused := StatusPaused
	got, err := st.Update("tg:1", task.ID, TaskUpdate{Status: &paused})
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, got.Status)

	st.now = func() time.Time { return now.Add(time.Hour) }
	active := StatusActive
	got, err = st.Update("", task.ID, TaskUpdate{Status: &active})
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Hour+time.Minute), *got.NextRun)

	bad := "not-a-number"
	pong := "pong"
	partial, err := st.Update("tg:1", task.ID, TaskUpdate{Prompt: &pong, Value: &bad})
	require.NoError(t, err)
	assert.Equal(t, "pong", partial.Prompt)
	assert.Equal(t, KindInterval, partial.ScheduleKind)
	assert.Equal(t, "60000", partial.ScheduleValue)
	assert.Equal(t, got.NextRun, partial.NextRun)
	stored, err := st.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, "pong", stored.Prompt)
	assert.Equal(t, "60000", stored.ScheduleValue)

	badKind := ScheduleKind("weekly")
	model := "haiku"
	partial, err = st.Update("tg:1", task.ID, TaskUpdate{Kind: &badKind, Model: &model})
	require.NoError(t, err)
	assert.Equal(t, "haiku", partial.Model)
	assert.Equal(t, KindInterval, partial.ScheduleKind)

	kind := KindCron
	value := "30 6 * * *"
	prompt := "morning brief"
	got, err = st.Update("tg:1", task.ID, TaskUpdate{Kind: &kind, Value: &value, Prompt: &prompt})
	require.NoError(t, err)
	assert.Equal(t, KindCron, got.ScheduleKind)
	assert.Equal(t, "morning brief", got.Prompt)
	assert.Equal(t, time.Date(2025, 1, 2, 6, 30, 0, 0, time.UTC), *got.NextRun)
}

func TestMutationsAreScopedToChat(t *testing.T) {
	st := newTestStore(t, time.Now())
	task, err := st.Schedule(ScheduleRequest{ChatID: "tg:1", Label: "a", Prompt: "x", Kind: KindInterval, Value: "1000"})
	require.NoError(t, err)

	prompt := "hijack"
	_, err = st.Update("tg:2", task.ID, TaskUpdate{Prompt: &prompt})
	assert.ErrorIs(t, err, kagoerrors.ErrNotFound)

	_, err = st.Delete("tg:2", task.ID)
	assert.ErrorIs(t, err, kagoerrors.ErrNotFound)

	_, err = st.DeleteByLabel("tg:2", "a")
	assert.ErrorIs(t, err, kagoerrors.ErrNotFound)

	got, err := st.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, "x", got.Prompt)
}

func TestDelete(t *testing.T) {
	st := newTestStore(t, time.Now())
	a, err := st.Schedule(ScheduleRequest{ChatID: "tg:1", Prompt: "a", Kind: KindInterval, Value: "1000"})
	require.NoError(t, err)
	_, err = st.Schedule(ScheduleRequest{ChatID: "tg:1", Label: "dup", Prompt: "b", Kind: KindInterval, Value: "1000"})
	require.NoError(t, err)

	removed, err := st.Delete("tg:1", a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, removed.ID)

	n, err := st.DeleteByLabel("tg:1", "dup")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	all, err := st.List("tg:1")
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestDueAndSaveBatch(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	st := newTestStore(t, now.Add(-2*time.Hour))

	hourly, err := st.Schedule(ScheduleRequest{ChatID: "tg:1", Prompt: "h", Kind: KindInterval, Value: "3600000"})
	require.NoError(t, err)
	_, err = st.Schedule(ScheduleRequest{ChatID: "tg:1", Prompt: "later", Kind: KindOnce, Value: "2030-01-01T00:00:00Z"})
	require.NoError(t, err)
	gone, err := st.Schedule(ScheduleRequest{ChatID: "tg:1", Prompt: "g", Kind: KindInterval, Value: "60000"})
	require.NoError(t, err)

	due, err := st.Due(now)
	require.NoError(t, err)
	require.Len(t, due, 2)

	_, err = st.Delete("", gone.ID)
	require.NoError(t, err)

	for i := range due {
		due[i].LastRun = &now
		due[i].LastResult = "ok"
		require.NoError(t, advance(&due[i], now, time.UTC))
	}
	require.NoError(t, st.SaveBatch(due))

	got, err := st.Get(hourly.ID)
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Hour), *got.NextRun)
	assert.Equal(t, "ok", got.LastResult)

	all, err := st.List("")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSaveBatchKeepsConcurrentReschedule(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	st := newTestStore(t, now.Add(-time.Hour))
	task, err := st.Schedule(ScheduleRequest{ChatID: "tg:1", Prompt: "p", Kind: KindInterval, Value: "60000"})
	require.NoError(t, err)

	run := task
	require.NoError(t, advance(&run, now, time.UTC))
	run.LastRun = &now

	value := "7200000"
	edited, err := st.Update("", task.ID, TaskUpdate{Value: &value})
	require.NoError(t, err)

	require.NoError(t, st.SaveBatch([]Task{run}))
	got, err := st.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, edited.NextRun, got.NextRun)
	assert.Equal(t, now, *got.LastRun)
}

func TestExternalEditIsPickedUp(t *testing.T) {
	st := newTestStore(t, time.Now())
	_, err := st.Schedule(ScheduleRequest{ChatID: "tg:1", Prompt: "a", Kind: KindInterval, Value: "1000"})
	require.NoError(t, err)

	other, err := NewStore(st.path, time.UTC)
	require.NoError(t, err)
	_, err = other.Schedule(ScheduleRequest{ChatID: "tg:1", Prompt: "b", Kind: KindInterval, Value: "1000"})
	require.NoError(t, err)

	// Force a distinct mtime in case both writes land in the same tick.
	future := time.Now().Add(time.Second)
	require.NoError(t, os.Chtimes(st.path, future, future))

	all, err := st.List("tg:1")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestCorruptStoreStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	st, err := NewStore(path, time.UTC)
	require.NoError(t, err)
	all, err := st.List("")
	require.NoError(t, err)
	assert.Empty(t, all)

	_, err = st.Schedule(ScheduleRequest{ChatID: "tg:1", Prompt: "a", Kind: KindInterval, Value: "1000"})
	require.NoError(t, err)
	all, err = st.List("")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
