package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harunnryd/kago/internal/formatter"
	"github.com/harunnryd/kago/internal/session"
	"github.com/harunnryd/kago/internal/store"
)

func seedSessions(t *testing.T, dataPath string, sessions ...store.Session) {
	t.Helper()
	index := store.SessionIndex{Sessions: make(map[string]store.Session)}
	for _, s := range sessions {
		index.Sessions[s.ChatID] = s
	}
	require.NoError(t, store.WriteJSON(store.NewPaths(dataPath).SessionsFile(), &index))
}

func TestMergeSessionRows(t *testing.T) {
	earlier := time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)
	later := earlier.Add(time.Hour)

	persisted := map[string]store.Session{
		"tg:1":    {ChatID: "tg:1", SessionID: "s1", Model: "opus", LastActivity: earlier},
		"slack:C": {ChatID: "slack:C", SessionID: "s2", LastActivity: later},
	}
	live := []session.ChatStatus{
		{ChatID: "tg:1", Active: true, Container: "kago-tg-1-1", Pending: 1, QueuedTasks: 1, LastActivity: later},
		{ChatID: "cli:local", Active: false, Pending: 3},
		{ChatID: "slack:C", Active: false, Container: "stale", LastActivity: earlier},
	}

	want := []formatter.SessionRow{
		{ChatID: "cli:local", Pending: 3},
		{ChatID: "slack:C", SessionID: "s2", LastActivity: later},
		{ChatID: "tg:1", SessionID: "s1", Model: "opus", LastActivity: later, Worker: "kago-tg-1-1", Pending: 2},
	}
	if diff := cmp.Diff(want, mergeSessionRows(persisted, live)); diff != "" {
		t.Errorf("mergeSessionRows() mismatch (-want +got):\n%s", diff)
	}
}

func TestSessionsLsWithoutDaemon(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.run(t, "sessions", "ls")
	require.NoError(t, err)
	assert.Contains(t, out, "No sessions")

	seedSessions(t, env.dataPath, store.Session{ChatID: "tg:7", SessionID: "abc", Model: "haiku", LastActivity: time.Now()})

	out, err = env.run(t, "sessions", "ls", "-o", "json")
	require.NoError(t, err)
	var rows []formatter.SessionRow
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "tg:7", rows[0].ChatID)
	assert.Equal(t, "abc", rows[0].SessionID)
	assert.Empty(t, rows[0].Worker)
}

func TestSessionsLsMergesLiveState(t *testing.T) {
	env := newTestEnv(t)
	seedSessions(t, env.dataPath, store.Session{ChatID: "tg:7", SessionID: "abc"})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sessions", r.URL.Path)
		_ = json.NewEncoder(w).Encode([]session.ChatStatus{{ChatID: "tg:7", Active: true, Container: "kago-tg-7-1"}})
	}))
	defer srv.Close()
	env.withDaemon(t, srv)

	out, err := env.run(t, "sessions", "ls", "-o", "json")
	require.NoError(t, err)
	var rows []formatter.SessionRow
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "kago-tg-7-1", rows[0].Worker)
}

func TestSessionsResetFallsBackToDataDir(t *testing.T) {
	env := newTestEnv(t)
	seedSessions(t, env.dataPath, store.Session{ChatID: "tg:7", SessionID: "abc", Model: "opus"})

	stateFile := filepath.Join(store.NewPaths(env.dataPath).StateDir("tg:7"), "history.jsonl")
	require.NoError(t, os.MkdirAll(filepath.Dir(stateFile), 0755))
	require.NoError(t, os.WriteFile(stateFile, []byte("{}\n"), 0644))

	out, err := env.run(t, "sessions", "reset", "tg:7", "--model", "haiku")
	require.NoError(t, err)
	assert.Contains(t, out, "Session for tg:7 reset")

	index, err := store.LoadSessions(store.NewPaths(env.dataPath))
	require.NoError(t, err)
	sess := index.Sessions["tg:7"]
	assert.Empty(t, sess.SessionID)
	assert.Equal(t, "haiku", sess.Model)
	assert.NoFileExists(t, stateFile)
}

func TestSessionsResetUsesDaemon(t *testing.T) {
	env := newTestEnv(t)

	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/sessions/reset", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "reset"})
	}))
	defer srv.Close()
	env.withDaemon(t, srv)

	_, err := env.run(t, "sessions", "reset", "slack:C1")
	require.NoError(t, err)
	assert.Equal(t, "slack:C1", got["chat_id"])

	_, statErr := os.Stat(store.NewPaths(env.dataPath).SessionsFile())
	assert.True(t, os.IsNotExist(statErr), "daemon path must not touch the data dir")
}

func TestSessionsResetReportsDaemonError(t *testing.T) {
	env := newTestEnv(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "unknown chat"})
	}))
	defer srv.Close()
	env.withDaemon(t, srv)

	_, err := env.run(t, "sessions", "reset", "bogus")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown chat")
}
