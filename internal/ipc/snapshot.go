package ipc

import (
	"bytes"
	"os"
	"path/filepath"
	"time"

	"github.com/harunnryd/kago/internal/scheduler"

	"github.com/natefinch/atomic"
	"gopkg.in/yaml.v3"
)

// Snapshot is the read-only view of a chat's tasks published to its mailbox
// as current_tasks.yaml.
type Snapshot struct {
	ChatID      string         `yaml:"chatId"`
	GeneratedAt string         `yaml:"generatedAt"`
	Tasks       []SnapshotTask `yaml:"tasks"`
}

type SnapshotTask struct {
	ID       string           `yaml:"id"`
	Label    string           `yaml:"label,omitempty"`
	Prompt   string           `yaml:"prompt"`
	Schedule SnapshotSchedule `yaml:"schedule"`
	Status   string           `yaml:"status"`
	NextRun  string           `yaml:"nextRun,omitempty"`
	Model    string           `yaml:"model,omitempty"`
}

type SnapshotSchedule struct {
	Kind  string `yaml:"kind"`
	Value string `yaml:"value"`
}

func NewSnapshot(chatID string, tasks []scheduler.Task, at time.Time) Snapshot {
	snap := Snapshot{
		ChatID:      chatID,
		GeneratedAt: at.UTC().Format(time.RFC3339),
		Tasks:       make([]SnapshotTask, 0, len(tasks)),
	}
	for _, t := range tasks {
		if t.ChatID != chatID {
			continue
		}
		st := SnapshotTask{
			ID:       t.ID,
			Label:    t.Label,
			Prompt:   t.Prompt,
			Schedule: SnapshotSchedule{Kind: string(t.ScheduleKind), Value: t.ScheduleValue},
			Status:   string(t.Status),
			Model:    t.Model,
		}
		if t.NextRun != nil {
			st.NextRun = t.NextRun.UTC().Format(time.RFC3339)
		}
		snap.Tasks = append(snap.Tasks, st)
	}
	return snap
}

// WriteSnapshot replaces the snapshot file atomically.
func WriteSnapshot(path string, snap Snapshot) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(snap); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return atomic.WriteFile(path, &buf)
}

func ReadSnapshot(path string) (Snapshot, error) {
	var snap Snapshot
	data, err := os.ReadFile(path)
	if err != nil {
		return snap, err
	}
	err = yaml.Unmarshal(data, &snap)
	return snap, err
}
