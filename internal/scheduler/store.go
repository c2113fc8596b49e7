package scheduler

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	kagoerrors "github.com/harunnryd/kago/internal/errors"
	"github.com/harunnryd/kago/internal/store"

	"github.com/oklog/ulid/v2"
)

// Store keeps the flat task list in tasks.json. Other processes (the CLI, an
// operator with an editor) may rewrite the file at any time, so every
// operation re-reads it when its mtime or size changed.
type Store struct {
	path string
	loc  *time.Location
	now  func() time.Time

	mu      sync.Mutex
	tasks   []Task
	modTime time.Time
	size    int64
}

// ScheduleRequest creates a task, or replaces the chat's task with the same label.
type ScheduleRequest struct {
	ChatID string
	Label  string
	Prompt string
	Kind   ScheduleKind
	Value  string
	Model  string
}

// TaskUpdate carries the fields to change; nil fields are left alone.
type TaskUpdate struct {
	Prompt *string
	Status *TaskStatus
	Kind   *ScheduleKind
	Value  *string
	Model  *string
}

func NewStore(path string, loc *time.Location) (*Store, error) {
	if loc == nil {
		loc = time.UTC
	}
	s := &Store{path: path, loc: loc, now: time.Now}
	if err := s.Reload(); err != nil {
		if !errors.Is(err, kagoerrors.ErrStoreCorrupt) {
			return nil, err
		}
		slog.Warn("Task store corrupt, starting empty", "path", path, "error", err)
	}
	return s, nil
}

func (s *Store) Location() *time.Location {
	return s.loc
}

// Reload re-reads the file if it changed since the last read or write.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshLocked()
}

func (s *Store) refreshLocked() error {
	info, err := os.Stat(s.path)
	if os.IsNotExist(err) {
		if !s.modTime.IsZero() {
			s.tasks = nil
			s.modTime = time.Time{}
			s.size = 0
		}
		return nil
	}
	if err != nil {
		return err
	}
	if info.ModTime().Equal(s.modTime) && info.Size() == s.size {
		return nil
	}

	var tasks []Task
	err = store.ReadJSON(s.path, &tasks)
	s.modTime = info.ModTime()
	s.size = info.Size()
	if err != nil {
		s.tasks = nil
		return err
	}
	s.tasks = tasks
	return nil
}

func (s *Store) saveLocked() error {
	tasks := s.tasks
	if tasks == nil {
		tasks = []Task{}
	}
	if err := store.WriteJSON(s.path, tasks); err != nil {
		return fmt.Errorf("write tasks: %w", err)
	}
	if info, err := os.Stat(s.path); err == nil {
		s.modTime = info.ModTime()
		s.size = info.Size()
	}
	return nil
}

// load refreshes before a mutation. A corrupt file is overwritten by the mutation.
func (s *Store) load() error {
	err := s.refreshLocked()
	if errors.Is(err, kagoerrors.ErrStoreCorrupt) {
		slog.Warn("Task store corrupt, treating as empty", "path", s.path, "error", err)
		return nil
	}
	return err
}

// ModTime is the mtime observed at the last read or write.
func (s *Store) ModTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.modTime
}

// List returns the tasks of chatID, or every task when chatID is empty,
// oldest first.
func (s *Store) List(chatID string) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return nil, err
	}

	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if chatID == "" || t.ChatID == chatID {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) Get(id string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return Task{}, err
	}
	if i := s.indexLocked(id); i >= 0 {
		return s.tasks[i], nil
	}
	return Task{}, kagoerrors.NotFound("task " + id)
}

func (s *Store) indexLocked(id string) int {
	for i := range s.tasks {
		if s.tasks[i].ID == id {
			return i
		}
	}
	return -1
}

// Schedule creates an active task. A non-empty label that already exists for
// the chat is an upsert: the existing task keeps its id and creation time.
func (s *Store) Schedule(req ScheduleRequest) (Task, error) {
	req.ChatID = strings.TrimSpace(req.ChatID)
	req.Label = strings.TrimSpace(req.Label)
	if req.ChatID == "" {
		return Task{}, kagoerrors.InvalidInput("schedule without chat id")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return Task{}, kagoerrors.InvalidInput("schedule without prompt")
	}
	if req.Value == "" {
		return Task{}, kagoerrors.InvalidInput("schedule without schedule value")
	}
	kind, err := ParseKind(string(req.Kind))
	if err != nil {
		return Task{}, err
	}

	now := s.now()
	next, err := NextRun(kind, req.Value, now, s.loc)
	if err != nil {
		return Task{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return Task{}, err
	}

	idx := -1
	if req.Label != "" {
		for i, t := range s.tasks {
			if t.ChatID == req.ChatID && t.Label == req.Label {
				idx = i
				break
			}
		}
	}

	var task Task
	if idx >= 0 {
		task = s.tasks[idx]
	} else {
		task = Task{
			ID:        ulid.Make().String(),
			ChatID:    req.ChatID,
			Label:     req.Label,
			CreatedAt: now.UTC(),
		}
	}
	task.Prompt = req.Prompt
	task.ScheduleKind = kind
	task.ScheduleValue = strings.TrimSpace(req.Value)
	task.Model = req.Model
	task.Status = StatusActive
	task.NextRun = next

	if idx >= 0 {
		s.tasks[idx] = task
	} else {
		s.tasks = append(s.tasks, task)
	}
	if err := s.saveLocked(); err != nil {
		return Task{}, err
	}
	return task, nil
}

// Update changes a task by id. A non-empty scope restricts it to that chat's
// tasks. A schedule change that does not parse leaves the old schedule in
// place; the other fields of the update still apply.
func (s *Store) Update(scope, id string, upd TaskUpdate) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return Task{}, err
	}

	i := s.indexLocked(id)
	if i < 0 || (scope != "" && s.tasks[i].ChatID != scope) {
		return Task{}, kagoerrors.NotFound("task " + id)
	}
	task := s.tasks[i]
	now := s.now()

	if upd.Prompt != nil {
		if strings.TrimSpace(*upd.Prompt) == "" {
			return Task{}, kagoerrors.InvalidInput("empty prompt")
		}
		task.Prompt = *upd.Prompt
	}
	if upd.Model != nil {
		task.Model = *upd.Model
	}

	rescheduled := false
	if upd.Kind != nil || upd.Value != nil {
		if err := reschedule(&task, upd, now, s.loc); err != nil {
			slog.Warn("Ignoring invalid schedule change", "task", task.ID, "error", err)
		} else {
			rescheduled = true
		}
	}

	if upd.Status != nil {
		switch *upd.Status {
		case StatusActive:
			if task.Status != StatusActive && !rescheduled {
				next, err := NextRun(task.ScheduleKind, task.ScheduleValue, now, s.loc)
				if err != nil {
					return Task{}, err
				}
				task.NextRun = next
			}
		case StatusPaused:
		default:
			return Task{}, kagoerrors.InvalidInput(fmt.Sprintf("unknown status %q", *upd.Status))
		}
		task.Status = *upd.Status
	}

	s.tasks[i] = task
	if err := s.saveLocked(); err != nil {
		return Task{}, err
	}
	return task, nil
}

func reschedule(task *Task, upd TaskUpdate, now time.Time, loc *time.Location) error {
	kind := task.ScheduleKind
	if upd.Kind != nil {
		k, err := ParseKind(string(*upd.Kind))
		if err != nil {
			return err
		}
		kind = k
	}
	value := task.ScheduleValue
	if upd.Value != nil {
		value = strings.TrimSpace(*upd.Value)
	}
	next, err := NextRun(kind, value, now, loc)
	if err != nil {
		return err
	}
	task.ScheduleKind = kind
	task.ScheduleValue = value
	task.NextRun = next
	return nil
}

// Delete removes a task by id, restricted to scope when non-empty.
func (s *Store) Delete(scope, id string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return Task{}, err
	}

	i := s.indexLocked(id)
	if i < 0 || (scope != "" && s.tasks[i].ChatID != scope) {
		return Task{}, kagoerrors.NotFound("task " + id)
	}
	removed := s.tasks[i]
	s.tasks = append(s.tasks[:i], s.tasks[i+1:]...)
	if err := s.saveLocked(); err != nil {
		return Task{}, err
	}
	return removed, nil
}

// DeleteByLabel removes every task of chatID carrying label.
func (s *Store) DeleteByLabel(chatID, label string) (int, error) {
	if chatID == "" || label == "" {
		return 0, kagoerrors.InvalidInput("delete by label needs chat id and label")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return 0, err
	}

	kept := s.tasks[:0]
	removed := 0
	for _, t := range s.tasks {
		if t.ChatID == chatID && t.Label == label {
			removed++
			continue
		}
		kept = append(kept, t)
	}
	s.tasks = kept
	if removed == 0 {
		return 0, kagoerrors.NotFound(fmt.Sprintf("task %q in %s", label, chatID))
	}
	if err := s.saveLocked(); err != nil {
		return 0, err
	}
	return removed, nil
}

// Due returns active tasks whose next run is at or before now.
func (s *Store) Due(now time.Time) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return nil, err
	}

	var due []Task
	for _, t := range s.tasks {
		if t.IsDue(now) {
			due = append(due, t)
		}
	}
	return due, nil
}

// SaveBatch records run outcomes in one write. Tasks deleted while they ran
// are skipped; a task whose schedule was edited meanwhile keeps its new next run.
func (s *Store) SaveBatch(runs []Task) error {
	if len(runs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return err
	}

	changed := false
	for _, run := range runs {
		i := s.indexLocked(run.ID)
		if i < 0 {
			slog.Info("Task removed while running, dropping run record", "task", run.ID)
			continue
		}
		cur := &s.tasks[i]
		cur.LastRun = run.LastRun
		cur.LastResult = run.LastResult
		if cur.ScheduleKind == run.ScheduleKind && cur.ScheduleValue == run.ScheduleValue {
			cur.NextRun = run.NextRun
			if run.Status == StatusPaused {
				cur.Status = StatusPaused
			}
		}
		changed = true
	}
	if !changed {
		return nil
	}
	return s.saveLocked()
}
