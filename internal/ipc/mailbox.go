package ipc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	kagoerrors "github.com/harunnryd/kago/internal/errors"
	"github.com/harunnryd/kago/internal/scheduler"
)

const (
	MutationSchedule = "schedule"
	MutationUpdate   = "update"
	MutationDelete   = "delete"
)

// OutboundMessage is a file in messages/: text the worker wants sent to its chat.
type OutboundMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// TaskMutation is a file in tasks/. Pointer fields are optional on update.
type TaskMutation struct {
	Type          string      `json:"type"`
	TaskID        string      `json:"taskId,omitempty"`
	Label         string      `json:"label,omitempty"`
	Prompt        *string     `json:"prompt,omitempty"`
	ScheduleKind  *string     `json:"scheduleKind,omitempty"`
	ScheduleValue *flexString `json:"scheduleValue,omitempty"`
	Status        *string     `json:"status,omitempty"`
	Model         *string     `json:"model,omitempty"`
}

// flexString accepts a JSON string or number; interval values are often
// written as bare milliseconds.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("scheduleValue must be a string or number")
	}
	if i, err := n.Int64(); err == nil {
		*f = flexString(strconv.FormatInt(i, 10))
		return nil
	}
	*f = flexString(n.String())
	return nil
}

func parseErr(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, kagoerrors.ErrMailboxParse)...)
}

func decodeMessage(data []byte) (OutboundMessage, error) {
	var msg OutboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, parseErr("decode message: %v", err)
	}
	if msg.Type != "" && msg.Type != "message" {
		return msg, parseErr("unexpected message type %q", msg.Type)
	}
	if strings.TrimSpace(msg.Text) == "" {
		return msg, parseErr("message without text")
	}
	return msg, nil
}

func decodeMutation(data []byte) (TaskMutation, error) {
	var m TaskMutation
	if err := json.Unmarshal(data, &m); err != nil {
		return m, parseErr("decode task mutation: %v", err)
	}
	switch m.Type {
	case MutationSchedule:
		if m.Prompt == nil || m.ScheduleKind == nil || m.ScheduleValue == nil {
			return m, parseErr("schedule needs prompt, scheduleKind and scheduleValue")
		}
	case MutationUpdate:
		if m.TaskID == "" {
			return m, parseErr("update needs taskId")
		}
	case MutationDelete:
		if m.TaskID == "" && m.Label == "" {
			return m, parseErr("delete needs taskId or label")
		}
	default:
		return m, parseErr("unknown task mutation %q", m.Type)
	}
	return m, nil
}

// apply runs the mutation against the store on behalf of owner.
func (m TaskMutation) apply(tasks *scheduler.Store, owner string) (string, error) {
	switch m.Type {
	case MutationSchedule:
		req := scheduler.ScheduleRequest{
			ChatID: owner,
			Label:  m.Label,
			Prompt: *m.Prompt,
			Kind:   scheduler.ScheduleKind(*m.ScheduleKind),
			Value:  string(*m.ScheduleValue),
		}
		if m.Model != nil {
			req.Model = *m.Model
		}
		task, err := tasks.Schedule(req)
		return task.ID, err

	case MutationUpdate:
		var upd scheduler.TaskUpdate
		upd.Prompt = m.Prompt
		upd.Model = m.Model
		if m.ScheduleKind != nil {
			kind := scheduler.ScheduleKind(*m.ScheduleKind)
			upd.Kind = &kind
		}
		if m.ScheduleValue != nil {
			value := string(*m.ScheduleValue)
			upd.Value = &value
		}
		if m.Status != nil {
			status := scheduler.TaskStatus(strings.ToLower(*m.Status))
			upd.Status = &status
		}
		task, err := tasks.Update(owner, m.TaskID, upd)
		return task.ID, err

	case MutationDelete:
		if m.TaskID != "" {
			task, err := tasks.Delete(owner, m.TaskID)
			return task.ID, err
		}
		n, err := tasks.DeleteByLabel(owner, m.Label)
		return fmt.Sprintf("%d task(s) labelled %q", n, m.Label), err
	}
	return "", parseErr("unknown task mutation %q", m.Type)
}
