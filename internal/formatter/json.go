package formatter

import (
	"encoding/json"

	"github.com/harunnryd/kago/internal/ipc"
	"github.com/harunnryd/kago/internal/scheduler"
)

type JSONFormatter struct{}

func NewJSONFormatter() *JSONFormatter {
	return &JSONFormatter{}
}

func (f *JSONFormatter) FormatTasks(tasks []scheduler.Task) (string, error) {
	if tasks == nil {
		tasks = []scheduler.Task{}
	}
	return marshalJSON(tasks)
}

func (f *JSONFormatter) FormatTask(task *scheduler.Task) (string, error) {
	if task == nil {
		return "null", nil
	}
	return marshalJSON(task)
}

func (f *JSONFormatter) FormatSessions(rows []SessionRow) (string, error) {
	if rows == nil {
		rows = []SessionRow{}
	}
	return marshalJSON(rows)
}

func (f *JSONFormatter) FormatPrayers(prayers []ipc.Prayer) (string, error) {
	if prayers == nil {
		prayers = []ipc.Prayer{}
	}
	return marshalJSON(prayers)
}

func marshalJSON(v interface{}) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
