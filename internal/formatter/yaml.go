package formatter

import (
	"encoding/json"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/harunnryd/kago/internal/ipc"
	"github.com/harunnryd/kago/internal/scheduler"
)

// YAMLFormatter goes through the JSON encoding so field names match the
// files on disk and the json output.
type YAMLFormatter struct{}

func NewYAMLFormatter() *YAMLFormatter {
	return &YAMLFormatter{}
}

func (f *YAMLFormatter) FormatTasks(tasks []scheduler.Task) (string, error) {
	if tasks == nil {
		tasks = []scheduler.Task{}
	}
	return marshalYAML(tasks)
}

func (f *YAMLFormatter) FormatTask(task *scheduler.Task) (string, error) {
	if task == nil {
		return "null", nil
	}
	return marshalYAML(task)
}

func (f *YAMLFormatter) FormatSessions(rows []SessionRow) (string, error) {
	if rows == nil {
		rows = []SessionRow{}
	}
	return marshalYAML(rows)
}

func (f *YAMLFormatter) FormatPrayers(prayers []ipc.Prayer) (string, error) {
	if prayers == nil {
		prayers = []ipc.Prayer{}
	}
	return marshalYAML(prayers)
}

func marshalYAML(v interface{}) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	var generic interface{}
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return "", err
	}
	data, err := yaml.Marshal(generic)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
