package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/harunnryd/kago/internal/config"
	"github.com/harunnryd/kago/internal/formatter"
	"github.com/harunnryd/kago/internal/scheduler"
	"github.com/harunnryd/kago/internal/store"

	"github.com/spf13/cobra"
)

const daemonRequestTimeout = 5 * time.Second

// loadedConfig returns the config loaded by the root command, loading it when
// a command runs outside the root (tests).
func loadedConfig(cmd *cobra.Command) (*config.Config, error) {
	if cfg != nil {
		return cfg, nil
	}
	return config.Load(cmd)
}

func resolvePaths(c *config.Config) (store.Paths, error) {
	root, err := store.ResolveDataPath(c.Daemon.DataPath)
	if err != nil {
		return store.Paths{}, fmt.Errorf("resolve data path: %w", err)
	}
	return store.NewPaths(root), nil
}

func openTaskStore(c *config.Config) (*scheduler.Store, error) {
	paths, err := resolvePaths(c)
	if err != nil {
		return nil, err
	}
	loc, err := scheduler.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return nil, err
	}
	return scheduler.NewStore(paths.TasksFile(), loc)
}

func outputFormatter(cmd *cobra.Command) (formatter.Formatter, error) {
	value, _ := cmd.Flags().GetString("output")
	if value == "" {
		value = string(formatter.OutputFormatTable)
	}
	format, err := formatter.ParseOutputFormat(value)
	if err != nil {
		return nil, err
	}
	return formatter.NewFormatterFactory().Create(format)
}

func addOutputFlag(cmd *cobra.Command) {
	cmd.Flags().StringP("output", "o", string(formatter.OutputFormatTable), "output format (table, json, yaml)")
}

// daemonClient talks to a running daemon's local HTTP API.
type daemonClient struct {
	base   string
	client *http.Client
}

func newDaemonClient(c *config.Config) *daemonClient {
	return &daemonClient{
		base:   fmt.Sprintf("http://127.0.0.1:%d", c.Server.Port),
		client: &http.Client{Timeout: daemonRequestTimeout},
	}
}

func (d *daemonClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, d.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return &daemonUnreachableError{err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("daemon: %s", apiErr.Error)
		}
		return fmt.Errorf("daemon: %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type daemonUnreachableError struct {
	err error
}

func (e *daemonUnreachableError) Error() string {
	return "daemon unreachable: " + e.err.Error()
}

func (e *daemonUnreachableError) Unwrap() error {
	return e.err
}
