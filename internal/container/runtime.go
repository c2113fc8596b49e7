package container

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	kagoerrors "github.com/harunnryd/kago/internal/errors"
)

// Mount binds a host path into the worker container.
type Mount struct {
	Host      string
	Container string
	ReadOnly  bool
}

// RunSpec describes one worker launch.
type RunSpec struct {
	Name   string
	Image  string
	Mounts []Mount
}

// Runtime is the container engine seen by the Manager. The worker is driven
// through the returned command's stdin and stdout.
type Runtime interface {
	Command(ctx context.Context, spec RunSpec) *exec.Cmd
	Stop(ctx context.Context, name string, grace time.Duration) error
	Kill(ctx context.Context, name string) error
	List(ctx context.Context) ([]string, error)
	ImageExists(ctx context.Context, tag string) (bool, error)
	Build(ctx context.Context, tag string, dockerfile []byte, contextDir string) error
}

// CLIRuntime drives a docker-compatible CLI (docker, podman). Failures are
// classified from stderr, so "No such container" is ErrNotFound and an
// unreachable engine is ErrTransient.
type CLIRuntime struct {
	Binary string
	errs   kagoerrors.ErrorMapper
}

func NewCLIRuntime(binary string) *CLIRuntime {
	if strings.TrimSpace(binary) == "" {
		binary = "docker"
	}
	return &CLIRuntime{Binary: binary, errs: kagoerrors.NewDefaultErrorMapper()}
}

func (r *CLIRuntime) Command(ctx context.Context, spec RunSpec) *exec.Cmd {
	return exec.CommandContext(ctx, r.Binary, RunArgs(spec)...)
}

// RunArgs builds the argv for an interactive, self-removing launch.
func RunArgs(spec RunSpec) []string {
	args := []string{"run", "-i", "--rm", "--name", spec.Name}
	for _, m := range spec.Mounts {
		v := m.Host + ":" + m.Container
		if m.ReadOnly {
			v += ":ro"
		}
		args = append(args, "-v", v)
	}
	return append(args, spec.Image)
}

func (r *CLIRuntime) Stop(ctx context.Context, name string, grace time.Duration) error {
	secs := int(grace.Round(time.Second) / time.Second)
	_, err := r.run(ctx, nil, "stop", "-t", strconv.Itoa(secs), name)
	return err
}

func (r *CLIRuntime) Kill(ctx context.Context, name string) error {
	_, err := r.run(ctx, nil, "kill", name)
	return err
}

func (r *CLIRuntime) List(ctx context.Context) ([]string, error) {
	out, err := r.run(ctx, nil, "ps", "-a", "--format", "{{.Names}}")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(out, "\n") {
		if name := strings.TrimSpace(line); name != "" {
			names = append(names, name)
		}
	}
	return names, nil
}

func (r *CLIRuntime) ImageExists(ctx context.Context, tag string) (bool, error) {
	cmd := exec.CommandContext(ctx, r.Binary, "image", "inspect", tag)
	if err := cmd.Run(); err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (r *CLIRuntime) Build(ctx context.Context, tag string, dockerfile []byte, contextDir string) error {
	_, err := r.run(ctx, dockerfile, "build", "-t", tag, "-f", "-", contextDir)
	return err
}

func (r *CLIRuntime) run(ctx context.Context, stdin []byte, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, r.Binary, args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			err = fmt.Errorf("%s %s: %w", r.Binary, args[0], err)
		} else {
			err = fmt.Errorf("%s %s: %s: %w", r.Binary, args[0], truncate(msg, 500), err)
		}
		if r.errs == nil {
			return "", err
		}
		return "", r.errs.MapError(err)
	}
	return strings.TrimSpace(stdout.String()), nil
}
