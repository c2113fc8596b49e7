package container

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	kagoerrors "github.com/harunnryd/kago/internal/errors"
	"github.com/harunnryd/kago/internal/logger"
)

const (
	frameBuffer  = 64
	stderrTail   = 2048
	shortIDChars = 8
)

// Result is how a worker run ended. Result carries text only for
// non-streaming launches; streaming callers already got it from Frames.
type Result struct {
	Result       *string
	NewSessionID string
	ExitCode     int
	Frames       int
	TimedOut     bool
	Closed       bool
}

// Handle supervises one running worker.
type Handle struct {
	ChatID string
	Name   string

	m        *Manager
	req      SpawnRequest
	cmd      *exec.Cmd
	cancel   context.CancelFunc
	budget   time.Duration
	sentinel string

	frames chan Frame
	done   chan struct{}
	result Result
	err    error

	log *launchLog
	lg  *slog.Logger

	mu             sync.Mutex
	watchdog       *time.Timer
	framesSeen     int
	lastSessionID  string
	lastFinal      *Frame
	lastFrame      *Frame
	closeRequested bool
	timedOut       bool
	stopping       bool
	exited         bool
	stderr         []byte
}

func (m *Manager) start(req SpawnRequest, name, image string, input *Input, budget time.Duration, startedAt time.Time) (*Handle, error) {
	procCtx, cancel := context.WithCancel(logger.WithContainer(logger.WithChatID(context.Background(), req.ChatID), name))
	lg := logger.From(procCtx)
	cmd := m.runtime.Command(procCtx, RunSpec{Name: name, Image: image, Mounts: m.mounts(req.ChatID)})

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	log, err := openLaunchLog(m.paths.LogsDir(req.ChatID), startedAt)
	if err != nil {
		lg.Warn("Container log unavailable", "error", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		log.Close()
		return nil, err
	}

	h := &Handle{
		ChatID:   req.ChatID,
		Name:     name,
		m:        m,
		req:      req,
		cmd:      cmd,
		cancel:   cancel,
		budget:   budget,
		sentinel: m.paths.CloseSentinelPath(req.ChatID),
		frames:   make(chan Frame, frameBuffer),
		done:     make(chan struct{}),
		log:      log,
		lg:       lg,
	}
	h.watchdog = time.AfterFunc(budget, h.onTimeout)

	if err := writeInput(stdin, input); err != nil {
		lg.Warn("Failed to write worker input", "error", err)
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		h.readStdout(stdout)
	}()
	go func() {
		defer readers.Done()
		h.readStderr(stderr)
	}()
	go func() {
		readers.Wait()
		waitErr := cmd.Wait()
		h.finish(waitErr)
	}()

	return h, nil
}

// writeInput sends the one-shot input and scrubs secrets from it right after.
func writeInput(stdin io.WriteCloser, input *Input) error {
	data, err := json.Marshal(input)
	input.Secrets = nil
	if err != nil {
		stdin.Close()
		return err
	}
	_, werr := stdin.Write(data)
	for i := range data {
		data[i] = 0
	}
	cerr := stdin.Close()
	if werr != nil {
		return werr
	}
	return cerr
}

func (h *Handle) readStdout(r io.Reader) {
	framer := &Framer{MaxPending: h.m.cfg.MaxOutputBytes}
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			h.log.Write(chunk)
			for _, f := range framer.Feed(chunk) {
				h.deliver(f)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				h.lg.Debug("Worker stdout closed", "error", err)
			}
			return
		}
	}
}

func (h *Handle) readStderr(r io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			h.log.Write(buf[:n])
			h.mu.Lock()
			h.stderr = appendTail(h.stderr, buf[:n], stderrTail)
			h.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

// deliver records the frame, re-arms the watchdog and hands it to the consumer.
func (h *Handle) deliver(f Frame) {
	h.mu.Lock()
	h.framesSeen++
	last := f
	h.lastFrame = &last
	firstSession := false
	if f.NewSessionID != "" {
		firstSession = h.lastSessionID == ""
		h.lastSessionID = f.NewSessionID
	}
	if f.IsFinal() {
		frame := f
		h.lastFinal = &frame
	}
	if !h.timedOut && !h.stopping {
		h.watchdog.Reset(h.budget)
	}
	closeAfter := h.req.Ephemeral && f.IsFinal() && !h.closeRequested
	h.mu.Unlock()

	if firstSession {
		h.log.Tag(f.NewSessionID)
	}

	h.frames <- f

	if closeAfter {
		if err := h.RequestClose(); err != nil {
			h.lg.Warn("Failed to close ephemeral worker", "error", err)
		}
	}
}

func (h *Handle) onTimeout() {
	h.mu.Lock()
	if h.exited || h.stopping {
		h.mu.Unlock()
		return
	}
	h.timedOut = true
	frames := h.framesSeen
	h.mu.Unlock()

	h.lg.Warn("Container watchdog expired", "budget", h.budget, "frames", frames)
	h.escalate()
}

// Stop force-stops the worker: graceful runtime stop, then kill.
func (h *Handle) Stop() {
	h.mu.Lock()
	if h.exited || h.stopping || h.timedOut {
		h.mu.Unlock()
		return
	}
	h.stopping = true
	h.mu.Unlock()

	h.watchdog.Stop()
	go h.escalate()
}

func (h *Handle) escalate() {
	grace := h.m.cfg.StopGrace
	ctx, cancel := context.WithTimeout(context.Background(), grace+h.m.killSlack)
	defer cancel()

	go func() {
		if err := h.m.runtime.Stop(ctx, h.Name, grace); err != nil {
			h.lg.Warn("Container stop failed", "error", err)
		}
	}()

	select {
	case <-h.done:
		return
	case <-ctx.Done():
	}

	h.lg.Warn("Container did not stop in time, killing")
	killCtx, killCancel := context.WithTimeout(context.Background(), h.m.killSlack)
	defer killCancel()
	if err := h.m.runtime.Kill(killCtx, h.Name); err != nil {
		h.lg.Warn("Container kill failed", "error", err)
	}
	h.cancel()
}

// RequestClose asks the worker to wind down by writing the close sentinel.
func (h *Handle) RequestClose() error {
	h.mu.Lock()
	if h.exited {
		h.mu.Unlock()
		return nil
	}
	h.closeRequested = true
	h.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(h.sentinel), 0755); err != nil {
		return err
	}
	return os.WriteFile(h.sentinel, nil, 0644)
}

// WriteInput drops a follow-up message into the worker's input mailbox.
func (h *Handle) WriteInput(text string, from *Sender) error {
	msg := struct {
		Type string  `json:"type"`
		Text string  `json:"text"`
		From *Sender `json:"from,omitempty"`
	}{Type: "message", Text: text, From: from}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	dir := filepath.Dir(h.sentinel)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	name := fmt.Sprintf("%d.json", time.Now().UnixNano())
	tmp := filepath.Join(dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, name))
}

func (h *Handle) finish(waitErr error) {
	h.watchdog.Stop()

	exitCode := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	_, statErr := os.Stat(h.sentinel)
	sentinelConsumed := os.IsNotExist(statErr)
	if !sentinelConsumed {
		os.Remove(h.sentinel)
	}

	h.mu.Lock()
	h.exited = true
	res, err := h.classify(exitCode, sentinelConsumed)
	h.result = res
	h.err = err
	h.mu.Unlock()

	h.log.Close()
	h.cancel()
	close(h.frames)
	close(h.done)

	attrs := []any{"exit_code", exitCode, "frames", res.Frames}
	if err != nil {
		h.lg.Warn("Container finished with error", append(attrs, "error", err)...)
	} else {
		h.lg.Info("Container finished", attrs...)
	}
}

// classify maps how the worker ended onto a Result. Caller holds h.mu.
func (h *Handle) classify(exitCode int, sentinelConsumed bool) (Result, error) {
	res := Result{
		NewSessionID: h.lastSessionID,
		ExitCode:     exitCode,
		Frames:       h.framesSeen,
		TimedOut:     h.timedOut,
	}

	if h.timedOut {
		if h.framesSeen > 0 {
			return res, nil
		}
		return res, fmt.Errorf("no output within %v: %w", h.budget, kagoerrors.ErrTimeout)
	}

	if h.closeRequested && sentinelConsumed {
		res.Closed = true
		if !h.req.Stream && h.lastFinal != nil {
			res.Result = h.lastFinal.Result
		}
		return res, nil
	}

	if exitCode != 0 {
		// A non-streaming caller only sees the outcome, so the trailing
		// frame of the output still answers it.
		if !h.req.Stream && h.lastFrame != nil {
			return frameResult(res, *h.lastFrame)
		}
		return res, fmt.Errorf("exit code %d: %s: %w", exitCode, stderrSummary(h.stderr), kagoerrors.ErrNonZeroExit)
	}

	if h.req.Stream {
		return res, nil
	}
	if h.lastFinal != nil {
		return frameResult(res, *h.lastFinal)
	}
	if h.lastFrame != nil {
		return frameResult(res, *h.lastFrame)
	}
	return res, kagoerrors.Internal("worker exited without output")
}

func frameResult(res Result, f Frame) (Result, error) {
	res.Result = f.Result
	if f.NewSessionID != "" {
		res.NewSessionID = f.NewSessionID
	}
	if f.Status == StatusError {
		msg := f.Error
		if msg == "" {
			msg = "worker reported an error"
		}
		return res, fmt.Errorf("%s: %w", msg, kagoerrors.ErrNonZeroExit)
	}
	return res, nil
}

// Frames delivers parsed frames in arrival order and closes when the worker exits.
func (h *Handle) Frames() <-chan Frame {
	return h.frames
}

func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the worker exits or ctx ends.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// LogPath is the current per-launch log file.
func (h *Handle) LogPath() string {
	return h.log.Path()
}

func appendTail(buf, chunk []byte, limit int) []byte {
	buf = append(buf, chunk...)
	if len(buf) > limit {
		buf = append(buf[:0], buf[len(buf)-limit:]...)
	}
	return buf
}

func stderrSummary(stderr []byte) string {
	s := strings.TrimSpace(string(stderr))
	if s == "" {
		return "no stderr"
	}
	lines := strings.Split(s, "\n")
	if len(lines) > 5 {
		lines = lines[len(lines)-5:]
	}
	return strings.Join(lines, " | ")
}
