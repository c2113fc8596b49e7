package session

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"

	"github.com/harunnryd/kago/internal/concurrency"
	"github.com/harunnryd/kago/internal/container"
	kagoerrors "github.com/harunnryd/kago/internal/errors"
)

const maxErrorText = 500

var internalBlock = regexp.MustCompile(`(?s)<internal>.*?</internal>`)

// forward is the single consumer of one worker's frames. It delivers
// interactive output to the chat in arrival order and reports each frame and
// the final exit to the registry loop.
func (r *Registry) forward(chatID string, gen uint64, w Worker, scheduled bool) {
	log := slog.With("chat_id", chatID, "container", w.Name())

	for f := range w.Frames() {
		if !scheduled {
			if text, ok := frameText(f); ok {
				if err := r.deps.Transport.Send(r.ctx, chatID, text); err != nil {
					log.Warn("Failed to deliver worker output", "error", err)
				}
			}
		}
		r.post(frameEvent{chatID: chatID, gen: gen, frame: f})
	}

	res, err := w.Wait(context.Background())
	if err != nil && !scheduled {
		if serr := r.deps.Transport.Send(r.ctx, chatID, errorText(err)); serr != nil {
			log.Warn("Failed to deliver worker error", "error", serr)
		}
	}
	r.post(exitEvent{chatID: chatID, gen: gen, result: res, err: err})
}

// detach closes a worker nobody tracks any more and discards its output.
func (r *Registry) detach(w Worker) {
	if err := w.RequestClose(); err != nil {
		slog.Warn("Close request failed", "container", w.Name(), "error", err)
	}
	r.forwarders.Add(1)
	concurrency.SafeGo(func() {
		defer r.forwarders.Done()
		for range w.Frames() {
		}
		w.Wait(context.Background())
	}, nil)
}

// frameText is what a frame shows the user. Bookkeeping frames show nothing.
func frameText(f container.Frame) (string, bool) {
	if f.Status == container.StatusError {
		msg := strings.TrimSpace(f.Error)
		if msg == "" {
			msg = "the worker reported an error"
		}
		return "Error: " + truncate(msg, maxErrorText), true
	}
	text := strings.TrimSpace(stripInternal(f.Text()))
	if text == "" {
		return "", false
	}
	return text, true
}

func stripInternal(s string) string {
	return internalBlock.ReplaceAllString(s, "")
}

func errorText(err error) string {
	switch {
	case errors.Is(err, kagoerrors.ErrTimeout):
		return "Error: the worker timed out before replying."
	case errors.Is(err, kagoerrors.ErrSpawnFailure):
		return "Error: could not start a worker: " + truncate(err.Error(), maxErrorText)
	default:
		return "Error: " + truncate(err.Error(), maxErrorText)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
