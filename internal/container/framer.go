package container

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	kagoerrors "github.com/harunnryd/kago/internal/errors"
)

const (
	StartMarker = "---KAGO_OUTPUT_START---"
	EndMarker   = "---KAGO_OUTPUT_END---"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"

	// FrameText marks a streaming partial; anything else is a turn's final answer.
	FrameText   = "text"
	FrameResult = "result"
)

// Frame is one marker-delimited JSON unit emitted by a worker.
type Frame struct {
	Status       string  `json:"status"`
	Result       *string `json:"result"`
	NewSessionID string  `json:"newSessionId,omitempty"`
	Error        string  `json:"error,omitempty"`
	Type         string  `json:"type,omitempty"`
}

// IsFinal reports whether the frame ends a turn.
func (f Frame) IsFinal() bool {
	return f.Type != FrameText
}

// Text returns the result text, or "" for bookkeeping frames.
func (f Frame) Text() string {
	if f.Result == nil {
		return ""
	}
	return *f.Result
}

// Framer extracts frames from a growing buffer fed in arbitrary chunks.
// Bytes outside markers are discarded; an unterminated frame stays pending.
type Framer struct {
	buf []byte
	// MaxPending bounds an unterminated frame. Zero means unbounded.
	MaxPending int
}

func NewFramer() *Framer {
	return &Framer{}
}

var (
	startMarker = []byte(StartMarker)
	endMarker   = []byte(EndMarker)
)

// Feed appends chunk and returns every frame completed by it, in order.
func (f *Framer) Feed(chunk []byte) []Frame {
	f.buf = append(f.buf, chunk...)

	var frames []Frame
	for {
		start := bytes.Index(f.buf, startMarker)
		if start < 0 {
			f.keepMarkerPrefix()
			return frames
		}

		bodyStart := start + len(startMarker)
		end := bytes.Index(f.buf[bodyStart:], endMarker)
		if end < 0 {
			f.buf = f.buf[start:]
			if f.MaxPending > 0 && len(f.buf) > f.MaxPending {
				slog.Warn("Dropping oversized unterminated frame", "bytes", len(f.buf), "limit", f.MaxPending)
				f.buf = f.buf[:0]
			}
			return frames
		}

		body := bytes.TrimSpace(f.buf[bodyStart : bodyStart+end])
		f.buf = f.buf[bodyStart+end+len(endMarker):]

		frame, err := decodeFrame(body)
		if err != nil {
			slog.Warn("Dropping unparsable frame", "error", err, "body", truncate(string(body), 200))
			continue
		}
		frames = append(frames, frame)
	}
}

// Pending reports whether a started frame is waiting for its end marker.
func (f *Framer) Pending() bool {
	return bytes.HasPrefix(f.buf, startMarker)
}

// keepMarkerPrefix drops non-frame output but keeps a tail that may be the
// beginning of a start marker split across chunks.
func (f *Framer) keepMarkerPrefix() {
	keep := len(startMarker) - 1
	if len(f.buf) <= keep {
		return
	}
	tail := f.buf[len(f.buf)-keep:]
	f.buf = append(f.buf[:0], tail...)
}

func decodeFrame(body []byte) (Frame, error) {
	var frame Frame
	if err := json.Unmarshal(body, &frame); err != nil {
		return Frame{}, kagoerrors.WrapWithCategory(err, "decode frame", kagoerrors.ErrFrameParse)
	}
	if frame.Status == "" {
		return Frame{}, fmt.Errorf("frame without status: %w", kagoerrors.ErrFrameParse)
	}
	return frame, nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
