package container

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/kago/internal/pathutil"
)

// launchLog is the raw output file of one launch. It starts as
// container-<ts>.log and is renamed to container-<ts>-<short session>.log
// once the worker reports a session id. A nil *launchLog discards writes.
type launchLog struct {
	mu     sync.Mutex
	f      *os.File
	path   string
	tagged bool
}

func openLaunchLog(dir string, startedAt time.Time) (*launchLog, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, fmt.Sprintf("container-%s.log", startedAt.UTC().Format("20060102T150405.000")))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &launchLog{f: f, path: path}, nil
}

func (l *launchLog) Write(p []byte) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return
	}
	if _, err := l.f.Write(p); err != nil {
		slog.Debug("Container log write failed", "path", l.path, "error", err)
	}
}

// Tag renames the log to embed the short session id. Best-effort.
func (l *launchLog) Tag(sessionID string) {
	if l == nil || sessionID == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.tagged {
		return
	}
	short := sessionID
	if len(short) > shortIDChars {
		short = short[:shortIDChars]
	}
	next := strings.TrimSuffix(l.path, ".log") + "-" + pathutil.SafeName(short) + ".log"
	if err := os.Rename(l.path, next); err != nil {
		slog.Debug("Container log rename failed", "path", l.path, "error", err)
		return
	}
	l.path = next
	l.tagged = true
}

func (l *launchLog) Path() string {
	if l == nil {
		return ""
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.path
}

func (l *launchLog) Close() {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f != nil {
		l.f.Close()
		l.f = nil
	}
}
