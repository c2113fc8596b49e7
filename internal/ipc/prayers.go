package ipc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Prayer is one audit line in prayers.jsonl: an arbitrary JSON entry a worker
// dropped into its prayers mailbox, stamped with when and where it came from.
type Prayer struct {
	Timestamp time.Time       `json:"ts"`
	ChatID    string          `json:"chatId"`
	Entry     json.RawMessage `json:"entry"`
}

type PrayerFilter struct {
	ChatID string
	Since  time.Time
	Limit  int
}

// PrayerLog appends to the process-wide prayers.jsonl.
type PrayerLog struct {
	mu             sync.Mutex
	path           string
	redactPatterns []string
}

func NewPrayerLog(path string, redactPatterns ...string) (*PrayerLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return &PrayerLog{path: path, redactPatterns: redactPatterns}, nil
}

func (pl *PrayerLog) Path() string {
	return pl.path
}

func (pl *PrayerLog) Append(p Prayer) error {
	if p.ChatID == "" {
		return fmt.Errorf("prayer without chat id")
	}
	if !json.Valid(p.Entry) {
		return fmt.Errorf("prayer entry is not valid JSON")
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now()
	}
	p.Timestamp = p.Timestamp.UTC()
	p.Entry = pl.redact(p.Entry)

	line, err := json.Marshal(p)
	if err != nil {
		return err
	}

	pl.mu.Lock()
	defer pl.mu.Unlock()

	f, err := os.OpenFile(pl.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		slog.Error("Failed to open prayers log", "path", pl.path, "error", err)
		return err
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		slog.Error("Failed to write prayer", "path", pl.path, "error", err)
		return err
	}
	return nil
}

// Query reads the log back, newest last. Unparsable lines are skipped.
func (pl *PrayerLog) Query(filter PrayerFilter) ([]Prayer, error) {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	file, err := os.Open(pl.path)
	if os.IsNotExist(err) {
		return []Prayer{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var out []Prayer
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var p Prayer
		if err := json.Unmarshal(line, &p); err != nil {
			slog.Warn("Failed to parse prayer line", "error", err)
			continue
		}
		if filter.ChatID != "" && p.ChatID != filter.ChatID {
			continue
		}
		if !filter.Since.IsZero() && p.Timestamp.Before(filter.Since) {
			continue
		}
		out = append(out, p)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out, nil
}

func (pl *PrayerLog) redact(entry json.RawMessage) json.RawMessage {
	s := string(entry)
	for _, pattern := range pl.redactPatterns {
		if pattern == "" {
			continue
		}
		if re, err := regexp.Compile(pattern); err == nil {
			s = re.ReplaceAllString(s, "[REDACTED]")
			continue
		}
		s = strings.ReplaceAll(s, pattern, "[REDACTED]")
	}
	if !json.Valid([]byte(s)) {
		return entry
	}
	return json.RawMessage(s)
}
