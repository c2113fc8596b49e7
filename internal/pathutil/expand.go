package pathutil

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
)

// Expand resolves $VARS and a leading "~" in configured paths such as
// daemon.data_path and container.source_dir. Blank stays blank.
func Expand(path string) (string, error) {
	p := os.ExpandEnv(strings.TrimSpace(path))
	if p == "" {
		return "", nil
	}

	rest, tilde := strings.CutPrefix(p, "~")
	if tilde && (rest == "" || strings.HasPrefix(rest, "/")) {
		home, err := homeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		p = home + rest
	}
	return filepath.Clean(p), nil
}

// homeDir tries os.UserHomeDir, then the passwd entry, then $HOME, skipping
// any value that is itself still a "~" path.
func homeDir() (string, error) {
	var candidates []string
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, home)
	}
	if u, err := user.Current(); err == nil {
		candidates = append(candidates, u.HomeDir)
	}
	candidates = append(candidates, os.Getenv("HOME"))

	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if c != "" && !strings.HasPrefix(c, "~") {
			return c, nil
		}
	}
	return "", fmt.Errorf("HOME is not set or not resolved")
}
