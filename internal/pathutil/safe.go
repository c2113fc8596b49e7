package pathutil

import "strings"

// SafeName turns a chat id such as "tg:-100123" into a token usable in
// file names and container names. Anything outside [A-Za-z0-9_.-] becomes '_'.
func SafeName(id string) string {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return "_"
	}
	var b strings.Builder
	b.Grow(len(trimmed))
	for _, r := range trimmed {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if out == "." || out == ".." {
		return strings.Repeat("_", len(out))
	}
	return out
}
