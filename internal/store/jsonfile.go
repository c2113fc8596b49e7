package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	kagoerrors "github.com/harunnryd/kago/internal/errors"

	"github.com/natefinch/atomic"
)

// ReadJSON decodes path into v. A missing or empty file leaves v untouched and
// returns nil; undecodable content returns an error wrapping ErrStoreCorrupt.
func ReadJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w: %w", path, kagoerrors.ErrStoreCorrupt, err)
	}
	return nil
}

// WriteJSON rewrites path wholesale through a temp file and rename.
func WriteJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return atomic.WriteFile(path, bytes.NewReader(data))
}
