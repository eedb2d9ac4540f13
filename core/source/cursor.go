package source

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// CursorStore persists the polling offset across restarts.
type CursorStore interface {
	Load() (int64, error)
	Save(offset int64) error
}

type cursorFile struct {
	Offset int64 `json:"offset"`
}

// FileCursor keeps the offset in a small JSON file.
type FileCursor struct {
	path string
}

func NewFileCursor(path string) *FileCursor {
	return &FileCursor{path: path}
}

func (c *FileCursor) Path() string {
	return c.path
}

// Load returns the saved offset, or 0 when nothing was saved yet.
func (c *FileCursor) Load() (int64, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("read cursor file: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return 0, nil
	}

	var cf cursorFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return 0, fmt.Errorf("parse cursor file: %w", err)
	}
	return cf.Offset, nil
}

// Save writes the offset through a temp file and rename.
func (c *FileCursor) Save(offset int64) (retErr error) {
	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create cursor dir: %w", err)
	}

	tmp := c.path + ".tmp"
	defer func() {
		if retErr != nil {
			_ = os.Remove(tmp)
		}
	}()

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open temp cursor file: %w", err)
	}

	if err := json.NewEncoder(f).Encode(cursorFile{Offset: offset}); err != nil {
		_ = f.Close()
		return fmt.Errorf("write temp cursor file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("fsync temp cursor file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp cursor file: %w", err)
	}

	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("rename temp cursor file: %w", err)
	}
	return nil
}
