// Package shell implements the terminal client: the session file, the
// command parser, the loopback OAuth callback and the interactive loop
// driving a view-model.
package shell

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/atinyakov/smartmark/internal/auth"
)

// SessionFile persists the client's auth state as JSON readable only by the
// current user.
type SessionFile struct {
	Path string
}

// NewSessionFile returns a persister writing to path.
func NewSessionFile(path string) *SessionFile {
	return &SessionFile{Path: path}
}

// Load reads the state. A missing file is an empty state.
func (f *SessionFile) Load(_ context.Context) (auth.State, error) {
	var st auth.State
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("read session file: %w", err)
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return auth.State{}, fmt.Errorf("decode session file: %w", err)
	}
	return st, nil
}

// Save writes st atomically. An empty state removes the file.
func (f *SessionFile) Save(_ context.Context, st auth.State) error {
	if st.Session == nil && st.Verifier == "" {
		if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove session file: %w", err)
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.Path), ".session-*")
	if err != nil {
		return fmt.Errorf("create session file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write session file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.Path)
}
