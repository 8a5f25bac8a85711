package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

var ErrClosed = errors.New("journal closed")

type Writer struct {
	path string

	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

func Open(path string) (*Writer, error) {
	if path == "" {
		return nil, errors.New("journal path is required")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &Writer{path: path, file: f, enc: json.NewEncoder(f)}, nil
}

func (w *Writer) Path() string { return w.path }

func (w *Writer) Append(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return ErrClosed
	}
	if err := w.enc.Encode(v); err != nil {
		return fmt.Errorf("append %s: %w", w.path, err)
	}
	return nil
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

type Discard struct{}

func (Discard) Append(any) error { return nil }
