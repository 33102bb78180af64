package logger

import (
	"errors"
	"io"
	"sync"
)

// Mirror copies child output lines to the console and, optionally, to a rotated file.
type Mirror struct {
	mu      sync.Mutex
	console io.Writer
	file    io.WriteCloser
}

// NewMirror returns a Mirror writing to console (nil discards) and to file when configured.
func NewMirror(console io.Writer, file FileConfig) *Mirror {
	if console == nil {
		console = io.Discard
	}
	return &Mirror{console: console, file: file.Writer()}
}

// Write writes p to every destination. A file failure does not stop the console copy.
func (m *Mirror) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, err := m.console.Write(p)
	if m.file != nil {
		if _, ferr := m.file.Write(p); ferr != nil {
			err = errors.Join(err, ferr)
		}
	}
	return n, err
}

func (m *Mirror) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return nil
	}
	err := m.file.Close()
	m.file = nil
	return err
}
