package process

import (
	"errors"
	"fmt"
)

var (
	// ErrSpawn reports that the executable could not be launched.
	ErrSpawn = errors.New("spawn failed")
	// ErrStreamRead reports an I/O failure on the child's diagnostic stream.
	ErrStreamRead = errors.New("diagnostic stream read failed")
)

// SpawnError is returned by Spawn when the child could not be started.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string { return fmt.Sprintf("spawn %s: %v", e.Path, e.Err) }

func (e *SpawnError) Unwrap() error { return e.Err }

func (e *SpawnError) Is(target error) bool { return target == ErrSpawn }

// StreamReadError is yielded by Lines when reading stderr fails mid-run.
type StreamReadError struct {
	PID int
	Err error
}

func (e *StreamReadError) Error() string {
	return fmt.Sprintf("read stderr of pid %d: %v", e.PID, e.Err)
}

func (e *StreamReadError) Unwrap() error { return e.Err }

func (e *StreamReadError) Is(target error) bool { return target == ErrStreamRead }
