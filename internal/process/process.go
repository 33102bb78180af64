package process

import (
	"bufio"
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"os"
	"sync"
	"time"
)

// MaxLineBytes is the longest diagnostic line Lines accepts before failing the stream.
const MaxLineBytes = 1 << 20

// Self identifies the supervisor process. It is captured once at startup and handed to Spawn
// so teardown never signals the supervisor itself.
type Self struct {
	PID  int
	PGID int
}

// CurrentSelf returns the identity of the running supervisor.
func CurrentSelf() Self {
	return Self{PID: os.Getpid(), PGID: currentPGID()}
}

// Process is one spawned child together with its captured stderr stream.
// A Process belongs to exactly one run and is not reusable.
type Process struct {
	spec      Spec
	self      Self
	log       *slog.Logger
	pid       int
	pgid      int
	ownGroup  bool
	startedAt time.Time
	startMark int64 // child start time in ms as reported by the OS, 0 if unknown

	stderr    *os.File
	closeOnce sync.Once
	linesOnce sync.Once

	waitDone chan struct{} // closed by the reaper goroutine when cmd.Wait returns
	waitErr  error

	mu         sync.Mutex
	terminated bool
}

// Spawn launches spec with stdout discarded and stderr captured for Lines.
// A launch failure is returned as *SpawnError.
func Spawn(spec Spec, self Self, log *slog.Logger) (*Process, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := spec.Validate(); err != nil {
		return nil, &SpawnError{Path: spec.Path, Err: err}
	}
	cmd := spec.BuildCommand()
	configureSysProcAttr(cmd, spec)

	// A plain pipe instead of cmd.StderrPipe: Wait must not close the read side while the
	// reader is still draining lines, and descendants may keep the write side open.
	r, w, err := os.Pipe()
	if err != nil {
		return nil, &SpawnError{Path: spec.Path, Err: err}
	}
	cmd.Stdout = nil // null device
	cmd.Stderr = w

	startedAt := time.Now()
	if err := cmd.Start(); err != nil {
		_ = r.Close()
		_ = w.Close()
		return nil, &SpawnError{Path: spec.Path, Err: err}
	}
	_ = w.Close()

	p := &Process{
		spec:      spec,
		self:      self,
		log:       log.With("pid", cmd.Process.Pid),
		pid:       cmd.Process.Pid,
		ownGroup:  !spec.SharedGroup && groupsSupported,
		startedAt: startedAt,
		stderr:    r,
		waitDone:  make(chan struct{}),
	}
	p.startMark = getProcStartMillis(p.pid)
	if p.ownGroup {
		p.pgid = p.pid
	} else {
		p.pgid = self.PGID
	}

	go func() {
		p.waitErr = cmd.Wait()
		close(p.waitDone)
	}()

	if spec.PIDFile != "" {
		if err := WritePIDFile(spec.PIDFile, p.pid, spec); err != nil {
			p.log.Warn("write pid file", "path", spec.PIDFile, "error", err)
		}
	}
	p.log.Debug("spawned child", "path", spec.Path, "pgid", p.pgid, "own_group", p.ownGroup)
	return p, nil
}

func (p *Process) PID() int             { return p.pid }
func (p *Process) PGID() int            { return p.pgid }
func (p *Process) StartedAt() time.Time { return p.startedAt }
func (p *Process) Spec() Spec           { return p.spec }

// Done is closed once the child has been reaped.
func (p *Process) Done() <-chan struct{} { return p.waitDone }

// Exited reports whether the child has been reaped.
func (p *Process) Exited() bool {
	select {
	case <-p.waitDone:
		return true
	default:
		return false
	}
}

// ExitErr returns the result of cmd.Wait. It is nil until Done is closed.
func (p *Process) ExitErr() error {
	if !p.Exited() {
		return nil
	}
	return p.waitErr
}

// Lines yields the child's stderr line by line. The sequence ends at EOF, when ctx is done,
// or when Terminate closes the stream. Any other read failure is yielded once as a
// *StreamReadError and ends the sequence. Lines may be ranged over only once.
func (p *Process) Lines(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		first := false
		p.linesOnce.Do(func() { first = true })
		if !first {
			return
		}
		sc := bufio.NewScanner(p.stderr)
		sc.Buffer(make([]byte, 0, 64*1024), MaxLineBytes)
		for sc.Scan() {
			if ctx.Err() != nil {
				return
			}
			if !yield(sc.Text(), nil) {
				return
			}
		}
		err := sc.Err()
		if err == nil || errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
			return
		}
		yield("", &StreamReadError{PID: p.pid, Err: err})
	}
}

// Terminate kills the child and every other live process in its tree, reaps the child and
// releases the stream. It is safe to call more than once and on an already-exited child;
// signals to vanished processes are not errors.
func (p *Process) Terminate() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.terminated {
		return nil
	}
	p.terminated = true

	// The group id cannot be reused while the unreaped child still holds it.
	childHeld := !p.Exited()
	members := treeMembers(p.pid, p.pgid, p.self.PID, p.startMark, childHeld, p.log)
	if p.ownGroup && childHeld {
		if err := killGroup(p.pgid); err != nil {
			p.log.Debug("kill group", "pgid", p.pgid, "error", err)
		}
	}
	if childHeld {
		if err := killPID(p.pid); err != nil {
			p.log.Debug("kill child", "error", err)
		}
	}
	for _, pid := range members {
		if pid == p.self.PID {
			continue
		}
		if err := killPID(pid); err != nil {
			p.log.Debug("kill member", "member", pid, "error", err)
		}
	}
	if len(members) > 0 {
		p.log.Debug("killed process tree", "members", members)
	}

	grace := p.spec.killGrace()
	t := time.NewTimer(grace)
	select {
	case <-p.waitDone:
		t.Stop()
	case <-t.C:
		p.log.Warn("child not reaped after SIGKILL", "grace", grace)
	}
	p.closeStream()
	if p.spec.PIDFile != "" {
		RemovePIDFile(p.spec.PIDFile)
	}
	return nil
}

func (p *Process) closeStream() {
	p.closeOnce.Do(func() { _ = p.stderr.Close() })
}

// Wait blocks until the child has been reaped and returns its exit error.
func (p *Process) Wait() error {
	<-p.waitDone
	return p.waitErr
}
