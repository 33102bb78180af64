package classify

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

// Default patterns for a substrate-style node log.
const (
	DefaultProgressPattern = `.+?best.+?#(\d+)`
	DefaultFatalPattern    = `db/LOCK`
)

// Kind is the classification of a single line.
type Kind int

const (
	NoSignal Kind = iota
	Progress
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Progress:
		return "progress"
	case Fatal:
		return "fatal"
	default:
		return "none"
	}
}

// FatalKind names the fatal condition a line reported.
type FatalKind int

const (
	FatalNone FatalKind = iota
	FatalDbLocked
)

func (f FatalKind) String() string {
	if f == FatalDbLocked {
		return "db_locked"
	}
	return "none"
}

// Signal is the result of classifying one line.
// Value is set whenever the progress pattern matched and parsed, even when Kind is Fatal.
type Signal struct {
	Kind     Kind
	Value    uint64
	HasValue bool
	Fatal    FatalKind
}

// Patterns holds the raw regular expressions used by a Classifier.
type Patterns struct {
	Progress string `json:"progress" mapstructure:"progress_pattern"`
	Fatal    string `json:"fatal" mapstructure:"fatal_pattern"`
}

// DefaultPatterns returns the built-in progress and DB-lock patterns.
func DefaultPatterns() Patterns {
	return Patterns{Progress: DefaultProgressPattern, Fatal: DefaultFatalPattern}
}

// Classifier maps log lines to signals. It is immutable and safe for concurrent use.
type Classifier struct {
	progress *regexp.Regexp
	fatal    *regexp.Regexp
}

// New compiles p. Empty fields fall back to the defaults.
// The progress pattern must contain at least one capture group holding the number.
func New(p Patterns) (*Classifier, error) {
	if p.Progress == "" {
		p.Progress = DefaultProgressPattern
	}
	if p.Fatal == "" {
		p.Fatal = DefaultFatalPattern
	}
	progress, err := regexp.Compile(p.Progress)
	if err != nil {
		return nil, fmt.Errorf("compile progress pattern: %w", err)
	}
	if progress.NumSubexp() < 1 {
		return nil, errors.New("progress pattern needs a capture group for the number")
	}
	fatal, err := regexp.Compile(p.Fatal)
	if err != nil {
		return nil, fmt.Errorf("compile fatal pattern: %w", err)
	}
	return &Classifier{progress: progress, fatal: fatal}, nil
}

// MustNew is like New but panics on error. Intended for package-level defaults and tests.
func MustNew(p Patterns) *Classifier {
	c, err := New(p)
	if err != nil {
		panic(err)
	}
	return c
}

// Classify inspects one line. The two patterns are checked independently; a fatal match
// takes precedence in Kind since it ends the run.
func (c *Classifier) Classify(line string) Signal {
	var sig Signal
	if m := c.progress.FindStringSubmatch(line); m != nil {
		if v, err := strconv.ParseUint(m[1], 10, 64); err == nil {
			sig.Kind = Progress
			sig.Value = v
			sig.HasValue = true
		}
	}
	if c.fatal.MatchString(line) {
		sig.Kind = Fatal
		sig.Fatal = FatalDbLocked
	}
	return sig
}

// ProgressMatched reports whether line matched the progress pattern but its number could not be
// parsed. Callers use it to emit trace-level diagnostics only.
func (c *Classifier) ProgressMatched(line string) bool {
	return c.progress.MatchString(line)
}
