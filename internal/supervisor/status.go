package supervisor

import (
	"fmt"
	"strings"
)

// Status is the terminal classification of one Run.
type Status int

const (
	Unknown Status = iota
	Crashed
	DbLocked
	Idled
	Clean
)

var statusNames = [...]string{
	Unknown:  "unknown",
	Crashed:  "crashed",
	DbLocked: "db_locked",
	Idled:    "idled",
	Clean:    "clean",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return statusNames[s]
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(v string) (Status, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	for i, n := range statusNames {
		if n == v {
			return Status(i), nil
		}
	}
	return Unknown, fmt.Errorf("unknown status %q", v)
}

// ExitPolicy decides the Status of a run whose stream closed without a fatal or idle signal.
type ExitPolicy string

const (
	ExitClean    ExitPolicy = "clean"     // always Clean
	ExitCrashed  ExitPolicy = "crashed"   // always Crashed
	ExitByStatus ExitPolicy = "exit_code" // Clean on exit code 0, Crashed otherwise
)

// Validate rejects unknown policies. The empty policy means ExitClean.
func (p ExitPolicy) Validate() error {
	switch p {
	case "", ExitClean, ExitCrashed, ExitByStatus:
		return nil
	}
	return fmt.Errorf("invalid exit status policy %q (want clean, crashed or exit_code)", string(p))
}

func (p ExitPolicy) resolve(exited bool, exitErr error) Status {
	switch p {
	case ExitCrashed:
		return Crashed
	case ExitByStatus:
		if exited && exitErr == nil {
			return Clean
		}
		return Crashed
	default:
		return Clean
	}
}
