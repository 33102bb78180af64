package supervisor

import (
	"errors"
	"time"
)

// Default backoffs applied before the next run.
const (
	DefaultCrashedBackoff  = 10 * time.Second
	DefaultDbLockedBackoff = 10 * time.Second
	DefaultIdledBackoff    = 3 * time.Second
)

// ErrRestartLimit is returned by Loop.Run when Policy.MaxRestarts was exhausted.
var ErrRestartLimit = errors.New("restart limit reached")

// Policy maps a run's terminal Status to the delay before the next run.
// Clean and Unknown runs are never restarted.
type Policy struct {
	Crashed     time.Duration `mapstructure:"crashed"`
	DbLocked    time.Duration `mapstructure:"db_locked"`
	Idled       time.Duration `mapstructure:"idled"`
	MaxRestarts int           `mapstructure:"max_restarts"` // 0 = unbounded
}

func DefaultPolicy() Policy {
	return Policy{
		Crashed:  DefaultCrashedBackoff,
		DbLocked: DefaultDbLockedBackoff,
		Idled:    DefaultIdledBackoff,
	}
}

// Next returns the backoff for s and whether the loop should start another run.
func (p Policy) Next(s Status) (time.Duration, bool) {
	var d time.Duration
	switch s {
	case Crashed:
		d = p.Crashed
	case DbLocked:
		d = p.DbLocked
	case Idled:
		d = p.Idled
	default:
		return 0, false
	}
	return max(d, 0), true
}
