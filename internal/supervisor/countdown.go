package supervisor

import (
	"context"
	"log/slog"
	"time"
)

// Countdown sleeps for d, logging once per remaining whole second.
// It returns ctx.Err() as soon as ctx is done.
func Countdown(ctx context.Context, d time.Duration, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	t := time.NewTimer(0)
	if !t.Stop() {
		<-t.C
	}
	defer t.Stop()
	for remaining := d; remaining > 0; {
		log.Info("restarting", "in_seconds", int64((remaining+time.Second-1)/time.Second))
		step := min(remaining, time.Second)
		t.Reset(step)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
		remaining -= step
	}
	return nil
}
