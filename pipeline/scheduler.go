package pipeline

import (
	"context"
	"time"

	"github.com/eddielth/eds-sync/logger"
)

// NextTick returns the first instant after now that is a multiple of
// interval plus offset. An offset of a whole interval or more wraps around.
func NextTick(now time.Time, interval, offset time.Duration) time.Time {
	if interval <= 0 {
		return now
	}
	offset %= interval
	if offset < 0 {
		offset += interval
	}
	next := now.Truncate(interval).Add(offset)
	for !next.After(now) {
		next = next.Add(interval)
	}
	return next
}

// Run calls fn once immediately, then at every interval boundary (shifted by
// offset) and whenever trigger fires, until ctx is done. Calls never overlap:
// a long cycle delays the next one, and boundaries missed meanwhile are
// skipped. trigger may be nil.
func Run(ctx context.Context, interval, offset time.Duration, trigger <-chan struct{}, fn func(context.Context)) error {
	if interval <= 0 {
		interval = time.Hour
	}

	for {
		fn(ctx)
		if ctx.Err() != nil {
			return nil
		}

		next := NextTick(time.Now(), interval, offset)
		logger.Info("next sync cycle at %s", next.Format(time.RFC3339))

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		case <-trigger:
			timer.Stop()
			logger.Info("sync cycle triggered")
		}
	}
}
