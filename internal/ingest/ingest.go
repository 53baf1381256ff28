package ingest

import (
	"context"
	"log/slog"
	"time"

	"rffleet/internal/model"
)

// SendNonBlocking hands an event to the pipeline channel without
// blocking the transport handler. A full channel drops the event,
// which is logged but never surfaced to the sender.
func SendNonBlocking(ctx context.Context, out chan<- model.Event, ev model.Event, logger *slog.Logger) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	default:
		if logger != nil {
			logger.Warn("event channel full, dropping event",
				"device", ev.DeviceSerial(), "event_type", ev.EventType())
		}
		return false
	}
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
