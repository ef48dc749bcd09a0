// Package ingest hosts the event sources: the HTTP collector the tracking
// snippet posts to, and an optional Kafka consumer for batched pipelines.
// Sources decode and enrich payloads; validation and identity live in the
// engine.
package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/balaworkspace05/plausibleV2-ai/internal/model"
)

// SendNonBlocking offers the event to the pipeline channel without ever
// stalling the source. Returns false when the channel is full or the
// context is done.
func SendNonBlocking(ctx context.Context, out chan<- model.RawEvent, ev model.RawEvent, logger *slog.Logger) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	default:
		if logger != nil {
			logger.Warn("event channel full, dropping event", "project_id", ev.ProjectID, "source", ev.Source)
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
