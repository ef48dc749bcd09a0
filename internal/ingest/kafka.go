package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/balaworkspace05/plausibleV2-ai/internal/config"
	"github.com/balaworkspace05/plausibleV2-ai/internal/model"
)

// StartKafka consumes tracking payloads from a topic, one JSON object per
// message. Undecodable messages are skipped; field validation happens in
// the engine like every other source.
func StartKafka(ctx context.Context, cfg *config.Manager, out chan<- model.RawEvent, logger *slog.Logger) {
	current := cfg.Get().Ingest.Kafka
	if !current.Enabled {
		if logger != nil {
			logger.Info("kafka ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("kafka ingest enabled", "brokers", current.Brokers, "topic", current.Topic, "group_id", current.GroupID)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  current.Brokers,
		Topic:    current.Topic,
		GroupID:  current.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	go func() {
		defer reader.Close()
		for {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if logger != nil {
					logger.Warn("kafka read error", "err", err)
				}
				continue
			}
			ev, err := ParsePayloadBytes(m.Value)
			if err != nil || ev == nil {
				if logger != nil {
					logger.Warn("kafka payload decode error", "err", err)
				}
				continue
			}
			ev.Source = "kafka"
			if !SendNonBlocking(ctx, out, *ev, logger) {
				// Channel full: pause instead of hot-dropping the backlog.
				if !BackoffSleep(ctx, 200*time.Millisecond) {
					return
				}
			}
		}
	}()
}
