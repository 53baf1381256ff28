package ingest

import (
	"context"
	"errors"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"rffleet/internal/config"
	"rffleet/internal/normalize"
)

// StartKafka consumes webhook-format event batches from a Kafka topic.
// Sites that front their readers with a broker publish the same JSON
// arrays the webhook endpoint receives.
func StartKafka(ctx context.Context, cfg *config.Manager, norm *normalize.Normalizer, pipeline *Pipeline, logger *slog.Logger) {
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
			events, err := norm.WebhookBatch(ctx, m.Value)
			if err != nil {
				if errors.Is(err, normalize.ErrKeepalive) {
					continue
				}
				if logger != nil {
					logger.Warn("kafka message rejected", "err", err, "offset", m.Offset)
				}
				continue
			}
			for _, ev := range events {
				pipeline.Submit(ctx, ev)
			}
		}
	}()
}
