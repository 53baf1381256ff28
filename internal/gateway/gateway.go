package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"rffleet/internal/alerts"
	"rffleet/internal/config"
	"rffleet/internal/storage"

	"rffleet/internal/model"
)

// Gateway pushes configuration and commands to physical readers and
// records one audit row per delivery attempt.
type Gateway struct {
	client  *Client
	store   storage.Store
	results *alerts.ResultStore
	log     *slog.Logger

	attempts int
	backoff  time.Duration
	maxWait  time.Duration
}

func New(cfg config.GatewayConfig, store storage.Store, results *alerts.ResultStore, log *slog.Logger) *Gateway {
	attempts := cfg.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	return &Gateway{
		client:   NewClient(cfg.Timeout),
		store:    store,
		results:  results,
		log:      log,
		attempts: attempts,
		backoff:  cfg.RetryBackoff,
		maxWait:  cfg.MaxBackoff,
	}
}

func (g *Gateway) Client() *Client { return g.client }

// PushConfiguration writes a preset to the reader once and records the
// outcome. The caller owns retry policy for this path.
func (g *Gateway) PushConfiguration(ctx context.Context, dev model.Device, presetID string, payload []byte) error {
	err := g.client.putConfiguration(ctx, dev, presetID, payload)
	g.record(ctx, dev, presetID, nil, 1, false, err)
	return err
}

// PushConfigurationAsync retries the push in the background with
// exponential backoff, up to the configured attempt limit. Each
// attempt writes its own audit row carrying the returned job ID.
func (g *Gateway) PushConfigurationAsync(ctx context.Context, dev model.Device, presetID string, payload []byte) uuid.UUID {
	jobID := uuid.New()
	go g.runPush(ctx, jobID, dev, presetID, payload)
	return jobID
}

func (g *Gateway) runPush(ctx context.Context, jobID uuid.UUID, dev model.Device, presetID string, payload []byte) {
	wait := g.backoff
	for attempt := 1; attempt <= g.attempts; attempt++ {
		err := g.client.putConfiguration(ctx, dev, presetID, payload)
		retry := err != nil && attempt < g.attempts
		g.record(ctx, dev, presetID, &jobID, attempt, retry, err)
		if err == nil {
			g.log.Info("configuration pushed",
				"device", dev.SerialNumber, "preset", presetID, "job", jobID, "attempt", attempt)
			return
		}
		g.log.Warn("configuration push failed",
			"device", dev.SerialNumber, "preset", presetID, "job", jobID, "attempt", attempt, "error", err)
		if !retry {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		wait *= 2
		if g.maxWait > 0 && wait > g.maxWait {
			wait = g.maxWait
		}
	}
}

func (g *Gateway) record(ctx context.Context, dev model.Device, presetID string, jobID *uuid.UUID, attempt int, retry bool, err error) {
	result := model.ActionResult{
		Kind:         "config_push",
		Target:       presetID,
		DeviceSerial: dev.SerialNumber,
		Success:      err == nil,
		Attempt:      attempt,
		Retry:        retry,
		Timestamp:    time.Now().UTC(),
		JobID:        jobID,
	}
	if err != nil {
		result.Message = err.Error()
	}
	if saveErr := g.store.SaveActionResult(ctx, result); saveErr != nil {
		g.log.Error("persisting push result failed", "error", saveErr)
	}
	if g.results != nil {
		g.results.Add(result)
	}
}
