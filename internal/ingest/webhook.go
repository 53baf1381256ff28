package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"rffleet/internal/config"
	"rffleet/internal/normalize"
)

// StartWebhook serves the readers' HTTP POST endpoint. The contract is
// asynchronous best-effort: the handler acknowledges fast and never
// returns a 5xx for bad payloads, which would make readers re-deliver
// junk forever.
func StartWebhook(ctx context.Context, cfg *config.Manager, norm *normalize.Normalizer, pipeline *Pipeline, logger *slog.Logger) *http.Server {
	current := cfg.Get().Ingest.Webhook
	if !current.Enabled {
		if logger != nil {
			logger.Info("webhook ingest disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("webhook ingest enabled", "addr", current.Addr)
	}

	h := &webhookHandler{norm: norm, pipeline: pipeline, logger: logger}
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", h.handle)
	mux.HandleFunc("/", h.handle)

	httpServer := &http.Server{Addr: current.Addr, Handler: mux}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("webhook server error", "err", err)
			}
		}
	}()
	return httpServer
}

type webhookHandler struct {
	norm     *normalize.Normalizer
	pipeline *Pipeline
	logger   *slog.Logger
}

func (h *webhookHandler) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 10<<20))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	events, err := h.norm.WebhookBatch(r.Context(), body)
	switch {
	case errors.Is(err, normalize.ErrKeepalive):
		w.WriteHeader(http.StatusNoContent)
		return
	case err != nil:
		// Malformed payloads are acknowledged and logged, never 5xx.
		h.logger.Warn("malformed webhook payload", "err", err, "bytes", len(body))
		writeStatus(w, http.StatusOK, "ignored")
		return
	}

	accepted := 0
	for _, ev := range events {
		if h.pipeline.Submit(r.Context(), ev) {
			accepted++
		}
	}
	writeStatus(w, http.StatusOK, "accepted")
	if accepted < len(events) {
		h.logger.Warn("webhook events dropped under backpressure",
			"received", len(events), "accepted", accepted)
	}
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
}
