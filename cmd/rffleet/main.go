package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"rffleet/internal/alerts"
	"rffleet/internal/api"
	"rffleet/internal/config"
	"rffleet/internal/dispatch"
	"rffleet/internal/gateway"
	"rffleet/internal/ingest"
	"rffleet/internal/logging"
	"rffleet/internal/normalize"
	"rffleet/internal/presence"
	"rffleet/internal/rules"
	"rffleet/internal/storage"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to config file (json or yaml)")
	flag.Parse()

	var mgr *config.Manager
	if *configPath != "" {
		var err error
		mgr, err = config.NewManager(config.ResolvePath(*configPath))
		if err != nil {
			fmt.Fprintln(os.Stderr, "config load failed:", err)
			os.Exit(2)
		}
	} else {
		mgr = config.NewStatic(config.DefaultConfig())
	}
	cfg := mgr.Get()

	logger := logging.NewLogger(cfg.LogLevel)
	logging.RouteMQTTClientLogs(logger)
	logger.Info("rffleet starting", "version", version, "config", mgr.Path())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		logger.Error("opening store failed", "err", err)
		os.Exit(1)
	}
	if err := store.Init(ctx); err != nil {
		logger.Error("store init failed", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	if cfg.SeedFile != "" {
		if err := applySeed(ctx, store, config.ResolvePath(cfg.SeedFile)); err != nil {
			logger.Error("seed load failed", "file", cfg.SeedFile, "err", err)
			os.Exit(1)
		}
		logger.Info("seed applied", "file", cfg.SeedFile)
	}

	stats := presence.NewStats(1024)
	alertsStore := alerts.NewStore(cfg.Alerts.StoreLimit)
	results := alerts.NewResultStore(cfg.Results.StoreLimit)

	tracker := presence.NewTracker(store, stats, logging.Component(logger, "presence"))
	engine := rules.NewEngine(store, alertsStore, logging.Component(logger, "rules"))

	defaultBroker := dispatch.BrokerParams{
		URL:      cfg.Ingest.MQTT.BrokerURL,
		Username: cfg.Ingest.MQTT.Username,
		Password: cfg.Ingest.MQTT.Password,
	}
	dispatchLog := logging.Component(logger, "dispatch")
	pool := dispatch.NewPool(dispatchLog, 10*time.Second)
	defer pool.Close()
	poster := dispatch.NewWebhookPoster(cfg.Gateway.Timeout)
	dispatcher := dispatch.NewDispatcher(pool, poster, store, results, defaultBroker, cfg.Gateway.Timeout, dispatchLog)

	gw := gateway.New(cfg.Gateway, store, results, logging.Component(logger, "gateway"))
	commander := gateway.NewCommander(gw, pool, defaultBroker)

	ingestLog := logging.Component(logger, "ingest")
	norm := normalize.New(store, cfg.Ingest.UnknownDevice, ingestLog)
	pipeline := ingest.NewPipeline(store, tracker, engine, dispatcher, cfg.Ingest.ChannelBuffer, cfg.Ingest.Workers, ingestLog)
	pipeline.Start(ctx)

	ingest.StartWebhook(ctx, mgr, norm, pipeline, ingestLog)
	if _, err := ingest.StartMQTT(ctx, mgr, store, norm, pipeline, commander, ingestLog); err != nil {
		logger.Error("mqtt ingest failed to start", "err", err)
		os.Exit(1)
	}
	ingest.StartKafka(ctx, mgr, norm, pipeline, ingestLog)
	api.Start(ctx, mgr, store, stats, alertsStore, results, tracker, logger, version)

	scheduler := cron.New()
	_, err = scheduler.AddFunc(fmt.Sprintf("@every %s", cfg.Presence.SweepInterval), func() {
		departures, err := tracker.Sweep(ctx, time.Now().UTC())
		if err != nil {
			if err != presence.ErrSweepRunning {
				logger.Error("scheduled sweep failed", "err", err)
			}
			return
		}
		if len(departures) > 0 {
			logger.Info("scheduled sweep closed traces", "departures", len(departures))
		}
	})
	if err != nil {
		logger.Error("scheduling sweep failed", "err", err)
		os.Exit(1)
	}
	scheduler.Start()

	if mgr.Path() != "" {
		go mgr.Watch(3*time.Second,
			func(next *config.Config) {
				logger.Info("configuration reloaded", "path", mgr.Path(), "log_level", next.LogLevel)
			},
			func(err error) {
				logger.Warn("configuration reload failed", "err", err)
			},
			ctx.Done())
	}

	<-ctx.Done()
	logger.Info("shutting down")
	sctx := scheduler.Stop()
	<-sctx.Done()
	pipeline.Stop()
	logger.Info("shutdown complete")
}

func applySeed(ctx context.Context, store storage.Store, path string) error {
	seed, err := config.LoadSeed(path)
	if err != nil {
		return err
	}
	devices, readPoints, seededRules := seed.Materialize()
	for _, d := range devices {
		if err := store.UpsertDevice(ctx, d); err != nil {
			return fmt.Errorf("seeding device %s: %w", d.SerialNumber, err)
		}
	}
	for _, rp := range readPoints {
		if _, err := store.UpsertReadPoint(ctx, rp); err != nil {
			return fmt.Errorf("seeding read point %s: %w", rp.Name, err)
		}
	}
	for _, r := range seededRules {
		if _, err := store.UpsertRule(ctx, r); err != nil {
			return fmt.Errorf("seeding rule %s: %w", r.Name, err)
		}
	}
	return nil
}
