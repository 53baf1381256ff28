package ingest

import (
	"context"
	"log/slog"
	"sync"

	"rffleet/internal/dispatch"
	"rffleet/internal/model"
	"rffleet/internal/presence"
	"rffleet/internal/rules"
	"rffleet/internal/storage"
)

// Pipeline runs the post-normalization stages on a worker pool. The
// transport handlers stay fast: they normalize and submit, while
// persistence, presence tracking, rule evaluation and action dispatch
// happen here.
type Pipeline struct {
	store      storage.Store
	tracker    *presence.Tracker
	engine     *rules.Engine
	dispatcher *dispatch.Dispatcher
	log        *slog.Logger

	ch      chan model.Event
	workers int
	wg      sync.WaitGroup
}

func NewPipeline(store storage.Store, tracker *presence.Tracker, engine *rules.Engine, dispatcher *dispatch.Dispatcher, buffer, workers int, log *slog.Logger) *Pipeline {
	if buffer <= 0 {
		buffer = 10000
	}
	if workers <= 0 {
		workers = 4
	}
	return &Pipeline{
		store:      store,
		tracker:    tracker,
		engine:     engine,
		dispatcher: dispatcher,
		log:        log,
		ch:         make(chan model.Event, buffer),
		workers:    workers,
	}
}

// Start launches the workers. They drain the channel until it is
// closed by Stop, so in-flight events are processed during shutdown.
func (p *Pipeline) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for ev := range p.ch {
				p.process(ctx, ev)
			}
		}()
	}
	p.log.Info("pipeline started", "workers", p.workers, "buffer", cap(p.ch))
}

// Submit enqueues one normalized event, dropping it if the buffer is
// full.
func (p *Pipeline) Submit(ctx context.Context, ev model.Event) bool {
	return SendNonBlocking(ctx, p.ch, ev, p.log)
}

// Stop closes the intake and waits for the workers to drain.
func (p *Pipeline) Stop() {
	close(p.ch)
	p.wg.Wait()
}

func (p *Pipeline) process(ctx context.Context, ev model.Event) {
	seq, err := p.store.SaveEvent(ctx, ev)
	if err != nil {
		p.log.Error("persisting event failed",
			"device", ev.DeviceSerial(), "event_type", ev.EventType(), "error", err)
		return
	}
	if s, ok := ev.(interface{ SetSequence(int64) }); ok {
		s.SetSequence(seq)
	}

	if tr, ok := ev.(*model.TagRead); ok {
		departures, err := p.tracker.RecordSighting(ctx, tr)
		if err != nil {
			p.log.Error("presence tracking failed", "epc", tr.EPC, "error", err)
		}
		for _, dep := range departures {
			p.log.Info("tag departed",
				"epc", dep.Trace.EPC, "read_point", dep.ReadPoint.Name, "departed_at", dep.Trace.DepartedAt)
		}
	}

	triggered, err := p.engine.Evaluate(ctx, ev)
	if err != nil {
		p.log.Error("rule evaluation failed",
			"device", ev.DeviceSerial(), "event_type", ev.EventType(), "error", err)
		return
	}
	for _, trig := range triggered {
		p.dispatcher.Dispatch(ctx, trig.Alert, trig.Rule.Actions)
	}
}
