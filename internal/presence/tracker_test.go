package presence

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"rffleet/internal/model"
	"rffleet/internal/storage"
)

func newTrackerForTest(t *testing.T, timeoutSeconds int) (*Tracker, storage.Store, model.ReadPoint) {
	t.Helper()
	store := storage.NewMemory()
	ctx := context.Background()
	if err := store.UpsertDevice(ctx, model.Device{SerialNumber: "reader-01"}); err != nil {
		t.Fatalf("seed device: %v", err)
	}
	rp, err := store.UpsertReadPoint(ctx, model.ReadPoint{
		Name:           "dock-door",
		DeviceSerials:  []string{"reader-01"},
		TimeoutSeconds: timeoutSeconds,
	})
	if err != nil {
		t.Fatalf("seed read point: %v", err)
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewTracker(store, NewStats(10), log), store, rp
}

func tagReadAt(at time.Time) *model.TagRead {
	return &model.TagRead{
		Meta: model.Meta{Serial: "reader-01", At: at},
		EPC:  "300833B2DDD9",
	}
}

func TestSightingWithinTimeoutExtendsInterval(t *testing.T) {
	tr, store, rp := newTrackerForTest(t, 30)
	ctx := context.Background()
	base := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)

	if _, err := tr.RecordSighting(ctx, tagReadAt(base)); err != nil {
		t.Fatalf("first sighting: %v", err)
	}
	second := base.Add(29 * time.Second)
	if _, err := tr.RecordSighting(ctx, tagReadAt(second)); err != nil {
		t.Fatalf("second sighting: %v", err)
	}

	open, err := store.ListOpenTraces(ctx)
	if err != nil {
		t.Fatalf("list open: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("expected 1 open trace, got %d", len(open))
	}
	if !open[0].LastSeen.Equal(second) {
		t.Fatalf("last_seen = %v, want %v", open[0].LastSeen, second)
	}
	if !open[0].ArrivedAt.Equal(base) {
		t.Fatalf("arrived_at = %v, want %v", open[0].ArrivedAt, base)
	}
	_ = rp
}

func TestSweepClosesTimedOutTrace(t *testing.T) {
	tr, store, rp := newTrackerForTest(t, 30)
	ctx := context.Background()
	base := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)

	if _, err := tr.RecordSighting(ctx, tagReadAt(base)); err != nil {
		t.Fatalf("sighting: %v", err)
	}
	deps, err := tr.Sweep(ctx, base.Add(31*time.Second))
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(deps) != 1 {
		t.Fatalf("expected 1 departure, got %d", len(deps))
	}
	wantDeparted := base.Add(30 * time.Second)
	if deps[0].Trace.DepartedAt == nil || !deps[0].Trace.DepartedAt.Equal(wantDeparted) {
		t.Fatalf("departed_at = %v, want %v", deps[0].Trace.DepartedAt, wantDeparted)
	}
	if deps[0].ReadPoint.ID != rp.ID {
		t.Fatalf("wrong read point")
	}
	open, _ := store.ListOpenTraces(ctx)
	if len(open) != 0 {
		t.Fatalf("trace still open after sweep")
	}

	// Same instant again: no duplicate departures.
	deps, err = tr.Sweep(ctx, base.Add(31*time.Second))
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if len(deps) != 0 {
		t.Fatalf("sweep not idempotent, got %d departures", len(deps))
	}
}

func TestSightingAfterDepartureOpensNewInterval(t *testing.T) {
	tr, store, _ := newTrackerForTest(t, 30)
	ctx := context.Background()
	base := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)

	if _, err := tr.RecordSighting(ctx, tagReadAt(base)); err != nil {
		t.Fatalf("sighting: %v", err)
	}
	if _, err := tr.Sweep(ctx, base.Add(31*time.Second)); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if _, err := tr.RecordSighting(ctx, tagReadAt(base.Add(40*time.Second))); err != nil {
		t.Fatalf("resighting: %v", err)
	}

	// Two distinct rows for the same key, one closed and one open.
	open, _ := store.ListOpenTraces(ctx)
	if len(open) != 1 {
		t.Fatalf("expected 1 open trace, got %d", len(open))
	}
	if !open[0].ArrivedAt.Equal(base.Add(40 * time.Second)) {
		t.Fatalf("new interval should start at resighting time")
	}
	if open[0].ID == 1 {
		t.Fatalf("expected a fresh row, not a resurrected one")
	}
}

func TestLateSightingClosesAndReopensInline(t *testing.T) {
	tr, store, _ := newTrackerForTest(t, 30)
	ctx := context.Background()
	base := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)

	if _, err := tr.RecordSighting(ctx, tagReadAt(base)); err != nil {
		t.Fatalf("sighting: %v", err)
	}
	deps, err := tr.RecordSighting(ctx, tagReadAt(base.Add(100*time.Second)))
	if err != nil {
		t.Fatalf("late sighting: %v", err)
	}
	if len(deps) != 1 {
		t.Fatalf("expected inline departure, got %d", len(deps))
	}
	if !deps[0].Trace.DepartedAt.Equal(base.Add(30 * time.Second)) {
		t.Fatalf("departed_at = %v", deps[0].Trace.DepartedAt)
	}
	open, _ := store.ListOpenTraces(ctx)
	if len(open) != 1 || !open[0].ArrivedAt.Equal(base.Add(100*time.Second)) {
		t.Fatalf("expected new open interval at late sighting time")
	}
}

func TestConcurrentSightingsSingleOpenRow(t *testing.T) {
	tr, store, _ := newTrackerForTest(t, 300)
	ctx := context.Background()
	base := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = tr.RecordSighting(ctx, tagReadAt(base.Add(time.Duration(i)*time.Millisecond)))
		}(i)
	}
	wg.Wait()

	open, err := store.ListOpenTraces(ctx)
	if err != nil {
		t.Fatalf("list open: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("invariant violated: %d open rows for one key", len(open))
	}
}

func TestStatsCounters(t *testing.T) {
	tr, _, rp := newTrackerForTest(t, 30)
	ctx := context.Background()
	base := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)

	if _, err := tr.RecordSighting(ctx, tagReadAt(base)); err != nil {
		t.Fatalf("sighting: %v", err)
	}
	if _, err := tr.Sweep(ctx, base.Add(31*time.Second)); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	snap, ok := tr.stats.Get(rp.ID)
	if !ok {
		t.Fatalf("no snapshot")
	}
	if snap.Arrivals != 1 || snap.Departures != 1 || snap.Present != 0 {
		t.Fatalf("snapshot = %+v", snap)
	}
}
