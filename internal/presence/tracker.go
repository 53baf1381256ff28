package presence

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"rffleet/internal/model"
	"rffleet/internal/storage"
)

const lockStripes = 64

// Departure reports one presence interval closed by a sweep or by a
// late sighting.
type Departure struct {
	Trace     model.TagTrace
	ReadPoint model.ReadPoint
}

// Tracker maintains the per-(EPC, read point) arrival and departure
// state machine. Transitions for the same key are serialized through a
// striped lock; different keys proceed independently.
type Tracker struct {
	store storage.Store
	stats *Stats
	log   *slog.Logger

	locks   [lockStripes]sync.Mutex
	sweepMu sync.Mutex
}

func NewTracker(store storage.Store, stats *Stats, log *slog.Logger) *Tracker {
	return &Tracker{store: store, stats: stats, log: log}
}

func (t *Tracker) lockFor(epc string, readPointID int64) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(epc))
	h.Write([]byte(strconv.FormatInt(readPointID, 10)))
	return &t.locks[h.Sum32()%lockStripes]
}

// RecordSighting applies one tag read to every read point served by
// the originating device. Returns the departures implied by gaps
// larger than the read point timeout.
func (t *Tracker) RecordSighting(ctx context.Context, tr *model.TagRead) ([]Departure, error) {
	points, err := t.store.ReadPointsForDevice(ctx, tr.DeviceSerial())
	if err != nil {
		return nil, fmt.Errorf("read points for %s: %w", tr.DeviceSerial(), err)
	}
	var departures []Departure
	for _, rp := range points {
		dep, err := t.sightAt(ctx, tr.EPC, rp, tr.OccurredAt())
		if err != nil {
			t.log.Error("presence update failed", "epc", tr.EPC, "read_point", rp.Name, "error", err)
			continue
		}
		if dep != nil {
			departures = append(departures, *dep)
		}
	}
	return departures, nil
}

func (t *Tracker) sightAt(ctx context.Context, epc string, rp model.ReadPoint, seenAt time.Time) (*Departure, error) {
	mu := t.lockFor(epc, rp.ID)
	mu.Lock()
	defer mu.Unlock()

	timeout := time.Duration(rp.TimeoutSeconds) * time.Second
	cur, err := t.store.OpenTrace(ctx, epc, rp.ID)
	if errors.Is(err, storage.ErrNotFound) {
		_, err := t.store.CreateTrace(ctx, model.TagTrace{
			EPC:         epc,
			ReadPointID: rp.ID,
			ArrivedAt:   seenAt,
			LastSeen:    seenAt,
		})
		if err == nil {
			t.stats.Arrived(rp)
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	if seenAt.Sub(cur.LastSeen) <= timeout {
		return nil, t.store.TouchTrace(ctx, cur.ID, seenAt)
	}

	// The gap exceeds the timeout: the old interval ended at
	// last_seen + timeout and this sighting opens a fresh one.
	departedAt := cur.LastSeen.Add(timeout)
	if err := t.store.CloseTrace(ctx, cur.ID, departedAt); err != nil {
		return nil, err
	}
	cur.DepartedAt = &departedAt
	t.stats.Departed(rp)
	if _, err := t.store.CreateTrace(ctx, model.TagTrace{
		EPC:         epc,
		ReadPointID: rp.ID,
		ArrivedAt:   seenAt,
		LastSeen:    seenAt,
	}); err != nil {
		return nil, err
	}
	t.stats.Arrived(rp)
	return &Departure{Trace: cur, ReadPoint: rp}, nil
}

// ErrSweepRunning is returned when a sweep is already in flight.
var ErrSweepRunning = errors.New("sweep already running")

// Sweep closes every open interval whose gap since last_seen exceeds
// its read point timeout at the given instant. Single flight; a second
// call while one runs returns ErrSweepRunning. Closing is conditional
// on the row still being open, so repeated sweeps with the same now
// produce no duplicate departures.
func (t *Tracker) Sweep(ctx context.Context, now time.Time) ([]Departure, error) {
	if !t.sweepMu.TryLock() {
		return nil, ErrSweepRunning
	}
	defer t.sweepMu.Unlock()

	points, err := t.store.ListReadPoints(ctx)
	if err != nil {
		return nil, err
	}
	var departures []Departure
	for _, rp := range points {
		timeout := time.Duration(rp.TimeoutSeconds) * time.Second
		cutoff := now.Add(-timeout)
		traces, err := t.store.OpenTracesOlderThan(ctx, rp.ID, cutoff)
		if err != nil {
			t.log.Error("sweep query failed", "read_point", rp.Name, "error", err)
			continue
		}
		for _, tr := range traces {
			mu := t.lockFor(tr.EPC, rp.ID)
			mu.Lock()
			departedAt := tr.LastSeen.Add(timeout)
			err := t.store.CloseTrace(ctx, tr.ID, departedAt)
			mu.Unlock()
			if err != nil {
				t.log.Error("sweep close failed", "trace_id", tr.ID, "error", err)
				continue
			}
			tr.DepartedAt = &departedAt
			t.stats.Departed(rp)
			departures = append(departures, Departure{Trace: tr, ReadPoint: rp})
		}
	}
	if len(departures) > 0 {
		t.log.Info("sweep closed departed tags", "count", len(departures))
	}
	return departures, nil
}
