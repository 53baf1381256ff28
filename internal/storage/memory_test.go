package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rffleet/internal/model"
)

func tagRead(serial, epc string, at time.Time) *model.TagRead {
	return &model.TagRead{Meta: model.Meta{Serial: serial, At: at}, EPC: epc}
}

func TestSaveEventSequencePerDevice(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 3; i++ {
		seq, err := s.SaveEvent(ctx, tagRead("reader-01", "AAAA", now))
		require.NoError(t, err)
		assert.EqualValues(t, i+1, seq)
	}
	seq, err := s.SaveEvent(ctx, tagRead("reader-02", "BBBB", now))
	require.NoError(t, err)
	assert.EqualValues(t, 1, seq, "sequences are per device")
}

func TestPreviousEventByTypeAndSequence(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := s.SaveEvent(ctx, &model.StatusEvent{Meta: model.Meta{Serial: "reader-01", At: now}, CPUUtilization: 40})
	require.NoError(t, err)
	_, err = s.SaveEvent(ctx, tagRead("reader-01", "AAAA", now))
	require.NoError(t, err)
	seq3, err := s.SaveEvent(ctx, &model.StatusEvent{Meta: model.Meta{Serial: "reader-01", At: now}, CPUUtilization: 90})
	require.NoError(t, err)

	prev, err := s.PreviousEvent(ctx, "reader-01", model.EventStatus, seq3)
	require.NoError(t, err)
	assert.Equal(t, "40", prev.Fields["cpu_utilization"], "intervening tag read must be skipped")

	_, err = s.PreviousEvent(ctx, "reader-01", model.EventStatus, 1)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.PreviousEvent(ctx, "reader-02", model.EventStatus, seq3)
	assert.ErrorIs(t, err, ErrNotFound, "lookups must not cross devices")
}

func TestTraceLifecycle(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	t0 := time.Now().UTC().Truncate(time.Second)

	tr, err := s.CreateTrace(ctx, model.TagTrace{EPC: "AAAA", ReadPointID: 1, ArrivedAt: t0, LastSeen: t0})
	require.NoError(t, err)
	require.NotZero(t, tr.ID)

	got, err := s.OpenTrace(ctx, "AAAA", 1)
	require.NoError(t, err)
	assert.Equal(t, tr.ID, got.ID)

	_, err = s.OpenTrace(ctx, "AAAA", 2)
	assert.ErrorIs(t, err, ErrNotFound)

	later := t0.Add(10 * time.Second)
	require.NoError(t, s.TouchTrace(ctx, tr.ID, later))
	require.NoError(t, s.TouchTrace(ctx, tr.ID, t0), "stale touch must not rewind last_seen")
	got, err = s.OpenTrace(ctx, "AAAA", 1)
	require.NoError(t, err)
	assert.Equal(t, later, got.LastSeen)

	departed := later.Add(30 * time.Second)
	require.NoError(t, s.CloseTrace(ctx, tr.ID, departed))
	_, err = s.OpenTrace(ctx, "AAAA", 1)
	assert.ErrorIs(t, err, ErrNotFound, "closed trace is no longer open")

	// idempotent close keeps the first departure time
	require.NoError(t, s.CloseTrace(ctx, tr.ID, departed.Add(time.Hour)))
	open, err := s.ListOpenTraces(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestOpenTracesOlderThan(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	t0 := time.Now().UTC()

	stale, err := s.CreateTrace(ctx, model.TagTrace{EPC: "AAAA", ReadPointID: 1, ArrivedAt: t0, LastSeen: t0})
	require.NoError(t, err)
	_, err = s.CreateTrace(ctx, model.TagTrace{EPC: "BBBB", ReadPointID: 1, ArrivedAt: t0, LastSeen: t0.Add(time.Minute)})
	require.NoError(t, err)
	_, err = s.CreateTrace(ctx, model.TagTrace{EPC: "CCCC", ReadPointID: 2, ArrivedAt: t0, LastSeen: t0})
	require.NoError(t, err)

	out, err := s.OpenTracesOlderThan(ctx, 1, t0.Add(30*time.Second))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, stale.ID, out[0].ID)
}

func TestUpsertReadPointByName(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	rp, err := s.UpsertReadPoint(ctx, model.ReadPoint{Name: "dock-7", DeviceSerials: []string{"reader-01"}, TimeoutSeconds: 30})
	require.NoError(t, err)
	require.NotZero(t, rp.ID)

	again, err := s.UpsertReadPoint(ctx, model.ReadPoint{Name: "dock-7", DeviceSerials: []string{"reader-01", "reader-02"}, TimeoutSeconds: 60})
	require.NoError(t, err)
	assert.Equal(t, rp.ID, again.ID, "same name resolves to the same row")

	list, err := s.ListReadPoints(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 60, list[0].TimeoutSeconds)
}

func TestActiveRulesForDevice(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	_, err := s.UpsertRule(ctx, model.AlertRule{Name: "scoped", Active: true, DeviceSerials: []string{"reader-01"}})
	require.NoError(t, err)
	_, err = s.UpsertRule(ctx, model.AlertRule{Name: "global", Active: true})
	require.NoError(t, err)
	_, err = s.UpsertRule(ctx, model.AlertRule{Name: "inactive", Active: false, DeviceSerials: []string{"reader-01"}})
	require.NoError(t, err)
	_, err = s.UpsertRule(ctx, model.AlertRule{Name: "other device", Active: true, DeviceSerials: []string{"reader-02"}})
	require.NoError(t, err)

	out, err := s.ActiveRulesForDevice(ctx, "reader-01")
	require.NoError(t, err)
	names := make([]string, 0, len(out))
	for _, r := range out {
		names = append(names, r.Name)
	}
	assert.ElementsMatch(t, []string{"scoped", "global"}, names)
}

func TestRecordRuleTrigger(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	r, err := s.UpsertRule(ctx, model.AlertRule{Name: "counted", Active: true})
	require.NoError(t, err)
	at := time.Now().UTC()
	require.NoError(t, s.RecordRuleTrigger(ctx, r.ID, at))
	require.NoError(t, s.RecordRuleTrigger(ctx, r.ID, at.Add(time.Minute)))

	list, err := s.ListRules(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.EqualValues(t, 2, list[0].TriggerCount)
	require.NotNil(t, list[0].LastTriggered)
	assert.Equal(t, at.Add(time.Minute), *list[0].LastTriggered)
}

func TestCommandLifecycle(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()

	cmd := model.Command{CommandID: "cmd-1", DeviceSerial: "reader-01", CommandType: "control", State: model.CommandPending, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.SaveCommand(ctx, cmd))
	require.NoError(t, s.UpdateCommand(ctx, "cmd-1", model.CommandSent, ""))
	require.NoError(t, s.UpdateCommand(ctx, "cmd-1", model.CommandSuccess, `{"status":"ok"}`))

	got, err := s.GetCommand(ctx, "cmd-1")
	require.NoError(t, err)
	assert.Equal(t, model.CommandSuccess, got.State)
	assert.Equal(t, `{"status":"ok"}`, got.Response)

	assert.ErrorIs(t, s.UpdateCommand(ctx, "missing", model.CommandSent, ""), ErrNotFound)
}
