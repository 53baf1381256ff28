package rules

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"rffleet/internal/alerts"
	"rffleet/internal/model"
	"rffleet/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newEngineForTest(t *testing.T) (*Engine, storage.Store) {
	t.Helper()
	store := storage.NewMemory()
	ctx := context.Background()
	if err := store.UpsertDevice(ctx, model.Device{SerialNumber: "reader-01"}); err != nil {
		t.Fatalf("seed device: %v", err)
	}
	return NewEngine(store, alerts.NewStore(100), testLogger()), store
}

func seedRule(t *testing.T, store storage.Store, rule model.AlertRule) model.AlertRule {
	t.Helper()
	rule.Active = true
	rule.DeviceSerials = []string{"reader-01"}
	saved, err := store.UpsertRule(context.Background(), rule)
	if err != nil {
		t.Fatalf("seed rule: %v", err)
	}
	return saved
}

func statusEvent(t *testing.T, store storage.Store, cpu int64) *model.StatusEvent {
	t.Helper()
	ev := &model.StatusEvent{
		Meta:           model.Meta{Serial: "reader-01", At: time.Now().UTC()},
		ReaderName:     "reader-01",
		Status:         "running",
		CPUUtilization: cpu,
	}
	seq, err := store.SaveEvent(context.Background(), ev)
	if err != nil {
		t.Fatalf("save event: %v", err)
	}
	ev.SetSequence(seq)
	return ev
}

func TestEqualsConditionFires(t *testing.T) {
	eng, store := newEngineForTest(t)
	seedRule(t, store, model.AlertRule{
		Name: "running",
		Conditions: []model.AlertCondition{{
			EventType:      model.EventStatus,
			FieldName:      "status",
			ComparisonType: model.CompareEquals,
			Threshold:      "running",
		}},
	})
	ev := statusEvent(t, store, 10)
	fired, err := eng.Evaluate(context.Background(), ev)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(fired) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(fired))
	}
	if fired[0].Alert.RuleName != "running" || fired[0].Alert.DeviceSerial != "reader-01" {
		t.Fatalf("alert = %+v", fired[0].Alert)
	}

	rules, _ := store.ListRules(context.Background())
	if rules[0].TriggerCount != 1 || rules[0].LastTriggered == nil {
		t.Fatalf("trigger bookkeeping missing: %+v", rules[0])
	}
}

func TestInactiveRuleNeverEvaluated(t *testing.T) {
	eng, store := newEngineForTest(t)
	rule := seedRule(t, store, model.AlertRule{
		Name: "disabled",
		Conditions: []model.AlertCondition{{
			EventType:      model.EventStatus,
			FieldName:      "status",
			ComparisonType: model.CompareEquals,
			Threshold:      "running",
		}},
	})
	rule.Active = false
	if _, err := store.UpsertRule(context.Background(), rule); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	ev := statusEvent(t, store, 10)
	fired, err := eng.Evaluate(context.Background(), ev)
	if err != nil || len(fired) != 0 {
		t.Fatalf("inactive rule fired: %v, %d", err, len(fired))
	}
}

func TestRemainsSameFailsClosedWithoutPrevious(t *testing.T) {
	eng, store := newEngineForTest(t)
	seedRule(t, store, model.AlertRule{
		Name: "stuck-status",
		Conditions: []model.AlertCondition{{
			EventType:      model.EventStatus,
			FieldName:      "status",
			ComparisonType: model.CompareRemainsSame,
		}},
	})
	ev := statusEvent(t, store, 10)
	fired, err := eng.Evaluate(context.Background(), ev)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(fired) != 0 {
		t.Fatalf("remains_same fired with no previous event")
	}
}

func TestRemainsSameFiresOnSecondMatchingEvent(t *testing.T) {
	eng, store := newEngineForTest(t)
	seedRule(t, store, model.AlertRule{
		Name: "stuck-status",
		Conditions: []model.AlertCondition{{
			EventType:      model.EventStatus,
			FieldName:      "status",
			ComparisonType: model.CompareRemainsSame,
		}},
	})
	statusEvent(t, store, 10)
	second := statusEvent(t, store, 20)
	fired, err := eng.Evaluate(context.Background(), second)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(fired) != 1 {
		t.Fatalf("expected fire on repeated status, got %d", len(fired))
	}
}

func TestGreaterThanVsPrevious(t *testing.T) {
	eng, store := newEngineForTest(t)
	seedRule(t, store, model.AlertRule{
		Name: "cpu-climbing",
		Conditions: []model.AlertCondition{{
			EventType:           model.EventStatus,
			FieldName:           "cpu_utilization",
			ComparisonType:      model.CompareGreaterThan,
			CompareWithPrevious: true,
		}},
	})
	statusEvent(t, store, 40)
	second := statusEvent(t, store, 90)
	fired, err := eng.Evaluate(context.Background(), second)
	if err != nil || len(fired) != 1 {
		t.Fatalf("expected fire on cpu increase: %v, %d", err, len(fired))
	}

	third := statusEvent(t, store, 50)
	fired, err = eng.Evaluate(context.Background(), third)
	if err != nil || len(fired) != 0 {
		t.Fatalf("fired on cpu decrease: %v, %d", err, len(fired))
	}
}

func TestShortCircuitSkipsRemainingConditions(t *testing.T) {
	eng, store := newEngineForTest(t)
	seedRule(t, store, model.AlertRule{
		Name: "two-conditions",
		Conditions: []model.AlertCondition{
			{
				EventType:      model.EventStatus,
				FieldName:      "status",
				ComparisonType: model.CompareEquals,
				Threshold:      "never-matches",
			},
			{
				EventType:      model.EventStatus,
				FieldName:      "cpu_utilization",
				ComparisonType: model.CompareGreaterThan,
				Threshold:      "0",
			},
		},
	})
	var calls int
	eng.SetComparator(func(cond model.AlertCondition, current string, previous *string) bool {
		calls++
		return Compare(cond, current, previous)
	})
	ev := statusEvent(t, store, 10)
	fired, err := eng.Evaluate(context.Background(), ev)
	if err != nil || len(fired) != 0 {
		t.Fatalf("Evaluate: %v, %d", err, len(fired))
	}
	if calls != 1 {
		t.Fatalf("comparator calls = %d, want 1 (short-circuit)", calls)
	}
}

func TestMissingFieldFailsConditionNotEvaluation(t *testing.T) {
	eng, store := newEngineForTest(t)
	seedRule(t, store, model.AlertRule{
		Name: "bogus-field",
		Conditions: []model.AlertCondition{{
			EventType:      model.EventStatus,
			FieldName:      "no_such_field",
			ComparisonType: model.CompareEquals,
			Threshold:      "x",
		}},
	})
	seedRule(t, store, model.AlertRule{
		Name: "valid",
		Conditions: []model.AlertCondition{{
			EventType:      model.EventStatus,
			FieldName:      "status",
			ComparisonType: model.CompareEquals,
			Threshold:      "running",
		}},
	})
	ev := statusEvent(t, store, 10)
	fired, err := eng.Evaluate(context.Background(), ev)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(fired) != 1 || fired[0].Alert.RuleName != "valid" {
		t.Fatalf("other rules must still run, fired = %d", len(fired))
	}
}

func TestConditionEventTypeMismatchFails(t *testing.T) {
	eng, store := newEngineForTest(t)
	seedRule(t, store, model.AlertRule{
		Name: "gpi-only",
		Conditions: []model.AlertCondition{{
			EventType:      model.EventGPI,
			FieldName:      "gpi1_state",
			ComparisonType: model.CompareEquals,
			Threshold:      "high",
		}},
	})
	ev := statusEvent(t, store, 10)
	fired, err := eng.Evaluate(context.Background(), ev)
	if err != nil || len(fired) != 0 {
		t.Fatalf("rule for another event type fired: %v, %d", err, len(fired))
	}
}

func TestCompareNumericParseFailure(t *testing.T) {
	cond := model.AlertCondition{ComparisonType: model.CompareGreaterThan, Threshold: "10"}
	if Compare(cond, "not-a-number", nil) {
		t.Fatalf("parse failure must fail the condition")
	}
	if !Compare(cond, "11", nil) {
		t.Fatalf("11 > 10 should hold")
	}
}
