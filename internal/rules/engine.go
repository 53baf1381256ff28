package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"rffleet/internal/alerts"
	"rffleet/internal/model"
	"rffleet/internal/storage"
)

// Comparator decides one condition against the current field value and
// the previous event's value for the same field (nil when no previous
// event exists or the field is absent from it). Injectable so tests
// can count invocations.
type Comparator func(cond model.AlertCondition, current string, previous *string) bool

// Triggered pairs a persisted alert with the rule that produced it so
// the caller can hand the rule's actions to the dispatcher.
type Triggered struct {
	Alert model.Alert
	Rule  model.AlertRule
}

// Engine evaluates every active rule scoped to an event's device.
type Engine struct {
	store   storage.Store
	recent  *alerts.Store
	log     *slog.Logger
	compare Comparator
}

func NewEngine(store storage.Store, recent *alerts.Store, log *slog.Logger) *Engine {
	return &Engine{store: store, recent: recent, log: log, compare: Compare}
}

// SetComparator replaces the condition comparator. Test hook.
func (e *Engine) SetComparator(c Comparator) {
	if c != nil {
		e.compare = c
	}
}

// Evaluate runs all active rules for the event's device against the
// event. Conditions within a rule AND together and short-circuit on
// the first failure. The previous event of the same type is fetched at
// most once per rule, and only when some condition needs it.
func (e *Engine) Evaluate(ctx context.Context, ev model.Event) ([]Triggered, error) {
	ruleset, err := e.store.ActiveRulesForDevice(ctx, ev.DeviceSerial())
	if err != nil {
		return nil, fmt.Errorf("load rules for %s: %w", ev.DeviceSerial(), err)
	}
	var fired []Triggered
	for _, rule := range ruleset {
		ok, err := e.evaluateRule(ctx, rule, ev)
		if err != nil {
			e.log.Error("rule evaluation failed", "rule", rule.Name, "error", err)
			continue
		}
		if !ok {
			continue
		}
		tr, err := e.fire(ctx, rule, ev)
		if err != nil {
			e.log.Error("recording alert failed", "rule", rule.Name, "error", err)
			continue
		}
		fired = append(fired, tr)
	}
	return fired, nil
}

func (e *Engine) evaluateRule(ctx context.Context, rule model.AlertRule, ev model.Event) (bool, error) {
	var prev *model.EventRecord
	prevFetched := false

	for _, cond := range rule.Conditions {
		if cond.EventType != "" && cond.EventType != ev.EventType() {
			return false, nil
		}
		current, ok := model.Field(ev, cond.FieldName)
		if !ok {
			e.log.Warn("condition field missing on event",
				"rule", rule.Name, "field", cond.FieldName, "event_type", ev.EventType())
			return false, nil
		}

		var prevValue *string
		if cond.NeedsPrevious() {
			if !prevFetched {
				prevFetched = true
				p, err := e.store.PreviousEvent(ctx, ev.DeviceSerial(), ev.EventType(), ev.Sequence())
				if err != nil && !errors.Is(err, storage.ErrNotFound) {
					return false, err
				}
				prev = p
			}
			if prev != nil {
				if v, ok := prev.Fields[cond.FieldName]; ok {
					prevValue = &v
				}
			}
		}
		if !e.compare(cond, current, prevValue) {
			return false, nil
		}
	}
	return true, nil
}

func (e *Engine) fire(ctx context.Context, rule model.AlertRule, ev model.Event) (Triggered, error) {
	now := time.Now().UTC()
	alert := model.Alert{
		RuleID:       rule.ID,
		RuleName:     rule.Name,
		DeviceSerial: ev.DeviceSerial(),
		EventType:    ev.EventType(),
		EventData:    ev.Data(),
		TriggeredAt:  now,
	}
	alert, err := e.store.SaveAlert(ctx, alert)
	if err != nil {
		return Triggered{}, err
	}
	if err := e.store.RecordRuleTrigger(ctx, rule.ID, now); err != nil {
		e.log.Warn("trigger bookkeeping failed", "rule", rule.Name, "error", err)
	}
	if e.recent != nil {
		e.recent.Add(alert)
	}
	e.log.Info("alert rule fired", "rule", rule.Name, "device", ev.DeviceSerial(), "event_type", ev.EventType())
	return Triggered{Alert: alert, Rule: rule}, nil
}

// Compare is the default comparator. Comparisons that need a previous
// value fail closed without one; numeric parse failures also fail the
// condition rather than erroring.
func Compare(cond model.AlertCondition, current string, previous *string) bool {
	kind := cond.Kind()
	switch kind {
	case model.CompareRemainsSame:
		if previous == nil {
			return false
		}
		return current == *previous
	case model.CompareGreaterThan, model.CompareLessThan:
		ref := cond.Threshold
		if cond.CompareWithPrevious {
			if previous == nil {
				return false
			}
			ref = *previous
		}
		cur, err1 := strconv.ParseFloat(current, 64)
		rv, err2 := strconv.ParseFloat(ref, 64)
		if err1 != nil || err2 != nil {
			return false
		}
		if kind == model.CompareGreaterThan {
			return cur > rv
		}
		return cur < rv
	default:
		return current == cond.Threshold
	}
}
