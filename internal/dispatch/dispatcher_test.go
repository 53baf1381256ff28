package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"rffleet/internal/alerts"
	"rffleet/internal/model"
	"rffleet/internal/storage"
)

type fakePublisher struct {
	calls []OutboundMessage
	fail  map[string]error
}

func (f *fakePublisher) Publish(_ context.Context, _ BrokerParams, msg OutboundMessage) error {
	f.calls = append(f.calls, msg)
	if err, ok := f.fail[msg.Topic]; ok {
		return err
	}
	return nil
}

type fakePoster struct {
	urls    []string
	headers []map[string]string
	bodies  []string
	fail    map[string]error
}

func (f *fakePoster) Post(_ context.Context, url string, headers map[string]string, body []byte) error {
	f.urls = append(f.urls, url)
	f.headers = append(f.headers, headers)
	f.bodies = append(f.bodies, string(body))
	if err, ok := f.fail[url]; ok {
		return err
	}
	return nil
}

func testAlert() model.Alert {
	return model.Alert{
		RuleID:       7,
		RuleName:     "dock temp",
		DeviceSerial: "reader-01",
		EventType:    model.EventStatus,
		EventData:    map[string]string{"cpu": "91", "reader_name": "dock-door"},
		TriggeredAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func newDispatcherForTest(pub *fakePublisher, poster *fakePoster) (*Dispatcher, *alerts.ResultStore, storage.Store) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := storage.NewMemory()
	results := alerts.NewResultStore(100)
	d := NewDispatcher(pub, poster, store, results, BrokerParams{URL: "tcp://localhost:1883"}, time.Second, log)
	return d, results, store
}

func TestDispatchOrderAndFailureIsolation(t *testing.T) {
	pub := &fakePublisher{fail: map[string]error{"alerts/second": errors.New("broker down")}}
	poster := &fakePoster{}
	d, results, _ := newDispatcherForTest(pub, poster)

	actions := []model.AlertAction{
		{ActionType: model.ActionWebhook, Destination: "https://hooks.example.com/third", Order: 3},
		{ActionType: model.ActionMQTT, Destination: "alerts/first", Order: 1},
		{ActionType: model.ActionMQTT, Destination: "alerts/second", Order: 2},
	}

	out := d.Dispatch(context.Background(), testAlert(), actions)
	if len(out) != 3 {
		t.Fatalf("expected 3 results, got %d", len(out))
	}
	if out[0].Target != "alerts/first" || out[1].Target != "alerts/second" || out[2].Target != "https://hooks.example.com/third" {
		t.Fatalf("actions ran out of order: %q %q %q", out[0].Target, out[1].Target, out[2].Target)
	}
	if !out[0].Success || out[1].Success || !out[2].Success {
		t.Fatalf("expected only the second action to fail: %+v", out)
	}
	if out[1].Message != "broker down" {
		t.Fatalf("failure message = %q", out[1].Message)
	}
	if len(pub.calls) != 2 {
		t.Fatalf("expected 2 mqtt publishes, got %d", len(pub.calls))
	}
	if len(poster.urls) != 1 {
		t.Fatalf("expected 1 webhook post, got %d", len(poster.urls))
	}
	if got := len(results.List(0)); got != 3 {
		t.Fatalf("expected 3 recorded results, got %d", got)
	}
}

func TestDispatchRendersTemplate(t *testing.T) {
	pub := &fakePublisher{}
	poster := &fakePoster{}
	d, _, _ := newDispatcherForTest(pub, poster)

	actions := []model.AlertAction{{
		ActionType:      model.ActionMQTT,
		Destination:     "alerts/cpu",
		MessageTemplate: "reader {reader_name} cpu at {cpu}",
		Order:           1,
	}}
	d.Dispatch(context.Background(), testAlert(), actions)

	if len(pub.calls) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(pub.calls))
	}
	if got := string(pub.calls[0].Payload); got != "reader dock-door cpu at 91" {
		t.Fatalf("rendered payload = %q", got)
	}
}

func TestDispatchEmptyTemplateSendsJSON(t *testing.T) {
	pub := &fakePublisher{}
	poster := &fakePoster{}
	d, _, _ := newDispatcherForTest(pub, poster)

	actions := []model.AlertAction{{
		ActionType:  model.ActionWebhook,
		Destination: "https://hooks.example.com/raw",
		Order:       1,
	}}
	d.Dispatch(context.Background(), testAlert(), actions)

	if len(poster.bodies) != 1 {
		t.Fatalf("expected 1 post, got %d", len(poster.bodies))
	}
	var payload map[string]string
	if err := json.Unmarshal([]byte(poster.bodies[0]), &payload); err != nil {
		t.Fatalf("body is not json: %v", err)
	}
	if payload["cpu"] != "91" || payload["device_serial"] != "reader-01" || payload["rule_name"] != "dock temp" {
		t.Fatalf("unexpected payload: %#v", payload)
	}
}

func TestDispatchWebhookHeaders(t *testing.T) {
	pub := &fakePublisher{}
	poster := &fakePoster{}
	d, _, _ := newDispatcherForTest(pub, poster)

	actions := []model.AlertAction{{
		ActionType:  model.ActionWebhook,
		Destination: "https://hooks.example.com/auth",
		Parameters:  map[string]string{"header_Authorization": "Bearer tok", "header_X-Site": "dock-7"},
		Order:       1,
	}}
	d.Dispatch(context.Background(), testAlert(), actions)

	if len(poster.headers) != 1 {
		t.Fatalf("expected 1 post, got %d", len(poster.headers))
	}
	h := poster.headers[0]
	if h["Authorization"] != "Bearer tok" || h["X-Site"] != "dock-7" {
		t.Fatalf("unexpected headers: %#v", h)
	}
}

func TestDispatchQoSAndRetainParameters(t *testing.T) {
	pub := &fakePublisher{}
	d, _, _ := newDispatcherForTest(pub, &fakePoster{})

	actions := []model.AlertAction{{
		ActionType:  model.ActionMQTT,
		Destination: "alerts/qos",
		Parameters:  map[string]string{"qos": "2", "retain": "true"},
		Order:       1,
	}}
	d.Dispatch(context.Background(), testAlert(), actions)

	if len(pub.calls) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(pub.calls))
	}
	if pub.calls[0].QoS != 2 || !pub.calls[0].Retain {
		t.Fatalf("qos/retain not honored: %+v", pub.calls[0])
	}
}

func TestBrokerForFallsBackToDefault(t *testing.T) {
	d, _, _ := newDispatcherForTest(&fakePublisher{}, &fakePoster{})

	bp := d.brokerFor(model.AlertAction{Parameters: map[string]string{"broker_host": "10.0.0.5", "broker_port": "8883", "tls_insecure": "true"}})
	if bp.URL != "tcp://10.0.0.5:8883" || !bp.InsecureTLS {
		t.Fatalf("unexpected broker params: %+v", bp)
	}

	bp = d.brokerFor(model.AlertAction{})
	if bp.URL != "tcp://localhost:1883" {
		t.Fatalf("expected default broker, got %q", bp.URL)
	}
}

func TestRenderLeavesUnknownPlaceholders(t *testing.T) {
	got := Render("epc {epc} at {nowhere}", map[string]string{"epc": "300833B2DDD9"})
	if !strings.Contains(got, "300833B2DDD9") || !strings.Contains(got, "{nowhere}") {
		t.Fatalf("render = %q", got)
	}
}
