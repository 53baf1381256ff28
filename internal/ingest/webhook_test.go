package ingest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"rffleet/internal/config"
	"rffleet/internal/model"
	"rffleet/internal/normalize"
)

func newWebhookForTest(t *testing.T) (*webhookHandler, *Pipeline) {
	t.Helper()
	p, store, _ := newPipelineForTest(t)
	norm := normalize.New(store, config.UnknownDeviceReject, testLogger())
	return &webhookHandler{norm: norm, pipeline: p, logger: testLogger()}, p
}

func postWebhook(h *webhookHandler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.handle(rec, req)
	return rec
}

func TestWebhookKeepaliveAck(t *testing.T) {
	h, _ := newWebhookForTest(t)
	rec := postWebhook(h, "[]")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("keepalive status = %d, want 204", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("keepalive response must have no body, got %q", rec.Body.String())
	}
}

func TestWebhookMalformedAcknowledged(t *testing.T) {
	h, _ := newWebhookForTest(t)
	rec := postWebhook(h, "{not json")
	if rec.Code != http.StatusOK {
		t.Fatalf("malformed payload status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "ignored") {
		t.Fatalf("malformed payload body = %q", rec.Body.String())
	}
}

func TestWebhookMethodGuard(t *testing.T) {
	h, _ := newWebhookForTest(t)
	req := httptest.NewRequest(http.MethodGet, "/webhook", nil)
	rec := httptest.NewRecorder()
	h.handle(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET status = %d, want 405", rec.Code)
	}
}

func TestWebhookBatchFlowsToPipeline(t *testing.T) {
	h, p := newWebhookForTest(t)
	p.Start(context.Background())

	body := `[{"eventType":"tagInventory","hostname":"dock-door","timestamp":"2026-03-01T12:00:00Z",` +
		`"tagInventoryEvent":{"epcHex":"300833b2ddd9","antennaPort":1,"peakRssiCdbm":-52}}]`
	rec := postWebhook(h, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("batch status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "accepted") {
		t.Fatalf("batch body = %q", rec.Body.String())
	}
	p.Stop()
}

func TestClassifyTopic(t *testing.T) {
	topics := model.DeviceTopics{
		TagEvents:          "smartreader/reader-01/tagdata",
		ManagementEvents:   "smartreader/reader-01/manageevents",
		ManagementResponse: "smartreader/reader-01/managementresponse",
		ControlResponse:    "smartreader/reader-01/controlresponse",
	}
	cases := []struct {
		topic string
		want  topicKind
	}{
		{"smartreader/reader-01/tagdata", topicTagEvents},
		{"smartreader/reader-01/manageevents", topicManagementEvents},
		{"smartreader/reader-01/managementresponse", topicManagementResponse},
		{"smartreader/reader-01/controlresponse", topicControlResponse},
		{"smartreader/reader-01/firmware", topicUnknown},
		// relocated tree still resolves via the final segment
		{"plant-b/reader-01/tagdata", topicTagEvents},
	}
	for _, tc := range cases {
		if got := classifyTopic(tc.topic, topics); got != tc.want {
			t.Errorf("classifyTopic(%q) = %d, want %d", tc.topic, got, tc.want)
		}
	}
}

func TestSerialFromTopic(t *testing.T) {
	m := &MQTTIngest{topicRoot: "smartreader"}
	if serial, ok := m.serialFromTopic("smartreader/reader-01/tagdata"); !ok || serial != "reader-01" {
		t.Fatalf("serialFromTopic = %q, %v", serial, ok)
	}
	if _, ok := m.serialFromTopic("other/reader-01/tagdata"); ok {
		t.Fatal("foreign root must not resolve")
	}
	if _, ok := m.serialFromTopic("smartreader/reader-01"); ok {
		t.Fatal("topic without subtopic must not resolve")
	}
}
