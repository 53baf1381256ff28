package normalize

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"rffleet/internal/config"
	"rffleet/internal/model"
	"rffleet/internal/storage"
)

// ErrKeepalive marks an empty-array payload. It is a transport-level
// liveness signal, not a zero-length batch, and produces no records.
var ErrKeepalive = errors.New("keepalive payload")

// ErrUnknownDevice is returned when an event references a reader the
// store has no record of and the policy is reject.
var ErrUnknownDevice = errors.New("unknown device")

// ErrUnhandled marks a management payload that matched none of the
// known variants. The caller logs and drops it.
var ErrUnhandled = errors.New("unhandled management event")

// Normalizer turns raw webhook and MQTT payloads into typed events.
// It is safe for concurrent use.
type Normalizer struct {
	store  storage.Store
	log    *slog.Logger
	policy string
}

func New(store storage.Store, policy string, log *slog.Logger) *Normalizer {
	if policy == "" {
		policy = config.UnknownDeviceReject
	}
	return &Normalizer{store: store, log: log, policy: policy}
}

// webhookEvent is one entry of the webhook batch format.
type webhookEvent struct {
	EventType         string             `json:"eventType"`
	Hostname          string             `json:"hostname"`
	Timestamp         string             `json:"timestamp"`
	TagInventoryEvent *tagInventoryEvent `json:"tagInventoryEvent"`
}

type tagInventoryEvent struct {
	EPC               string   `json:"epc"`
	EPCHex            string   `json:"epcHex"`
	AntennaPort       *int     `json:"antennaPort"`
	AntennaName       string   `json:"antennaName"`
	PeakRSSICdbm      *float64 `json:"peakRssiCdbm"`
	Frequency         *float64 `json:"frequency"`
	TransmitPowerCdbm *float64 `json:"transmitPowerCdbm"`
	LastSeenTime      string   `json:"lastSeenTime"`
	TID               string   `json:"tid"`
	TIDHex            string   `json:"tidHex"`
}

// tagListPayload is the MQTT heartbeat/list format.
type tagListPayload struct {
	ReaderName string          `json:"readerName"`
	MAC        string          `json:"mac"`
	TagReads   []tagListRecord `json:"tag_reads"`
}

type tagListRecord struct {
	EPC                string   `json:"epc"`
	FirstSeenTimestamp *int64   `json:"firstSeenTimestamp"`
	AntennaPort        *int     `json:"antennaPort"`
	AntennaZone        string   `json:"antennaZone"`
	PeakRSSI           *float64 `json:"peakRssi"`
	TxPower            *float64 `json:"txPower"`
	TID                string   `json:"tid"`
	RFPhase            *float64 `json:"rfPhase"`
	Frequency          *float64 `json:"frequency"`
}

// WebhookBatch parses the webhook array format. An empty array returns
// ErrKeepalive. Entries that fail to normalize are logged and skipped
// so one malformed event does not drop the rest of the batch.
func (n *Normalizer) WebhookBatch(ctx context.Context, payload []byte) ([]model.Event, error) {
	var batch []json.RawMessage
	if err := json.Unmarshal(payload, &batch); err != nil {
		return nil, fmt.Errorf("decode webhook batch: %w", err)
	}
	if len(batch) == 0 {
		return nil, ErrKeepalive
	}
	events := make([]model.Event, 0, len(batch))
	for i, raw := range batch {
		var we webhookEvent
		if err := json.Unmarshal(raw, &we); err != nil {
			n.log.Warn("skipping malformed webhook entry", "index", i, "error", err)
			continue
		}
		ev, err := n.webhookTagRead(ctx, we)
		if err != nil {
			n.log.Warn("skipping webhook entry", "index", i, "hostname", we.Hostname, "error", err)
			continue
		}
		if ev != nil {
			events = append(events, ev)
		}
	}
	return events, nil
}

func (n *Normalizer) webhookTagRead(ctx context.Context, we webhookEvent) (model.Event, error) {
	if we.EventType != "tagInventory" || we.TagInventoryEvent == nil {
		return nil, nil
	}
	dev, err := n.ResolveDevice(ctx, we.Hostname)
	if err != nil {
		return nil, err
	}
	ti := we.TagInventoryEvent

	epc, err := decodeEPC(ti.EPC, ti.EPCHex)
	if err != nil {
		return nil, fmt.Errorf("decode epc: %w", err)
	}
	if epc == "" {
		return nil, errors.New("entry has no epc")
	}
	tidHex := ti.TIDHex
	if ti.TID != "" && tidHex == "" {
		if h, err := decodeBase64Hex(ti.TID); err == nil {
			tidHex = h
		} else {
			n.log.Warn("undecodable tid, keeping raw", "hostname", we.Hostname, "error", err)
		}
	}

	// An unparseable event timestamp degrades to receipt time rather
	// than dropping the read.
	at := time.Now().UTC()
	if ts, ok := parseISOTime(we.Timestamp); ok {
		at = ts
	}
	var lastSeen *time.Time
	if ts, ok := parseISOTime(ti.LastSeenTime); ok {
		lastSeen = &ts
	}

	return &model.TagRead{
		Meta:              model.Meta{Serial: dev.SerialNumber, At: at},
		EPC:               epc,
		AntennaPort:       guardPositiveInt(ti.AntennaPort),
		AntennaName:       ti.AntennaName,
		PeakRSSICdbm:      guardNegative(ti.PeakRSSICdbm),
		Frequency:         guardPositive(ti.Frequency),
		TransmitPowerCdbm: guardPositive(ti.TransmitPowerCdbm),
		LastSeenTime:      lastSeen,
		TID:               ti.TID,
		TIDHex:            tidHex,
	}, nil
}

// TagList parses the MQTT tag list format. The serial argument comes
// from the topic path; when it is empty the payload's readerName is
// used instead.
func (n *Normalizer) TagList(ctx context.Context, serial string, payload []byte) ([]model.Event, error) {
	var tl tagListPayload
	if err := json.Unmarshal(payload, &tl); err != nil {
		return nil, fmt.Errorf("decode tag list: %w", err)
	}
	if serial == "" {
		serial = tl.ReaderName
	}
	dev, err := n.ResolveDevice(ctx, serial)
	if err != nil {
		return nil, err
	}
	if len(tl.TagReads) == 0 {
		return nil, ErrKeepalive
	}
	events := make([]model.Event, 0, len(tl.TagReads))
	for i, tr := range tl.TagReads {
		if tr.EPC == "" {
			n.log.Warn("skipping tag read without epc", "serial", dev.SerialNumber, "index", i)
			continue
		}
		// This format carries only a microsecond epoch; a missing or
		// invalid value fails the record.
		if tr.FirstSeenTimestamp == nil || *tr.FirstSeenTimestamp <= 0 {
			n.log.Warn("skipping tag read with invalid firstSeenTimestamp", "serial", dev.SerialNumber, "index", i)
			continue
		}
		at := time.UnixMicro(*tr.FirstSeenTimestamp).UTC()
		events = append(events, &model.TagRead{
			Meta:              model.Meta{Serial: dev.SerialNumber, At: at},
			EPC:               strings.ToUpper(tr.EPC),
			AntennaPort:       guardPositiveInt(tr.AntennaPort),
			AntennaName:       tr.AntennaZone,
			PeakRSSICdbm:      guardNegative(tr.PeakRSSI),
			TransmitPowerCdbm: guardPositive(tr.TxPower),
			RFPhase:           tr.RFPhase,
			Frequency:         guardPositive(tr.Frequency),
			TID:               tr.TID,
		})
	}
	return events, nil
}

// ResolveDevice maps a serial number or reader name to a known device,
// applying the unknown-device policy on miss.
func (n *Normalizer) ResolveDevice(ctx context.Context, key string) (model.Device, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return model.Device{}, fmt.Errorf("%w: empty device identity", ErrUnknownDevice)
	}
	dev, err := n.store.GetDevice(ctx, key)
	if err == nil {
		return dev, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return model.Device{}, err
	}
	// Reader names are a secondary identity for the tag list format.
	devices, lerr := n.store.ListDevices(ctx)
	if lerr == nil {
		for _, d := range devices {
			if d.Name == key {
				return d, nil
			}
		}
	}
	if n.policy == config.UnknownDeviceAutoProvision {
		dev = model.Device{SerialNumber: key, Name: key, AutoProvisioned: true}
		if err := n.store.UpsertDevice(ctx, dev); err != nil {
			return model.Device{}, err
		}
		n.log.Info("auto provisioned device", "serial", key)
		return dev, nil
	}
	return model.Device{}, fmt.Errorf("%w: %s", ErrUnknownDevice, key)
}

func decodeEPC(b64, hexVal string) (string, error) {
	if b64 != "" {
		return decodeBase64Hex(b64)
	}
	return strings.ToUpper(hexVal), nil
}

func decodeBase64Hex(s string) (string, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", err
	}
	return strings.ToUpper(hex.EncodeToString(b)), nil
}

func parseISOTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func guardPositiveInt(v *int) *int {
	if v == nil || *v <= 0 {
		return nil
	}
	return v
}

func guardPositive(v *float64) *float64 {
	if v == nil || *v <= 0 {
		return nil
	}
	return v
}

// guardNegative keeps only negative values. RSSI is negative by
// convention, so a positive reading is bogus hardware output.
func guardNegative(v *float64) *float64 {
	if v == nil || *v >= 0 {
		return nil
	}
	return v
}
