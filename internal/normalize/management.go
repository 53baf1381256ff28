package normalize

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"rffleet/internal/model"
)

const connStatusKey = "smartreader-mqtt-status"

// Management parses a payload from a device's management events topic.
// Variant discrimination is structural and ordered; the first match
// wins. A payload matching nothing returns ErrUnhandled.
func (n *Normalizer) Management(ctx context.Context, serial string, payload []byte) (model.Event, error) {
	dev, err := n.ResolveDevice(ctx, serial)
	if err != nil {
		return nil, err
	}

	var data map[string]json.RawMessage
	if err := json.Unmarshal(payload, &data); err != nil {
		return nil, fmt.Errorf("decode management event: %w", err)
	}
	doc := rawDoc(data)

	now := time.Now().UTC()
	switch {
	case doc.str("eventType") == "status":
		return parseStatusEvent(dev.SerialNumber, doc, now), nil
	case doc.has(connStatusKey):
		status := doc.str(connStatusKey)
		meta := model.Meta{Serial: dev.SerialNumber, At: now}
		if strings.EqualFold(status, "disconnected") {
			return &model.DisconnectionEvent{Meta: meta, Status: status}, nil
		}
		return &model.ConnectionEvent{Meta: meta, Status: status}, nil
	case doc.str("status") == "running":
		return &model.InventoryStatusEvent{
			Meta:   model.Meta{Serial: dev.SerialNumber, At: now},
			Status: doc.str("status"),
		}, nil
	case doc.firstTagReadHas("isHeartBeat"):
		return &model.HeartbeatEvent{
			Meta:       model.Meta{Serial: dev.SerialNumber, At: now},
			ReaderName: doc.str("readerName"),
			MACAddress: doc.str("mac"),
			TagReads:   doc.raw("tag_reads"),
		}, nil
	case doc.str("eventType") == "gpi-status":
		return parseGPIEvent(dev.SerialNumber, doc, now), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnhandled, summarizeKeys(data))
}

func parseGPIEvent(serial string, doc rawDoc, now time.Time) *model.GPIEvent {
	at := now
	if micros := doc.int64("timestamp"); micros > 0 {
		at = time.UnixMicro(micros).UTC()
	}
	ev := &model.GPIEvent{
		Meta:       model.Meta{Serial: serial, At: at},
		ReaderName: doc.str("readerName"),
		MACAddress: doc.str("mac"),
		GPI1State:  "unknown",
		GPI2State:  "unknown",
	}
	var configs []struct {
		GPI   int    `json:"gpi"`
		State string `json:"state"`
	}
	_ = json.Unmarshal([]byte(doc.raw("gpiConfigurations")), &configs)
	for _, c := range configs {
		switch c.GPI {
		case 1:
			ev.GPI1State = c.State
		case 2:
			ev.GPI2State = c.State
		}
	}
	return ev
}

func parseStatusEvent(serial string, doc rawDoc, now time.Time) *model.StatusEvent {
	at := now
	if ts, ok := parseISOTime(doc.str("timestamp")); ok {
		at = ts
	}
	ev := &model.StatusEvent{
		Meta:                  model.Meta{Serial: serial, At: at},
		ReaderName:            doc.str("readerName"),
		MACAddress:            doc.str("macAddress"),
		Status:                doc.str("status"),
		Component:             doc.str("component"),
		IPAddresses:           doc.str("ipAddresses"),
		ActivePreset:          doc.str("activePreset"),
		Manufacturer:          doc.str("manufacturer"),
		ProductHLA:            doc.str("productHla"),
		ProductModel:          doc.str("productModel"),
		ProductSKU:            doc.str("productSku"),
		ProductDescription:    doc.str("productDescription"),
		IsAntennaHubEnabled:   doc.boolish("isAntennaHubEnabled"),
		OperatingRegion:       doc.str("readerOperatingRegion"),
		GPI1:                  doc.str("gpi1"),
		GPI2:                  doc.str("gpi2"),
		GPO1AdminStatus:       doc.str("GPO1AdminStatus"),
		GPO2AdminStatus:       doc.str("GPO2AdminStatus"),
		GPO3AdminStatus:       doc.str("GPO3AdminStatus"),
		GPO1OperationStatus:   doc.str("GPO1OperationStatus"),
		GPO2OperationStatus:   doc.str("GPO2OperationStatus"),
		GPO3OperationStatus:   doc.str("GPO3OperationStatus"),
		BootEnvVersion:        doc.str("BootEnvVersion"),
		HLAVersion:            doc.str("HLAVersion"),
		HardwareVersion:       doc.str("HardwareVersion"),
		ModelName:             doc.str("ModelName"),
		SerialNumber:          doc.str("SerialNumber"),
		BIOSVersion:           doc.str("BIOSVersion"),
		UptimeSeconds:         doc.int64("UptimeSeconds"),
		BootStatus:            doc.str("BootStatus"),
		BootReason:            doc.str("BootReason"),
		PowerFailTime:         doc.int64("PowerFailTime"),
		ActivePowerSource:     doc.str("ActivePowerSource"),
		TotalMemory:           doc.int64("TotalMemory"),
		FreeMemory:            doc.int64("FreeMemory"),
		UsedMemory:            doc.int64("UsedMemory"),
		CPUUtilization:        doc.int64("CPUUtilization"),
		TotalConfigStorage:    doc.int64("TotalConfigurationStorageSpace"),
		FreeConfigStorage:     doc.int64("FreeConfigurationStorageSpace"),
		TotalAppStorage:       doc.int64("TotalApplicationStorageSpace"),
		FreeAppStorage:        doc.int64("FreeApplicationStorageSpace"),
		PoEServiceEnabled:     doc.boolish("ServiceEnabled"),
		PoENegotiationState:   doc.str("NegotiationState"),
		PoERequestedPower:     doc.int64("RequestedPower"),
		PoEAllocatedPower:     doc.int64("AllocatedPower"),
		PowerSource:           doc.str("PowerSource"),
		PrimaryImageType:      doc.str("PrimaryImageType"),
		PrimaryImageState:     doc.str("PrimaryImageState"),
		PrimaryImageVersion:   doc.str("PrimaryImageSystemVersion"),
		SecondaryImageType:    doc.str("SecondaryImageType"),
		SecondaryImageState:   doc.str("SecondaryImageState"),
		SecondaryImageVersion: doc.str("SecondaryImageSystemVersion"),
	}

	// Readers report per-antenna blocks as flattened antenna{N}* keys.
	for i := 1; i <= 32; i++ {
		prefix := "antenna" + strconv.Itoa(i)
		if !doc.has(prefix + "Enabled") {
			continue
		}
		ev.Antennas = append(ev.Antennas, model.AntennaStatus{
			AntennaNumber:        i,
			Enabled:              doc.boolish(prefix + "Enabled"),
			Zone:                 doc.str(prefix + "Zone"),
			TxPower:              int(doc.int64(prefix + "TxPower")),
			RxSensitivity:        int(doc.int64(prefix + "RxSensitivity")),
			OperationalStatus:    doc.str(prefix + "OperationalStatus"),
			LastPowerLevel:       int(doc.int64(prefix + "LastPowerLevel")),
			LastNoiseLevel:       int(doc.int64(prefix + "LastNoiseLevel")),
			EnergizedTime:        int(doc.int64(prefix + "EnergizedTime")),
			UniqueInventoryCount: int(doc.int64(prefix + "UniqueInventoryCount")),
			TotalInventoryCount:  int(doc.int64(prefix + "TotalInventoryCount")),
			FailedInventoryCount: int(doc.int64(prefix + "FailedInventoryCount")),
			ReadCount:            int(doc.int64(prefix + "ReadCount")),
			FailedReadCount:      int(doc.int64(prefix + "FailedReadCount")),
			WriteCount:           int(doc.int64(prefix + "WriteCount")),
			FailedWriteCount:     int(doc.int64(prefix + "FailedWriteCount")),
		})
	}
	return ev
}

// rawDoc wraps a decoded JSON object with tolerant typed accessors.
// Readers emit numbers and booleans as strings on some firmware
// versions, so every accessor coerces.
type rawDoc map[string]json.RawMessage

func (d rawDoc) has(key string) bool {
	_, ok := d[key]
	return ok
}

func (d rawDoc) raw(key string) string {
	if v, ok := d[key]; ok {
		return string(v)
	}
	return ""
}

func (d rawDoc) str(key string) string {
	v, ok := d[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	return strings.Trim(string(v), `"`)
}

func (d rawDoc) int64(key string) int64 {
	v, ok := d[key]
	if !ok {
		return 0
	}
	var i int64
	if err := json.Unmarshal(v, &i); err == nil {
		return i
	}
	var f float64
	if err := json.Unmarshal(v, &f); err == nil {
		return int64(f)
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		if i, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			return i
		}
	}
	return 0
}

func (d rawDoc) boolish(key string) bool {
	v, ok := d[key]
	if !ok {
		return false
	}
	var b bool
	if err := json.Unmarshal(v, &b); err == nil {
		return b
	}
	s := strings.ToLower(strings.Trim(string(v), `"`))
	return s == "true" || s == "1"
}

func (d rawDoc) firstTagReadHas(key string) bool {
	v, ok := d["tag_reads"]
	if !ok {
		return false
	}
	var reads []map[string]json.RawMessage
	if err := json.Unmarshal(v, &reads); err != nil || len(reads) == 0 {
		return false
	}
	_, ok = reads[0][key]
	return ok
}

func summarizeKeys(data map[string]json.RawMessage) string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
		if len(keys) >= 8 {
			break
		}
	}
	return strings.Join(keys, ",")
}
