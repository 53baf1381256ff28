package model

import (
	"strconv"
	"time"
)

type EventType string

const (
	EventTagRead         EventType = "TagRead"
	EventStatus          EventType = "StatusEvent"
	EventConnection      EventType = "ConnectionEvent"
	EventDisconnection   EventType = "DisconnectionEvent"
	EventInventoryStatus EventType = "InventoryStatusEvent"
	EventHeartbeat       EventType = "HeartbeatEvent"
	EventGPI             EventType = "GPIEvent"
)

// Event is the closed union over everything the rule engine can
// evaluate. Field access goes through Data(), a flat snake_case
// key/value view of the variant's fixed field set.
type Event interface {
	EventType() EventType
	DeviceSerial() string
	OccurredAt() time.Time
	Sequence() int64
	Data() map[string]string
}

// Field returns the named field of an event, or ok=false when the
// field is not part of that event type's schema.
func Field(ev Event, name string) (string, bool) {
	v, ok := ev.Data()[name]
	return v, ok
}

// Meta carries the identity shared by all event variants. Seq is a
// per-device monotonic sequence assigned by the store on insert; the
// rule engine orders previous-event lookups by it.
type Meta struct {
	Serial string    `json:"device_serial"`
	At     time.Time `json:"timestamp"`
	Seq    int64     `json:"seq"`
}

func (m Meta) DeviceSerial() string  { return m.Serial }
func (m Meta) OccurredAt() time.Time { return m.At }
func (m Meta) Sequence() int64       { return m.Seq }

// SetSequence is called by the store when the event row is written.
func (m *Meta) SetSequence(seq int64) { m.Seq = seq }

// EventRecord is the stored form of an event, used when history is
// read back for previous-event comparison and the ops API.
type EventRecord struct {
	Meta
	Type   EventType         `json:"event_type"`
	Fields map[string]string `json:"fields"`
}

func (r *EventRecord) EventType() EventType    { return r.Type }
func (r *EventRecord) Data() map[string]string { return r.Fields }

// TagRead is one observation of a tag. Optional numeric fields are nil
// when absent or rejected by the normalizer's range guards.
type TagRead struct {
	Meta
	EPC               string     `json:"epc"`
	AntennaPort       *int       `json:"antenna_port,omitempty"`
	AntennaName       string     `json:"antenna_name,omitempty"`
	PeakRSSICdbm      *float64   `json:"peak_rssi_cdbm,omitempty"`
	Frequency         *float64   `json:"frequency,omitempty"`
	TransmitPowerCdbm *float64   `json:"transmit_power_cdbm,omitempty"`
	LastSeenTime      *time.Time `json:"last_seen_time,omitempty"`
	RFPhase           *float64   `json:"rf_phase,omitempty"`
	TID               string     `json:"tid,omitempty"`
	TIDHex            string     `json:"tid_hex,omitempty"`
}

func (e *TagRead) EventType() EventType { return EventTagRead }

func (e *TagRead) Data() map[string]string {
	d := map[string]string{
		"epc":       e.EPC,
		"timestamp": formatTime(e.At),
	}
	putStr(d, "antenna_name", e.AntennaName)
	putStr(d, "tid", e.TID)
	putStr(d, "tid_hex", e.TIDHex)
	putInt(d, "antenna_port", e.AntennaPort)
	putFloat(d, "peak_rssi_cdbm", e.PeakRSSICdbm)
	putFloat(d, "frequency", e.Frequency)
	putFloat(d, "transmit_power_cdbm", e.TransmitPowerCdbm)
	putFloat(d, "rf_phase", e.RFPhase)
	if e.LastSeenTime != nil {
		d["last_seen_time"] = formatTime(*e.LastSeenTime)
	}
	return d
}

// AntennaStatus is the per-antenna block nested in a status event.
type AntennaStatus struct {
	AntennaNumber        int    `json:"antenna_number"`
	Enabled              bool   `json:"enabled"`
	Zone                 string `json:"zone,omitempty"`
	TxPower              int    `json:"tx_power,omitempty"`
	RxSensitivity        int    `json:"rx_sensitivity,omitempty"`
	OperationalStatus    string `json:"operational_status,omitempty"`
	LastPowerLevel       int    `json:"last_power_level,omitempty"`
	LastNoiseLevel       int    `json:"last_noise_level,omitempty"`
	EnergizedTime        int    `json:"energized_time,omitempty"`
	UniqueInventoryCount int    `json:"unique_inventory_count,omitempty"`
	TotalInventoryCount  int    `json:"total_inventory_count,omitempty"`
	FailedInventoryCount int    `json:"failed_inventory_count,omitempty"`
	ReadCount            int    `json:"read_count,omitempty"`
	FailedReadCount      int    `json:"failed_read_count,omitempty"`
	WriteCount           int    `json:"write_count,omitempty"`
	FailedWriteCount     int    `json:"failed_write_count,omitempty"`
}

// StatusEvent is the periodic full-telemetry report a reader publishes
// on its management events topic.
type StatusEvent struct {
	Meta
	ReaderName            string `json:"reader_name"`
	MACAddress            string `json:"mac_address"`
	Status                string `json:"status"`
	Component             string `json:"component"`
	IPAddresses           string `json:"ip_addresses"`
	ActivePreset          string `json:"active_preset,omitempty"`
	Manufacturer          string `json:"manufacturer,omitempty"`
	ProductHLA            string `json:"product_hla,omitempty"`
	ProductModel          string `json:"product_model,omitempty"`
	ProductSKU            string `json:"product_sku,omitempty"`
	ProductDescription    string `json:"product_description,omitempty"`
	IsAntennaHubEnabled   bool   `json:"is_antenna_hub_enabled"`
	OperatingRegion       string `json:"reader_operating_region,omitempty"`
	GPI1                  string `json:"gpi1,omitempty"`
	GPI2                  string `json:"gpi2,omitempty"`
	GPO1AdminStatus       string `json:"gpo1_admin_status,omitempty"`
	GPO2AdminStatus       string `json:"gpo2_admin_status,omitempty"`
	GPO3AdminStatus       string `json:"gpo3_admin_status,omitempty"`
	GPO1OperationStatus   string `json:"gpo1_operation_status,omitempty"`
	GPO2OperationStatus   string `json:"gpo2_operation_status,omitempty"`
	GPO3OperationStatus   string `json:"gpo3_operation_status,omitempty"`
	BootEnvVersion        string `json:"boot_env_version,omitempty"`
	HLAVersion            string `json:"hla_version,omitempty"`
	HardwareVersion       string `json:"hardware_version,omitempty"`
	ModelName             string `json:"model_name,omitempty"`
	SerialNumber          string `json:"serial_number,omitempty"`
	BIOSVersion           string `json:"bios_version,omitempty"`
	UptimeSeconds         int64  `json:"uptime_seconds"`
	BootStatus            string `json:"boot_status,omitempty"`
	BootReason            string `json:"boot_reason,omitempty"`
	PowerFailTime         int64  `json:"power_fail_time"`
	ActivePowerSource     string `json:"active_power_source,omitempty"`
	TotalMemory           int64  `json:"total_memory"`
	FreeMemory            int64  `json:"free_memory"`
	UsedMemory            int64  `json:"used_memory"`
	CPUUtilization        int64  `json:"cpu_utilization"`
	TotalConfigStorage    int64  `json:"total_configuration_storage_space"`
	FreeConfigStorage     int64  `json:"free_configuration_storage_space"`
	TotalAppStorage       int64  `json:"total_application_storage_space"`
	FreeAppStorage        int64  `json:"free_application_storage_space"`
	PoEServiceEnabled     bool   `json:"service_enabled"`
	PoENegotiationState   string `json:"negotiation_state,omitempty"`
	PoERequestedPower     int64  `json:"requested_power"`
	PoEAllocatedPower     int64  `json:"allocated_power"`
	PowerSource           string `json:"power_source,omitempty"`
	PrimaryImageType      string `json:"primary_image_type,omitempty"`
	PrimaryImageState     string `json:"primary_image_state,omitempty"`
	PrimaryImageVersion   string `json:"primary_image_system_version,omitempty"`
	SecondaryImageType    string `json:"secondary_image_type,omitempty"`
	SecondaryImageState   string `json:"secondary_image_state,omitempty"`
	SecondaryImageVersion string `json:"secondary_image_system_version,omitempty"`

	Antennas []AntennaStatus `json:"antennas,omitempty"`
}

func (e *StatusEvent) EventType() EventType { return EventStatus }

func (e *StatusEvent) Data() map[string]string {
	d := map[string]string{
		"reader_name": e.ReaderName,
		"timestamp":   formatTime(e.At),
		"status":      e.Status,
	}
	putStr(d, "mac_address", e.MACAddress)
	putStr(d, "component", e.Component)
	putStr(d, "ip_addresses", e.IPAddresses)
	putStr(d, "active_preset", e.ActivePreset)
	putStr(d, "manufacturer", e.Manufacturer)
	putStr(d, "product_hla", e.ProductHLA)
	putStr(d, "product_model", e.ProductModel)
	putStr(d, "product_sku", e.ProductSKU)
	putStr(d, "product_description", e.ProductDescription)
	d["is_antenna_hub_enabled"] = strconv.FormatBool(e.IsAntennaHubEnabled)
	putStr(d, "reader_operating_region", e.OperatingRegion)
	putStr(d, "gpi1", e.GPI1)
	putStr(d, "gpi2", e.GPI2)
	putStr(d, "gpo1_admin_status", e.GPO1AdminStatus)
	putStr(d, "gpo2_admin_status", e.GPO2AdminStatus)
	putStr(d, "gpo3_admin_status", e.GPO3AdminStatus)
	putStr(d, "gpo1_operation_status", e.GPO1OperationStatus)
	putStr(d, "gpo2_operation_status", e.GPO2OperationStatus)
	putStr(d, "gpo3_operation_status", e.GPO3OperationStatus)
	putStr(d, "boot_env_version", e.BootEnvVersion)
	putStr(d, "hla_version", e.HLAVersion)
	putStr(d, "hardware_version", e.HardwareVersion)
	putStr(d, "model_name", e.ModelName)
	putStr(d, "serial_number", e.SerialNumber)
	putStr(d, "bios_version", e.BIOSVersion)
	d["uptime_seconds"] = strconv.FormatInt(e.UptimeSeconds, 10)
	putStr(d, "boot_status", e.BootStatus)
	putStr(d, "boot_reason", e.BootReason)
	d["power_fail_time"] = strconv.FormatInt(e.PowerFailTime, 10)
	putStr(d, "active_power_source", e.ActivePowerSource)
	d["total_memory"] = strconv.FormatInt(e.TotalMemory, 10)
	d["free_memory"] = strconv.FormatInt(e.FreeMemory, 10)
	d["used_memory"] = strconv.FormatInt(e.UsedMemory, 10)
	d["cpu_utilization"] = strconv.FormatInt(e.CPUUtilization, 10)
	d["total_configuration_storage_space"] = strconv.FormatInt(e.TotalConfigStorage, 10)
	d["free_configuration_storage_space"] = strconv.FormatInt(e.FreeConfigStorage, 10)
	d["total_application_storage_space"] = strconv.FormatInt(e.TotalAppStorage, 10)
	d["free_application_storage_space"] = strconv.FormatInt(e.FreeAppStorage, 10)
	d["service_enabled"] = strconv.FormatBool(e.PoEServiceEnabled)
	putStr(d, "negotiation_state", e.PoENegotiationState)
	d["requested_power"] = strconv.FormatInt(e.PoERequestedPower, 10)
	d["allocated_power"] = strconv.FormatInt(e.PoEAllocatedPower, 10)
	putStr(d, "power_source", e.PowerSource)
	putStr(d, "primary_image_type", e.PrimaryImageType)
	putStr(d, "primary_image_state", e.PrimaryImageState)
	putStr(d, "primary_image_system_version", e.PrimaryImageVersion)
	putStr(d, "secondary_image_type", e.SecondaryImageType)
	putStr(d, "secondary_image_state", e.SecondaryImageState)
	putStr(d, "secondary_image_system_version", e.SecondaryImageVersion)
	return d
}

// ConnectionEvent marks a reader (re)attaching to the broker.
type ConnectionEvent struct {
	Meta
	Status string `json:"status"`
}

func (e *ConnectionEvent) EventType() EventType { return EventConnection }
func (e *ConnectionEvent) Data() map[string]string {
	return map[string]string{"status": e.Status, "timestamp": formatTime(e.At)}
}

type DisconnectionEvent struct {
	Meta
	Status string `json:"status"`
}

func (e *DisconnectionEvent) EventType() EventType { return EventDisconnection }
func (e *DisconnectionEvent) Data() map[string]string {
	return map[string]string{"status": e.Status, "timestamp": formatTime(e.At)}
}

type InventoryStatusEvent struct {
	Meta
	Status string `json:"status"`
}

func (e *InventoryStatusEvent) EventType() EventType { return EventInventoryStatus }
func (e *InventoryStatusEvent) Data() map[string]string {
	return map[string]string{"status": e.Status, "timestamp": formatTime(e.At)}
}

// HeartbeatEvent carries the raw tag_reads array the reader sent along
// with its liveness marker.
type HeartbeatEvent struct {
	Meta
	ReaderName string `json:"reader_name"`
	MACAddress string `json:"mac_address"`
	TagReads   string `json:"tag_reads"` // raw JSON as received
}

func (e *HeartbeatEvent) EventType() EventType { return EventHeartbeat }
func (e *HeartbeatEvent) Data() map[string]string {
	d := map[string]string{
		"reader_name": e.ReaderName,
		"timestamp":   formatTime(e.At),
	}
	putStr(d, "mac_address", e.MACAddress)
	putStr(d, "tag_reads", e.TagReads)
	return d
}

type GPIEvent struct {
	Meta
	ReaderName string `json:"reader_name"`
	MACAddress string `json:"mac_address"`
	GPI1State  string `json:"gpi1_state"`
	GPI2State  string `json:"gpi2_state"`
}

func (e *GPIEvent) EventType() EventType { return EventGPI }
func (e *GPIEvent) Data() map[string]string {
	d := map[string]string{
		"reader_name": e.ReaderName,
		"gpi1_state":  e.GPI1State,
		"gpi2_state":  e.GPI2State,
		"timestamp":   formatTime(e.At),
	}
	putStr(d, "mac_address", e.MACAddress)
	return d
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func putStr(d map[string]string, key, val string) {
	if val != "" {
		d[key] = val
	}
}

func putInt(d map[string]string, key string, val *int) {
	if val != nil {
		d[key] = strconv.Itoa(*val)
	}
}

func putFloat(d map[string]string, key string, val *float64) {
	if val != nil {
		d[key] = strconv.FormatFloat(*val, 'f', -1, 64)
	}
}
