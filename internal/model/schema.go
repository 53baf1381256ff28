package model

import "fmt"

// FieldSpec maps one wire (reader JSON) key to its internal snake_case
// name. The tables below replace the original firmware's runtime
// reflection over field lists with a fixed schema built once and
// validated for uniqueness in both directions.
type FieldSpec struct {
	Wire     string
	Internal string
}

var statusFields = []FieldSpec{
	{"readerName", "reader_name"},
	{"macAddress", "mac_address"},
	{"status", "status"},
	{"component", "component"},
	{"ipAddresses", "ip_addresses"},
	{"activePreset", "active_preset"},
	{"manufacturer", "manufacturer"},
	{"productHla", "product_hla"},
	{"productModel", "product_model"},
	{"productSku", "product_sku"},
	{"productDescription", "product_description"},
	{"isAntennaHubEnabled", "is_antenna_hub_enabled"},
	{"readerOperatingRegion", "reader_operating_region"},
	{"gpi1", "gpi1"},
	{"gpi2", "gpi2"},
	{"GPO1AdminStatus", "gpo1_admin_status"},
	{"GPO2AdminStatus", "gpo2_admin_status"},
	{"GPO3AdminStatus", "gpo3_admin_status"},
	{"GPO1OperationStatus", "gpo1_operation_status"},
	{"GPO2OperationStatus", "gpo2_operation_status"},
	{"GPO3OperationStatus", "gpo3_operation_status"},
	{"BootEnvVersion", "boot_env_version"},
	{"HLAVersion", "hla_version"},
	{"HardwareVersion", "hardware_version"},
	{"ModelName", "model_name"},
	{"SerialNumber", "serial_number"},
	{"BIOSVersion", "bios_version"},
	{"UptimeSeconds", "uptime_seconds"},
	{"BootStatus", "boot_status"},
	{"BootReason", "boot_reason"},
	{"PowerFailTime", "power_fail_time"},
	{"ActivePowerSource", "active_power_source"},
	{"TotalMemory", "total_memory"},
	{"FreeMemory", "free_memory"},
	{"UsedMemory", "used_memory"},
	{"CPUUtilization", "cpu_utilization"},
	{"TotalConfigurationStorageSpace", "total_configuration_storage_space"},
	{"FreeConfigurationStorageSpace", "free_configuration_storage_space"},
	{"TotalApplicationStorageSpace", "total_application_storage_space"},
	{"FreeApplicationStorageSpace", "free_application_storage_space"},
	{"ServiceEnabled", "service_enabled"},
	{"NegotiationState", "negotiation_state"},
	{"RequestedPower", "requested_power"},
	{"AllocatedPower", "allocated_power"},
	{"PowerSource", "power_source"},
	{"PrimaryImageType", "primary_image_type"},
	{"PrimaryImageState", "primary_image_state"},
	{"PrimaryImageSystemVersion", "primary_image_system_version"},
	{"SecondaryImageType", "secondary_image_type"},
	{"SecondaryImageState", "secondary_image_state"},
	{"SecondaryImageSystemVersion", "secondary_image_system_version"},
}

var tagReadFields = []FieldSpec{
	{"epcHex", "epc"},
	{"antennaPort", "antenna_port"},
	{"antennaName", "antenna_name"},
	{"peakRssiCdbm", "peak_rssi_cdbm"},
	{"frequency", "frequency"},
	{"transmitPowerCdbm", "transmit_power_cdbm"},
	{"lastSeenTime", "last_seen_time"},
	{"rfPhase", "rf_phase"},
	{"tid", "tid"},
	{"tidHex", "tid_hex"},
	{"timestamp", "timestamp"},
}

var eventSchemas = map[EventType][]FieldSpec{
	EventTagRead: tagReadFields,
	EventStatus:  statusFields,
	EventConnection: {
		{"smartreader-mqtt-status", "status"},
		{"timestamp", "timestamp"},
	},
	EventDisconnection: {
		{"smartreader-mqtt-status", "status"},
		{"timestamp", "timestamp"},
	},
	EventInventoryStatus: {
		{"status", "status"},
		{"timestamp", "timestamp"},
	},
	EventHeartbeat: {
		{"readerName", "reader_name"},
		{"mac", "mac_address"},
		{"tag_reads", "tag_reads"},
		{"timestamp", "timestamp"},
	},
	EventGPI: {
		{"readerName", "reader_name"},
		{"mac", "mac_address"},
		{"gpi1_state", "gpi1_state"},
		{"gpi2_state", "gpi2_state"},
		{"timestamp", "timestamp"},
	},
}

var internalByType map[EventType]map[string]struct{}

func init() {
	if err := validateSchemas(); err != nil {
		panic(err)
	}
	internalByType = make(map[EventType]map[string]struct{}, len(eventSchemas))
	for et, specs := range eventSchemas {
		set := make(map[string]struct{}, len(specs))
		for _, s := range specs {
			set[s.Internal] = struct{}{}
		}
		internalByType[et] = set
	}
}

func validateSchemas() error {
	for et, specs := range eventSchemas {
		wires := make(map[string]struct{}, len(specs))
		internals := make(map[string]struct{}, len(specs))
		for _, s := range specs {
			if s.Wire == "" || s.Internal == "" {
				return fmt.Errorf("schema %s: empty field name", et)
			}
			if _, dup := wires[s.Wire]; dup {
				return fmt.Errorf("schema %s: duplicate wire name %q", et, s.Wire)
			}
			if _, dup := internals[s.Internal]; dup {
				return fmt.Errorf("schema %s: duplicate internal name %q", et, s.Internal)
			}
			wires[s.Wire] = struct{}{}
			internals[s.Internal] = struct{}{}
		}
	}
	return nil
}

// KnownEventType reports whether the given condition event_type names
// a member of the event union.
func KnownEventType(et EventType) bool {
	_, ok := eventSchemas[et]
	return ok
}

// KnownField reports whether field is part of the named event type's
// schema. Rule conditions are checked against this at write time.
func KnownField(et EventType, field string) bool {
	set, ok := internalByType[et]
	if !ok {
		return false
	}
	_, ok = set[field]
	return ok
}

// Schema returns the wire/internal field table for an event type.
func Schema(et EventType) []FieldSpec {
	return eventSchemas[et]
}
