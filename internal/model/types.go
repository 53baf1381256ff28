package model

import (
	"time"

	"github.com/google/uuid"
)

// Device identifies a physical RFID reader. Devices are created
// administratively (seed file or ops API) and referenced by events.
type Device struct {
	SerialNumber       string       `json:"serial_number" yaml:"serial_number"`
	Name               string       `json:"name" yaml:"name"`
	Address            string       `json:"address" yaml:"address"`
	Port               int          `json:"port" yaml:"port"`
	Username           string       `json:"username" yaml:"username"`
	Password           string       `json:"password" yaml:"password"`
	InsecureSkipVerify bool         `json:"insecure_skip_verify" yaml:"insecure_skip_verify"`
	ActivePresetID     string       `json:"active_preset_id" yaml:"active_preset_id"`
	AutoProvisioned    bool         `json:"auto_provisioned" yaml:"auto_provisioned"`
	Topics             DeviceTopics `json:"topics" yaml:"topics"`
}

// DeviceTopics holds the per-device MQTT topic names. Topic names are
// configurable per device, so inbound routing matches against these
// instead of hardcoded suffixes.
type DeviceTopics struct {
	TagEvents          string `json:"tag_events" yaml:"tag_events"`
	ManagementEvents   string `json:"management_events" yaml:"management_events"`
	ManagementCommand  string `json:"management_command" yaml:"management_command"`
	ManagementResponse string `json:"management_response" yaml:"management_response"`
	ControlCommand     string `json:"control_command" yaml:"control_command"`
	ControlResponse    string `json:"control_response" yaml:"control_response"`
	QoS                byte   `json:"qos" yaml:"qos"`
	Retain             bool   `json:"retain" yaml:"retain"`
}

// ReadPoint is a named physical location served by one or more devices.
// TimeoutSeconds must be positive; enforced at creation.
type ReadPoint struct {
	ID             int64    `json:"id" yaml:"id"`
	Name           string   `json:"name" yaml:"name"`
	DeviceSerials  []string `json:"device_serials" yaml:"device_serials"`
	TimeoutSeconds int      `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// TagTrace is one presence interval of an EPC at a read point.
// DepartedAt == nil means the tag is currently present. At most one
// open interval exists per (EPC, ReadPoint) at any time.
type TagTrace struct {
	ID          int64      `json:"id"`
	EPC         string     `json:"epc"`
	ReadPointID int64      `json:"read_point_id"`
	ArrivedAt   time.Time  `json:"arrived_at"`
	LastSeen    time.Time  `json:"last_seen"`
	DepartedAt  *time.Time `json:"departed_at,omitempty"`
}

// Open reports whether the interval has no recorded departure.
func (t TagTrace) Open() bool { return t.DepartedAt == nil }

type ComparisonType string

const (
	CompareEquals      ComparisonType = "equals"
	CompareGreaterThan ComparisonType = "greater_than"
	CompareLessThan    ComparisonType = "less_than"
	CompareRemainsSame ComparisonType = "remains_same"
)

type AlertCondition struct {
	ID             int64          `json:"id" yaml:"id"`
	EventType      EventType      `json:"event_type" yaml:"event_type"`
	FieldName      string         `json:"field_name" yaml:"field_name"`
	Operator       string         `json:"operator" yaml:"operator"`
	ComparisonType ComparisonType `json:"comparison_type" yaml:"comparison_type"`
	Threshold      string         `json:"threshold" yaml:"threshold"`
	// CompareWithPrevious switches greater_than and less_than from the
	// literal threshold to the previous event's field value.
	// remains_same always compares with the previous event.
	CompareWithPrevious bool `json:"compare_with_previous" yaml:"compare_with_previous"`
}

// Kind normalizes the condition's comparison. Legacy rules carry only
// the operator symbol; comparison_type wins when both are set.
func (c AlertCondition) Kind() ComparisonType {
	if c.ComparisonType != "" {
		return c.ComparisonType
	}
	switch c.Operator {
	case ">":
		return CompareGreaterThan
	case "<":
		return CompareLessThan
	case "=", "==":
		return CompareEquals
	}
	return CompareEquals
}

// NeedsPrevious reports whether evaluating the condition requires the
// previous event of the same type.
func (c AlertCondition) NeedsPrevious() bool {
	return c.Kind() == CompareRemainsSame || c.CompareWithPrevious
}

type ActionType string

const (
	ActionMQTT    ActionType = "mqtt"
	ActionWebhook ActionType = "webhook"
)

// AlertAction is one step of a rule's response. Parameters carries the
// per-action connection settings (broker host/credentials for mqtt,
// headers/timeout for webhook) as a flat key/value map.
type AlertAction struct {
	ID              int64             `json:"id" yaml:"id"`
	ActionType      ActionType        `json:"action_type" yaml:"action_type"`
	Destination     string            `json:"destination" yaml:"destination"`
	MessageTemplate string            `json:"message_template" yaml:"message_template"`
	Parameters      map[string]string `json:"parameters" yaml:"parameters"`
	Order           int               `json:"order" yaml:"order"`
}

type AlertRule struct {
	ID            int64            `json:"id" yaml:"id"`
	Name          string           `json:"name" yaml:"name"`
	Description   string           `json:"description" yaml:"description"`
	Active        bool             `json:"active" yaml:"active"`
	DeviceSerials []string         `json:"device_serials" yaml:"device_serials"`
	Conditions    []AlertCondition `json:"conditions" yaml:"conditions"`
	Actions       []AlertAction    `json:"actions" yaml:"actions"`
	TriggerCount  int64            `json:"trigger_count" yaml:"trigger_count"`
	LastTriggered *time.Time       `json:"last_triggered,omitempty" yaml:"last_triggered,omitempty"`
}

// AppliesTo reports whether the rule covers the given device.
func (r AlertRule) AppliesTo(serial string) bool {
	for _, s := range r.DeviceSerials {
		if s == serial {
			return true
		}
	}
	return false
}

// Alert is an immutable record of a rule firing.
type Alert struct {
	ID           int64             `json:"id"`
	RuleID       int64             `json:"rule_id"`
	RuleName     string            `json:"rule_name"`
	DeviceSerial string            `json:"device_serial"`
	EventType    EventType         `json:"event_type"`
	EventData    map[string]string `json:"event_data"`
	TriggeredAt  time.Time         `json:"triggered_at"`
	Resolved     bool              `json:"resolved"`
}

// ActionResult is one append-only audit row for a dispatch or
// config-push attempt. A retry creates a new row.
type ActionResult struct {
	ID           int64      `json:"id"`
	Kind         string     `json:"kind"` // "mqtt", "webhook", "config_push"
	Target       string     `json:"target"`
	DeviceSerial string     `json:"device_serial,omitempty"`
	Success      bool       `json:"success"`
	Message      string     `json:"message,omitempty"`
	Attempt      int        `json:"attempt"`
	Retry        bool       `json:"retry"`
	Timestamp    time.Time  `json:"timestamp"`
	RuleID       int64      `json:"rule_id,omitempty"`
	JobID        *uuid.UUID `json:"job_id,omitempty"`
}

type CommandState string

const (
	CommandPending    CommandState = "pending"
	CommandSent       CommandState = "sent"
	CommandNoResponse CommandState = "no_response"
	CommandError      CommandState = "error"
	CommandSuccess    CommandState = "success"
)

// Command tracks one MQTT command sent to a device and its eventual
// response, correlated by CommandID on the response topic.
type Command struct {
	CommandID    string       `json:"command_id"`
	DeviceSerial string       `json:"device_serial"`
	CommandType  string       `json:"command_type"` // "control" or "management"
	Payload      string       `json:"payload"`
	State        CommandState `json:"state"`
	Response     string       `json:"response,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}
