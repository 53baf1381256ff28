package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"rffleet/internal/model"
)

// Seed declares the devices, read points and alert rules to upsert into
// storage on startup. It replaces hand entry against a fresh database.
type Seed struct {
	Devices    []SeedDevice    `json:"devices" yaml:"devices"`
	ReadPoints []SeedReadPoint `json:"read_points" yaml:"read_points"`
	Rules      []SeedRule      `json:"rules" yaml:"rules"`
}

type SeedDevice struct {
	SerialNumber       string          `json:"serial_number" yaml:"serial_number"`
	Name               string          `json:"name" yaml:"name"`
	Address            string          `json:"address" yaml:"address"`
	Port               int             `json:"port" yaml:"port"`
	Username           string          `json:"username" yaml:"username"`
	Password           string          `json:"password" yaml:"password"`
	InsecureSkipVerify bool            `json:"insecure_skip_verify" yaml:"insecure_skip_verify"`
	Topics             SeedTopicConfig `json:"topics" yaml:"topics"`
}

type SeedTopicConfig struct {
	TagEvents          string `json:"tag_events" yaml:"tag_events"`
	ManagementEvents   string `json:"management_events" yaml:"management_events"`
	ManagementCommand  string `json:"management_command" yaml:"management_command"`
	ManagementResponse string `json:"management_response" yaml:"management_response"`
	ControlCommand     string `json:"control_command" yaml:"control_command"`
	ControlResponse    string `json:"control_response" yaml:"control_response"`
	QoS                int    `json:"qos" yaml:"qos"`
	Retain             bool   `json:"retain" yaml:"retain"`
}

type SeedReadPoint struct {
	ID             int64    `json:"id" yaml:"id"`
	Name           string   `json:"name" yaml:"name"`
	DeviceSerials  []string `json:"device_serials" yaml:"device_serials"`
	TimeoutSeconds int      `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// SeedRule mirrors model.AlertRule with an optional rule-level
// event_type that fills in conditions which leave theirs blank.
type SeedRule struct {
	ID            int64           `json:"id" yaml:"id"`
	Name          string          `json:"name" yaml:"name"`
	Description   string          `json:"description" yaml:"description"`
	Active        *bool           `json:"active" yaml:"active"`
	DeviceSerials []string        `json:"device_serials" yaml:"device_serials"`
	EventType     string          `json:"event_type" yaml:"event_type"`
	Conditions    []SeedCondition `json:"conditions" yaml:"conditions"`
	Actions       []SeedAction    `json:"actions" yaml:"actions"`
}

type SeedCondition struct {
	EventType           string `json:"event_type" yaml:"event_type"`
	Field               string `json:"field" yaml:"field"`
	Operator            string `json:"operator" yaml:"operator"`
	Comparison          string `json:"comparison" yaml:"comparison"`
	Threshold           string `json:"threshold" yaml:"threshold"`
	CompareWithPrevious bool   `json:"compare_with_previous" yaml:"compare_with_previous"`
}

type SeedAction struct {
	Type            string            `json:"type" yaml:"type"`
	Destination     string            `json:"destination" yaml:"destination"`
	MessageTemplate string            `json:"message_template" yaml:"message_template"`
	Parameters      map[string]string `json:"parameters" yaml:"parameters"`
}

func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse seed file %s: %w", path, err)
	}
	if err := seed.Validate(); err != nil {
		return nil, fmt.Errorf("seed file %s: %w", path, err)
	}
	return &seed, nil
}

func (s *Seed) Validate() error {
	serials := make(map[string]bool, len(s.Devices))
	for i, d := range s.Devices {
		if d.SerialNumber == "" {
			return fmt.Errorf("devices[%d]: serial_number is required", i)
		}
		if serials[d.SerialNumber] {
			return fmt.Errorf("devices[%d]: duplicate serial_number %q", i, d.SerialNumber)
		}
		serials[d.SerialNumber] = true
		if d.Topics.QoS < 0 || d.Topics.QoS > 2 {
			return fmt.Errorf("devices[%d] (%s): qos must be 0, 1 or 2", i, d.SerialNumber)
		}
	}
	for i, rp := range s.ReadPoints {
		if rp.Name == "" {
			return fmt.Errorf("read_points[%d]: name is required", i)
		}
		if rp.TimeoutSeconds <= 0 {
			return fmt.Errorf("read_points[%d] (%s): timeout_seconds must be positive", i, rp.Name)
		}
	}
	for i, r := range s.Rules {
		if r.Name == "" {
			return fmt.Errorf("rules[%d]: name is required", i)
		}
		for j, c := range r.Conditions {
			et := c.EventType
			if et == "" {
				et = r.EventType
			}
			if !model.KnownEventType(model.EventType(et)) {
				return fmt.Errorf("rules[%d] (%s) conditions[%d]: unknown event_type %q", i, r.Name, j, et)
			}
			if !model.KnownField(model.EventType(et), c.Field) {
				return fmt.Errorf("rules[%d] (%s) conditions[%d]: field %q not defined for event type %q", i, r.Name, j, c.Field, et)
			}
			switch model.ComparisonType(c.Comparison) {
			case model.CompareEquals, model.CompareGreaterThan, model.CompareLessThan, model.CompareRemainsSame:
			case "":
				// operator-only condition, Kind() derives the comparison
			default:
				return fmt.Errorf("rules[%d] (%s) conditions[%d]: unknown comparison %q", i, r.Name, j, c.Comparison)
			}
		}
		for j, a := range r.Actions {
			switch model.ActionType(a.Type) {
			case model.ActionMQTT, model.ActionWebhook:
			default:
				return fmt.Errorf("rules[%d] (%s) actions[%d]: unknown action type %q", i, r.Name, j, a.Type)
			}
			if a.Destination == "" {
				return fmt.Errorf("rules[%d] (%s) actions[%d]: destination is required", i, r.Name, j)
			}
		}
	}
	return nil
}

// Materialize converts seed records into model entities ready for upsert.
func (s *Seed) Materialize() ([]model.Device, []model.ReadPoint, []model.AlertRule) {
	devices := make([]model.Device, 0, len(s.Devices))
	for _, d := range s.Devices {
		devices = append(devices, model.Device{
			SerialNumber:       d.SerialNumber,
			Name:               d.Name,
			Address:            d.Address,
			Port:               d.Port,
			Username:           d.Username,
			Password:           d.Password,
			InsecureSkipVerify: d.InsecureSkipVerify,
			Topics: model.DeviceTopics{
				TagEvents:          d.Topics.TagEvents,
				ManagementEvents:   d.Topics.ManagementEvents,
				ManagementCommand:  d.Topics.ManagementCommand,
				ManagementResponse: d.Topics.ManagementResponse,
				ControlCommand:     d.Topics.ControlCommand,
				ControlResponse:    d.Topics.ControlResponse,
				QoS:                byte(d.Topics.QoS),
				Retain:             d.Topics.Retain,
			},
		})
	}
	points := make([]model.ReadPoint, 0, len(s.ReadPoints))
	for _, rp := range s.ReadPoints {
		points = append(points, model.ReadPoint{
			ID:             rp.ID,
			Name:           rp.Name,
			DeviceSerials:  append([]string(nil), rp.DeviceSerials...),
			TimeoutSeconds: rp.TimeoutSeconds,
		})
	}
	rules := make([]model.AlertRule, 0, len(s.Rules))
	for _, r := range s.Rules {
		active := true
		if r.Active != nil {
			active = *r.Active
		}
		conds := make([]model.AlertCondition, 0, len(r.Conditions))
		for _, c := range r.Conditions {
			et := c.EventType
			if et == "" {
				et = r.EventType
			}
			conds = append(conds, model.AlertCondition{
				EventType:           model.EventType(et),
				FieldName:           c.Field,
				Operator:            c.Operator,
				ComparisonType:      model.ComparisonType(c.Comparison),
				Threshold:           c.Threshold,
				CompareWithPrevious: c.CompareWithPrevious,
			})
		}
		acts := make([]model.AlertAction, 0, len(r.Actions))
		for j, a := range r.Actions {
			acts = append(acts, model.AlertAction{
				ActionType:      model.ActionType(a.Type),
				Destination:     a.Destination,
				MessageTemplate: a.MessageTemplate,
				Parameters:      a.Parameters,
				Order:           j,
			})
		}
		rules = append(rules, model.AlertRule{
			ID:            r.ID,
			Name:          r.Name,
			Description:   r.Description,
			Active:        active,
			DeviceSerials: append([]string(nil), r.DeviceSerials...),
			Conditions:    conds,
			Actions:       acts,
		})
	}
	return devices, points, rules
}
