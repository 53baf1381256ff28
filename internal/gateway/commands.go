package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"rffleet/internal/dispatch"
	"rffleet/internal/model"
	"rffleet/internal/storage"
)

const (
	CommandTypeControl    = "control"
	CommandTypeManagement = "management"
)

// Commander renders command templates and publishes them to a device's
// command topic, tracking each command until its response arrives on
// the matching response topic.
type Commander struct {
	gw     *Gateway
	mqtt   dispatch.MQTTPublisher
	broker dispatch.BrokerParams
}

func NewCommander(gw *Gateway, mqtt dispatch.MQTTPublisher, broker dispatch.BrokerParams) *Commander {
	return &Commander{gw: gw, mqtt: mqtt, broker: broker}
}

// SendCommand publishes a rendered command template to the device. The
// template may reference {{reader_serial}}, {{command_id}} and
// {{timestamp}}. Returns the command ID used for response correlation.
func (c *Commander) SendCommand(ctx context.Context, dev model.Device, commandType, template string) (string, error) {
	var topic string
	switch commandType {
	case CommandTypeControl:
		topic = dev.Topics.ControlCommand
	case CommandTypeManagement:
		topic = dev.Topics.ManagementCommand
	default:
		return "", fmt.Errorf("unknown command type %q", commandType)
	}
	if topic == "" {
		return "", fmt.Errorf("device %s has no %s command topic", dev.SerialNumber, commandType)
	}

	commandID := uuid.New().String()
	now := time.Now().UTC()
	payload := renderCommand(template, map[string]string{
		"reader_serial": dev.SerialNumber,
		"command_id":    commandID,
		"timestamp":     now.Format(time.RFC3339),
	})

	cmd := model.Command{
		CommandID:    commandID,
		DeviceSerial: dev.SerialNumber,
		CommandType:  commandType,
		Payload:      payload,
		State:        model.CommandPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := c.gw.store.SaveCommand(ctx, cmd); err != nil {
		return "", fmt.Errorf("recording command: %w", err)
	}

	err := c.mqtt.Publish(ctx, c.broker, dispatch.OutboundMessage{
		Topic:   topic,
		Payload: []byte(payload),
		QoS:     dev.Topics.QoS,
		Retain:  dev.Topics.Retain,
	})
	if err != nil {
		if uerr := c.gw.store.UpdateCommand(ctx, commandID, model.CommandError, err.Error()); uerr != nil {
			c.gw.log.Error("updating command state failed", "command", commandID, "error", uerr)
		}
		return commandID, fmt.Errorf("publishing command to %s: %w", dev.SerialNumber, err)
	}
	if uerr := c.gw.store.UpdateCommand(ctx, commandID, model.CommandSent, ""); uerr != nil {
		c.gw.log.Error("updating command state failed", "command", commandID, "error", uerr)
	}
	c.gw.log.Info("command sent", "device", dev.SerialNumber, "type", commandType, "command", commandID)
	return commandID, nil
}

// HandleResponse correlates an inbound response payload with the
// pending command it answers. Responses without a recognizable
// command_id are logged and dropped.
func (c *Commander) HandleResponse(ctx context.Context, serial string, payload []byte) error {
	var resp struct {
		CommandID string `json:"command_id"`
		Status    string `json:"status"`
	}
	if err := json.Unmarshal(payload, &resp); err != nil || resp.CommandID == "" {
		c.gw.log.Warn("command response without command_id", "device", serial)
		return nil
	}
	if _, err := c.gw.store.GetCommand(ctx, resp.CommandID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.gw.log.Warn("response for unknown command", "device", serial, "command", resp.CommandID)
			return nil
		}
		return err
	}
	state := model.CommandSuccess
	if strings.EqualFold(resp.Status, "error") || strings.EqualFold(resp.Status, "failed") {
		state = model.CommandError
	}
	if err := c.gw.store.UpdateCommand(ctx, resp.CommandID, state, string(payload)); err != nil {
		return fmt.Errorf("updating command %s: %w", resp.CommandID, err)
	}
	c.gw.log.Info("command response recorded", "device", serial, "command", resp.CommandID, "state", state)
	return nil
}

func renderCommand(template string, vars map[string]string) string {
	out := template
	for k, v := range vars {
		out = strings.ReplaceAll(out, "{{"+k+"}}", v)
	}
	return out
}
