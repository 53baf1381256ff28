package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"rffleet/internal/alerts"
	"rffleet/internal/model"
	"rffleet/internal/storage"
)

// Dispatcher executes a rule's actions in order. A failing action is
// recorded and the next one still runs; each action gets its own
// timeout so a hung endpoint cannot stall the chain.
type Dispatcher struct {
	mqtt          MQTTPublisher
	webhook       WebhookPoster
	store         storage.Store
	results       *alerts.ResultStore
	log           *slog.Logger
	defaultBroker BrokerParams
	actionTimeout time.Duration
}

func NewDispatcher(mqtt MQTTPublisher, webhook WebhookPoster, store storage.Store, results *alerts.ResultStore, defaultBroker BrokerParams, actionTimeout time.Duration, log *slog.Logger) *Dispatcher {
	if actionTimeout <= 0 {
		actionTimeout = 10 * time.Second
	}
	return &Dispatcher{
		mqtt:          mqtt,
		webhook:       webhook,
		store:         store,
		results:       results,
		log:           log,
		defaultBroker: defaultBroker,
		actionTimeout: actionTimeout,
	}
}

// Dispatch runs the actions for one fired alert. Returns one result
// per action regardless of failures.
func (d *Dispatcher) Dispatch(ctx context.Context, alert model.Alert, actions []model.AlertAction) []model.ActionResult {
	ordered := make([]model.AlertAction, len(actions))
	copy(ordered, actions)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Order < ordered[j].Order })

	data := templateData(alert)
	out := make([]model.ActionResult, 0, len(ordered))
	for _, action := range ordered {
		body := Render(action.MessageTemplate, data)
		err := d.execute(ctx, action, body)
		result := model.ActionResult{
			Kind:         string(action.ActionType),
			Target:       action.Destination,
			DeviceSerial: alert.DeviceSerial,
			Success:      err == nil,
			Attempt:      1,
			Timestamp:    time.Now().UTC(),
			RuleID:       alert.RuleID,
		}
		if err != nil {
			result.Message = err.Error()
			d.log.Warn("alert action failed",
				"rule", alert.RuleName, "type", action.ActionType, "target", action.Destination, "error", err)
		}
		d.record(ctx, result)
		out = append(out, result)
	}
	return out
}

func (d *Dispatcher) execute(ctx context.Context, action model.AlertAction, body string) error {
	actx, cancel := context.WithTimeout(ctx, d.timeoutFor(action))
	defer cancel()
	switch action.ActionType {
	case model.ActionMQTT:
		return d.mqtt.Publish(actx, d.brokerFor(action), OutboundMessage{
			Topic:   action.Destination,
			Payload: []byte(body),
			QoS:     paramByte(action.Parameters, "qos", 0),
			Retain:  paramBool(action.Parameters, "retain"),
		})
	case model.ActionWebhook:
		return d.webhook.Post(actx, action.Destination, headerParams(action.Parameters), []byte(body))
	default:
		return fmt.Errorf("unknown action type %q", action.ActionType)
	}
}

func (d *Dispatcher) record(ctx context.Context, result model.ActionResult) {
	if d.store != nil {
		if err := d.store.SaveActionResult(ctx, result); err != nil {
			d.log.Error("persisting action result failed", "error", err)
		}
	}
	if d.results != nil {
		d.results.Add(result)
	}
}

func (d *Dispatcher) timeoutFor(action model.AlertAction) time.Duration {
	if raw, ok := action.Parameters["timeout"]; ok {
		if dur, err := time.ParseDuration(raw); err == nil && dur > 0 {
			return dur
		}
		if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return d.actionTimeout
}

// brokerFor resolves the action's broker connection, falling back to
// the process default for any parameter the action leaves unset.
func (d *Dispatcher) brokerFor(action model.AlertAction) BrokerParams {
	bp := d.defaultBroker
	p := action.Parameters
	if p == nil {
		return bp
	}
	if v, ok := p["broker_url"]; ok && v != "" {
		bp.URL = v
	} else if host, ok := p["broker_host"]; ok && host != "" {
		port := p["broker_port"]
		if port == "" {
			port = "1883"
		}
		bp.URL = "tcp://" + host + ":" + port
	}
	if v, ok := p["username"]; ok {
		bp.Username = v
		bp.Password = p["password"]
	}
	if paramBool(p, "tls_insecure") {
		bp.InsecureTLS = true
	}
	return bp
}

func templateData(alert model.Alert) map[string]string {
	data := make(map[string]string, len(alert.EventData)+4)
	for k, v := range alert.EventData {
		data[k] = v
	}
	data["event_type"] = string(alert.EventType)
	data["device_serial"] = alert.DeviceSerial
	data["rule_name"] = alert.RuleName
	if _, ok := data["reader_name"]; !ok {
		data["reader_name"] = alert.DeviceSerial
	}
	if _, ok := data["timestamp"]; !ok {
		data["timestamp"] = alert.TriggeredAt.UTC().Format(time.RFC3339Nano)
	}
	return data
}

// headerParams extracts header_* entries, e.g. header_Authorization.
func headerParams(params map[string]string) map[string]string {
	if len(params) == 0 {
		return nil
	}
	headers := make(map[string]string)
	for k, v := range params {
		if name, ok := strings.CutPrefix(k, "header_"); ok {
			headers[name] = v
		}
	}
	return headers
}

func paramBool(params map[string]string, key string) bool {
	v := strings.ToLower(params[key])
	return v == "true" || v == "1" || v == "yes"
}

func paramByte(params map[string]string, key string, def byte) byte {
	if v, ok := params[key]; ok {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 && n <= 2 {
			return byte(n)
		}
	}
	return def
}
