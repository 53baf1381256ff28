package ingest

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"rffleet/internal/config"
	"rffleet/internal/gateway"
	"rffleet/internal/model"
	"rffleet/internal/normalize"
	"rffleet/internal/storage"
)

// topicKind classifies an inbound topic against a device's configured
// topic names.
type topicKind int

const (
	topicUnknown topicKind = iota
	topicTagEvents
	topicManagementEvents
	topicManagementResponse
	topicControlResponse
)

// MQTTIngest subscribes to the reader topic tree and routes messages
// by the owning device's configured topic names. Routing is per
// device because topic names are operator-configurable.
type MQTTIngest struct {
	client    mqtt.Client
	store     storage.Store
	norm      *normalize.Normalizer
	pipeline  *Pipeline
	commander *gateway.Commander
	logger    *slog.Logger
	topicRoot string
}

func StartMQTT(ctx context.Context, cfg *config.Manager, store storage.Store, norm *normalize.Normalizer, pipeline *Pipeline, commander *gateway.Commander, logger *slog.Logger) (*MQTTIngest, error) {
	current := cfg.Get().Ingest.MQTT
	if !current.Enabled {
		if logger != nil {
			logger.Info("mqtt ingest disabled")
		}
		return nil, nil
	}

	m := &MQTTIngest{
		store:     store,
		norm:      norm,
		pipeline:  pipeline,
		commander: commander,
		logger:    logger,
		topicRoot: current.TopicRoot,
	}
	if m.topicRoot == "" {
		m.topicRoot = "smartreader"
	}

	clientID := current.ClientID
	if clientID == "" {
		clientID = "rffleet-ingest-" + uuid.NewString()[:8]
	}
	opts := mqtt.NewClientOptions().
		AddBroker(current.BrokerURL).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second).
		SetOrderMatters(false)
	if current.Username != "" {
		opts.SetUsername(current.Username)
		opts.SetPassword(current.Password)
	}
	filter := m.topicRoot + "/+/#"
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		logger.Info("mqtt ingest connected", "broker", current.BrokerURL, "filter", filter)
		token := c.Subscribe(filter, 1, func(_ mqtt.Client, msg mqtt.Message) {
			m.route(ctx, msg.Topic(), msg.Payload())
		})
		if token.WaitTimeout(10*time.Second) && token.Error() != nil {
			logger.Error("mqtt subscribe failed", "filter", filter, "err", token.Error())
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt ingest connection lost", "err", err)
	})

	m.client = mqtt.NewClient(opts)
	token := m.client.Connect()
	if !token.WaitTimeout(15 * time.Second) {
		return nil, errors.New("mqtt connect timed out")
	}
	if err := token.Error(); err != nil {
		return nil, err
	}

	go func() {
		<-ctx.Done()
		m.client.Disconnect(250)
	}()
	return m, nil
}

func (m *MQTTIngest) route(ctx context.Context, topic string, payload []byte) {
	serial, ok := m.serialFromTopic(topic)
	if !ok {
		m.logger.Debug("topic outside reader tree", "topic", topic)
		return
	}
	dev, err := m.store.GetDevice(ctx, serial)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// ResolveDevice applies the unknown-device policy; route
			// as tag events so auto-provisioning can kick in.
			m.handleTagEvents(ctx, serial, payload)
			return
		}
		m.logger.Error("device lookup failed", "serial", serial, "err", err)
		return
	}

	switch classifyTopic(topic, dev.Topics) {
	case topicTagEvents:
		m.handleTagEvents(ctx, serial, payload)
	case topicManagementEvents:
		m.handleManagement(ctx, serial, payload)
	case topicManagementResponse, topicControlResponse:
		if m.commander != nil {
			if err := m.commander.HandleResponse(ctx, serial, payload); err != nil {
				m.logger.Error("command response handling failed", "serial", serial, "err", err)
			}
		}
	default:
		m.logger.Debug("unroutable topic", "topic", topic, "serial", serial)
	}
}

func (m *MQTTIngest) handleTagEvents(ctx context.Context, serial string, payload []byte) {
	events, err := m.norm.TagList(ctx, serial, payload)
	if err != nil {
		if errors.Is(err, normalize.ErrKeepalive) {
			return
		}
		if errors.Is(err, normalize.ErrUnknownDevice) {
			m.logger.Warn("tag events from unknown device dropped", "serial", serial)
			return
		}
		m.logger.Warn("malformed tag event payload", "serial", serial, "err", err)
		return
	}
	for _, ev := range events {
		m.pipeline.Submit(ctx, ev)
	}
}

func (m *MQTTIngest) handleManagement(ctx context.Context, serial string, payload []byte) {
	ev, err := m.norm.Management(ctx, serial, payload)
	if err != nil {
		switch {
		case errors.Is(err, normalize.ErrUnhandled):
			m.logger.Warn("unrecognized management payload", "serial", serial, "err", err)
		case errors.Is(err, normalize.ErrUnknownDevice):
			m.logger.Warn("management event from unknown device dropped", "serial", serial)
		default:
			m.logger.Warn("malformed management payload", "serial", serial, "err", err)
		}
		return
	}
	m.pipeline.Submit(ctx, ev)
}

func (m *MQTTIngest) serialFromTopic(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 || parts[0] != m.topicRoot || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// classifyTopic matches the full topic against the device's configured
// names, then falls back to matching the final path segment, which
// covers devices configured with bare suffixes.
func classifyTopic(topic string, topics model.DeviceTopics) topicKind {
	candidates := []struct {
		name string
		kind topicKind
	}{
		{topics.TagEvents, topicTagEvents},
		{topics.ManagementEvents, topicManagementEvents},
		{topics.ManagementResponse, topicManagementResponse},
		{topics.ControlResponse, topicControlResponse},
	}
	for _, c := range candidates {
		if c.name != "" && c.name == topic {
			return c.kind
		}
	}
	last := topic[strings.LastIndex(topic, "/")+1:]
	for _, c := range candidates {
		if c.name == "" {
			continue
		}
		if c.name[strings.LastIndex(c.name, "/")+1:] == last {
			return c.kind
		}
	}
	return topicUnknown
}
