package dispatch

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// BrokerParams identifies one broker connection. Actions may carry
// their own broker settings; actions without them use the process
// default.
type BrokerParams struct {
	URL         string
	Username    string
	Password    string
	ClientID    string
	InsecureTLS bool
}

func (b BrokerParams) key() string {
	return strings.Join([]string{b.URL, b.Username, fmt.Sprintf("%t", b.InsecureTLS)}, "|")
}

// OutboundMessage is one publish request.
type OutboundMessage struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// MQTTPublisher is the outbound MQTT surface the dispatcher and the
// command gateway share.
type MQTTPublisher interface {
	Publish(ctx context.Context, bp BrokerParams, msg OutboundMessage) error
}

// Pool keeps one connected client per distinct broker parameter set
// instead of a connect/publish/disconnect cycle per message. Clients
// reconnect automatically and live until Close.
type Pool struct {
	mu      sync.Mutex
	clients map[string]mqtt.Client
	log     *slog.Logger
	timeout time.Duration
}

func NewPool(log *slog.Logger, timeout time.Duration) *Pool {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Pool{clients: make(map[string]mqtt.Client), log: log, timeout: timeout}
}

func (p *Pool) client(bp BrokerParams) (mqtt.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cli, ok := p.clients[bp.key()]; ok && cli.IsConnectionOpen() {
		return cli, nil
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(bp.URL)
	clientID := bp.ClientID
	if clientID == "" {
		clientID = "rffleet-" + uuid.NewString()[:8]
	}
	opts.SetClientID(clientID)
	if bp.Username != "" {
		opts.SetUsername(bp.Username)
		opts.SetPassword(bp.Password)
	}
	if bp.InsecureTLS {
		opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: true})
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(p.timeout)
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		p.log.Warn("mqtt connection lost", "broker", bp.URL, "error", err)
	}
	cli := mqtt.NewClient(opts)
	if t := cli.Connect(); !t.WaitTimeout(p.timeout) || t.Error() != nil {
		if t.Error() != nil {
			return nil, fmt.Errorf("connect %s: %w", bp.URL, t.Error())
		}
		return nil, fmt.Errorf("connect %s: timeout", bp.URL)
	}
	p.clients[bp.key()] = cli
	return cli, nil
}

func (p *Pool) Publish(ctx context.Context, bp BrokerParams, msg OutboundMessage) error {
	cli, err := p.client(bp)
	if err != nil {
		return err
	}
	timeout := p.timeout
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < timeout {
			timeout = rem
		}
	}
	t := cli.Publish(msg.Topic, msg.QoS, msg.Retain, msg.Payload)
	if !t.WaitTimeout(timeout) {
		return fmt.Errorf("publish %s: timeout", msg.Topic)
	}
	return t.Error()
}

func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, cli := range p.clients {
		cli.Disconnect(250)
		delete(p.clients, key)
	}
}
