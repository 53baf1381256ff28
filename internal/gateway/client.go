package gateway

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"rffleet/internal/model"
)

// Preset is a named inventory configuration profile on a reader. The
// reader owns the schema; Configuration is passed through opaque.
type Preset struct {
	PresetID      string          `json:"presetId"`
	Configuration json.RawMessage `json:"configuration,omitempty"`
}

// Client talks to the readers' on-device REST API. Credentials and TLS
// verification are per device, so a fresh resty client is built per
// call rather than shared.
type Client struct {
	timeout time.Duration
}

func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{timeout: timeout}
}

func (c *Client) rest(dev model.Device) *resty.Client {
	rc := resty.New().
		SetTimeout(c.timeout).
		SetHeader("Content-Type", "application/json").
		SetBasicAuth(dev.Username, dev.Password)
	if dev.InsecureSkipVerify {
		rc.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}
	return rc
}

func baseURL(dev model.Device) string {
	port := dev.Port
	if port == 0 {
		port = 443
	}
	return fmt.Sprintf("https://%s:%d", dev.Address, port)
}

// ListPresets fetches the preset IDs the reader currently stores.
func (c *Client) ListPresets(ctx context.Context, dev model.Device) ([]string, error) {
	var ids []string
	resp, err := c.rest(dev).R().
		SetContext(ctx).
		SetResult(&ids).
		Get(baseURL(dev) + "/api/v1/profiles/inventory/presets")
	if err != nil {
		return nil, fmt.Errorf("listing presets on %s: %w", dev.SerialNumber, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("listing presets on %s: status %d", dev.SerialNumber, resp.StatusCode())
	}
	return ids, nil
}

// GetPreset fetches one preset's full configuration body.
func (c *Client) GetPreset(ctx context.Context, dev model.Device, presetID string) (Preset, error) {
	resp, err := c.rest(dev).R().
		SetContext(ctx).
		Get(baseURL(dev) + "/api/v1/profiles/inventory/presets/" + presetID)
	if err != nil {
		return Preset{}, fmt.Errorf("fetching preset %s on %s: %w", presetID, dev.SerialNumber, err)
	}
	if resp.IsError() {
		return Preset{}, fmt.Errorf("fetching preset %s on %s: status %d", presetID, dev.SerialNumber, resp.StatusCode())
	}
	return Preset{PresetID: presetID, Configuration: json.RawMessage(resp.Body())}, nil
}

// putConfiguration writes a preset body to the reader.
func (c *Client) putConfiguration(ctx context.Context, dev model.Device, presetID string, payload []byte) error {
	resp, err := c.rest(dev).R().
		SetContext(ctx).
		SetBody(payload).
		Put(baseURL(dev) + "/api/v1/profiles/inventory/presets/" + presetID)
	if err != nil {
		return fmt.Errorf("pushing preset %s to %s: %w", presetID, dev.SerialNumber, err)
	}
	if resp.IsError() {
		return fmt.Errorf("pushing preset %s to %s: status %d", presetID, dev.SerialNumber, resp.StatusCode())
	}
	return nil
}

// StartPreset activates a preset on the reader.
func (c *Client) StartPreset(ctx context.Context, dev model.Device, presetID string) error {
	resp, err := c.rest(dev).R().
		SetContext(ctx).
		Post(baseURL(dev) + "/api/v1/profiles/inventory/presets/" + presetID + "/start")
	if err != nil {
		return fmt.Errorf("starting preset %s on %s: %w", presetID, dev.SerialNumber, err)
	}
	if resp.IsError() {
		return fmt.Errorf("starting preset %s on %s: status %d", presetID, dev.SerialNumber, resp.StatusCode())
	}
	return nil
}

// StopPreset stops whatever preset the reader is running.
func (c *Client) StopPreset(ctx context.Context, dev model.Device) error {
	resp, err := c.rest(dev).R().
		SetContext(ctx).
		Post(baseURL(dev) + "/api/v1/profiles/stop")
	if err != nil {
		return fmt.Errorf("stopping preset on %s: %w", dev.SerialNumber, err)
	}
	if resp.IsError() {
		return fmt.Errorf("stopping preset on %s: status %d", dev.SerialNumber, resp.StatusCode())
	}
	return nil
}
