package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{
		"log_level": "debug",
		"storage": {"driver": "sqlite", "dsn": "file:test.db"},
		"ingest": {"webhook": {"enabled": true, "addr": ":9090"}}
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log_level = %q", cfg.LogLevel)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Fatalf("storage.driver = %q", cfg.Storage.Driver)
	}
	if cfg.Ingest.Webhook.Addr != ":9090" {
		t.Fatalf("webhook.addr = %q", cfg.Ingest.Webhook.Addr)
	}
	// defaults fill the rest
	if cfg.Ingest.Workers == 0 || cfg.Presence.SweepInterval == 0 {
		t.Fatal("defaults not applied")
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
log_level: warn
ingest:
  unknown_device: auto_provision
  mqtt:
    enabled: true
    broker_url: tcp://broker:1883
presence:
  sweep_interval: 45s
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Ingest.UnknownDevice != UnknownDeviceAutoProvision {
		t.Fatalf("unknown_device = %q", cfg.Ingest.UnknownDevice)
	}
	if cfg.Presence.SweepInterval != 45*time.Second {
		t.Fatalf("sweep_interval = %v", cfg.Presence.SweepInterval)
	}
	if !cfg.Ingest.MQTT.Enabled || cfg.Ingest.MQTT.BrokerURL != "tcp://broker:1883" {
		t.Fatalf("mqtt config = %+v", cfg.Ingest.MQTT)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad unknown device policy", func(c *Config) { c.Ingest.UnknownDevice = "drop" }},
		{"webhook without addr", func(c *Config) { c.Ingest.Webhook = WebhookConfig{Enabled: true} }},
		{"mqtt without broker", func(c *Config) { c.Ingest.MQTT.Enabled = true; c.Ingest.MQTT.BrokerURL = "" }},
		{"kafka missing topic", func(c *Config) {
			c.Ingest.Kafka = KafkaConfig{Enabled: true, Brokers: []string{"k:9092"}, GroupID: "g"}
		}},
		{"api without addr", func(c *Config) { c.API = APIConfig{Enabled: true} }},
		{"bad storage driver", func(c *Config) { c.Storage.Driver = "mongodb" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			if err := Validate(cfg); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
	if err := Validate(DefaultConfig()); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
}

func TestManagerReloadOnChange(t *testing.T) {
	path := writeConfig(t, "config.json", `{"log_level": "info"}`)
	mgr, err := NewManager(path)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if mgr.Get().LogLevel != "info" {
		t.Fatalf("log_level = %q", mgr.Get().LogLevel)
	}

	// mtime granularity on some filesystems is one second
	future := time.Now().Add(2 * time.Second)
	if err := os.WriteFile(path, []byte(`{"log_level": "debug"}`), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	needs, err := mgr.NeedsReload()
	if err != nil {
		t.Fatalf("needs reload: %v", err)
	}
	if !needs {
		t.Fatal("expected reload to be needed")
	}
	if _, err := mgr.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if mgr.Get().LogLevel != "debug" {
		t.Fatalf("log_level after reload = %q", mgr.Get().LogLevel)
	}
}

func TestSeedMaterialize(t *testing.T) {
	path := writeConfig(t, "seed.yaml", `
devices:
  - serial_number: reader-01
    name: dock-door
    address: 10.0.0.10
    port: 443
    topics:
      tag_events: smartreader/reader-01/tagdata
      qos: 1
read_points:
  - name: dock-7
    device_serials: [reader-01]
    timeout_seconds: 30
rules:
  - name: cpu watch
    event_type: StatusEvent
    device_serials: [reader-01]
    conditions:
      - field: cpu_utilization
        comparison: greater_than
        threshold: "90"
    actions:
      - type: mqtt
        destination: alerts/cpu
`)
	seed, err := LoadSeed(path)
	if err != nil {
		t.Fatalf("load seed: %v", err)
	}
	devices, readPoints, rules := seed.Materialize()
	if len(devices) != 1 || devices[0].SerialNumber != "reader-01" {
		t.Fatalf("devices = %+v", devices)
	}
	if devices[0].Topics.QoS != 1 {
		t.Fatalf("qos = %d", devices[0].Topics.QoS)
	}
	if len(readPoints) != 1 || readPoints[0].TimeoutSeconds != 30 {
		t.Fatalf("read points = %+v", readPoints)
	}
	if len(rules) != 1 {
		t.Fatalf("rules = %+v", rules)
	}
	r := rules[0]
	if !r.Active {
		t.Fatal("seeded rule must default to active")
	}
	if len(r.Conditions) != 1 || r.Conditions[0].EventType != "StatusEvent" {
		t.Fatalf("conditions = %+v", r.Conditions)
	}
}

func TestSeedValidateRejections(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"duplicate serial", `
devices:
  - serial_number: r1
  - serial_number: r1
`},
		{"bad qos", `
devices:
  - serial_number: r1
    topics: {qos: 3}
`},
		{"zero timeout", `
read_points:
  - name: dock
    timeout_seconds: 0
`},
		{"bad comparison", `
rules:
  - name: r
    event_type: StatusEvent
    conditions:
      - field: cpu_utilization
        comparison: between
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, "seed.yaml", tc.content)
			if _, err := LoadSeed(path); err == nil {
				t.Fatal("expected seed validation error")
			}
		})
	}
}
