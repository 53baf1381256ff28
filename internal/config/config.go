package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// Policies for events arriving from a reader serial we have no record of.
const (
	UnknownDeviceReject        = "reject"
	UnknownDeviceAutoProvision = "auto_provision"
)

type Config struct {
	LogLevel string         `json:"log_level" yaml:"log_level"`
	Ingest   IngestConfig   `json:"ingest" yaml:"ingest"`
	Presence PresenceConfig `json:"presence" yaml:"presence"`
	Storage  StorageConfig  `json:"storage" yaml:"storage"`
	Gateway  GatewayConfig  `json:"gateway" yaml:"gateway"`
	API      APIConfig      `json:"api" yaml:"api"`
	Alerts   AlertsConfig   `json:"alerts" yaml:"alerts"`
	Results  ResultsConfig  `json:"results" yaml:"results"`
	SeedFile string         `json:"seed_file" yaml:"seed_file"`
}

type IngestConfig struct {
	ChannelBuffer int           `json:"channel_buffer" yaml:"channel_buffer"`
	Workers       int           `json:"workers" yaml:"workers"`
	UnknownDevice string        `json:"unknown_device" yaml:"unknown_device"`
	Webhook       WebhookConfig `json:"webhook" yaml:"webhook"`
	MQTT          MQTTConfig    `json:"mqtt" yaml:"mqtt"`
	Kafka         KafkaConfig   `json:"kafka" yaml:"kafka"`
}

type WebhookConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type MQTTConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	BrokerURL string `json:"broker_url" yaml:"broker_url"`
	Username  string `json:"username" yaml:"username"`
	Password  string `json:"password" yaml:"password"`
	ClientID  string `json:"client_id" yaml:"client_id"`
	TopicRoot string `json:"topic_root" yaml:"topic_root"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type PresenceConfig struct {
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
}

type StorageConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn"`
}

type GatewayConfig struct {
	Timeout       time.Duration `json:"timeout" yaml:"timeout"`
	RetryAttempts int           `json:"retry_attempts" yaml:"retry_attempts"`
	RetryBackoff  time.Duration `json:"retry_backoff" yaml:"retry_backoff"`
	MaxBackoff    time.Duration `json:"max_backoff" yaml:"max_backoff"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type AlertsConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

type ResultsConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Ingest: IngestConfig{
			ChannelBuffer: 10000,
			Workers:       4,
			UnknownDevice: UnknownDeviceReject,
			Webhook:       WebhookConfig{Enabled: true, Addr: ":8080"},
			MQTT:          MQTTConfig{BrokerURL: "tcp://localhost:1883", ClientID: "rffleet", TopicRoot: "smartreader"},
		},
		Presence: PresenceConfig{SweepInterval: 30 * time.Second},
		Storage:  StorageConfig{Driver: "memory"},
		Gateway: GatewayConfig{
			Timeout:       10 * time.Second,
			RetryAttempts: 3,
			RetryBackoff:  2 * time.Second,
			MaxBackoff:    30 * time.Second,
		},
		API:     APIConfig{Enabled: true, Addr: ":8081"},
		Alerts:  AlertsConfig{StoreLimit: 1000},
		Results: ResultsConfig{StoreLimit: 2000},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	if cfg.Ingest.ChannelBuffer <= 0 {
		cfg.Ingest.ChannelBuffer = 10000
	}
	if cfg.Ingest.Workers <= 0 {
		cfg.Ingest.Workers = 4
	}
	if cfg.Ingest.UnknownDevice == "" {
		cfg.Ingest.UnknownDevice = UnknownDeviceReject
	}
	if cfg.Ingest.MQTT.TopicRoot == "" {
		cfg.Ingest.MQTT.TopicRoot = "smartreader"
	}
	if cfg.Ingest.MQTT.ClientID == "" {
		cfg.Ingest.MQTT.ClientID = "rffleet"
	}
	if cfg.Presence.SweepInterval <= 0 {
		cfg.Presence.SweepInterval = 30 * time.Second
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "memory"
	}
	if cfg.Gateway.Timeout <= 0 {
		cfg.Gateway.Timeout = 10 * time.Second
	}
	if cfg.Gateway.RetryAttempts <= 0 {
		cfg.Gateway.RetryAttempts = 3
	}
	if cfg.Gateway.RetryBackoff <= 0 {
		cfg.Gateway.RetryBackoff = 2 * time.Second
	}
	if cfg.Gateway.MaxBackoff < cfg.Gateway.RetryBackoff {
		cfg.Gateway.MaxBackoff = 30 * time.Second
	}
	if cfg.Alerts.StoreLimit <= 0 {
		cfg.Alerts.StoreLimit = 1000
	}
	if cfg.Results.StoreLimit <= 0 {
		cfg.Results.StoreLimit = 2000
	}
}

func Validate(cfg *Config) error {
	switch cfg.Ingest.UnknownDevice {
	case UnknownDeviceReject, UnknownDeviceAutoProvision:
	default:
		return fmt.Errorf("ingest.unknown_device must be %q or %q", UnknownDeviceReject, UnknownDeviceAutoProvision)
	}
	if cfg.Ingest.Webhook.Enabled && cfg.Ingest.Webhook.Addr == "" {
		return errors.New("ingest.webhook.addr required when ingest.webhook.enabled is true")
	}
	if cfg.Ingest.MQTT.Enabled && cfg.Ingest.MQTT.BrokerURL == "" {
		return errors.New("ingest.mqtt.broker_url required when ingest.mqtt.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Presence.SweepInterval <= 0 {
		return errors.New("presence.sweep_interval must be positive")
	}
	switch strings.ToLower(cfg.Storage.Driver) {
	case "memory", "sqlite", "postgres", "postgresql":
	default:
		return fmt.Errorf("unsupported storage driver %q", cfg.Storage.Driver)
	}
	return nil
}

// Manager provides concurrency safe access to the active configuration
// and hot reload from the backing file.
type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	if info, err := os.Stat(path); err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewStatic wraps an in-memory configuration with no backing file.
// Reload and Watch are inert on a static manager.
func NewStatic(cfg *Config) *Manager {
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) NeedsReload() (bool, error) {
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

// Watch polls the config file and reloads it when the mtime advances.
// Blocks until stop is closed.
func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
