// Package config loads the buffering core's tunables from YAML, the same
// shape (read file, unmarshal, populate defaults, validate) the rest of the
// fleet's daemons use for their own config packages.
package config

import (
	"os"

	"gopkg.in/yaml.v3"

	dm "github.com/xmidt-org/devicemgr"
)

// RecordLayout describes the fixed shape of one device's poll sample:
// how many bytes the payload occupies and how the device's own embedded
// timestamp is encoded.
type RecordLayout struct {
	PayloadSize           int    `yaml:"payload_size"`
	TimestampBytes        int    `yaml:"timestamp_bytes"`
	TimestampResolutionUs uint32 `yaml:"timestamp_resolution_us"`
}

// BufferingConfig is the on-disk shape of dm.BufferingOptions plus the
// per-bus record layouts and optional persistence/transport settings.
type BufferingConfig struct {
	GlobalRAMCapBytes      uint64 `yaml:"global_ram_cap_bytes"`
	MinRAMEntriesPerDevice int    `yaml:"min_ram_entries_per_device"`
	OkMax                  int8   `yaml:"ok_max"`
	FailMax                int8   `yaml:"fail_max"`
	DefaultRingEntries     int    `yaml:"default_ring_entries"`
	DefaultPersistEntries  int    `yaml:"default_persist_entries"`
	SegmentBytes           int    `yaml:"segment_bytes"`
	MaxPerPublishGlobal    int    `yaml:"max_per_publish_global"`

	Layouts map[string]RecordLayout `yaml:"layouts"`

	Persist   PersistConfig   `yaml:"persist"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	BusPoll   BusPollConfig   `yaml:"bus_poll"`
}

// BusPollConfig configures the optional HTTP bus-poller: a runtime.BusLoop
// polling one payload per configured address over HTTP, for deployments
// that front their bus transceiver with an HTTP gateway rather than talking
// to it in-process.
type BusPollConfig struct {
	Enabled    bool   `yaml:"enabled"`
	BaseURL    string `yaml:"base_url"`
	IntervalMs int    `yaml:"interval_ms"`
}

// PersistConfig selects and configures the optional durable mirror.
type PersistConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// MQTTConfig configures the optional MQTT publish transport.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	BrokerURL   string `yaml:"broker_url"`
	ClientID    string `yaml:"client_id"`
	QoS         byte   `yaml:"qos"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// InfluxDBConfig configures the optional InfluxDB publish sink.
type InfluxDBConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Token   string `yaml:"token"`
	Org     string `yaml:"org"`
	Bucket  string `yaml:"bucket"`
}

// Load reads and parses the YAML file at path, applies defaults for any
// zero-valued field, and validates the result.
func Load(path string) (*BufferingConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.populateDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ToOptions projects the loaded config down to dm.BufferingOptions, the
// shape controlplane and devicebuffer actually consume.
func (c *BufferingConfig) ToOptions() dm.BufferingOptions {
	return dm.BufferingOptions{
		GlobalRAMCapBytes:      c.GlobalRAMCapBytes,
		MinRAMEntriesPerDevice: c.MinRAMEntriesPerDevice,
		OkMax:                  c.OkMax,
		FailMax:                c.FailMax,
		DefaultRingEntries:     c.DefaultRingEntries,
		DefaultPersistEntries:  c.DefaultPersistEntries,
		SegmentBytes:           c.SegmentBytes,
		MaxPerPublishGlobal:    c.MaxPerPublishGlobal,
	}
}
