package config

import dm "github.com/xmidt-org/devicemgr"

var defaultBuffering = dm.DefaultBufferingOptions()

// Default returns a BufferingConfig seeded with the buffering core's
// built-in defaults and no transports enabled.
func Default() *BufferingConfig {
	return &BufferingConfig{
		GlobalRAMCapBytes:      defaultBuffering.GlobalRAMCapBytes,
		MinRAMEntriesPerDevice: defaultBuffering.MinRAMEntriesPerDevice,
		OkMax:                  defaultBuffering.OkMax,
		FailMax:                defaultBuffering.FailMax,
		DefaultRingEntries:     defaultBuffering.DefaultRingEntries,
		DefaultPersistEntries:  defaultBuffering.DefaultPersistEntries,
		SegmentBytes:           defaultBuffering.SegmentBytes,
		MaxPerPublishGlobal:    defaultBuffering.MaxPerPublishGlobal,
		Layouts:                map[string]RecordLayout{},
	}
}

func (c *BufferingConfig) populateDefaults() {
	if c.GlobalRAMCapBytes == 0 {
		c.GlobalRAMCapBytes = defaultBuffering.GlobalRAMCapBytes
	}
	if c.MinRAMEntriesPerDevice == 0 {
		c.MinRAMEntriesPerDevice = defaultBuffering.MinRAMEntriesPerDevice
	}
	if c.OkMax == 0 {
		c.OkMax = defaultBuffering.OkMax
	}
	if c.FailMax == 0 {
		c.FailMax = defaultBuffering.FailMax
	}
	if c.DefaultRingEntries == 0 {
		c.DefaultRingEntries = defaultBuffering.DefaultRingEntries
	}
	if c.DefaultPersistEntries == 0 {
		c.DefaultPersistEntries = defaultBuffering.DefaultPersistEntries
	}
	if c.SegmentBytes == 0 {
		c.SegmentBytes = defaultBuffering.SegmentBytes
	}
	if c.MaxPerPublishGlobal == 0 {
		c.MaxPerPublishGlobal = defaultBuffering.MaxPerPublishGlobal
	}
	if c.Layouts == nil {
		c.Layouts = map[string]RecordLayout{}
	}
	if c.MQTT.Enabled && c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "devicemgr/offline/"
	}
	if c.MQTT.Enabled && c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "devicemgrd"
	}
	if c.BusPoll.Enabled && c.BusPoll.IntervalMs == 0 {
		c.BusPoll.IntervalMs = 1000
	}
}
