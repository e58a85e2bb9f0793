package devicemgr

import (
	"time"
)

// AuthStrategy acquires an authorization header value (e.g., "Basic ..." or "Bearer ...").
type AuthStrategy interface {
	AuthorizationValue() (string, error)
}

// StaticAuth implements AuthStrategy using a pre-specified token value.
type StaticAuth struct{ Value string }

func (s StaticAuth) AuthorizationValue() (string, error) { return s.Value, nil }

// Options configures the Device Management Layer.
type Options struct {
	TalariaBaseURL    string
	Tr1d1umBaseURL    string // should include /api/v3 prefix
	XconfAdminBaseURL string

	Auth struct {
		Talaria    AuthStrategy
		Tr1d1um    AuthStrategy
		XconfAdmin AuthStrategy
	}

	Services []string // valid tr1d1um translation services

	Polling PollingConfig
	Cache   CacheConfig
}

type PollingConfig struct {
	DeviceList       time.Duration
	FirmwarePolicies time.Duration
	Settings         time.Duration
	Telemetry        time.Duration
	Features         time.Duration
	Rollout          time.Duration
	Global           time.Duration
}

type CacheConfig struct {
	DeviceStateTTL  time.Duration
	ParamTTL        time.Duration
	PolicyTTL       time.Duration
	StaleAcceptable time.Duration
}

// DefaultOptions gives baseline sensible defaults for local dev.
func DefaultOptions() Options {
	opts := Options{}
	opts.Polling = PollingConfig{
		DeviceList:       15 * time.Second,
		FirmwarePolicies: 60 * time.Second,
		Settings:         90 * time.Second,
		Telemetry:        60 * time.Second,
		Features:         60 * time.Second,
		Rollout:          30 * time.Second,
		Global:           120 * time.Second,
	}
	opts.Cache = CacheConfig{
		DeviceStateTTL:  10 * time.Second,
		ParamTTL:        5 * time.Second,
		PolicyTTL:       60 * time.Second,
		StaleAcceptable: 5 * time.Second,
	}
	return opts
}

// BufferingOptions configures the offline buffering subsystem: RAM budget,
// hysteresis thresholds, and defaults for newly-identified device buffers.
type BufferingOptions struct {
	// GlobalRAMCapBytes is a budget for the sum of all RingStore backing
	// arrays. It is not enforced on its own; it takes effect only when
	// passed to Core.RebalanceOfflineBuffers, which nothing in this module
	// does from these options.
	GlobalRAMCapBytes uint64

	// MinRAMEntriesPerDevice is a per-device floor for a rebalance, with
	// the same reach as GlobalRAMCapBytes.
	MinRAMEntriesPerDevice int

	// OkMax / FailMax are the default hysteresis thresholds applied to a
	// newly-identified address's online/offline state machine.
	OkMax   int8
	FailMax int8

	// DefaultRingEntries / DefaultPersistEntries size new device buffers
	// before any explicit per-device configuration.
	DefaultRingEntries    int
	DefaultPersistEntries int

	// SegmentBytes is a size for a single persisted segment blob.
	// persiststore does not read it and always uses its fixed segment size.
	SegmentBytes int

	// MaxPerPublishGlobal caps records drained per device per publish tick.
	MaxPerPublishGlobal int
}

// DefaultBufferingOptions gives baseline defaults: ok_max=2, fail_max=3,
// segment_bytes=4000.
func DefaultBufferingOptions() BufferingOptions {
	return BufferingOptions{
		GlobalRAMCapBytes:     256 * 1024,
		MinRAMEntriesPerDevice: 8,
		OkMax:                 2,
		FailMax:               3,
		DefaultRingEntries:    32,
		DefaultPersistEntries: 256,
		SegmentBytes:          4000,
		MaxPerPublishGlobal:   64,
	}
}
