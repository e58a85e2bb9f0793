package config

import "errors"

var (
	ErrNoLayouts          = errors.New("config: at least one record layout must be configured")
	ErrInvalidPayloadSize = errors.New("config: layout payload_size must be positive")
	ErrInvalidTSBytes     = errors.New("config: layout timestamp_bytes must be 1, 2, or 4")
	ErrMQTTMissingBroker  = errors.New("config: mqtt.broker_url required when mqtt is enabled")
	ErrInfluxMissingURL   = errors.New("config: influxdb.url required when influxdb is enabled")
	ErrInfluxMissingBucket = errors.New("config: influxdb.bucket required when influxdb is enabled")
	ErrPersistMissingPath = errors.New("config: persist.path required when persist is enabled")
	ErrBusPollMissingURL  = errors.New("config: bus_poll.base_url required when bus_poll is enabled")
)
