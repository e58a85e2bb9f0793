package config

// Validate checks the config for the constraints that defaulting can't
// paper over: at least one record layout, sane layout shapes, and complete
// settings for any transport that was turned on.
func (c *BufferingConfig) Validate() error {
	if len(c.Layouts) == 0 {
		return ErrNoLayouts
	}
	for _, l := range c.Layouts {
		if err := l.validate(); err != nil {
			return err
		}
	}
	if c.Persist.Enabled && c.Persist.Path == "" {
		return ErrPersistMissingPath
	}
	if c.MQTT.Enabled && c.MQTT.BrokerURL == "" {
		return ErrMQTTMissingBroker
	}
	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" {
			return ErrInfluxMissingURL
		}
		if c.InfluxDB.Bucket == "" {
			return ErrInfluxMissingBucket
		}
	}
	if c.BusPoll.Enabled && c.BusPoll.BaseURL == "" {
		return ErrBusPollMissingURL
	}
	return nil
}

func (l RecordLayout) validate() error {
	if l.PayloadSize <= 0 {
		return ErrInvalidPayloadSize
	}
	switch l.TimestampBytes {
	case 1, 2, 4:
	default:
		return ErrInvalidTSBytes
	}
	return nil
}
