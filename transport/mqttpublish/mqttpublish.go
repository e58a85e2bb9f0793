// Package mqttpublish implements a publishdrain.Sink that publishes
// drained device-data batches to an MQTT broker, one topic per bus. It is
// the alternate transport to the WRP envelope path: same Sink contract,
// different wire.
package mqttpublish

import (
	"context"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/xmidt-org/devicemgr/publishdrain"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 5 * time.Second
)

// Config describes how to connect and where to publish.
type Config struct {
	BrokerURL string
	ClientID  string
	QoS       byte

	// TopicPrefix is prepended to the bus name to form the publish topic,
	// e.g. "devicemgr/offline/" + busName.
	TopicPrefix string
}

// Sink publishes publishdrain.Batch values as JSON to an MQTT topic
// derived from the bus name.
type Sink struct {
	client pahomqtt.Client
	cfg    Config
}

// Connect dials the configured broker and returns a ready Sink.
func Connect(cfg Config) (*Sink, error) {
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true)

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("mqttpublish: connect timeout after %v", defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqttpublish: connect: %w", err)
	}
	return &Sink{client: client, cfg: cfg}, nil
}

// Publish marshals batch as JSON and publishes it to the bus's topic.
func (s *Sink) Publish(ctx context.Context, busName string, batch publishdrain.Batch) error {
	payload, err := batch.MarshalJSON()
	if err != nil {
		return fmt.Errorf("mqttpublish: marshal batch: %w", err)
	}
	topic := s.cfg.TopicPrefix + busName
	token := s.client.Publish(topic, s.cfg.QoS, false, payload)

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("mqttpublish: publish timeout on topic %s", topic)
	}
	return token.Error()
}

// Close disconnects from the broker.
func (s *Sink) Close() {
	s.client.Disconnect(250)
}
