package publishdrain

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// InfluxConfig describes how to connect to the time-series database an
// InfluxSink writes drained samples into.
type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// InfluxSink writes each drained record as a point in the device_sample
// measurement, tagged by bus and address. Writes are non-blocking: the
// underlying client batches and flushes on its own schedule.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
}

// ConnectInflux dials the InfluxDB server described by cfg and verifies
// connectivity before returning.
func ConnectInflux(cfg InfluxConfig) (*InfluxSink, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("influxsink: ping: %w", err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("influxsink: server not healthy")
	}

	return &InfluxSink{client: client, writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket)}, nil
}

// Publish writes one point per drained record in batch.
func (s *InfluxSink) Publish(ctx context.Context, busName string, batch Batch) error {
	for addr, recs := range batch.Records {
		for _, r := range recs {
			point := write.NewPoint(
				"device_sample",
				map[string]string{
					"bus":  busName,
					"addr": fmt.Sprintf("0x%X", uint32(addr)),
				},
				map[string]interface{}{
					"seq":     r.Seq,
					"payload": fmt.Sprintf("%x", r.Payload),
				},
				time.UnixMilli(int64(r.TSBaseMs)+int64(r.RawTS)),
			)
			s.writeAPI.WritePoint(point)
		}
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// Close flushes pending writes and closes the underlying client.
func (s *InfluxSink) Close() {
	s.writeAPI.Flush()
	s.client.Close()
}
