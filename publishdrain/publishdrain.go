// Package publishdrain consumes records drained from a controlplane.Core,
// formats them into the outward batch shapes (JSON or length-prefixed
// binary) and hands the result to one or more Sinks. It never talks to a
// transport directly; that is the Sink's job.
package publishdrain

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	dm "github.com/xmidt-org/devicemgr"
	"github.com/xmidt-org/devicemgr/controlplane"
)

// Batch is one publish tick's worth of drained records for a single bus,
// keyed by address and holding each record's hex-ish payload plus its
// sequence/timestamp metadata.
type Batch struct {
	Records map[dm.BusAddr][]Record `json:"-"`
}

// Record is the publish-facing view of one drained sample.
type Record struct {
	Seq      uint32 `json:"seq"`
	TSBaseMs uint64 `json:"tsBaseMs"`
	RawTS    uint32 `json:"rawTs"`
	Payload  []byte `json:"payload"`
}

// Report summarizes one Tick: how many records were drained and handed to
// sinks, and how many remain buffered afterward (the backlog hint a
// transport layer surfaces to a poller on the other end).
type Report struct {
	Published int
	Remaining int
}

// Sink receives a formatted batch for a bus name. Implementations publish
// it over whatever transport they wrap (WRP, MQTT, InfluxDB, …).
type Sink interface {
	Publish(ctx context.Context, busName string, batch Batch) error
}

// Drain formats and ships drained records from one controlplane.Core to a
// set of Sinks on each Tick.
type Drain struct {
	BusName       string
	Core          *controlplane.Core
	Sinks         []Sink
	MaxPerAddress int
	MaxBytes      int
}

// New returns a Drain publishing busName's drained records through sinks.
func New(busName string, core *controlplane.Core, sinks ...Sink) *Drain {
	return &Drain{BusName: busName, Core: core, Sinks: sinks}
}

// Tick drains every eligible address in the registry, formats the result
// into a Batch, and publishes it to every configured Sink. A tick with no
// drained records is a no-op: no Sink is called.
func (d *Drain) Tick(ctx context.Context) (Report, error) {
	drained := d.Core.DrainAll(d.MaxPerAddress, d.MaxBytes)
	if len(drained) == 0 {
		return Report{}, nil
	}

	batch := Batch{Records: map[dm.BusAddr][]Record{}}
	published := 0
	payloadSizeByAddr := map[dm.BusAddr]int{}
	for _, pr := range drained {
		if len(pr.Metas) == 0 {
			continue
		}
		payloadSize := len(pr.Data) / len(pr.Metas)
		payloadSizeByAddr[pr.Addr] = payloadSize
		recs := make([]Record, 0, len(pr.Metas))
		for i, m := range pr.Metas {
			recs = append(recs, Record{
				Seq:      m.Seq,
				TSBaseMs: m.TSBaseMs,
				RawTS:    m.RawTS,
				Payload:  pr.Data[i*payloadSize : (i+1)*payloadSize],
			})
			published++
		}
		batch.Records[pr.Addr] = recs
	}

	// A byte budget smaller than one record peeks nothing, so every
	// buffered record is counted as remaining.
	_, remaining := d.Core.PeekOfflineData(nil, 0, 0, 1)

	for _, sink := range d.Sinks {
		if err := sink.Publish(ctx, d.BusName, batch); err != nil {
			return Report{Published: published, Remaining: remaining}, fmt.Errorf("publish batch: %w", err)
		}
	}
	return Report{Published: published, Remaining: remaining}, nil
}

// MarshalJSON renders a Batch as {"0x<addr>":[{...},...], ...}, the shape
// consumed alongside per-device status JSON by a publish transport.
func (b Batch) MarshalJSON() ([]byte, error) {
	out := make(map[string][]Record, len(b.Records))
	for addr, recs := range b.Records {
		out[fmt.Sprintf("0x%X", uint32(addr))] = recs
	}
	return json.Marshal(out)
}

// EncodeBinary packs a Batch as a sequence of
// addr(u32 LE) count(u32 LE) [seq(u32 LE) tsBaseMs(u32 LE) payload]... ,
// the length-prefixed framing an embedded binary consumer decodes without
// a JSON parser.
func EncodeBinary(b Batch) []byte {
	var out []byte
	for addr, recs := range b.Records {
		head := make([]byte, 8)
		binary.LittleEndian.PutUint32(head[0:], uint32(addr))
		binary.LittleEndian.PutUint32(head[4:], uint32(len(recs)))
		out = append(out, head...)
		for _, r := range recs {
			rec := make([]byte, 8+len(r.Payload))
			binary.LittleEndian.PutUint32(rec[0:], r.Seq)
			binary.LittleEndian.PutUint32(rec[4:], uint32(r.TSBaseMs))
			copy(rec[8:], r.Payload)
			out = append(out, rec...)
		}
	}
	return out
}
