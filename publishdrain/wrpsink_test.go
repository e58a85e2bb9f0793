package publishdrain

import (
	"context"
	"testing"

	"github.com/xmidt-org/wrp-go/v3"

	dm "github.com/xmidt-org/devicemgr"
)

type capturingPublisher struct {
	msg *wrp.Message
}

func (p *capturingPublisher) SendWRP(ctx context.Context, msg *wrp.Message) error {
	p.msg = msg
	return nil
}

func TestWRPSinkWrapsBatchAsSimpleEvent(t *testing.T) {
	pub := &capturingPublisher{}
	sink := &WRPSink{Publisher: pub, Source: "devicemgr"}

	batch := Batch{Records: map[dm.BusAddr][]Record{
		dm.BusAddr(1): {{Seq: 1, Payload: []byte{1}}},
	}}
	if err := sink.Publish(context.Background(), "bus0", batch); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if pub.msg == nil {
		t.Fatalf("expected publisher to receive a message")
	}
	if pub.msg.Type != wrp.SimpleEventMessageType {
		t.Fatalf("expected SimpleEventMessageType, got %v", pub.msg.Type)
	}
	if pub.msg.Destination != "event:device-offline-data/bus0" {
		t.Fatalf("unexpected destination: %s", pub.msg.Destination)
	}
	if len(pub.msg.Payload) == 0 {
		t.Fatalf("expected non-empty payload")
	}
}
