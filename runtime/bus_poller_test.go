package runtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	dm "github.com/xmidt-org/devicemgr"
	"github.com/xmidt-org/devicemgr/addrtracker"
	"github.com/xmidt-org/devicemgr/controlplane"
	"github.com/xmidt-org/devicemgr/devicebuffer"
)

func TestHTTPBusPollerReturnsPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/poll/1" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte{0, 0, 0xAA, 0xBB})
	}))
	defer srv.Close()

	poller := NewHTTPBusPoller(srv.URL)
	result, responded, err := poller.Poll(context.Background(), dm.BusAddr(1))
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if !responded {
		t.Fatalf("expected responded=true")
	}
	if len(result.Payload) != 4 || result.Payload[2] != 0xAA {
		t.Fatalf("unexpected payload: %v", result.Payload)
	}
}

func TestHTTPBusPollerNotFoundIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	poller := NewHTTPBusPoller(srv.URL)
	_, responded, err := poller.Poll(context.Background(), dm.BusAddr(2))
	if err != nil {
		t.Fatalf("expected no error for 404, got %v", err)
	}
	if responded {
		t.Fatalf("expected responded=false for 404")
	}
}

type fakePoller struct {
	responses map[dm.BusAddr][]byte
}

func (f *fakePoller) Poll(ctx context.Context, addr dm.BusAddr) (dm.PollResult, bool, error) {
	payload, ok := f.responses[addr]
	if !ok {
		return dm.PollResult{}, false, nil
	}
	return dm.PollResult{Addr: addr, TimeUs: 1000, Payload: payload}, true, nil
}

func TestBusLoopFeedsCoreAndTracker(t *testing.T) {
	addr := dm.BusAddr(1)
	core := controlplane.New()
	buf, err := devicebuffer.New(devicebuffer.Config{
		RingEntries: 4, PayloadSize: 4, TimestampBytes: 2, TimestampResolutionUs: 1000,
	}, nil)
	if err != nil {
		t.Fatalf("new buffer: %v", err)
	}
	core.Register(addr, "sensor", buf)
	tracker := addrtracker.NewRegistry(2, 2)

	loop := &BusLoop{
		Poller:   &fakePoller{responses: map[dm.BusAddr][]byte{addr: {0, 0, 1, 2}}},
		Core:     core,
		Tracker:  tracker,
		Addrs:    []dm.BusAddr{addr},
		Interval: 10 * time.Millisecond,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	loop.Run(ctx)

	if buf.Stats().Depth == 0 {
		t.Fatalf("expected at least one record captured by the buffer")
	}
	if tracker.Get(addr) == nil || !tracker.Get(addr).Online() {
		t.Fatalf("expected address to be tracked online after consecutive successful polls")
	}
}

func TestBusLoopNonRespondingAddrStillObserved(t *testing.T) {
	addr := dm.BusAddr(9)
	core := controlplane.New()
	tracker := addrtracker.NewRegistry(2, 1)

	loop := &BusLoop{
		Poller:   &fakePoller{responses: map[dm.BusAddr][]byte{}},
		Core:     core,
		Tracker:  tracker,
		Addrs:    []dm.BusAddr{addr},
		Interval: 10 * time.Millisecond,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 35*time.Millisecond)
	defer cancel()
	loop.Run(ctx)

	if tracker.Get(addr) == nil {
		t.Fatalf("expected tracker to have observed the address at least once")
	}
}
