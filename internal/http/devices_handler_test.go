package httpapi

import (
	"net/http/httptest"
	"testing"
	"time"

	dm "github.com/xmidt-org/devicemgr"
	"github.com/xmidt-org/devicemgr/runtime"
)

// The adapters below use a StaticAuth placeholder; no request is sent.

func TestDevicesHandlerEmpty(t *testing.T) {
	da := runtime.NewDeviceAdapter("http://example", dm.StaticAuth{Value: "Basic a"})
	// no poll yet
	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/devices", nil)
	DevicesHandler(da)(rr, req)
	if rr.Code != 200 {
		t.Fatalf("expected 200 got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct == "" {
		t.Fatalf("missing content-type")
	}
}

func TestDevicesHandlerBodyBeforeFirstPoll(t *testing.T) {
	da := runtime.NewDeviceAdapter("http://example", dm.StaticAuth{Value: "Basic a"})
	// No poll has run, so Snapshot() is empty; the handler still writes a body.
	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/devices", nil)
	DevicesHandler(da)(rr, req)
	if rr.Code != 200 {
		t.Fatalf("expected 200 got %d", rr.Code)
	}
	// quick timing check
	if _, last := da.Snapshot(); !last.IsZero() {
		t.Logf("last poll set unexpectedly: %v", last)
	}
	// Minimal content validation
	if body := rr.Body.String(); body == "" {
		t.Fatalf("empty body")
	}
	// simulate update by calling private style: rely on poll not feasible, so skip deeper test
	time.Sleep(10 * time.Millisecond)
}
