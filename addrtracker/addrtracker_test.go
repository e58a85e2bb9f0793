package addrtracker

import (
	"testing"

	dm "github.com/xmidt-org/devicemgr"
)

func TestOnlineRequiresConsecutiveSuccesses(t *testing.T) {
	tr := New(dm.BusAddr(1), 2, 3)
	changed, _ := tr.Observe(true)
	if changed {
		t.Fatalf("expected no change after single success")
	}
	changed, _ = tr.Observe(true)
	if !changed || !tr.Online() {
		t.Fatalf("expected online transition after reaching okMax successes")
	}
}

func TestSingleFailureDoesNotFlipOnline(t *testing.T) {
	tr := New(dm.BusAddr(1), 2, 3)
	tr.Observe(true)
	tr.Observe(true)
	if !tr.Online() {
		t.Fatalf("expected tracker online")
	}
	changed, _ := tr.Observe(false)
	if changed || !tr.Online() {
		t.Fatalf("single failure should not flip an online device offline")
	}
}

func TestOfflineRequiresConsecutiveFailures(t *testing.T) {
	tr := New(dm.BusAddr(1), 2, 3)
	tr.Observe(true)
	tr.Observe(true)
	for i := 0; i < 2; i++ {
		changed, _ := tr.Observe(false)
		if changed {
			t.Fatalf("expected no change before reaching failMax")
		}
	}
	changed, spurious := tr.Observe(false)
	if !changed || tr.Online() {
		t.Fatalf("expected offline transition after reaching failMax failures")
	}
	if spurious {
		t.Fatalf("a device that was once online should not report a spurious transition")
	}
}

func TestNeverOnlineFailureIsSpurious(t *testing.T) {
	tr := New(dm.BusAddr(1), 2, 3)
	for i := 0; i < 2; i++ {
		tr.Observe(false)
	}
	_, spurious := tr.Observe(false)
	if !spurious {
		t.Fatalf("expected spurious record for an address that never came online")
	}
}

func TestRegistrySweepRemovesFlaggedAddresses(t *testing.T) {
	r := NewRegistry(2, 3)
	r.Observe(dm.BusAddr(1), true)
	r.Observe(dm.BusAddr(1), true)
	for i := 0; i < 3; i++ {
		r.Observe(dm.BusAddr(1), false)
	}
	if r.Get(dm.BusAddr(1)) == nil {
		t.Fatalf("expected tracker to still exist before sweep")
	}
	removed := r.Sweep()
	if len(removed) != 1 || removed[0] != dm.BusAddr(1) {
		t.Fatalf("expected sweep to remove address 1, got %+v", removed)
	}
	if r.Get(dm.BusAddr(1)) != nil {
		t.Fatalf("expected tracker gone after sweep")
	}
}
