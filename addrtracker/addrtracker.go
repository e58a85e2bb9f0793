// Package addrtracker implements the online/offline hysteresis state
// machine applied to each bus address: a signed counter bounded by
// [-failMax, okMax] that only flips state once consecutive responding (or
// not-responding) observations cross the configured threshold, absorbing
// single spurious poll failures or successes along the way.
package addrtracker

import dm "github.com/xmidt-org/devicemgr"

// State mirrors the tracked address's online/offline/initial classification.
type State int

const (
	StateInitial State = iota
	StateOnline
	StateOffline
)

func (s State) String() string {
	switch s {
	case StateOnline:
		return "ONLINE"
	case StateOffline:
		return "OFFLINE"
	default:
		return "INITIAL"
	}
}

// Tracker holds the hysteresis counter and derived flags for one address.
type Tracker struct {
	Addr dm.BusAddr

	OkMax   int8
	FailMax int8

	count         int8
	state         State
	online        bool
	wasOnceOnline bool
	flaggedGone   bool
}

// New returns a Tracker using the given hysteresis thresholds.
func New(addr dm.BusAddr, okMax, failMax int8) *Tracker {
	return &Tracker{Addr: addr, OkMax: okMax, FailMax: failMax}
}

// Observe feeds one poll outcome into the hysteresis counter. It returns
// changed=true exactly when the tracked state actually flips, and
// spurious=true when a string of failures resolves to offline without the
// address ever having been online (or after it was already marked gone) —
// a record worth discarding rather than reporting as a real transition.
func (t *Tracker) Observe(responding bool) (changed, spurious bool) {
	if responding {
		if !t.online {
			if t.count < t.OkMax {
				t.count++
			}
			if t.count >= t.OkMax {
				t.count = 0
				t.online = true
				t.state = StateOnline
				t.wasOnceOnline = true
				t.flaggedGone = false
				return true, false
			}
		}
		return false, false
	}

	if t.online || !t.wasOnceOnline || t.flaggedGone {
		if t.count > -t.FailMax {
			t.count--
		}
		if t.count <= -t.FailMax {
			t.count = 0
			spurious = !t.wasOnceOnline || t.flaggedGone
			t.online = false
			t.state = StateOffline
			t.flaggedGone = true
			return true, spurious
		}
	}
	return false, false
}

// Online reports the current online flag.
func (t *Tracker) Online() bool { return t.online }

// WasOnceOnline reports whether this address has ever been observed online.
func (t *Tracker) WasOnceOnline() bool { return t.wasOnceOnline }

// FlaggedForRemoval reports whether the tracker's last transition marked
// this address for sweep. Removal itself is a separate, caller-driven step
// (see Registry.Sweep) so that callers can react to the transition first.
func (t *Tracker) FlaggedForRemoval() bool { return t.flaggedGone }

// OnlineState returns the tracker's current classification.
func (t *Tracker) OnlineState() State { return t.state }

// Registry tracks every known address's hysteresis state, keyed by address.
// It realizes the mark-then-sweep two-phase removal: Observe marks an
// address as flagged-for-removal on its offline transition, and a
// subsequent Sweep call is what actually drops it from the registry, giving
// callers a chance to react to the transition (e.g. notify a control plane)
// before the address's tracking state disappears.
type Registry struct {
	trackers map[dm.BusAddr]*Tracker
	okMax    int8
	failMax  int8
}

// NewRegistry returns an empty Registry using okMax/failMax as the default
// hysteresis thresholds for addresses first seen via Observe.
func NewRegistry(okMax, failMax int8) *Registry {
	return &Registry{trackers: map[dm.BusAddr]*Tracker{}, okMax: okMax, failMax: failMax}
}

// Observe records a poll outcome for addr, creating a fresh Tracker on
// first sight.
func (r *Registry) Observe(addr dm.BusAddr, responding bool) (changed, spurious bool) {
	t, ok := r.trackers[addr]
	if !ok {
		t = New(addr, r.okMax, r.failMax)
		r.trackers[addr] = t
	}
	return t.Observe(responding)
}

// Get returns the tracker for addr, or nil if addr has never been observed.
func (r *Registry) Get(addr dm.BusAddr) *Tracker {
	return r.trackers[addr]
}

// Sweep removes every tracker flagged for removal and returns their
// addresses. Call it once per loop iteration, after reacting to the
// transitions Observe reported.
func (r *Registry) Sweep() []dm.BusAddr {
	var removed []dm.BusAddr
	for addr, t := range r.trackers {
		if t.flaggedGone {
			removed = append(removed, addr)
			delete(r.trackers, addr)
		}
	}
	return removed
}

// Addresses returns every currently tracked address.
func (r *Registry) Addresses() []dm.BusAddr {
	out := make([]dm.BusAddr, 0, len(r.trackers))
	for addr := range r.trackers {
		out = append(out, addr)
	}
	return out
}
