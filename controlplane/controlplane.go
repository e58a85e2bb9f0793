// Package controlplane implements the flat, address-keyed registry of
// device buffers and the idempotent setter/getter operations used to
// select, pause, rate-limit, rebalance and drain them. It is the single
// point of contention in the buffering core: every operation below touches
// at most one device buffer's lock at a time, so a slow or stuck device
// never blocks the rest of the registry.
package controlplane

import (
	"sync"
	"time"

	dm "github.com/xmidt-org/devicemgr"
	"github.com/xmidt-org/devicemgr/devicebuffer"
)

// EstAllocInfo reports the RAM a device buffer would occupy at a given
// configuration, used by EstimateOfflineAllocations for simulate-only
// control-plane calls.
type EstAllocInfo struct {
	AllocBytes   int
	BytesPerEntry int
	PayloadSize  int
	MetaSize     int
}

// ControlSnapshot is the point-in-time view of the capture/drain pause,
// selection and override flags the control plane maintains, independent
// of any single address's buffer contents. It does not include the
// per-buffer link-pause flags or the auto-resume settings.
type ControlSnapshot struct {
	GlobalBufferPaused bool
	GlobalDrainPaused  bool
	BufferPaused       map[dm.BusAddr]bool
	DrainPaused        map[dm.BusAddr]bool
	SelectedAddrs      map[dm.BusAddr]bool
	SelectedTypes      map[string]bool
	DrainOnly          bool
	MaxPerPublishOverride int
	RateOverridesMs    map[dm.BusAddr]uint32
}

// entry wraps one address's buffer with its own lock, so control-plane
// operations that must touch several addresses never hold more than one
// buffer's lock at a time.
type entry struct {
	mu     sync.Mutex
	buffer *devicebuffer.Buffer
	typeName string
}

const (
	lockAttempts = 20
	lockBackoff  = 500 * time.Microsecond
)

// tryLockBounded attempts to acquire mu for a bounded number of short
// retries before giving up. Go has no native timed-mutex primitive, so the
// bounded wait is realized as TryLock plus backoff; exhausting the budget
// surfaces as ErrBusy to the caller rather than blocking indefinitely.
func tryLockBounded(mu *sync.Mutex) bool {
	for i := 0; i < lockAttempts; i++ {
		if mu.TryLock() {
			return true
		}
		time.Sleep(lockBackoff)
	}
	return false
}

// Core is the registry of device buffers for every known bus address, plus
// the global/per-address control flags applied on top of them.
type Core struct {
	mu sync.Mutex // guards the maps below; GetOfflineControlSnapshot also holds it while reading buffer flags

	buffers map[dm.BusAddr]*entry

	globalBufferPaused bool
	globalDrainPaused  bool
	drainOnly          bool
	maxPerPublishOverride int
	selectedAddrs map[dm.BusAddr]bool
	selectedTypes map[string]bool

	autoResume       bool
	autoResumeAddrs  map[dm.BusAddr]bool
	autoResumeRateMs uint32
}

// New returns an empty Core.
func New() *Core {
	return &Core{
		buffers:       map[dm.BusAddr]*entry{},
		selectedAddrs: map[dm.BusAddr]bool{},
		selectedTypes: map[string]bool{},
	}
}

// Register attaches buf as the device buffer for addr, tagged with its
// type name for type-based selection. A second Register for the same
// address replaces the buffer. The current global buffer-pause flag is
// applied to buf immediately, so a device discovered while buffering is
// globally paused starts paused rather than briefly capturing.
func (c *Core) Register(addr dm.BusAddr, typeName string, buf *devicebuffer.Buffer) {
	c.mu.Lock()
	globalPaused := c.globalBufferPaused
	c.buffers[addr] = &entry{buffer: buf, typeName: typeName}
	c.mu.Unlock()
	buf.SetBufferPaused(globalPaused)
}

// PutPollResult routes one polled sample to addr's device buffer. It is the
// producer-side entry point a bus poller calls; buffer-pause state (global
// or per-address) is already reflected on the buffer itself by Register and
// SetOfflineBufferPaused, so this is a plain pass-through guarded by the
// same bounded-lock discipline as every other per-address operation.
func (c *Core) PutPollResult(addr dm.BusAddr, nowUs uint64, payload []byte) error {
	return c.withBuffer(addr, func(b *devicebuffer.Buffer) error {
		return b.PutPollResult(nowUs, payload)
	})
}

// Unregister drops addr from the registry entirely, distinct from a pause:
// once unregistered, the address's buffer is gone and a later Register
// starts fresh.
func (c *Core) Unregister(addr dm.BusAddr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.buffers, addr)
}

// Addresses returns every currently registered address.
func (c *Core) Addresses() []dm.BusAddr {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]dm.BusAddr, 0, len(c.buffers))
	for addr := range c.buffers {
		out = append(out, addr)
	}
	return out
}

func (c *Core) entriesFor(addrs []dm.BusAddr) []dm.BusAddr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(addrs) == 0 {
		out := make([]dm.BusAddr, 0, len(c.buffers))
		for addr := range c.buffers {
			out = append(out, addr)
		}
		return out
	}
	out := make([]dm.BusAddr, 0, len(addrs))
	for _, a := range addrs {
		if _, ok := c.buffers[a]; ok {
			out = append(out, a)
		}
	}
	return out
}

func (c *Core) get(addr dm.BusAddr) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffers[addr]
}

// withBuffer locks the entry for addr (bounded wait) and runs fn, returning
// ErrAddrUnknown if addr isn't registered and ErrBusy if the bounded wait
// for its lock is exhausted.
func (c *Core) withBuffer(addr dm.BusAddr, fn func(*devicebuffer.Buffer) error) error {
	e := c.get(addr)
	if e == nil {
		return dm.ErrAddrUnknown
	}
	if !tryLockBounded(&e.mu) {
		return dm.ErrBusy
	}
	defer e.mu.Unlock()
	return fn(e.buffer)
}

// SetOfflineBufferPaused pauses (or resumes) capture for addrs, or for
// every registered address when addrs is empty — the empty-slice form sets
// the global flag (applied to buffers registered later) and also sets every
// registered buffer's own flag.
func (c *Core) SetOfflineBufferPaused(addrs []dm.BusAddr, paused bool) error {
	if len(addrs) == 0 {
		c.mu.Lock()
		c.globalBufferPaused = paused
		c.mu.Unlock()
		var firstErr error
		for _, addr := range c.Addresses() {
			if err := c.withBuffer(addr, func(b *devicebuffer.Buffer) error {
				b.SetBufferPaused(paused)
				return nil
			}); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}
	var firstErr error
	for _, addr := range addrs {
		if err := c.withBuffer(addr, func(b *devicebuffer.Buffer) error {
			b.SetBufferPaused(paused)
			return nil
		}); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SetOfflineDrainPaused pauses (or resumes) draining for addrs, or globally
// when addrs is empty.
func (c *Core) SetOfflineDrainPaused(addrs []dm.BusAddr, paused bool) error {
	if len(addrs) == 0 {
		c.mu.Lock()
		c.globalDrainPaused = paused
		c.mu.Unlock()
		return nil
	}
	var firstErr error
	for _, addr := range addrs {
		if err := c.withBuffer(addr, func(b *devicebuffer.Buffer) error {
			b.SetDrainPaused(paused)
			return nil
		}); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SetOfflineDrainLinkPaused pauses (or resumes) draining for every
// registered address at the transport level, independent of the
// per-address and global drain-pause flags above (e.g. the publish link
// going down).
func (c *Core) SetOfflineDrainLinkPaused(paused bool) error {
	var firstErr error
	for _, addr := range c.Addresses() {
		if err := c.withBuffer(addr, func(b *devicebuffer.Buffer) error {
			b.SetLinkPaused(paused)
			return nil
		}); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SetOfflineDrainSelection restricts draining to addrs and types (by
// device type name); an empty selection with drainOnly=false clears back
// to "drain everything". drainOnly=true means addresses outside the
// selection are treated as drain-paused even if individually unpaused —
// selection-exclusion overrides a not-globally-paused address, never the
// other way round.
func (c *Core) SetOfflineDrainSelection(addrs []dm.BusAddr, types []string, drainOnly bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.selectedAddrs = map[dm.BusAddr]bool{}
	for _, a := range addrs {
		c.selectedAddrs[a] = true
	}
	c.selectedTypes = map[string]bool{}
	for _, t := range types {
		c.selectedTypes[t] = true
	}
	c.drainOnly = drainOnly
}

// inSelection reports whether addr/typeName is covered by the current
// drain selection. An empty selection (no addrs, no types) matches
// everything.
func (c *Core) inSelection(addr dm.BusAddr, typeName string) bool {
	if len(c.selectedAddrs) == 0 && len(c.selectedTypes) == 0 {
		return true
	}
	if c.selectedAddrs[addr] {
		return true
	}
	return c.selectedTypes[typeName]
}

// ApplyOfflineRateOverride sets a per-address poll-rate override in
// milliseconds for each of addrs; rateMs==0 is equivalent to
// ClearOfflineRateOverride for that address.
func (c *Core) ApplyOfflineRateOverride(addrs []dm.BusAddr, rateMs uint32) error {
	var firstErr error
	for _, addr := range addrs {
		if err := c.withBuffer(addr, func(b *devicebuffer.Buffer) error {
			if rateMs == 0 {
				b.ClearRateOverride()
			} else {
				b.ApplyRateOverride(rateMs)
			}
			return nil
		}); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ClearOfflineRateOverride removes any per-address poll-rate override for
// each of addrs.
func (c *Core) ClearOfflineRateOverride(addrs []dm.BusAddr) error {
	return c.ApplyOfflineRateOverride(addrs, 0)
}

// SetOfflineAutoResume enables or disables automatic buffer-pause clearing
// when an address comes back online, optionally restricted to addrs and
// carrying a poll-rate override to apply at resume time.
func (c *Core) SetOfflineAutoResume(enabled bool, addrs []dm.BusAddr, rateMs uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoResume = enabled
	c.autoResumeRateMs = rateMs
	c.autoResumeAddrs = map[dm.BusAddr]bool{}
	for _, a := range addrs {
		c.autoResumeAddrs[a] = true
	}
}

// NotifyAddressOnline applies the configured auto-resume behavior for addr
// coming back online. Call it from the point where an addrtracker.Registry
// reports an online transition.
func (c *Core) NotifyAddressOnline(addr dm.BusAddr) error {
	c.mu.Lock()
	enabled := c.autoResume
	restricted := len(c.autoResumeAddrs) > 0
	selected := c.autoResumeAddrs[addr]
	rateMs := c.autoResumeRateMs
	c.mu.Unlock()

	if !enabled || (restricted && !selected) {
		return nil
	}
	return c.withBuffer(addr, func(b *devicebuffer.Buffer) error {
		b.SetBufferPaused(false)
		if rateMs > 0 {
			b.ApplyRateOverride(rateMs)
		}
		return nil
	})
}

// ResetOfflineBuffers clears both the RAM and persisted contents of addrs
// (or every registered address when addrs is empty), restarting their
// sequence counters from zero.
func (c *Core) ResetOfflineBuffers(addrs []dm.BusAddr) error {
	var firstErr error
	for _, addr := range c.entriesFor(addrs) {
		if err := c.withBuffer(addr, func(b *devicebuffer.Buffer) error {
			return b.Reset()
		}); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// RebalanceOfflineBuffers resizes the RAM ring of each address in addrs (or
// every registered address when addrs is empty) to fit within
// globalCapBytes, distributing the budget evenly subject to minEntries.
// This is the only control-plane operation that changes an existing
// buffer's RAM capacity, in either direction.
func (c *Core) RebalanceOfflineBuffers(addrs []dm.BusAddr, globalCapBytes uint64, minEntries int) error {
	targets := c.entriesFor(addrs)
	if len(targets) == 0 {
		return nil
	}

	type sizing struct {
		addr        dm.BusAddr
		payloadSize int
		metaSize    int
	}
	sizings := make([]sizing, 0, len(targets))
	for _, addr := range targets {
		e := c.get(addr)
		if e == nil {
			continue
		}
		if !tryLockBounded(&e.mu) {
			continue
		}
		sizings = append(sizings, sizing{addr: addr, payloadSize: e.buffer.PayloadSize(), metaSize: 4})
		e.mu.Unlock()
	}
	if len(sizings) == 0 {
		return dm.ErrBusy
	}

	perBufferBytes := globalCapBytes / uint64(len(sizings))

	var firstErr error
	for _, s := range sizings {
		bytesPerEntry := uint64(s.payloadSize + s.metaSize)
		if bytesPerEntry == 0 {
			continue
		}
		newEntries := int(perBufferBytes / bytesPerEntry)
		if newEntries < minEntries {
			newEntries = minEntries
		}
		if err := c.withBuffer(s.addr, func(b *devicebuffer.Buffer) error {
			return b.Rebalance(newEntries)
		}); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// EstimateOfflineAllocations reports, without mutating any buffer, the RAM
// a buffer at each address's current configuration occupies. It backs the
// control plane's simulate-only mode.
func (c *Core) EstimateOfflineAllocations(addrs []dm.BusAddr) map[dm.BusAddr]EstAllocInfo {
	out := map[dm.BusAddr]EstAllocInfo{}
	for _, addr := range c.entriesFor(addrs) {
		_ = c.withBuffer(addr, func(b *devicebuffer.Buffer) error {
			out[addr] = EstAllocInfo{
				AllocBytes:    b.RingEntries() * (b.PayloadSize() + 4),
				BytesPerEntry: b.PayloadSize() + 4,
				PayloadSize:   b.PayloadSize(),
				MetaSize:      4,
			}
			return nil
		})
	}
	return out
}

// GetOfflineControlSnapshot returns the current global/per-address control
// flags, independent of any buffer's contents.
func (c *Core) GetOfflineControlSnapshot() ControlSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	bufferPaused := map[dm.BusAddr]bool{}
	drainPaused := map[dm.BusAddr]bool{}
	rateOverrides := map[dm.BusAddr]uint32{}
	for addr, e := range c.buffers {
		if tryLockBounded(&e.mu) {
			if e.buffer.BufferPaused() {
				bufferPaused[addr] = true
			}
			if e.buffer.DrainPaused() {
				drainPaused[addr] = true
			}
			if rate := e.buffer.RateOverrideMs(); rate > 0 {
				rateOverrides[addr] = rate
			}
			e.mu.Unlock()
		}
	}

	selectedAddrs := map[dm.BusAddr]bool{}
	for a := range c.selectedAddrs {
		selectedAddrs[a] = true
	}
	selectedTypes := map[string]bool{}
	for t := range c.selectedTypes {
		selectedTypes[t] = true
	}

	return ControlSnapshot{
		GlobalBufferPaused:    c.globalBufferPaused,
		GlobalDrainPaused:     c.globalDrainPaused,
		BufferPaused:          bufferPaused,
		DrainPaused:           drainPaused,
		SelectedAddrs:         selectedAddrs,
		SelectedTypes:         selectedTypes,
		DrainOnly:             c.drainOnly,
		MaxPerPublishOverride: c.maxPerPublishOverride,
		RateOverridesMs:       rateOverrides,
	}
}

// PeekRecords is one address's non-destructive peek result.
type PeekRecords struct {
	Addr  dm.BusAddr
	Data  []byte
	Metas []dm.RecordMeta
}

// PeekOfflineData returns up to maxResp records per address (bounded by
// maxBytes) for each of addrs starting at startIdx, without removing them
// from any buffer, plus the total number of records left unreturned across
// all addresses.
func (c *Core) PeekOfflineData(addrs []dm.BusAddr, startIdx, maxResp, maxBytes int) ([]PeekRecords, int) {
	var out []PeekRecords
	remaining := 0
	for _, addr := range c.entriesFor(addrs) {
		_ = c.withBuffer(addr, func(b *devicebuffer.Buffer) error {
			data, metas, n := b.Peek(startIdx, maxResp, maxBytes)
			if n > 0 {
				out = append(out, PeekRecords{Addr: addr, Data: data, Metas: metas})
			}
			depth := b.Stats().Depth
			if depth > startIdx+n {
				remaining += depth - (startIdx + n)
			}
			return nil
		})
	}
	return out, remaining
}

// effectiveDrainPaused folds the global flag, per-address flag, and
// selection-exclusion rule together: an address is paused when either the
// global or its own flag is set, so clearing the per-address flag does not
// lift a global drain pause; being outside a drain-only selection also
// pauses an otherwise-unpaused address.
func (c *Core) effectiveDrainPaused(addr dm.BusAddr, typeName string, buf *devicebuffer.Buffer) bool {
	c.mu.Lock()
	global := c.globalDrainPaused
	drainOnly := c.drainOnly
	selected := c.inSelection(addr, typeName)
	c.mu.Unlock()

	paused := global || buf.DrainPaused()
	if drainOnly && !selected {
		paused = true
	}
	return paused
}

// DrainAll drains every address not currently excluded by pause/selection
// state, up to maxResp records and maxBytes bytes per address. maxResp 0
// means the buffer's own max-per-publish override when set, otherwise
// unlimited; maxBytes 0 means unlimited.
func (c *Core) DrainAll(maxResp, maxBytes int) []PeekRecords {
	var out []PeekRecords
	for _, addr := range c.Addresses() {
		e := c.get(addr)
		if e == nil || !tryLockBounded(&e.mu) {
			continue
		}
		paused := c.effectiveDrainPaused(addr, e.typeName, e.buffer)
		if paused {
			e.mu.Unlock()
			continue
		}
		data, metas, n := e.buffer.Drain(maxResp, maxBytes)
		e.mu.Unlock()
		if n > 0 {
			out = append(out, PeekRecords{Addr: addr, Data: data, Metas: metas})
		}
	}
	return out
}
