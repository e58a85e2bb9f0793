// Package devicebuffer composes a ringstore.Store and a persiststore.Store
// into the buffering unit held per bus address: one in-RAM ring mirrored to
// a durable segment store, plus the pause flags and sequence counter a
// control plane manipulates without reaching into either store directly.
package devicebuffer

import (
	dm "github.com/xmidt-org/devicemgr"
	"github.com/xmidt-org/devicemgr/persiststore"
	"github.com/xmidt-org/devicemgr/ringstore"
)

// Config describes the fixed shape of records flowing through a Buffer.
type Config struct {
	RingEntries           int
	PersistEntries        uint32
	PayloadSize           int
	TimestampBytes        int
	TimestampResolutionUs uint32
}

// Buffer is one device's offline data buffer: a RingStore for fast local
// access, an optional PersistStore mirroring it durably, and the control
// flags a ControlPlane toggles (buffer-paused, drain-paused, rate override).
type Buffer struct {
	ring    *ringstore.Store
	persist *persiststore.Store // nil if this address has no durable mirror

	cfg Config

	bufferPaused bool
	drainPaused  bool
	linkPaused   bool
	autoResume   bool

	rateOverrideMs    uint32 // 0 = no override
	maxPerPublishOver int    // 0 = no override, use global default

	seq uint32
}

// New returns a Buffer over a fresh ring. persist may be nil if this
// address is not configured for durable mirroring.
func New(cfg Config, persist *persiststore.Store) (*Buffer, error) {
	ring := ringstore.New()
	if err := ring.Init(cfg.RingEntries, cfg.PayloadSize, cfg.TimestampBytes, cfg.TimestampResolutionUs); err != nil {
		return nil, err
	}
	b := &Buffer{ring: ring, persist: persist, cfg: cfg, autoResume: true}
	if persist != nil {
		if err := persist.Configure(uint32(cfg.PayloadSize), uint32(cfg.TimestampBytes), cfg.TimestampResolutionUs, cfg.PersistEntries); err != nil {
			return nil, err
		}
		nextSeq, err := persist.ImportTo(ring, uint32(cfg.RingEntries))
		if err != nil {
			return nil, err
		}
		ring.SetNextSeq(nextSeq)
		b.seq = nextSeq
	}
	return b, nil
}

// PutPollResult advances the sequence counter for every poll result, but
// only writes it into the ring (and mirrors it to the durable store) when
// the buffer is not paused for capture: seq assignment is unconditional so
// a paused buffer's later records don't retroactively collide with seq
// numbers assigned while it was paused.
func (b *Buffer) PutPollResult(nowUs uint64, payload []byte) error {
	seq := b.seq
	b.seq = seq + 1
	if b.bufferPaused {
		return nil
	}
	if err := b.ring.Put(nowUs, seq, payload); err != nil {
		return err
	}
	if b.persist != nil {
		_, metas, n := b.ring.Get(1, 0, false, b.ring.Stats().Depth-1)
		if n != 1 {
			return dm.ErrConfigInvalid
		}
		adjTSMs := metas[0].TSBaseMs + uint64(metas[0].RawTS)*uint64(b.cfg.TimestampResolutionUs/1000)
		if _, err := b.persist.AppendBatch(payload, uint32(len(payload)), []uint32{uint32(adjTSMs)}, seq, 1); err != nil {
			return err
		}
	}
	return nil
}

// Drain removes and returns up to maxResp records bounded by maxBytes
// (0 = unlimited), honoring drain-pause and link-pause. maxResp 0 means the
// per-address count override when one is set, otherwise unlimited; the
// rate override does not affect Drain. It is a no-op returning zero
// records while the drain side is paused.
func (b *Buffer) Drain(maxResp, maxBytes int) ([]byte, []dm.RecordMeta, int) {
	if b.drainPaused || b.linkPaused {
		return nil, nil, 0
	}
	if maxResp == 0 && b.maxPerPublishOver > 0 {
		maxResp = b.maxPerPublishOver
	}
	return b.ring.Get(maxResp, maxBytes, true, 0)
}

// Peek returns up to maxResp records starting at startIdx without removing
// them, regardless of drain-pause (peek is always non-destructive).
func (b *Buffer) Peek(startIdx, maxResp, maxBytes int) ([]byte, []dm.RecordMeta, int) {
	return b.ring.Get(maxResp, maxBytes, false, startIdx)
}

// Stats reports the current ring depth/drops/wrap diagnostics.
func (b *Buffer) Stats() ringstore.Stats { return b.ring.Stats() }

// SetBufferPaused stops new poll results from being captured while true.
func (b *Buffer) SetBufferPaused(paused bool) { b.bufferPaused = paused }

// BufferPaused reports whether capture into this buffer is paused.
func (b *Buffer) BufferPaused() bool { return b.bufferPaused }

// SetDrainPaused stops Drain from returning records while true; Peek is
// unaffected.
func (b *Buffer) SetDrainPaused(paused bool) { b.drainPaused = paused }

// DrainPaused reports whether draining is paused.
func (b *Buffer) DrainPaused() bool { return b.drainPaused }

// SetLinkPaused mirrors a transport-level pause (e.g. the publish link is
// down) independently of the per-address drain-pause flag. Both must be
// clear for Drain to return records.
func (b *Buffer) SetLinkPaused(paused bool) { b.linkPaused = paused }

// LinkPaused reports whether the transport-level pause is set.
func (b *Buffer) LinkPaused() bool { return b.linkPaused }

// SetAutoResume records a per-buffer auto-resume preference. Resume on an
// online transition is driven by controlplane.Core.NotifyAddressOnline,
// which uses the Core's own auto-resume settings and does not read this
// flag.
func (b *Buffer) SetAutoResume(auto bool) { b.autoResume = auto }

// AutoResume reports whether automatic resume-on-online is enabled.
func (b *Buffer) AutoResume() bool { return b.autoResume }

// ApplyRateOverride sets a per-address poll-rate override in milliseconds;
// 0 clears any existing override.
func (b *Buffer) ApplyRateOverride(rateMs uint32) { b.rateOverrideMs = rateMs }

// ClearRateOverride removes any per-address poll-rate override.
func (b *Buffer) ClearRateOverride() { b.rateOverrideMs = 0 }

// RateOverrideMs returns the current per-address rate override, or 0 if
// none is set.
func (b *Buffer) RateOverrideMs() uint32 { return b.rateOverrideMs }

// SetMaxPerPublishOverride caps how many records this buffer's Drain
// returns per publish tick when no explicit maxResp is requested. 0 clears
// the override and falls back to the control plane's global default.
func (b *Buffer) SetMaxPerPublishOverride(n int) { b.maxPerPublishOver = n }

// MaxPerPublishOverride returns the current per-address drain cap, or 0 if
// none is set.
func (b *Buffer) MaxPerPublishOverride() int { return b.maxPerPublishOver }

// Reset clears both the ring and, if attached, the persisted mirror,
// restarting sequence numbering from zero.
func (b *Buffer) Reset() error {
	b.ring.Clear()
	b.seq = 0
	if b.persist != nil {
		if err := b.persist.Clear(); err != nil {
			return err
		}
		return b.persist.Configure(uint32(b.cfg.PayloadSize), uint32(b.cfg.TimestampBytes), b.cfg.TimestampResolutionUs, b.cfg.PersistEntries)
	}
	return nil
}

// Rebalance reallocates the RAM ring to newEntries, the sole operation
// allowed to shrink an existing buffer's RAM footprint. Surviving records
// (up to newEntries, newest-first-kept) are preserved across the resize;
// any persisted mirror's effective cap is adjusted to match.
func (b *Buffer) Rebalance(newEntries int) error {
	if newEntries == b.cfg.RingEntries {
		return nil
	}
	old := b.ring
	keep := newEntries
	if keep > old.Stats().Depth {
		keep = old.Stats().Depth
	}
	data, metas, n := old.Get(keep, 0, false, old.Stats().Depth-keep)

	next := ringstore.New()
	if err := next.Init(newEntries, b.cfg.PayloadSize, b.cfg.TimestampBytes, b.cfg.TimestampResolutionUs); err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		rec := data[i*b.cfg.PayloadSize : (i+1)*b.cfg.PayloadSize]
		nowUs := (metas[i].TSBaseMs + uint64(metas[i].RawTS)*uint64(b.cfg.TimestampResolutionUs/1000)) * 1000
		if err := next.Put(nowUs, metas[i].Seq, rec); err != nil {
			return err
		}
	}
	next.SetNextSeq(b.seq)

	b.ring = next
	b.cfg.RingEntries = newEntries
	if b.persist != nil {
		if err := b.persist.SetEffectiveMaxEntries(uint32(newEntries)); err != nil {
			return err
		}
	}
	return nil
}

// RingEntries returns the buffer's current RAM capacity in entries.
func (b *Buffer) RingEntries() int { return b.cfg.RingEntries }

// PayloadSize returns the configured per-record payload width.
func (b *Buffer) PayloadSize() int { return b.cfg.PayloadSize }

// NextSeq returns the sequence number the next captured record will take.
func (b *Buffer) NextSeq() uint32 { return b.seq }

// BytesInUse returns the RAM footprint of the backing ring.
func (b *Buffer) BytesInUse() int { return b.ring.Stats().BytesInUse() }
