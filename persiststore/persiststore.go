// Package persiststore implements a segmented, key-value-backed durable
// mirror of a ringstore.Store. Records are appended in batches and kept in
// fixed-size segment blobs addressed by index, with a small metadata blob
// describing the ring geometry. A reboot replays the metadata plus whichever
// segments are needed to restore a RingStore to its pre-reboot depth.
package persiststore

import (
	"encoding/binary"
	"fmt"
	goruntime "runtime"

	dm "github.com/xmidt-org/devicemgr"
	"github.com/xmidt-org/devicemgr/ringstore"
)

const (
	metaMagic       uint32 = 0x4F424E56
	metaVersion     uint32 = 2
	defaultSegBytes uint32 = 4000
	metaKey                = "meta"
)

// KV is the minimal key-value contract persiststore needs from a backing
// store: named blobs, get-or-not-found, set, and a namespace-wide wipe. A
// namespace corresponds to one device buffer's persisted ring.
type KV interface {
	Get(namespace, key string) ([]byte, bool, error)
	Set(namespace, key string, value []byte) error
	Clear(namespace string) error
}

// meta is the persisted geometry/head-state blob, laid out exactly as it is
// packed on the wire by encode/decode below.
type meta struct {
	magic                 uint32
	version               uint32
	payloadSize           uint32
	recordSize            uint32
	timestampBytes        uint32
	timestampResolutionUs uint32
	maxEntries            uint32
	head                  uint32
	count                 uint32
	nextSeq               uint32
	importSeq             uint32
	recordsPerSegment     uint32
	segmentBytes          uint32
	drops                 uint32
}

const metaFieldCount = 14

func (m meta) encode() []byte {
	buf := make([]byte, metaFieldCount*4)
	fields := []uint32{
		m.magic, m.version, m.payloadSize, m.recordSize, m.timestampBytes,
		m.timestampResolutionUs, m.maxEntries, m.head, m.count, m.nextSeq,
		m.importSeq, m.recordsPerSegment, m.segmentBytes, m.drops,
	}
	for i, f := range fields {
		binary.LittleEndian.PutUint32(buf[i*4:], f)
	}
	return buf
}

func decodeMeta(buf []byte) (meta, bool) {
	if len(buf) != metaFieldCount*4 {
		return meta{}, false
	}
	u := func(i int) uint32 { return binary.LittleEndian.Uint32(buf[i*4:]) }
	return meta{
		magic:                 u(0),
		version:               u(1),
		payloadSize:           u(2),
		recordSize:            u(3),
		timestampBytes:        u(4),
		timestampResolutionUs: u(5),
		maxEntries:            u(6),
		head:                  u(7),
		count:                 u(8),
		nextSeq:               u(9),
		importSeq:             u(10),
		recordsPerSegment:     u(11),
		segmentBytes:          u(12),
		drops:                 u(13),
	}, true
}

// Store mirrors a ringstore.Store's contents into a KV namespace, segmented
// so that no single blob written to the backing store exceeds segmentBytes.
// Store has no lock of its own and is not safe for concurrent use; callers
// serialize access to it.
type Store struct {
	kv        KV
	namespace string

	ready bool
	m     meta

	effectiveMax uint32
}

// New returns a Store that persists into the given KV under namespace.
func New(kv KV, namespace string) *Store {
	return &Store{kv: kv, namespace: namespace}
}

func segmentKey(idx uint32) string {
	return fmt.Sprintf("s%05d", idx)
}

func resetMeta(payloadSize, tsBytes, tsResUs, maxEntries uint32) meta {
	recordSize := payloadSize + 4
	m := meta{
		magic:                 metaMagic,
		version:               metaVersion,
		payloadSize:           payloadSize,
		recordSize:            recordSize,
		timestampBytes:        tsBytes,
		timestampResolutionUs: tsResUs,
		maxEntries:            maxEntries,
		segmentBytes:          defaultSegBytes,
	}
	if recordSize > 0 {
		m.recordsPerSegment = m.segmentBytes / recordSize
	}
	return m
}

// Configure loads or initializes the persisted meta blob for payloadSize,
// tsBytes, tsResUs and maxEntries. A meta blob found with a mismatched
// shape is wiped and reset rather than trusted (spec behavior: configure
// never reads through stale geometry).
func (s *Store) Configure(payloadSize, tsBytes, tsResUs, maxEntries uint32) error {
	if payloadSize == 0 || maxEntries == 0 {
		return dm.ErrConfigInvalid
	}

	raw, found, err := s.kv.Get(s.namespace, metaKey)
	if err != nil {
		return fmt.Errorf("%w: load meta: %v", dm.ErrPersistIO, err)
	}

	if found {
		m, ok := decodeMeta(raw)
		compatible := ok &&
			m.magic == metaMagic &&
			m.version == metaVersion &&
			m.payloadSize == payloadSize &&
			m.timestampBytes == tsBytes &&
			m.timestampResolutionUs == tsResUs &&
			m.recordSize == payloadSize+4 &&
			m.recordsPerSegment > 0 &&
			m.segmentBytes > 0
		if compatible {
			s.m = m
			s.ready = true
			s.effectiveMax = m.maxEntries
			return nil
		}
		if err := s.Clear(); err != nil {
			return err
		}
	}

	s.m = resetMeta(payloadSize, tsBytes, tsResUs, maxEntries)
	if s.m.recordsPerSegment == 0 {
		return dm.ErrConfigInvalid
	}
	if err := s.saveMeta(); err != nil {
		return err
	}
	s.ready = true
	s.effectiveMax = s.m.maxEntries
	return nil
}

func (s *Store) saveMeta() error {
	if err := s.kv.Set(s.namespace, metaKey, s.m.encode()); err != nil {
		s.ready = false
		return fmt.Errorf("%w: save meta: %v", dm.ErrPersistIO, err)
	}
	return nil
}

// Ready reports whether Configure has successfully run.
func (s *Store) Ready() bool { return s.ready }

// Count returns the number of records the meta blob currently claims.
func (s *Store) Count() uint32 {
	if !s.ready {
		return 0
	}
	return s.m.count
}

// NextSeq returns the sequence number the next appended record would take.
func (s *Store) NextSeq() uint32 {
	if !s.ready {
		return 0
	}
	return s.m.nextSeq
}

// SetEffectiveMaxEntries caps the retained depth below the configured
// maxEntries (e.g. to mirror a RebalanceOfflineBuffers shrink of the RAM
// side), immediately dropping the oldest excess records by accounting.
func (s *Store) SetEffectiveMaxEntries(maxEntries uint32) error {
	if !s.ready {
		return dm.ErrNotConfigured
	}
	if maxEntries == 0 || maxEntries > s.m.maxEntries {
		s.effectiveMax = s.m.maxEntries
	} else {
		s.effectiveMax = maxEntries
	}
	if s.m.count > s.effectiveMax {
		s.m.drops += s.m.count - s.effectiveMax
		s.m.count = s.effectiveMax
		return s.saveMeta()
	}
	return nil
}

// AppendBatch persists count records starting at firstSeq. payloads is the
// concatenation of count fixed-width payloads; adjTSMs holds one adjusted
// timestamp per record. Records already covered by a prior append (firstSeq
// < nextSeq) are silently skipped; a firstSeq beyond nextSeq indicates a
// dropped batch somewhere upstream and resets the store (gap detected).
func (s *Store) AppendBatch(payloads []byte, payloadSize uint32, adjTSMs []uint32, firstSeq, count uint32) (lastSeq uint32, err error) {
	if !s.ready {
		return 0, dm.ErrNotConfigured
	}
	if payloadSize != s.m.payloadSize {
		return 0, dm.ErrSizeMismatch
	}
	if count == 0 || uint32(len(adjTSMs)) < count || uint32(len(payloads)) < count*payloadSize {
		return 0, dm.ErrConfigInvalid
	}

	effectiveMax := s.effectiveMax
	if effectiveMax == 0 {
		effectiveMax = s.m.maxEntries
	}
	if effectiveMax == 0 {
		return 0, dm.ErrConfigInvalid
	}

	if s.m.count == 0 {
		s.m.nextSeq = firstSeq
	} else if firstSeq > s.m.nextSeq {
		if err := s.Clear(); err != nil {
			return 0, err
		}
		s.m = resetMeta(payloadSize, s.m.timestampBytes, s.m.timestampResolutionUs, s.m.maxEntries)
		if s.m.recordsPerSegment == 0 {
			return 0, dm.ErrConfigInvalid
		}
		s.ready = true
		if err := s.saveMeta(); err != nil {
			return 0, err
		}
		s.m.nextSeq = firstSeq
		return 0, fmt.Errorf("%w: firstSeq %d nextSeq was behind, store reset", dm.ErrGapDetected, firstSeq)
	}

	var skip uint32
	if firstSeq < s.m.nextSeq {
		diff := s.m.nextSeq - firstSeq
		if diff >= count {
			if s.m.nextSeq > 0 {
				return s.m.nextSeq - 1, nil
			}
			return 0, nil
		}
		skip = diff
	}

	recordSize := s.m.recordSize
	segBytes := s.m.recordsPerSegment * recordSize
	var segBuf []byte
	var currentSeg uint32 = ^uint32(0)
	dirty := false

	flush := func() error {
		if currentSeg == ^uint32(0) || !dirty {
			return nil
		}
		if err := s.kv.Set(s.namespace, segmentKey(currentSeg), segBuf); err != nil {
			return fmt.Errorf("%w: write segment %d: %v", dm.ErrPersistIO, currentSeg, err)
		}
		dirty = false
		return nil
	}

	for i := skip; i < count; i++ {
		seq := firstSeq + i
		writeIdx := s.m.head
		segIdx := writeIdx / s.m.recordsPerSegment
		segOff := (writeIdx % s.m.recordsPerSegment) * recordSize

		if segIdx != currentSeg {
			if err := flush(); err != nil {
				return 0, err
			}
			currentSeg = segIdx
			raw, found, gerr := s.kv.Get(s.namespace, segmentKey(segIdx))
			if gerr != nil {
				return 0, fmt.Errorf("%w: read segment %d: %v", dm.ErrPersistIO, segIdx, gerr)
			}
			if found && uint32(len(raw)) == segBytes {
				segBuf = raw
			} else {
				segBuf = make([]byte, segBytes)
			}
		}

		binary.LittleEndian.PutUint32(segBuf[segOff:], adjTSMs[i])
		copy(segBuf[segOff+4:segOff+recordSize], payloads[i*payloadSize:(i+1)*payloadSize])
		dirty = true

		s.m.head = (s.m.head + 1) % s.m.maxEntries
		if s.m.count < effectiveMax {
			s.m.count++
		} else {
			s.m.drops++
		}
		s.m.nextSeq = seq + 1
		lastSeq = seq
	}

	if err := flush(); err != nil {
		return 0, err
	}
	if err := s.saveMeta(); err != nil {
		return 0, err
	}
	return lastSeq, nil
}

// ImportTo replays persisted records, oldest first, into dest (a
// ringstore.Store), up to importMaxEntries (0 = no limit other than dest's
// capacity). When more records are available than that limit, only the
// newest ones are replayed. It resumes from the record after the last one
// previously imported, so a repeated call only replays what appeared since.
// The first replayed record seeds dest's
// timestamp base from its own adjusted timestamp; every subsequent record
// passes 0, matching the original importer's one-shot now_us seeding.
func (s *Store) ImportTo(dest *ringstore.Store, importMaxEntries uint32) (nextSeq uint32, err error) {
	if !s.ready {
		return 0, dm.ErrNotConfigured
	}
	nextSeq = s.m.nextSeq
	if s.m.count == 0 {
		return nextSeq, nil
	}

	var firstSeqInStore uint32
	if s.m.nextSeq >= s.m.count {
		firstSeqInStore = s.m.nextSeq - s.m.count
	}
	// importSeq 0 is also the value of a store that has imported nothing,
	// so it does not exclude seq 0 from the replay.
	startSeq := firstSeqInStore
	if s.m.importSeq > 0 && s.m.importSeq+1 > startSeq {
		startSeq = s.m.importSeq + 1
	}
	if startSeq >= s.m.nextSeq {
		return nextSeq, nil
	}

	maxEntries := uint32(dest.Capacity())
	if importMaxEntries > 0 && importMaxEntries < maxEntries {
		maxEntries = importMaxEntries
	}
	if maxEntries == 0 {
		return 0, dm.ErrConfigInvalid
	}

	available := s.m.nextSeq - startSeq
	importCount := available
	if importCount > maxEntries {
		startSeq = s.m.nextSeq - maxEntries
		importCount = maxEntries
	}
	if importCount == 0 {
		return nextSeq, nil
	}

	recordSize := s.m.recordSize
	segBytes := s.m.recordsPerSegment * recordSize
	var segBuf []byte
	var currentSeg uint32 = ^uint32(0)

	tail := (s.m.head + s.m.maxEntries - s.m.count) % s.m.maxEntries
	startIdx := (tail + (startSeq - firstSeqInStore)) % s.m.maxEntries

	for i := uint32(0); i < importCount; i++ {
		if i > 0 && i%512 == 0 {
			goruntime.Gosched()
		}
		recordIdx := (startIdx + i) % s.m.maxEntries
		segIdx := recordIdx / s.m.recordsPerSegment
		segOff := (recordIdx % s.m.recordsPerSegment) * recordSize

		if segIdx != currentSeg {
			currentSeg = segIdx
			raw, found, gerr := s.kv.Get(s.namespace, segmentKey(segIdx))
			if gerr != nil || !found || uint32(len(raw)) != segBytes {
				return 0, fmt.Errorf("%w: read segment %d during import", dm.ErrPersistIO, segIdx)
			}
			segBuf = raw
		}

		adjTSMs := binary.LittleEndian.Uint32(segBuf[segOff:])
		record := segBuf[segOff+4 : segOff+recordSize]

		var nowUs uint64
		if i == 0 {
			nowUs = uint64(adjTSMs) * 1000
		}
		if perr := dest.Put(nowUs, startSeq+i, record); perr != nil {
			return 0, perr
		}
	}

	s.m.importSeq = startSeq + importCount - 1
	if err := s.saveMeta(); err != nil {
		return 0, err
	}
	return s.m.nextSeq, nil
}

// Clear wipes the namespace's meta blob and every segment, leaving the
// store unconfigured.
func (s *Store) Clear() error {
	if err := s.kv.Clear(s.namespace); err != nil {
		return fmt.Errorf("%w: clear: %v", dm.ErrPersistIO, err)
	}
	s.ready = false
	s.m = meta{}
	s.effectiveMax = 0
	return nil
}
