package persiststore

import (
	"fmt"
	"sync"
	"testing"

	"github.com/xmidt-org/devicemgr/ringstore"
)

// memKV is an in-memory stand-in for a real KV backing store, sufficient to
// exercise persiststore's segmenting and meta bookkeeping without SQLite.
type memKV struct {
	mu   sync.Mutex
	data map[string]map[string][]byte
}

func newMemKV() *memKV { return &memKV{data: map[string]map[string][]byte{}} }

func (m *memKV) Get(namespace, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ns, ok := m.data[namespace]
	if !ok {
		return nil, false, nil
	}
	v, ok := ns[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (m *memKV) Set(namespace, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ns, ok := m.data[namespace]
	if !ok {
		ns = map[string][]byte{}
		m.data[namespace] = ns
	}
	v := make([]byte, len(value))
	copy(v, value)
	ns[key] = v
	return nil
}

func (m *memKV) Clear(namespace string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, namespace)
	return nil
}

func buildBatch(payloadSize int, firstSeq, count uint32) ([]byte, []uint32) {
	payloads := make([]byte, int(count)*payloadSize)
	adjTS := make([]uint32, count)
	for i := uint32(0); i < count; i++ {
		seq := firstSeq + i
		for b := 0; b < payloadSize; b++ {
			payloads[int(i)*payloadSize+b] = byte(seq)
		}
		adjTS[i] = seq * 10
	}
	return payloads, adjTS
}

func TestConfigureCreatesThenReloadsMeta(t *testing.T) {
	kv := newMemKV()
	s := New(kv, "addr-1")
	if err := s.Configure(4, 2, 1000, 16); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if !s.Ready() {
		t.Fatalf("expected store ready after configure")
	}

	s2 := New(kv, "addr-1")
	if err := s2.Configure(4, 2, 1000, 16); err != nil {
		t.Fatalf("reconfigure: %v", err)
	}
	if s2.NextSeq() != 0 {
		t.Fatalf("expected fresh nextSeq 0, got %d", s2.NextSeq())
	}
}

func TestConfigureMismatchResetsStore(t *testing.T) {
	kv := newMemKV()
	s := New(kv, "addr-1")
	if err := s.Configure(4, 2, 1000, 16); err != nil {
		t.Fatalf("configure: %v", err)
	}
	payloads, adjTS := buildBatch(4, 0, 3)
	if _, err := s.AppendBatch(payloads, 4, adjTS, 0, 3); err != nil {
		t.Fatalf("append: %v", err)
	}

	// Reconfigure with a different payload size: the stored meta no longer
	// matches and the namespace must be wiped rather than misread.
	s2 := New(kv, "addr-1")
	if err := s2.Configure(8, 2, 1000, 16); err != nil {
		t.Fatalf("reconfigure with new shape: %v", err)
	}
	if s2.Count() != 0 {
		t.Fatalf("expected count 0 after mismatch reset, got %d", s2.Count())
	}
}

func TestAppendBatchThenImportRestoresRing(t *testing.T) {
	kv := newMemKV()
	s := New(kv, "addr-1")
	if err := s.Configure(4, 2, 1000, 16); err != nil {
		t.Fatalf("configure: %v", err)
	}
	payloads, adjTS := buildBatch(4, 0, 6)
	lastSeq, err := s.AppendBatch(payloads, 4, adjTS, 0, 6)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if lastSeq != 5 {
		t.Fatalf("expected lastSeq 5, got %d", lastSeq)
	}

	dest := ringstore.New()
	if err := dest.Init(16, 4, 2, 1000); err != nil {
		t.Fatalf("ring init: %v", err)
	}
	nextSeq, err := s.ImportTo(dest, 0)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if nextSeq != 6 {
		t.Fatalf("expected nextSeq 6, got %d", nextSeq)
	}
	if dest.Stats().Depth != 6 {
		t.Fatalf("expected 6 imported records, got %d", dest.Stats().Depth)
	}
}

func TestAppendBatchSkipsAlreadyPersisted(t *testing.T) {
	kv := newMemKV()
	s := New(kv, "addr-1")
	if err := s.Configure(4, 2, 1000, 16); err != nil {
		t.Fatalf("configure: %v", err)
	}
	p1, t1 := buildBatch(4, 0, 3)
	if _, err := s.AppendBatch(p1, 4, t1, 0, 3); err != nil {
		t.Fatalf("append 1: %v", err)
	}
	// Re-send records 0..2 plus new records 3..4: the overlap must be
	// skipped, leaving count at 5 rather than double-counting.
	p2, t2 := buildBatch(4, 0, 5)
	if _, err := s.AppendBatch(p2, 4, t2, 0, 5); err != nil {
		t.Fatalf("append 2: %v", err)
	}
	if s.Count() != 5 {
		t.Fatalf("expected count 5 after overlapping append, got %d", s.Count())
	}
}

func TestAppendBatchGapResetsStore(t *testing.T) {
	kv := newMemKV()
	s := New(kv, "addr-1")
	if err := s.Configure(4, 2, 1000, 16); err != nil {
		t.Fatalf("configure: %v", err)
	}
	p1, t1 := buildBatch(4, 0, 3)
	if _, err := s.AppendBatch(p1, 4, t1, 0, 3); err != nil {
		t.Fatalf("append 1: %v", err)
	}
	// firstSeq 10 is ahead of nextSeq 3: a batch must have been dropped
	// upstream, so the store resets instead of leaving a silent gap.
	p2, t2 := buildBatch(4, 10, 2)
	_, err := s.AppendBatch(p2, 4, t2, 10, 2)
	if err == nil {
		t.Fatalf("expected gap-detected error")
	}
	if s.Count() != 0 {
		t.Fatalf("expected count reset to 0 after gap, got %d", s.Count())
	}
}

func TestSetEffectiveMaxEntriesShrinksCount(t *testing.T) {
	kv := newMemKV()
	s := New(kv, "addr-1")
	if err := s.Configure(4, 2, 1000, 16); err != nil {
		t.Fatalf("configure: %v", err)
	}
	payloads, adjTS := buildBatch(4, 0, 10)
	if _, err := s.AppendBatch(payloads, 4, adjTS, 0, 10); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.SetEffectiveMaxEntries(4); err != nil {
		t.Fatalf("set effective max: %v", err)
	}
	if s.Count() != 4 {
		t.Fatalf("expected count shrunk to 4, got %d", s.Count())
	}
}

func TestSegmentBoundaryCrossesCleanly(t *testing.T) {
	kv := newMemKV()
	s := New(kv, "addr-1")
	payloadSize := uint32(4)
	if err := s.Configure(payloadSize, 2, 1000, 4000); err != nil {
		t.Fatalf("configure: %v", err)
	}
	recordsPerSegment := int(s.m.recordsPerSegment)
	if recordsPerSegment == 0 {
		t.Fatalf("expected nonzero recordsPerSegment")
	}
	count := uint32(recordsPerSegment) + 5
	payloads, adjTS := buildBatch(int(payloadSize), 0, count)
	if _, err := s.AppendBatch(payloads, payloadSize, adjTS, 0, count); err != nil {
		t.Fatalf("append across segment boundary: %v", err)
	}
	if s.Count() != count {
		t.Fatalf("expected count %d, got %d", count, s.Count())
	}
	if _, found, _ := kv.Get("addr-1", fmt.Sprintf("s%05d", 1)); !found {
		t.Fatalf("expected a second segment blob to exist")
	}
}
