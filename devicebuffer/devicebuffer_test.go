package devicebuffer

import (
	"testing"

	"github.com/xmidt-org/devicemgr/persiststore"
)

type memKV struct {
	data map[string]map[string][]byte
}

func newMemKV() *memKV { return &memKV{data: map[string]map[string][]byte{}} }

func (m *memKV) Get(namespace, key string) ([]byte, bool, error) {
	ns, ok := m.data[namespace]
	if !ok {
		return nil, false, nil
	}
	v, ok := ns[key]
	return v, ok, nil
}

func (m *memKV) Set(namespace, key string, value []byte) error {
	ns, ok := m.data[namespace]
	if !ok {
		ns = map[string][]byte{}
		m.data[namespace] = ns
	}
	ns[key] = append([]byte{}, value...)
	return nil
}

func (m *memKV) Clear(namespace string) error {
	delete(m.data, namespace)
	return nil
}

func testPayload(tail byte) []byte {
	return []byte{0, 0, tail, tail}
}

func TestPutPollResultMirrorsToPersist(t *testing.T) {
	kv := newMemKV()
	ps := persiststore.New(kv, "addr-1")
	buf, err := New(Config{RingEntries: 8, PersistEntries: 32, PayloadSize: 4, TimestampBytes: 2, TimestampResolutionUs: 1000}, ps)
	if err != nil {
		t.Fatalf("new buffer: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := buf.PutPollResult(uint64(i)*1000, testPayload(byte(i))); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}
	if buf.Stats().Depth != 3 {
		t.Fatalf("expected ring depth 3, got %d", buf.Stats().Depth)
	}
	if ps.Count() != 3 {
		t.Fatalf("expected persisted count 3, got %d", ps.Count())
	}
}

func TestBufferPausedStopsCapture(t *testing.T) {
	buf, err := New(Config{RingEntries: 4, PayloadSize: 4, TimestampBytes: 2, TimestampResolutionUs: 1000}, nil)
	if err != nil {
		t.Fatalf("new buffer: %v", err)
	}
	buf.SetBufferPaused(true)
	if err := buf.PutPollResult(0, testPayload(1)); err != nil {
		t.Fatalf("put while paused: %v", err)
	}
	if buf.Stats().Depth != 0 {
		t.Fatalf("expected no capture while buffer paused, got depth %d", buf.Stats().Depth)
	}
	if buf.NextSeq() != 1 {
		t.Fatalf("expected seq to advance even while buffer paused, got %d", buf.NextSeq())
	}
}

func TestDrainPausedKeepsRecordsButBlocksDrain(t *testing.T) {
	buf, err := New(Config{RingEntries: 4, PayloadSize: 4, TimestampBytes: 2, TimestampResolutionUs: 1000}, nil)
	if err != nil {
		t.Fatalf("new buffer: %v", err)
	}
	_ = buf.PutPollResult(0, testPayload(1))
	buf.SetDrainPaused(true)
	_, _, n := buf.Drain(0, 0)
	if n != 0 {
		t.Fatalf("expected drain to return nothing while paused, got %d", n)
	}
	_, _, n = buf.Peek(0, 0, 0)
	if n != 1 {
		t.Fatalf("expected peek to still see the record, got %d", n)
	}
}

func TestRebalanceShrinkPreservesNewestRecords(t *testing.T) {
	buf, err := New(Config{RingEntries: 8, PayloadSize: 4, TimestampBytes: 2, TimestampResolutionUs: 1000}, nil)
	if err != nil {
		t.Fatalf("new buffer: %v", err)
	}
	for i := 0; i < 6; i++ {
		_ = buf.PutPollResult(uint64(i)*1000, testPayload(byte(i)))
	}
	if err := buf.Rebalance(3); err != nil {
		t.Fatalf("rebalance: %v", err)
	}
	if buf.RingEntries() != 3 {
		t.Fatalf("expected new capacity 3, got %d", buf.RingEntries())
	}
	_, metas, n := buf.Peek(0, 0, 0)
	if n != 3 {
		t.Fatalf("expected 3 surviving records, got %d", n)
	}
	if metas[0].Seq != 3 || metas[2].Seq != 5 {
		t.Fatalf("expected newest 3 records (seq 3-5) to survive, got %+v", metas)
	}
	if buf.NextSeq() != 6 {
		t.Fatalf("expected sequence counter preserved at 6, got %d", buf.NextSeq())
	}
}
