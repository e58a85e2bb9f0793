package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "devicemgr.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadPopulatesDefaults(t *testing.T) {
	path := writeTempConfig(t, `
layouts:
  sensor:
    payload_size: 4
    timestamp_bytes: 2
    timestamp_resolution_us: 1000
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.OkMax != defaultBuffering.OkMax || cfg.FailMax != defaultBuffering.FailMax {
		t.Fatalf("expected hysteresis defaults to be populated, got %+v", cfg)
	}
	if cfg.DefaultRingEntries != defaultBuffering.DefaultRingEntries {
		t.Fatalf("expected default ring entries to be populated, got %d", cfg.DefaultRingEntries)
	}
}

func TestLoadRejectsMissingLayouts(t *testing.T) {
	path := writeTempConfig(t, "ok_max: 2\n")
	if _, err := Load(path); err != ErrNoLayouts {
		t.Fatalf("expected ErrNoLayouts, got %v", err)
	}
}

func TestLoadRejectsIncompleteMQTT(t *testing.T) {
	path := writeTempConfig(t, `
layouts:
  sensor:
    payload_size: 4
    timestamp_bytes: 2
mqtt:
  enabled: true
`)
	if _, err := Load(path); err != ErrMQTTMissingBroker {
		t.Fatalf("expected ErrMQTTMissingBroker, got %v", err)
	}
}

func TestLoadRejectsIncompleteBusPoll(t *testing.T) {
	path := writeTempConfig(t, `
layouts:
  sensor:
    payload_size: 4
    timestamp_bytes: 2
bus_poll:
  enabled: true
`)
	if _, err := Load(path); err != ErrBusPollMissingURL {
		t.Fatalf("expected ErrBusPollMissingURL, got %v", err)
	}
}

func TestToOptionsProjectsFields(t *testing.T) {
	path := writeTempConfig(t, `
layouts:
  sensor:
    payload_size: 4
    timestamp_bytes: 2
segment_bytes: 2000
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	opts := cfg.ToOptions()
	if opts.SegmentBytes != 2000 {
		t.Fatalf("expected projected segment bytes 2000, got %d", opts.SegmentBytes)
	}
}
