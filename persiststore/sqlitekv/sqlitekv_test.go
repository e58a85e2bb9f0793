package sqlitekv

import (
	"os"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	store, err := Open(Config{Path: filepath.Join(dir, "test.db")})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return store
}

func TestOpenCreatesFileAndDirectory(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "nested", "store.db")

	store, err := Open(Config{Path: dbPath})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Fatalf("expected database file to be created at %s", dbPath)
	}
}

func TestSetThenGetRoundTrips(t *testing.T) {
	store := openTestStore(t)
	defer store.Close()

	if err := store.Set("sensor", "meta", []byte{1, 2, 3}); err != nil {
		t.Fatalf("set: %v", err)
	}
	value, found, err := store.Get("sensor", "meta")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !found {
		t.Fatalf("expected blob to be found")
	}
	if len(value) != 3 || value[0] != 1 {
		t.Fatalf("unexpected value: %v", value)
	}
}

func TestGetMissingKeyReturnsNotFound(t *testing.T) {
	store := openTestStore(t)
	defer store.Close()

	_, found, err := store.Get("sensor", "absent")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if found {
		t.Fatalf("expected not found for absent key")
	}
}

func TestSetOverwritesExistingValue(t *testing.T) {
	store := openTestStore(t)
	defer store.Close()

	_ = store.Set("sensor", "meta", []byte{1})
	_ = store.Set("sensor", "meta", []byte{2, 2})

	value, _, err := store.Get("sensor", "meta")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(value) != 2 || value[0] != 2 {
		t.Fatalf("expected overwritten value, got %v", value)
	}
}

func TestClearRemovesOnlyItsNamespace(t *testing.T) {
	store := openTestStore(t)
	defer store.Close()

	_ = store.Set("sensor", "meta", []byte{1})
	_ = store.Set("other", "meta", []byte{2})

	if err := store.Clear("sensor"); err != nil {
		t.Fatalf("clear: %v", err)
	}

	if _, found, _ := store.Get("sensor", "meta"); found {
		t.Fatalf("expected sensor namespace to be cleared")
	}
	if _, found, _ := store.Get("other", "meta"); !found {
		t.Fatalf("expected other namespace to survive")
	}
}
