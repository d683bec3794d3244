package storage

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"peerlink/protocol"
)

func openTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	store, err := Open(t.TempDir(), opts...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return store
}

func trustFixture(deviceID, name string) TrustRecord {
	return TrustRecord{
		DeviceID:             deviceID,
		DeviceName:           name,
		DeviceType:           protocol.DeviceTypePhone,
		CertificatePEM:       "-----BEGIN CERTIFICATE-----\n" + deviceID + "\n-----END CERTIFICATE-----\n",
		Fingerprint:          "fp-" + deviceID,
		IncomingCapabilities: []string{"peerlink.ping"},
		OutgoingCapabilities: []string{"peerlink.ping"},
	}
}

func TestOpenCreatesSchemaInWALMode(t *testing.T) {
	store := openTestStore(t)

	if filepath.Base(store.Path()) != FileName {
		t.Fatalf("unexpected database path %q", store.Path())
	}

	var version int
	if err := store.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		t.Fatalf("read user_version: %v", err)
	}
	if version != len(schema) {
		t.Fatalf("user_version = %d, want %d", version, len(schema))
	}

	var mode string
	if err := store.db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("read journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Fatalf("journal_mode = %q", mode)
	}
}

func TestReopenKeepsData(t *testing.T) {
	dir := t.TempDir()
	first, err := Open(dir, WithMaintenanceInterval(0))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := first.SaveTrustRecord(trustFixture("phone_a", "Phone A")); err != nil {
		t.Fatalf("SaveTrustRecord: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()
	if _, err := second.GetTrustRecord("phone_a"); err != nil {
		t.Fatalf("record lost across reopen: %v", err)
	}
}

func TestOpenRejectsNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	if _, err := db.Exec("PRAGMA user_version = 99"); err != nil {
		t.Fatalf("set user_version: %v", err)
	}
	_ = db.Close()

	if _, err := OpenFile(path); err == nil {
		t.Fatal("expected an error for a schema from a newer build")
	}
}

func TestCloseIsIdempotentAndBlocksWrites(t *testing.T) {
	store, err := Open(t.TempDir(), WithMaintenanceInterval(time.Millisecond))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := store.SaveTrustRecord(trustFixture("phone_a", "Phone A")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := store.Audit(KindDevicePaired, SeverityInfo, "phone_a", nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
