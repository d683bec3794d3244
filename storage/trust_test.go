package storage

import (
	"errors"
	"slices"
	"testing"
	"time"

	"peerlink/protocol"
)

func TestTrustRecordRoundTrip(t *testing.T) {
	store := openTestStore(t)
	if err := store.SaveTrustRecord(trustFixture("phone_a", "Phone A")); err != nil {
		t.Fatalf("SaveTrustRecord: %v", err)
	}

	record, err := store.GetTrustRecord("phone_a")
	if err != nil {
		t.Fatalf("GetTrustRecord: %v", err)
	}
	if record.DeviceName != "Phone A" || record.DeviceType != protocol.DeviceTypePhone {
		t.Fatalf("unexpected record: %+v", record)
	}
	if record.PairedAt.IsZero() || time.Since(record.PairedAt) > time.Minute {
		t.Fatalf("expected paired time to default to now, got %s", record.PairedAt)
	}
	if !record.LastSeen.IsZero() {
		t.Fatalf("expected no last seen time, got %s", record.LastSeen)
	}
	if !slices.Equal(record.IncomingCapabilities, []string{"peerlink.ping"}) {
		t.Fatalf("unexpected capabilities: %v", record.IncomingCapabilities)
	}

	identity := record.Identity()
	if identity.DeviceID != "phone_a" || identity.ProtocolVersion != protocol.ProtocolVersion {
		t.Fatalf("unexpected identity: %+v", identity)
	}
}

func TestSaveTrustRecordReplacesExisting(t *testing.T) {
	store := openTestStore(t)
	if err := store.SaveTrustRecord(trustFixture("phone_a", "Phone A")); err != nil {
		t.Fatalf("SaveTrustRecord: %v", err)
	}
	if err := store.SaveTrustRecord(TrustRecord{DeviceID: "phone_a", CertificatePEM: "new-pem", Fingerprint: "new-fp"}); err != nil {
		t.Fatalf("SaveTrustRecord replace: %v", err)
	}

	record, err := store.GetTrustRecord("phone_a")
	if err != nil {
		t.Fatalf("GetTrustRecord: %v", err)
	}
	if record.Fingerprint != "new-fp" || record.DeviceName != "phone_a" || record.DeviceType != protocol.DeviceTypeDesktop {
		t.Fatalf("expected replaced record with defaults, got %+v", record)
	}
	if len(record.IncomingCapabilities) != 0 {
		t.Fatalf("expected empty capabilities, got %v", record.IncomingCapabilities)
	}
}

func TestSaveTrustRecordValidates(t *testing.T) {
	store := openTestStore(t)
	bad := []TrustRecord{
		{CertificatePEM: "pem", Fingerprint: "fp"},
		{DeviceID: "not valid!", CertificatePEM: "pem", Fingerprint: "fp"},
		{DeviceID: "phone_a", Fingerprint: "fp"},
		{DeviceID: "phone_a", CertificatePEM: "pem"},
	}
	for _, record := range bad {
		if err := store.SaveTrustRecord(record); err == nil {
			t.Fatalf("expected %+v to be rejected", record)
		}
	}
}

func TestListAndDeleteTrustRecords(t *testing.T) {
	store := openTestStore(t)
	for _, r := range []TrustRecord{trustFixture("tablet_b", "Bravo"), trustFixture("phone_a", "Alpha")} {
		if err := store.SaveTrustRecord(r); err != nil {
			t.Fatalf("SaveTrustRecord: %v", err)
		}
	}

	records, err := store.ListTrustRecords()
	if err != nil {
		t.Fatalf("ListTrustRecords: %v", err)
	}
	if len(records) != 2 || records[0].DeviceName != "Alpha" || records[1].DeviceName != "Bravo" {
		t.Fatalf("expected records ordered by name, got %+v", records)
	}

	if err := store.DeleteTrustRecord("phone_a"); err != nil {
		t.Fatalf("DeleteTrustRecord: %v", err)
	}
	if err := store.DeleteTrustRecord("phone_a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
	if _, err := store.GetTrustRecord("phone_a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRememberIdentity(t *testing.T) {
	store := openTestStore(t)
	if err := store.SaveTrustRecord(trustFixture("phone_a", "Phone A")); err != nil {
		t.Fatalf("SaveTrustRecord: %v", err)
	}

	seen := time.UnixMilli(1_700_000_000_000)
	identity := protocol.Identity{
		DeviceID:             "phone_a",
		DeviceName:           "Renamed Phone",
		DeviceType:           protocol.DeviceTypeTablet,
		IncomingCapabilities: []string{"peerlink.ping", "peerlink.battery"},
	}
	if err := store.RememberIdentity(identity, seen); err != nil {
		t.Fatalf("RememberIdentity: %v", err)
	}

	record, err := store.GetTrustRecord("phone_a")
	if err != nil {
		t.Fatalf("GetTrustRecord: %v", err)
	}
	if record.DeviceName != "Renamed Phone" || record.DeviceType != protocol.DeviceTypeTablet {
		t.Fatalf("identity not refreshed: %+v", record)
	}
	if !record.LastSeen.Equal(seen) {
		t.Fatalf("LastSeen = %s, want %s", record.LastSeen, seen)
	}
	if len(record.IncomingCapabilities) != 2 || len(record.OutgoingCapabilities) != 0 {
		t.Fatalf("unexpected capabilities: %+v", record)
	}

	identity.DeviceID = "unknown"
	if err := store.RememberIdentity(identity, seen); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for an unpaired device, got %v", err)
	}
}
