package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"peerlink/protocol"
)

// TrustRecord is what is remembered about a paired device.
type TrustRecord struct {
	DeviceID       string
	DeviceName     string
	DeviceType     protocol.DeviceType
	CertificatePEM string
	Fingerprint    string
	PairedAt       time.Time
	// LastSeen is zero until the device connects after pairing.
	LastSeen             time.Time
	IncomingCapabilities []string
	OutgoingCapabilities []string
}

// Identity rebuilds the identity a trusted device last announced.
func (r TrustRecord) Identity() protocol.Identity {
	return protocol.Identity{
		DeviceID:             r.DeviceID,
		DeviceName:           r.DeviceName,
		DeviceType:           r.DeviceType,
		ProtocolVersion:      protocol.ProtocolVersion,
		IncomingCapabilities: r.IncomingCapabilities,
		OutgoingCapabilities: r.OutgoingCapabilities,
	}
}

const trustColumns = `device_id, device_name, device_type, certificate_pem, fingerprint,
	paired_at, last_seen_at, incoming_capabilities, outgoing_capabilities`

// SaveTrustRecord creates or replaces the record for record.DeviceID.
func (s *Store) SaveTrustRecord(record TrustRecord) error {
	if s.closed() {
		return ErrClosed
	}
	switch {
	case !protocol.ValidDeviceID(record.DeviceID):
		return fmt.Errorf("storage: %w", protocol.ErrInvalidDeviceID)
	case strings.TrimSpace(record.CertificatePEM) == "":
		return errors.New("storage: trust record needs a certificate")
	case record.Fingerprint == "":
		return errors.New("storage: trust record needs a fingerprint")
	}
	if record.DeviceName == "" {
		record.DeviceName = record.DeviceID
	}
	if record.DeviceType == "" {
		record.DeviceType = protocol.DeviceTypeDesktop
	}
	if record.PairedAt.IsZero() {
		record.PairedAt = time.Now()
	}

	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO trusted_devices (`+trustColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.DeviceID,
		record.DeviceName,
		record.DeviceType,
		record.CertificatePEM,
		record.Fingerprint,
		record.PairedAt.UnixMilli(),
		toMillis(record.LastSeen),
		capabilityList(record.IncomingCapabilities),
		capabilityList(record.OutgoingCapabilities),
	)
	if err != nil {
		return fmt.Errorf("storage: save trust for %s: %w", record.DeviceID, err)
	}
	return nil
}

// GetTrustRecord returns ErrNotFound for devices that are not paired.
func (s *Store) GetTrustRecord(deviceID string) (*TrustRecord, error) {
	row := s.db.QueryRow(`SELECT `+trustColumns+` FROM trusted_devices WHERE device_id = ?`, deviceID)
	record, err := scanTrustRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: load trust for %s: %w", deviceID, err)
	}
	return &record, nil
}

// ListTrustRecords returns every record ordered by name.
func (s *Store) ListTrustRecords() ([]TrustRecord, error) {
	rows, err := s.db.Query(`SELECT ` + trustColumns + ` FROM trusted_devices ORDER BY device_name, device_id`)
	if err != nil {
		return nil, fmt.Errorf("storage: list trusted devices: %w", err)
	}
	defer rows.Close()

	var records []TrustRecord
	for rows.Next() {
		record, err := scanTrustRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: read trusted device: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: list trusted devices: %w", err)
	}
	return records, nil
}

func (s *Store) DeleteTrustRecord(deviceID string) error {
	res, err := s.db.Exec(`DELETE FROM trusted_devices WHERE device_id = ?`, deviceID)
	if err != nil {
		return fmt.Errorf("storage: delete trust for %s: %w", deviceID, err)
	}
	return expectOne(res, "delete trust")
}

// RememberIdentity refreshes the name, type and capabilities of a paired
// device and marks it seen at seenAt.
func (s *Store) RememberIdentity(identity protocol.Identity, seenAt time.Time) error {
	res, err := s.db.Exec(
		`UPDATE trusted_devices
		SET device_name = ?, device_type = ?, incoming_capabilities = ?, outgoing_capabilities = ?, last_seen_at = ?
		WHERE device_id = ?`,
		identity.DeviceName,
		identity.DeviceType,
		capabilityList(identity.IncomingCapabilities),
		capabilityList(identity.OutgoingCapabilities),
		toMillis(seenAt),
		identity.DeviceID,
	)
	if err != nil {
		return fmt.Errorf("storage: remember %s: %w", identity.DeviceID, err)
	}
	return expectOne(res, "remember identity")
}

func scanTrustRecord(row rowScanner) (TrustRecord, error) {
	var (
		record             TrustRecord
		pairedAt           int64
		lastSeen           sql.NullInt64
		incoming, outgoing string
	)
	err := row.Scan(
		&record.DeviceID,
		&record.DeviceName,
		&record.DeviceType,
		&record.CertificatePEM,
		&record.Fingerprint,
		&pairedAt,
		&lastSeen,
		&incoming,
		&outgoing,
	)
	if err != nil {
		return TrustRecord{}, err
	}
	record.PairedAt = time.UnixMilli(pairedAt)
	record.LastSeen = fromMillis(lastSeen)
	record.IncomingCapabilities = parseCapabilityList(incoming)
	record.OutgoingCapabilities = parseCapabilityList(outgoing)
	return record, nil
}

// capabilityList stores capabilities as a JSON array; nil becomes [].
func capabilityList(capabilities []string) string {
	if capabilities == nil {
		return "[]"
	}
	raw, _ := json.Marshal(capabilities)
	return string(raw)
}

func parseCapabilityList(raw string) []string {
	var capabilities []string
	if json.Unmarshal([]byte(raw), &capabilities) != nil {
		return nil
	}
	return capabilities
}
