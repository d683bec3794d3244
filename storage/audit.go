package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

func (s Severity) valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return true
	}
	return false
}

// AuditKind names a security-relevant occurrence.
type AuditKind string

const (
	// KindCertificateMismatch: a trusted device presented another certificate.
	KindCertificateMismatch AuditKind = "certificate_mismatch"
	KindDevicePaired        AuditKind = "device_paired"
	KindDeviceUnpaired      AuditKind = "device_unpaired"
	// KindInvalidPairCertificate: a pair request carried an unusable certificate.
	KindInvalidPairCertificate AuditKind = "invalid_pair_certificate"
)

type AuditEvent struct {
	ID       int64
	Kind     AuditKind
	DeviceID string
	Severity Severity
	Details  map[string]any
	At       time.Time
}

// AuditQuery filters AuditTrail. Zero fields match everything.
type AuditQuery struct {
	Kind     AuditKind
	DeviceID string
	Severity Severity
	Since    time.Time
	Until    time.Time
	// Limit defaults to 100 and is capped at 1000.
	Limit  int
	Offset int
}

// Audit appends an event to the audit log.
func (s *Store) Audit(kind AuditKind, severity Severity, deviceID string, details map[string]any) error {
	if s.closed() {
		return ErrClosed
	}
	if strings.TrimSpace(string(kind)) == "" {
		return fmt.Errorf("storage: audit event kind is required")
	}
	if severity == "" {
		severity = SeverityInfo
	}
	if !severity.valid() {
		return fmt.Errorf("storage: unknown severity %q", severity)
	}

	encoded := []byte("{}")
	if len(details) > 0 {
		var err error
		if encoded, err = json.Marshal(details); err != nil {
			return fmt.Errorf("storage: encode %s details: %w", kind, err)
		}
	}

	_, err := s.db.Exec(
		`INSERT INTO audit_events (kind, device_id, severity, details, at) VALUES (?, ?, ?, ?, ?)`,
		kind, strings.TrimSpace(deviceID), severity, string(encoded), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("storage: record %s: %w", kind, err)
	}
	return nil
}

// AuditTrail returns matching events, newest first.
func (s *Store) AuditTrail(q AuditQuery) ([]AuditEvent, error) {
	if q.Severity != "" && !q.Severity.valid() {
		return nil, fmt.Errorf("storage: unknown severity %q", q.Severity)
	}

	var (
		where []string
		args  []any
	)
	match := func(clause string, arg any) {
		where = append(where, clause)
		args = append(args, arg)
	}
	if q.Kind != "" {
		match("kind = ?", q.Kind)
	}
	if q.DeviceID != "" {
		match("device_id = ?", q.DeviceID)
	}
	if q.Severity != "" {
		match("severity = ?", q.Severity)
	}
	if !q.Since.IsZero() {
		match("at >= ?", q.Since.UnixMilli())
	}
	if !q.Until.IsZero() {
		match("at <= ?", q.Until.UnixMilli())
	}

	query := `SELECT id, kind, device_id, severity, details, at FROM audit_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY at DESC, id DESC LIMIT ? OFFSET ?"
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, min(limit, 1000), max(q.Offset, 0))

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query audit log: %w", err)
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		event, err := scanAuditEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: read audit event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: read audit log: %w", err)
	}
	return events, nil
}

// PruneAudit deletes events recorded before cutoff and reports how many went.
func (s *Store) PruneAudit(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM audit_events WHERE at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("storage: prune audit log: %w", err)
	}
	return res.RowsAffected()
}

func scanAuditEvent(row rowScanner) (AuditEvent, error) {
	var (
		event   AuditEvent
		details string
		at      int64
	)
	if err := row.Scan(&event.ID, &event.Kind, &event.DeviceID, &event.Severity, &details, &at); err != nil {
		return AuditEvent{}, err
	}
	event.At = time.UnixMilli(at)
	if err := json.Unmarshal([]byte(details), &event.Details); err != nil {
		return AuditEvent{}, fmt.Errorf("decode details of event %d: %w", event.ID, err)
	}
	return event, nil
}
