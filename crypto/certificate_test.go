package crypto

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestEnsureCertificateIsStable(t *testing.T) {
	tempDir := t.TempDir()
	certPath := filepath.Join(tempDir, "certificate.pem")
	keyPath := filepath.Join(tempDir, "private_key.pem")

	first, err := EnsureCertificate(certPath, keyPath, "device_a")
	if err != nil {
		t.Fatalf("first EnsureCertificate failed: %v", err)
	}
	second, err := EnsureCertificate(certPath, keyPath, "device_a")
	if err != nil {
		t.Fatalf("second EnsureCertificate failed: %v", err)
	}

	if !SameCertificate(first.Leaf, second.Leaf) {
		t.Fatalf("expected stable certificate across runs")
	}
	if first.Leaf.Subject.CommonName != "device_a" {
		t.Fatalf("common name = %q, want device_a", first.Leaf.Subject.CommonName)
	}
	if first.Fingerprint() != second.Fingerprint() {
		t.Fatalf("expected stable fingerprint across runs")
	}
}

func TestEnsureCertificateRegeneratesForNewDeviceID(t *testing.T) {
	tempDir := t.TempDir()
	certPath := filepath.Join(tempDir, "certificate.pem")
	keyPath := filepath.Join(tempDir, "private_key.pem")

	first, err := EnsureCertificate(certPath, keyPath, "device_a")
	if err != nil {
		t.Fatalf("EnsureCertificate failed: %v", err)
	}
	second, err := EnsureCertificate(certPath, keyPath, "device_b")
	if err != nil {
		t.Fatalf("EnsureCertificate failed: %v", err)
	}
	if SameCertificate(first.Leaf, second.Leaf) {
		t.Fatalf("expected a new certificate for a new device id")
	}
	if second.Leaf.Subject.CommonName != "device_b" {
		t.Fatalf("common name = %q, want device_b", second.Leaf.Subject.CommonName)
	}
}

func TestParseCertificatePEMRoundTrip(t *testing.T) {
	certPEM, _, err := GenerateCertificate("device_a")
	if err != nil {
		t.Fatalf("GenerateCertificate failed: %v", err)
	}
	cert, err := ParseCertificatePEM(string(certPEM))
	if err != nil {
		t.Fatalf("ParseCertificatePEM failed: %v", err)
	}
	again, err := ParseCertificatePEM(string(EncodeCertificatePEM(cert)))
	if err != nil {
		t.Fatalf("ParseCertificatePEM(encoded) failed: %v", err)
	}
	if !SameCertificate(cert, again) {
		t.Fatalf("expected identical certificate after re-encoding")
	}

	if _, err := ParseCertificatePEM("garbage"); !errors.Is(err, ErrInvalidCertificate) {
		t.Fatalf("ParseCertificatePEM(garbage) error = %v, want ErrInvalidCertificate", err)
	}
}

func TestFormatFingerprint(t *testing.T) {
	got := FormatFingerprint("abcdef0123")
	if got != "ABCD EF01 23" {
		t.Fatalf("FormatFingerprint() = %q", got)
	}
	if FormatFingerprint("") != "" {
		t.Fatalf("expected empty fingerprint to stay empty")
	}
}
