package crypto

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	certificatePEMType = "CERTIFICATE"
	privateKeyPEMType  = "EC PRIVATE KEY"

	certificateValidity = 10 * 365 * 24 * time.Hour
)

// ErrInvalidCertificate indicates PEM text that does not hold an X.509 certificate.
var ErrInvalidCertificate = errors.New("crypto: invalid certificate")

// LocalCertificate is this device's long-lived TLS identity.
type LocalCertificate struct {
	TLS  tls.Certificate
	Leaf *x509.Certificate
	PEM  string
}

// Fingerprint returns the SHA-256 fingerprint of the local certificate.
func (c *LocalCertificate) Fingerprint() string {
	return CertificateFingerprint(c.Leaf)
}

// EnsureCertificate loads the device certificate from disk, generating it on first run.
// A stored certificate whose common name is not deviceID is replaced.
func EnsureCertificate(certPath, keyPath, deviceID string) (*LocalCertificate, error) {
	local, err := LoadCertificate(certPath, keyPath)
	if err == nil {
		if local.Leaf.Subject.CommonName == deviceID {
			return local, nil
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	certPEM, keyPEM, err := GenerateCertificate(deviceID)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(certPath), 0o700); err != nil {
		return nil, fmt.Errorf("create certificate directory: %w", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return nil, fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return nil, fmt.Errorf("write certificate: %w", err)
	}

	return parseLocalCertificate(certPEM, keyPEM)
}

// LoadCertificate reads a PEM certificate and its ECDSA private key.
func LoadCertificate(certPath, keyPath string) (*LocalCertificate, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("read certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	return parseLocalCertificate(certPEM, keyPEM)
}

// GenerateCertificate creates a self-signed ECDSA P-256 certificate whose
// common name is the device id.
func GenerateCertificate(deviceID string) (certPEM, keyPEM []byte, err error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate private key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("generate serial number: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:         deviceID,
			Organization:       []string{"peerlink"},
			OrganizationalUnit: []string{"peerlink"},
		},
		NotBefore:             now.Add(-365 * 24 * time.Hour),
		NotAfter:              now.Add(certificateValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("create certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal private key: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: certificatePEMType, Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: privateKeyPEMType, Bytes: keyDER})
	return certPEM, keyPEM, nil
}

func parseLocalCertificate(certPEM, keyPEM []byte) (*LocalCertificate, error) {
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	leaf, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	pair.Leaf = leaf

	return &LocalCertificate{
		TLS:  pair,
		Leaf: leaf,
		PEM:  string(EncodeCertificatePEM(leaf)),
	}, nil
}

// ParseCertificatePEM decodes the first certificate in PEM text.
func ParseCertificatePEM(text string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(strings.TrimSpace(text)))
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", ErrInvalidCertificate)
	}
	if block.Type != certificatePEMType {
		return nil, fmt.Errorf("%w: unexpected PEM type %q", ErrInvalidCertificate, block.Type)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCertificate, err)
	}
	return cert, nil
}

// EncodeCertificatePEM encodes a certificate as PEM.
func EncodeCertificatePEM(cert *x509.Certificate) []byte {
	if cert == nil {
		return nil
	}
	return pem.EncodeToMemory(&pem.Block{Type: certificatePEMType, Bytes: cert.Raw})
}

// SameCertificate reports whether two certificates are byte-for-byte identical.
func SameCertificate(a, b *x509.Certificate) bool {
	if a == nil || b == nil {
		return false
	}
	return bytes.Equal(a.Raw, b.Raw)
}

// CertificateFingerprint returns the SHA-256 hex fingerprint of a certificate.
func CertificateFingerprint(cert *x509.Certificate) string {
	if cert == nil {
		return ""
	}
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// FormatFingerprint returns fingerprint text grouped in chunks of 4 uppercase chars.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))
	if clean == "" {
		return ""
	}

	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}

		end := i + 4
		if end > len(clean) {
			end = len(clean)
		}
		b.WriteString(clean[i:end])
	}

	return b.String()
}
