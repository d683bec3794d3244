package network

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"

	"peerlink/crypto"
)

var (
	// ErrNoPeerCertificate indicates the peer presented no certificate.
	ErrNoPeerCertificate = errors.New("network: peer presented no certificate")
	// ErrCommonNameMismatch indicates the certificate was issued for another device id.
	ErrCommonNameMismatch = errors.New("network: certificate common name does not match device id")
	// ErrCertificateMismatch indicates a trusted device presented a different certificate.
	ErrCertificateMismatch = errors.New("network: certificate does not match trusted device")
)

// TrustLookup returns the stored certificate for a trusted device, or nil.
type TrustLookup func(deviceID string) *x509.Certificate

type verifyFunc func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error

func serverTLSConfig(local *crypto.LocalCertificate, verify verifyFunc) *tls.Config {
	return &tls.Config{
		Certificates:          []tls.Certificate{local.TLS},
		ClientAuth:            tls.RequireAnyClientCert,
		MinVersion:            tls.VersionTLS12,
		VerifyPeerCertificate: verify,
	}
}

func clientTLSConfig(local *crypto.LocalCertificate, verify verifyFunc) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{local.TLS},
		// Self-signed device certificates are checked by VerifyPeerCertificate.
		InsecureSkipVerify:    true,
		MinVersion:            tls.VersionTLS12,
		VerifyPeerCertificate: verify,
	}
}

// verifyDevice accepts a certificate issued for deviceID. When the device is
// trusted the certificate must be the stored one.
func verifyDevice(deviceID string, trusted TrustLookup, observed **x509.Certificate) verifyFunc {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		cert, err := parseLeaf(rawCerts)
		if err != nil {
			return err
		}
		if cert.Subject.CommonName != deviceID {
			return fmt.Errorf("%w: got %q, want %q", ErrCommonNameMismatch, cert.Subject.CommonName, deviceID)
		}
		if trusted != nil {
			if stored := trusted(deviceID); stored != nil && !crypto.SameCertificate(stored, cert) {
				return fmt.Errorf("%w: %s", ErrCertificateMismatch, deviceID)
			}
		}
		if observed != nil {
			*observed = cert
		}
		return nil
	}
}

// verifyPinned accepts only the exact certificate seen on the link.
func verifyPinned(expected *x509.Certificate) verifyFunc {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		cert, err := parseLeaf(rawCerts)
		if err != nil {
			return err
		}
		if !crypto.SameCertificate(expected, cert) {
			return ErrCertificateMismatch
		}
		return nil
	}
}

func parseLeaf(rawCerts [][]byte) (*x509.Certificate, error) {
	if len(rawCerts) == 0 {
		return nil, ErrNoPeerCertificate
	}
	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return nil, fmt.Errorf("parse peer certificate: %w", err)
	}
	return cert, nil
}
