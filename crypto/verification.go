package crypto

import (
	"bytes"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const verificationKeyInfo = "peerlink pairing verification"

// VerificationKey derives the short code both users compare while pairing.
// The result does not depend on which side computes it.
func VerificationKey(local, remote *x509.Certificate, timestamp int64) (string, error) {
	if local == nil || remote == nil {
		return "", errors.New("verification key: missing certificate")
	}
	localKey, err := x509.MarshalPKIXPublicKey(local.PublicKey)
	if err != nil {
		return "", fmt.Errorf("verification key: marshal local key: %w", err)
	}
	remoteKey, err := x509.MarshalPKIXPublicKey(remote.PublicKey)
	if err != nil {
		return "", fmt.Errorf("verification key: marshal remote key: %w", err)
	}

	first, second := localKey, remoteKey
	if bytes.Compare(first, second) > 0 {
		first, second = second, first
	}

	var salt [8]byte
	binary.BigEndian.PutUint64(salt[:], uint64(timestamp))

	secret := make([]byte, 0, len(first)+len(second))
	secret = append(secret, first...)
	secret = append(secret, second...)

	reader := hkdf.New(sha256.New, secret, salt[:], []byte(verificationKeyInfo))
	out := make([]byte, 4)
	if _, err := io.ReadFull(reader, out); err != nil {
		return "", fmt.Errorf("verification key: derive: %w", err)
	}

	return strings.ToUpper(hex.EncodeToString(out)), nil
}
