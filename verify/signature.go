// SPDX-License-Identifier: MIT
// Auditor - Auxiliary data signature verification
//
// The auditee signs its auxiliary payload with the attested key itself,
// so the only trust anchor needed is the already-verified leaf.

package verify

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/octocorvus/Auditor/types"
)

// checks sig over AuxiliaryDigest(nonce, payload) with the leaf public key
func VerifyAuxiliarySignature(pub crypto.PublicKey, nonce, payload, sig []byte) error {
	if pub == nil {
		return fmt.Errorf("%w: no public key", types.ErrInvalidSignature)
	}
	digest := types.AuxiliaryDigest(nonce, payload)

	switch key := pub.(type) {
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(key, digest, sig) {
			return fmt.Errorf("%w: auxiliary data ECDSA signature", types.ErrInvalidSignature)
		}
		return nil

	case *rsa.PublicKey:
		if key.N.BitLen() < 2048 {
			return fmt.Errorf("%w: RSA key too small: %d bits, minimum 2048", types.ErrInvalidSignature, key.N.BitLen())
		}
		// wire format does not carry the padding scheme, so try PKCS#1 v1.5 then PSS
		pkcsErr := rsa.VerifyPKCS1v15(key, crypto.SHA256, digest, sig)
		if pkcsErr == nil {
			return nil
		}
		pssErr := rsa.VerifyPSS(key, crypto.SHA256, digest, sig, &rsa.PSSOptions{
			SaltLength: rsa.PSSSaltLengthEqualsHash,
			Hash:       crypto.SHA256,
		})
		if pssErr == nil {
			return nil
		}
		return fmt.Errorf("%w: auxiliary data RSA signature (tried PKCS1v15: %v, PSS: %v)",
			types.ErrInvalidSignature, pkcsErr, pssErr)

	case ed25519.PublicKey:
		if !ed25519.Verify(key, digest, sig) {
			return fmt.Errorf("%w: auxiliary data Ed25519 signature", types.ErrInvalidSignature)
		}
		return nil

	default:
		return fmt.Errorf("%w: unsupported key type %T", types.ErrInvalidSignature, pub)
	}
}

// parses a DER SubjectPublicKeyInfo
func ParsePublicKey(spki []byte) (crypto.PublicKey, error) {
	if len(spki) == 0 {
		return nil, errors.New("empty public key")
	}
	pub, err := x509.ParsePKIXPublicKey(spki)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PKIX public key: %w", err)
	}
	return pub, nil
}

// returns the hex SHA-256 fingerprint of a DER SubjectPublicKeyInfo
// used as the auditee identity when no account id is supplied
func KeyFingerprint(spki []byte) string {
	sum := sha256.Sum256(spki)
	return hex.EncodeToString(sum[:])
}
