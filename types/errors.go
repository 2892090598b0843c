// SPDX-License-Identifier: MIT
// Auditor - Protocol error kinds
//
// Every failure surfaced by the protocol engine wraps exactly one of these
// sentinels. Detail is attached with fmt.Errorf("%w: ...") so callers can
// render a diagnostic while still matching with errors.Is.

package types

import "errors"

var (
	ErrMalformedChallenge             = errors.New("malformed challenge")
	ErrMalformedMessage               = errors.New("malformed attestation message")
	ErrChallengeMismatch              = errors.New("challenge mismatch")
	ErrInvalidSignature               = errors.New("invalid signature")
	ErrUntrustedRoot                  = errors.New("untrusted root of trust")
	ErrExpiredCertificate             = errors.New("expired certificate")
	ErrMissingAttestationExtension    = errors.New("missing attestation extension")
	ErrMalformedAttestationExtension  = errors.New("malformed attestation extension")
	ErrIdentityKeyMismatch            = errors.New("identity key mismatch")
	ErrHardwareAttestationUnavailable = errors.New("hardware attestation unavailable")
	ErrKeystore                       = errors.New("keystore error")
	ErrStoreIO                        = errors.New("pairing store I/O error")
)

// order matters only for readability; each error wraps at most one kind
var errorKinds = []struct {
	err  error
	kind string
}{
	{ErrMalformedChallenge, "malformed_challenge"},
	{ErrMalformedMessage, "malformed_message"},
	{ErrChallengeMismatch, "challenge_mismatch"},
	{ErrInvalidSignature, "invalid_signature"},
	{ErrUntrustedRoot, "untrusted_root"},
	{ErrExpiredCertificate, "expired_certificate"},
	{ErrMissingAttestationExtension, "missing_attestation_extension"},
	{ErrMalformedAttestationExtension, "malformed_attestation_extension"},
	{ErrIdentityKeyMismatch, "identity_key_mismatch"},
	{ErrHardwareAttestationUnavailable, "hardware_attestation_unavailable"},
	{ErrKeystore, "keystore_error"},
	{ErrStoreIO, "store_io_error"},
}

// returns a stable snake_case label for err, used by metrics and logs
// returns "ok" for nil and "internal" for errors outside the taxonomy
func ErrorKind(err error) string {
	if err == nil {
		return "ok"
	}
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return "internal"
}

// reports whether err indicates possible tampering rather than a benign fault
func IsSecurityRelevant(err error) bool {
	switch {
	case errors.Is(err, ErrChallengeMismatch),
		errors.Is(err, ErrInvalidSignature),
		errors.Is(err, ErrUntrustedRoot),
		errors.Is(err, ErrIdentityKeyMismatch):
		return true
	}
	return false
}

// maps a label from ErrorKind back to its sentinel
// returns nil for "ok" and for unknown labels
func ErrorForKind(kind string) error {
	for _, k := range errorKinds {
		if k.kind == kind {
			return k.err
		}
	}
	return nil
}
