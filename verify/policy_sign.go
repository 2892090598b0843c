// SPDX-License-Identifier: MIT
// Auditor - Signed trust policies
//
// A trust policy decides what "strong" means, so an auditor deployed with
// a policy public key refuses policy files that were edited after signing.
// Signatures are detached: policy.yaml + policy.yaml.sig
//
// Key format: PEM-encoded SubjectPublicKeyInfo with Ed25519.
// Signature format: raw 64-byte Ed25519 signature over the file bytes.

package verify

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

const PolicySigSize = ed25519.SignatureSize

// policies are small; anything larger is not one
const PolicyMaxFileSize = 64 * 1024

var (
	ErrPolicySignature = errors.New("invalid policy signature")
	ErrBadKeyFormat    = errors.New("not an Ed25519 public key")
	ErrFileTooLarge    = errors.New("file exceeds maximum size")
)

// reads a PEM-encoded Ed25519 SPKI public key
func LoadPolicyPublicKey(path string) (ed25519.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in %s", path)
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	edPub, ok := pub.(ed25519.PublicKey)
	if !ok {
		return nil, ErrBadKeyFormat
	}
	return edPub, nil
}

func VerifyPolicySignature(data, sig []byte, pub ed25519.PublicKey) error {
	if len(sig) != PolicySigSize {
		return fmt.Errorf("%w: %d bytes, want %d", ErrPolicySignature, len(sig), PolicySigSize)
	}
	if !ed25519.Verify(pub, data, sig) {
		return ErrPolicySignature
	}
	return nil
}

// loads path after checking path+".sig" against pub
func LoadSignedPolicy(path string, pub ed25519.PublicKey) (*TrustPolicy, error) {
	data, err := readBoundedFile(path, PolicyMaxFileSize)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	sig, err := readBoundedFile(path+".sig", PolicySigSize)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy signature: %w", err)
	}
	if err := VerifyPolicySignature(data, sig, pub); err != nil {
		return nil, err
	}
	return ParsePolicy(data)
}

func readBoundedFile(path string, maxSize int64) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > maxSize {
		return nil, ErrFileTooLarge
	}
	return os.ReadFile(path)
}
