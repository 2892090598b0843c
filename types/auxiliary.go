// SPDX-License-Identifier: MIT
// Auditor - Auxiliary signed data
//
// The auditee may append OS-enforced state that the hardware attestation
// extension cannot carry. It is CBOR-encoded and signed by the attested key:
//   uint16 length || CBOR payload || uint16 length || signature
// The signature covers SHA-256(challenge nonce || CBOR payload).

package types

import (
	"crypto/sha256"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/cryptobyte"
)

// state reported by the auditee operating system, not hardware-enforced
type OSEnforced struct {
	UserProfileSecure bool `cbor:"1,keyasint,omitempty"`
	DebuggingEnabled  bool `cbor:"2,keyasint,omitempty"`
	OEMUnlockAllowed  bool `cbor:"3,keyasint,omitempty"`
	SystemUser        bool `cbor:"4,keyasint,omitempty"`
}

// payload carried in the auxiliary section
type AuxiliaryData struct {
	Label       string     `cbor:"1,keyasint,omitempty"`
	DeviceModel string     `cbor:"2,keyasint,omitempty"`
	AppVersion  string     `cbor:"3,keyasint,omitempty"`
	OS          OSEnforced `cbor:"4,keyasint"`
}

// payload plus detached signature
type SignedAuxiliary struct {
	Payload   []byte
	Signature []byte
}

var auxEncMode cbor.EncMode

func init() {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	auxEncMode = em
}

// encodes the payload deterministically so that signatures are reproducible
func EncodeAuxiliary(a *AuxiliaryData) ([]byte, error) {
	return auxEncMode.Marshal(a)
}

// decodes a CBOR payload
func DecodeAuxiliary(payload []byte) (*AuxiliaryData, error) {
	var a AuxiliaryData
	if err := cbor.Unmarshal(payload, &a); err != nil {
		return nil, fmt.Errorf("%w: auxiliary payload: %v", ErrMalformedMessage, err)
	}
	return &a, nil
}

// returns the digest the attested key signs
func AuxiliaryDigest(nonce, payload []byte) []byte {
	h := sha256.New()
	h.Write(nonce)
	h.Write(payload)
	return h.Sum(nil)
}

func (s *SignedAuxiliary) Serialize() ([]byte, error) {
	var b cryptobyte.Builder
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(s.Payload) })
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(s.Signature) })
	data, err := b.Bytes()
	if err != nil {
		return nil, fmt.Errorf("%w: auxiliary data: %v", ErrMalformedMessage, err)
	}
	return data, nil
}

func ParseSignedAuxiliary(data []byte) (*SignedAuxiliary, error) {
	s := cryptobyte.String(data)
	var payload, sig cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&payload) || !s.ReadUint16LengthPrefixed(&sig) || !s.Empty() {
		return nil, fmt.Errorf("%w: auxiliary data framing", ErrMalformedMessage)
	}
	if len(sig) == 0 {
		return nil, fmt.Errorf("%w: auxiliary data is unsigned", ErrMalformedMessage)
	}
	return &SignedAuxiliary{
		Payload:   append([]byte(nil), payload...),
		Signature: append([]byte(nil), sig...),
	}, nil
}
