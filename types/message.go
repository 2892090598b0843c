// SPDX-License-Identifier: MIT
// Auditor - Attestation message wire format
//
// Layout (network byte order):
//   uint8     protocol version
//   byte[N]   echoed challenge nonce, N fixed by the protocol version
//   uint16    number of certificates
//   repeated: uint16 length || DER certificate   (leaf first, root last)
//   byte[]    optional auxiliary signed data (rest of the message)

package types

import (
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

// upper bound on certificates in a chain; real attestation chains carry 3-5
const MaxChainLength = 16

// produced once per generate and consumed once per verify
type AttestationMessage struct {
	ProtocolVersion     uint8
	EchoedChallenge     []byte
	CertificateChain    [][]byte
	AuxiliarySignedData []byte
}

// encodes the message for transport
// fails only when a length does not fit its wire field
func (m *AttestationMessage) Serialize() ([]byte, error) {
	size, ok := NonceSizeFor(m.ProtocolVersion)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported protocol version %d", ErrMalformedMessage, m.ProtocolVersion)
	}
	if len(m.EchoedChallenge) != size {
		return nil, fmt.Errorf("%w: echoed challenge is %d bytes, expected %d",
			ErrMalformedMessage, len(m.EchoedChallenge), size)
	}
	if len(m.CertificateChain) == 0 || len(m.CertificateChain) > MaxChainLength {
		return nil, fmt.Errorf("%w: chain length %d out of range", ErrMalformedMessage, len(m.CertificateChain))
	}

	var b cryptobyte.Builder
	b.AddUint8(m.ProtocolVersion)
	b.AddBytes(m.EchoedChallenge)
	b.AddUint16(uint16(len(m.CertificateChain)))
	for _, cert := range m.CertificateChain {
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes(cert)
		})
	}
	b.AddBytes(m.AuxiliarySignedData)

	data, err := b.Bytes()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return data, nil
}

// deserializes an attestation message
// all slices in the result are copies; data may be reused by the caller
func ParseMessage(data []byte) (*AttestationMessage, error) {
	s := cryptobyte.String(data)
	m := &AttestationMessage{}

	if !s.ReadUint8(&m.ProtocolVersion) {
		return nil, fmt.Errorf("%w: empty message", ErrMalformedMessage)
	}

	size, ok := NonceSizeFor(m.ProtocolVersion)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported protocol version %d", ErrMalformedMessage, m.ProtocolVersion)
	}

	var echoed []byte
	if !s.ReadBytes(&echoed, size) {
		return nil, fmt.Errorf("%w: truncated challenge", ErrMalformedMessage)
	}
	m.EchoedChallenge = append([]byte(nil), echoed...)

	var count uint16
	if !s.ReadUint16(&count) {
		return nil, fmt.Errorf("%w: truncated chain length", ErrMalformedMessage)
	}
	if count == 0 || int(count) > MaxChainLength {
		return nil, fmt.Errorf("%w: chain length %d out of range", ErrMalformedMessage, count)
	}

	m.CertificateChain = make([][]byte, 0, count)
	for i := 0; i < int(count); i++ {
		var cert cryptobyte.String
		if !s.ReadUint16LengthPrefixed(&cert) {
			return nil, fmt.Errorf("%w: truncated certificate %d", ErrMalformedMessage, i)
		}
		if len(cert) == 0 {
			return nil, fmt.Errorf("%w: empty certificate %d", ErrMalformedMessage, i)
		}
		m.CertificateChain = append(m.CertificateChain, append([]byte(nil), cert...))
	}

	if !s.Empty() {
		m.AuxiliarySignedData = append([]byte(nil), s...)
	}

	return m, nil
}
