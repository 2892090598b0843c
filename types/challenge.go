// SPDX-License-Identifier: MIT
// Auditor - Challenge wire format
//
// Layout (network byte order):
//   uint8     protocol version
//   byte[N]   random nonce, N fixed by the protocol version
//
// The issue timestamp never travels; it is local bookkeeping for the auditor.

package types

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"time"

	"golang.org/x/crypto/cryptobyte"
)

// protocol constants
const (
	ProtocolVersion uint8 = 1
	NonceSize             = 32
)

// nonce width per supported protocol version
var nonceSizes = map[uint8]int{
	1: NonceSize,
}

// returns the nonce width for version and whether the version is supported
func NonceSizeFor(version uint8) (int, bool) {
	n, ok := nonceSizes[version]
	return n, ok
}

// Challenge is issued by the auditor and echoed back by the auditee.
type Challenge struct {
	ProtocolVersion uint8
	Nonce           []byte
	IssuedAt        time.Time
}

// creates a fresh challenge with a random nonce for the current protocol version
func NewChallenge() (*Challenge, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return &Challenge{
		ProtocolVersion: ProtocolVersion,
		Nonce:           nonce,
		IssuedAt:        time.Now().UTC(),
	}, nil
}

// creates the binary challenge message for the auditee
func (c *Challenge) Serialize() []byte {
	var b cryptobyte.Builder
	b.AddUint8(c.ProtocolVersion)
	b.AddBytes(c.Nonce)
	return b.BytesOrPanic()
}

// reports whether both challenges carry the same version and nonce
func (c *Challenge) Equal(o *Challenge) bool {
	if c == nil || o == nil {
		return c == o
	}
	return c.ProtocolVersion == o.ProtocolVersion && bytes.Equal(c.Nonce, o.Nonce)
}

// deserializes a binary challenge message
func ParseChallenge(data []byte) (*Challenge, error) {
	s := cryptobyte.String(data)

	var version uint8
	if !s.ReadUint8(&version) {
		return nil, fmt.Errorf("%w: empty message", ErrMalformedChallenge)
	}

	size, ok := NonceSizeFor(version)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported protocol version %d", ErrMalformedChallenge, version)
	}

	if len(s) != size {
		return nil, fmt.Errorf("%w: nonce is %d bytes, expected %d", ErrMalformedChallenge, len(s), size)
	}

	nonce := make([]byte, size)
	copy(nonce, s)

	return &Challenge{
		ProtocolVersion: version,
		Nonce:           nonce,
	}, nil
}
