// SPDX-License-Identifier: MIT

package types

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewChallenge_Fresh(t *testing.T) {
	c1, err := NewChallenge()
	require.NoError(t, err)
	c2, err := NewChallenge()
	require.NoError(t, err)

	assert.Equal(t, ProtocolVersion, c1.ProtocolVersion)
	assert.Len(t, c1.Nonce, NonceSize)
	assert.False(t, c1.IssuedAt.IsZero())
	assert.False(t, bytes.Equal(c1.Nonce, c2.Nonce), "two challenges share a nonce")
}

func TestChallenge_RoundTrip(t *testing.T) {
	c, err := NewChallenge()
	require.NoError(t, err)

	data := c.Serialize()
	require.Len(t, data, 1+NonceSize)
	assert.Equal(t, ProtocolVersion, data[0])

	decoded, err := ParseChallenge(data)
	require.NoError(t, err)
	assert.True(t, c.Equal(decoded))
	assert.Equal(t, data, decoded.Serialize())
}

func TestParseChallenge_Malformed(t *testing.T) {
	valid := append([]byte{ProtocolVersion}, make([]byte, NonceSize)...)

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"version only", []byte{ProtocolVersion}},
		{"short nonce", valid[:len(valid)-1]},
		{"long nonce", append(append([]byte{}, valid...), 0x00)},
		{"unsupported version", append([]byte{0x7f}, make([]byte, NonceSize)...)},
		{"zero version", append([]byte{0x00}, make([]byte, NonceSize)...)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseChallenge(tt.data)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedChallenge), "got %v", err)
		})
	}
}

func TestChallenge_Equal(t *testing.T) {
	a := &Challenge{ProtocolVersion: 1, Nonce: []byte{1, 2, 3}}
	b := &Challenge{ProtocolVersion: 1, Nonce: []byte{1, 2, 3}}
	c := &Challenge{ProtocolVersion: 1, Nonce: []byte{1, 2, 4}}

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.False(t, a.Equal(nil))
	var nilChallenge *Challenge
	assert.True(t, nilChallenge.Equal(nil))
}

func TestErrorKind(t *testing.T) {
	assert.Equal(t, "ok", ErrorKind(nil))
	assert.Equal(t, "challenge_mismatch", ErrorKind(ErrChallengeMismatch))
	assert.Equal(t, "untrusted_root", ErrorKind(errors.Join(errors.New("ctx"), ErrUntrustedRoot)))
	assert.Equal(t, "internal", ErrorKind(errors.New("boom")))

	assert.True(t, IsSecurityRelevant(ErrIdentityKeyMismatch))
	assert.False(t, IsSecurityRelevant(ErrStoreIO))
}

func TestErrorForKind(t *testing.T) {
	for _, err := range []error{ErrMalformedMessage, ErrIdentityKeyMismatch, ErrStoreIO} {
		assert.Same(t, err, ErrorForKind(ErrorKind(err)))
	}
	assert.Nil(t, ErrorForKind("ok"))
	assert.Nil(t, ErrorForKind("internal"))
}
