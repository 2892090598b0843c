// SPDX-License-Identifier: MIT

package verify

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"testing"

	"github.com/octocorvus/Auditor/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyAuxiliarySignature(t *testing.T) {
	nonce, payload := []byte("nonce"), []byte("payload")
	digest := types.AuxiliaryDigest(nonce, payload)

	ecKey := newKey(t)
	sig, err := ecdsa.SignASN1(rand.Reader, ecKey, digest)
	require.NoError(t, err)
	require.NoError(t, VerifyAuxiliarySignature(&ecKey.PublicKey, nonce, payload, sig))
	assert.ErrorIs(t, VerifyAuxiliarySignature(&ecKey.PublicKey, []byte("other"), payload, sig), types.ErrInvalidSignature)

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	rsaSig, err := rsa.SignPSS(rand.Reader, rsaKey, crypto.SHA256, digest, &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash})
	require.NoError(t, err)
	require.NoError(t, VerifyAuxiliarySignature(&rsaKey.PublicKey, nonce, payload, rsaSig))

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	require.NoError(t, VerifyAuxiliarySignature(pub, nonce, payload, ed25519.Sign(priv, digest)))

	assert.ErrorIs(t, VerifyAuxiliarySignature(nil, nonce, payload, sig), types.ErrInvalidSignature)
}

func TestKeyFingerprint(t *testing.T) {
	k := newKey(t)
	spki, err := x509.MarshalPKIXPublicKey(&k.PublicKey)
	require.NoError(t, err)

	fp := KeyFingerprint(spki)
	assert.Len(t, fp, 64)
	assert.Equal(t, fp, KeyFingerprint(spki))

	parsed, err := ParsePublicKey(spki)
	require.NoError(t, err)
	assert.IsType(t, &ecdsa.PublicKey{}, parsed)

	_, err = ParsePublicKey(nil)
	assert.Error(t, err)
}

func TestVerifyAuxiliarySignature_PKCS1v15(t *testing.T) {
	nonce, payload := []byte("nonce"), []byte("payload")
	digest := types.AuxiliaryDigest(nonce, payload)

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	sig, err := rsa.SignPKCS1v15(rand.Reader, rsaKey, crypto.SHA256, digest)
	require.NoError(t, err)
	require.NoError(t, VerifyAuxiliarySignature(&rsaKey.PublicKey, nonce, payload, sig))

	sig[0] ^= 0xff
	assert.ErrorIs(t, VerifyAuxiliarySignature(&rsaKey.PublicKey, nonce, payload, sig), types.ErrInvalidSignature)
}

func TestVerifyAuxiliarySignature_SmallRSAKey(t *testing.T) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)

	err = VerifyAuxiliarySignature(&rsaKey.PublicKey, []byte("n"), []byte("p"), make([]byte, 128))
	assert.ErrorIs(t, err, types.ErrInvalidSignature)
	assert.ErrorContains(t, err, "too small")
}

func TestVerifyAuxiliarySignature_UnsupportedKey(t *testing.T) {
	err := VerifyAuxiliarySignature("not a key", []byte("n"), []byte("p"), nil)
	assert.ErrorIs(t, err, types.ErrInvalidSignature)
}
