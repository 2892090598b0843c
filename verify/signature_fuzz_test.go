// SPDX-License-Identifier: MIT
// Auditor - Fuzz tests for public key parsing and auxiliary signatures

package verify

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"testing"
)

func FuzzParsePublicKey(f *testing.F) {
	k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		f.Fatal(err)
	}
	spki, err := x509.MarshalPKIXPublicKey(&k.PublicKey)
	if err != nil {
		f.Fatal(err)
	}
	f.Add(spki)
	f.Add(spki[:10])
	f.Add([]byte{})

	f.Fuzz(func(t *testing.T, data []byte) {
		pub, err := ParsePublicKey(data)
		if err != nil {
			if pub != nil {
				t.Fatal("ParsePublicKey returned key with error")
			}
			return
		}
		if len(KeyFingerprint(data)) != 64 {
			t.Fatal("fingerprint is not 32 hex bytes")
		}
	})
}

func FuzzVerifyAuxiliarySignature(f *testing.F) {
	k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		f.Fatal(err)
	}
	f.Add([]byte("nonce"), []byte("payload"), []byte{0x30, 0x06, 0x02, 0x01, 0x01, 0x02, 0x01, 0x01})
	f.Add([]byte{}, []byte{}, []byte{})

	f.Fuzz(func(t *testing.T, nonce, payload, sig []byte) {
		// random bytes must never verify under a fresh key
		if err := VerifyAuxiliarySignature(&k.PublicKey, nonce, payload, sig); err == nil {
			t.Fatal("forged signature accepted")
		}
	})
}
