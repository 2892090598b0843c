// SPDX-License-Identifier: MIT
// Auditor - Hardware root-of-trust set
//
// Roots are matched by SubjectPublicKeyInfo, not by certificate, so a
// vendor re-issuing its self-signed root with new validity dates is still
// recognized. The set is fixed at construction time.
//
// The hardware vendor roots are compiled in from vendor_roots.pem. Every
// root set built by the auditor starts from them.

package verify

import (
	"crypto/sha256"
	"crypto/x509"
	_ "embed"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"sort"
	"sync"
)

//go:embed vendor_roots.pem
var vendorRootsPEM []byte

var vendorRoots = sync.OnceValue(func() []*x509.Certificate {
	certs, err := ParseRootsPEM(vendorRootsPEM)
	if err != nil {
		panic("verify: embedded vendor roots: " + err.Error())
	}
	return certs
})

// returns the compiled-in hardware vendor attestation roots
func VendorRoots() []*x509.Certificate {
	return append([]*x509.Certificate(nil), vendorRoots()...)
}

// builds the vendor roots plus any extra certificates
func DefaultRootSet(extra ...*x509.Certificate) *RootSet {
	return NewRootSet(append(VendorRoots(), extra...)...)
}

// immutable set of accepted root public keys
type RootSet struct {
	keys map[[sha256.Size]byte]string // spki digest -> subject
}

// builds a root set from already parsed certificates
func NewRootSet(certs ...*x509.Certificate) *RootSet {
	rs := &RootSet{keys: make(map[[sha256.Size]byte]string, len(certs))}
	for _, c := range certs {
		rs.keys[sha256.Sum256(c.RawSubjectPublicKeyInfo)] = c.Subject.String()
	}
	return rs
}

// builds a root set from exactly the certificates in the given PEM files
func LoadRootSet(paths ...string) (*RootSet, error) {
	certs, err := ReadRootFiles(paths...)
	if err != nil {
		return nil, err
	}
	return NewRootSet(certs...), nil
}

// reads every CERTIFICATE block from the given PEM files
func ReadRootFiles(paths ...string) ([]*x509.Certificate, error) {
	var all []*x509.Certificate
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read root file: %w", err)
		}
		certs, err := ParseRootsPEM(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		all = append(all, certs...)
	}
	return all, nil
}

// decodes PEM certificates; non-certificate blocks are skipped
func ParseRootsPEM(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse root certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("no certificates found")
	}
	return certs, nil
}

// reports whether spki (DER SubjectPublicKeyInfo) is a trusted root key
func (r *RootSet) Contains(spki []byte) bool {
	if r == nil {
		return false
	}
	_, ok := r.keys[sha256.Sum256(spki)]
	return ok
}

func (r *RootSet) Len() int {
	if r == nil {
		return 0
	}
	return len(r.keys)
}

// returns hex SPKI fingerprints of all roots, sorted
func (r *RootSet) Fingerprints() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.keys))
	for k := range r.keys {
		out = append(out, hex.EncodeToString(k[:]))
	}
	sort.Strings(out)
	return out
}
