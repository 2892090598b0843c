// SPDX-License-Identifier: MIT
// Auditor - Certificate chain verification
//
// Verification order (every step fails closed):
//   1. parse every certificate
//   2. every issuer is a CA allowed to sign certificates, signatures
//      leaf -> root, then the root's self-signature
//   3. root public key must be in the configured root set
//   4. validity window of every certificate against the verifier clock
//   5. attestation extension present on the leaf and decodable

package verify

import (
	"crypto/x509"
	"fmt"
	"time"

	"github.com/octocorvus/Auditor/attestation"
	"github.com/octocorvus/Auditor/types"
)

// result of a successful chain verification
type VerifiedChain struct {
	Certificates []*x509.Certificate // leaf first
	Leaf         *x509.Certificate
	Properties   *attestation.SecurityProperties

	// DER SubjectPublicKeyInfo of the leaf (the attested key)
	LeafPublicKey []byte
}

// validates attestation certificate chains against a root set
type ChainVerifier struct {
	roots *RootSet
	now   func() time.Time
}

type ChainOption func(*ChainVerifier)

// overrides the clock used for validity checks
func WithClock(now func() time.Time) ChainOption {
	return func(v *ChainVerifier) {
		if now != nil {
			v.now = now
		}
	}
}

func NewChainVerifier(roots *RootSet, opts ...ChainOption) *ChainVerifier {
	v := &ChainVerifier{roots: roots, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func (v *ChainVerifier) Roots() *RootSet {
	return v.roots
}

// verifies a DER chain (leaf first, root last) and decodes the leaf extension
func (v *ChainVerifier) Verify(chain [][]byte) (*VerifiedChain, error) {
	if len(chain) == 0 {
		return nil, fmt.Errorf("%w: empty certificate chain", types.ErrMalformedMessage)
	}

	certs := make([]*x509.Certificate, len(chain))
	for i, der := range chain {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			if i == 0 {
				return nil, fmt.Errorf("%w: leaf certificate: %v", types.ErrMalformedMessage, err)
			}
			// an unparseable issuer cannot carry a valid signature
			return nil, fmt.Errorf("%w: certificate %d: %v", types.ErrInvalidSignature, i, err)
		}
		certs[i] = cert
	}

	for i := 1; i < len(certs); i++ {
		if err := checkIssuer(certs[i]); err != nil {
			return nil, fmt.Errorf("%w: certificate %d: %v", types.ErrInvalidSignature, i, err)
		}
	}

	for i := 0; i < len(certs)-1; i++ {
		child, parent := certs[i], certs[i+1]
		if err := parent.CheckSignature(child.SignatureAlgorithm, child.RawTBSCertificate, child.Signature); err != nil {
			return nil, fmt.Errorf("%w: certificate %d not signed by certificate %d: %v",
				types.ErrInvalidSignature, i, i+1, err)
		}
	}

	root := certs[len(certs)-1]
	if err := root.CheckSignature(root.SignatureAlgorithm, root.RawTBSCertificate, root.Signature); err != nil {
		return nil, fmt.Errorf("%w: root is not self-signed: %v", types.ErrInvalidSignature, err)
	}

	if !v.roots.Contains(root.RawSubjectPublicKeyInfo) {
		return nil, fmt.Errorf("%w: root key %s", types.ErrUntrustedRoot, KeyFingerprint(root.RawSubjectPublicKeyInfo))
	}

	now := v.now()
	for i, cert := range certs {
		if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
			return nil, fmt.Errorf("%w: certificate %d valid %s to %s",
				types.ErrExpiredCertificate, i,
				cert.NotBefore.UTC().Format(time.RFC3339), cert.NotAfter.UTC().Format(time.RFC3339))
		}
	}

	leaf := certs[0]
	ext, ok := findExtension(leaf)
	if !ok {
		return nil, fmt.Errorf("%w: leaf certificate %s", types.ErrMissingAttestationExtension, leaf.Subject)
	}

	props, err := attestation.Parse(ext)
	if err != nil {
		return nil, err
	}

	return &VerifiedChain{
		Certificates:  certs,
		Leaf:          leaf,
		Properties:    props,
		LeafPublicKey: leaf.RawSubjectPublicKeyInfo,
	}, nil
}

// attested leaf keys are not CAs, so one cannot vouch for a forged leaf
func checkIssuer(cert *x509.Certificate) error {
	if !cert.BasicConstraintsValid || !cert.IsCA {
		return fmt.Errorf("issuer %s is not a CA", cert.Subject)
	}
	if cert.KeyUsage != 0 && cert.KeyUsage&x509.KeyUsageCertSign == 0 {
		return fmt.Errorf("issuer %s may not sign certificates", cert.Subject)
	}
	return nil
}

func findExtension(cert *x509.Certificate) ([]byte, bool) {
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(attestation.ExtensionOID) {
			return ext.Value, true
		}
	}
	return nil, false
}
