// SPDX-License-Identifier: MIT
// Auditor - Software attestation provider
//
// Stand-in for a hardware keystore on hosts without one. Keys are ECDSA
// P-256, one per handle, kept in memory or as PEM files:
//   {dir}/ca.pem              root and intermediate keys + certificates
//   {dir}/keys/{hex(handle)}.pem
//
// Every Attest call mints a fresh leaf certificate carrying the key
// attestation extension with the configured profile and the challenge.
// Chains root in a locally generated CA; verifiers must trust RootPEM()
// explicitly. Unless Emulate is set, Attest reports the platform as
// unable to attest, as a real host without secure hardware would.

package keystore

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/octocorvus/Auditor/attestation"
	"github.com/octocorvus/Auditor/logging"
	"github.com/octocorvus/Auditor/types"
)

// emulated device security state written into each leaf
type Profile struct {
	SecurityLevel    attestation.SecurityLevel
	BootState        attestation.BootState
	DeviceLocked     bool
	OSVersion        uint32
	OSPatchLevel     uint32
	VendorPatchLevel uint32
	BootPatchLevel   uint32
	VerifiedBootKey  []byte
	VerifiedBootHash []byte
	Application      *attestation.ApplicationID
}

// profile of a locked, verified-boot TEE device
func DefaultProfile() Profile {
	return Profile{
		SecurityLevel:    attestation.SecurityLevelTrustedEnvironment,
		BootState:        attestation.BootStateVerified,
		DeviceLocked:     true,
		OSVersion:        140000,
		OSPatchLevel:     202401,
		VendorPatchLevel: 20240105,
		BootPatchLevel:   20240105,
		VerifiedBootKey:  make([]byte, 32),
		VerifiedBootHash: make([]byte, 32),
	}
}

type Options struct {
	// key directory; empty keeps everything in memory
	Dir string

	// produce attestation chains; false makes Attest fail with
	// ErrHardwareAttestationUnavailable
	Emulate bool

	Profile Profile
	Logger  *slog.Logger

	// clock for certificate validity, defaults to time.Now
	Now func() time.Time
}

type SoftwareProvider struct {
	mu      sync.Mutex
	dir     string
	emulate bool
	profile Profile
	log     *slog.Logger
	now     func() time.Time

	rootKey  *ecdsa.PrivateKey
	root     *x509.Certificate
	interKey *ecdsa.PrivateKey
	inter    *x509.Certificate

	keys map[string]*handleKey
}

type handleKey struct {
	priv    *ecdsa.PrivateKey
	created time.Time
}

// attestation key validity
const (
	caValidity   = 20 * 365 * 24 * time.Hour
	leafValidity = 10 * 365 * 24 * time.Hour
)

func NewSoftwareProvider(opts Options) (*SoftwareProvider, error) {
	p := &SoftwareProvider{
		dir:     opts.Dir,
		emulate: opts.Emulate,
		profile: opts.Profile,
		log:     opts.Logger,
		now:     opts.Now,
		keys:    make(map[string]*handleKey),
	}
	if p.log == nil {
		p.log = logging.Nop()
	}
	if p.now == nil {
		p.now = time.Now
	}

	if p.dir != "" {
		if err := os.MkdirAll(filepath.Join(p.dir, "keys"), 0700); err != nil {
			return nil, fmt.Errorf("%w: failed to create key directory: %v", types.ErrKeystore, err)
		}
		loaded, err := p.loadCA()
		if err != nil {
			return nil, err
		}
		if loaded {
			return p, nil
		}
	}

	if err := p.generateCA(); err != nil {
		return nil, err
	}
	if p.dir != "" {
		if err := p.saveCA(); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// PEM encoded root certificate verifiers must trust
func (p *SoftwareProvider) RootPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: p.root.Raw})
}

func (p *SoftwareProvider) RootCertificate() *x509.Certificate {
	return p.root
}

// replaces the emulated security state for subsequent attestations
func (p *SoftwareProvider) SetProfile(profile Profile) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.profile = profile
}

func (p *SoftwareProvider) HasKey(handle string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, err := p.key(handle, false)
	if errors.Is(err, errNoKey) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// returns the attestation chain (leaf first) for handle's key, creating
// the key on first use
func (p *SoftwareProvider) Attest(handle string, challenge []byte) ([][]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.emulate {
		return nil, fmt.Errorf("%w: no secure hardware keystore on this host", types.ErrHardwareAttestationUnavailable)
	}

	hk, err := p.key(handle, true)
	if err != nil {
		return nil, err
	}

	props := &attestation.SecurityProperties{
		AttestationVersion:     4,
		SecurityLevel:          p.profile.SecurityLevel,
		KeymasterVersion:       41,
		KeymasterSecurityLevel: p.profile.SecurityLevel,
		AttestationChallenge:   challenge,
		KeyPurposes:            []attestation.KeyPurpose{attestation.PurposeSign, attestation.PurposeVerify},
		Algorithm:              3, // EC
		KeySize:                256,
		BootState:              p.profile.BootState,
		DeviceLocked:           p.profile.DeviceLocked,
		VerifiedBootKey:        p.profile.VerifiedBootKey,
		VerifiedBootHash:       p.profile.VerifiedBootHash,
		OSVersion:              p.profile.OSVersion,
		OSPatchLevel:           p.profile.OSPatchLevel,
		VendorPatchLevel:       p.profile.VendorPatchLevel,
		BootPatchLevel:         p.profile.BootPatchLevel,
		CreationTime:           hk.created,
		Application:            p.profile.Application,
	}
	ext, err := attestation.Build(props)
	if err != nil {
		return nil, fmt.Errorf("%w: build attestation extension: %v", types.ErrKeystore, err)
	}

	now := p.now()
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "Android Keystore Key"},
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(leafValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtraExtensions: []pkix.Extension{{
			Id:    attestation.ExtensionOID,
			Value: ext,
		}},
	}
	leaf, err := x509.CreateCertificate(rand.Reader, tmpl, p.inter, &hk.priv.PublicKey, p.interKey)
	if err != nil {
		return nil, fmt.Errorf("%w: issue attestation certificate: %v", types.ErrKeystore, err)
	}

	p.log.Debug("issued attestation certificate", "handle", handle,
		"security_level", p.profile.SecurityLevel.String())

	return [][]byte{leaf, p.inter.Raw, p.root.Raw}, nil
}

// signs a SHA-256 digest with handle's key (ASN.1 ECDSA)
func (p *SoftwareProvider) Sign(handle string, digest []byte) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	hk, err := p.key(handle, false)
	if err != nil {
		return nil, err
	}
	sig, err := ecdsa.SignASN1(rand.Reader, hk.priv, digest)
	if err != nil {
		return nil, fmt.Errorf("%w: sign: %v", types.ErrKeystore, err)
	}
	return sig, nil
}

// deletes handle's key; deleting an absent key is a no-op
func (p *SoftwareProvider) DeleteKey(handle string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.keys, handle)
	if p.dir == "" {
		return nil
	}
	if err := os.Remove(p.keyPath(handle)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: failed to remove key file: %v", types.ErrKeystore, err)
	}
	return nil
}

var errNoKey = fmt.Errorf("%w: no key for handle", types.ErrKeystore)

// caller holds p.mu
func (p *SoftwareProvider) key(handle string, create bool) (*handleKey, error) {
	if handle == "" {
		return nil, fmt.Errorf("%w: empty key handle", types.ErrKeystore)
	}
	if hk, ok := p.keys[handle]; ok {
		return hk, nil
	}

	if p.dir != "" {
		hk, err := p.loadKey(handle)
		if err == nil {
			p.keys[handle] = hk
			return hk, nil
		}
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: failed to load key: %v", types.ErrKeystore, err)
		}
	}

	if !create {
		return nil, errNoKey
	}

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: generate key: %v", types.ErrKeystore, err)
	}
	hk := &handleKey{priv: priv, created: p.now().UTC().Truncate(time.Millisecond)}

	if p.dir != "" {
		if err := p.saveKey(handle, hk); err != nil {
			return nil, err
		}
	}
	p.keys[handle] = hk
	p.log.Info("created attestation key", "handle", handle)
	return hk, nil
}

func (p *SoftwareProvider) keyPath(handle string) string {
	return filepath.Join(p.dir, "keys", hex.EncodeToString([]byte(handle))+".pem")
}

func (p *SoftwareProvider) loadKey(handle string) (*handleKey, error) {
	data, err := os.ReadFile(p.keyPath(handle))
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "PRIVATE KEY" {
		return nil, errors.New("failed to decode PEM block")
	}
	priv, err := parseECKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	created, err := time.Parse(time.RFC3339Nano, block.Headers["Created"])
	if err != nil {
		created = time.Time{}
	}
	return &handleKey{priv: priv, created: created}, nil
}

func (p *SoftwareProvider) saveKey(handle string, hk *handleKey) error {
	der, err := x509.MarshalPKCS8PrivateKey(hk.priv)
	if err != nil {
		return fmt.Errorf("%w: encode key: %v", types.ErrKeystore, err)
	}
	block := &pem.Block{
		Type:    "PRIVATE KEY",
		Headers: map[string]string{"Created": hk.created.Format(time.RFC3339Nano)},
		Bytes:   der,
	}

	path := p.keyPath(handle)
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("%w: failed to create key file: %v", types.ErrKeystore, err)
	}
	defer file.Close()

	if err := pem.Encode(file, block); err != nil {
		os.Remove(path)
		return fmt.Errorf("%w: failed to write key: %v", types.ErrKeystore, err)
	}
	return nil
}

func parseECKey(der []byte) (*ecdsa.PrivateKey, error) {
	k, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, err
	}
	ec, ok := k.(*ecdsa.PrivateKey)
	if !ok {
		return nil, errors.New("not an ECDSA private key")
	}
	return ec, nil
}

func (p *SoftwareProvider) generateCA() error {
	var err error
	if p.rootKey, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader); err != nil {
		return fmt.Errorf("%w: generate root key: %v", types.ErrKeystore, err)
	}
	if p.interKey, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader); err != nil {
		return fmt.Errorf("%w: generate intermediate key: %v", types.ErrKeystore, err)
	}

	now := p.now()
	rootTmpl := &x509.Certificate{
		SerialNumber:          randomSerial(),
		Subject:               pkix.Name{CommonName: "Auditor Software Attestation Root", Organization: []string{"Auditor"}},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	rootDER, err := x509.CreateCertificate(rand.Reader, rootTmpl, rootTmpl, &p.rootKey.PublicKey, p.rootKey)
	if err != nil {
		return fmt.Errorf("%w: create root certificate: %v", types.ErrKeystore, err)
	}
	if p.root, err = x509.ParseCertificate(rootDER); err != nil {
		return fmt.Errorf("%w: parse root certificate: %v", types.ErrKeystore, err)
	}

	interTmpl := &x509.Certificate{
		SerialNumber:          randomSerial(),
		Subject:               pkix.Name{CommonName: "Auditor Software Attestation Intermediate", Organization: []string{"Auditor"}},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	interDER, err := x509.CreateCertificate(rand.Reader, interTmpl, p.root, &p.interKey.PublicKey, p.rootKey)
	if err != nil {
		return fmt.Errorf("%w: create intermediate certificate: %v", types.ErrKeystore, err)
	}
	if p.inter, err = x509.ParseCertificate(interDER); err != nil {
		return fmt.Errorf("%w: parse intermediate certificate: %v", types.ErrKeystore, err)
	}
	return nil
}

func (p *SoftwareProvider) caPath() string {
	return filepath.Join(p.dir, "ca.pem")
}

// ca.pem holds: root key, root cert, intermediate key, intermediate cert
func (p *SoftwareProvider) saveCA() error {
	rootKey, err := x509.MarshalPKCS8PrivateKey(p.rootKey)
	if err != nil {
		return fmt.Errorf("%w: encode root key: %v", types.ErrKeystore, err)
	}
	interKey, err := x509.MarshalPKCS8PrivateKey(p.interKey)
	if err != nil {
		return fmt.Errorf("%w: encode intermediate key: %v", types.ErrKeystore, err)
	}

	var out []byte
	out = append(out, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: rootKey})...)
	out = append(out, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: p.root.Raw})...)
	out = append(out, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: interKey})...)
	out = append(out, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: p.inter.Raw})...)

	if err := os.WriteFile(p.caPath(), out, 0600); err != nil {
		return fmt.Errorf("%w: failed to write CA file: %v", types.ErrKeystore, err)
	}
	return nil
}

func (p *SoftwareProvider) loadCA() (bool, error) {
	data, err := os.ReadFile(p.caPath())
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: failed to read CA file: %v", types.ErrKeystore, err)
	}

	var blocks []*pem.Block
	for {
		var b *pem.Block
		b, data = pem.Decode(data)
		if b == nil {
			break
		}
		blocks = append(blocks, b)
	}
	if len(blocks) != 4 {
		return false, fmt.Errorf("%w: CA file has %d PEM blocks, want 4", types.ErrKeystore, len(blocks))
	}

	if p.rootKey, err = parseECKey(blocks[0].Bytes); err != nil {
		return false, fmt.Errorf("%w: root key: %v", types.ErrKeystore, err)
	}
	if p.root, err = x509.ParseCertificate(blocks[1].Bytes); err != nil {
		return false, fmt.Errorf("%w: root certificate: %v", types.ErrKeystore, err)
	}
	if p.interKey, err = parseECKey(blocks[2].Bytes); err != nil {
		return false, fmt.Errorf("%w: intermediate key: %v", types.ErrKeystore, err)
	}
	if p.inter, err = x509.ParseCertificate(blocks[3].Bytes); err != nil {
		return false, fmt.Errorf("%w: intermediate certificate: %v", types.ErrKeystore, err)
	}
	return true, nil
}

func randomSerial() *big.Int {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 127))
	if err != nil {
		return big.NewInt(time.Now().UnixNano())
	}
	return serial
}
