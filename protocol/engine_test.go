// SPDX-License-Identifier: MIT

package protocol

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"io"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/octocorvus/Auditor/attestation"
	"github.com/octocorvus/Auditor/keystore"
	"github.com/octocorvus/Auditor/metrics"
	"github.com/octocorvus/Auditor/store"
	"github.com/octocorvus/Auditor/types"
	"github.com/octocorvus/Auditor/verify"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	engine   *Engine
	provider *keystore.SoftwareProvider
	store    store.PairingStore
	audit    *store.MemoryAuditLog
	decision *store.MemoryAttestationLog
	metrics  *metrics.Metrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithStore(t, store.NewMemoryStore())
}

// the in-memory store and the SQLite store the CLI and server open
func pairingStores(t *testing.T) map[string]store.PairingStore {
	t.Helper()
	db, err := store.OpenDB(filepath.Join(t.TempDir(), "auditor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return map[string]store.PairingStore{
		"memory": store.NewMemoryStore(),
		"sqlite": store.NewSQLiteStore(db),
	}
}

func newHarnessWithStore(t *testing.T, ps store.PairingStore) *harness {
	t.Helper()
	provider, err := keystore.NewSoftwareProvider(keystore.Options{Emulate: true, Profile: keystore.DefaultProfile()})
	require.NoError(t, err)

	h := &harness{
		provider: provider,
		store:    ps,
		audit:    store.NewMemoryAuditLog(),
		decision: store.NewMemoryAttestationLog(),
		metrics:  metrics.New(),
	}
	h.engine = New(Config{
		Provider:       provider,
		Store:          h.store,
		Verifier:       verify.NewChainVerifier(verify.NewRootSet(provider.RootCertificate())),
		AuditLog:       h.audit,
		AttestationLog: h.decision,
		Metrics:        h.metrics,
	})
	return h
}

// runs one full generate/verify exchange
func (h *harness) exchange(t *testing.T, gen GenerateOptions, ver VerifyOptions) (*VerificationResult, error) {
	t.Helper()
	c, err := h.engine.NewChallenge()
	require.NoError(t, err)
	out, err := h.engine.Generate(context.Background(), c.Serialize(), gen)
	require.NoError(t, err)
	return h.engine.Verify(context.Background(), out.Serialized, c, ver)
}

func TestEngine_TOFU(t *testing.T) {
	for name, ps := range pairingStores(t) {
		t.Run(name, func(t *testing.T) {
			h := newHarnessWithStore(t, ps)
			ctx := context.Background()

			c, err := h.engine.NewChallenge()
			require.NoError(t, err)
			gen, err := h.engine.Generate(ctx, c.Serialize(), GenerateOptions{})
			require.NoError(t, err)
			assert.True(t, gen.Pairing, "first generate creates the key")

			res, err := h.engine.Verify(ctx, gen.Serialized, c, VerifyOptions{})
			require.NoError(t, err)
			assert.True(t, res.FirstPairing)
			assert.True(t, res.Strong)
			assert.Empty(t, res.History, "first pairing has no history summary")
			assert.Contains(t, res.TEEEnforced, "Trusted Execution Environment")
			assert.Equal(t, "No OS-enforced data provided", res.OSEnforced)

			records, err := h.store.List(store.DefaultNamespace)
			require.NoError(t, err)
			require.Len(t, records, 1)
			pinned := records[0].PinnedPublicKey
			assert.Len(t, records[0].History, 1)

			c2, err := h.engine.NewChallenge()
			require.NoError(t, err)
			gen2, err := h.engine.Generate(ctx, c2.Serialize(), GenerateOptions{})
			require.NoError(t, err)
			assert.False(t, gen2.Pairing, "existing key is reused")

			res2, err := h.engine.Verify(ctx, gen2.Serialized, c2, VerifyOptions{})
			require.NoError(t, err)
			assert.False(t, res2.FirstPairing)
			assert.True(t, res2.Strong)
			assert.Equal(t, res.Key, res2.Key)
			assert.Contains(t, res2.History, "Verified 2 times")

			rec, err := h.store.Lookup(res.Key)
			require.NoError(t, err)
			assert.Len(t, rec.History, 2, "exactly one entry appended")
			assert.Equal(t, pinned, rec.PinnedPublicKey)
		})
	}
}

func TestEngine_ChallengeMismatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	c, err := h.engine.NewChallenge()
	require.NoError(t, err)
	gen, err := h.engine.Generate(ctx, c.Serialize(), GenerateOptions{})
	require.NoError(t, err)

	for i := range c.Nonce {
		other := &types.Challenge{ProtocolVersion: c.ProtocolVersion, Nonce: append([]byte(nil), c.Nonce...)}
		other.Nonce[i] ^= 0x80
		_, err := h.engine.Verify(ctx, gen.Serialized, other, VerifyOptions{})
		require.ErrorIs(t, err, types.ErrChallengeMismatch, "byte %d", i)
	}

	_, err = h.engine.Verify(ctx, gen.Serialized, nil, VerifyOptions{})
	assert.ErrorIs(t, err, types.ErrChallengeMismatch)

	records, err := h.store.List(store.DefaultNamespace)
	require.NoError(t, err)
	assert.Empty(t, records, "a rejected message never pairs")
}

func TestEngine_ChallengeCheckedBeforeCertificates(t *testing.T) {
	h := newHarness(t)
	c, err := h.engine.NewChallenge()
	require.NoError(t, err)

	echoed := append([]byte(nil), c.Nonce...)
	echoed[0] ^= 0x01
	msg := &types.AttestationMessage{
		ProtocolVersion:  c.ProtocolVersion,
		EchoedChallenge:  echoed,
		CertificateChain: [][]byte{{0x30, 0x00}, {0xde, 0xad}},
	}
	data, err := msg.Serialize()
	require.NoError(t, err)

	_, err = h.engine.Verify(context.Background(), data, c, VerifyOptions{})
	assert.ErrorIs(t, err, types.ErrChallengeMismatch)
}

func TestEngine_AttestedChallengeBinding(t *testing.T) {
	h := newHarness(t)
	c, err := h.engine.NewChallenge()
	require.NoError(t, err)
	stale, err := h.engine.NewChallenge()
	require.NoError(t, err)

	// a chain attesting an old nonce, echoed with the current one
	chain, err := h.provider.Attest(store.DefaultNamespace, stale.Nonce)
	require.NoError(t, err)
	msg := &types.AttestationMessage{ProtocolVersion: c.ProtocolVersion, EchoedChallenge: c.Nonce, CertificateChain: chain}
	data, err := msg.Serialize()
	require.NoError(t, err)

	_, err = h.engine.Verify(context.Background(), data, c, VerifyOptions{})
	assert.ErrorIs(t, err, types.ErrChallengeMismatch)
}

func TestEngine_TamperedIntermediate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c, err := h.engine.NewChallenge()
	require.NoError(t, err)
	gen, err := h.engine.Generate(ctx, c.Serialize(), GenerateOptions{})
	require.NoError(t, err)

	msg, err := types.ParseMessage(gen.Serialized)
	require.NoError(t, err)
	inter := msg.CertificateChain[1]
	for _, pos := range []int{len(inter) / 3, len(inter) / 2, len(inter) - 1} {
		tampered := *msg
		tampered.CertificateChain = append([][]byte(nil), msg.CertificateChain...)
		cert := append([]byte(nil), inter...)
		cert[pos] ^= 0x01
		tampered.CertificateChain[1] = cert
		data, err := tampered.Serialize()
		require.NoError(t, err)

		_, err = h.engine.Verify(ctx, data, c, VerifyOptions{})
		require.Error(t, err)
		assert.True(t, errors.Is(err, types.ErrInvalidSignature) || errors.Is(err, types.ErrUntrustedRoot), "got %v", err)
	}
}

// signs with the provider's attested key for handle
type attestedKeySigner struct {
	provider *keystore.SoftwareProvider
	handle   string
	pub      crypto.PublicKey
}

func (s attestedKeySigner) Public() crypto.PublicKey { return s.pub }

func (s attestedKeySigner) Sign(_ io.Reader, digest []byte, _ crypto.SignerOpts) ([]byte, error) {
	return s.provider.Sign(s.handle, digest)
}

func TestEngine_LeafKeyCannotIssueCertificates(t *testing.T) {
	h := newHarness(t)
	prof := keystore.DefaultProfile()
	prof.SecurityLevel = attestation.SecurityLevelSoftware
	prof.BootState = attestation.BootStateUnverified
	prof.DeviceLocked = false
	h.provider.SetProfile(prof)

	c, err := h.engine.NewChallenge()
	require.NoError(t, err)

	// genuine but weak chain
	genuine, err := h.provider.Attest(store.DefaultNamespace, c.Nonce)
	require.NoError(t, err)
	realLeaf, err := x509.ParseCertificate(genuine[0])
	require.NoError(t, err)
	require.False(t, realLeaf.IsCA)

	// the attested key vouches for a leaf that claims a locked TEE device
	ext, err := attestation.Build(&attestation.SecurityProperties{
		AttestationVersion:     3,
		SecurityLevel:          attestation.SecurityLevelTrustedEnvironment,
		KeymasterSecurityLevel: attestation.SecurityLevelTrustedEnvironment,
		AttestationChallenge:   c.Nonce,
		BootState:              attestation.BootStateVerified,
		DeviceLocked:           true,
		VerifiedBootKey:        make([]byte, 32),
		OSVersion:              140000,
		OSPatchLevel:           202401,
		VendorPatchLevel:       20240105,
		BootPatchLevel:         20240105,
	})
	require.NoError(t, err)
	forgedKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:    big.NewInt(7),
		Subject:         pkix.Name{CommonName: "Android Keystore Key"},
		NotBefore:       time.Now().Add(-time.Minute),
		NotAfter:        time.Now().Add(time.Hour),
		ExtraExtensions: []pkix.Extension{{Id: attestation.ExtensionOID, Value: ext}},
	}
	signer := attestedKeySigner{provider: h.provider, handle: store.DefaultNamespace, pub: realLeaf.PublicKey}
	forged, err := x509.CreateCertificate(rand.Reader, tmpl, realLeaf, &forgedKey.PublicKey, signer)
	require.NoError(t, err)

	msg := &types.AttestationMessage{
		ProtocolVersion:  c.ProtocolVersion,
		EchoedChallenge:  c.Nonce,
		CertificateChain: append([][]byte{forged}, genuine...),
	}
	data, err := msg.Serialize()
	require.NoError(t, err)

	_, err = h.engine.Verify(context.Background(), data, c, VerifyOptions{})
	assert.ErrorIs(t, err, types.ErrInvalidSignature)

	records, err := h.store.List(store.DefaultNamespace)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestEngine_UntrustedRoot(t *testing.T) {
	h := newHarness(t)
	other, err := keystore.NewSoftwareProvider(keystore.Options{Emulate: true, Profile: keystore.DefaultProfile()})
	require.NoError(t, err)
	h.engine.verifier = verify.NewChainVerifier(verify.NewRootSet(other.RootCertificate()))

	_, err = h.exchange(t, GenerateOptions{}, VerifyOptions{})
	assert.ErrorIs(t, err, types.ErrUntrustedRoot)
}

func TestEngine_Downgrade(t *testing.T) {
	for name, ps := range pairingStores(t) {
		t.Run(name, func(t *testing.T) {
			h := newHarnessWithStore(t, ps)
			prof := keystore.DefaultProfile()
			prof.OSPatchLevel = 20240101
			prof.VendorPatchLevel = 20240101
			prof.BootPatchLevel = 20240101
			h.provider.SetProfile(prof)

			res, err := h.exchange(t, GenerateOptions{}, VerifyOptions{})
			require.NoError(t, err)
			require.True(t, res.Strong)

			prof.OSPatchLevel = 20231201
			h.provider.SetProfile(prof)
			res, err = h.exchange(t, GenerateOptions{}, VerifyOptions{})
			require.NoError(t, err, "a downgrade is reported, not raised")
			assert.False(t, res.Strong)
			assert.True(t, res.Downgraded)
			require.Len(t, res.Regressions, 1)
			assert.Equal(t, "os patch level", res.Regressions[0].Field)
			assert.Contains(t, res.History, "regressed from 2024-01-01 to 2023-12-01")

			rec, err := h.store.Lookup(res.Key)
			require.NoError(t, err)
			last := rec.History[len(rec.History)-1]
			assert.False(t, last.Strong)
			assert.NotEmpty(t, last.Notes)

			// later verifications still compare against the best value ever seen
			prof.OSPatchLevel = 20231215
			h.provider.SetProfile(prof)
			res, err = h.exchange(t, GenerateOptions{}, VerifyOptions{})
			require.NoError(t, err)
			assert.True(t, res.Downgraded)

			logs := h.decision.QueryAttestations(0)
			require.Len(t, logs, 3)
			assert.Equal(t, "downgrade", logs[0].Result)
			assert.Equal(t, "ok", logs[2].Result)
			assert.Equal(t, float64(2), testutil.ToFloat64(h.metrics.Downgrades))
		})
	}
}

func TestEngine_IdentityKeyMismatch(t *testing.T) {
	for name, ps := range pairingStores(t) {
		t.Run(name, func(t *testing.T) {
			h := newHarnessWithStore(t, ps)
			ns := "remote:42"
			gen := GenerateOptions{Namespace: ns}
			ver := VerifyOptions{Namespace: ns, AccountID: "42"}

			_, err := h.exchange(t, gen, ver)
			require.NoError(t, err)

			// the auditee lost its key and presents a new one for the same account
			require.NoError(t, h.engine.ClearAuditee(context.Background(), ns))
			_, err = h.exchange(t, gen, ver)
			require.ErrorIs(t, err, types.ErrIdentityKeyMismatch)

			rec, err := h.store.Lookup(store.Key{Namespace: ns, Identity: "42"})
			require.NoError(t, err)
			require.NotNil(t, rec, "mismatch never replaces the pinned key")
			assert.Len(t, rec.History, 1)

			require.NoError(t, h.engine.ClearAuditor(context.Background(), store.Key{Namespace: ns, Identity: "42"}, "test"))
			res, err := h.exchange(t, gen, ver)
			require.NoError(t, err)
			assert.True(t, res.FirstPairing)

			actions := make([]string, 0)
			for _, e := range h.audit.Query(0) {
				actions = append(actions, e.Action)
			}
			assert.Contains(t, actions, store.ActionKeyMismatch)
			assert.Contains(t, actions, store.ActionClear)
			assert.Contains(t, actions, store.ActionClearAuditee)
		})
	}
}

func TestEngine_ClearIdempotence(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.engine.ClearAuditor(ctx, store.Key{Identity: "nobody"}, "test"))
	n, err := h.engine.ClearAllAuditor(ctx, "", "test")
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = h.exchange(t, GenerateOptions{}, VerifyOptions{})
	require.NoError(t, err)
	_, err = h.exchange(t, GenerateOptions{Namespace: "remote:7"}, VerifyOptions{Namespace: "remote:7", AccountID: "7"})
	require.NoError(t, err)

	n, err = h.engine.ClearAllAuditor(ctx, store.DefaultNamespace, "test")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	local, err := h.store.List(store.DefaultNamespace)
	require.NoError(t, err)
	assert.Empty(t, local)
	remote, err := h.store.List("remote:7")
	require.NoError(t, err)
	assert.Len(t, remote, 1, "other namespaces are untouched")
}

func TestEngine_ClearAuditee(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	c, err := h.engine.NewChallenge()
	require.NoError(t, err)
	gen, err := h.engine.Generate(ctx, c.Serialize(), GenerateOptions{})
	require.NoError(t, err)
	require.True(t, gen.Pairing)

	require.NoError(t, h.engine.ClearAuditee(ctx, ""))
	require.NoError(t, h.engine.ClearAuditee(ctx, ""), "clearing twice is a no-op")

	gen, err = h.engine.Generate(ctx, c.Serialize(), GenerateOptions{})
	require.NoError(t, err)
	assert.True(t, gen.Pairing, "a cleared auditee pairs again")
}

func TestEngine_Auxiliary(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	aux := &types.AuxiliaryData{
		Label:       "work phone",
		DeviceModel: "Pixel 7",
		AppVersion:  "1.0",
		OS:          types.OSEnforced{UserProfileSecure: true},
	}

	res, err := h.exchange(t, GenerateOptions{Auxiliary: aux}, VerifyOptions{})
	require.NoError(t, err)
	require.NotNil(t, res.Auxiliary)
	assert.Equal(t, "Pixel 7", res.Auxiliary.DeviceModel)
	assert.Contains(t, res.OSEnforced, "Pixel 7 (recognized)")
	assert.Contains(t, res.OSEnforced, "Label: work phone")

	// flip the last signature byte
	c, err := h.engine.NewChallenge()
	require.NoError(t, err)
	gen, err := h.engine.Generate(ctx, c.Serialize(), GenerateOptions{Auxiliary: aux})
	require.NoError(t, err)
	tampered := append([]byte(nil), gen.Serialized...)
	tampered[len(tampered)-1] ^= 0x01
	_, err = h.engine.Verify(ctx, tampered, c, VerifyOptions{})
	assert.ErrorIs(t, err, types.ErrInvalidSignature)
}

func TestEngine_GenerateErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.Generate(ctx, []byte{1, 2, 3}, GenerateOptions{})
	assert.ErrorIs(t, err, types.ErrMalformedChallenge)

	unavailable, err := keystore.NewSoftwareProvider(keystore.Options{Profile: keystore.DefaultProfile()})
	require.NoError(t, err)
	e := New(Config{Provider: unavailable})
	c, err := e.NewChallenge()
	require.NoError(t, err)
	_, err = e.Generate(ctx, c.Serialize(), GenerateOptions{})
	assert.ErrorIs(t, err, types.ErrHardwareAttestationUnavailable)

	_, err = New(Config{}).Generate(ctx, c.Serialize(), GenerateOptions{})
	assert.ErrorIs(t, err, types.ErrHardwareAttestationUnavailable)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = h.engine.Generate(cancelled, c.Serialize(), GenerateOptions{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEngine_MalformedMessage(t *testing.T) {
	h := newHarness(t)
	c, err := h.engine.NewChallenge()
	require.NoError(t, err)

	_, err = h.engine.Verify(context.Background(), []byte{types.ProtocolVersion, 0x00}, c, VerifyOptions{})
	assert.ErrorIs(t, err, types.ErrMalformedMessage)

	logs := h.decision.QueryAttestations(0)
	require.Len(t, logs, 1)
	assert.Equal(t, "malformed_message", logs[0].Result)
	assert.NotEmpty(t, logs[0].RequestID)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Rejections.WithLabelValues("malformed_message")))
}
