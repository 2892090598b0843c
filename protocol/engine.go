// SPDX-License-Identifier: MIT
// Auditor - Attestation protocol engine
//
// Two entry points drive the whole protocol:
//   Generate (auditee): challenge -> attested chain -> serialized message
//   Verify   (auditor): message -> chain of custody -> TOFU pairing -> verdict
//
// Verification fails closed up to and including the chain check. After that
// the only degraded outcome is a downgrade, which is reported in the result
// instead of being raised as an error.

package protocol

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/octocorvus/Auditor/attestation"
	"github.com/octocorvus/Auditor/logging"
	"github.com/octocorvus/Auditor/metrics"
	"github.com/octocorvus/Auditor/store"
	"github.com/octocorvus/Auditor/types"
	"github.com/octocorvus/Auditor/verify"
)

// hardware key-store capability
// a handle names one persistent attestation key (one per namespace)
type Provider interface {
	HasKey(handle string) (bool, error)

	// returns the chain leaf first, creating the key if needed
	Attest(handle string, challenge []byte) ([][]byte, error)

	// signs a SHA-256 digest with the attested key
	Sign(handle string, digest []byte) ([]byte, error)

	// removes the key; deleting a missing key is a no-op
	DeleteKey(handle string) error
}

type Config struct {
	// auditee side; may be nil for a verify-only engine
	Provider Provider

	// auditor side; both may be nil for a generate-only engine
	Store    store.PairingStore
	Verifier *verify.ChainVerifier

	// nil means verify.DefaultPolicy()
	Policy *verify.TrustPolicy

	AuditLog       store.AuditLog
	AttestationLog store.AttestationLog
	Metrics        *metrics.Metrics
	Logger         *slog.Logger

	// clock for history timestamps, defaults to time.Now
	Now func() time.Time
}

type Engine struct {
	provider Provider
	pairings store.PairingStore
	verifier *verify.ChainVerifier
	policy   *verify.TrustPolicy
	audit    store.AuditLog
	decision store.AttestationLog
	metrics  *metrics.Metrics
	log      *slog.Logger
	now      func() time.Time

	// serializes read-modify-write of pairing records
	mu sync.Mutex
}

func New(cfg Config) *Engine {
	e := &Engine{
		provider: cfg.Provider,
		pairings: cfg.Store,
		verifier: cfg.Verifier,
		policy:   cfg.Policy,
		audit:    cfg.AuditLog,
		decision: cfg.AttestationLog,
		metrics:  cfg.Metrics,
		log:      logging.OrNop(cfg.Logger),
		now:      cfg.Now,
	}
	if e.policy == nil {
		e.policy = verify.DefaultPolicy()
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

func (e *Engine) Policy() *verify.TrustPolicy {
	return e.policy
}

func (e *Engine) Store() store.PairingStore {
	return e.pairings
}

// returns a fresh random challenge for the current protocol version
func (e *Engine) NewChallenge() (*types.Challenge, error) {
	return types.NewChallenge()
}

type GenerateOptions struct {
	// key handle, defaults to store.DefaultNamespace
	Namespace string

	// OS-reported state to sign and attach, nil sends none
	Auxiliary *types.AuxiliaryData
}

type GenerateResult struct {
	// true when this call created the attestation key
	Pairing    bool
	Serialized []byte
	Challenge  *types.Challenge
}

func (e *Engine) Generate(ctx context.Context, challenge []byte, opts GenerateOptions) (*GenerateResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.provider == nil {
		return nil, fmt.Errorf("%w: no attestation provider configured", types.ErrHardwareAttestationUnavailable)
	}

	c, err := types.ParseChallenge(challenge)
	if err != nil {
		e.observeGeneration(err)
		return nil, err
	}

	handle := namespaceOrDefault(opts.Namespace)
	log := e.log.With("namespace", handle)

	exists, err := e.provider.HasKey(handle)
	if err != nil {
		err = keystoreErr(err)
		e.observeGeneration(err)
		return nil, err
	}

	chain, err := e.provider.Attest(handle, c.Nonce)
	if err != nil {
		err = keystoreErr(err)
		log.Error("attestation failed", logging.ErrorAttrs(err)...)
		e.observeGeneration(err)
		return nil, err
	}

	msg := &types.AttestationMessage{
		ProtocolVersion:  c.ProtocolVersion,
		EchoedChallenge:  c.Nonce,
		CertificateChain: chain,
	}
	if opts.Auxiliary != nil {
		aux, err := e.signAuxiliary(handle, c.Nonce, opts.Auxiliary)
		if err != nil {
			e.observeGeneration(err)
			return nil, err
		}
		msg.AuxiliarySignedData = aux
	}

	serialized, err := msg.Serialize()
	if err != nil {
		e.observeGeneration(err)
		return nil, err
	}

	if !exists {
		log.Info("created attestation key", "chain_length", len(chain))
	}
	log.Debug("generated attestation message", "pairing", !exists, "size", len(serialized))
	e.observeGeneration(nil)

	return &GenerateResult{
		Pairing:    !exists,
		Serialized: serialized,
		Challenge:  c,
	}, nil
}

func (e *Engine) signAuxiliary(handle string, nonce []byte, aux *types.AuxiliaryData) ([]byte, error) {
	payload, err := types.EncodeAuxiliary(aux)
	if err != nil {
		return nil, fmt.Errorf("%w: encode auxiliary data: %v", types.ErrMalformedMessage, err)
	}
	sig, err := e.provider.Sign(handle, types.AuxiliaryDigest(nonce, payload))
	if err != nil {
		return nil, keystoreErr(err)
	}
	return (&types.SignedAuxiliary{Payload: payload, Signature: sig}).Serialize()
}

type VerifyOptions struct {
	// pairing namespace, defaults to store.DefaultNamespace
	Namespace string

	// identity supplied by a remote-verification account
	// empty derives the identity from the leaf public key
	AccountID string

	// recorded in the decision log
	RemoteAddr string
}

type VerificationResult struct {
	Key          store.Key
	Strong       bool
	FirstPairing bool
	Downgraded   bool
	Regressions  []verify.Regression

	TEEEnforced string
	OSEnforced  string
	// empty for a first pairing
	History string

	Properties *attestation.SecurityProperties
	Auxiliary  *types.AuxiliaryData
	Record     *store.PairingRecord
}

// accumulates what verify learned before it stopped
type outcome struct {
	key   store.Key
	props *attestation.SecurityProperties
}

func (e *Engine) Verify(ctx context.Context, message []byte, issued *types.Challenge, opts VerifyOptions) (*VerificationResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	o := &outcome{key: store.Key{Namespace: namespaceOrDefault(opts.Namespace)}}
	res, err := e.verify(message, issued, opts, o)
	e.recordDecision(o, res, err, time.Since(start), opts.RemoteAddr)
	return res, err
}

func (e *Engine) verify(message []byte, issued *types.Challenge, opts VerifyOptions, o *outcome) (*VerificationResult, error) {
	if e.verifier == nil || e.pairings == nil {
		return nil, errors.New("engine is not configured for verification")
	}

	msg, err := types.ParseMessage(message)
	if err != nil {
		return nil, err
	}
	var signed *types.SignedAuxiliary
	if len(msg.AuxiliarySignedData) > 0 {
		if signed, err = types.ParseSignedAuxiliary(msg.AuxiliarySignedData); err != nil {
			return nil, err
		}
	}

	// before any certificate parsing
	if issued == nil {
		return nil, fmt.Errorf("%w: no challenge was issued", types.ErrChallengeMismatch)
	}
	if !issued.Equal(&types.Challenge{ProtocolVersion: msg.ProtocolVersion, Nonce: msg.EchoedChallenge}) {
		logging.Security(e.log, "challenge mismatch", "namespace", o.key.Namespace, "remote_addr", opts.RemoteAddr)
		return nil, fmt.Errorf("%w: echoed challenge differs from the issued one", types.ErrChallengeMismatch)
	}

	vc, err := e.verifier.Verify(msg.CertificateChain)
	if err != nil {
		if types.IsSecurityRelevant(err) {
			logging.Security(e.log, "certificate chain rejected",
				append([]any{"namespace", o.key.Namespace}, logging.ErrorAttrs(err)...)...)
		}
		return nil, err
	}
	props := vc.Properties
	o.props = props

	if !bytes.Equal(props.AttestationChallenge, issued.Nonce) {
		logging.Security(e.log, "attested challenge mismatch", "namespace", o.key.Namespace)
		return nil, fmt.Errorf("%w: attestation challenge differs from the issued nonce", types.ErrChallengeMismatch)
	}

	var aux *types.AuxiliaryData
	if signed != nil {
		pub, err := verify.ParsePublicKey(vc.LeafPublicKey)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrInvalidSignature, err)
		}
		if err := verify.VerifyAuxiliarySignature(pub, issued.Nonce, signed.Payload, signed.Signature); err != nil {
			logging.Security(e.log, "auxiliary data signature rejected", "namespace", o.key.Namespace)
			return nil, err
		}
		if aux, err = types.DecodeAuxiliary(signed.Payload); err != nil {
			return nil, err
		}
	}

	o.key.Identity = opts.AccountID
	if o.key.Identity == "" {
		o.key.Identity = verify.KeyFingerprint(vc.LeafPublicKey)
	}
	log := logging.WithIdentity(e.log, o.key.Namespace, o.key.Identity)

	res := &VerificationResult{
		Key:         o.key,
		TEEEnforced: verify.TEESummary(props),
		OSEnforced:  verify.OSSummary(aux, props),
		Properties:  props,
		Auxiliary:   aux,
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.pairings.Lookup(o.key)
	if err != nil {
		return nil, err
	}
	now := e.now().UTC()
	strong := e.policy.Strong(props)

	switch {
	case rec == nil:
		entry := store.NewHistoryEntry(now, props, strong, []string{"paired"})
		rec, err = e.pairings.Create(o.key, vc.LeafPublicKey, props, entry)
		if err != nil {
			return nil, err
		}
		res.FirstPairing = true
		res.Strong = strong
		e.auditLog(store.ActionPair, o.key, "trust on first use", "", verify.KeyFingerprint(vc.LeafPublicKey))
		log.Info("paired new auditee", "security_level", props.SecurityLevel, "strong", strong)

	case rec.KeyMatches(vc.LeafPublicKey):
		a := e.policy.Assess(rec, props)
		strong = strong && !a.Downgraded()
		entry := store.NewHistoryEntry(now, props, strong, a.Notes())
		updated, err := e.pairings.AppendHistory(o.key, props, entry)
		if err != nil {
			return nil, err
		}
		res.Strong = strong
		res.Downgraded = a.Downgraded()
		res.Regressions = a.Regressions
		res.History = verify.HistorySummary(updated, a)
		rec = updated
		if a.Downgraded() {
			for _, r := range a.Regressions {
				logging.Security(log, "downgrade detected", "field", r.Field, "previous", r.Previous, "current", r.Current)
			}
		} else {
			log.Info("verified paired auditee", "strong", strong, "verifications", len(updated.History))
		}

	default:
		logging.Security(log, "identity key mismatch",
			"pinned", verify.KeyFingerprint(rec.PinnedPublicKey),
			"presented", verify.KeyFingerprint(vc.LeafPublicKey))
		e.auditLog(store.ActionKeyMismatch, o.key, "presented key differs from pinned key", "",
			verify.KeyFingerprint(vc.LeafPublicKey))
		return nil, fmt.Errorf("%w: %s is paired with a different key", types.ErrIdentityKeyMismatch, o.key)
	}

	res.Record = rec
	return res, nil
}

// deletes the local attestation key for namespace
// the next Generate for it pairs again
func (e *Engine) ClearAuditee(ctx context.Context, namespace string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.provider == nil {
		return fmt.Errorf("%w: no attestation provider configured", types.ErrKeystore)
	}
	handle := namespaceOrDefault(namespace)
	if err := e.provider.DeleteKey(handle); err != nil {
		return keystoreErr(err)
	}
	e.log.Info("cleared auditee key", "namespace", handle)
	e.auditLog(store.ActionClearAuditee, store.Key{Namespace: handle}, "", "", "")
	return nil
}

// removes one pairing; clearing an unpaired identity is a no-op
func (e *Engine) ClearAuditor(ctx context.Context, key store.Key, actor string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.pairings == nil {
		return fmt.Errorf("%w: no pairing store configured", types.ErrStoreIO)
	}
	key.Namespace = namespaceOrDefault(key.Namespace)

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.pairings.Clear(key); err != nil {
		return err
	}
	logging.WithIdentity(e.log, key.Namespace, key.Identity).Info("cleared pairing", "actor", actor)
	e.auditLog(store.ActionClear, key, "", actor, "")
	return nil
}

// removes every pairing in namespace and returns how many were removed
func (e *Engine) ClearAllAuditor(ctx context.Context, namespace, actor string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if e.pairings == nil {
		return 0, fmt.Errorf("%w: no pairing store configured", types.ErrStoreIO)
	}
	namespace = namespaceOrDefault(namespace)

	e.mu.Lock()
	defer e.mu.Unlock()

	n, err := e.pairings.ClearAll(namespace)
	if err != nil {
		return 0, err
	}
	e.log.Info("cleared namespace", "namespace", namespace, "removed", n, "actor", actor)
	e.auditLog(store.ActionClearAll, store.Key{Namespace: namespace}, "", actor, fmt.Sprintf("%d pairings removed", n))
	return n, nil
}

func (e *Engine) auditLog(action string, key store.Key, reason, actor, note string) {
	if e.audit == nil {
		return
	}
	if err := e.audit.Log(action, key.String(), reason, actor, note); err != nil {
		e.log.Error("failed to write audit log", "action", action, "error", err)
	}
}

func (e *Engine) recordDecision(o *outcome, res *VerificationResult, verr error, d time.Duration, remote string) {
	reason := ""
	result := "ok"
	if verr != nil {
		reason = types.ErrorKind(verr)
		result = reason
	} else if res.Downgraded {
		result = "downgrade"
	}

	if res != nil {
		e.metrics.ObserveVerification(d, reason, res.Strong, res.Downgraded, res.FirstPairing)
	} else {
		e.metrics.ObserveVerification(d, reason, false, false, false)
	}

	if e.decision == nil {
		return
	}
	entry := store.AttestationRecord{
		Timestamp:  e.now().UTC(),
		RequestID:  uuid.NewString(),
		Namespace:  o.key.Namespace,
		Identity:   o.key.Identity,
		Result:     result,
		DurationMs: float64(d.Microseconds()) / 1000,
		RemoteAddr: remote,
	}
	if o.props != nil {
		entry.SecurityLevel = o.props.SecurityLevel.String()
		entry.OSPatchLevel = o.props.OSPatchLevel
	}
	if res != nil {
		entry.Strong = res.Strong
		if res.Downgraded {
			entry.Details = fmt.Sprintf("%d regressions", len(res.Regressions))
		}
	}
	if verr != nil {
		entry.Details = verr.Error()
	}
	if err := e.decision.Record(entry); err != nil {
		e.log.Error("failed to record attestation decision", "error", err)
	}
}

func (e *Engine) observeGeneration(err error) {
	if e.metrics == nil {
		return
	}
	e.metrics.Generations.WithLabelValues(types.ErrorKind(err)).Inc()
}

func namespaceOrDefault(ns string) string {
	if ns == "" {
		return store.DefaultNamespace
	}
	return ns
}

// keeps provider errors inside the protocol's error kinds
func keystoreErr(err error) error {
	if errors.Is(err, types.ErrKeystore) || errors.Is(err, types.ErrHardwareAttestationUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", types.ErrKeystore, err)
}
