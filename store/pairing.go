// SPDX-License-Identifier: MIT
// Auditor - Pairing store
//
// Persistent per-auditee record of the pinned attestation key, the last
// verified security properties, and an append-only history log.
//
// Records are keyed by (namespace, identity). The local namespace holds
// directly paired auditees; each remote verification account has its own
// namespace so clearing one never disturbs another.

package store

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/octocorvus/Auditor/attestation"
	"github.com/octocorvus/Auditor/types"
)

// namespace for auditees paired directly with this auditor
const DefaultNamespace = "local"

var (
	ErrAlreadyPaired = fmt.Errorf("%w: identity already paired", types.ErrStoreIO)
	ErrNotPaired     = fmt.Errorf("%w: identity not paired", types.ErrStoreIO)
)

type Key struct {
	Namespace string `json:"namespace"`
	Identity  string `json:"identity"`
}

func (k Key) String() string {
	return k.Namespace + "/" + k.Identity
}

// one verified observation of a paired auditee
type HistoryEntry struct {
	Timestamp        time.Time                 `json:"timestamp"`
	OSVersion        uint32                    `json:"os_version"`
	OSPatchLevel     uint32                    `json:"os_patch_level"`
	VendorPatchLevel uint32                    `json:"vendor_patch_level"`
	BootPatchLevel   uint32                    `json:"boot_patch_level"`
	VerifiedBootHash []byte                    `json:"verified_boot_hash,omitempty"`
	SecurityLevel    attestation.SecurityLevel `json:"security_level"`
	BootState        attestation.BootState     `json:"boot_state"`
	DeviceLocked     bool                      `json:"device_locked"`
	Strong           bool                      `json:"strong"`
	Notes            []string                  `json:"notes,omitempty"`
}

// builds a history entry from verified properties
func NewHistoryEntry(ts time.Time, p *attestation.SecurityProperties, strong bool, notes []string) HistoryEntry {
	return HistoryEntry{
		Timestamp:        ts.UTC(),
		OSVersion:        p.OSVersion,
		OSPatchLevel:     p.OSPatchLevel,
		VendorPatchLevel: p.VendorPatchLevel,
		BootPatchLevel:   p.BootPatchLevel,
		VerifiedBootHash: append([]byte(nil), p.VerifiedBootHash...),
		SecurityLevel:    p.SecurityLevel,
		BootState:        p.BootState,
		DeviceLocked:     p.DeviceLocked,
		Strong:           strong,
		Notes:            append([]string(nil), notes...),
	}
}

type PairingRecord struct {
	Key             Key                            `json:"key"`
	PinnedPublicKey []byte                         `json:"pinned_public_key"`
	LastProperties  attestation.SecurityProperties `json:"last_properties"`
	History         []HistoryEntry                 `json:"history"`
	CreatedAt       time.Time                      `json:"created_at"`
	UpdatedAt       time.Time                      `json:"updated_at"`
}

// reports whether spki equals the pinned key
func (r *PairingRecord) KeyMatches(spki []byte) bool {
	return bytes.Equal(r.PinnedPublicKey, spki)
}

// TOFU pairing persistence
// every method is atomic with respect to a single key
type PairingStore interface {
	// returns the record or nil when the identity is not paired
	Lookup(key Key) (*PairingRecord, error)

	// pins publicKey for a new identity, seeding the history with entry
	// returns ErrAlreadyPaired if a record exists
	Create(key Key, publicKey []byte, props *attestation.SecurityProperties, entry HistoryEntry) (*PairingRecord, error)

	// replaces the last properties and appends entry
	// returns ErrNotPaired if no record exists
	AppendHistory(key Key, props *attestation.SecurityProperties, entry HistoryEntry) (*PairingRecord, error)

	// removes one record; clearing an unknown identity is a no-op
	Clear(key Key) error

	// removes every record in namespace and returns how many were removed
	ClearAll(namespace string) (int, error)

	// returns all records of a namespace ordered by identity
	List(namespace string) ([]PairingRecord, error)

	// returns every namespace holding at least one record
	Namespaces() ([]string, error)
}

// implements PairingStore in memory
// for tests and ephemeral auditors
type MemoryStore struct {
	mu      sync.RWMutex
	records map[Key]*PairingRecord
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[Key]*PairingRecord),
		now:     time.Now,
	}
}

func (ms *MemoryStore) Lookup(key Key) (*PairingRecord, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	rec, ok := ms.records[key]
	if !ok {
		return nil, nil
	}
	return rec.clone(), nil
}

func (ms *MemoryStore) Create(key Key, publicKey []byte, props *attestation.SecurityProperties, entry HistoryEntry) (*PairingRecord, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, exists := ms.records[key]; exists {
		return nil, ErrAlreadyPaired
	}

	now := ms.now().UTC()
	rec := &PairingRecord{
		Key:             key,
		PinnedPublicKey: append([]byte(nil), publicKey...),
		LastProperties:  *props,
		History:         []HistoryEntry{entry},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	ms.records[key] = rec.clone()
	return rec, nil
}

func (ms *MemoryStore) AppendHistory(key Key, props *attestation.SecurityProperties, entry HistoryEntry) (*PairingRecord, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	rec, exists := ms.records[key]
	if !exists {
		return nil, ErrNotPaired
	}

	rec.LastProperties = *props
	rec.History = append(rec.History, entry)
	rec.UpdatedAt = ms.now().UTC()
	return rec.clone(), nil
}

func (ms *MemoryStore) Clear(key Key) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.records, key)
	return nil
}

func (ms *MemoryStore) ClearAll(namespace string) (int, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	removed := 0
	for k := range ms.records {
		if k.Namespace == namespace {
			delete(ms.records, k)
			removed++
		}
	}
	return removed, nil
}

func (ms *MemoryStore) List(namespace string) ([]PairingRecord, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	out := make([]PairingRecord, 0)
	for k, rec := range ms.records {
		if k.Namespace == namespace {
			out = append(out, *rec.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Identity < out[j].Key.Identity })
	return out, nil
}

func (ms *MemoryStore) Namespaces() ([]string, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	seen := make(map[string]struct{})
	for k := range ms.records {
		seen[k.Namespace] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for ns := range seen {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out, nil
}

// deep copy so callers never alias stored state
func (r *PairingRecord) clone() *PairingRecord {
	c := *r
	c.PinnedPublicKey = append([]byte(nil), r.PinnedPublicKey...)
	c.History = append([]HistoryEntry(nil), r.History...)
	return &c
}
