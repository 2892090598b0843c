// SPDX-License-Identifier: MIT

package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/octocorvus/Auditor/attestation"
	"github.com/octocorvus/Auditor/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pairingStores(t *testing.T) map[string]PairingStore {
	t.Helper()
	db, err := OpenDB(filepath.Join(t.TempDir(), "pairings.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return map[string]PairingStore{
		"memory": NewMemoryStore(),
		"sqlite": NewSQLiteStore(db),
	}
}

func sampleProps(patch uint32) *attestation.SecurityProperties {
	return &attestation.SecurityProperties{
		AttestationVersion: 3,
		SecurityLevel:      attestation.SecurityLevelStrongBox,
		KeyPurposes:        []attestation.KeyPurpose{attestation.PurposeSign},
		BootState:          attestation.BootStateVerified,
		DeviceLocked:       true,
		VerifiedBootKey:    []byte{0xaa, 0xbb},
		VerifiedBootHash:   []byte{0x01, 0x02},
		OSVersion:          140000,
		OSPatchLevel:       patch,
		VendorPatchLevel:   patch*100 + 1,
		BootPatchLevel:     patch*100 + 1,
	}
}

func TestPairingStore_Lifecycle(t *testing.T) {
	for name, s := range pairingStores(t) {
		t.Run(name, func(t *testing.T) {
			key := Key{Namespace: DefaultNamespace, Identity: "device-a"}
			pub := []byte("pinned-spki")

			rec, err := s.Lookup(key)
			require.NoError(t, err)
			assert.Nil(t, rec, "unpaired identity must have no record")

			p1 := sampleProps(202401)
			first := NewHistoryEntry(time.Now(), p1, true, nil)
			rec, err = s.Create(key, pub, p1, first)
			require.NoError(t, err)
			assert.Equal(t, pub, rec.PinnedPublicKey)
			assert.Len(t, rec.History, 1)

			_, err = s.Create(key, []byte("other"), p1, first)
			assert.ErrorIs(t, err, ErrAlreadyPaired)
			assert.ErrorIs(t, err, types.ErrStoreIO)

			p2 := sampleProps(202402)
			second := NewHistoryEntry(time.Now(), p2, false, []string{"note one", "note two"})
			rec, err = s.AppendHistory(key, p2, second)
			require.NoError(t, err)
			require.Len(t, rec.History, 2)
			assert.Equal(t, uint32(202402), rec.LastProperties.OSPatchLevel)
			assert.Equal(t, pub, rec.PinnedPublicKey, "append must not touch the pin")

			got, err := s.Lookup(key)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.True(t, got.KeyMatches(pub))
			assert.Equal(t, *p2, got.LastProperties)
			assert.Equal(t, uint32(202401), got.History[0].OSPatchLevel)
			assert.Equal(t, uint32(202402), got.History[1].OSPatchLevel)
			assert.Equal(t, []string{"note one", "note two"}, got.History[1].Notes)
			assert.False(t, got.History[1].Strong)
			assert.Equal(t, attestation.SecurityLevelStrongBox, got.History[1].SecurityLevel)

			require.NoError(t, s.Clear(key))
			got, err = s.Lookup(key)
			require.NoError(t, err)
			assert.Nil(t, got)
		})
	}
}

func TestPairingStore_AppendRequiresPairing(t *testing.T) {
	for name, s := range pairingStores(t) {
		t.Run(name, func(t *testing.T) {
			p := sampleProps(202401)
			_, err := s.AppendHistory(Key{Namespace: DefaultNamespace, Identity: "ghost"}, p, NewHistoryEntry(time.Now(), p, true, nil))
			assert.True(t, errors.Is(err, ErrNotPaired), "got %v", err)
		})
	}
}

func TestPairingStore_ClearIdempotent(t *testing.T) {
	for name, s := range pairingStores(t) {
		t.Run(name, func(t *testing.T) {
			key := Key{Namespace: DefaultNamespace, Identity: "never-paired"}
			require.NoError(t, s.Clear(key))
			require.NoError(t, s.Clear(key))

			n, err := s.ClearAll("empty-namespace")
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}

func TestPairingStore_ClearAllIsolatesNamespaces(t *testing.T) {
	for name, s := range pairingStores(t) {
		t.Run(name, func(t *testing.T) {
			p := sampleProps(202401)
			for _, ns := range []string{DefaultNamespace, "remote:42"} {
				for i := 0; i < 3; i++ {
					key := Key{Namespace: ns, Identity: fmt.Sprintf("id-%d", i)}
					_, err := s.Create(key, []byte(key.String()), p, NewHistoryEntry(time.Now(), p, true, nil))
					require.NoError(t, err)
				}
			}

			namespaces, err := s.Namespaces()
			require.NoError(t, err)
			assert.Equal(t, []string{DefaultNamespace, "remote:42"}, namespaces)

			n, err := s.ClearAll("remote:42")
			require.NoError(t, err)
			assert.Equal(t, 3, n)

			remote, err := s.List("remote:42")
			require.NoError(t, err)
			assert.Empty(t, remote)

			local, err := s.List(DefaultNamespace)
			require.NoError(t, err)
			require.Len(t, local, 3)
			assert.Equal(t, "id-0", local[0].Key.Identity)
			assert.Len(t, local[2].History, 1)
		})
	}
}

func TestPairingStore_SecurityLevelsSurviveReload(t *testing.T) {
	levels := []attestation.SecurityLevel{
		attestation.SecurityLevelSoftware,
		attestation.SecurityLevelTrustedEnvironment,
		attestation.SecurityLevelStrongBox,
	}
	for name, s := range pairingStores(t) {
		t.Run(name, func(t *testing.T) {
			for _, level := range levels {
				p := sampleProps(202401)
				p.SecurityLevel = level
				p.KeymasterSecurityLevel = level
				key := Key{Namespace: DefaultNamespace, Identity: level.String()}

				_, err := s.Create(key, []byte("spki"), p, NewHistoryEntry(time.Now(), p, true, nil))
				require.NoError(t, err)

				rec, err := s.Lookup(key)
				require.NoError(t, err)
				require.NotNil(t, rec)
				assert.Equal(t, level, rec.LastProperties.SecurityLevel)
				assert.Equal(t, level, rec.LastProperties.KeymasterSecurityLevel)
				assert.Equal(t, level, rec.History[0].SecurityLevel)
			}
		})
	}
}

func TestSQLiteStore_RejectsUnencodableProperties(t *testing.T) {
	s := pairingStores(t)["sqlite"]
	key := Key{Namespace: DefaultNamespace, Identity: "odd-level"}

	p := sampleProps(202401)
	p.KeymasterSecurityLevel = attestation.SecurityLevel(5)
	_, err := s.Create(key, []byte("spki"), p, NewHistoryEntry(time.Now(), p, true, nil))
	assert.ErrorIs(t, err, types.ErrStoreIO)

	// nothing half-written
	rec, err := s.Lookup(key)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestMemoryStore_NoAliasing(t *testing.T) {
	s := NewMemoryStore()
	key := Key{Namespace: DefaultNamespace, Identity: "a"}
	p := sampleProps(202401)
	_, err := s.Create(key, []byte{1, 2, 3}, p, NewHistoryEntry(time.Now(), p, true, nil))
	require.NoError(t, err)

	rec, err := s.Lookup(key)
	require.NoError(t, err)
	rec.PinnedPublicKey[0] = 0xff
	rec.History = nil

	again, err := s.Lookup(key)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, again.PinnedPublicKey)
	assert.Len(t, again.History, 1)
}
