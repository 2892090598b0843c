// SPDX-License-Identifier: MIT

package verify

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/octocorvus/Auditor/attestation"
	"github.com/octocorvus/Auditor/store"
	"github.com/octocorvus/Auditor/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func props(level attestation.SecurityLevel, boot attestation.BootState, patch uint32) *attestation.SecurityProperties {
	return &attestation.SecurityProperties{
		SecurityLevel:    level,
		BootState:        boot,
		DeviceLocked:     true,
		OSVersion:        140000,
		OSPatchLevel:     patch,
		VendorPatchLevel: patch,
		BootPatchLevel:   patch,
		VerifiedBootHash: []byte{0x01},
	}
}

func recordFor(p *attestation.SecurityProperties) *store.PairingRecord {
	ts := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	return &store.PairingRecord{
		Key:             store.Key{Namespace: store.DefaultNamespace, Identity: "x"},
		PinnedPublicKey: []byte("spki"),
		LastProperties:  *p,
		History:         []store.HistoryEntry{store.NewHistoryEntry(ts, p, true, nil)},
		CreatedAt:       ts,
		UpdatedAt:       ts,
	}
}

func TestDefaultPolicy_Strong(t *testing.T) {
	pol := DefaultPolicy()
	tee, sb, sw := attestation.SecurityLevelTrustedEnvironment, attestation.SecurityLevelStrongBox, attestation.SecurityLevelSoftware

	assert.True(t, pol.Strong(props(tee, attestation.BootStateVerified, 20240101)))
	assert.True(t, pol.Strong(props(sb, attestation.BootStateVerified, 20240101)))
	assert.False(t, pol.Strong(props(sw, attestation.BootStateVerified, 20240101)))
	assert.False(t, pol.Strong(props(tee, attestation.BootStateSelfSigned, 20240101)))
	assert.False(t, pol.Strong(props(sb, attestation.BootStateUnverified, 20240101)))
	assert.False(t, pol.Strong(nil))
}

func TestParsePolicy(t *testing.T) {
	doc := `
name: strict
strong_security_levels: [strongbox]
strong_boot_states: [verified, self_signed]
require_device_locked: true
downgrade:
  os_version: false
`
	pol, err := ParsePolicy([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "strict", pol.Name)
	assert.Equal(t, []attestation.SecurityLevel{attestation.SecurityLevelStrongBox}, pol.StrongSecurityLevels)
	assert.False(t, pol.Downgrade.OSVersion)
	assert.True(t, pol.Downgrade.OSPatchLevel, "unspecified signals keep defaults")

	p := props(attestation.SecurityLevelStrongBox, attestation.BootStateSelfSigned, 20240101)
	assert.True(t, pol.Strong(p))
	p.DeviceLocked = false
	assert.False(t, pol.Strong(p))
	assert.False(t, pol.Strong(props(attestation.SecurityLevelTrustedEnvironment, attestation.BootStateVerified, 20240101)))
}

func TestParsePolicy_Invalid(t *testing.T) {
	_, err := ParsePolicy([]byte("strong_security_levels: [hsm]"))
	assert.Error(t, err)

	_, err = ParsePolicy([]byte("strong_boot_states: []"))
	assert.Error(t, err)
}

func TestLoadPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: file\n"), 0600))

	pol, err := LoadPolicy(path)
	require.NoError(t, err)
	assert.Equal(t, "file", pol.Name)

	_, err = LoadPolicy(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestAssess_PatchDowngrade(t *testing.T) {
	tee := attestation.SecurityLevelTrustedEnvironment
	rec := recordFor(props(tee, attestation.BootStateVerified, 20240101))

	a := DefaultPolicy().Assess(rec, props(tee, attestation.BootStateVerified, 20231201))
	require.True(t, a.Downgraded())

	fields := make([]string, 0, len(a.Regressions))
	for _, r := range a.Regressions {
		fields = append(fields, r.Field)
	}
	assert.Contains(t, fields, "os patch level")
	assert.Contains(t, fields, "vendor patch level")
	assert.Contains(t, fields, "boot patch level")
	assert.Contains(t, a.Regressions[0].String(), "2024-01-01")
	assert.Contains(t, a.Regressions[0].String(), "2023-12-01")
}

func TestAssess_AgainstWholeHistory(t *testing.T) {
	tee := attestation.SecurityLevelTrustedEnvironment
	rec := recordFor(props(tee, attestation.BootStateVerified, 20240301))
	// last properties are older than an earlier history entry
	rec.LastProperties = *props(tee, attestation.BootStateVerified, 20240101)

	a := DefaultPolicy().Assess(rec, props(tee, attestation.BootStateVerified, 20240201))
	require.True(t, a.Downgraded(), "a value below any earlier entry is a downgrade")
}

func TestAssess_NoDowngrade(t *testing.T) {
	tee := attestation.SecurityLevelTrustedEnvironment
	rec := recordFor(props(tee, attestation.BootStateVerified, 20240101))

	a := DefaultPolicy().Assess(rec, props(tee, attestation.BootStateVerified, 20240101))
	assert.False(t, a.Downgraded())

	newer := props(tee, attestation.BootStateVerified, 20240201)
	newer.VerifiedBootHash = []byte{0x02}
	a = DefaultPolicy().Assess(rec, newer)
	assert.False(t, a.Downgraded())
	assert.True(t, a.BootHashChanged, "boot hash change is recorded")
	assert.Equal(t, []string{"verified boot hash changed"}, a.Notes())
}

func TestAssess_MixedPatchFormats(t *testing.T) {
	tee := attestation.SecurityLevelTrustedEnvironment
	old := props(tee, attestation.BootStateVerified, 20240105)
	old.OSPatchLevel = 202401
	rec := recordFor(old)

	cur := props(tee, attestation.BootStateVerified, 20240105)
	cur.OSPatchLevel = 20240101
	assert.False(t, DefaultPolicy().Assess(rec, cur).Downgraded())

	cur.OSPatchLevel = 202312
	assert.True(t, DefaultPolicy().Assess(rec, cur).Downgraded())
}

func TestAssess_StateRegressions(t *testing.T) {
	sb, tee := attestation.SecurityLevelStrongBox, attestation.SecurityLevelTrustedEnvironment
	rec := recordFor(props(sb, attestation.BootStateVerified, 20240101))

	cur := props(tee, attestation.BootStateSelfSigned, 20240101)
	cur.DeviceLocked = false
	a := DefaultPolicy().Assess(rec, cur)
	require.Len(t, a.Regressions, 3)
	assert.Equal(t, "verified boot state", a.Regressions[0].Field)
	assert.Equal(t, "security level", a.Regressions[1].Field)
	assert.Equal(t, "device lock", a.Regressions[2].Field)

	pol := DefaultPolicy()
	pol.Downgrade = DowngradeSignals{}
	assert.False(t, pol.Assess(rec, cur).Downgraded(), "disabled signals are ignored")
}

func TestSummaries(t *testing.T) {
	p := props(attestation.SecurityLevelStrongBox, attestation.BootStateVerified, 20240101)
	p.KeyPurposes = []attestation.KeyPurpose{attestation.PurposeSign}
	tee := TEESummary(p)
	assert.Contains(t, tee, "StrongBox")
	assert.Contains(t, tee, "OS patch level: 2024-01-01")
	assert.Contains(t, tee, "Key purposes: sign")

	assert.Equal(t, "No OS-enforced data provided", OSSummary(nil, p))
	osText := OSSummary(&types.AuxiliaryData{DeviceModel: "Pixel 7", OS: types.OSEnforced{UserProfileSecure: true}}, p)
	assert.Contains(t, osText, "Pixel 7 (recognized)")
	assert.Contains(t, osText, "User profile secure: yes")

	assert.Empty(t, HistorySummary(nil, nil))
	rec := recordFor(p)
	a := &Assessment{Regressions: []Regression{{Field: "os patch level", Previous: "2024-01-01", Current: "2023-12-01", SeenAt: rec.CreatedAt}}}
	hist := HistorySummary(rec, a)
	assert.Contains(t, hist, "Verified 1 times")
	assert.True(t, strings.Contains(hist, "WARNING: os patch level regressed from 2024-01-01 to 2023-12-01"), hist)
}
