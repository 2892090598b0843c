// SPDX-License-Identifier: MIT
// Auditor - Human-readable verification summaries

package verify

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/octocorvus/Auditor/attestation"
	"github.com/octocorvus/Auditor/store"
	"github.com/octocorvus/Auditor/types"
)

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func shortHex(b []byte) string {
	if len(b) == 0 {
		return "not reported"
	}
	return hex.EncodeToString(b)
}

var securityLevelLabels = map[attestation.SecurityLevel]string{
	attestation.SecurityLevelSoftware:           "Software",
	attestation.SecurityLevelTrustedEnvironment: "Trusted Execution Environment (TEE)",
	attestation.SecurityLevelStrongBox:          "StrongBox (secure element)",
}

// renders the hardware-enforced properties
func TEESummary(p *attestation.SecurityProperties) string {
	var b strings.Builder
	level := securityLevelLabels[p.SecurityLevel]
	if level == "" {
		level = p.SecurityLevel.String()
	}
	fmt.Fprintf(&b, "Security level: %s\n", level)
	fmt.Fprintf(&b, "OS version: %s\n", attestation.FormatOSVersion(p.OSVersion))
	fmt.Fprintf(&b, "OS patch level: %s\n", attestation.FormatPatchLevel(p.OSPatchLevel))
	fmt.Fprintf(&b, "Vendor patch level: %s\n", attestation.FormatPatchLevel(p.VendorPatchLevel))
	fmt.Fprintf(&b, "Boot patch level: %s\n", attestation.FormatPatchLevel(p.BootPatchLevel))
	fmt.Fprintf(&b, "Verified boot state: %s\n", p.BootState)
	fmt.Fprintf(&b, "Device locked: %s\n", yesNo(p.DeviceLocked))
	fmt.Fprintf(&b, "Verified boot key: %s\n", shortHex(p.VerifiedBootKey))
	fmt.Fprintf(&b, "Verified boot hash: %s\n", shortHex(p.VerifiedBootHash))
	if len(p.KeyPurposes) > 0 {
		names := make([]string, len(p.KeyPurposes))
		for i, kp := range p.KeyPurposes {
			names[i] = kp.String()
		}
		fmt.Fprintf(&b, "Key purposes: %s\n", strings.Join(names, ", "))
	}
	fmt.Fprintf(&b, "Attestation version: %d\n", p.AttestationVersion)
	fmt.Fprintf(&b, "Keymaster version: %d", p.KeymasterVersion)
	return b.String()
}

// renders the OS-reported (not hardware-enforced) auxiliary data
func OSSummary(aux *types.AuxiliaryData, p *attestation.SecurityProperties) string {
	var b strings.Builder
	if p != nil && p.Application != nil {
		for _, pkg := range p.Application.Packages {
			fmt.Fprintf(&b, "Attesting app: %s (version %d)\n", pkg.Name, pkg.Version)
		}
	}
	if aux == nil {
		b.WriteString("No OS-enforced data provided")
		return b.String()
	}
	if aux.Label != "" {
		fmt.Fprintf(&b, "Label: %s\n", aux.Label)
	}
	if aux.DeviceModel != "" {
		status := "not on the recognized device list"
		if attestation.IsRecognizedModel(aux.DeviceModel) {
			status = "recognized"
		}
		fmt.Fprintf(&b, "Device model: %s (%s)\n", aux.DeviceModel, status)
	}
	if aux.AppVersion != "" {
		fmt.Fprintf(&b, "Auditor app version: %s\n", aux.AppVersion)
	}
	fmt.Fprintf(&b, "User profile secure: %s\n", yesNo(aux.OS.UserProfileSecure))
	fmt.Fprintf(&b, "Debugging enabled: %s\n", yesNo(aux.OS.DebuggingEnabled))
	fmt.Fprintf(&b, "OEM unlocking allowed: %s\n", yesNo(aux.OS.OEMUnlockAllowed))
	fmt.Fprintf(&b, "Running as system user: %s", yesNo(aux.OS.SystemUser))
	return b.String()
}

// renders the pairing history including this verification's findings
// returns "" for a first pairing
func HistorySummary(rec *store.PairingRecord, a *Assessment) string {
	if rec == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Paired since: %s\n", rec.CreatedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Verified %d times, last %s\n", len(rec.History), rec.UpdatedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Identity key: %s", KeyFingerprint(rec.PinnedPublicKey))

	downgrades := 0
	for _, e := range rec.History {
		if !e.Strong {
			downgrades++
		}
	}
	if downgrades > 0 {
		fmt.Fprintf(&b, "\nNot strong in %d of these verifications", downgrades)
	}
	if a != nil {
		for _, r := range a.Regressions {
			fmt.Fprintf(&b, "\nWARNING: %s", r)
		}
		if a.BootHashChanged {
			b.WriteString("\nVerified boot hash changed since last verification (OS update)")
		}
	}
	return b.String()
}
