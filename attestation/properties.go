// SPDX-License-Identifier: MIT
// Auditor - Attested security properties
//
// Typed view of the Android key attestation extension
// (OID 1.3.6.1.4.1.11129.2.1.17, KeyDescription). Only the fields the
// auditor reasons about are lifted out; everything else stays in the
// certificate.

package attestation

import (
	"encoding/asn1"
	"fmt"
	"sort"
	"strings"
	"time"
)

// OID of the key attestation extension carried by the leaf certificate
var ExtensionOID = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 11129, 2, 1, 17}

// where the attested key lives
type SecurityLevel int

const (
	SecurityLevelSoftware           SecurityLevel = 0
	SecurityLevelTrustedEnvironment SecurityLevel = 1
	SecurityLevelStrongBox          SecurityLevel = 2
)

var securityLevelNames = map[SecurityLevel]string{
	SecurityLevelSoftware:           "software",
	SecurityLevelTrustedEnvironment: "trusted_environment",
	SecurityLevelStrongBox:          "strongbox",
}

func (l SecurityLevel) String() string {
	if name, ok := securityLevelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(l))
}

// reports whether the key is held by dedicated hardware (TEE or StrongBox)
func (l SecurityLevel) IsHardware() bool {
	return l == SecurityLevelTrustedEnvironment || l == SecurityLevelStrongBox
}

// unknown levels have no text form that UnmarshalText would accept
func (l SecurityLevel) MarshalText() ([]byte, error) {
	name, ok := securityLevelNames[l]
	if !ok {
		return nil, fmt.Errorf("unknown security level %d", int(l))
	}
	return []byte(name), nil
}

func (l *SecurityLevel) UnmarshalText(text []byte) error {
	s := strings.ToLower(strings.TrimSpace(string(text)))
	for level, name := range securityLevelNames {
		if name == s {
			*l = level
			return nil
		}
	}
	switch s {
	case "tee":
		*l = SecurityLevelTrustedEnvironment
		return nil
	}
	return fmt.Errorf("unknown security level %q", s)
}

// verified boot state from the root of trust
type BootState int

const (
	BootStateVerified   BootState = 0
	BootStateSelfSigned BootState = 1
	BootStateUnverified BootState = 2
	BootStateFailed     BootState = 3
)

var bootStateNames = map[BootState]string{
	BootStateVerified:   "verified",
	BootStateSelfSigned: "self_signed",
	BootStateUnverified: "unverified",
	BootStateFailed:     "failed",
}

func (s BootState) String() string {
	if name, ok := bootStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

func (s BootState) MarshalText() ([]byte, error) {
	name, ok := bootStateNames[s]
	if !ok {
		return nil, fmt.Errorf("unknown boot state %d", int(s))
	}
	return []byte(name), nil
}

func (s *BootState) UnmarshalText(text []byte) error {
	v := strings.ToLower(strings.TrimSpace(string(text)))
	for state, name := range bootStateNames {
		if name == v {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown boot state %q", v)
}

// keymaster key purpose tag values
type KeyPurpose int

const (
	PurposeEncrypt   KeyPurpose = 0
	PurposeDecrypt   KeyPurpose = 1
	PurposeSign      KeyPurpose = 2
	PurposeVerify    KeyPurpose = 3
	PurposeWrapKey   KeyPurpose = 5
	PurposeAgreeKey  KeyPurpose = 6
	PurposeAttestKey KeyPurpose = 7
)

var purposeNames = map[KeyPurpose]string{
	PurposeEncrypt:   "encrypt",
	PurposeDecrypt:   "decrypt",
	PurposeSign:      "sign",
	PurposeVerify:    "verify",
	PurposeWrapKey:   "wrap_key",
	PurposeAgreeKey:  "agree_key",
	PurposeAttestKey: "attest_key",
}

func (p KeyPurpose) String() string {
	if name, ok := purposeNames[p]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(p))
}

// one entry of the attestation application id
type PackageInfo struct {
	Name    string `json:"name"`
	Version int64  `json:"version"`
}

// decoded attestation application id (software-enforced)
type ApplicationID struct {
	Packages         []PackageInfo `json:"packages,omitempty"`
	SignatureDigests [][]byte      `json:"signature_digests,omitempty"`
}

// security state decoded from a single leaf certificate
type SecurityProperties struct {
	AttestationVersion     int           `json:"attestation_version"`
	SecurityLevel          SecurityLevel `json:"security_level"`
	KeymasterVersion       int           `json:"keymaster_version"`
	KeymasterSecurityLevel SecurityLevel `json:"keymaster_security_level"`
	AttestationChallenge   []byte        `json:"attestation_challenge,omitempty"`

	KeyPurposes []KeyPurpose `json:"key_purposes,omitempty"`
	Algorithm   int          `json:"algorithm,omitempty"`
	KeySize     int          `json:"key_size,omitempty"`

	BootState        BootState `json:"boot_state"`
	DeviceLocked     bool      `json:"device_locked"`
	VerifiedBootKey  []byte    `json:"verified_boot_key,omitempty"`
	VerifiedBootHash []byte    `json:"verified_boot_hash,omitempty"`

	OSVersion        uint32 `json:"os_version"`
	OSPatchLevel     uint32 `json:"os_patch_level"`
	VendorPatchLevel uint32 `json:"vendor_patch_level"`
	BootPatchLevel   uint32 `json:"boot_patch_level"`

	CreationTime time.Time      `json:"creation_time"`
	Application  *ApplicationID `json:"application,omitempty"`
}

// reports whether the key carries purpose p
func (p *SecurityProperties) HasPurpose(purpose KeyPurpose) bool {
	for _, kp := range p.KeyPurposes {
		if kp == purpose {
			return true
		}
	}
	return false
}

// sorts and deduplicates the purpose set
func normalizePurposes(in []KeyPurpose) []KeyPurpose {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[KeyPurpose]bool, len(in))
	out := make([]KeyPurpose, 0, len(in))
	for _, p := range in {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// renders a YYYYMM or YYYYMMDD patch level as a date
// zero means the field was not reported
func FormatPatchLevel(v uint32) string {
	switch {
	case v == 0:
		return "not reported"
	case v >= 10000000:
		return fmt.Sprintf("%04d-%02d-%02d", v/10000, v/100%100, v%100)
	case v >= 100000:
		return fmt.Sprintf("%04d-%02d", v/100, v%100)
	default:
		return fmt.Sprintf("%d", v)
	}
}

// renders an OS version encoded as MMmmss (e.g. 140000 -> 14.0.0)
func FormatOSVersion(v uint32) string {
	if v == 0 {
		return "not reported"
	}
	return fmt.Sprintf("%d.%d.%d", v/10000, v/100%100, v%100)
}
