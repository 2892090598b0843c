// SPDX-License-Identifier: MIT
// Auditor - Key attestation extension parser
//
// KeyDescription ::= SEQUENCE {
//     attestationVersion         INTEGER,
//     attestationSecurityLevel   SecurityLevel,
//     keymasterVersion           INTEGER,
//     keymasterSecurityLevel     SecurityLevel,
//     attestationChallenge       OCTET STRING,
//     uniqueId                   OCTET STRING,
//     softwareEnforced           AuthorizationList,
//     teeEnforced                AuthorizationList,
// }
//
// The header is read with cryptobyte. AuthorizationList entries use
// EXPLICIT context tags above 30 (high-tag-number form), which cryptobyte
// does not accept, so lists are walked element by element with
// encoding/asn1 RawValue. Unknown tags are skipped; vendors add their own.

package attestation

import (
	"encoding/asn1"
	"fmt"
	"time"

	"github.com/octocorvus/Auditor/types"
	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// AuthorizationList tags
const (
	tagPurpose                  = 1
	tagAlgorithm                = 2
	tagKeySize                  = 3
	tagNoAuthRequired           = 503
	tagCreationDateTime         = 701
	tagOrigin                   = 702
	tagRootOfTrust              = 704
	tagOSVersion                = 705
	tagOSPatchLevel             = 706
	tagAttestationApplicationID = 709
	tagVendorPatchLevel         = 718
	tagBootPatchLevel           = 719
)

// attestation version that introduced vendor and boot patch levels
const minVersionWithPartitionPatchLevels = 3

type rootOfTrust struct {
	VerifiedBootKey   []byte
	DeviceLocked      bool
	VerifiedBootState asn1.Enumerated
	VerifiedBootHash  []byte `asn1:"optional"`
}

type packageInfo struct {
	Name    []byte
	Version int64
}

type applicationID struct {
	Packages         []packageInfo `asn1:"set"`
	SignatureDigests [][]byte      `asn1:"set"`
}

// explicit-tagged elements of one AuthorizationList, keyed by tag number
type authorizationList map[int][]byte

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{types.ErrMalformedAttestationExtension}, args...)...)
}

// decodes the attestation extension value into typed security properties
func Parse(ext []byte) (*SecurityProperties, error) {
	input := cryptobyte.String(ext)

	var seq cryptobyte.String
	if !input.ReadASN1(&seq, cbasn1.SEQUENCE) || !input.Empty() {
		return nil, malformed("KeyDescription is not a single SEQUENCE")
	}

	var (
		attVersion, kmVersion int64
		attLevel, kmLevel     int
		challenge, uniqueID   []byte
		swRaw, hwRaw          cryptobyte.String
	)

	if !seq.ReadASN1Integer(&attVersion) {
		return nil, malformed("attestationVersion")
	}
	if !seq.ReadASN1Enum(&attLevel) {
		return nil, malformed("attestationSecurityLevel")
	}
	if !seq.ReadASN1Integer(&kmVersion) {
		return nil, malformed("keymasterVersion")
	}
	if !seq.ReadASN1Enum(&kmLevel) {
		return nil, malformed("keymasterSecurityLevel")
	}
	if !seq.ReadASN1Bytes(&challenge, cbasn1.OCTET_STRING) {
		return nil, malformed("attestationChallenge")
	}
	if !seq.ReadASN1Bytes(&uniqueID, cbasn1.OCTET_STRING) {
		return nil, malformed("uniqueId")
	}
	if !seq.ReadASN1(&swRaw, cbasn1.SEQUENCE) {
		return nil, malformed("softwareEnforced")
	}
	if !seq.ReadASN1(&hwRaw, cbasn1.SEQUENCE) {
		return nil, malformed("teeEnforced")
	}
	// trailing KeyDescription fields from newer versions are ignored

	level := SecurityLevel(attLevel)
	if _, ok := securityLevelNames[level]; !ok {
		return nil, malformed("unknown attestation security level %d", attLevel)
	}
	kmSecurityLevel := SecurityLevel(kmLevel)
	if _, ok := securityLevelNames[kmSecurityLevel]; !ok {
		return nil, malformed("unknown keymaster security level %d", kmLevel)
	}

	sw, err := parseAuthorizationList(swRaw)
	if err != nil {
		return nil, fmt.Errorf("softwareEnforced: %w", err)
	}
	hw, err := parseAuthorizationList(hwRaw)
	if err != nil {
		return nil, fmt.Errorf("teeEnforced: %w", err)
	}

	// hardware-backed keys must only be judged on hardware-enforced values;
	// software-level keys have nothing better than the software list
	lists := []authorizationList{hw}
	if !level.IsHardware() {
		lists = []authorizationList{sw, hw}
	}

	props := &SecurityProperties{
		AttestationVersion:     int(attVersion),
		SecurityLevel:          level,
		KeymasterVersion:       int(kmVersion),
		KeymasterSecurityLevel: kmSecurityLevel,
		AttestationChallenge:   append([]byte(nil), challenge...),
	}

	// root of trust (mandatory)
	rotRaw, ok := lookup(lists, tagRootOfTrust)
	if !ok {
		return nil, malformed("rootOfTrust absent")
	}
	var rot rootOfTrust
	if err := unmarshalExact(rotRaw, &rot); err != nil {
		return nil, malformed("rootOfTrust: %v", err)
	}
	props.BootState = BootState(rot.VerifiedBootState)
	if _, ok := bootStateNames[props.BootState]; !ok {
		return nil, malformed("unknown verified boot state %d", rot.VerifiedBootState)
	}
	props.DeviceLocked = rot.DeviceLocked
	props.VerifiedBootKey = rot.VerifiedBootKey
	props.VerifiedBootHash = rot.VerifiedBootHash

	// patch levels
	if props.OSPatchLevel, err = requiredUint(lists, tagOSPatchLevel, "osPatchLevel"); err != nil {
		return nil, err
	}
	if attVersion >= minVersionWithPartitionPatchLevels {
		if props.VendorPatchLevel, err = requiredUint(lists, tagVendorPatchLevel, "vendorPatchLevel"); err != nil {
			return nil, err
		}
		if props.BootPatchLevel, err = requiredUint(lists, tagBootPatchLevel, "bootPatchLevel"); err != nil {
			return nil, err
		}
	} else {
		if props.VendorPatchLevel, err = optionalUint(lists, tagVendorPatchLevel, "vendorPatchLevel"); err != nil {
			return nil, err
		}
		if props.BootPatchLevel, err = optionalUint(lists, tagBootPatchLevel, "bootPatchLevel"); err != nil {
			return nil, err
		}
	}
	if props.OSVersion, err = optionalUint(lists, tagOSVersion, "osVersion"); err != nil {
		return nil, err
	}

	// key characteristics
	if raw, ok := lookup(lists, tagPurpose); ok {
		var purposes []int64
		if _, err := asn1.UnmarshalWithParams(raw, &purposes, "set"); err != nil {
			return nil, malformed("purpose: %v", err)
		}
		for _, p := range purposes {
			props.KeyPurposes = append(props.KeyPurposes, KeyPurpose(p))
		}
		props.KeyPurposes = normalizePurposes(props.KeyPurposes)
	}
	algorithm, err := optionalUint(lists, tagAlgorithm, "algorithm")
	if err != nil {
		return nil, err
	}
	keySize, err := optionalUint(lists, tagKeySize, "keySize")
	if err != nil {
		return nil, err
	}
	props.Algorithm = int(algorithm)
	props.KeySize = int(keySize)

	// software-enforced informational fields, best effort
	if raw, ok := sw[tagCreationDateTime]; ok {
		var ms int64
		if err := unmarshalExact(raw, &ms); err == nil && ms > 0 {
			props.CreationTime = time.UnixMilli(ms).UTC()
		}
	}
	if raw, ok := sw[tagAttestationApplicationID]; ok {
		props.Application = parseApplicationID(raw)
	}

	return props, nil
}

// walks the elements of an AuthorizationList SEQUENCE body
func parseAuthorizationList(body []byte) (authorizationList, error) {
	list := make(authorizationList)
	rest := body
	for len(rest) > 0 {
		var rv asn1.RawValue
		var err error
		rest, err = asn1.Unmarshal(rest, &rv)
		if err != nil {
			return nil, malformed("authorization list framing: %v", err)
		}
		if rv.Class != asn1.ClassContextSpecific || !rv.IsCompound {
			return nil, malformed("authorization list element with class %d tag %d is not explicitly tagged", rv.Class, rv.Tag)
		}
		if _, dup := list[rv.Tag]; dup {
			return nil, malformed("duplicate authorization tag %d", rv.Tag)
		}
		list[rv.Tag] = rv.Bytes
	}
	return list, nil
}

// returns the first list that carries tag
func lookup(lists []authorizationList, tag int) ([]byte, bool) {
	for _, l := range lists {
		if raw, ok := l[tag]; ok {
			return raw, true
		}
	}
	return nil, false
}

func requiredUint(lists []authorizationList, tag int, name string) (uint32, error) {
	if _, ok := lookup(lists, tag); !ok {
		return 0, malformed("%s absent", name)
	}
	return optionalUint(lists, tag, name)
}

func optionalUint(lists []authorizationList, tag int, name string) (uint32, error) {
	raw, ok := lookup(lists, tag)
	if !ok {
		return 0, nil
	}
	var v int64
	if err := unmarshalExact(raw, &v); err != nil {
		return 0, malformed("%s: %v", name, err)
	}
	if v < 0 || v > int64(^uint32(0)) {
		return 0, malformed("%s out of range: %d", name, v)
	}
	return uint32(v), nil
}

// decodes a single ASN.1 value and rejects trailing bytes inside the explicit tag
func unmarshalExact(raw []byte, out any) error {
	rest, err := asn1.Unmarshal(raw, out)
	if err != nil {
		return err
	}
	if len(rest) != 0 {
		return fmt.Errorf("%d trailing bytes", len(rest))
	}
	return nil
}

func parseApplicationID(raw []byte) *ApplicationID {
	var octets []byte
	if err := unmarshalExact(raw, &octets); err != nil {
		return nil
	}
	var id applicationID
	if _, err := asn1.Unmarshal(octets, &id); err != nil {
		return nil
	}
	out := &ApplicationID{SignatureDigests: id.SignatureDigests}
	for _, p := range id.Packages {
		out.Packages = append(out.Packages, PackageInfo{Name: string(p.Name), Version: p.Version})
	}
	return out
}
