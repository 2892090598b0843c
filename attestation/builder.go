// SPDX-License-Identifier: MIT
// Auditor - Key attestation extension builder
//
// Encodes SecurityProperties back into a KeyDescription. Used by the
// software keystore to mint attestation certificates and by tests.

package attestation

import (
	"encoding/asn1"
	"fmt"
)

type keyDescription struct {
	AttestationVersion       int64
	AttestationSecurityLevel asn1.Enumerated
	KeymasterVersion         int64
	KeymasterSecurityLevel   asn1.Enumerated
	AttestationChallenge     []byte
	UniqueID                 []byte
	SoftwareEnforced         []asn1.RawValue
	TeeEnforced              []asn1.RawValue
}

// origin value for keys generated inside the keystore
const originGenerated = 0

type listBuilder struct {
	items []asn1.RawValue
	err   error
}

func (b *listBuilder) add(tag int, v any, params string) {
	if b.err != nil {
		return
	}
	inner, err := asn1.MarshalWithParams(v, params)
	if err != nil {
		b.err = fmt.Errorf("tag %d: %w", tag, err)
		return
	}
	b.items = append(b.items, asn1.RawValue{
		Class:      asn1.ClassContextSpecific,
		Tag:        tag,
		IsCompound: true,
		Bytes:      inner,
	})
}

// encodes p as a DER KeyDescription
func Build(p *SecurityProperties) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("nil security properties")
	}
	if _, ok := securityLevelNames[p.SecurityLevel]; !ok {
		return nil, fmt.Errorf("unknown security level %d", p.SecurityLevel)
	}
	if _, ok := securityLevelNames[p.KeymasterSecurityLevel]; !ok {
		return nil, fmt.Errorf("unknown keymaster security level %d", p.KeymasterSecurityLevel)
	}
	if _, ok := bootStateNames[p.BootState]; !ok {
		return nil, fmt.Errorf("unknown boot state %d", p.BootState)
	}

	enforced := &listBuilder{}
	if len(p.KeyPurposes) > 0 {
		purposes := make([]int64, 0, len(p.KeyPurposes))
		for _, kp := range normalizePurposes(p.KeyPurposes) {
			purposes = append(purposes, int64(kp))
		}
		enforced.add(tagPurpose, purposes, "set")
	}
	if p.Algorithm != 0 {
		enforced.add(tagAlgorithm, int64(p.Algorithm), "")
	}
	if p.KeySize != 0 {
		enforced.add(tagKeySize, int64(p.KeySize), "")
	}
	enforced.add(tagNoAuthRequired, asn1.NullRawValue, "")
	enforced.add(tagOrigin, int64(originGenerated), "")
	enforced.add(tagRootOfTrust, rootOfTrust{
		VerifiedBootKey:   p.VerifiedBootKey,
		DeviceLocked:      p.DeviceLocked,
		VerifiedBootState: asn1.Enumerated(p.BootState),
		VerifiedBootHash:  p.VerifiedBootHash,
	}, "")
	if p.OSVersion != 0 {
		enforced.add(tagOSVersion, int64(p.OSVersion), "")
	}
	enforced.add(tagOSPatchLevel, int64(p.OSPatchLevel), "")
	if p.VendorPatchLevel != 0 || p.AttestationVersion >= minVersionWithPartitionPatchLevels {
		enforced.add(tagVendorPatchLevel, int64(p.VendorPatchLevel), "")
	}
	if p.BootPatchLevel != 0 || p.AttestationVersion >= minVersionWithPartitionPatchLevels {
		enforced.add(tagBootPatchLevel, int64(p.BootPatchLevel), "")
	}
	if enforced.err != nil {
		return nil, enforced.err
	}

	software := &listBuilder{}
	if !p.SecurityLevel.IsHardware() {
		software.items = append(software.items, enforced.items...)
		enforced.items = nil
	}
	if !p.CreationTime.IsZero() {
		software.add(tagCreationDateTime, p.CreationTime.UnixMilli(), "")
	}
	if p.Application != nil {
		appID, err := buildApplicationID(p.Application)
		if err != nil {
			return nil, err
		}
		software.add(tagAttestationApplicationID, appID, "")
	}
	if software.err != nil {
		return nil, software.err
	}
	// tags must stay in ascending order within each list
	software.items = sortByTag(software.items)

	return asn1.Marshal(keyDescription{
		AttestationVersion:       int64(p.AttestationVersion),
		AttestationSecurityLevel: asn1.Enumerated(p.SecurityLevel),
		KeymasterVersion:         int64(p.KeymasterVersion),
		KeymasterSecurityLevel:   asn1.Enumerated(p.KeymasterSecurityLevel),
		AttestationChallenge:     p.AttestationChallenge,
		SoftwareEnforced:         software.items,
		TeeEnforced:              enforced.items,
	})
}

func buildApplicationID(a *ApplicationID) ([]byte, error) {
	id := applicationID{SignatureDigests: a.SignatureDigests}
	for _, pkg := range a.Packages {
		id.Packages = append(id.Packages, packageInfo{Name: []byte(pkg.Name), Version: pkg.Version})
	}
	inner, err := asn1.Marshal(id)
	if err != nil {
		return nil, fmt.Errorf("attestation application id: %w", err)
	}
	return inner, nil
}

func sortByTag(items []asn1.RawValue) []asn1.RawValue {
	for i := 1; i < len(items); i++ {
		for j := i; j > 0 && items[j].Tag < items[j-1].Tag; j-- {
			items[j], items[j-1] = items[j-1], items[j]
		}
	}
	return items
}
