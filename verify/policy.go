// SPDX-License-Identifier: MIT
// Auditor - Trust policy
//
// Decides what counts as "strong" attestation and which regressions are
// treated as downgrade signals. Loaded from YAML like:
//
//   name: default
//   strong_security_levels: [trusted_environment, strongbox]
//   strong_boot_states: [verified]
//   require_device_locked: false
//   downgrade:
//     os_version: true
//     os_patch_level: true
//     vendor_patch_level: true
//     boot_patch_level: true
//     boot_state: true
//     security_level: true
//     device_lock: true

package verify

import (
	"errors"
	"fmt"

	"github.com/octocorvus/Auditor/attestation"
	"gopkg.in/yaml.v3"
)

// regressions that degrade the verdict
type DowngradeSignals struct {
	OSVersion        bool `yaml:"os_version"`
	OSPatchLevel     bool `yaml:"os_patch_level"`
	VendorPatchLevel bool `yaml:"vendor_patch_level"`
	BootPatchLevel   bool `yaml:"boot_patch_level"`
	BootState        bool `yaml:"boot_state"`
	SecurityLevel    bool `yaml:"security_level"`
	DeviceLock       bool `yaml:"device_lock"`
}

type TrustPolicy struct {
	// human-readable policy name
	Name string `yaml:"name"`

	Description string `yaml:"description"`

	// security levels that may yield a strong verdict
	StrongSecurityLevels []attestation.SecurityLevel `yaml:"strong_security_levels"`

	// boot states that may yield a strong verdict
	StrongBootStates []attestation.BootState `yaml:"strong_boot_states"`

	// if true, an unlocked bootloader is never strong
	RequireDeviceLocked bool `yaml:"require_device_locked"`

	Downgrade DowngradeSignals `yaml:"downgrade"`
}

// TEE or StrongBox with verified boot; every downgrade signal enabled
func DefaultPolicy() *TrustPolicy {
	return &TrustPolicy{
		Name:        "default",
		Description: "hardware-backed key with verified boot",
		StrongSecurityLevels: []attestation.SecurityLevel{
			attestation.SecurityLevelTrustedEnvironment,
			attestation.SecurityLevelStrongBox,
		},
		StrongBootStates: []attestation.BootState{attestation.BootStateVerified},
		Downgrade: DowngradeSignals{
			OSVersion:        true,
			OSPatchLevel:     true,
			VendorPatchLevel: true,
			BootPatchLevel:   true,
			BootState:        true,
			SecurityLevel:    true,
			DeviceLock:       true,
		},
	}
}

// loads a policy from a YAML file, unspecified fields keep their defaults
func LoadPolicy(path string) (*TrustPolicy, error) {
	data, err := readBoundedFile(path, PolicyMaxFileSize)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return ParsePolicy(data)
}

func ParsePolicy(data []byte) (*TrustPolicy, error) {
	policy := DefaultPolicy()
	if err := yaml.Unmarshal(data, policy); err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return policy, nil
}

func (p *TrustPolicy) Validate() error {
	if len(p.StrongSecurityLevels) == 0 {
		return errors.New("policy: strong_security_levels must not be empty")
	}
	if len(p.StrongBootStates) == 0 {
		return errors.New("policy: strong_boot_states must not be empty")
	}
	return nil
}

// reports whether props meet the strong attestation threshold
func (p *TrustPolicy) Strong(props *attestation.SecurityProperties) bool {
	if props == nil {
		return false
	}
	if !containsLevel(p.StrongSecurityLevels, props.SecurityLevel) {
		return false
	}
	if !containsState(p.StrongBootStates, props.BootState) {
		return false
	}
	if p.RequireDeviceLocked && !props.DeviceLocked {
		return false
	}
	return true
}

func containsLevel(levels []attestation.SecurityLevel, l attestation.SecurityLevel) bool {
	for _, v := range levels {
		if v == l {
			return true
		}
	}
	return false
}

func containsState(states []attestation.BootState, s attestation.BootState) bool {
	for _, v := range states {
		if v == s {
			return true
		}
	}
	return false
}
