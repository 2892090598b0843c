// SPDX-License-Identifier: MIT
// Auditor - Downgrade detection
//
// A paired auditee's OS version and patch levels must never go backwards
// relative to anything previously observed for the same pinned key, and
// its boot state / security level must not regress. A regression degrades
// the verdict to not-strong; it is reported, never fatal.
//
// Fields reported as zero ("not reported") are not compared.

package verify

import (
	"bytes"
	"fmt"
	"time"

	"github.com/octocorvus/Auditor/attestation"
	"github.com/octocorvus/Auditor/store"
)

// one detected regression
type Regression struct {
	Field    string    `json:"field"`
	Previous string    `json:"previous"`
	Current  string    `json:"current"`
	SeenAt   time.Time `json:"seen_at"` // when the better value was observed
}

func (r Regression) String() string {
	return fmt.Sprintf("%s regressed from %s to %s (previously seen %s)",
		r.Field, r.Previous, r.Current, r.SeenAt.UTC().Format("2006-01-02"))
}

// outcome of comparing current properties to a pairing's history
type Assessment struct {
	Regressions     []Regression
	BootHashChanged bool
}

func (a *Assessment) Downgraded() bool {
	return len(a.Regressions) > 0
}

// human-readable notes for the history entry
func (a *Assessment) Notes() []string {
	notes := make([]string, 0, len(a.Regressions)+1)
	for _, r := range a.Regressions {
		notes = append(notes, "downgrade: "+r.String())
	}
	if a.BootHashChanged {
		notes = append(notes, "verified boot hash changed")
	}
	return notes
}

// observation comparable across history entries and last properties
type observation struct {
	at            time.Time
	osVersion     uint32
	osPatch       uint32
	vendorPatch   uint32
	bootPatch     uint32
	bootHash      []byte
	bootState     attestation.BootState
	securityLevel attestation.SecurityLevel
	locked        bool
}

func fromEntry(e store.HistoryEntry) observation {
	return observation{
		at:            e.Timestamp,
		osVersion:     e.OSVersion,
		osPatch:       e.OSPatchLevel,
		vendorPatch:   e.VendorPatchLevel,
		bootPatch:     e.BootPatchLevel,
		bootHash:      e.VerifiedBootHash,
		bootState:     e.BootState,
		securityLevel: e.SecurityLevel,
		locked:        e.DeviceLocked,
	}
}

func fromProperties(at time.Time, p *attestation.SecurityProperties) observation {
	return observation{
		at:            at,
		osVersion:     p.OSVersion,
		osPatch:       p.OSPatchLevel,
		vendorPatch:   p.VendorPatchLevel,
		bootPatch:     p.BootPatchLevel,
		bootHash:      p.VerifiedBootHash,
		bootState:     p.BootState,
		securityLevel: p.SecurityLevel,
		locked:        p.DeviceLocked,
	}
}

// compares current against the record's last properties and every history entry
func (p *TrustPolicy) Assess(rec *store.PairingRecord, current *attestation.SecurityProperties) *Assessment {
	a := &Assessment{}
	if rec == nil || current == nil {
		return a
	}

	prior := make([]observation, 0, len(rec.History)+1)
	prior = append(prior, fromProperties(rec.UpdatedAt, &rec.LastProperties))
	for _, e := range rec.History {
		prior = append(prior, fromEntry(e))
	}
	cur := fromProperties(time.Time{}, current)

	sig := p.Downgrade
	type numeric struct {
		enabled bool
		field   string
		get     func(o observation) uint32
		format  func(uint32) string
	}
	checks := []numeric{
		{sig.OSVersion, "os version", func(o observation) uint32 { return o.osVersion }, attestation.FormatOSVersion},
		{sig.OSPatchLevel, "os patch level", func(o observation) uint32 { return patchDay(o.osPatch) }, attestation.FormatPatchLevel},
		{sig.VendorPatchLevel, "vendor patch level", func(o observation) uint32 { return patchDay(o.vendorPatch) }, attestation.FormatPatchLevel},
		{sig.BootPatchLevel, "boot patch level", func(o observation) uint32 { return patchDay(o.bootPatch) }, attestation.FormatPatchLevel},
	}
	for _, c := range checks {
		if !c.enabled {
			continue
		}
		now := c.get(cur)
		if now == 0 {
			continue
		}
		if b := highest(prior, c.get); b.value > now {
			a.Regressions = append(a.Regressions, Regression{
				Field:    c.field,
				Previous: c.format(b.value),
				Current:  c.format(now),
				SeenAt:   b.at,
			})
		}
	}

	if sig.BootState {
		// lower enum value is the stronger state
		for _, o := range prior {
			if o.bootState < cur.bootState {
				a.Regressions = append(a.Regressions, Regression{
					Field: "verified boot state", Previous: o.bootState.String(),
					Current: cur.bootState.String(), SeenAt: o.at,
				})
				break
			}
		}
	}
	if sig.SecurityLevel {
		for _, o := range prior {
			if o.securityLevel > cur.securityLevel {
				a.Regressions = append(a.Regressions, Regression{
					Field: "security level", Previous: o.securityLevel.String(),
					Current: cur.securityLevel.String(), SeenAt: o.at,
				})
				break
			}
		}
	}
	if sig.DeviceLock {
		for _, o := range prior {
			if o.locked && !cur.locked {
				a.Regressions = append(a.Regressions, Regression{
					Field: "device lock", Previous: "locked", Current: "unlocked", SeenAt: o.at,
				})
				break
			}
		}
	}

	last := prior[0]
	if len(rec.History) > 0 {
		last = fromEntry(rec.History[len(rec.History)-1])
	}
	if len(last.bootHash) > 0 && len(cur.bootHash) > 0 && !bytes.Equal(last.bootHash, cur.bootHash) {
		a.BootHashChanged = true
	}

	return a
}

type best struct {
	value uint32
	at    time.Time
}

func highest(obs []observation, get func(observation) uint32) best {
	var b best
	for _, o := range obs {
		if v := get(o); v > b.value {
			b = best{value: v, at: o.at}
		}
	}
	return b
}

// patch levels are YYYYMM on some partitions and YYYYMMDD on others;
// YYYYMM is widened to the first day of the month so both order correctly
func patchDay(v uint32) uint32 {
	if v >= 100000 && v < 1000000 {
		return v*100 + 1
	}
	return v
}
