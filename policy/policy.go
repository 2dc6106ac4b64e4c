// Package policy decodes the wire Policy document a caller supplies to
// atls.Connect and turns it into a verifier.Verifier. It depends on
// verifier but not vice versa, so the root atls package can depend on
// both without an import cycle.
package policy

import (
	"bytes"
	"encoding/json"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/atls-project/atls/atlserr"
	"github.com/atls-project/atls/verifier"
)

// DefaultPCCSURL is used when a policy document omits pccs_url.
const DefaultPCCSURL = "https://pccs.phala.network/tdx/certification/v4"

// Policy is the interface every concrete policy type implements: it knows
// how to build a verifier.Verifier from itself. Today only DstackTDX
// exists, mirroring the single TEE family spec.md's §3 data model admits.
type Policy interface {
	IntoVerifier() (verifier.Verifier, error)
}

// ExpectedBootchain mirrors verifier.ExpectedBootchain in its wire (JSON)
// shape, kept as a separate type so the policy package's decode surface
// doesn't leak verifier-internal field tags.
type ExpectedBootchain struct {
	MRTD  string `json:"mrtd,omitempty"`
	RTMR0 string `json:"rtmr0,omitempty"`
	RTMR1 string `json:"rtmr1,omitempty"`
	RTMR2 string `json:"rtmr2,omitempty"`
}

// DstackTDX is the wire policy document for a DStack-orchestrated TDX
// confidential VM, per spec §6's external policy format.
type DstackTDX struct {
	Type                       string             `json:"type"`
	ExpectedBootchain          *ExpectedBootchain `json:"expected_bootchain,omitempty"`
	AppCompose                 json.RawMessage    `json:"app_compose,omitempty"`
	OSImageHash                string             `json:"os_image_hash,omitempty"`
	AllowedTCBStatus           []string           `json:"allowed_tcb_status,omitempty"`
	PCCSURL                    string             `json:"pccs_url,omitempty"`
	CacheCollateral            bool               `json:"cache_collateral"`
	DisableRuntimeVerification bool               `json:"disable_runtime_verification"`
	GracePeriodSecs            *int64             `json:"grace_period_secs,omitempty"`
}

// Default returns the production-safe baseline: only UpToDate accepted,
// runtime verification on, collateral caching off, Phala's public PCCS.
func Default() *DstackTDX {
	return &DstackTDX{
		Type:             "dstack_tdx",
		AllowedTCBStatus: []string{"UpToDate"},
		PCCSURL:          DefaultPCCSURL,
	}
}

// Dev returns a relaxed policy for local development: common TCB statuses
// are accepted and runtime verification (bootchain/app-compose/OS image
// binding) is disabled outright. Never use this in production — it
// accepts any DStack VM image regardless of what it's running.
func Dev() *DstackTDX {
	return &DstackTDX{
		Type:                       "dstack_tdx",
		AllowedTCBStatus:           []string{"UpToDate", "SWHardeningNeeded", "OutOfDate"},
		PCCSURL:                    DefaultPCCSURL,
		DisableRuntimeVerification: true,
	}
}

// Load decodes a JSON policy document, rejecting unknown fields so a typo
// in a config file fails loudly instead of silently no-op'ing a check.
func Load(data []byte) (*DstackTDX, error) {
	var p DstackTDX
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return nil, atlserr.Wrap(atlserr.Configuration, err, "decoding policy JSON")
	}
	p.applyDefaults()
	return &p, nil
}

// LoadYAML decodes a YAML policy document, for callers who keep their
// policy alongside other YAML-based deployment config.
func LoadYAML(data []byte) (*DstackTDX, error) {
	var p DstackTDX
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, atlserr.Wrap(atlserr.Configuration, err, "decoding policy YAML")
	}
	p.applyDefaults()
	return &p, nil
}

func (p *DstackTDX) applyDefaults() {
	if len(p.AllowedTCBStatus) == 0 {
		p.AllowedTCBStatus = []string{"UpToDate"}
	}
	if p.PCCSURL == "" {
		p.PCCSURL = DefaultPCCSURL
	}
}

// IntoVerifier implements Policy by assembling a
// verifier.DstackTDXVerifierBuilder from p's fields. Validation of
// cross-field invariants (e.g. the Configuration invariant requiring at
// least one of bootchain, app_compose or os_image_hash unless runtime
// verification is disabled) happens in
// verifier.Build, not here, matching the teacher's "pass all fields
// through, validate at construction" split.
func (p *DstackTDX) IntoVerifier() (verifier.Verifier, error) {
	b := verifier.NewDstackTDXVerifierBuilder().
		PCCSURL(p.PCCSURL).
		CacheCollateral(p.CacheCollateral).
		AllowedTCBStatus(p.AllowedTCBStatus).
		DisableRuntimeVerification(p.DisableRuntimeVerification)

	if p.ExpectedBootchain != nil {
		b = b.ExpectedBootchain(verifier.ExpectedBootchain{
			MRTD:  p.ExpectedBootchain.MRTD,
			RTMR0: p.ExpectedBootchain.RTMR0,
			RTMR1: p.ExpectedBootchain.RTMR1,
			RTMR2: p.ExpectedBootchain.RTMR2,
		})
	}
	if len(p.AppCompose) > 0 {
		b = b.ExpectedAppCompose(p.AppCompose)
	}
	if p.OSImageHash != "" {
		b = b.ExpectedOSImageHash(p.OSImageHash)
	}
	if p.GracePeriodSecs != nil {
		d := time.Duration(*p.GracePeriodSecs) * time.Second
		b = b.GracePeriod(&d)
	}

	return b.Build()
}
