package verifier

import (
	"context"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"io"
	"time"

	"github.com/atls-project/atls/atlserr"
	"github.com/atls-project/atls/eventlog"
	"github.com/atls-project/atls/report"
	"github.com/atls-project/atls/subprotocol"
	"github.com/atls-project/atls/tdx"
)

// ReportDataPrefix is prepended to the cert+EKM binding digest before
// comparison against the quote's REPORT_DATA field, per spec §4.5.
const ReportDataPrefix = "atls:v1\n"

// ExpectedBootchain is the set of measurements a DstackTDXVerifier
// requires the peer's replayed event log (MRTD, RTMR0-2) to match. A zero
// value for any field skips that comparison.
type ExpectedBootchain struct {
	MRTD  string // hex
	RTMR0 string
	RTMR1 string
	RTMR2 string
}

// DstackTDXVerifier verifies a DStack-orchestrated Intel TDX confidential
// VM: quote/collateral verification via package tdx, event-log replay via
// package eventlog, and the cert+EKM report-data binding defined in
// SPEC_FULL.md §4.5.
type DstackTDXVerifier struct {
	pccsURL                    string
	useCache                   bool
	fetcher                    *tdx.Fetcher
	allowedTCBStatus           map[string]bool
	gracePeriod                *time.Duration
	expectedBootchain          ExpectedBootchain
	expectedAppCompose         []byte
	expectedOSImageHash        string
	disableRuntimeVerification bool
	now                        func() time.Time
}

// DstackTDXVerifierBuilder constructs a DstackTDXVerifier field by field,
// so package policy (which knows how to decode a wire Policy document) can
// assemble one without importing any tdx- or eventlog-specific types
// itself.
type DstackTDXVerifierBuilder struct {
	v DstackTDXVerifier
}

// NewDstackTDXVerifierBuilder starts a builder with spec-mandated
// defaults: no cached collateral, no grace period, runtime verification
// required.
func NewDstackTDXVerifierBuilder() *DstackTDXVerifierBuilder {
	return &DstackTDXVerifierBuilder{v: DstackTDXVerifier{
		allowedTCBStatus: map[string]bool{},
		now:              time.Now,
	}}
}

func (b *DstackTDXVerifierBuilder) PCCSURL(url string) *DstackTDXVerifierBuilder {
	b.v.pccsURL = url
	return b
}

func (b *DstackTDXVerifierBuilder) CacheCollateral(enabled bool) *DstackTDXVerifierBuilder {
	b.v.useCache = enabled
	return b
}

func (b *DstackTDXVerifierBuilder) Fetcher(f *tdx.Fetcher) *DstackTDXVerifierBuilder {
	b.v.fetcher = f
	return b
}

func (b *DstackTDXVerifierBuilder) AllowedTCBStatus(statuses []string) *DstackTDXVerifierBuilder {
	for _, s := range statuses {
		b.v.allowedTCBStatus[s] = true
	}
	return b
}

func (b *DstackTDXVerifierBuilder) GracePeriod(d *time.Duration) *DstackTDXVerifierBuilder {
	b.v.gracePeriod = d
	return b
}

func (b *DstackTDXVerifierBuilder) ExpectedBootchain(bc ExpectedBootchain) *DstackTDXVerifierBuilder {
	b.v.expectedBootchain = bc
	return b
}

func (b *DstackTDXVerifierBuilder) ExpectedAppCompose(raw []byte) *DstackTDXVerifierBuilder {
	b.v.expectedAppCompose = raw
	return b
}

func (b *DstackTDXVerifierBuilder) ExpectedOSImageHash(hexDigest string) *DstackTDXVerifierBuilder {
	b.v.expectedOSImageHash = hexDigest
	return b
}

func (b *DstackTDXVerifierBuilder) DisableRuntimeVerification(disabled bool) *DstackTDXVerifierBuilder {
	b.v.disableRuntimeVerification = disabled
	return b
}

// Build validates the accumulated configuration and returns a Verifier.
// Per spec §4.1's Configuration invariant, at least one of {bootchain,
// app-compose, os-image-hash} must be configured unless runtime
// verification is explicitly disabled.
func (b *DstackTDXVerifierBuilder) Build() (Verifier, error) {
	v := b.v
	if len(v.allowedTCBStatus) == 0 {
		return nil, atlserr.New(atlserr.Configuration, "allowed_tcb_status must name at least one status")
	}
	if !v.disableRuntimeVerification {
		empty := ExpectedBootchain{}
		hasBootchain := v.expectedBootchain != empty
		hasAppCompose := len(v.expectedAppCompose) > 0
		hasOSImageHash := v.expectedOSImageHash != ""
		if !hasBootchain && !hasAppCompose && !hasOSImageHash {
			return nil, atlserr.New(atlserr.Configuration, "at least one of expected_bootchain, app_compose, os_image_hash is required unless disable_runtime_verification is set")
		}
	}
	return &v, nil
}

// Verify implements Verifier.
func (v *DstackTDXVerifier) Verify(ctx context.Context, stream io.ReadWriter, peerCertDER []byte, ekm []byte) (report.Report, error) {
	env, err := subprotocol.ReadFrom(stream)
	if err != nil {
		return report.Report{}, err
	}

	quoteBytes, err := env.QuoteBytes()
	if err != nil {
		return report.Report{}, err
	}

	var collateralOverride *tdx.Collateral
	if env.Collateral != nil {
		collateralOverride = &tdx.Collateral{
			PCKCRLIssuerChain:  env.Collateral.PCKCRLIssuerChain,
			RootCACRL:          env.Collateral.RootCACRL,
			PCKCRL:             env.Collateral.PCKCRL,
			TCBInfoIssuerChain: env.Collateral.TCBInfoIssuerChain,
			TCBInfo:            env.Collateral.TCBInfo,
			QEIdentityIssuer:   env.Collateral.QEIdentityIssuer,
			QEIdentity:         env.Collateral.QEIdentity,
		}
	}

	_, verified, err := tdx.Verify(ctx, quoteBytes, tdx.Options{
		PCCSURL:            v.pccsURL,
		UseCache:           v.useCache,
		GracePeriod:        v.gracePeriod,
		Now:                v.now(),
		Fetcher:            v.fetcher,
		CollateralOverride: collateralOverride,
	})
	if err != nil {
		return report.Report{}, err
	}

	// tdx.Verify has already rejected an OutOfDate status whose grace period
	// expired, so with a grace period configured OutOfDate is admitted here
	// even when it is not in the allowed set.
	graceAdmitted := verified.Status == tdx.StatusOutOfDate && v.gracePeriod != nil
	if !v.allowedTCBStatus[verified.Status] && !graceAdmitted {
		return report.Report{}, atlserr.New(atlserr.UnacceptableTCBStatus, "tcb status %q is not in the allowed set", verified.Status).
			WithField("tcb_status", verified.Status)
	}

	if err := v.checkReportDataBinding(peerCertDER, ekm, verified); err != nil {
		return report.Report{}, err
	}

	appComposeDigestHex, err := eventlog.AppComposeDigestHex(env.AppCompose)
	if err != nil {
		return report.Report{}, err
	}

	if !v.disableRuntimeVerification {
		if err := v.checkRuntimeBindings(env.EventLog, verified, appComposeDigestHex, env.OSImageHash); err != nil {
			return report.Report{}, err
		}
	}

	return report.Report{
		Kind: report.TeeTDX,
		TDX: &report.TDX{
			Status:           verified.Status,
			AdvisoryIDs:      verified.AdvisoryIDs,
			TCBDate:          verified.TCBDate,
			Measurement:      hex.EncodeToString(verified.MRTD[:]),
			RTMRApp:          hex.EncodeToString(verified.RTMR3[:]),
			OSImageHash:      env.OSImageHash,
			AppComposeDigest: appComposeDigestHex,
		},
	}, nil
}

// checkReportDataBinding recomputes SHA-512("atls:v1\n" || cert || ekm)
// and compares it, in constant time, against the quote's REPORT_DATA
// field — the cryptographic step that ties this specific TLS session to
// this specific attestation, per spec §4.5.
func (v *DstackTDXVerifier) checkReportDataBinding(peerCertDER, ekm []byte, verified *tdx.VerifiedReport) error {
	h := sha512.New()
	h.Write([]byte(ReportDataPrefix))
	h.Write(peerCertDER)
	h.Write(ekm)
	expected := h.Sum(nil)
	if subtle.ConstantTimeCompare(expected, verified.ReportData[:]) != 1 {
		return atlserr.New(atlserr.ReportDataMismatch, "report_data does not match SHA-512(atls:v1 || cert || ekm)")
	}
	return nil
}

// checkRuntimeBindings replays the event log and checks it reproduces the
// quote's RTMR0-3, that the quote's MRTD/RTMR0-2 match policy's expected
// bootchain values, that the event log's os-image-hash and app-compose
// entries agree with the delivered values, and that those match policy.
func (v *DstackTDXVerifier) checkRuntimeBindings(log eventlog.Log, verified *tdx.VerifiedReport, appComposeDigestHex, osImageHashHex string) error {
	state, err := eventlog.Replay(log)
	if err != nil {
		return err
	}

	if !eventlog.ConstantTimeEqualHex(hex.EncodeToString(state.IMR[0][:]), hex.EncodeToString(verified.RTMR0[:])) {
		return atlserr.New(atlserr.BootchainMismatch, "replayed RTMR0 does not match quote").WithField("which", "RTMR0")
	}
	if !eventlog.ConstantTimeEqualHex(hex.EncodeToString(state.IMR[1][:]), hex.EncodeToString(verified.RTMR1[:])) {
		return atlserr.New(atlserr.BootchainMismatch, "replayed RTMR1 does not match quote").WithField("which", "RTMR1")
	}
	if !eventlog.ConstantTimeEqualHex(hex.EncodeToString(state.IMR[2][:]), hex.EncodeToString(verified.RTMR2[:])) {
		return atlserr.New(atlserr.BootchainMismatch, "replayed RTMR2 does not match quote").WithField("which", "RTMR2")
	}
	if !eventlog.ConstantTimeEqualHex(hex.EncodeToString(state.IMR[3][:]), hex.EncodeToString(verified.RTMR3[:])) {
		return atlserr.New(atlserr.BootchainMismatch, "replayed RTMR3 does not match quote").WithField("which", "RTMR3")
	}

	bc := v.expectedBootchain
	mrtdHex := hex.EncodeToString(verified.MRTD[:])
	if bc.MRTD != "" && !eventlog.ConstantTimeEqualHex(bc.MRTD, mrtdHex) {
		return atlserr.New(atlserr.BootchainMismatch, "MRTD does not match expected bootchain").WithField("which", "MRTD")
	}
	if bc.RTMR0 != "" && !eventlog.ConstantTimeEqualHex(bc.RTMR0, hex.EncodeToString(verified.RTMR0[:])) {
		return atlserr.New(atlserr.BootchainMismatch, "RTMR0 does not match expected bootchain").WithField("which", "RTMR0")
	}
	if bc.RTMR1 != "" && !eventlog.ConstantTimeEqualHex(bc.RTMR1, hex.EncodeToString(verified.RTMR1[:])) {
		return atlserr.New(atlserr.BootchainMismatch, "RTMR1 does not match expected bootchain").WithField("which", "RTMR1")
	}
	if bc.RTMR2 != "" && !eventlog.ConstantTimeEqualHex(bc.RTMR2, hex.EncodeToString(verified.RTMR2[:])) {
		return atlserr.New(atlserr.BootchainMismatch, "RTMR2 does not match expected bootchain").WithField("which", "RTMR2")
	}

	// The envelope-delivered os_image_hash/app_compose digest are only
	// trustworthy if the event log itself measured them — otherwise a peer
	// could declare any value it likes without it ever having been part of
	// the boot chain the quote's RTMRs attest to.
	osPayload, ok := eventlog.FindEventPayload(log, "os-image-hash")
	if !ok {
		return atlserr.New(atlserr.OsImageMismatch, "event log has no os-image-hash entry")
	}
	if !eventlog.ConstantTimeEqualHex(osPayload, osImageHashHex) {
		return atlserr.New(atlserr.OsImageMismatch, "event log os-image-hash entry does not match the delivered OS image hash")
	}

	composePayload, ok := eventlog.FindEventPayload(log, "app-compose")
	if !ok {
		return atlserr.New(atlserr.AppComposeMismatch, "event log has no app-compose entry")
	}
	if !eventlog.ConstantTimeEqualHex(composePayload, appComposeDigestHex) {
		return atlserr.New(atlserr.AppComposeMismatch, "event log app-compose entry does not match the delivered app-compose document")
	}

	if v.expectedOSImageHash != "" && !eventlog.ConstantTimeEqualHex(v.expectedOSImageHash, osImageHashHex) {
		return atlserr.New(atlserr.OsImageMismatch, "reported os_image_hash does not match policy")
	}

	if len(v.expectedAppCompose) > 0 {
		expectedDigestHex, err := eventlog.AppComposeDigestHex(v.expectedAppCompose)
		if err != nil {
			return err
		}
		if !eventlog.ConstantTimeEqualHex(expectedDigestHex, appComposeDigestHex) {
			return atlserr.New(atlserr.AppComposeMismatch, "app-compose digest does not match policy's expected fragment")
		}
	}

	return nil
}
