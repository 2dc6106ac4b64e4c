package verifier

import (
	"crypto/sha512"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atls-project/atls/atlserr"
	"github.com/atls-project/atls/eventlog"
	"github.com/atls-project/atls/tdx"
)

func digestHexFor(b byte) string {
	d := make([]byte, eventlog.DigestSize)
	d[0] = b
	return hex.EncodeToString(d)
}

func TestBuild_RequiresAllowedTCBStatus(t *testing.T) {
	_, err := NewDstackTDXVerifierBuilder().DisableRuntimeVerification(true).Build()
	require.Error(t, err)
	kind, _ := atlserr.KindOf(err)
	assert.Equal(t, atlserr.Configuration, kind)
}

func TestBuild_RequiresRuntimeExpectationUnlessDisabled(t *testing.T) {
	_, err := NewDstackTDXVerifierBuilder().AllowedTCBStatus([]string{"UpToDate"}).Build()
	require.Error(t, err)
	kind, _ := atlserr.KindOf(err)
	assert.Equal(t, atlserr.Configuration, kind)
}

func TestBuild_SucceedsWithExplicitBootchain(t *testing.T) {
	v, err := NewDstackTDXVerifierBuilder().
		AllowedTCBStatus([]string{"UpToDate"}).
		ExpectedBootchain(ExpectedBootchain{MRTD: "aa"}).
		Build()
	require.NoError(t, err)
	assert.NotNil(t, v)
}

func TestBuild_SucceedsWhenRuntimeVerificationDisabled(t *testing.T) {
	v, err := NewDstackTDXVerifierBuilder().
		AllowedTCBStatus([]string{"UpToDate", "SWHardeningNeeded", "OutOfDate"}).
		DisableRuntimeVerification(true).
		Build()
	require.NoError(t, err)
	assert.NotNil(t, v)
}

// S6: a quote whose report_data is all-zero while the cert+EKM hash is
// non-zero must fail with ReportDataMismatch.
func TestCheckReportDataBinding_MismatchDetected(t *testing.T) {
	v := &DstackTDXVerifier{}
	var verified tdx.VerifiedReport // ReportData left as the zero value

	err := v.checkReportDataBinding([]byte("some-cert-der"), []byte("some-ekm"), &verified)
	require.Error(t, err)
	kind, _ := atlserr.KindOf(err)
	assert.Equal(t, atlserr.ReportDataMismatch, kind)
}

func TestCheckReportDataBinding_MatchSucceeds(t *testing.T) {
	cert := []byte("cert-der-bytes")
	ekm := []byte("session-ekm-bytes")

	h := sha512.New()
	h.Write([]byte(ReportDataPrefix))
	h.Write(cert)
	h.Write(ekm)
	var verified tdx.VerifiedReport
	copy(verified.ReportData[:], h.Sum(nil))

	v := &DstackTDXVerifier{}
	err := v.checkReportDataBinding(cert, ekm, &verified)
	assert.NoError(t, err)
}

// S7: the event log replays to an RTMR that disagrees with what the quote
// reports; checkRuntimeBindings must reject it rather than trust the quote.
func TestCheckRuntimeBindings_RejectsRTMRMismatch(t *testing.T) {
	log := eventlog.Log{
		{IMR: 0, Digest: digestHexFor(0x01), Event: "boot"},
	}
	state, err := eventlog.Replay(log)
	require.NoError(t, err)

	var verified tdx.VerifiedReport
	// Deliberately report an RTMR0 that does not match the replayed state.
	verified.RTMR0[0] = 0xFF
	verified.RTMR1 = state.IMR[1]
	verified.RTMR2 = state.IMR[2]
	verified.RTMR3 = state.IMR[3]

	v := &DstackTDXVerifier{}
	err = v.checkRuntimeBindings(log, &verified, "", "")
	require.Error(t, err)
	kind, _ := atlserr.KindOf(err)
	assert.Equal(t, atlserr.BootchainMismatch, kind)
}

func TestCheckRuntimeBindings_AcceptsMatchingReplay(t *testing.T) {
	log := eventlog.Log{
		{IMR: 0, Digest: digestHexFor(0x01), Event: "boot"},
		{IMR: 3, Digest: digestHexFor(0x02), Event: "app-compose"},
		{IMR: 3, Digest: digestHexFor(0x03), Event: "os-image-hash"},
	}
	state, err := eventlog.Replay(log)
	require.NoError(t, err)

	var verified tdx.VerifiedReport
	verified.RTMR0 = state.IMR[0]
	verified.RTMR1 = state.IMR[1]
	verified.RTMR2 = state.IMR[2]
	verified.RTMR3 = state.IMR[3]

	v := &DstackTDXVerifier{}
	err = v.checkRuntimeBindings(log, &verified, "", "")
	assert.NoError(t, err)
}

func TestCheckRuntimeBindings_RejectsBootchainMismatch(t *testing.T) {
	log := eventlog.Log{
		{IMR: 0, Digest: digestHexFor(0x01), Event: "boot"},
	}
	state, err := eventlog.Replay(log)
	require.NoError(t, err)

	var verified tdx.VerifiedReport
	verified.RTMR0 = state.IMR[0]
	verified.RTMR1 = state.IMR[1]
	verified.RTMR2 = state.IMR[2]
	verified.RTMR3 = state.IMR[3]

	v := &DstackTDXVerifier{
		expectedBootchain: ExpectedBootchain{MRTD: digestHexFor(0x99)},
	}
	err = v.checkRuntimeBindings(log, &verified, "", "")
	require.Error(t, err)
	kind, _ := atlserr.KindOf(err)
	assert.Equal(t, atlserr.BootchainMismatch, kind)
}

// S8: the quote's RTMRs agree with the replayed log (no expected bootchain
// is configured), but the log has no os-image-hash entry at all — the
// envelope's delivered os_image_hash must not be trusted on its own.
func TestCheckRuntimeBindings_RejectsMissingOSImageHashEntry(t *testing.T) {
	log := eventlog.Log{
		{IMR: 0, Digest: digestHexFor(0x01), Event: "boot"},
		{IMR: 3, Digest: digestHexFor(0x02), Event: "app-compose"},
	}
	state, err := eventlog.Replay(log)
	require.NoError(t, err)

	var verified tdx.VerifiedReport
	verified.RTMR0 = state.IMR[0]
	verified.RTMR1 = state.IMR[1]
	verified.RTMR2 = state.IMR[2]
	verified.RTMR3 = state.IMR[3]

	v := &DstackTDXVerifier{}
	err = v.checkRuntimeBindings(log, &verified, "", "")
	require.Error(t, err)
	kind, _ := atlserr.KindOf(err)
	assert.Equal(t, atlserr.OsImageMismatch, kind)
}

// The event log carries an os-image-hash entry, but its payload disagrees
// with what the envelope delivered out-of-band: the peer measured one
// value into the boot chain and then claimed a different one.
func TestCheckRuntimeBindings_RejectsOSImageHashPayloadMismatch(t *testing.T) {
	log := eventlog.Log{
		{IMR: 0, Digest: digestHexFor(0x01), Event: "boot"},
		{IMR: 3, Digest: digestHexFor(0x02), Event: "app-compose"},
		{IMR: 3, Digest: digestHexFor(0x03), Event: "os-image-hash", EventPayload: "aa"},
	}
	state, err := eventlog.Replay(log)
	require.NoError(t, err)

	var verified tdx.VerifiedReport
	verified.RTMR0 = state.IMR[0]
	verified.RTMR1 = state.IMR[1]
	verified.RTMR2 = state.IMR[2]
	verified.RTMR3 = state.IMR[3]

	v := &DstackTDXVerifier{}
	err = v.checkRuntimeBindings(log, &verified, "", "bb")
	require.Error(t, err)
	kind, _ := atlserr.KindOf(err)
	assert.Equal(t, atlserr.OsImageMismatch, kind)
}

func TestGracePeriodBuilderOption(t *testing.T) {
	d := 30 * time.Second
	v, err := NewDstackTDXVerifierBuilder().
		AllowedTCBStatus([]string{"UpToDate"}).
		DisableRuntimeVerification(true).
		GracePeriod(&d).
		Build()
	require.NoError(t, err)
	concrete, ok := v.(*DstackTDXVerifier)
	require.True(t, ok)
	assert.Equal(t, &d, concrete.gracePeriod)
}
