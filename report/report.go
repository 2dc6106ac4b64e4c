// Package report defines the final, caller-facing attestation result
// returned by a successful atls.Connect call.
package report

// TeeType identifies the TEE family that produced a Report. The verifier
// abstraction (package verifier) admits other families; today only TDX is
// implemented.
type TeeType string

const (
	TeeTDX TeeType = "tdx"
)

// Report is a tagged union over TEE families, mirroring the Policy tagged
// union in package policy. Kind tells the caller which of the type-specific
// fields is populated; today that is always TeeTDX / TDX.
type Report struct {
	Kind TeeType
	TDX  *TDX
}

// TDX is the verification result for a DStack/Intel TDX peer.
type TDX struct {
	// Status is the winning TCB status string, e.g. "UpToDate".
	Status string
	// AdvisoryIDs lists the INTEL-SA advisories attached to the winning
	// TCB level, if any.
	AdvisoryIDs []string
	// TCBDate is the RFC 3339 tcb_date of the winning TCB level.
	TCBDate string
	// Measurement is the hex-encoded MRTD (firmware measurement).
	Measurement string
	// RTMRApp is the hex-encoded RTMR3 (runtime/app-event measurement).
	RTMRApp string
	// OSImageHash is the hex-encoded SHA-256 of the OS image, as recorded
	// in the event log and cross-checked against policy.
	OSImageHash string
	// AppComposeDigest is the hex-encoded SHA-256 of the app-compose
	// document, as recorded in the event log and cross-checked against
	// the document delivered over the sub-protocol.
	AppComposeDigest string
}

// Trusted reports whether verification completed successfully. A Report is
// only ever constructed by a successful verifier.Verify call, so this is
// always true for a Report a caller holds; it exists for the binding
// package's host-language surface, which represents "not yet attested" and
// "attested" in the same wire shape.
func (r Report) Trusted() bool {
	return r.Kind != "" && r.TDX != nil
}
