// Package tdx implements parsing and verification of Intel TDX DCAP quotes
// and their PCCS collateral, per spec §4.3-§4.5. No library in the
// retrieval pack parses the DCAP quote binary format, so this package
// hand-rolls it with encoding/binary over the documented Intel layout —
// the one deliberate stdlib-only corner of this module.
package tdx

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/atls-project/atls/atlserr"
)

// MeasurementSize is the width of MRTD and each RTMR register (SHA-384).
const MeasurementSize = 48

// ReportDataSize is the width of the TD report's REPORT_DATA field.
const ReportDataSize = 64

// TDReport is the body of a TD report as carried inside a DCAP quote,
// decoded from the TD1.0 report body layout (584 bytes).
type TDReport struct {
	TeeTCBSVN      [16]byte
	MRSEAM         [48]byte
	MRSIGNERSEAM   [48]byte
	SEAMAttributes [8]byte
	TDAttributes   [8]byte
	XFAM           [8]byte
	MRTD           [MeasurementSize]byte
	MRConfigID     [48]byte
	MROwner        [48]byte
	MROwnerConfig  [48]byte
	RTMR0          [MeasurementSize]byte
	RTMR1          [MeasurementSize]byte
	RTMR2          [MeasurementSize]byte
	RTMR3          [MeasurementSize]byte
	ReportData     [ReportDataSize]byte
}

// QEReportBody is the SGX enclave report body Intel's Quoting Enclave
// produces for itself and embeds in the quote's auth data. Its REPORT_DATA
// field is what binds the quote's attestation key to the PCK certificate:
// see verifyQEReportBinding in verify.go.
type QEReportBody struct {
	CPUSVN     [16]byte
	MiscSelect [4]byte
	Reserved1  [28]byte
	Attributes [16]byte
	MREnclave  [32]byte
	Reserved2  [32]byte
	MRSigner   [32]byte
	Reserved3  [96]byte
	ISVProdID  [2]byte
	ISVSVN     [2]byte
	Reserved4  [60]byte
	ReportData [64]byte
}

// Quote is a parsed DCAP quote: the TD report body plus the signature and
// certification data needed to verify it against PCCS collateral.
type Quote struct {
	Version     uint16
	TeeType     uint32
	Report      TDReport
	Signature   []byte // ECDSA-P256 signature over the quote header+body
	AttestKey   []byte // attestation public key (uncompressed EC point)

	// QEReport, QEReportSignature and QEAuthData together bind AttestKey
	// to the PCK certificate: QEReportSignature is the PCK leaf's ECDSA
	// signature over QEReport, and QEReport.ReportData commits to
	// SHA-256(AttestKey || QEAuthData).
	QEReport          QEReportBody
	QEReportSignature []byte // 64 bytes
	QEAuthData        []byte

	CertDataTy  uint16
	PCKCertData []byte // PEM cert chain (cert data type 5) or raw QE cert data
}

const (
	headerLen         = 48
	tdReportV4Len     = 584
	qeReportLen       = 384
	quoteHeaderTeeTDX = 0x00000081
)

// ParseQuote decodes a raw DCAP quote (v4/v5, TD1.0 report body) as
// produced by a DStack guest agent's get_quote RPC.
func ParseQuote(raw []byte) (*Quote, error) {
	if len(raw) < headerLen+tdReportV4Len {
		return nil, atlserr.New(atlserr.QuoteParse, "quote too short: %d bytes", len(raw))
	}
	r := bytes.NewReader(raw)

	var version uint16
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, atlserr.Wrap(atlserr.QuoteParse, err, "reading quote version")
	}
	var attKeyType uint16
	if err := binary.Read(r, binary.LittleEndian, &attKeyType); err != nil {
		return nil, atlserr.Wrap(atlserr.QuoteParse, err, "reading attestation key type")
	}
	var teeType uint32
	if err := binary.Read(r, binary.LittleEndian, &teeType); err != nil {
		return nil, atlserr.Wrap(atlserr.QuoteParse, err, "reading tee type")
	}
	if teeType != quoteHeaderTeeTDX {
		return nil, atlserr.New(atlserr.QuoteParse, "unsupported tee type 0x%x, want TDX", teeType)
	}
	if version != 4 && version != 5 {
		return nil, atlserr.New(atlserr.QuoteParse, "unsupported quote version %d", version)
	}
	// skip remaining header fields (reserved, qe_vendor_id, user_data) up
	// to the fixed 48-byte header boundary.
	if _, err := r.Seek(headerLen, 0); err != nil {
		return nil, atlserr.Wrap(atlserr.QuoteParse, err, "seeking past quote header")
	}

	var report TDReport
	if err := binary.Read(r, binary.LittleEndian, &report); err != nil {
		return nil, atlserr.Wrap(atlserr.QuoteParse, err, "reading TD report body")
	}

	var sigDataLen uint32
	if err := binary.Read(r, binary.LittleEndian, &sigDataLen); err != nil {
		return nil, atlserr.Wrap(atlserr.QuoteParse, err, "reading signature data length")
	}
	sigData := make([]byte, sigDataLen)
	if _, err := readFull(r, sigData); err != nil {
		return nil, atlserr.Wrap(atlserr.QuoteParse, err, "reading signature data")
	}

	q := &Quote{Version: version, TeeType: teeType, Report: report}
	if err := q.parseSignatureData(sigData); err != nil {
		return nil, err
	}
	return q, nil
}

// parseSignatureData decodes the ECDSA 256-bit quote signature auth data:
// a 64-byte quote signature, 64-byte attestation public key, the Quoting
// Enclave's own 384-byte SGX report plus its 64-byte PCK signature and
// authentication data, then nested certification data whose type (5 == PEM
// cert chain) this package requires, matching how DStack/PCCS always
// populate it.
func (q *Quote) parseSignatureData(data []byte) error {
	if len(data) < 64+64+qeReportLen+64+2 {
		return atlserr.New(atlserr.QuoteParse, "signature data too short: %d bytes", len(data))
	}
	r := bytes.NewReader(data)
	q.Signature = make([]byte, 64)
	if _, err := readFull(r, q.Signature); err != nil {
		return atlserr.Wrap(atlserr.QuoteParse, err, "reading quote signature")
	}
	q.AttestKey = make([]byte, 64)
	if _, err := readFull(r, q.AttestKey); err != nil {
		return atlserr.Wrap(atlserr.QuoteParse, err, "reading attestation key")
	}
	if err := binary.Read(r, binary.LittleEndian, &q.QEReport); err != nil {
		return atlserr.Wrap(atlserr.QuoteParse, err, "reading QE report")
	}
	q.QEReportSignature = make([]byte, 64)
	if _, err := readFull(r, q.QEReportSignature); err != nil {
		return atlserr.Wrap(atlserr.QuoteParse, err, "reading QE report signature")
	}
	var qeAuthDataLen uint16
	if err := binary.Read(r, binary.LittleEndian, &qeAuthDataLen); err != nil {
		return atlserr.Wrap(atlserr.QuoteParse, err, "reading QE auth data length")
	}
	q.QEAuthData = make([]byte, qeAuthDataLen)
	if _, err := readFull(r, q.QEAuthData); err != nil {
		return atlserr.Wrap(atlserr.QuoteParse, err, "reading QE auth data")
	}
	if err := binary.Read(r, binary.LittleEndian, &q.CertDataTy); err != nil {
		return atlserr.Wrap(atlserr.QuoteParse, err, "reading cert data type")
	}
	var certDataLen uint32
	if err := binary.Read(r, binary.LittleEndian, &certDataLen); err != nil {
		return atlserr.Wrap(atlserr.QuoteParse, err, "reading cert data length")
	}
	q.PCKCertData = make([]byte, certDataLen)
	if _, err := readFull(r, q.PCKCertData); err != nil {
		return atlserr.Wrap(atlserr.QuoteParse, err, "reading cert data")
	}
	return nil
}

func readFull(r *bytes.Reader, buf []byte) (int, error) {
	n, err := r.Read(buf)
	if err != nil {
		return n, err
	}
	if n != len(buf) {
		return n, fmt.Errorf("short read: got %d want %d", n, len(buf))
	}
	return n, nil
}
