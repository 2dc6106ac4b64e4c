package tdx

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"encoding/binary"
	"encoding/pem"
	"math/big"
	"sync"
	"time"

	"go.step.sm/crypto/pemutil"

	"github.com/atls-project/atls/atlserr"
)

// VerifiedReport is the outcome of a successful Verify call: the matched
// TCB level's status plus the measurements callers bind into a
// report.Report.
type VerifiedReport struct {
	Status      string
	AdvisoryIDs []string
	TCBDate     string
	MRTD        [MeasurementSize]byte
	RTMR0       [MeasurementSize]byte
	RTMR1       [MeasurementSize]byte
	RTMR2       [MeasurementSize]byte
	RTMR3       [MeasurementSize]byte
	ReportData  [ReportDataSize]byte
}

// sgxExtensionOID is the PKIX extension id carrying Intel's SGX/TDX
// platform attributes (FMSPC, CPUSVN components, PCESVN) on a PCK leaf
// certificate: 1.2.840.113741.1.13.1.
var sgxExtensionOID = asn1.ObjectIdentifier{1, 2, 840, 113741, 1, 13, 1}

// sharedFetcher is the process-wide Fetcher Verify uses when
// Options.Fetcher is nil, so its cache and in-flight deduplication span
// every Verify call.
var sharedFetcher = sync.OnceValues(func() (*Fetcher, error) { return NewFetcher() })

// Options configures Verify.
type Options struct {
	PCCSURL     string
	UseCache    bool
	GracePeriod *time.Duration
	Now         time.Time
	Fetcher     *Fetcher
	// CollateralOverride, if set, is used in place of a PCCS fetch, per
	// spec §4.3's allowance for a peer to deliver already-fetched
	// collateral inline so a verifier behind a restrictive network never
	// needs outbound PCCS access itself.
	CollateralOverride *Collateral
}

// Verify parses raw, fetches matching PCCS collateral, checks the
// quote's ECDSA signature and PCK certificate chain, selects the matching
// TCB level, and applies the grace period policy. It does not compare the
// result against any expected bootchain or report-data binding — that is
// policy/verifier's job, one layer up, so this package stays reusable for
// any caller that just wants "is this quote internally consistent and
// within an acceptable TCB status".
func Verify(ctx context.Context, raw []byte, opts Options) (*Quote, *VerifiedReport, error) {
	quote, err := ParseQuote(raw)
	if err != nil {
		return nil, nil, err
	}

	pckLeaf, pckChain, err := parsePCKChain(quote.PCKCertData)
	if err != nil {
		return nil, nil, err
	}

	if err := verifyQuoteSignature(quote, pckLeaf); err != nil {
		return nil, nil, err
	}

	if err := verifyQEReportBinding(quote, pckLeaf); err != nil {
		return nil, nil, err
	}

	ext, err := extractPCKExtension(pckLeaf)
	if err != nil {
		return nil, nil, err
	}

	collateral := opts.CollateralOverride
	if collateral == nil {
		fetcher := opts.Fetcher
		if fetcher == nil {
			fetcher, err = sharedFetcher()
			if err != nil {
				return nil, nil, err
			}
		}
		collateral, err = fetcher.Fetch(ctx, opts.PCCSURL, ext.FMSPC, quote.TeeType, opts.UseCache)
		if err != nil {
			return nil, nil, err
		}
	}

	if err := verifyPCKChain(pckChain, collateral); err != nil {
		return nil, nil, err
	}

	tcbInfo, err := ParseTCBInfo(collateral.TCBInfo)
	if err != nil {
		return nil, nil, err
	}

	level, err := MatchTCBLevel(tcbInfo, ext, quote.Report.TeeTCBSVN[:])
	if err != nil {
		return nil, nil, err
	}

	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	if err := EnforceGracePeriod(level.TCBStatus, level.TCBDate, opts.GracePeriod, now); err != nil {
		return nil, nil, err
	}

	return quote, &VerifiedReport{
		Status:      level.TCBStatus,
		AdvisoryIDs: level.AdvisoryIDs,
		TCBDate:     level.TCBDate,
		MRTD:        quote.Report.MRTD,
		RTMR0:       quote.Report.RTMR0,
		RTMR1:       quote.Report.RTMR1,
		RTMR2:       quote.Report.RTMR2,
		RTMR3:       quote.Report.RTMR3,
		ReportData:  quote.Report.ReportData,
	}, nil
}

// parsePCKChain decodes the quote's certification data as a PEM chain
// (DCAP cert data type 5, the only form DStack/PCCS ever emits) and
// returns the leaf plus the full chain.
func parsePCKChain(pemChain []byte) (*x509.Certificate, []*x509.Certificate, error) {
	certs, err := pemutil.ParseCertificateBundle(pemChain)
	if err != nil {
		return nil, nil, atlserr.Wrap(atlserr.PCKChainInvalid, err, "parsing PCK certificate chain")
	}
	if len(certs) == 0 {
		return nil, nil, atlserr.New(atlserr.PCKChainInvalid, "PCK certificate chain is empty")
	}
	return certs[0], certs, nil
}

// verifyPCKChain checks that the chain's issuers verify up to Intel's
// published SGX/TDX root CA (pinned in rootca.go), not any self-signed cert
// the chain happens to carry, per spec §4.4's "the PCK root is the one
// fixed trust anchor in the whole pipeline". It then checks the chain
// against the PCCS-delivered CRLs for revocation.
func verifyPCKChain(chain []*x509.Certificate, collateral *Collateral) error {
	if len(chain) < 2 {
		return atlserr.New(atlserr.PCKChainInvalid, "PCK chain has fewer than 2 certificates")
	}

	roots, err := intelRootCAPool()
	if err != nil {
		return err
	}
	intermediates := x509.NewCertPool()
	for _, c := range chain[1:] {
		intermediates.AddCert(c)
	}
	if _, err := chain[0].Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}); err != nil {
		return atlserr.Wrap(atlserr.PCKChainInvalid, err, "verifying PCK certificate chain against Intel's root CA")
	}

	root, err := intelRootCACert()
	if err != nil {
		return err
	}
	issuerPool := append(append([]*x509.Certificate{}, chain...), root)
	return checkRevocations(chain, issuerPool, []string{collateral.PCKCRL, collateral.RootCACRL})
}

// checkRevocations parses each non-empty PCCS-delivered CRL and checks it
// against every certificate in chain, matching dcap-qvl's and the pack's
// own SGX revocation check (see virtengine-virtengine's checkRevocations):
// a CRL only counts if some certificate in issuerPool actually signed it.
func checkRevocations(chain []*x509.Certificate, issuerPool []*x509.Certificate, crlPEMs []string) error {
	for _, raw := range crlPEMs {
		if raw == "" {
			continue
		}
		crl, err := parseRevocationList([]byte(raw))
		if err != nil {
			return atlserr.Wrap(atlserr.CRLInvalid, err, "parsing PCCS-delivered CRL")
		}

		var signedBy *x509.Certificate
		for _, issuer := range issuerPool {
			if crl.CheckSignatureFrom(issuer) == nil {
				signedBy = issuer
				break
			}
		}
		if signedBy == nil {
			return atlserr.New(atlserr.CRLInvalid, "no certificate in the PCK chain signs the delivered CRL")
		}

		for _, cert := range chain {
			for _, revoked := range crl.RevokedCertificateEntries {
				if revoked.SerialNumber.Cmp(cert.SerialNumber) == 0 {
					return atlserr.New(atlserr.CRLInvalid, "certificate %s is revoked", cert.Subject.CommonName).
						WithField("serial", cert.SerialNumber.String())
				}
			}
		}
	}
	return nil
}

// parseRevocationList decodes a CRL delivered either PEM- or DER-encoded,
// since PCCS's own responses are raw DER while some mirrors re-wrap it.
func parseRevocationList(data []byte) (*x509.RevocationList, error) {
	if block, _ := pem.Decode(data); block != nil {
		return x509.ParseRevocationList(block.Bytes)
	}
	return x509.ParseRevocationList(data)
}

// verifyQuoteSignature checks the ECDSA-P256 signature over the quote's
// header+report body using the embedded attestation key (DCAP quotes carry
// the raw EC point, not a PKCS#1/ASN.1 signature encoding), and that the
// PCK leaf's public key is ECDSA. It does not tie the attestation key to
// the PCK leaf; verifyQEReportBinding does that.
func verifyQuoteSignature(q *Quote, pckLeaf *x509.Certificate) error {
	if len(q.AttestKey) != 64 {
		return atlserr.New(atlserr.QuoteSignatureInvalid, "attestation key has unexpected length %d", len(q.AttestKey))
	}
	x := new(big.Int).SetBytes(q.AttestKey[:32])
	y := new(big.Int).SetBytes(q.AttestKey[32:])
	attestKey := &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}

	if _, ok := pckLeaf.PublicKey.(*ecdsa.PublicKey); !ok {
		return atlserr.New(atlserr.QuoteSignatureInvalid, "PCK leaf public key is not ECDSA")
	}

	if len(q.Signature) != 64 {
		return atlserr.New(atlserr.QuoteSignatureInvalid, "quote signature has unexpected length %d", len(q.Signature))
	}
	r := new(big.Int).SetBytes(q.Signature[:32])
	s := new(big.Int).SetBytes(q.Signature[32:])

	signed := reportBodyBytes(q)
	digest := sha256.Sum256(signed)
	if !ecdsa.Verify(attestKey, digest[:], r, s) {
		return atlserr.New(atlserr.QuoteSignatureInvalid, "quote signature does not verify against attestation key")
	}
	return nil
}

// verifyQEReportBinding checks that the PCK leaf certificate actually
// endorses the quote's attestation key, closing the gap verifyQuoteSignature
// leaves open: that function only shows the TD report is signed by
// whatever key sits in AttestKey, which by itself proves nothing about
// provenance. DCAP binds the attestation key to the PCK cert in two steps:
// the Quoting Enclave's own SGX report is signed by the PCK leaf's key, and
// that QE report's REPORT_DATA commits to SHA-256(attestation key || QE
// auth data). Both must hold for AttestKey to be something the PCK
// certificate can be said to vouch for.
func verifyQEReportBinding(q *Quote, pckLeaf *x509.Certificate) error {
	pckPub, ok := pckLeaf.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return atlserr.New(atlserr.QuoteSignatureInvalid, "PCK leaf public key is not ECDSA")
	}
	if len(q.QEReportSignature) != 64 {
		return atlserr.New(atlserr.QuoteSignatureInvalid, "qe report signature has unexpected length %d", len(q.QEReportSignature))
	}
	r := new(big.Int).SetBytes(q.QEReportSignature[:32])
	s := new(big.Int).SetBytes(q.QEReportSignature[32:])

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, q.QEReport); err != nil {
		return atlserr.Wrap(atlserr.QuoteSignatureInvalid, err, "re-encoding QE report")
	}
	digest := sha256.Sum256(buf.Bytes())
	if !ecdsa.Verify(pckPub, digest[:], r, s) {
		return atlserr.New(atlserr.QuoteSignatureInvalid, "QE report signature does not verify against PCK certificate")
	}

	commitment := sha256.Sum256(append(append([]byte{}, q.AttestKey...), q.QEAuthData...))
	if !bytes.Equal(commitment[:32], q.QEReport.ReportData[:32]) {
		return atlserr.New(atlserr.QuoteSignatureInvalid, "QE report does not commit to the quote's attestation key")
	}
	return nil
}

// reportBodyBytes reconstructs the exact byte range the quote's ECDSA
// signature covers: header + TD report body, in their original wire
// encoding. Re-encoding via binary.Write on the parsed struct reproduces
// this byte-for-byte since TDReport has no padding (every field is a byte
// array).
func reportBodyBytes(q *Quote) []byte {
	buf := make([]byte, 0, tdReportV4Len)
	buf = append(buf, q.Report.TeeTCBSVN[:]...)
	buf = append(buf, q.Report.MRSEAM[:]...)
	buf = append(buf, q.Report.MRSIGNERSEAM[:]...)
	buf = append(buf, q.Report.SEAMAttributes[:]...)
	buf = append(buf, q.Report.TDAttributes[:]...)
	buf = append(buf, q.Report.XFAM[:]...)
	buf = append(buf, q.Report.MRTD[:]...)
	buf = append(buf, q.Report.MRConfigID[:]...)
	buf = append(buf, q.Report.MROwner[:]...)
	buf = append(buf, q.Report.MROwnerConfig[:]...)
	buf = append(buf, q.Report.RTMR0[:]...)
	buf = append(buf, q.Report.RTMR1[:]...)
	buf = append(buf, q.Report.RTMR2[:]...)
	buf = append(buf, q.Report.RTMR3[:]...)
	buf = append(buf, q.Report.ReportData[:]...)
	return buf
}

// extractPCKExtension walks the PCK leaf's raw extension list for Intel's
// SGX/TDX platform-attributes extension and decodes the three fields this
// package needs out of its ASN.1 SEQUENCE.
func extractPCKExtension(leaf *x509.Certificate) (PCKExtension, error) {
	var raw []byte
	for _, ext := range leaf.Extensions {
		if ext.Id.Equal(sgxExtensionOID) {
			raw = ext.Value
			break
		}
	}
	if raw == nil {
		return PCKExtension{}, atlserr.New(atlserr.TCBInfoError, "PCK leaf has no SGX platform-attributes extension")
	}

	var seq []asn1.RawValue
	if _, err := asn1.Unmarshal(raw, &seq); err != nil {
		return PCKExtension{}, atlserr.Wrap(atlserr.TCBInfoError, err, "decoding SGX extension sequence")
	}

	var ext PCKExtension
	for _, item := range seq {
		var pair struct {
			OID   asn1.ObjectIdentifier
			Value asn1.RawValue
		}
		if _, err := asn1.Unmarshal(item.FullBytes, &pair); err != nil {
			continue
		}
		switch {
		case pair.OID.Equal(append(sgxExtensionOID, 4)): // fmspc
			ext.FMSPC = pair.Value.Bytes
		case pair.OID.Equal(append(sgxExtensionOID, 17)): // pcesvn
			var pcesvn int
			asn1.Unmarshal(pair.Value.FullBytes, &pcesvn)
			ext.PCESVN = uint16(pcesvn)
		case pair.OID.Equal(append(sgxExtensionOID, 2)): // tcb/cpusvn component sequence
			var cpusvn []int
			if _, err := asn1.Unmarshal(pair.Value.FullBytes, &cpusvn); err == nil {
				ext.CPUSVN = make([]byte, len(cpusvn))
				for i, v := range cpusvn {
					ext.CPUSVN[i] = byte(v)
				}
			}
		}
	}
	if len(ext.FMSPC) != 6 {
		return PCKExtension{}, atlserr.New(atlserr.TCBInfoError, "PCK extension fmspc is %d bytes, want 6", len(ext.FMSPC))
	}
	return ext, nil
}
