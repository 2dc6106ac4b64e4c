package tdx

import (
	"bytes"
	"encoding/hex"
	"encoding/json"

	"github.com/atls-project/atls/atlserr"
)

// TCBInfo is the PCCS tcb_info document for one FMSPC, after unwrapping
// the {"tcbInfo": ..., "signature": ...} envelope PCCS serves it in.
type TCBInfo struct {
	ID        string     `json:"id"`
	Version   int        `json:"version"`
	FMSPC     string     `json:"fmspc"`
	TCBLevels []TCBLevel `json:"tcbLevels"`
	Signature string     `json:"-"`
}

// TCBLevel is one entry in a TCBInfo's tcbLevels list.
type TCBLevel struct {
	TCB              TCBComponents `json:"tcb"`
	TCBDate          string        `json:"tcbDate"`
	TCBStatus        string        `json:"tcbStatus"`
	AdvisoryIDs      []string      `json:"advisoryIDs"`
}

// TCBComponents is the tcb object inside one TCBLevel.
type TCBComponents struct {
	SGXComponents []TCBComponent `json:"sgxtcbcomponents"`
	TDXComponents []TCBComponent `json:"tdxtcbcomponents"`
	PCESVN        uint16         `json:"pcesvn"`
}

// TCBComponent is one SVN entry in a TCBComponents list.
type TCBComponent struct {
	SVN uint8 `json:"svn"`
}

// ParseTCBInfo unwraps and decodes a raw PCCS tcb_info response.
func ParseTCBInfo(raw string) (*TCBInfo, error) {
	var envelope struct {
		TCBInfo   json.RawMessage `json:"tcbInfo"`
		Signature string          `json:"signature"`
	}
	if err := json.Unmarshal([]byte(raw), &envelope); err != nil {
		return nil, atlserr.Wrap(atlserr.TCBInfoError, err, "unwrapping tcb_info envelope")
	}
	if len(envelope.TCBInfo) == 0 {
		return nil, atlserr.New(atlserr.TCBInfoError, "tcb_info envelope has no tcbInfo field")
	}
	var info TCBInfo
	if err := json.Unmarshal(envelope.TCBInfo, &info); err != nil {
		return nil, atlserr.Wrap(atlserr.TCBInfoError, err, "decoding tcb_info body")
	}
	info.Signature = envelope.Signature
	return &info, nil
}

// PCKExtension is the subset of the PCK certificate's SGX extension this
// package needs to select a TCB level: the platform CPUSVN, PCE SVN, and
// FMSPC. In a full PCK certificate these live in OID 1.2.840.113741.1.13.1
// sub-fields; extracting them requires walking the certificate's ASN.1
// extension, which this package does when it parses the PCK leaf (see
// extractPCKExtension in verify.go).
type PCKExtension struct {
	CPUSVN []byte
	PCESVN uint16
	FMSPC  []byte
}

// MatchTCBLevel walks info.TCBLevels in order (PCCS lists them from newest
// to oldest) and returns the first level whose component SVNs are all
// dominated by the platform's SVNs, per Intel's TCB recovery algorithm.
// teeTCBSVN is the TD report's TEE_TCB_SVN field, compared against each
// level's tdxtcbcomponents; pass nil for an SGX (non-TDX) quote.
func MatchTCBLevel(info *TCBInfo, ext PCKExtension, teeTCBSVN []byte) (*TCBLevel, error) {
	isTDXQuote := teeTCBSVN != nil
	tcbFMSPC, err := hex.DecodeString(info.FMSPC)
	if err != nil {
		return nil, atlserr.Wrap(atlserr.TCBInfoError, err, "decoding tcb_info fmspc")
	}
	if !bytes.Equal(ext.FMSPC, tcbFMSPC) {
		return nil, atlserr.New(atlserr.TCBInfoError, "fmspc mismatch: quote has %x, tcb_info has %x", ext.FMSPC, tcbFMSPC)
	}

	if isTDXQuote {
		if info.Version < 3 || info.ID != "TDX" {
			return nil, atlserr.New(atlserr.TCBInfoError, "TDX quote with non-TDX tcb_info (id=%s version=%d)", info.ID, info.Version)
		}
	} else if info.Version < 2 || info.ID != "SGX" {
		return nil, atlserr.New(atlserr.TCBInfoError, "SGX quote with non-SGX tcb_info (id=%s version=%d)", info.ID, info.Version)
	}

	for i := range info.TCBLevels {
		level := &info.TCBLevels[i]
		if ext.PCESVN < level.TCB.PCESVN {
			continue
		}
		sgxSVNs := componentSVNs(level.TCB.SGXComponents)
		if len(sgxSVNs) == 0 {
			return nil, atlserr.New(atlserr.TCBInfoError, "tcb level has no sgx components")
		}
		if !dominates(ext.CPUSVN, sgxSVNs) {
			continue
		}
		if isTDXQuote {
			tdxSVNs := componentSVNs(level.TCB.TDXComponents)
			if len(tdxSVNs) == 0 {
				return nil, atlserr.New(atlserr.TCBInfoError, "tcb level has no tdx components")
			}
			if !dominates(teeTCBSVN, tdxSVNs) {
				continue
			}
		}
		return level, nil
	}
	return nil, atlserr.New(atlserr.TCBInfoError, "no matching tcb level for platform")
}

// dominates reports whether every element of platform is >= the
// corresponding element of required — Intel's TCB recovery comparison.
func dominates(platform []byte, required []uint8) bool {
	if len(platform) < len(required) {
		return false
	}
	for i, want := range required {
		if platform[i] < want {
			return false
		}
	}
	return true
}

func componentSVNs(components []TCBComponent) []uint8 {
	out := make([]uint8, len(components))
	for i, c := range components {
		out[i] = c.SVN
	}
	return out
}
