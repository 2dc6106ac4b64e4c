// Package subprotocol implements the frozen post-handshake attestation
// envelope: a length-prefixed JSON message carrying the quote and
// supporting material the verifier needs, sent once by the attested peer
// immediately after the TLS handshake completes, per spec §4.3 and
// SPEC_FULL.md's choice of wire format.
package subprotocol

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"io"

	"github.com/atls-project/atls/atlserr"
	"github.com/atls-project/atls/eventlog"
)

// MaxEnvelopeSize is the largest accepted envelope, guarding a reader
// against a peer that claims an unbounded length prefix.
const MaxEnvelopeSize = 16 << 20

// Envelope is the post-handshake message the attested peer sends: its
// quote, the event log needed to replay RTMR/MRTD, the app-compose
// fragment it booted with, the OS image hash it reports, and optionally
// the PCCS collateral it already fetched (so a verifier behind a
// restrictive network doesn't need outbound PCCS access itself).
type Envelope struct {
	QuoteB64     string            `json:"quote_b64"`
	EventLog     eventlog.Log      `json:"event_log"`
	AppCompose   json.RawMessage   `json:"app_compose"`
	OSImageHash  string            `json:"os_image_hash"` // hex, 32 bytes
	Collateral   *CollateralFields `json:"collateral,omitempty"`
}

// CollateralFields carries pre-fetched PCCS collateral inline in the
// envelope, mirroring tdx.Collateral's fields in their wire form.
type CollateralFields struct {
	PCKCRLIssuerChain  string `json:"pck_crl_issuer_chain"`
	RootCACRL          string `json:"root_ca_crl"`
	PCKCRL             string `json:"pck_crl"`
	TCBInfoIssuerChain string `json:"tcb_info_issuer_chain"`
	TCBInfo            string `json:"tcb_info"`
	QEIdentityIssuer   string `json:"qe_identity_issuer"`
	QEIdentity         string `json:"qe_identity"`
}

// QuoteBytes decodes the envelope's base64 quote field.
func (e *Envelope) QuoteBytes() ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(e.QuoteB64)
	if err != nil {
		return nil, atlserr.Wrap(atlserr.SubprotocolIO, err, "decoding quote_b64")
	}
	return raw, nil
}

// OSImageHashBytes decodes the envelope's hex os_image_hash field.
func (e *Envelope) OSImageHashBytes() ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(e.OSImageHash)
	if err != nil {
		return out, atlserr.Wrap(atlserr.SubprotocolIO, err, "decoding os_image_hash")
	}
	if len(b) != 32 {
		return out, atlserr.New(atlserr.SubprotocolIO, "os_image_hash is %d bytes, want 32", len(b))
	}
	copy(out[:], b)
	return out, nil
}

// WriteTo encodes env as a 4-byte big-endian length prefix followed by
// its JSON encoding, and writes both to w.
func WriteTo(w io.Writer, env *Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return atlserr.Wrap(atlserr.SubprotocolIO, err, "encoding envelope")
	}
	if len(body) > MaxEnvelopeSize {
		return atlserr.New(atlserr.SubprotocolIO, "envelope body is %d bytes, exceeds max %d", len(body), MaxEnvelopeSize)
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(body)))
	if _, err := w.Write(prefix[:]); err != nil {
		return atlserr.Wrap(atlserr.SubprotocolIO, err, "writing envelope length prefix")
	}
	if _, err := w.Write(body); err != nil {
		return atlserr.Wrap(atlserr.SubprotocolIO, err, "writing envelope body")
	}
	return nil
}

// ReadFrom reads one length-prefixed JSON envelope from r, rejecting a
// declared length over MaxEnvelopeSize before allocating a buffer for it.
func ReadFrom(r io.Reader) (*Envelope, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, atlserr.Wrap(atlserr.SubprotocolIO, err, "reading envelope length prefix")
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > MaxEnvelopeSize {
		return nil, atlserr.New(atlserr.SubprotocolIO, "envelope declares %d bytes, exceeds max %d", n, MaxEnvelopeSize)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, atlserr.Wrap(atlserr.SubprotocolIO, err, "reading envelope body")
	}
	var env Envelope
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&env); err != nil {
		return nil, atlserr.Wrap(atlserr.SubprotocolIO, err, "decoding envelope JSON")
	}
	if env.QuoteB64 == "" {
		return nil, atlserr.New(atlserr.SubprotocolIO, "envelope is missing quote_b64")
	}
	return &env, nil
}

