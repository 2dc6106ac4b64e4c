// Package eventlog parses and replays the DStack TEE event log into the
// four IMR accumulators that callers compare against a quote's runtime
// measurement registers (RTMR0-3), per spec §4.6.
package eventlog

import (
	"bytes"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/atls-project/atls/atlserr"
)

// DigestSize is the width of one RTMR/MRTD accumulator (SHA-384 output).
const DigestSize = 48

// Entry is one record in the DStack event log, as delivered over the
// sub-protocol (package subprotocol) alongside the quote.
type Entry struct {
	IMR          int    `json:"imr"`
	EventType    uint32 `json:"event_type"`
	Digest       string `json:"digest"`        // hex, DigestSize bytes
	Event        string `json:"event"`
	EventPayload string `json:"event_payload"` // hex
}

// Log is the ordered sequence of event log entries for one attestation.
type Log []Entry

// Parse decodes a JSON array of event log entries, exactly the shape
// delivered in the §4.3 sub-protocol envelope.
func Parse(data []byte) (Log, error) {
	var entries Log
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&entries); err != nil {
		return nil, atlserr.Wrap(atlserr.EventLogMalformed, err, "decoding event log JSON")
	}
	for i, e := range entries {
		if e.IMR < 0 || e.IMR > 3 {
			return nil, atlserr.New(atlserr.EventLogMalformed, "entry %d: imr %d out of range 0..3", i, e.IMR)
		}
		if _, err := decodeDigest(e.Digest); err != nil {
			return nil, atlserr.Wrap(atlserr.EventLogMalformed, err, "entry %d: invalid digest", i)
		}
	}
	return entries, nil
}

func decodeDigest(h string) ([DigestSize]byte, error) {
	var out [DigestSize]byte
	b, err := hex.DecodeString(h)
	if err != nil {
		return out, err
	}
	if len(b) != DigestSize {
		return out, fmt.Errorf("digest is %d bytes, want %d", len(b), DigestSize)
	}
	copy(out[:], b)
	return out, nil
}

// ReplayedState holds the running digest for each of the four IMRs after
// replaying a Log. MRTD is not replayed from the event log and is not part
// of this state.
type ReplayedState struct {
	IMR [4][DigestSize]byte
}

// Replay reproduces imr_state[imr] = SHA-384(imr_state[imr] || entry.digest)
// for each of the four IMRs, starting from 48 zero bytes, in log order.
func Replay(log Log) (ReplayedState, error) {
	var state ReplayedState
	for i, e := range log {
		digest, err := decodeDigest(e.Digest)
		if err != nil {
			return state, atlserr.Wrap(atlserr.EventLogMalformed, err, "entry %d: invalid digest", i)
		}
		h := sha512.New384()
		h.Write(state.IMR[e.IMR][:])
		h.Write(digest[:])
		copy(state.IMR[e.IMR][:], h.Sum(nil))
	}
	return state, nil
}

// FindEventPayload returns the hex event_payload of the first entry whose
// Event field equals name, and whether it was found.
func FindEventPayload(log Log, name string) (string, bool) {
	for _, e := range log {
		if e.Event == name {
			return e.EventPayload, true
		}
	}
	return "", false
}

// ConstantTimeEqualHex compares two hex-encoded digests case-insensitively
// but in constant time over their decoded bytes, per spec §4.6's "all
// digest comparisons are constant-time".
func ConstantTimeEqualHex(a, b string) bool {
	da, errA := hex.DecodeString(a)
	db, errB := hex.DecodeString(b)
	if errA != nil || errB != nil {
		return false
	}
	if len(da) != len(db) {
		return false
	}
	return subtle.ConstantTimeCompare(da, db) == 1
}
