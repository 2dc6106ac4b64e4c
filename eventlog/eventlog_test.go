package eventlog

import (
	"crypto/sha512"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func digestHex(prev [DigestSize]byte, data []byte) string {
	h := sha512.New384()
	h.Write(prev[:])
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

func TestReplay_SingleIMRChain(t *testing.T) {
	var zero [DigestSize]byte
	first := digestHex(zero, []byte("event-one"))

	firstBytes, err := hex.DecodeString(first)
	require.NoError(t, err)
	var firstState [DigestSize]byte
	copy(firstState[:], firstBytes)
	second := digestHex(firstState, []byte("event-two"))

	log := Log{
		{IMR: 0, Digest: first, Event: "one"},
		{IMR: 0, Digest: second, Event: "two"},
	}

	// IMR0 = SHA-384(SHA-384(zero || first) || second).
	afterFirstBytes, err := hex.DecodeString(digestHex(zero, firstBytes))
	require.NoError(t, err)
	var afterFirst [DigestSize]byte
	copy(afterFirst[:], afterFirstBytes)
	secondBytes, err := hex.DecodeString(second)
	require.NoError(t, err)
	want := digestHex(afterFirst, secondBytes)

	state, err := Replay(log)
	require.NoError(t, err)
	assert.Equal(t, want, hex.EncodeToString(state.IMR[0][:]))
	// untouched IMRs remain the all-zero seed.
	assert.Equal(t, hex.EncodeToString(zero[:]), hex.EncodeToString(state.IMR[1][:]))
}

func TestReplay_IndependentIMRs(t *testing.T) {
	var zero [DigestSize]byte
	d0 := digestHex(zero, []byte("imr0"))
	d3 := digestHex(zero, []byte("imr3"))

	log := Log{
		{IMR: 0, Digest: d0},
		{IMR: 3, Digest: d3},
	}
	d0Bytes, err := hex.DecodeString(d0)
	require.NoError(t, err)
	d3Bytes, err := hex.DecodeString(d3)
	require.NoError(t, err)

	state, err := Replay(log)
	require.NoError(t, err)
	assert.Equal(t, digestHex(zero, d0Bytes), hex.EncodeToString(state.IMR[0][:]))
	assert.Equal(t, digestHex(zero, d3Bytes), hex.EncodeToString(state.IMR[3][:]))
	assert.NotEqual(t, state.IMR[0], state.IMR[3])
}

func TestReplay_RejectsMalformedDigest(t *testing.T) {
	log := Log{{IMR: 0, Digest: "not-hex"}}
	_, err := Replay(log)
	assert.Error(t, err)
}

func TestParse_RejectsOutOfRangeIMR(t *testing.T) {
	_, err := Parse([]byte(`[{"imr":4,"event_type":1,"digest":"` + hex.EncodeToString(make([]byte, DigestSize)) + `","event":"x","event_payload":""}]`))
	assert.Error(t, err)
}

func TestParse_AcceptsWellFormedEntries(t *testing.T) {
	digest := hex.EncodeToString(make([]byte, DigestSize))
	raw := []byte(`[{"imr":0,"event_type":1,"digest":"` + digest + `","event":"rootfs-hash","event_payload":"deadbeef"}]`)
	log, err := Parse(raw)
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.Equal(t, "rootfs-hash", log[0].Event)
}

func TestFindEventPayload(t *testing.T) {
	log := Log{{Event: "compose-hash", EventPayload: "abcd"}}
	payload, ok := FindEventPayload(log, "compose-hash")
	assert.True(t, ok)
	assert.Equal(t, "abcd", payload)

	_, ok = FindEventPayload(log, "missing")
	assert.False(t, ok)
}

func TestConstantTimeEqualHex(t *testing.T) {
	assert.True(t, ConstantTimeEqualHex("deadbeef", "deadbeef"))
	assert.False(t, ConstantTimeEqualHex("deadbeef", "deadbeee"))
	assert.False(t, ConstantTimeEqualHex("dead", "deadbeef"))
	assert.False(t, ConstantTimeEqualHex("not-hex", "deadbeef"))
}
