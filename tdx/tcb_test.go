package tdx

import (
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atls-project/atls/atlserr"
)

func tcbInfoJSON(t *testing.T, fmspc string, id string, version int, levels []TCBLevel) string {
	t.Helper()
	info := TCBInfo{ID: id, Version: version, FMSPC: fmspc, TCBLevels: levels}
	body, err := json.Marshal(info)
	require.NoError(t, err)
	return `{"tcbInfo":` + string(body) + `,"signature":"deadbeef"}`
}

func TestParseTCBInfo_Roundtrip(t *testing.T) {
	raw := tcbInfoJSON(t, "00906ea10000", "TDX", 3, []TCBLevel{
		{TCB: TCBComponents{PCESVN: 10, SGXComponents: []TCBComponent{{SVN: 2}}, TDXComponents: []TCBComponent{{SVN: 3}}}, TCBDate: "2024-01-01T00:00:00Z", TCBStatus: "UpToDate"},
	})
	info, err := ParseTCBInfo(raw)
	require.NoError(t, err)
	assert.Equal(t, "TDX", info.ID)
	assert.Equal(t, "00906ea10000", info.FMSPC)
	assert.Len(t, info.TCBLevels, 1)
}

func TestMatchTCBLevel_FMSPCMismatch(t *testing.T) {
	raw := tcbInfoJSON(t, "00906ea10000", "TDX", 3, []TCBLevel{
		{TCB: TCBComponents{PCESVN: 1, SGXComponents: []TCBComponent{{SVN: 1}}, TDXComponents: []TCBComponent{{SVN: 1}}}, TCBDate: "2024-01-01T00:00:00Z", TCBStatus: "UpToDate"},
	})
	info, err := ParseTCBInfo(raw)
	require.NoError(t, err)

	_, err = MatchTCBLevel(info, PCKExtension{FMSPC: []byte{0, 0, 0, 0, 0, 1}, CPUSVN: make([]byte, 16), PCESVN: 1}, make([]byte, 16))
	require.Error(t, err)
	kind, _ := atlserr.KindOf(err)
	assert.Equal(t, atlserr.TCBInfoError, kind)
}

func TestMatchTCBLevel_SGXInfoForTDXQuote(t *testing.T) {
	raw := tcbInfoJSON(t, "00906ea10000", "SGX", 2, []TCBLevel{
		{TCB: TCBComponents{PCESVN: 1, SGXComponents: []TCBComponent{{SVN: 1}}}, TCBDate: "2024-01-01T00:00:00Z", TCBStatus: "UpToDate"},
	})
	info, err := ParseTCBInfo(raw)
	require.NoError(t, err)

	fmspc, _ := hex.DecodeString("00906ea10000")
	_, err = MatchTCBLevel(info, PCKExtension{FMSPC: fmspc, CPUSVN: make([]byte, 16), PCESVN: 1}, make([]byte, 16))
	require.Error(t, err)
	kind, _ := atlserr.KindOf(err)
	assert.Equal(t, atlserr.TCBInfoError, kind)
}

func TestMatchTCBLevel_PicksHighestDominatedLevel(t *testing.T) {
	fmspcHex := "00906ea10000"
	raw := tcbInfoJSON(t, fmspcHex, "TDX", 3, []TCBLevel{
		{TCB: TCBComponents{PCESVN: 5, SGXComponents: []TCBComponent{{SVN: 5}}, TDXComponents: []TCBComponent{{SVN: 5}}}, TCBDate: "2024-06-01T00:00:00Z", TCBStatus: "UpToDate"},
		{TCB: TCBComponents{PCESVN: 1, SGXComponents: []TCBComponent{{SVN: 1}}, TDXComponents: []TCBComponent{{SVN: 1}}}, TCBDate: "2024-01-01T00:00:00Z", TCBStatus: "OutOfDate"},
	})
	info, err := ParseTCBInfo(raw)
	require.NoError(t, err)

	fmspc, _ := hex.DecodeString(fmspcHex)
	cpuSVN := make([]byte, 16)
	for i := range cpuSVN {
		cpuSVN[i] = 3
	}
	teeTCBSVN := make([]byte, 16)
	for i := range teeTCBSVN {
		teeTCBSVN[i] = 3
	}

	level, err := MatchTCBLevel(info, PCKExtension{FMSPC: fmspc, CPUSVN: cpuSVN, PCESVN: 3}, teeTCBSVN)
	require.NoError(t, err)
	assert.Equal(t, "OutOfDate", level.TCBStatus)
}

func TestMatchTCBLevel_NoMatchingLevel(t *testing.T) {
	fmspcHex := "00906ea10000"
	raw := tcbInfoJSON(t, fmspcHex, "TDX", 3, []TCBLevel{
		{TCB: TCBComponents{PCESVN: 10, SGXComponents: []TCBComponent{{SVN: 10}}, TDXComponents: []TCBComponent{{SVN: 10}}}, TCBDate: "2024-01-01T00:00:00Z", TCBStatus: "UpToDate"},
	})
	info, err := ParseTCBInfo(raw)
	require.NoError(t, err)

	fmspc, _ := hex.DecodeString(fmspcHex)
	_, err = MatchTCBLevel(info, PCKExtension{FMSPC: fmspc, CPUSVN: make([]byte, 16), PCESVN: 0}, make([]byte, 16))
	require.Error(t, err)
	kind, _ := atlserr.KindOf(err)
	assert.Equal(t, atlserr.TCBInfoError, kind)
}

