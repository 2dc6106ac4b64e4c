package policy

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atls-project/atls/atlserr"
)

func TestDefault(t *testing.T) {
	p := Default()
	assert.Equal(t, []string{"UpToDate"}, p.AllowedTCBStatus)
	assert.Nil(t, p.ExpectedBootchain)
	assert.False(t, p.DisableRuntimeVerification)
}

func TestDev(t *testing.T) {
	p := Dev()
	assert.Contains(t, p.AllowedTCBStatus, "SWHardeningNeeded")
	assert.True(t, p.DisableRuntimeVerification)
}

func TestLoad_RoundTrip(t *testing.T) {
	p := Default()
	p.AllowedTCBStatus = []string{"UpToDate", "SWHardeningNeeded"}

	body, err := json.Marshal(p)
	require.NoError(t, err)

	parsed, err := Load(body)
	require.NoError(t, err)
	assert.Equal(t, p.AllowedTCBStatus, parsed.AllowedTCBStatus)
	assert.Equal(t, p.PCCSURL, parsed.PCCSURL)
}

func TestLoad_RejectsUnknownFields(t *testing.T) {
	_, err := Load([]byte(`{"type":"dstack_tdx","bogus_field":true}`))
	require.Error(t, err)
}

// S5: default policy (no disable_runtime_verification, no runtime fields)
// must fail verifier construction.
func TestIntoVerifier_DefaultPolicyRejectsConstruction(t *testing.T) {
	p, err := Load([]byte(`{"type":"dstack_tdx","allowed_tcb_status":["UpToDate"]}`))
	require.NoError(t, err)

	_, err = p.IntoVerifier()
	require.Error(t, err)
	kind, ok := atlserr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, atlserr.Configuration, kind)
}

func TestIntoVerifier_DevPolicyBuildsSuccessfully(t *testing.T) {
	v, err := Dev().IntoVerifier()
	require.NoError(t, err)
	assert.NotNil(t, v)
}

func TestIntoVerifier_ExplicitBootchainSatisfiesInvariant(t *testing.T) {
	p := Default()
	p.ExpectedBootchain = &ExpectedBootchain{MRTD: "aa"}

	v, err := p.IntoVerifier()
	require.NoError(t, err)
	assert.NotNil(t, v)
}

// The Configuration invariant is satisfied by app_compose alone, with no
// bootchain or OS image hash configured.
func TestIntoVerifier_AppComposeOnlySatisfiesInvariant(t *testing.T) {
	p := Default()
	p.AppCompose = json.RawMessage(`{"services":{}}`)

	v, err := p.IntoVerifier()
	require.NoError(t, err)
	assert.NotNil(t, v)
}

// The Configuration invariant is satisfied by os_image_hash alone, with no
// bootchain or app_compose configured.
func TestIntoVerifier_OSImageHashOnlySatisfiesInvariant(t *testing.T) {
	p := Default()
	p.OSImageHash = "aa"

	v, err := p.IntoVerifier()
	require.NoError(t, err)
	assert.NotNil(t, v)
}

func TestIntoVerifier_MissingAllowedStatusRejected(t *testing.T) {
	p := &DstackTDX{Type: "dstack_tdx", DisableRuntimeVerification: true}
	_, err := p.IntoVerifier()
	require.Error(t, err)
	kind, _ := atlserr.KindOf(err)
	assert.Equal(t, atlserr.Configuration, kind)
}
