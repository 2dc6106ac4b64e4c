package atls

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atls-project/atls/atlserr"
)

func TestConnect_RejectsEmptyServerName(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	defer client.Close()

	_, _, _, err := tlsHandshake(context.Background(), client, "", nil)
	require.Error(t, err)
	kind, ok := atlserr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, atlserr.InvalidServerName, kind)
}

func TestConstants_MatchSpecLoadBearingValues(t *testing.T) {
	assert.Equal(t, "EXPORTER-Channel-Binding", EKMLabel)
	assert.Equal(t, "atls:v1\n", ReportDataPrefix)
	assert.Equal(t, 32, ekmLength)
}
