// Package verifier defines the pluggable verification abstraction used by
// the root atls package's handshake orchestrator, and the DStack/TDX
// implementation of it. It depends on report, eventlog, subprotocol, and
// tdx, but never on policy, so policy can depend on verifier without
// creating an import cycle.
package verifier

import (
	"context"
	"io"

	"github.com/atls-project/atls/report"
)

// Verifier authenticates a TEE peer over an already-established TLS
// connection, binding the attestation to the session via peerCertDER and
// ekm (the RFC 9266 exported keying material), and returns the resulting
// report.Report on success.
//
// Implementations read whatever post-handshake sub-protocol they need from
// stream; the root atls package hands them the live net.Conn/tls.Conn so
// they can both read the attestation envelope and, in principle, exchange
// further messages with the peer.
type Verifier interface {
	Verify(ctx context.Context, stream io.ReadWriter, peerCertDER []byte, ekm []byte) (report.Report, error)
}
