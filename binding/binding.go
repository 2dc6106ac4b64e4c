// Package binding exposes atls.Connect through a handle-table surface
// suitable for host-language FFI bindings (cgo, WASM exports, etc.), per
// spec §6's "host-language binding surface (external collaborator)".
// Bindings own connection lifetimes themselves; this package only tracks
// them under an opaque integer handle so a foreign caller never needs to
// hold a Go pointer.
package binding

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/atls-project/atls"
	"github.com/atls-project/atls/atlserr"
	"github.com/atls-project/atls/policy"
	"github.com/atls-project/atls/report"
)

// Handle identifies one live attested connection.
type Handle uint64

type connection struct {
	tlsConn *tls.Conn
	report  report.Report
}

var (
	mu      sync.Mutex
	table   = map[Handle]*connection{}
	nextIdx Handle = 1
)

// Attestation is the host-facing summary of a connection's verification
// result, matching spec §6's attestation(handle) shape exactly.
type Attestation struct {
	Trusted     bool
	TeeType     string
	Measurement string
	TCBStatus   string
	AdvisoryIDs []string
}

// Open dials host:port, performs an attested TLS handshake using sni as
// the TLS server name, and decodes policyJSON as a
// policy.DstackTDX document. It returns a Handle for Read/Write/Close/
// Attestation calls.
func Open(ctx context.Context, host string, port int, sni string, policyJSON []byte) (Handle, error) {
	p, err := policy.Load(policyJSON)
	if err != nil {
		return 0, err
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	dialer := net.Dialer{Timeout: 30 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return 0, atlserr.Wrap(atlserr.TLSHandshake, err, "dialing %s", addr)
	}

	tlsConn, rep, err := atls.Connect(ctx, conn, sni, p, nil)
	if err != nil {
		return 0, err
	}

	mu.Lock()
	h := nextIdx
	nextIdx++
	table[h] = &connection{tlsConn: tlsConn, report: rep}
	mu.Unlock()

	return h, nil
}

// Read reads up to n bytes from the attested stream identified by h.
func Read(h Handle, n int) ([]byte, error) {
	c, err := lookup(h)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	read, err := c.tlsConn.Read(buf)
	if err != nil && read == 0 {
		return nil, atlserr.Wrap(atlserr.TLSHandshake, err, "reading from attested stream")
	}
	return buf[:read], nil
}

// Write writes data to the attested stream identified by h and returns
// the number of bytes written.
func Write(h Handle, data []byte) (int, error) {
	c, err := lookup(h)
	if err != nil {
		return 0, err
	}
	n, err := c.tlsConn.Write(data)
	if err != nil {
		return n, atlserr.Wrap(atlserr.TLSHandshake, err, "writing to attested stream")
	}
	return n, nil
}

// Close closes and forgets the connection identified by h. Closing an
// unknown or already-closed handle is a no-op.
func Close(h Handle) error {
	mu.Lock()
	c, ok := table[h]
	delete(table, h)
	mu.Unlock()
	if !ok {
		return nil
	}
	return c.tlsConn.Close()
}

// GetAttestation returns the attestation summary recorded when h's
// connection was established.
func GetAttestation(h Handle) (Attestation, error) {
	c, err := lookup(h)
	if err != nil {
		return Attestation{}, err
	}
	a := Attestation{Trusted: c.report.Trusted(), TeeType: string(c.report.Kind)}
	if c.report.TDX != nil {
		a.Measurement = c.report.TDX.Measurement
		a.TCBStatus = c.report.TDX.Status
		a.AdvisoryIDs = c.report.TDX.AdvisoryIDs
	}
	return a, nil
}

func lookup(h Handle) (*connection, error) {
	mu.Lock()
	defer mu.Unlock()
	c, ok := table[h]
	if !ok {
		return nil, atlserr.New(atlserr.Configuration, "unknown connection handle %d", h)
	}
	return c, nil
}
