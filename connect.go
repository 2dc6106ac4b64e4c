// Package atls establishes attested TLS connections to Intel TDX
// confidential VMs managed by DStack: a TLS handshake that skips CA-chain
// validation (TEEs only ever present self-signed certificates) but keeps
// signature verification, followed by a sub-protocol exchange that proves
// the peer is the attested TEE the caller's policy demands.
package atls

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atls-project/atls/atlserr"
	"github.com/atls-project/atls/atlslog"
	"github.com/atls-project/atls/atlsmetrics"
	"github.com/atls-project/atls/policy"
	"github.com/atls-project/atls/report"
)

// EKMLabel is the RFC 9266 exporter label used to derive the channel
// binding material from the completed TLS session.
const EKMLabel = "EXPORTER-Channel-Binding"

// ReportDataPrefix is prepended to the cert+EKM digest before comparing it
// against a quote's REPORT_DATA field. Exported so callers constructing
// their own Verifier implementations can reuse the same constant.
const ReportDataPrefix = "atls:v1\n"

// ekmLength is the RFC 9266 exported keying material length.
const ekmLength = 32

// Metrics, when set, receives Connect outcome counters and durations. A
// nil Metrics is a no-op; atlsmetrics.Metrics' methods are nil-receiver
// safe for exactly this reason.
var Metrics *atlsmetrics.Metrics

// Connect performs an attested TLS handshake over conn: it completes a
// TLS client handshake that accepts the peer's self-signed leaf
// certificate, then hands control to p's verifier to run the
// post-handshake attestation sub-protocol and bind it to this specific
// session via EKM + certificate.
//
// On success it returns the live *tls.Conn (ready for application traffic)
// and the report.Report describing what was attested. On failure conn is
// closed and the error is an *atlserr.Error.
func Connect(ctx context.Context, conn net.Conn, serverName string, p policy.Policy, alpn []string) (*tls.Conn, report.Report, error) {
	start := time.Now()
	connID := uuid.NewString()
	log := atlslog.L().With(zap.String("connection_id", connID), zap.String("server_name", serverName))
	log.Debug("atls: starting handshake")

	tlsConn, peerCertDER, ekm, err := tlsHandshake(ctx, conn, serverName, alpn)
	if err != nil {
		recordFailure(log, err, start)
		return nil, report.Report{}, err
	}

	v, err := p.IntoVerifier()
	if err != nil {
		tlsConn.Close()
		recordFailure(log, err, start)
		return nil, report.Report{}, err
	}

	rep, err := v.Verify(ctx, tlsConn, peerCertDER, ekm)
	if err != nil {
		tlsConn.Close()
		recordFailure(log, err, start)
		return nil, report.Report{}, err
	}

	tcbStatus := ""
	if rep.TDX != nil {
		tcbStatus = rep.TDX.Status
	}
	Metrics.ObserveSuccess(tcbStatus, time.Since(start).Seconds())
	log.Info("atls: handshake verified", zap.String("tcb_status", tcbStatus))

	return tlsConn, rep, nil
}

func recordFailure(log *zap.Logger, err error, start time.Time) {
	kind, _ := atlserr.KindOf(err)
	Metrics.ObserveFailure(string(kind), time.Since(start).Seconds())
	log.Warn("atls: handshake failed", zap.String("kind", string(kind)), zap.Error(err))
}

// tlsHandshake performs the custom TLS client handshake described in
// SPEC_FULL.md §4.2: InsecureSkipVerify with a VerifyPeerCertificate
// callback that accepts any certificate (the TEE's cert is self-signed by
// construction) and only captures the leaf. crypto/tls still checks the
// handshake signature against that certificate's public key after the
// callback returns, so a completed handshake proves the peer holds the
// certificate's key — trust comes from attestation, not the CA hierarchy.
func tlsHandshake(ctx context.Context, conn net.Conn, serverName string, alpn []string) (*tls.Conn, []byte, []byte, error) {
	if serverName == "" {
		conn.Close()
		return nil, nil, nil, atlserr.New(atlserr.InvalidServerName, "server_name must not be empty")
	}

	var peerCertDER []byte
	cfg := &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: true,
		NextProtos:         alpn,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return atlserr.New(atlserr.MissingCertificate, "peer presented no certificate")
			}
			peerCertDER = rawCerts[0]
			return nil
		},
	}

	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, nil, nil, atlserr.Wrap(atlserr.TLSHandshake, err, "TLS handshake to %s", serverName)
	}

	if peerCertDER == nil {
		tlsConn.Close()
		return nil, nil, nil, atlserr.New(atlserr.MissingCertificate, "peer presented no certificate")
	}

	ekm, err := tlsConn.ConnectionState().ExportKeyingMaterial(EKMLabel, nil, ekmLength)
	if err != nil {
		tlsConn.Close()
		return nil, nil, nil, atlserr.Wrap(atlserr.TLSHandshake, err, "exporting session keying material")
	}

	return tlsConn, peerCertDER, ekm, nil
}
