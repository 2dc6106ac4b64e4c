// Package wsbridge implements the browser-transport external collaborator
// from spec §6: a WebSocket-to-TCP forwarder that lets a browser-hosted
// atls client reach a TEE server's raw TCP socket, since browsers cannot
// open TCP sockets directly.
package wsbridge

import (
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atls-project/atls/atlslog"
	"go.uber.org/zap"
)

// Allowlist is the set of "host:port" targets a Bridge will dial. An empty
// Allowlist rejects every connection, matching the original proxy's
// fail-closed behavior when its allowlist environment variable is unset.
type Allowlist map[string]bool

// ParseAllowlist splits a comma-separated "host:port,host:port" list into
// an Allowlist, trimming whitespace and dropping empty entries.
func ParseAllowlist(commaSeparated string) Allowlist {
	a := make(Allowlist)
	for _, entry := range strings.Split(commaSeparated, ",") {
		entry = strings.TrimSpace(entry)
		if entry != "" {
			a[entry] = true
		}
	}
	return a
}

// Bridge accepts WebSocket connections and forwards bytes to a TCP target
// selected by the client via a `target` query parameter, rejecting any
// target not present in Allowlist during the WebSocket handshake.
type Bridge struct {
	Allowlist Allowlist
	DefaultTarget string
	Dialer    net.Dialer
	upgrader  websocket.Upgrader
}

// NewBridge builds a Bridge with a 10s TCP dial timeout.
func NewBridge(allowlist Allowlist, defaultTarget string) *Bridge {
	return &Bridge{
		Allowlist:     allowlist,
		DefaultTarget: defaultTarget,
		Dialer:        net.Dialer{Timeout: 10 * time.Second},
		upgrader:      websocket.Upgrader{ReadBufferSize: 8192, WriteBufferSize: 8192},
	}
}

// ServeHTTP implements http.Handler, upgrading the connection and
// forwarding to the target named in the `target` query parameter (or
// b.DefaultTarget if absent).
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("target")
	if target == "" {
		target = b.DefaultTarget
	}
	if !b.Allowlist[target] {
		atlslog.L().Warn("wsbridge: rejected unauthorized target", zap.String("target", target), zap.String("remote_addr", r.RemoteAddr))
		http.Error(w, "target not authorized", http.StatusForbidden)
		return
	}

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		atlslog.L().Warn("wsbridge: upgrade failed", zap.Error(err))
		return
	}

	if err := b.pipe(conn, target); err != nil {
		atlslog.L().Warn("wsbridge: pipe error", zap.String("target", target), zap.Error(err))
	}
}

// pipe dials target and forwards bytes in both directions until either
// side closes or errors.
func (b *Bridge) pipe(wsConn *websocket.Conn, target string) error {
	defer wsConn.Close()

	tcpConn, err := b.Dialer.Dial("tcp", target)
	if err != nil {
		wsConn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error()))
		return err
	}
	defer tcpConn.Close()

	done := make(chan error, 2)

	go func() {
		buf := make([]byte, 8192)
		for {
			n, err := tcpConn.Read(buf)
			if n > 0 {
				if werr := wsConn.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
					done <- werr
					return
				}
			}
			if err != nil {
				if err == io.EOF {
					wsConn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				}
				done <- err
				return
			}
		}
	}()

	go func() {
		for {
			msgType, data, err := wsConn.ReadMessage()
			if err != nil {
				done <- err
				return
			}
			switch msgType {
			case websocket.BinaryMessage, websocket.TextMessage:
				if _, werr := tcpConn.Write(data); werr != nil {
					done <- werr
					return
				}
			case websocket.CloseMessage:
				done <- nil
				return
			}
		}
	}()

	err = <-done
	if err == io.EOF {
		return nil
	}
	return err
}

// IsTargetAllowed reports whether target is present in allowlist, the
// same check ServeHTTP performs, exposed for a caller that wants to
// validate a target before attempting any WebSocket handshake at all.
func IsTargetAllowed(target string, allowlist Allowlist) bool {
	return allowlist[target]
}

// ExtractTarget parses a `target` query parameter out of a raw request
// URL, for callers that construct their own http.Request before handing
// it to ServeHTTP.
func ExtractTarget(rawURL string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}
	t := u.Query().Get("target")
	return t, t != ""
}
