package relay

import (
	"net"
	"strings"
)

// closeWriter is implemented by connections that support half-close,
// e.g. *net.TCPConn.
type closeWriter interface {
	CloseWrite() error
}

// endConn terminates the write side of conn gracefully so buffered data can
// still flush to the peer, falling back to a full close when half-close is
// not supported.
func endConn(conn net.Conn) {
	if cw, ok := conn.(closeWriter); ok {
		_ = cw.CloseWrite()
		return
	}
	if sc, ok := conn.(*signalConn); ok {
		if cw, ok := sc.Conn.(closeWriter); ok {
			_ = cw.CloseWrite()
			return
		}
	}
	_ = conn.Close()
}

func isClosedConnError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}
