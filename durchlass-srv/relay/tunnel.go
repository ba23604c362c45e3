package relay

import (
	"context"
	"fmt"
	"net"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/codefionn/durchlass/durchlass-srv/logger"
)

// Tunnel handles the CONNECT and WebSocket-upgrade cases: it obtains an
// outbound socket, issues the synthetic handshake, then splices the two
// sockets full duplex until either side terminates. Nothing is returned to
// the caller beyond setup success; all bytes, including the 502 rendered when
// the outbound leg cannot be established, are written directly to the inbound
// socket.
func (f *Forwarder) Tunnel(ctx context.Context, msg *Message, explicit *Target, upgrade bool) error {
	target := ResolveTarget(msg, explicit)
	logger.Debug("Tunneling to %s (upgrade=%v)", target.Addr(), upgrade)

	conn, handle, stop, err := f.connectLinked(ctx, msg, target)
	if err != nil {
		writeBadGateway(msg.Conn, err)
		endConn(msg.Conn)
		return err
	}

	if err := writeHandshake(conn, msg, target, upgrade); err != nil {
		stop()
		handle.Cancel()
		relErr := NewRelayError(ErrCodeUpstreamFailed, err)
		msg.Signal().Close(relErr)
		return relErr
	}
	stop()

	f.splice(msg, conn)
	logger.Debug("Tunnel to %s closed", target.Addr())
	return nil
}

// writeHandshake issues the synthetic handshake line and the restored header
// block onto the outbound socket. CONNECT mode first strips any
// Upgrade/Connection headers so a plain CONNECT cannot be misread as an
// upgrade by the outbound side.
func writeHandshake(conn net.Conn, msg *Message, target Target, upgrade bool) error {
	verb := "CONNECT"
	if upgrade {
		verb = "GET"
	} else {
		stripUpgradeHeaders(msg)
	}

	handshakeTarget := msg.Target
	if handshakeTarget == "" {
		handshakeTarget = target.Addr()
	}

	if _, err := fmt.Fprintf(conn, "%s %s HTTP/1.1\r\n", verb, handshakeTarget); err != nil {
		return err
	}
	_, err := conn.Write(RestoreHeaderBlock(msg))
	return err
}

func stripUpgradeHeaders(msg *Message) {
	if msg.Header != nil {
		msg.Header.Del("Upgrade")
		msg.Header.Del("Connection")
	}
	if msg.RawHeaders != nil {
		kept := msg.RawHeaders[:0]
		for _, name := range msg.RawHeaders {
			if strings.EqualFold(name, "Upgrade") || strings.EqualFold(name, "Connection") {
				continue
			}
			kept = append(kept, name)
		}
		msg.RawHeaders = kept
	}
}

// splice wires bidirectional byte piping between the inbound and outbound
// sockets. Inbound termination destroys the outbound socket. Outbound
// termination ends the inbound socket cleanly on a graceful close, letting
// buffered response data flush to the client, and destroys it on an error.
func (f *Forwarder) splice(msg *Message, outbound net.Conn) {
	inbound := msg.Conn
	inSignal := msg.Signal()
	outSignal := NewCloseSignal(outbound)

	stopIn := inSignal.Observe(func(err error) {
		_ = outbound.Close()
	})
	stopOut := outSignal.Observe(func(err error) {
		if err != nil {
			inSignal.Close(err)
			return
		}
		endConn(inbound)
	})
	defer stopIn()
	defer stopOut()

	var g errgroup.Group

	g.Go(func() error {
		_, err := copyPooled(outbound, inbound)
		inSignal.Close(terminationError(err))
		return nil
	})

	g.Go(func() error {
		_, err := copyPooled(inbound, outbound)
		outSignal.Close(terminationError(err))
		return nil
	})

	_ = g.Wait()
}

// terminationError translates a copy-loop result into a close reason: EOF and
// closes of an already-released socket count as graceful.
func terminationError(err error) error {
	if err == nil || isClosedConnError(err) {
		return nil
	}
	return err
}

// writeBadGateway renders the literal 502 failure response carrying the
// failure's diagnostic text, the only place user-visible error content is
// emitted.
func writeBadGateway(conn net.Conn, cause error) {
	body := cause.Error()
	if _, err := fmt.Fprintf(conn, "HTTP/1.1 502 Bad Gateway\r\nContent-Length: %d\r\n\r\n%s", len(body), body); err != nil {
		logger.Debug("Failed to write 502 response: %v", err)
	}
}
