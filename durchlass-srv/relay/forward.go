package relay

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"

	"github.com/codefionn/durchlass/durchlass-srv/logger"
)

// Forwarder drives buffered request forwarding and raw tunnel splicing over
// outbound sockets obtained from its Connector. Each forwarding operation is
// independent; a Forwarder is safe for concurrent use.
type Forwarder struct {
	Connector *Connector
}

// NewForwarder returns a Forwarder around connector, defaulting to a zero
// Connector (standard timeouts, plain TLS config) when nil.
func NewForwarder(connector *Connector) *Forwarder {
	if connector == nil {
		connector = &Connector{}
	}
	return &Forwarder{Connector: connector}
}

// UpstreamResponse exposes the upstream status and headers after a successful
// Forward. The body is left for the caller to stream; closing the handle
// releases the outbound socket and performs the clean end of the caller's
// response channel.
type UpstreamResponse struct {
	StatusCode int
	Status     string
	Header     http.Header
	Body       io.ReadCloser
}

// Forward relays a buffered inbound request onto a fresh outbound socket and
// reads back the upstream status line and headers. The inbound message's
// close signal is observed for the duration of the exchange: an inbound
// termination cancels the outbound work and fails the operation.
func (f *Forwarder) Forward(ctx context.Context, msg *Message, explicit *Target) (*UpstreamResponse, error) {
	target := ResolveTarget(msg, explicit)
	logger.Debug("Forwarding %s %s to %s", msg.Method, msg.Target, target.Addr())

	conn, handle, stop, err := f.connectLinked(ctx, msg, target)
	if err != nil {
		return nil, err
	}

	handedOff := false
	defer func() {
		stop()
		if !handedOff {
			handle.Cancel()
		}
	}()

	if err := writeRequestHead(conn, msg); err != nil {
		return nil, NewRelayError(ErrCodeUpstreamFailed, err)
	}

	if msg.Body != nil {
		if _, err := copyPooled(conn, msg.Body); err != nil {
			return nil, NewRelayError(ErrCodeUpstreamFailed, err)
		}
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		return nil, NewRelayError(ErrCodeUpstreamFailed, err)
	}

	// Ownership of the outbound socket transfers to the caller through the
	// response handle; the connect handle must not be canceled past here.
	handedOff = true

	return &UpstreamResponse{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Header:     resp.Header,
		Body: &upstreamBody{
			rc:   resp.Body,
			conn: conn,
			msg:  msg,
		},
	}, nil
}

// connectLinked obtains an outbound socket with the inbound message's
// lifetime linked in: an inbound termination cancels the attempt even
// mid-dial and destroys the socket once connected. The returned stop function
// disarms the observer; callers invoke it when the socket is handed off or
// the operation is over.
func (f *Forwarder) connectLinked(ctx context.Context, msg *Message, target Target) (net.Conn, *ConnectHandle, func(), error) {
	connectCtx, cancel := context.WithCancel(ctx)

	var mu sync.Mutex
	var handle *ConnectHandle
	stop := msg.Signal().Observe(func(obsErr error) {
		logger.Debug("Inbound side terminated while connecting to %s: %v", target.Addr(), obsErr)
		mu.Lock()
		defer mu.Unlock()
		cancel()
		if handle != nil {
			handle.Cancel()
		}
	})

	conn, h, err := f.Connector.Connect(connectCtx, target)
	mu.Lock()
	handle = h
	mu.Unlock()
	closed := msg.Signal().Closed()
	cancel()

	if err != nil {
		stop()
		if closed && IsCanceledError(err) {
			return nil, nil, nil, NewRelayError(ErrCodePeerClosed, msg.Signal().Err())
		}
		return nil, nil, nil, err
	}
	if closed {
		h.Cancel()
		stop()
		return nil, nil, nil, NewRelayError(ErrCodePeerClosed, msg.Signal().Err())
	}
	return conn, h, stop, nil
}

// writeRequestHead issues the request line and the restored header block.
// Absolute-URL targets collapse to origin form for the outbound leg.
func writeRequestHead(conn net.Conn, msg *Message) error {
	path := msg.Target
	if u, err := url.Parse(msg.Target); err == nil && u.IsAbs() && u.Hostname() != "" {
		path = u.RequestURI()
	}
	if path == "" {
		path = "/"
	}

	if _, err := fmt.Fprintf(conn, "%s %s HTTP/1.1\r\n", msg.Method, path); err != nil {
		return err
	}
	_, err := conn.Write(RestoreHeaderBlock(msg))
	return err
}

// upstreamBody streams the upstream response body while keeping the caller's
// response channel in step with upstream state: a read error destroys the
// inbound side immediately, and Close after a clean end half-closes it so
// buffered data can flush.
type upstreamBody struct {
	rc   io.ReadCloser
	conn net.Conn
	msg  *Message
	once sync.Once
}

func (b *upstreamBody) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	if err != nil && err != io.EOF {
		b.once.Do(func() {
			b.msg.Signal().Close(NewRelayError(ErrCodeUpstreamFailed, err))
		})
	}
	return n, err
}

func (b *upstreamBody) Close() error {
	b.once.Do(func() {
		endConn(b.msg.Conn)
	})
	err := b.rc.Close()
	_ = b.conn.Close()
	return err
}
