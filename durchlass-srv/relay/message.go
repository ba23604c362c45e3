package relay

import (
	"io"
	"net"
	"net/http"
	"strings"
)

// Message is an inbound request, or a response being relayed, as handed over
// by the listening layer. The relay only observes and terminates it; it never
// parses payload bytes itself.
type Message struct {
	// Method is the request method ("" for response messages).
	Method string
	// Target is the request target: an absolute URL, a bare host:port
	// authority, or an origin-form path.
	Target string
	// Header is the normalized header mapping (case-insensitive lookup).
	Header http.Header
	// RawHeaders records the original header names in wire order, one entry
	// per header line as received, including duplicates. It is used only to
	// reproduce wire-exact case and ordering; nil for synthesized messages.
	RawHeaders []string
	// Body streams the buffered request body, if any.
	Body io.Reader
	// Conn is the duplex socket the message arrived on. Transport errors on
	// it latch into Signal().
	Conn net.Conn
	// IsResponse marks a response object being relayed; forwarding metadata
	// is never injected into responses.
	IsResponse bool
	// TLS marks an inbound leg that arrived over a TLS/HTTPS context.
	TLS bool

	signal *CloseSignal
}

// NewMessage builds a Message around conn, wrapping it so that read/write
// failures and closes feed the message's close signal.
func NewMessage(method, target string, header http.Header, rawHeaders []string, conn net.Conn) *Message {
	sc := newSignalConn(conn)
	return &Message{
		Method:     method,
		Target:     target,
		Header:     header,
		RawHeaders: rawHeaders,
		Conn:       sc,
		signal:     sc.signal,
	}
}

// Signal returns the close signal linked to the message's lifetime, creating
// one bound to the underlying conn when the message was built by hand.
func (m *Message) Signal() *CloseSignal {
	if m.signal == nil {
		m.signal = NewCloseSignal(m.Conn)
	}
	return m.signal
}

// remoteHostPort splits the underlying socket's remote address, stripping any
// IPv6-mapped-IPv4 prefix from the host part.
func (m *Message) remoteHostPort() (host, port string) {
	if m.Conn == nil {
		return "", ""
	}
	addr := m.Conn.RemoteAddr()
	if addr == nil {
		return "", ""
	}
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), ""
	}
	return strings.TrimPrefix(host, "::ffff:"), port
}

// IsUpgrade reports whether the message carries a protocol-upgrade handshake,
// matching on the Upgrade and Connection headers.
func (m *Message) IsUpgrade() bool {
	if m.Header == nil {
		return false
	}
	return strings.EqualFold(m.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(m.Header.Get("Connection")), "upgrade")
}
