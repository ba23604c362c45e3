package server

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/codefionn/durchlass/durchlass-srv/relay"
)

// maxHeaderLines caps the header section of an inbound request.
const maxHeaderLines = 256

// bufferedConn makes bytes the request reader over-buffered visible again to
// whoever splices the connection afterwards.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(b []byte) (int, error) {
	return c.r.Read(b)
}

func (c *bufferedConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return c.Conn.Close()
}

// readRequest reads the request line and header section from conn into a
// relay message, keeping the ordered raw header-name record the relay needs
// for wire-exact restoration. net/http's parser canonicalizes names and drops
// ordering, so the header lines are consumed by hand here.
func readRequest(conn net.Conn) (*relay.Message, error) {
	br := bufio.NewReader(conn)
	tp := textproto.NewReader(br)

	requestLine, err := tp.ReadLine()
	if err != nil {
		return nil, err
	}

	method, target, proto, ok := parseRequestLine(requestLine)
	if !ok {
		return nil, fmt.Errorf("malformed request line: %q", requestLine)
	}
	if !strings.HasPrefix(proto, "HTTP/1.") {
		return nil, fmt.Errorf("unsupported protocol: %q", proto)
	}

	header := make(http.Header)
	var rawHeaders []string

	for lines := 0; ; lines++ {
		if lines == maxHeaderLines {
			return nil, fmt.Errorf("header section exceeds %d lines", maxHeaderLines)
		}
		line, err := tp.ReadLine()
		if err != nil {
			return nil, err
		}
		if line == "" {
			break
		}

		name, value, found := strings.Cut(line, ":")
		if !found || name == "" || !httpguts.ValidHeaderFieldName(name) {
			return nil, fmt.Errorf("malformed header line: %q", line)
		}
		value = strings.TrimSpace(value)
		if !httpguts.ValidHeaderFieldValue(value) {
			return nil, fmt.Errorf("invalid header value in %q", name)
		}

		rawHeaders = append(rawHeaders, name)
		header.Add(name, value)
	}

	msg := relay.NewMessage(method, target, header, rawHeaders, &bufferedConn{Conn: conn, r: br})

	if cl := header.Get("Content-Length"); cl != "" && method != http.MethodConnect {
		length, err := strconv.ParseInt(cl, 10, 64)
		if err != nil || length < 0 {
			return nil, fmt.Errorf("invalid Content-Length: %q", cl)
		}
		if length > 0 {
			msg.Body = io.LimitReader(br, length)
		}
	}

	return msg, nil
}

func parseRequestLine(line string) (method, target, proto string, ok bool) {
	method, rest, ok1 := strings.Cut(line, " ")
	target, proto, ok2 := strings.Cut(rest, " ")
	if !ok1 || !ok2 || method == "" || target == "" {
		return "", "", "", false
	}
	return method, target, proto, true
}
