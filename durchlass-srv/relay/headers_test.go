package relay

import (
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeAddr struct {
	addr string
}

func (a fakeAddr) Network() string { return "tcp" }
func (a fakeAddr) String() string  { return a.addr }

// fakeConn carries only a remote address; no relay test performs I/O on it.
type fakeConn struct {
	remote net.Addr
}

func (c *fakeConn) Read(p []byte) (int, error)         { return 0, nil }
func (c *fakeConn) Write(p []byte) (int, error)        { return len(p), nil }
func (c *fakeConn) Close() error                       { return nil }
func (c *fakeConn) LocalAddr() net.Addr                { return fakeAddr{"127.0.0.1:3128"} }
func (c *fakeConn) RemoteAddr() net.Addr               { return c.remote }
func (c *fakeConn) SetDeadline(t time.Time) error      { return nil }
func (c *fakeConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

func TestRestoreHeaderBlockRawOrderAndCase(t *testing.T) {
	msg := &Message{
		Header: http.Header{
			"Host":  {"a"},
			"X-Foo": {"1"},
		},
		RawHeaders: []string{"HOST", "x-FoO"},
		IsResponse: true,
	}

	got := string(RestoreHeaderBlock(msg))
	assert.Equal(t, "HOST: a\r\nx-FoO: 1\r\n\r\n", got)
}

func TestRestoreHeaderBlockDropsSurplusRawEntries(t *testing.T) {
	msg := &Message{
		Header: http.Header{
			"Host":  {"a"},
			"X-Foo": {"1"},
		},
		RawHeaders: []string{"Host", "X-Foo", "host"},
		IsResponse: true,
	}

	// The third raw entry has no matching value left; emitting "a" again
	// would duplicate a header the client sent once.
	got := string(RestoreHeaderBlock(msg))
	assert.Equal(t, "Host: a\r\nX-Foo: 1\r\n\r\n", got)
}

func TestRestoreHeaderBlockDuplicateValuesInOrder(t *testing.T) {
	msg := &Message{
		Header: http.Header{
			"Set-Cookie": {"a=1", "b=2"},
		},
		RawHeaders: []string{"Set-Cookie", "set-cookie"},
		IsResponse: true,
	}

	got := string(RestoreHeaderBlock(msg))
	assert.Equal(t, "Set-Cookie: a=1\r\nset-cookie: b=2\r\n\r\n", got)
}

func TestRestoreHeaderBlockFallbackSorted(t *testing.T) {
	msg := &Message{
		Header: http.Header{
			"X-Foo":          {"1"},
			"Content-Length": {"5"},
		},
		IsResponse: true,
	}

	got := string(RestoreHeaderBlock(msg))
	assert.Equal(t, "Content-Length: 5\r\nX-Foo: 1\r\n\r\n", got)
}

func TestRestoreHeaderBlockInjectsForwardingMetadata(t *testing.T) {
	msg := &Message{
		Header:     http.Header{"Host": {"example.com"}},
		RawHeaders: []string{"Host"},
		Conn:       &fakeConn{remote: fakeAddr{"[::ffff:10.0.0.5]:45873"}},
	}

	got := string(RestoreHeaderBlock(msg))
	assert.Contains(t, got, "Host: example.com\r\n")
	assert.Contains(t, got, "x-forwarded-for: 10.0.0.5\r\n")
	assert.Contains(t, got, "x-forwarded-port: 45873\r\n")
}

func TestRestoreHeaderBlockExistingForwardedForWins(t *testing.T) {
	msg := &Message{
		Header: http.Header{
			"Host":            {"example.com"},
			"X-Forwarded-For": {"203.0.113.7"},
		},
		RawHeaders: []string{"Host", "X-Forwarded-For"},
		Conn:       &fakeConn{remote: fakeAddr{"10.0.0.5:45873"}},
	}

	got := string(RestoreHeaderBlock(msg))
	assert.Contains(t, got, "X-Forwarded-For: 203.0.113.7\r\n")
	assert.NotContains(t, got, "x-forwarded-for:")
	assert.Contains(t, got, "x-forwarded-port: 45873\r\n")
}

func TestRestoreHeaderBlockNoInjectionForResponses(t *testing.T) {
	msg := &Message{
		Header:     http.Header{"Content-Type": {"text/plain"}},
		RawHeaders: []string{"Content-Type"},
		IsResponse: true,
		Conn:       &fakeConn{remote: fakeAddr{"10.0.0.5:45873"}},
	}

	got := string(RestoreHeaderBlock(msg))
	assert.NotContains(t, got, "x-forwarded-for")
	assert.NotContains(t, got, "x-forwarded-port")
}

func TestRestoreHeaderBlockDropsInvalidHeaderLines(t *testing.T) {
	msg := &Message{
		Header: http.Header{
			"Good":     {"ok"},
			"Bad Name": {"v"},
		},
		RawHeaders: []string{"Good", "Bad Name"},
		IsResponse: true,
	}

	got := string(RestoreHeaderBlock(msg))
	assert.Equal(t, "Good: ok\r\n\r\n", got)
}

func TestRestoreHeaderBlockEmptyHeaders(t *testing.T) {
	msg := &Message{IsResponse: true}
	assert.Equal(t, "\r\n", string(RestoreHeaderBlock(msg)))
}
