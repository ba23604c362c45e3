package relay

import (
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// Target identifies the destination of an outbound connection. TLS is
// selected when TLSServerName is present. Immutable once resolved.
type Target struct {
	Host          string
	Port          int
	TLSServerName string
}

// Addr returns the host:port form of the target.
func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// authorityRe matches a bare host:port request target.
var authorityRe = regexp.MustCompile(`^([^:/\s\[\]]+|\[[0-9a-fA-F:.]+\]):(\d{1,5})$`)

// ResolveTarget derives the destination host and port for msg. An explicit
// target with both host and port always wins. Otherwise the request target is
// consulted as an absolute URL, then as a bare host:port authority, then the
// Host header. When no port was resolved the default is 443 under a TLS or
// forwarded-HTTPS indication, else 80. Resolution is best effort: an
// unresolvable host yields an empty-host target and the connector fails fast.
func ResolveTarget(msg *Message, explicit *Target) Target {
	if explicit != nil && explicit.Host != "" && explicit.Port > 0 {
		return *explicit
	}

	useTLS := msg.TLS
	if !useTLS && msg.Header != nil {
		useTLS = strings.EqualFold(msg.Header.Get("X-Forwarded-Proto"), "https")
	}

	var host string
	port := 0

	if u, err := url.Parse(msg.Target); err == nil && u.IsAbs() && u.Hostname() != "" {
		host = u.Hostname()
		if p := u.Port(); p != "" {
			port, _ = strconv.Atoi(p)
		}
		if u.Scheme == "https" || u.Scheme == "wss" {
			useTLS = true
		}
	} else if m := authorityRe.FindStringSubmatch(msg.Target); m != nil {
		host = strings.Trim(m[1], "[]")
		port, _ = strconv.Atoi(m[2])
	} else if msg.Header != nil {
		if hostHdr := msg.Header.Get("Host"); hostHdr != "" {
			if h, p, err := net.SplitHostPort(hostHdr); err == nil {
				host = h
				port, _ = strconv.Atoi(p)
			} else {
				host = hostHdr
			}
		}
	}

	if port <= 0 || port > 65535 {
		if useTLS {
			port = 443
		} else {
			port = 80
		}
	}

	target := Target{Host: host, Port: port}
	if useTLS && host != "" {
		target.TLSServerName = host
	}
	return target
}
