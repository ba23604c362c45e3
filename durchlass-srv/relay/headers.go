package relay

import (
	"bytes"
	"net/textproto"
	"sort"

	"golang.org/x/net/http/httpguts"
)

// Forwarding metadata headers injected on the client-facing inbound leg.
// Lowercase on the wire, matching what a prior normalizing proxy layer emits.
const (
	headerForwardedFor  = "x-forwarded-for"
	headerForwardedPort = "x-forwarded-port"
)

// RestoreHeaderBlock reconstructs a wire-ready header block for msg,
// terminated by the trailing blank line.
//
// When the message carries a raw header record, lines are emitted in the
// original wire order with the original name casing, one line per raw entry
// for which the normalized mapping still holds a value (duplicates included;
// surplus raw entries are dropped); header name case is sometimes semantically
// significant to strict upstream servers, and canonicalizing it would be a
// silent compatibility break. Without a raw record the normalized mapping is
// serialized instead.
//
// For inbound client requests (never for relayed responses) the block gains
// forwarding metadata: the client IP, preferring an already-present
// forwarded-for header over the socket's remote address, and the client port.
func RestoreHeaderBlock(msg *Message) []byte {
	var buf bytes.Buffer
	emitted := make(map[string]bool)

	writeLine := func(name, value string) {
		if !httpguts.ValidHeaderFieldName(name) || !httpguts.ValidHeaderFieldValue(value) {
			return
		}
		buf.WriteString(name)
		buf.WriteString(": ")
		buf.WriteString(value)
		buf.WriteString("\r\n")
		emitted[textproto.CanonicalMIMEHeaderKey(name)] = true
	}

	if msg.RawHeaders != nil {
		seen := make(map[string]int)
		for _, name := range msg.RawHeaders {
			key := textproto.CanonicalMIMEHeaderKey(name)
			values := msg.Header[key]
			if len(values) == 0 {
				continue
			}
			idx := seen[key]
			seen[key]++
			if idx >= len(values) {
				// Raw record has more entries than the mapping has values;
				// the mapping is ground truth, so the surplus line is dropped.
				continue
			}
			writeLine(name, values[idx])
		}
	} else if msg.Header != nil {
		keys := make([]string, 0, len(msg.Header))
		for key := range msg.Header {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			for _, value := range msg.Header[key] {
				writeLine(key, value)
			}
		}
	}

	if !msg.IsResponse {
		injectForwardingMetadata(msg, emitted, writeLine)
	}

	buf.WriteString("\r\n")
	return buf.Bytes()
}

func injectForwardingMetadata(msg *Message, emitted map[string]bool, writeLine func(name, value string)) {
	remoteIP, remotePort := msg.remoteHostPort()

	if !emitted[textproto.CanonicalMIMEHeaderKey(headerForwardedFor)] {
		forwardedFor := ""
		if msg.Header != nil {
			forwardedFor = msg.Header.Get(headerForwardedFor)
		}
		if forwardedFor == "" {
			forwardedFor = remoteIP
		}
		if forwardedFor != "" {
			writeLine(headerForwardedFor, forwardedFor)
		}
	}

	if !emitted[textproto.CanonicalMIMEHeaderKey(headerForwardedPort)] {
		clientPort := ""
		if msg.Header != nil {
			clientPort = msg.Header.Get(headerForwardedPort)
		}
		if clientPort == "" {
			clientPort = remotePort
		}
		if clientPort != "" {
			writeLine(headerForwardedPort, clientPort)
		}
	}
}
