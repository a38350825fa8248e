package websocket

import "strings"

// header is an ordered, case-insensitive multimap of HTTP/1.x header
// fields, grounded on the field-by-field header types the original
// implementation's src/header package kept (Host, Origin,
// Sec-WebSocket-Key/Accept/Protocol/Version, Upgrade, Connection). RFC 6455
// Section 4 validation needs only lookup-by-name and "does this
// comma/space-separated value list contain token X", so a flat slice is
// enough; net/http.Header is not used here because parseRequestHead builds
// the request straight from raw bytes, before any net/http.Request exists.
type header struct {
	names  []string // canonical (as first seen) name per slot
	values []string
}

// add appends a field, preserving duplicate header lines as RFC 7230
// Section 3.2.2 requires (multiple Sec-WebSocket-Protocol lines, for
// instance, are equivalent to one comma-joined line).
func (h *header) add(name, value string) {
	h.names = append(h.names, name)
	h.values = append(h.values, value)
}

// get returns the first value for name, case-insensitively, and whether it
// was present at all.
func (h *header) get(name string) (string, bool) {
	for i, n := range h.names {
		if strings.EqualFold(n, name) {
			return h.values[i], true
		}
	}
	return "", false
}

// getAll returns every value for name, case-insensitively, in the order
// the header fields appeared on the wire.
func (h *header) getAll(name string) []string {
	var out []string
	for i, n := range h.names {
		if strings.EqualFold(n, name) {
			out = append(out, h.values[i])
		}
	}
	return out
}

// containsToken reports whether name's value(s), split on commas (RFC 7230
// Section 7 list syntax), contain token case-insensitively once surrounding
// OWS is trimmed. Used for Connection: upgrade and Upgrade: websocket,
// both of which RFC 6455 Section 4.1 allows to appear comma-joined with
// other tokens.
func (h *header) containsToken(name, token string) bool {
	for _, v := range h.getAll(name) {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

// set replaces every existing value for name (case-insensitively) with a
// single value, appending name if it wasn't present. Used to render a
// handshake response where a required header must win over any
// caller-supplied extra header of the same name (spec.md §4.4).
func (h *header) set(name, value string) {
	for i, n := range h.names {
		if strings.EqualFold(n, name) {
			h.values[i] = value
			for j := i + 1; j < len(h.names); {
				if strings.EqualFold(h.names[j], name) {
					h.names = append(h.names[:j], h.names[j+1:]...)
					h.values = append(h.values[:j], h.values[j+1:]...)
					continue
				}
				j++
			}
			return
		}
	}
	h.add(name, value)
}

// tokens splits name's value(s) on commas and returns the trimmed,
// non-empty tokens in order, across all occurrences of the header. Used for
// Sec-WebSocket-Protocol negotiation.
func (h *header) tokens(name string) []string {
	var out []string
	for _, v := range h.getAll(name) {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
