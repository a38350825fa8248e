package websocket

import (
	"crypto/rand"
	"crypto/sha1" //#nosec G505 -- SHA-1 is mandated by RFC 6455 Section 1.3, not used for cryptographic security
	"encoding/base64"
)

// websocketGUID is the fixed string RFC 6455 Section 1.3 appends to the
// client's Sec-WebSocket-Key before hashing.
const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// acceptKey computes Sec-WebSocket-Accept from a client's Sec-WebSocket-Key
// header value, copied verbatim (only OWS around the header value is
// stripped by the header parser, never trimmed further):
//
//	accept(key) = base64(SHA-1(key ‖ GUID))
//
// spec.md §4.2, testable property 2:
// acceptKey("dGhlIHNhbXBsZSBub25jZQ==") == "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="
func acceptKey(clientKey string) string {
	//#nosec G401 -- SHA-1 is mandated by RFC 6455 Section 1.3
	h := sha1.New()
	h.Write([]byte(clientKey))
	h.Write([]byte(websocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// newClientKey generates a fresh Sec-WebSocket-Key: 16 random bytes,
// base64-encoded (spec.md §4.4, client request build).
func newClientKey() string {
	var raw [16]byte
	_, _ = rand.Read(raw[:])
	return base64.StdEncoding.EncodeToString(raw[:])
}
