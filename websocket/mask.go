package websocket

import (
	"crypto/rand"
	"encoding/binary"
)

// applyMask XORs data in place with the 4-byte masking key, cycling through
// the key every 4 bytes (RFC 6455 Section 5.3). Applying the same key twice
// restores the original bytes: applyMask(k, applyMask(k, d)) == d
// (spec.md §4.1, testable property 1).
//
// Bytes are processed 8 at a time via a widened 64-bit mask word once
// enough data remains, the same word-at-a-time technique used by the
// vectorized scalar fast path in MiraiMindz-watt/shockwave's
// pkg/shockwave/websocket/protocol.go (maskBytesDefault) — any such
// vectorization is required to stay byte-identical to the scalar
// byte-by-byte definition, which is what the tail loop below falls back to.
func applyMask(data []byte, key [4]byte) {
	if len(data) >= 8 {
		word := uint64(key[0]) | uint64(key[1])<<8 | uint64(key[2])<<16 | uint64(key[3])<<24 |
			uint64(key[0])<<32 | uint64(key[1])<<40 | uint64(key[2])<<48 | uint64(key[3])<<56

		i := 0
		for ; i+8 <= len(data); i += 8 {
			v := binary.LittleEndian.Uint64(data[i : i+8])
			binary.LittleEndian.PutUint64(data[i:i+8], v^word)
		}
		for ; i < len(data); i++ {
			data[i] ^= key[i%4]
		}
		return
	}

	for i := range data {
		data[i] ^= key[i%4]
	}
}

// newMask draws a fresh 4-byte masking key from a cryptographically
// acceptable source (spec.md §4.1). The teacher's Conn hard-coded a fixed
// mask key ({0x12, 0x34, 0x56, 0x78}) with a "use crypto/rand in
// production" TODO; this closes that gap.
func newMask() [4]byte {
	var key [4]byte
	// crypto/rand.Read on a 4-byte slice never returns a short read or a
	// retryable error on any supported platform.
	_, _ = rand.Read(key[:])
	return key
}
