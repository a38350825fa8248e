package websocket

import (
	"errors"
	"unicode/utf8"
)

// Kind identifies the logical payload a Message carries (spec.md §3). Text
// and Binary messages may have been assembled from several continuation
// frames; a CloseMsg never is.
type Kind int

const (
	// Text is a UTF-8 text message (opcode 0x1, and its continuations).
	Text Kind = iota
	// Binary is an arbitrary-bytes message (opcode 0x2, and its continuations).
	Binary
	// CloseMsg is the terminal value delivered by Recv once the peer's
	// Close frame has been read. Code/Reason come from the frame's payload.
	CloseMsg
)

func (k Kind) String() string {
	switch k {
	case Text:
		return "Text"
	case Binary:
		return "Binary"
	case CloseMsg:
		return "Close"
	default:
		return "Unknown"
	}
}

// Message is the unit Conn.Recv/Send exchange: one or more Data frames
// folded together by the assembler (spec.md §3).
type Message struct {
	Kind   Kind
	Data   []byte // Text (valid UTF-8) or Binary payload; unused for CloseMsg
	Code   CloseCode
	Reason string
}

// CloseCode represents WebSocket close status codes (RFC 6455 Section 7.4).
type CloseCode int

const (
	CloseNormalClosure           CloseCode = 1000
	CloseGoingAway               CloseCode = 1001
	CloseProtocolError           CloseCode = 1002
	CloseUnsupportedData         CloseCode = 1003
	CloseNoStatusReceived        CloseCode = 1005 // reserved, never sent on the wire
	CloseAbnormalClosure         CloseCode = 1006 // reserved, never sent on the wire
	CloseInvalidFramePayloadData CloseCode = 1007
	ClosePolicyViolation         CloseCode = 1008
	CloseMessageTooBig           CloseCode = 1009
	CloseMandatoryExtension      CloseCode = 1010
	CloseInternalServerErr       CloseCode = 1011
	CloseServiceRestart          CloseCode = 1012
	CloseTryAgainLater           CloseCode = 1013
	CloseTLSHandshake            CloseCode = 1015 // reserved, never sent on the wire
)

//nolint:cyclop // 14 close codes per RFC 6455 Section 7.4
func (cc CloseCode) String() string {
	switch cc {
	case CloseNormalClosure:
		return "Normal Closure"
	case CloseGoingAway:
		return "Going Away"
	case CloseProtocolError:
		return "Protocol Error"
	case CloseUnsupportedData:
		return "Unsupported Data"
	case CloseNoStatusReceived:
		return "No Status Received"
	case CloseAbnormalClosure:
		return "Abnormal Closure"
	case CloseInvalidFramePayloadData:
		return "Invalid Frame Payload Data"
	case ClosePolicyViolation:
		return "Policy Violation"
	case CloseMessageTooBig:
		return "Message Too Big"
	case CloseMandatoryExtension:
		return "Mandatory Extension"
	case CloseInternalServerErr:
		return "Internal Server Error"
	case CloseServiceRestart:
		return "Service Restart"
	case CloseTryAgainLater:
		return "Try Again Later"
	case CloseTLSHandshake:
		return "TLS Handshake"
	default:
		return "Unknown"
	}
}

// validOnWire reports whether a close code may legally appear in a Close
// frame's payload (spec.md §3): 1000-1015 excluding the reserved
// 1004/1005/1006/1015, plus the registered (3000-3999) and
// application-private (4000-4999) ranges.
func (cc CloseCode) validOnWire() bool {
	switch cc {
	case 1004, 1005, 1006, 1015:
		return false
	}
	switch {
	case cc >= 1000 && cc <= 1015:
		return true
	case cc >= 3000 && cc <= 4999:
		return true
	default:
		return false
	}
}

// IsCloseError reports whether err represents a WebSocket close (either
// side) as opposed to a transport or protocol failure.
func IsCloseError(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == KindClosedByPeer || e.Kind == KindClosedByUs
	}
	return false
}

// IsTemporaryError reports whether err is a transient network error safe to
// retry, as opposed to a close frame or protocol violation.
func IsTemporaryError(err error) bool {
	if err == nil {
		return false
	}

	type temporary interface {
		Temporary() bool
	}

	var e *Error
	if errors.As(err, &e) && e.Err != nil {
		if te, ok := e.Err.(temporary); ok {
			return te.Temporary()
		}
	}

	return false
}

// utf8Validator checks UTF-8 correctness incrementally across fragment
// boundaries (spec.md §4.5: "UTF-8 correctness is checked incrementally
// across fragments"). It builds on unicode/utf8's FullRune, documented for
// exactly this streaming use: telling "not enough bytes yet" apart from
// "genuinely invalid encoding" at the end of a buffer.
type utf8Validator struct {
	tail    [4]byte
	tailLen int
}

// push validates data appended to the prior tail and returns the prefix
// confirmed valid so far; any trailing incomplete rune is held back in v
// for the next call. ok is false the moment an invalid encoding is found.
func (v *utf8Validator) push(data []byte) (confirmed []byte, ok bool) {
	buf := make([]byte, 0, v.tailLen+len(data))
	buf = append(buf, v.tail[:v.tailLen]...)
	buf = append(buf, data...)

	i := 0
	for i < len(buf) {
		if !utf8.FullRune(buf[i:]) {
			remaining := buf[i:]
			copy(v.tail[:], remaining)
			v.tailLen = len(remaining)
			return buf[:i], true
		}
		r, size := utf8.DecodeRune(buf[i:])
		if r == utf8.RuneError && size == 1 {
			return nil, false
		}
		i += size
	}
	v.tailLen = 0
	return buf, true
}

// finish reports whether the message ended cleanly: no incomplete
// multi-byte rune left dangling at the end of the last fragment.
func (v *utf8Validator) finish() bool {
	return v.tailLen == 0
}
