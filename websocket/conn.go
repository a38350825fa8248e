package websocket

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"sync"
	"time"
)

// closeHandshakeTimeout bounds how long CloseWithCode waits to observe the
// peer's reply Close frame before giving up and tearing the transport down
// anyway. RFC 6455 Section 7.1.1 doesn't mandate a deadline, but an
// unresponsive peer must not hang Close forever.
const closeHandshakeTimeout = 5 * time.Second

// state is Conn's position in the RFC 6455 Section 7 closing-handshake
// state machine. The Handshaking state lives outside Conn entirely: a Conn
// value only exists once Upgrade/Accept/Dial has already completed it.
type state int32

const (
	stateOpen state = iota
	stateClosingLocal  // we sent a Close frame, waiting for the peer's
	stateClosingRemote // peer sent a Close frame, we haven't echoed yet
	stateClosed
)

// Conn is an open RFC 6455 WebSocket connection, client or server side
// (spec.md §3: Connection). Recv/Send fold the frame layer into whole
// Messages; Ping/Pong/Close drive control frames directly.
//
// A single Conn must not have Recv called from more than one goroutine at
// once, nor Send from more than one goroutine at once (RFC 6455 Section
//5.1: a fragmented message may never be interleaved with another write on
// the same connection) — Split (duplex.go) hands out a Source and Sink
// that make that safe to do concurrently from two goroutines.
type Conn struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer

	who            side
	maxMessageSize uint64

	// Subprotocol is the value negotiated during the handshake, empty if
	// none was requested or none matched.
	Subprotocol string

	writeMu sync.Mutex

	stateMu sync.RWMutex
	st      state

	closeOnce sync.Once

	assembler assembler
}

// assembler accumulates a fragmented message's continuation frames,
// validating text payloads incrementally as they arrive (spec.md §4.5).
type assembler struct {
	active bool
	opcode byte
	buf    bytes.Buffer
	utf8   utf8Validator
}

func (a *assembler) reset() {
	a.active = false
	a.buf.Reset()
	a.utf8 = utf8Validator{}
}

// newConn builds a Conn around an already-upgraded net.Conn. Not exported:
// callers get here through Upgrade or client Dial. Upgrader.Accept only
// renders the response bytes and does not build a Conn.
func newConn(netConn net.Conn, reader *bufio.Reader, writer *bufio.Writer, isServer bool) *Conn {
	who := sideClient
	if isServer {
		who = sideServer
	}
	return &Conn{
		conn:           netConn,
		reader:         reader,
		writer:         writer,
		who:            who,
		maxMessageSize: defaultMaxFramePayload,
	}
}

// SetMaxMessageSize overrides the default per-message size cap (spec.md
// §4.5: exceeding it closes the connection with CloseMessageTooBig).
func (c *Conn) SetMaxMessageSize(n uint64) {
	if n > 0 {
		c.maxMessageSize = n
	}
}

func (c *Conn) state() state {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.st
}

func (c *Conn) setState(s state) {
	c.stateMu.Lock()
	c.st = s
	c.stateMu.Unlock()
}

// Recv reads the next Message: a complete Text or Binary payload reunited
// from however many frames it was split across, or a CloseMsg once the
// peer's Close frame has been read (spec.md §3, §6). After a locally
// initiated close has completed, Recv returns ErrClosed. Ping/Pong are handled
// transparently — Ping triggers an automatic Pong and never reaches the
// caller.
//
//nolint:cyclop,gocognit // mirrors RFC 6455 Section 5's single frame/fragment state diagram
func (c *Conn) Recv() (*Message, error) {
	for {
		if c.state() == stateClosed {
			return nil, ErrClosed
		}

		f, err := c.readOneFrame()
		if err != nil {
			c.setState(stateClosed)
			return nil, err
		}

		switch {
		case f.Opcode == opcodePing:
			if err := c.Pong(f.Payload); err != nil {
				c.setState(stateClosed)
				return nil, err
			}
			continue

		case f.Opcode == opcodePong:
			continue

		case f.Opcode == opcodeClose:
			return c.handlePeerClose(f.Payload)

		// isDataFrame also matches opcodeContinuation; the explicit
		// exclusion keeps continuation frames in the case below, which
		// needs an already-active assembler rather than starting one.
		case isDataFrame(f.Opcode) && f.Opcode != opcodeContinuation:
			if c.assembler.active {
				return nil, c.protocolFail(ReasonUnexpectedContinuation)
			}
			if f.Fin {
				msg, err := c.finishMessage(f.Opcode, f.Payload, true)
				if err != nil {
					return nil, err
				}
				return msg, nil
			}
			c.assembler.active = true
			c.assembler.opcode = f.Opcode
			c.assembler.buf.Reset()
			c.assembler.utf8 = utf8Validator{}
			if err := c.accumulate(f.Payload); err != nil {
				return nil, err
			}

		case f.Opcode == opcodeContinuation:
			if !c.assembler.active {
				return nil, c.protocolFail(ReasonUnexpectedContinuation)
			}
			if err := c.accumulate(f.Payload); err != nil {
				return nil, err
			}
			if f.Fin {
				opcode := c.assembler.opcode
				payload := append([]byte(nil), c.assembler.buf.Bytes()...)
				ok := c.assembler.utf8.finish()
				c.assembler.reset()
				if opcode == opcodeText && !ok {
					return nil, c.protocolFail(ReasonBadUTF8)
				}
				return &Message{Kind: kindFor(opcode), Data: payload}, nil
			}
		}
	}
}

// accumulate appends a fragment's payload to the in-progress message,
// validating UTF-8 incrementally for text messages and enforcing the
// size cap as bytes arrive rather than only once the message is complete.
func (c *Conn) accumulate(payload []byte) error {
	if c.assembler.opcode == opcodeText {
		if _, ok := c.assembler.utf8.push(payload); !ok {
			return c.protocolFail(ReasonBadUTF8)
		}
	}
	c.assembler.buf.Write(payload)
	if uint64(c.assembler.buf.Len()) > c.maxMessageSize {
		return c.protocolFail(ReasonMessageTooBig)
	}
	return nil
}

// finishMessage builds a Message from a single unfragmented data frame.
func (c *Conn) finishMessage(opcode byte, payload []byte, validateWhole bool) (*Message, error) {
	if uint64(len(payload)) > c.maxMessageSize {
		return nil, c.protocolFail(ReasonMessageTooBig)
	}
	if opcode == opcodeText && validateWhole {
		var v utf8Validator
		_, ok := v.push(payload)
		if !ok || !v.finish() {
			return nil, c.protocolFail(ReasonBadUTF8)
		}
	}
	return &Message{Kind: kindFor(opcode), Data: payload}, nil
}

func kindFor(opcode byte) Kind {
	if opcode == opcodeText {
		return Text
	}
	return Binary
}

// protocolFail sends a Close frame matching reason's close code, tears the
// connection state down, and returns the *Error Recv should surface.
func (c *Conn) protocolFail(reason ProtocolReason) error {
	code := closeCodeFor(reason)
	_ = c.sendClose(code, "")
	c.setState(stateClosed)
	return frameProtocol(reason)
}

// handlePeerClose processes an inbound Close frame: RFC 6455 Section 5.5.1/
// 7.1.2 require echoing a Close frame back before the socket goes down,
// unless we were the one who sent the first Close frame, in which case the
// handshake is already complete. Either way Recv's terminal value is a
// CloseMsg Message, not an error.
func (c *Conn) handlePeerClose(payload []byte) (*Message, error) {
	code, reason, cerr := parseClosePayload(payload)
	if cerr != nil {
		if e, ok := cerr.(*Error); ok {
			_ = c.sendClose(closeCodeFor(e.ProtocolReason), "")
		}
		c.setState(stateClosed)
		return nil, cerr
	}

	wasClosingLocal := c.state() == stateClosingLocal
	if !wasClosingLocal {
		c.setState(stateClosingRemote)
		// Reply with 1000 and no reason, whatever code the peer sent.
		_ = c.sendClose(CloseNormalClosure, "")
	}
	c.setState(stateClosed)

	return &Message{Kind: CloseMsg, Code: code, Reason: reason}, nil
}

// parseClosePayload decodes a Close frame body (RFC 6455 Section 5.5.1): an
// optional 2-byte status code followed by an optional UTF-8 reason.
func parseClosePayload(payload []byte) (CloseCode, string, error) {
	switch {
	case len(payload) == 0:
		return CloseNoStatusReceived, "", nil
	case len(payload) == 1:
		return 0, "", frameProtocol(ReasonBadCloseCode)
	}

	code := CloseCode(binary.BigEndian.Uint16(payload[:2]))
	if !code.validOnWire() {
		return 0, "", frameProtocol(ReasonBadCloseCode)
	}
	reason := payload[2:]
	if !utf8Valid(reason) {
		return 0, "", frameProtocol(ReasonBadUTF8)
	}
	return code, string(reason), nil
}

func utf8Valid(b []byte) bool {
	var v utf8Validator
	_, ok := v.push(b)
	return ok && v.finish()
}

// readOneFrame reads exactly one frame's worth of bytes off the blocking
// reader and hands them to decodeFrame for parsing and validation.
// decodeFrame itself is restartable and transport-agnostic; here the
// transport is a blocking net.Conn, so the restart loop is simply "read
// more, in the known sizes RFC 6455 Section 5.2 dictates at each stage."
func (c *Conn) readOneFrame() (*Frame, error) {
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(c.reader, hdr); err != nil {
		return nil, ioError(err)
	}

	var extra []byte
	switch hdr[1] & 0x7F {
	case payloadLen16Bit:
		extra = make([]byte, 2)
	case payloadLen64Bit:
		extra = make([]byte, 8)
	}
	if len(extra) > 0 {
		if _, err := io.ReadFull(c.reader, extra); err != nil {
			return nil, ioError(err)
		}
	}

	var maskKey []byte
	if hdr[1]&0x80 != 0 {
		maskKey = make([]byte, 4)
		if _, err := io.ReadFull(c.reader, maskKey); err != nil {
			return nil, ioError(err)
		}
	}

	var payloadLen uint64
	switch hdr[1] & 0x7F {
	case payloadLen16Bit:
		payloadLen = uint64(binary.BigEndian.Uint16(extra))
	case payloadLen64Bit:
		payloadLen = binary.BigEndian.Uint64(extra)
	default:
		payloadLen = uint64(hdr[1] & 0x7F)
	}
	if payloadLen > c.maxMessageSize {
		// Too large to even buffer: send the 1009 Close and bail before
		// reading the payload.
		_ = c.sendClose(CloseMessageTooBig, "")
		return nil, frameProtocol(ReasonMessageTooBig)
	}

	var payload []byte
	if payloadLen > 0 {
		payload = make([]byte, payloadLen)
		if _, err := io.ReadFull(c.reader, payload); err != nil {
			return nil, ioError(err)
		}
	}

	buf := make([]byte, 0, len(hdr)+len(extra)+len(maskKey)+len(payload))
	buf = append(buf, hdr...)
	buf = append(buf, extra...)
	buf = append(buf, maskKey...)
	buf = append(buf, payload...)

	f, _, err := decodeFrame(buf, c.who, c.maxMessageSize)
	if err != nil {
		if e, ok := err.(*Error); ok && e.Kind == KindFrameProtocol {
			_ = c.sendClose(closeCodeFor(e.ProtocolReason), "")
		}
		return nil, err
	}
	return f, nil
}

func (c *Conn) maskPolicy() maskPolicy {
	if c.who == sideClient {
		return maskWith(newMask())
	}
	return noMask()
}

// flush flushes the write buffer, translating a non-nil error into *Error
// and leaving nil as nil (ioError always wraps, even a nil cause).
func (c *Conn) flush() error {
	if err := c.writer.Flush(); err != nil {
		return ioError(err)
	}
	return nil
}

// Send writes msg as a single, unfragmented frame. Concurrent calls to
// Send on the same Conn are serialized; RFC 6455 Section 5.1 is stricter
// still (no data frame may be interleaved with a fragmented message this
// Conn itself is sending), which single-frame Send trivially satisfies.
func (c *Conn) Send(kind Kind, data []byte) error {
	if c.state() != stateOpen {
		return ErrClosed
	}

	var opcode byte
	switch kind {
	case Text:
		opcode = opcodeText
		if !utf8Valid(data) {
			return frameProtocol(ReasonBadUTF8)
		}
	case Binary:
		opcode = opcodeBinary
	default:
		return ErrInvalidMessageType
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	buf, err := encodeFrame(nil, true, false, false, false, opcode, data, c.maskPolicy())
	if err != nil {
		return err
	}
	if _, err := c.writer.Write(buf); err != nil {
		return ioError(err)
	}
	return c.flush()
}

// SendText is a convenience wrapper around Send for text messages.
func (c *Conn) SendText(text string) error {
	return c.Send(Text, []byte(text))
}

// SendJSON marshals v and sends it as a text message.
func (c *Conn) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Send(Text, data)
}

// ReadJSON reads the next message and unmarshals its Text payload into v.
// A Close frame is reported as a *Error with Kind == KindClosedByPeer
// (checkable with IsCloseError), matching Recv's own CloseMsg handling but
// surfaced as an error since ReadJSON has no Message to hand back instead.
func (c *Conn) ReadJSON(v any) error {
	msg, err := c.Recv()
	if err != nil {
		return err
	}
	if msg.Kind == CloseMsg {
		return &Error{Kind: KindClosedByPeer, Code: msg.Code, PeerReason: msg.Reason}
	}
	if msg.Kind != Text {
		return ErrInvalidMessageType
	}
	return json.Unmarshal(msg.Data, v)
}

// Ping sends a ping control frame. data is optional application data,
// echoed back by the peer's Pong (RFC 6455 Section 5.5.2), max 125 bytes.
func (c *Conn) Ping(data []byte) error {
	return c.writeControl(opcodePing, data)
}

// Pong sends a pong control frame. Recv answers inbound Pings
// automatically; manual Pong is for unsolicited keepalive replies.
func (c *Conn) Pong(data []byte) error {
	return c.writeControl(opcodePong, data)
}

func (c *Conn) writeControl(opcode byte, data []byte) error {
	if c.state() == stateClosed {
		return ErrClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	buf, err := encodeFrame(nil, true, false, false, false, opcode, data, c.maskPolicy())
	if err != nil {
		return err
	}
	if _, err := c.writer.Write(buf); err != nil {
		return ioError(err)
	}
	return c.flush()
}

// Close sends a Close frame with CloseNormalClosure and no reason, then
// shuts down the underlying transport. Idempotent.
func (c *Conn) Close() error {
	return c.CloseWithCode(CloseNormalClosure, "")
}

// CloseWithCode sends a Close frame with the given status code and reason
// (RFC 6455 Section 7.1.2/7.4), then waits for the peer's reply Close frame
// (RFC 6455 Section 7.1.1's closing handshake) before shutting down the
// transport. Idempotent: later calls are no-ops returning nil.
//
// The wait assumes the caller isn't also running a concurrent Recv loop on
// this Conn — the same single-reader contract Recv itself documents. If
// the peer already closed first (Recv already drove the connection to
// stateClosed via handlePeerClose), no second Close frame is sent and no
// wait happens; the transport is simply torn down.
func (c *Conn) CloseWithCode(code CloseCode, reason string) error {
	var outErr error
	c.closeOnce.Do(func() {
		if reason != "" && !utf8Valid([]byte(reason)) {
			outErr = frameProtocol(ReasonBadUTF8)
			return
		}

		if c.state() != stateClosed {
			c.setState(stateClosingLocal)
			if err := c.sendClose(code, reason); err != nil {
				outErr = err
			} else {
				c.drainUntilPeerClose()
			}
		}

		c.setState(stateClosed)
		if c.conn != nil {
			if err := c.conn.Close(); err != nil && outErr == nil {
				outErr = ioError(err)
			}
		}
	})
	return outErr
}

// drainUntilPeerClose blocks, bounded by closeHandshakeTimeout, reading
// frames off the transport until the peer's reply Close frame arrives,
// completing the handshake CloseWithCode started before the transport is
// torn down. Any other frame read in the meantime is discarded; a read
// error (including the deadline firing) just ends the wait, since the
// transport is about to be closed either way.
func (c *Conn) drainUntilPeerClose() {
	if c.conn != nil {
		_ = c.conn.SetReadDeadline(time.Now().Add(closeHandshakeTimeout))
	}
	for {
		f, err := c.readOneFrame()
		if err != nil || f.Opcode == opcodeClose {
			return
		}
	}
}

// sendClose writes a Close frame without tearing down the transport or
// touching closeOnce — used both by CloseWithCode and by the internal
// close-echo/protocol-violation paths, which need to send a Close frame
// without recursing into Close's idempotence guard.
func (c *Conn) sendClose(code CloseCode, reason string) error {
	payload := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(payload, uint16(code))
	copy(payload[2:], reason)
	if code == 0 {
		payload = nil
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	buf, err := encodeFrame(nil, true, false, false, false, opcodeClose, payload, c.maskPolicy())
	if err != nil {
		return err
	}
	if _, err := c.writer.Write(buf); err != nil {
		return ioError(err)
	}
	return c.flush()
}
