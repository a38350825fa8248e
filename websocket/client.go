package websocket

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
)

// Dial opens a client WebSocket connection to rawURL ("ws://host[:port]/path",
// "wss://" is rejected — TLS dialing is left to the caller, who can wrap
// Dial's net.Conn construction themselves if they need it) and performs the
// opening handshake (spec.md §6: build_request / verify_response).
func Dial(ctx context.Context, rawURL string, opts *DialOptions) (*Conn, *ResponseHead, error) {
	host, path, err := splitWSURL(rawURL)
	if err != nil {
		return nil, nil, err
	}

	var d net.Dialer
	netConn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		return nil, nil, ioError(fmt.Errorf("dial %s: %w", host, err))
	}

	req, key := BuildRequest(host, path, opts)
	if _, err := netConn.Write(req); err != nil {
		_ = netConn.Close()
		return nil, nil, ioError(err)
	}

	reader := bufio.NewReaderSize(netConn, defaultReadBufferSize)
	head, err := readResponseHead(reader)
	if err != nil {
		_ = netConn.Close()
		return nil, nil, err
	}

	subprotocol, err := head.VerifyResponse(key)
	if err != nil {
		_ = netConn.Close()
		return nil, head, err
	}

	writer := bufio.NewWriterSize(netConn, defaultWriteBufferSize)
	c := newConn(netConn, reader, writer, false)
	c.Subprotocol = subprotocol
	if opts != nil {
		c.SetMaxMessageSize(opts.MaxMessageSize)
	}
	return c, head, nil
}

// splitWSURL parses the minimal "ws://host[:port]/path" form Dial accepts.
func splitWSURL(rawURL string) (host, path string, err error) {
	rest, ok := strings.CutPrefix(rawURL, "ws://")
	if !ok {
		if strings.HasPrefix(rawURL, "wss://") {
			return "", "", handshakeMalformed(fmt.Errorf("wss:// requires a caller-supplied TLS conn, not Dial"))
		}
		return "", "", handshakeMalformed(fmt.Errorf("unsupported WebSocket URL scheme in %q", rawURL))
	}

	parts := strings.SplitN(rest, "/", 2)
	host = parts[0]
	path = "/"
	if len(parts) == 2 {
		path = "/" + parts[1]
	}
	if host == "" {
		return "", "", handshakeMalformed(fmt.Errorf("missing host in %q", rawURL))
	}
	if !strings.Contains(host, ":") {
		host += ":80"
	}
	return host, path, nil
}
