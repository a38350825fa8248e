package websocket

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestAcceptKey_RFCVector(t *testing.T) {
	got := acceptKey("dGhlIHNhbXBsZSBub25jZQ==")
	want := "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="
	if got != want {
		t.Errorf("acceptKey = %q, want %q", got, want)
	}
}

func validRequest() *RequestHead {
	rh := &RequestHead{Method: "GET", Target: "/chat", Version: "HTTP/1.1"}
	rh.Header.add("Host", "example.com")
	rh.Header.add("Upgrade", "websocket")
	rh.Header.add("Connection", "Upgrade")
	rh.Header.add("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
	rh.Header.add("Sec-WebSocket-Version", "13")
	return rh
}

func TestParseRequestHead_Restartable(t *testing.T) {
	raw := []byte("GET /chat HTTP/1.1\r\nHost: example.com\r\nUpgrade: websocket\r\n\r\n")
	for i := 0; i < len(raw)-1; i++ {
		_, _, err := parseRequestHead(raw[:i])
		if !errors.Is(err, errNeedMore) {
			t.Fatalf("prefix %d: err = %v, want errNeedMore", i, err)
		}
	}
	rh, n, err := parseRequestHead(raw)
	if err != nil {
		t.Fatalf("parseRequestHead: %v", err)
	}
	if n != len(raw) {
		t.Errorf("consumed %d, want %d", n, len(raw))
	}
	if rh.Method != "GET" || rh.Target != "/chat" {
		t.Errorf("unexpected request line: %+v", rh)
	}
	if v, _ := rh.Header.get("Host"); v != "example.com" {
		t.Errorf("Host = %q", v)
	}
}

func TestValidateRequestHead_Valid(t *testing.T) {
	key, err := validateRequestHead(validRequest(), &HandshakePolicy{})
	if err != nil {
		t.Fatalf("validateRequestHead: %v", err)
	}
	if key != "dGhlIHNhbXBsZSBub25jZQ==" {
		t.Errorf("key = %q", key)
	}
}

func TestValidateRequestHead_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*RequestHead)
		reason HandshakeReason
	}{
		{"not GET", func(r *RequestHead) { r.Method = "POST" }, ReasonMethodNotGet},
		{"bad version", func(r *RequestHead) { r.Version = "HTTP/1.0" }, ReasonUnsupportedHTTPVersion},
		{"missing key", func(r *RequestHead) {
			r.Header = header{}
			r.Header.add("Upgrade", "websocket")
			r.Header.add("Connection", "Upgrade")
			r.Header.add("Sec-WebSocket-Version", "13")
		}, ReasonMissingKey},
		{"bad key length", func(r *RequestHead) {
			for i, n := range r.Header.names {
				if strings.EqualFold(n, "Sec-WebSocket-Key") {
					r.Header.values[i] = "dG9vc2hvcnQ="
				}
			}
		}, ReasonBadKey},
		{"unsupported ws version", func(r *RequestHead) {
			for i, n := range r.Header.names {
				if strings.EqualFold(n, "Sec-WebSocket-Version") {
					r.Header.values[i] = "8"
				}
			}
		}, ReasonUnsupportedWSVersion},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rh := validRequest()
			tc.mutate(rh)
			_, err := validateRequestHead(rh, &HandshakePolicy{})
			if err == nil || err.HandshakeReason != tc.reason {
				t.Fatalf("err = %v, want %v", err, tc.reason)
			}
		})
	}
}

func TestValidateRequestHead_OriginDenied(t *testing.T) {
	rh := validRequest()
	rh.Header.add("Origin", "https://evil.example")
	policy := &HandshakePolicy{CheckOrigin: func(origin, host string) bool { return false }}
	_, err := validateRequestHead(rh, policy)
	if err == nil || err.HandshakeReason != ReasonOriginDenied {
		t.Fatalf("err = %v, want ReasonOriginDenied", err)
	}
}

func TestUpgrader_Accept(t *testing.T) {
	u := &Upgrader{Policy: HandshakePolicy{Subprotocols: []string{"chat", "echo"}}}
	rh := validRequest()
	rh.Header.add("Sec-WebSocket-Protocol", "echo, superchat")

	response, subprotocol, err := u.Accept(rh, nil)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	resp := string(response)
	if !strings.HasPrefix(resp, "HTTP/1.1 101 Switching Protocols\r\n") {
		t.Errorf("response = %q", resp)
	}
	if !strings.Contains(resp, "Sec-WebSocket-Accept: s3pPLMBiTxaQ9kYGzzhZRbK+xOo=\r\n") {
		t.Errorf("response missing accept header: %q", resp)
	}
	if !strings.Contains(resp, "Sec-WebSocket-Protocol: echo\r\n") {
		t.Errorf("response missing subprotocol header: %q", resp)
	}
	if subprotocol != "echo" {
		t.Errorf("subprotocol = %q, want echo", subprotocol)
	}
}

func TestUpgrader_Accept_ExtraHeaders(t *testing.T) {
	u := &Upgrader{}
	rh := validRequest()
	extra := http.Header{"X-Request-Id": []string{"abc123"}}

	response, _, err := u.Accept(rh, extra)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	resp := string(response)
	if !strings.Contains(resp, "X-Request-Id: abc123\r\n") {
		t.Errorf("response missing extra header: %q", resp)
	}
	extraIdx := strings.Index(resp, "X-Request-Id:")
	upgradeIdx := strings.Index(resp, "Upgrade:")
	if extraIdx < 0 || upgradeIdx < 0 || extraIdx > upgradeIdx {
		t.Errorf("extra headers must be rendered before required ones: %q", resp)
	}
}

func TestUpgrader_Accept_ExtraHeaderCollision(t *testing.T) {
	u := &Upgrader{}
	rh := validRequest()
	extra := http.Header{"Upgrade": []string{"not-websocket"}}

	response, _, err := u.Accept(rh, extra)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	resp := string(response)
	if !strings.Contains(resp, "Upgrade: websocket\r\n") {
		t.Errorf("required Upgrade header did not win collision: %q", resp)
	}
	if strings.Contains(resp, "not-websocket") {
		t.Errorf("caller-supplied Upgrade value leaked into response: %q", resp)
	}
}

func TestUpgrader_Reject(t *testing.T) {
	u := &Upgrader{}
	_, _, err := u.Accept(&RequestHead{Method: "POST"}, nil)
	resp := u.Reject(err, nil)
	if !strings.HasPrefix(string(resp), "HTTP/1.1 400 Bad Request") {
		t.Errorf("reject response = %q", resp)
	}

	rh := validRequest()
	rh.Header.add("Origin", "https://evil.example")
	u2 := &Upgrader{Policy: HandshakePolicy{CheckOrigin: func(string, string) bool { return false }}}
	_, _, err2 := u2.Accept(rh, nil)
	resp2 := u2.Reject(err2, nil)
	if !strings.HasPrefix(string(resp2), "HTTP/1.1 403 Forbidden") {
		t.Errorf("reject response = %q", resp2)
	}
}

func TestUpgrader_Reject_ExtraHeaders(t *testing.T) {
	u := &Upgrader{}
	_, _, err := u.Accept(&RequestHead{Method: "POST"}, nil)
	extra := http.Header{"X-Request-Id": []string{"abc123"}, "Connection": []string{"keep-alive"}}
	resp := string(u.Reject(err, extra))
	if !strings.Contains(resp, "X-Request-Id: abc123\r\n") {
		t.Errorf("reject response missing extra header: %q", resp)
	}
	if !strings.Contains(resp, "Connection: close\r\n") {
		t.Errorf("required Connection header did not win collision: %q", resp)
	}
	if strings.Contains(resp, "keep-alive") {
		t.Errorf("caller-supplied Connection value leaked into response: %q", resp)
	}
}

func TestUpgrade_HijackFailed(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws", http.NoBody)
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
	req.Header.Set("Sec-WebSocket-Version", "13")

	w := httptest.NewRecorder()
	_, err := Upgrade(w, req, nil)
	var e *Error
	if !errors.As(err, &e) || e.HandshakeReason != ReasonHijackFailed {
		t.Errorf("expected ReasonHijackFailed with httptest.ResponseRecorder, got: %v", err)
	}
}

func TestUpgrade_NetHTTP(t *testing.T) {
	var gotErr error
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Upgrade(w, r, nil)
		if err != nil {
			gotErr = err
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer conn.Close()
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, head, err := Dial(context.Background(), wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v (server-side err: %v)", err, gotErr)
	}
	defer conn.Close()
	if head.Status != http.StatusSwitchingProtocols {
		t.Errorf("status = %d", head.Status)
	}
}

func TestUpgrade_ExtraHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Upgrade(w, r, &UpgradeOptions{
			ExtraHeaders: http.Header{
				"X-Request-Id": []string{"abc123"},
				"Upgrade":      []string{"not-websocket"}, // required header must win
			},
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer conn.Close()
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, head, err := Dial(context.Background(), wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	if v, _ := head.Header.get("X-Request-Id"); v != "abc123" {
		t.Errorf("X-Request-Id = %q, want abc123", v)
	}
	if v, _ := head.Header.get("Upgrade"); !strings.EqualFold(v, "websocket") {
		t.Errorf("Upgrade = %q, required header must win the collision", v)
	}
}

func TestUpgrade_SubprotocolNegotiation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Upgrade(w, r, &UpgradeOptions{Subprotocols: []string{"chat"}})
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer conn.Close()
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, head, err := Dial(context.Background(), wsURL, &DialOptions{Subprotocols: []string{"chat"}})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	if conn.Subprotocol != "chat" {
		t.Errorf("client Subprotocol = %q, want chat", conn.Subprotocol)
	}
	if sp, _ := head.Header.get("Sec-WebSocket-Protocol"); sp != "chat" {
		t.Errorf("response Sec-WebSocket-Protocol = %q", sp)
	}
}

func TestParseResponseHead_Restartable(t *testing.T) {
	raw := []byte("HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n\r\n")
	for i := 0; i < len(raw)-1; i++ {
		_, _, err := parseResponseHead(raw[:i])
		if !errors.Is(err, errNeedMore) {
			t.Fatalf("prefix %d: err = %v, want errNeedMore", i, err)
		}
	}
	rh, n, err := parseResponseHead(raw)
	if err != nil {
		t.Fatalf("parseResponseHead: %v", err)
	}
	if n != len(raw) {
		t.Errorf("consumed %d, want %d", n, len(raw))
	}
	if rh.Status != 101 || rh.Reason != "Switching Protocols" {
		t.Errorf("unexpected status line: %+v", rh)
	}
}

func TestVerifyResponse_AcceptMismatch(t *testing.T) {
	rh := &ResponseHead{Status: http.StatusSwitchingProtocols}
	rh.Header.add("Upgrade", "websocket")
	rh.Header.add("Connection", "Upgrade")
	rh.Header.add("Sec-WebSocket-Accept", "not-the-right-value")

	_, err := rh.VerifyResponse("dGhlIHNhbXBsZSBub25jZQ==")
	var e *Error
	if !errors.As(err, &e) || e.HandshakeReason != ReasonBadAcceptToken {
		t.Fatalf("err = %v, want ReasonBadAcceptToken", err)
	}
}

func TestVerifyResponse_BadStatus(t *testing.T) {
	rh := &ResponseHead{Status: http.StatusOK}
	_, err := rh.VerifyResponse("dGhlIHNhbXBsZSBub25jZQ==")
	var e *Error
	if !errors.As(err, &e) || e.HandshakeReason != ReasonBadStatus {
		t.Fatalf("err = %v, want ReasonBadStatus", err)
	}
}

func TestBuildRequest_ContainsRequiredHeaders(t *testing.T) {
	req, key := BuildRequest("example.com:80", "/chat", &DialOptions{Subprotocols: []string{"chat", "echo"}})
	s := string(req)
	if !strings.Contains(s, "GET /chat HTTP/1.1\r\n") {
		t.Error("missing request line")
	}
	if !strings.Contains(s, "Sec-WebSocket-Key: "+key) {
		t.Error("missing matching Sec-WebSocket-Key")
	}
	if !strings.Contains(s, "Sec-WebSocket-Protocol: chat, echo") {
		t.Error("missing joined subprotocol header")
	}
}

func TestBuildRequest_ExtensionsAndExtraHeaders(t *testing.T) {
	req, _ := BuildRequest("example.com:80", "/chat", &DialOptions{
		Extensions: []string{"permessage-deflate", "x-custom"},
		Header:     http.Header{"Authorization": []string{"Bearer abc123"}},
	})
	s := string(req)
	if !strings.Contains(s, "Sec-WebSocket-Extensions: permessage-deflate, x-custom\r\n") {
		t.Errorf("missing joined extensions header: %q", s)
	}
	if !strings.Contains(s, "Authorization: Bearer abc123\r\n") {
		t.Errorf("missing caller-supplied extra header: %q", s)
	}
}

func TestParseRequestHead_Extensions(t *testing.T) {
	raw := []byte("GET /chat HTTP/1.1\r\nHost: example.com\r\nSec-WebSocket-Extensions: permessage-deflate; client_max_window_bits, x-custom\r\n\r\n")
	rh, _, err := parseRequestHead(raw)
	if err != nil {
		t.Fatalf("parseRequestHead: %v", err)
	}
	want := []string{"permessage-deflate; client_max_window_bits", "x-custom"}
	if len(rh.Extensions) != len(want) || rh.Extensions[0] != want[0] || rh.Extensions[1] != want[1] {
		t.Errorf("Extensions = %v, want %v", rh.Extensions, want)
	}
}

func TestParseResponseHead_Extensions(t *testing.T) {
	raw := []byte("HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Extensions: permessage-deflate\r\n\r\n")
	rh, _, err := parseResponseHead(raw)
	if err != nil {
		t.Fatalf("parseResponseHead: %v", err)
	}
	if len(rh.Extensions) != 1 || rh.Extensions[0] != "permessage-deflate" {
		t.Errorf("Extensions = %v, want [permessage-deflate]", rh.Extensions)
	}
}

func TestCheckSameOrigin(t *testing.T) {
	if !CheckSameOrigin("", "example.com") {
		t.Error("empty origin should be allowed")
	}
	if !CheckSameOrigin("https://example.com", "example.com") {
		t.Error("matching origin should be allowed")
	}
	if CheckSameOrigin("https://evil.example", "example.com") {
		t.Error("mismatched origin should be denied")
	}
}
