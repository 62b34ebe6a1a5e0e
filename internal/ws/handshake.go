package ws

import (
	"bytes"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// websocketGUID is the fixed key-derivation constant from RFC 6455
// section 1.3.
const websocketGUID = "258EAFA5-E914-47DA-95CA-5AB5F7FC6835"

// headerTerminator ends the request line + headers of an HTTP/1.1 request.
var headerTerminator = []byte("\r\n\r\n")

// Handshake errors. All of them mean the connection is dropped without
// an upgrade; none of them crash the listener.
var (
	ErrRequestIncomplete = errors.New("request headers incomplete")
	ErrMalformedRequest  = errors.New("malformed http request")
	ErrMissingSecKey     = errors.New("missing Sec-WebSocket-Key header")
)

// Request is a parsed HTTP/1.1 request head (request line + headers).
type Request struct {
	Method string
	Path   string
	Header http.Header
}

// IsUpgrade reports whether the request asks for a WebSocket upgrade:
// a GET with a case-insensitive "Upgrade: websocket" header.
func (r *Request) IsUpgrade() bool {
	return r.Method == http.MethodGet &&
		strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// ContentLength returns the declared body length for a request with a
// body. An absent header means no body; a value that is negative or does
// not fit an int is a malformed request, not a zero-length body.
func (r *Request) ContentLength() (int, error) {
	v := r.Header.Get("Content-Length")
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, ErrMalformedRequest
	}
	return n, nil
}

// SplitRequest locates the end of the request head in buffered bytes.
// It returns the head (through the terminating CRLFCRLF) and whatever
// followed it in the same reads — those trailing bytes belong to the
// next protocol layer and must not be dropped. ok is false while the
// terminator has not arrived yet.
func SplitRequest(buf []byte) (head, rest []byte, ok bool) {
	idx := bytes.Index(buf, headerTerminator)
	if idx < 0 {
		return nil, nil, false
	}
	cut := idx + len(headerTerminator)
	return buf[:cut], buf[cut:], true
}

// ParseRequest parses a complete request head as returned by SplitRequest.
func ParseRequest(head []byte) (*Request, error) {
	head = bytes.TrimSuffix(head, headerTerminator)
	lines := bytes.Split(head, []byte("\r\n"))
	if len(lines) == 0 {
		return nil, ErrMalformedRequest
	}

	parts := strings.SplitN(string(lines[0]), " ", 3)
	if len(parts) != 3 || !strings.HasPrefix(parts[2], "HTTP/") {
		return nil, ErrMalformedRequest
	}

	req := &Request{
		Method: parts[0],
		Path:   parts[1],
		Header: make(http.Header),
	}
	for _, line := range lines[1:] {
		idx := bytes.IndexByte(line, ':')
		if idx <= 0 {
			return nil, ErrMalformedRequest
		}
		key := strings.TrimSpace(string(line[:idx]))
		val := strings.TrimSpace(string(line[idx+1:]))
		req.Header.Add(key, val)
	}
	return req, nil
}

// AcceptKey derives the Sec-WebSocket-Accept value for a client key:
// base64(SHA1(key + GUID)).
func AcceptKey(secKey string) string {
	sum := sha1.Sum([]byte(secKey + websocketGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// UpgradeResponse builds the 101 Switching Protocols response for an
// upgrade request. It fails only when the client key is missing.
func UpgradeResponse(req *Request) ([]byte, error) {
	secKey := req.Header.Get("Sec-WebSocket-Key")
	if secKey == "" {
		return nil, ErrMissingSecKey
	}

	var sb strings.Builder
	sb.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	sb.WriteString("Upgrade: websocket\r\n")
	sb.WriteString("Connection: Upgrade\r\n")
	sb.WriteString("Sec-WebSocket-Accept: " + AcceptKey(secKey) + "\r\n")
	sb.WriteString("\r\n")
	return []byte(sb.String()), nil
}

// JSONResponse builds a plain HTTP response with a JSON body, used for
// the POST notification endpoint.
func JSONResponse(status int, body string) []byte {
	return []byte(fmt.Sprintf(
		"HTTP/1.1 %d %s\r\nContent-Type: application/json\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		status, http.StatusText(status), len(body), body))
}
