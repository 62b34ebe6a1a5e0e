package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/codetether/tether/internal/tunnel"
	"github.com/codetether/tether/internal/ws"
)

// maxRequestHead bounds the request line + headers of the initial HTTP
// request. Anything longer is not a client we know.
const maxRequestHead = 16 << 10

// readBufferSize is the per-read chunk size for the connection loop.
const readBufferSize = 32 << 10

// maxNotificationBody bounds a POST notification body. Notifications are
// short one-shot messages; a declared length past this drops the
// connection before any body byte is buffered.
const maxNotificationBody = 1 << 20

type connMode uint8

const (
	// modeRequest: accumulating the initial HTTP request head.
	modeRequest connMode = iota
	// modeBody: accumulating a POST notification body.
	modeBody
	// modeFrames: upgraded, bytes go to the frame decoder.
	modeFrames
)

// Connection owns one accepted TCP connection for its whole life:
// handshake, frame decoding, event dispatch, and teardown. All parsing
// and dispatching happens on the connection's read goroutine, which
// gives the per-connection event ordering guarantee for free.
type Connection struct {
	id     int64
	conn   net.Conn
	daemon *Daemon

	mode       connMode
	head       []byte // request head, then POST body while in modeBody
	postLen    int    // validated Content-Length of the pending POST
	dec        *ws.Decoder
	dispatcher *tunnel.Dispatcher

	mu        sync.Mutex // guards writes and the flags below
	closed    bool
	closeSent bool
}

func newConnection(id int64, conn net.Conn, d *Daemon) *Connection {
	return &Connection{
		id:         id,
		conn:       conn,
		daemon:     d,
		dec:        ws.NewDecoder(),
		dispatcher: tunnel.NewDispatcher(d.handler),
	}
}

// Handle reads the connection until it ends, feeding bytes through the
// handshake and frame layers. It returns when the peer disconnects, a
// protocol violation tears the connection down, or the daemon shuts down.
func (c *Connection) Handle(ctx context.Context) {
	upgraded := false
	defer func() {
		c.Close()
		// The disconnected event always trails the last message event;
		// everything is emitted from this goroutine so running it here
		// is sufficient. On daemon shutdown the handler hears nothing.
		if upgraded && ctx.Err() == nil {
			c.dispatcher.Disconnected(c.id)
		}
	}()

	buf := make([]byte, readBufferSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := c.conn.Read(buf)
		if n > 0 {
			ok := c.consume(buf[:n])
			if c.mode == modeFrames {
				upgraded = true
			}
			if !ok {
				return
			}
		}
		if err != nil {
			// EOF, reset, or our own Close: silent teardown.
			return
		}
	}
}

// Close closes the underlying socket once.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

// consume routes one read's worth of bytes through the current mode.
// It returns false when the connection is finished.
func (c *Connection) consume(p []byte) bool {
	switch c.mode {
	case modeRequest:
		c.head = append(c.head, p...)
		if len(c.head) > maxRequestHead {
			log.Debug().Int64("conn", c.id).Msg("request head too large, dropping connection")
			return false
		}
		head, rest, ok := ws.SplitRequest(c.head)
		if !ok {
			return true
		}
		return c.handleRequest(head, rest)

	case modeBody:
		c.head = append(c.head, p...)
		if len(c.head) < c.postLen {
			return true
		}
		return c.finishNotification()

	default:
		return c.feed(p)
	}
}

// handleRequest branches on the parsed HTTP request: WebSocket upgrade,
// POST notification, or garbage. Bytes that arrived after the request
// head in the same reads are handed to the next layer, never dropped.
func (c *Connection) handleRequest(head, rest []byte) bool {
	req, err := ws.ParseRequest(head)
	if err != nil {
		log.Debug().Int64("conn", c.id).Err(err).Msg("malformed request, dropping connection")
		return false
	}

	switch {
	case req.IsUpgrade():
		resp, err := ws.UpgradeResponse(req)
		if err != nil {
			log.Debug().Int64("conn", c.id).Err(err).Msg("rejecting upgrade")
			return false
		}
		if err := c.write(resp); err != nil {
			return false
		}
		log.Debug().Int64("conn", c.id).Str("remote", c.conn.RemoteAddr().String()).Msg("connection upgraded")
		c.mode = modeFrames
		c.head = nil
		if len(rest) > 0 {
			return c.feed(rest)
		}
		return true

	case req.Method == http.MethodPost && req.Path == notificationPath:
		length, err := req.ContentLength()
		if err != nil {
			log.Debug().Int64("conn", c.id).Err(err).Msg("bad content length, dropping connection")
			return false
		}
		if length > maxNotificationBody {
			log.Debug().Int64("conn", c.id).Int("length", length).
				Msg("notification body too large, dropping connection")
			return false
		}
		c.postLen = length
		c.head = append([]byte(nil), rest...)
		if len(c.head) < length {
			c.mode = modeBody
			return true
		}
		return c.finishNotification()

	default:
		log.Debug().Int64("conn", c.id).Str("method", req.Method).Str("path", req.Path).
			Msg("unexpected request, dropping connection")
		return false
	}
}

// finishNotification parses the completed POST body and responds. The
// connection always ends here; notifications are one-shot requests.
func (c *Connection) finishNotification() bool {
	body := c.head[:c.postLen]

	var n tunnel.Notification
	if err := json.Unmarshal(body, &n); err != nil {
		log.Debug().Int64("conn", c.id).Err(err).Msg("bad notification body")
		c.write(ws.JSONResponse(http.StatusBadRequest, `{"status":"error"}`))
		return false
	}

	c.daemon.handleNotification(n)
	c.write(ws.JSONResponse(http.StatusOK, `{"status":"ok"}`))
	return false
}

// feed runs bytes through the frame decoder and acts on the results.
// Events decoded before a violation are still dispatched, in order,
// before the close frame for the violation goes out.
func (c *Connection) feed(p []byte) bool {
	events, err := c.dec.Feed(p)
	for _, ev := range events {
		switch ev.Kind {
		case ws.EventMessage:
			c.dispatcher.Dispatch(c.id, ev.Payload)
		case ws.EventPing:
			if werr := c.write(ws.EncodePong(ev.Payload)); werr != nil {
				return false
			}
		case ws.EventClose:
			c.sendCloseEcho(ev.Payload)
			log.Debug().Int64("conn", c.id).Uint16("code", ev.Code).Str("reason", ev.Reason).
				Msg("close received")
			return false
		}
	}
	if err != nil {
		var ce *ws.CloseError
		if errors.As(err, &ce) {
			c.sendClose(ce.Code, ce.Reason)
			log.Debug().Int64("conn", c.id).Uint16("code", ce.Code).Str("reason", ce.Reason).
				Msg("protocol violation")
		}
		return false
	}
	return true
}

// sendClose sends the server's close frame for a violation. At most one
// close frame ever leaves a connection.
func (c *Connection) sendClose(code uint16, reason string) {
	c.mu.Lock()
	if c.closeSent || c.closed {
		c.mu.Unlock()
		return
	}
	c.closeSent = true
	c.mu.Unlock()
	c.write(ws.EncodeClose(code, reason))
}

// sendCloseEcho echoes a received close frame back verbatim.
func (c *Connection) sendCloseEcho(payload []byte) {
	c.mu.Lock()
	if c.closeSent || c.closed {
		c.mu.Unlock()
		return
	}
	c.closeSent = true
	c.mu.Unlock()
	c.write(ws.EncodeCloseEcho(payload))
}

func (c *Connection) write(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return net.ErrClosed
	}
	_, err := c.conn.Write(p)
	return err
}
