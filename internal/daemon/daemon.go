// Package daemon runs the loopback listener an agent wrapper talks to:
// short HTTP POST notifications and one upgraded WebSocket connection
// per live agent session. Decoded events flow to a tunnel.Handler; the
// daemon itself knows nothing about how they are displayed or stored.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/codetether/tether/internal/tunnel"
)

// notificationPath is the plain-HTTP endpoint for one-shot notifications.
const notificationPath = "/messages"

// Config holds daemon configuration.
type Config struct {
	// Addr is the loopback TCP address to listen on.
	Addr string

	// MaxConnections caps concurrent client connections (0 = unlimited).
	MaxConnections int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:           "127.0.0.1:8377",
		MaxConnections: 64,
	}
}

// NotificationHandler receives POST /messages notifications.
type NotificationHandler interface {
	HandleNotification(n tunnel.Notification)
}

// Daemon accepts connections and runs one Connection per client.
type Daemon struct {
	config  Config
	handler tunnel.Handler
	notify  NotificationHandler

	listener net.Listener

	conns     sync.Map // connID -> *Connection
	connCount atomic.Int64
	nextID    atomic.Int64

	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	started    time.Time
	shutdownMu sync.Mutex
	shutdown   bool
}

// New creates a daemon. handler receives session events; notify receives
// POST notifications. Either may be nil.
func New(config Config, handler tunnel.Handler, notify NotificationHandler) *Daemon {
	if handler == nil {
		handler = tunnel.HandlerFunc(func(int64, tunnel.Event) {})
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		config:  config,
		handler: handler,
		notify:  notify,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start begins listening and accepting connections.
func (d *Daemon) Start() error {
	d.shutdownMu.Lock()
	if d.shutdown {
		d.shutdownMu.Unlock()
		return errors.New("daemon already shut down")
	}
	d.shutdownMu.Unlock()

	listener, err := net.Listen("tcp", d.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", d.config.Addr, err)
	}
	d.listener = listener
	d.started = time.Now()

	log.Info().Str("addr", listener.Addr().String()).Msg("daemon started")

	d.wg.Add(1)
	go d.acceptLoop()

	return nil
}

// Addr returns the bound listen address. Valid after Start; handy when
// configured with port 0.
func (d *Daemon) Addr() net.Addr {
	return d.listener.Addr()
}

// Stop gracefully shuts the daemon down. Per-connection decode state is
// discarded without further handler callbacks.
func (d *Daemon) Stop(ctx context.Context) error {
	d.shutdownMu.Lock()
	if d.shutdown {
		d.shutdownMu.Unlock()
		return nil
	}
	d.shutdown = true
	d.shutdownMu.Unlock()

	log.Info().Msg("daemon stopping")

	d.cancel()

	if d.listener != nil {
		d.listener.Close()
	}

	d.conns.Range(func(_, value any) bool {
		value.(*Connection).Close()
		return true
	})

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until the daemon stops.
func (d *Daemon) Wait() {
	<-d.ctx.Done()
	d.wg.Wait()
}

// Info describes a running daemon.
type Info struct {
	Addr            string        `json:"addr"`
	Uptime          time.Duration `json:"uptime"`
	ConnectionCount int64         `json:"connection_count"`
}

// Info returns daemon status.
func (d *Daemon) Info() Info {
	info := Info{
		ConnectionCount: d.connCount.Load(),
		Uptime:          time.Since(d.started),
	}
	if d.listener != nil {
		info.Addr = d.listener.Addr().String()
	}
	return info
}

func (d *Daemon) handleNotification(n tunnel.Notification) {
	log.Info().Str("workspace", n.WorkspacePath).Str("message", n.Message).
		Msg("notification received")
	if d.notify != nil {
		d.notify.HandleNotification(n)
	}
}

// acceptLoop accepts connections until the listener closes.
func (d *Daemon) acceptLoop() {
	defer d.wg.Done()

	for {
		conn, err := d.listener.Accept()
		if err != nil {
			select {
			case <-d.ctx.Done():
				return
			default:
				log.Warn().Err(err).Msg("accept error")
				continue
			}
		}

		if d.config.MaxConnections > 0 && d.connCount.Load() >= int64(d.config.MaxConnections) {
			log.Warn().Msg("connection limit reached, rejecting connection")
			conn.Close()
			continue
		}

		connID := d.nextID.Add(1)
		clientConn := newConnection(connID, conn, d)

		d.conns.Store(connID, clientConn)
		d.connCount.Add(1)

		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			defer func() {
				d.conns.Delete(connID)
				d.connCount.Add(-1)
			}()
			clientConn.Handle(d.ctx)
		}()
	}
}
