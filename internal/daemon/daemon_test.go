package daemon

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startDaemon runs a daemon on an ephemeral loopback port with a
// SessionRegistry wired as both event and notification consumer.
func startDaemon(t *testing.T) (*Daemon, *SessionRegistry) {
	t.Helper()

	registry := NewSessionRegistry()
	d := New(Config{Addr: "127.0.0.1:0", MaxConnections: 8}, registry, registry)
	require.NoError(t, d.Start())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		d.Stop(ctx)
	})
	return d, registry
}

// dialWS connects an independent WebSocket client to the daemon.
func dialWS(t *testing.T, d *Daemon) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+d.Addr().String()+"/", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never satisfied")
}

func TestDaemon_WebSocketSession(t *testing.T) {
	d, registry := startDaemon(t)
	conn := dialWS(t, d)

	err := conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"session_info","command":"agent","workspacePath":"/home/dev/project"}`))
	require.NoError(t, err)
	err = conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"output","seq":12,"message":{"type":"assistant_text","text":"hi"}}`))
	require.NoError(t, err)

	waitFor(t, func() bool {
		sessions := registry.List()
		for i := range sessions {
			if sessions[i].Command == "agent" && sessions[i].LastSeq == 12 {
				return true
			}
		}
		return false
	})

	sessions := registry.List()
	require.Len(t, sessions, 1)
	assert.Equal(t, SessionStatusActive, sessions[0].Status)
	assert.Equal(t, "/home/dev/project", sessions[0].WorkspacePath)
	assert.NotEmpty(t, sessions[0].ID)

	// Dropping the connection ends the session.
	conn.Close()
	waitFor(t, func() bool { return registry.ActiveCount() == 0 })
	assert.Equal(t, int64(1), registry.Stats().TotalEnded)
}

func TestDaemon_Ping(t *testing.T) {
	d, _ := startDaemon(t)
	conn := dialWS(t, d)

	pong := make(chan string, 1)
	conn.SetPongHandler(func(data string) error {
		pong <- data
		return nil
	})

	err := conn.WriteControl(websocket.PingMessage, []byte("still there?"),
		time.Now().Add(time.Second))
	require.NoError(t, err)

	// Pong delivery requires a concurrent read.
	go conn.ReadMessage()

	select {
	case data := <-pong:
		assert.Equal(t, "still there?", data)
	case <-time.After(2 * time.Second):
		t.Fatal("no pong received")
	}
}

func TestDaemon_CloseHandshake(t *testing.T) {
	d, _ := startDaemon(t)
	conn := dialWS(t, d)

	err := conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"),
		time.Now().Add(time.Second))
	require.NoError(t, err)

	// The daemon echoes our close frame back.
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
	assert.Equal(t, "done", closeErr.Text)
}

func TestDaemon_ProtocolViolationClosesConnection(t *testing.T) {
	d, registry := startDaemon(t)
	conn := dialWS(t, d)

	err := conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3})
	require.NoError(t, err)

	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseUnsupportedData, closeErr.Code)

	waitFor(t, func() bool { return registry.ActiveCount() == 0 })
}

func TestDaemon_PostNotification(t *testing.T) {
	d, registry := startDaemon(t)

	// Register a session so the notification has somewhere to land.
	conn := dialWS(t, d)
	err := conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"session_info","command":"agent","workspacePath":"/w"}`))
	require.NoError(t, err)
	waitFor(t, func() bool {
		sessions := registry.List()
		for i := range sessions {
			if sessions[i].WorkspacePath == "/w" {
				return true
			}
		}
		return false
	})

	resp, err := http.Post("http://"+d.Addr().String()+notificationPath,
		"application/json",
		strings.NewReader(`{"message":"tests passed","workspacePath":"/w"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	waitFor(t, func() bool { return registry.Stats().TotalNotifications == 1 })
	var found bool
	sessions := registry.List()
	for i := range sessions {
		if sessions[i].WorkspacePath == "/w" {
			found = true
			assert.Equal(t, "tests passed", sessions[i].LastNotification)
			assert.False(t, sessions[i].NotifiedAt.IsZero())
		}
	}
	assert.True(t, found)
}

func TestDaemon_PostBadJSON(t *testing.T) {
	d, registry := startDaemon(t)

	resp, err := http.Post("http://"+d.Addr().String()+notificationPath,
		"application/json", strings.NewReader(`{"message": nope`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"error"}`, string(body))
	assert.Zero(t, registry.Stats().TotalNotifications)
}

func TestDaemon_Info(t *testing.T) {
	d, _ := startDaemon(t)

	conn := dialWS(t, d)
	defer conn.Close()

	waitFor(t, func() bool { return d.Info().ConnectionCount == 1 })
	info := d.Info()
	assert.Equal(t, d.Addr().String(), info.Addr)
}

func TestDaemon_StopClosesConnections(t *testing.T) {
	registry := NewSessionRegistry()
	d := New(Config{Addr: "127.0.0.1:0"}, registry, registry)
	require.NoError(t, d.Start())

	conn := dialWS(t, d)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.Stop(ctx))

	// Shutdown drops connections without emitting disconnect events.
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.Zero(t, registry.Stats().TotalEnded)

	// Stop is idempotent; Start after Stop is refused.
	require.NoError(t, d.Stop(ctx))
	assert.Error(t, d.Start())
}
