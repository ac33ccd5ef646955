package conn

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mockmatch/mockmatch-client/internal/protocol"
)

func testConfig(url string) Config {
	cfg := DefaultConfig()
	cfg.URL = url
	cfg.DialTimeout = time.Second
	cfg.WriteTimeout = time.Second
	cfg.ReadTimeout = 2 * time.Second
	cfg.PingInterval = 100 * time.Millisecond
	cfg.ReconnectDelay = 20 * time.Millisecond
	cfg.MaxReconnects = 2
	return cfg
}

// newServer upgrades every request and hands the socket to onConn together
// with the 1-based dial count.
func newServer(t *testing.T, onConn func(n int32, c *websocket.Conn)) (*httptest.Server, *int32) {
	t.Helper()
	var dials int32
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&dials, 1)
		c, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		onConn(n, c)
	}))
	t.Cleanup(ts.Close)
	return ts, &dials
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func awaitState(t *testing.T, m *Manager, want State) StateChange {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case sc := <-m.States():
			if sc.State == want {
				return sc
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s (current %s)", want, m.State())
		}
	}
}

func readLoop(c *websocket.Conn) {
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			return
		}
	}
}

func TestConnectSendReceive(t *testing.T) {
	received := make(chan protocol.Envelope, 1)
	ts, _ := newServer(t, func(n int32, c *websocket.Conn) {
		_, data, err := c.ReadMessage()
		if err != nil {
			return
		}
		var env protocol.Envelope
		if json.Unmarshal(data, &env) == nil {
			received <- env
		}
		out := protocol.Envelope{ID: "srv-1", SessionID: "s1", Type: protocol.TypeLobbyUpdate}
		data, _ = json.Marshal(out)
		c.WriteMessage(websocket.TextMessage, data)
		readLoop(c)
	})

	m := NewManager(testConfig(wsURL(ts)), clockwork.NewRealClock())
	require.NoError(t, m.Connect(context.Background(), "s1", "p1"))
	awaitState(t, m, StateOpen)
	defer m.Leave()

	out, err := protocol.NewOutbound("s1", protocol.TypeReadyToContinue, protocol.PhaseID{Phase: protocol.PhaseScoreReveal}, protocol.ReadyPayload{PlayerID: "p1"})
	require.NoError(t, err)
	require.NoError(t, m.Send(out))

	select {
	case env := <-received:
		assert.Equal(t, protocol.TypeReadyToContinue, env.Type)
		assert.Equal(t, "s1", env.SessionID)
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the outbound message")
	}

	select {
	case env := <-m.Inbound():
		assert.Equal(t, protocol.TypeLobbyUpdate, env.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("client never received the inbound message")
	}
}

func TestNormalLeaveDoesNotReconnect(t *testing.T) {
	ts, dials := newServer(t, func(n int32, c *websocket.Conn) {
		readLoop(c)
	})

	m := NewManager(testConfig(wsURL(ts)), clockwork.NewRealClock())
	require.NoError(t, m.Connect(context.Background(), "s1", "p1"))
	awaitState(t, m, StateOpen)

	m.Leave()
	awaitState(t, m, StateClosedNormal)

	time.Sleep(100 * time.Millisecond) // well past the reconnect delay
	assert.EqualValues(t, 1, atomic.LoadInt32(dials), "a normal leave must not reconnect")
	assert.ErrorIs(t, m.Send(&protocol.Envelope{Type: protocol.TypeReadyToContinue}), ErrNotOpen)
}

func TestKickedCloseIsTerminal(t *testing.T) {
	ts, dials := newServer(t, func(n int32, c *websocket.Conn) {
		msg := websocket.FormatCloseMessage(protocol.CloseKicked, "kicked by owner")
		c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		readLoop(c)
	})

	m := NewManager(testConfig(wsURL(ts)), clockwork.NewRealClock())
	require.NoError(t, m.Connect(context.Background(), "s1", "p1"))

	sc := awaitState(t, m, StateClosedKicked)
	assert.Equal(t, protocol.CloseKicked, sc.Code)
	assert.ErrorIs(t, sc.Err, ErrKicked)

	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt32(dials), "kicked must perform zero reconnect attempts")
	assert.ErrorIs(t, m.Send(&protocol.Envelope{Type: protocol.TypeSubmitAnswer}), ErrKicked)
}

func TestAbnormalCloseReconnects(t *testing.T) {
	ts, dials := newServer(t, func(n int32, c *websocket.Conn) {
		if n == 1 {
			// Drop the TCP connection without a close handshake.
			c.Close()
			return
		}
		readLoop(c)
	})

	m := NewManager(testConfig(wsURL(ts)), clockwork.NewRealClock())
	require.NoError(t, m.Connect(context.Background(), "s1", "p1"))
	awaitState(t, m, StateOpen)
	awaitState(t, m, StateClosedAbnormal)
	awaitState(t, m, StateOpen)
	defer m.Leave()

	assert.EqualValues(t, 2, atomic.LoadInt32(dials))
	assert.NoError(t, m.Send(&protocol.Envelope{Type: protocol.TypeRequestState}))
}

func TestReconnectBudgetExhausted(t *testing.T) {
	ts, _ := newServer(t, func(n int32, c *websocket.Conn) {
		readLoop(c)
	})

	cfg := testConfig(wsURL(ts))
	cfg.MaxReconnects = 1
	m := NewManager(cfg, clockwork.NewRealClock())
	require.NoError(t, m.Connect(context.Background(), "s1", "p1"))
	awaitState(t, m, StateOpen)

	ts.CloseClientConnections()
	ts.Close()

	sc := awaitState(t, m, StateTerminal)
	assert.ErrorIs(t, sc.Err, ErrRetryBudgetExhausted)
	assert.ErrorIs(t, m.Send(&protocol.Envelope{Type: protocol.TypeRequestState}), ErrNotOpen)
}
