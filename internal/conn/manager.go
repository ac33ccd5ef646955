// Package conn owns the single websocket connection per lobby membership:
// dialing, keep-alive, close-code classification and bounded reconnection.
package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mockmatch/mockmatch-client/internal/protocol"
)

// State is the lifecycle state of the logical connection.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosedNormal
	StateClosedKicked
	StateClosedAbnormal
	// StateTerminal means the retry budget is exhausted or the close was
	// non-retryable; no further reconnect attempts will be made.
	StateTerminal
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosedNormal:
		return "closed-normal"
	case StateClosedKicked:
		return "closed-kicked"
	case StateClosedAbnormal:
		return "closed-abnormal"
	case StateTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// StateChange is published to the owner whenever the connection state moves.
type StateChange struct {
	State State
	Err   error
	Code  int // websocket close code when known
}

var (
	// ErrNotOpen is returned by Send when the handle is not open. The send
	// is a no-op; callers may retry once after a short delay.
	ErrNotOpen = errors.New("connection not open")
	// ErrKicked is returned by Send after a forced-removal close.
	ErrKicked = errors.New("removed from session")
	// ErrRetryBudgetExhausted surfaces after the bounded reconnect attempts
	// all fail.
	ErrRetryBudgetExhausted = errors.New("reconnect attempts exhausted")
)

// Config holds connection tuning. Defaults mirror ordinary interactive use.
type Config struct {
	URL            string        `yaml:"url"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	MaxReconnects  int           `yaml:"max_reconnects"`
	MaxMessageSize int64         `yaml:"max_message_size"`
	SendBuffer     int           `yaml:"send_buffer"`
}

// DefaultConfig returns the default connection configuration.
func DefaultConfig() Config {
	return Config{
		URL:            "ws://localhost:8080/ws/session",
		DialTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    60 * time.Second,
		PingInterval:   30 * time.Second,
		ReconnectDelay: 2 * time.Second,
		MaxReconnects:  4,
		MaxMessageSize: 64 * 1024,
		SendBuffer:     64,
	}
}

// Manager maintains exactly one logical connection per active session
// membership. A new Connect call for the same session tears down any prior
// handle first. No other component writes to the transport.
type Manager struct {
	cfg    Config
	clock  clockwork.Clock
	dialer *websocket.Dialer

	inbound chan *protocol.Envelope
	states  chan StateChange

	mu        sync.Mutex
	id        string
	sessionID string
	playerID  string
	ws        *websocket.Conn
	send      chan []byte
	state     State
	cancel    context.CancelFunc
	done      chan struct{}
	leaving   bool
}

// NewManager returns a Manager that is not yet connected.
func NewManager(cfg Config, clock clockwork.Clock) *Manager {
	return &Manager{
		cfg:     cfg,
		clock:   clock,
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
		inbound: make(chan *protocol.Envelope, 256),
		states:  make(chan StateChange, 16),
		state:   StateClosedNormal,
	}
}

// Inbound delivers decoded server messages in arrival order.
func (m *Manager) Inbound() <-chan *protocol.Envelope { return m.inbound }

// States delivers connection state transitions.
func (m *Manager) States() <-chan StateChange { return m.states }

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect establishes the connection for a session membership, tearing down
// any previous handle. It returns once the first dial succeeds or fails;
// subsequent reconnects run in the background under the manager's retry
// policy.
func (m *Manager) Connect(ctx context.Context, sessionID, playerID string) error {
	m.teardown()

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	m.mu.Lock()
	m.id = uuid.New().String()
	m.sessionID = sessionID
	m.playerID = playerID
	m.cancel = cancel
	m.done = done
	m.leaving = false
	m.mu.Unlock()

	m.setState(StateChange{State: StateConnecting})
	ws, err := m.dial(runCtx)
	if err != nil {
		cancel()
		close(done)
		m.setState(StateChange{State: StateTerminal, Err: err})
		return fmt.Errorf("dial session socket: %w", err)
	}
	m.attach(ws)

	go m.run(runCtx, done)
	return nil
}

// Send marshals and queues an outbound envelope. Sending while the handle is
// not open is a no-op returning ErrNotOpen (or ErrKicked after a forced
// removal).
func (m *Manager) Send(env *protocol.Envelope) error {
	m.mu.Lock()
	state := m.state
	send := m.send
	m.mu.Unlock()

	switch state {
	case StateClosedKicked:
		return ErrKicked
	case StateOpen:
	default:
		return ErrNotOpen
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal outbound %s: %w", env.Type, err)
	}
	select {
	case send <- data:
		return nil
	default:
		log.Warn().Str("type", string(env.Type)).Msg("send buffer full, message dropped")
		return ErrNotOpen
	}
}

// Leave closes the connection with the normal close code. A normal leave
// never triggers reconnection or a disconnected signal.
func (m *Manager) Leave() {
	m.mu.Lock()
	m.leaving = true
	ws := m.ws
	m.mu.Unlock()

	if ws != nil {
		deadline := time.Now().Add(m.cfg.WriteTimeout)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "leave")
		if err := ws.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
			log.Debug().Err(err).Msg("close frame write failed")
		}
	}
	m.teardown()
	m.setState(StateChange{State: StateClosedNormal, Code: websocket.CloseNormalClosure})
}

// run owns the dial/pump lifecycle until a terminal condition.
func (m *Manager) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	attempts := 0
	for {
		code, err := m.pump(ctx)

		if ctx.Err() != nil || m.isLeaving() {
			return
		}

		switch {
		case code == protocol.CloseKicked:
			// Forced removal: terminal, zero reconnect attempts.
			log.Warn().Str("connection_id", m.connID()).Msg("kicked from session")
			m.setState(StateChange{State: StateClosedKicked, Code: code, Err: ErrKicked})
			return
		case code == websocket.CloseNormalClosure:
			m.setState(StateChange{State: StateClosedNormal, Code: code})
			return
		default:
			m.setState(StateChange{State: StateClosedAbnormal, Code: code, Err: err})
		}

		for {
			attempts++
			if attempts > m.cfg.MaxReconnects {
				log.Error().Int("attempts", attempts-1).Msg("reconnect budget exhausted")
				m.setState(StateChange{State: StateTerminal, Err: ErrRetryBudgetExhausted})
				return
			}

			log.Info().
				Int("attempt", attempts).
				Dur("delay", m.cfg.ReconnectDelay).
				Msg("scheduling reconnect")
			select {
			case <-m.clock.After(m.cfg.ReconnectDelay):
			case <-ctx.Done():
				return
			}

			m.setState(StateChange{State: StateConnecting})
			ws, err := m.dial(ctx)
			if err != nil {
				log.Warn().Err(err).Int("attempt", attempts).Msg("reconnect dial failed")
				continue
			}
			attempts = 0
			m.attach(ws)
			break
		}
	}
}

// pump reads and writes on the current socket until it closes, returning the
// close code when one is known.
func (m *Manager) pump(ctx context.Context) (int, error) {
	m.mu.Lock()
	ws := m.ws
	send := m.send
	m.mu.Unlock()
	if ws == nil {
		return websocket.CloseAbnormalClosure, errors.New("no socket attached")
	}

	writeDone := make(chan struct{})
	go m.writePump(ctx, ws, send, writeDone)
	code, err := m.readPump(ws)
	ws.Close()
	<-writeDone
	return code, err
}

func (m *Manager) writePump(ctx context.Context, ws *websocket.Conn, send chan []byte, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-send:
			if !ok {
				return
			}
			ws.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug().Err(err).Msg("write failed, socket closing")
				return
			}
		case <-ticker.C:
			// Keep-alive. A missing pong is not itself a failure; only the
			// transport's close event is authoritative.
			ws.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().Err(err).Msg("ping failed, socket closing")
				return
			}
		}
	}
}

func (m *Manager) readPump(ws *websocket.Conn) (int, error) {
	ws.SetReadLimit(m.cfg.MaxMessageSize)
	ws.SetReadDeadline(time.Now().Add(m.cfg.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(m.cfg.ReadTimeout))
		return nil
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return closeErr.Code, err
			}
			return websocket.CloseAbnormalClosure, err
		}
		ws.SetReadDeadline(time.Now().Add(m.cfg.ReadTimeout))

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			// Protocol fault: malformed frames are logged and dropped,
			// never fatal.
			log.Warn().Err(err).Msg("malformed message dropped")
			continue
		}
		select {
		case m.inbound <- &env:
		default:
			log.Warn().Str("type", string(env.Type)).Msg("inbound queue full, message dropped")
		}
	}
}

func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(m.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse socket url: %w", err)
	}
	q := u.Query()
	q.Set("session_id", m.sessionID)
	q.Set("player_id", m.playerID)
	u.RawQuery = q.Encode()

	ws, resp, err := m.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return nil, fmt.Errorf("dial rejected with status %d: %w", resp.StatusCode, err)
		}
		return nil, err
	}
	return ws, nil
}

// attach installs a freshly dialed socket and publishes the open state.
// Every successful open clears any pending disconnected signal downstream.
func (m *Manager) attach(ws *websocket.Conn) {
	m.mu.Lock()
	m.ws = ws
	m.send = make(chan []byte, m.cfg.SendBuffer)
	m.mu.Unlock()
	m.setState(StateChange{State: StateOpen})
	log.Info().
		Str("connection_id", m.connID()).
		Str("session_id", m.sessionID).
		Msg("session socket open")
}

func (m *Manager) teardown() {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	ws := m.ws
	m.cancel = nil
	m.done = nil
	m.ws = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ws != nil {
		ws.Close()
	}
	if done != nil {
		<-done
	}
}

func (m *Manager) setState(sc StateChange) {
	m.mu.Lock()
	m.state = sc.State
	m.mu.Unlock()
	select {
	case m.states <- sc:
	default:
		log.Warn().Stringer("state", sc.State).Msg("state channel full, transition dropped")
	}
}

func (m *Manager) isLeaving() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leaving
}

func (m *Manager) connID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.id
}
