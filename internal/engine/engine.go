// Package engine is the session controller: one goroutine consumes inbound
// messages, connection state changes, local actions and timer ticks from a
// single queue, keeping the phase mirror, readiness sets and timers in
// lockstep with the server.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mockmatch/mockmatch-client/internal/clocksync"
	"github.com/mockmatch/mockmatch-client/internal/conn"
	"github.com/mockmatch/mockmatch-client/internal/dedupe"
	"github.com/mockmatch/mockmatch-client/internal/phase"
	"github.com/mockmatch/mockmatch-client/internal/protocol"
	"github.com/mockmatch/mockmatch-client/internal/ready"
	"github.com/mockmatch/mockmatch-client/internal/timer"
)

// Transport is the single connection handle the engine writes through.
// *conn.Manager implements it; tests substitute a fake.
type Transport interface {
	Connect(ctx context.Context, sessionID, playerID string) error
	Send(env *protocol.Envelope) error
	Inbound() <-chan *protocol.Envelope
	States() <-chan conn.StateChange
	Leave()
}

// ErrSessionClosed is returned by actions after the session ended or the
// player was removed.
var ErrSessionClosed = errors.New("session closed")

type readyKey struct {
	id   protocol.PhaseID
	kind ready.Kind
}

// Engine mirrors one session for one player.
type Engine struct {
	cfg       Config
	clock     clockwork.Clock
	transport Transport

	sync      *clocksync.Synchronizer
	dedup     *dedupe.Deduplicator
	machine   *phase.Machine
	readiness *ready.Aggregator
	timers    *timer.Engine

	sessionID string
	playerID  string

	commands chan func()
	updates  chan Update

	runCtx context.Context
	cancel context.CancelFunc
	done   chan struct{}

	graceTimer  clockwork.Timer
	graceFrom   protocol.PhaseID
	graceTarget protocol.PhaseID

	enteredAt         time.Time
	sentReady         map[readyKey]struct{}
	requestedQuestion map[protocol.PhaseID]struct{}
	allReadyContinue  bool
	reconnecting      bool
	terminal          bool
	terminalErr       error
}

// New builds an engine around a transport. Start must be called before any
// action.
func New(cfg Config, clock clockwork.Clock, transport Transport) *Engine {
	sync := clocksync.New(clock)
	return &Engine{
		cfg:               cfg,
		clock:             clock,
		transport:         transport,
		sync:              sync,
		dedup:             dedupe.New(clock, cfg.DedupeWindow),
		machine:           phase.NewMachine(),
		readiness:         ready.NewAggregator(),
		timers:            timer.New(sync),
		commands:          make(chan func(), 64),
		updates:           make(chan Update, 64),
		sentReady:         make(map[readyKey]struct{}),
		requestedQuestion: make(map[protocol.PhaseID]struct{}),
	}
}

// Start connects the transport and launches the run loop. The engine runs
// until Leave, a terminal fault, or ctx cancellation.
func (e *Engine) Start(ctx context.Context, sessionID, playerID string) error {
	e.sessionID = sessionID
	e.playerID = playerID
	e.runCtx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})

	if err := e.transport.Connect(e.runCtx, sessionID, playerID); err != nil {
		e.cancel()
		close(e.done)
		return err
	}

	go e.run()
	log.Info().Str("session_id", sessionID).Str("player_id", playerID).Msg("sync engine started")
	return nil
}

// Updates delivers state changes to the rendering layer. Slow consumers lose
// intermediate updates, never the engine.
func (e *Engine) Updates() <-chan Update { return e.updates }

// Done closes when the run loop has exited.
func (e *Engine) Done() <-chan struct{} { return e.done }

// run is the single dispatcher. All mutation of the mirror happens here.
func (e *Engine) run() {
	defer close(e.done)
	ticker := e.clock.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()
	defer e.cancelGrace()

	for {
		select {
		case <-e.runCtx.Done():
			return
		case env, ok := <-e.transport.Inbound():
			if ok && env != nil {
				e.handleInbound(env)
			}
		case sc := <-e.transport.States():
			e.handleConnState(sc)
		case fn := <-e.commands:
			fn()
		case <-ticker.Chan():
			e.handleTick()
		case <-e.graceChan():
			e.handleGraceExpired()
		}
	}
}

// --- local actions -------------------------------------------------------

// SubmitAnswer records the local submission optimistically and sends it.
// A repeated submit for the same phase instance is suppressed.
func (e *Engine) SubmitAnswer(answer string) {
	e.post(func() {
		if e.terminal {
			return
		}
		if e.machine.SubmittedLocally(e.playerID) {
			log.Debug().Msg("duplicate local submit suppressed")
			return
		}
		st := e.machine.State()
		eff := e.machine.LocalSubmit(e.playerID)
		env, err := protocol.NewOutbound(e.sessionID, protocol.TypeSubmitAnswer, e.machine.ID(), protocol.SubmitAnswerPayload{
			PlayerID:   e.playerID,
			Answer:     answer,
			QuestionID: st.QuestionID,
		})
		if err != nil {
			log.Error().Err(err).Msg("build submit_answer")
			return
		}
		e.sendWithRetry(env)
		e.maybeArmGrace(eff)
		e.emitPhase()
	})
}

// ReadyForScores signals readiness to view results. Idempotent at the
// source: a repeated call for the same phase instance sends nothing.
func (e *Engine) ReadyForScores() {
	e.post(func() { e.signalReady(ready.KindForScores, protocol.TypeReadyForScores) })
}

// ReadyToContinue signals readiness for the next shared transition.
func (e *Engine) ReadyToContinue() {
	e.post(func() { e.signalReady(ready.KindToContinue, protocol.TypeReadyToContinue) })
}

// Leave ends the membership: cancels all timers, closes the connection with
// the normal code and discards session state.
func (e *Engine) Leave() {
	e.post(func() {
		log.Info().Str("session_id", e.sessionID).Msg("leaving session")
		e.cancelGrace()
		e.timers.Reset()
		e.machine = phase.NewMachine()
		e.readiness.Reset(protocol.PhaseID{})
		e.transport.Leave()
		e.cancel()
	})
}

// Snapshot returns a copy of the current phase mirror, synchronized through
// the run loop.
func (e *Engine) Snapshot() phase.State {
	ch := make(chan phase.State, 1)
	e.post(func() { ch <- e.machine.State() })
	select {
	case st := <-ch:
		return st
	case <-e.done:
		return phase.State{}
	}
}

func (e *Engine) post(fn func()) {
	select {
	case e.commands <- fn:
	case <-e.done:
	}
}

// --- inbound path --------------------------------------------------------

func (e *Engine) handleInbound(env *protocol.Envelope) {
	if e.terminal {
		return
	}
	if env.ServerTime != 0 {
		e.sync.Update(env.ServerTime)
	}
	switch e.dedup.Accept(env, e.machine.ID()) {
	case dedupe.Forward:
		e.dispatch(env)
	case dedupe.Buffered, dedupe.Drop:
		// Ordering faults are absorbed silently; dedupe already logged.
	}
}

func (e *Engine) dispatch(env *protocol.Envelope) {
	payload, err := protocol.ParsePayload(env)
	if err != nil {
		log.Warn().Err(err).Str("type", string(env.Type)).Msg("protocol fault, message dropped")
		return
	}
	if payload == nil {
		log.Warn().Str("type", string(env.Type)).Msg("unrecognized message kind dropped")
		return
	}

	switch env.Type {
	case protocol.TypePlayerReadyForScores:
		p := payload.(*protocol.ReadyPayload)
		e.registerReady(env.PhaseID(), ready.KindForScores, p.PlayerID)
		return
	case protocol.TypePlayerReadyContinue:
		p := payload.(*protocol.ReadyPayload)
		e.registerReady(env.PhaseID(), ready.KindToContinue, p.PlayerID)
		return
	case protocol.TypeAllReadyContinue:
		e.allReadyContinue = true
		e.emitPhase()
		return
	}

	eff := e.machine.Apply(env, payload)
	e.afterServerEvent(env, eff)

	// A snapshot replaces readiness wholesale along with the phase mirror.
	if env.Type == protocol.TypeStateSnapshot {
		p := payload.(*protocol.SnapshotPayload)
		e.timers.Reset()
		id := e.machine.ID()
		for _, pid := range p.ReadyForScores {
			e.readiness.Register(id, ready.KindForScores, pid)
		}
		for _, pid := range p.ReadyToContinue {
			e.readiness.Register(id, ready.KindToContinue, pid)
		}
		if len(p.ReadyForScores)+len(p.ReadyToContinue) > 0 {
			e.emitPhase()
		}
	}

	// A prepare_for_scores may have a buffered synchronized scores message
	// waiting; replay it now that the precursor arrived.
	if env.Type == protocol.TypePrepareForScores {
		if held := e.dedup.TakeBuffered(env.PhaseID()); held != nil {
			log.Debug().Stringer("phase", env.PhaseID()).Msg("replaying buffered synchronized scores")
			e.dispatch(held)
		}
	}
}

func (e *Engine) afterServerEvent(env *protocol.Envelope, eff phase.Effects) {
	if !eff.Applied {
		return
	}
	// Any authoritative phase-relevant event cancels a pending grace-period
	// backstop; the server message always wins if it arrives first.
	if protocol.IsPhaseChanging(env.Type) {
		e.cancelGrace()
	}
	if eff.PhaseChanged {
		e.onPhaseEntered(eff.Entered)
	}
	e.maybeArmGrace(eff)
	e.emitPhase()
}

// onPhaseEntered runs the per-identity housekeeping for a fresh phase.
func (e *Engine) onPhaseEntered(id protocol.PhaseID) {
	e.enteredAt = e.clock.Now()
	e.dedup.Reset(id)
	e.readiness.Reset(id)
	e.allReadyContinue = false
	for key := range e.sentReady {
		if key.id != id {
			delete(e.sentReady, key)
		}
	}
	for rid := range e.requestedQuestion {
		if rid != id {
			delete(e.requestedQuestion, rid)
		}
	}
	// Local fallback start-time: until a server clock sample exists, the
	// moment of entry stands in for the server-provided start.
	e.machine.EnsurePhaseStart(e.sync.Now())
	log.Info().Stringer("phase", id).Msg("phase entered")
}

// maybeArmGrace arms the bounded backstop that force-advances to the score
// reveal when the server's transition message goes missing after everyone
// submitted.
func (e *Engine) maybeArmGrace(eff phase.Effects) {
	if !eff.AllSubmittedNow {
		return
	}
	cur := e.machine.ID()
	if cur.Phase != protocol.PhaseAnswerSubmission {
		return
	}
	e.armGrace(protocol.PhaseID{Phase: protocol.PhaseScoreReveal, QuestionIndex: cur.QuestionIndex})
}

func (e *Engine) armGrace(target protocol.PhaseID) {
	e.cancelGrace()
	e.graceTimer = e.clock.NewTimer(e.cfg.GracePeriod)
	e.graceFrom = e.machine.ID()
	e.graceTarget = target
	log.Debug().Stringer("from", e.graceFrom).Stringer("target", target).Dur("grace", e.cfg.GracePeriod).Msg("grace backstop armed")
}

func (e *Engine) cancelGrace() {
	if e.graceTimer == nil {
		return
	}
	if !e.graceTimer.Stop() {
		select {
		case <-e.graceTimer.Chan():
		default:
		}
	}
	e.graceTimer = nil
}

func (e *Engine) graceChan() <-chan time.Time {
	if e.graceTimer == nil {
		return nil
	}
	return e.graceTimer.Chan()
}

func (e *Engine) handleGraceExpired() {
	e.graceTimer = nil
	if e.terminal || e.machine.ID() != e.graceFrom {
		return
	}
	eff := e.machine.ForceAdvance(e.graceTarget, e.sync.Now())
	if eff.PhaseChanged {
		e.onPhaseEntered(eff.Entered)
		e.emitPhase()
	}
}

// --- tick path -----------------------------------------------------------

func (e *Engine) handleTick() {
	if e.terminal {
		return
	}
	st := e.machine.State()
	id := st.ID()
	remaining := 0

	switch st.Phase {
	case protocol.PhaseRoundCountdown:
		rem, expired := e.timers.Tick(id, st.PhaseStart, st.DurationSec)
		remaining = rem
		if expired {
			// Wait one grace window for round_start_navigate before
			// advancing on our own.
			e.armGrace(protocol.PhaseID{Phase: protocol.PhaseQuestionDisplay})
		}

	case protocol.PhaseQuestionDisplay:
		if st.QuestionText == "" {
			e.maybeRequestQuestion(id)
			break
		}
		rem, expired := e.timers.Tick(id, st.PhaseStart, st.ReadingSec)
		remaining = rem
		if expired {
			// The reading phase is client-autonomous; content for the next
			// phase still waits for a server advance event.
			eff := e.machine.ForceAdvance(protocol.PhaseID{Phase: protocol.PhaseAnswerSubmission, QuestionIndex: id.QuestionIndex}, e.sync.Now())
			if eff.PhaseChanged {
				e.onPhaseEntered(eff.Entered)
				e.emitPhase()
			}
		}

	case protocol.PhaseAnswerSubmission:
		rem, expired := e.timers.Tick(id, st.PhaseStart, st.DurationSec)
		remaining = rem
		if expired {
			// Advisory only; the server's timeout is the binding deadline.
			e.sendTimerExpired(id)
		}
	}

	e.emit(Update{Kind: UpdateTick, State: st, Remaining: remaining, Connection: e.connState()})
}

func (e *Engine) maybeRequestQuestion(id protocol.PhaseID) {
	if _, done := e.requestedQuestion[id]; done {
		return
	}
	if e.clock.Now().Sub(e.enteredAt) < e.cfg.QuestionWait {
		return
	}
	e.requestedQuestion[id] = struct{}{}
	env, err := protocol.NewOutbound(e.sessionID, protocol.TypeRequestQuestion, id, nil)
	if err != nil {
		log.Error().Err(err).Msg("build request_question")
		return
	}
	log.Info().Stringer("phase", id).Msg("question content missing, requesting")
	e.sendWithRetry(env)
}

func (e *Engine) sendTimerExpired(id protocol.PhaseID) {
	env, err := protocol.NewOutbound(e.sessionID, protocol.TypeTimerExpired, id, protocol.TimerExpiredPayload{PlayerID: e.playerID})
	if err != nil {
		log.Error().Err(err).Msg("build timer_expired")
		return
	}
	e.sendWithRetry(env)
}

// --- readiness -----------------------------------------------------------

func (e *Engine) signalReady(kind ready.Kind, t protocol.MessageType) {
	if e.terminal {
		return
	}
	id := e.machine.ID()
	key := readyKey{id: id, kind: kind}
	if _, dup := e.sentReady[key]; dup {
		// Suppressed at the source, not merely at the aggregator.
		log.Debug().Stringer("phase", id).Str("kind", string(kind)).Msg("duplicate readiness signal suppressed")
		return
	}
	e.sentReady[key] = struct{}{}
	e.readiness.Register(id, kind, e.playerID)
	env, err := protocol.NewOutbound(e.sessionID, t, id, protocol.ReadyPayload{PlayerID: e.playerID})
	if err != nil {
		log.Error().Err(err).Msg("build readiness message")
		return
	}
	e.sendWithRetry(env)
	e.emitPhase()
}

func (e *Engine) registerReady(id protocol.PhaseID, kind ready.Kind, playerID string) {
	if id != e.machine.ID() {
		return
	}
	if e.readiness.Register(id, kind, playerID) {
		e.emitPhase()
	}
}

// --- connection state ----------------------------------------------------

func (e *Engine) handleConnState(sc conn.StateChange) {
	switch sc.State {
	case conn.StateOpen:
		wasReconnecting := e.reconnecting
		e.reconnecting = false
		if wasReconnecting {
			// Rebuild the mirror from a fresh snapshot instead of replaying
			// missed history.
			e.requestState()
		}
		e.emit(Update{Kind: UpdateConnection, State: e.machine.State(), Connection: conn.StateOpen})

	case conn.StateClosedAbnormal, conn.StateConnecting:
		e.reconnecting = true
		e.emit(Update{Kind: UpdateConnection, State: e.machine.State(), Connection: sc.State, Reconnecting: true})

	case conn.StateClosedKicked:
		e.fail(conn.ErrKicked)

	case conn.StateTerminal:
		err := sc.Err
		if err == nil {
			err = conn.ErrRetryBudgetExhausted
		}
		e.fail(err)

	case conn.StateClosedNormal:
		// User-initiated leave: no disconnected signal.
	}
}

func (e *Engine) requestState() {
	env, err := protocol.NewOutbound(e.sessionID, protocol.TypeRequestState, e.machine.ID(), nil)
	if err != nil {
		log.Error().Err(err).Msg("build request_state")
		return
	}
	e.sendWithRetry(env)
}

// fail enters the terminal state: all timers cancelled, outbound rejected,
// one blocking notice surfaced to the rendering layer.
func (e *Engine) fail(err error) {
	if e.terminal {
		return
	}
	e.terminal = true
	e.terminalErr = err
	e.cancelGrace()
	e.timers.Reset()
	log.Error().Err(err).Str("session_id", e.sessionID).Msg("session ended with terminal fault")
	e.emit(Update{Kind: UpdateTerminal, State: e.machine.State(), Connection: e.connState(), Err: err})
}

func (e *Engine) connState() conn.State {
	if s, ok := e.transport.(interface{ State() conn.State }); ok {
		return s.State()
	}
	return conn.StateOpen
}

// --- outbound ------------------------------------------------------------

// sendWithRetry sends an envelope, retrying once after a short delay when the
// handle is not yet open.
func (e *Engine) sendWithRetry(env *protocol.Envelope) {
	err := e.transport.Send(env)
	if err == nil {
		return
	}
	if errors.Is(err, conn.ErrKicked) {
		log.Debug().Str("type", string(env.Type)).Msg("outbound rejected after kick")
		return
	}
	if !errors.Is(err, conn.ErrNotOpen) {
		log.Warn().Err(err).Str("type", string(env.Type)).Msg("send failed")
		return
	}
	log.Debug().Str("type", string(env.Type)).Msg("send while closed, retrying once")
	go func() {
		select {
		case <-e.clock.After(e.cfg.SendRetryDelay):
			e.post(func() {
				if e.terminal {
					return
				}
				if err := e.transport.Send(env); err != nil {
					log.Warn().Err(err).Str("type", string(env.Type)).Msg("send retry failed, message dropped")
				}
			})
		case <-e.runCtx.Done():
		}
	}()
}

// --- updates out ---------------------------------------------------------

func (e *Engine) emitPhase() {
	st := e.machine.State()
	id := st.ID()
	total := e.machine.TotalPlayers()
	e.emit(Update{
		Kind:               UpdatePhase,
		State:              st,
		Connection:         e.connState(),
		Reconnecting:       e.reconnecting,
		ReadyForScores:     e.readiness.Count(id, ready.KindForScores),
		ReadyToContinue:    e.readiness.Count(id, ready.KindToContinue),
		AllReadyForScores:  e.readiness.IsAllReady(id, ready.KindForScores, total),
		AllReadyToContinue: e.allReadyContinue || e.readiness.IsAllReady(id, ready.KindToContinue, total),
	})
}

func (e *Engine) emit(u Update) {
	select {
	case e.updates <- u:
	default:
		// Rendering layer is behind; dropping intermediate updates is safe
		// because every update carries the full state.
	}
}
