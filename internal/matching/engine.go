// internal/matching/engine.go

// Package matching implements the matchmaking state machine. The engine is
// single-writer: its own mutex guards every transition, all inputs (UI
// commands, server responses, timers) are processed as discrete events, and
// subscribers observe state changes in the exact order they occurred.
package matching

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/lunarlift/matchroom/internal/connmgr"
	"github.com/lunarlift/matchroom/internal/events"
	"github.com/lunarlift/matchroom/internal/protocol"
	"github.com/lunarlift/matchroom/internal/queue"
)

// SessionState is the matchmaking lifecycle state.
type SessionState int

const (
	Idle SessionState = iota
	Searching
	Found
	Starting
	Cancelled
	Failed
)

func (s SessionState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Searching:
		return "searching"
	case Found:
		return "found"
	case Starting:
		return "starting"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Session is one matchmaking attempt. Created by Start, destroyed when a
// terminal state is acknowledged by the caller.
type Session struct {
	PlayerID    uuid.UUID
	GameMode    string
	MatchType   string
	PlayerCount int
	State       SessionState
	StartedAt   time.Time
	Deadline    time.Time
}

// EventType tags engine events.
type EventType string

const (
	EventStateChanged EventType = "state_changed"
	EventProgress     EventType = "progress"
	EventRejected     EventType = "rejected"
	EventMatchFound   EventType = "match_found"
	EventGameStarting EventType = "game_starting"
	EventCancelled    EventType = "cancelled"
	EventFailed       EventType = "failed"
)

// Event is published to subscribers. Reason is set on rejected/cancelled/
// failed events; RoomID and Players on match_found/game_starting.
type Event struct {
	Type    EventType
	State   SessionState
	Reason  protocol.Reason
	Elapsed time.Duration
	RoomID  string
	Players []protocol.PlayerInfo
}

// ResourceGate is the external economy collaborator. Consume is called once
// on entering Searching; Refund rolls it back when the search ends without a
// match being found.
type ResourceGate interface {
	CanAfford(cost int) bool
	Consume(cost int) bool
	Refund(cost int)
}

// Identity is the external identity collaborator.
type Identity interface {
	CurrentPlayerID() uuid.UUID
	Level() int
}

// Sender delivers envelopes to the server; satisfied by *connmgr.Manager.
type Sender interface {
	Send(env protocol.Envelope, prio queue.Priority) error
}

// Engine errors surfaced to the caller. Rejections additionally emit a
// typed event before the error returns.
var (
	ErrBusy                 = errors.New("matching: a session is already active")
	ErrNoSession            = errors.New("matching: no active session")
	ErrInvalidCancel        = errors.New("matching: cancel only valid while searching or found")
	ErrIneligible           = errors.New("matching: player ineligible for requested mode")
	ErrInsufficientResource = errors.New("matching: insufficient resource balance")
)

// Config tunes the engine. Zero values fall back to defaults.
type Config struct {
	SearchTimeout    time.Duration
	ProgressInterval time.Duration
	SearchCost       int
	// MinLevelByMode gates entry per game mode; modes absent from the map
	// have no level requirement.
	MinLevelByMode map[string]int
}

func (c Config) withDefaults() Config {
	if c.SearchTimeout <= 0 {
		c.SearchTimeout = 60 * time.Second
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = time.Second
	}
	if c.SearchCost <= 0 {
		c.SearchCost = 1
	}
	return c
}

// StartRequest is the caller's StartRandomMatch input.
type StartRequest struct {
	GameMode    string
	PlayerCount int
	MatchType   string
}

// Engine is the matchmaking state machine.
type Engine struct {
	mu       sync.Mutex
	cfg      Config
	gate     ResourceGate
	identity Identity
	sender   Sender
	logger   *logrus.Logger

	session *Session
	epoch   uint64 // bumped on every transition; stale timers check it

	searchTimer   *time.Timer
	progressTimer *time.Timer

	// pendingRecovery is set when the connection drops mid-search; the next
	// successful connection triggers a state-recovery query instead of
	// assuming the prior search is still valid server-side.
	pendingRecovery bool

	// pending accumulates events raised while the lock is held; they are
	// published in order after flushAndUnlock releases it, so handlers may
	// call back into the engine.
	pending []Event

	events events.Emitter[Event]
}

// emitLocked queues an event for publication once the lock is released.
// Caller holds the lock.
func (e *Engine) emitLocked(ev Event) {
	e.pending = append(e.pending, ev)
}

// flushAndUnlock releases the lock, then publishes the events queued during
// the critical section in the order they were raised.
func (e *Engine) flushAndUnlock() {
	batch := e.pending
	e.pending = nil
	e.mu.Unlock()
	for _, ev := range batch {
		e.events.Publish(ev)
	}
}

// New builds a matching engine.
func New(cfg Config, gate ResourceGate, identity Identity, sender Sender, logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = logrus.New()
	}
	return &Engine{
		cfg:      cfg.withDefaults(),
		gate:     gate,
		identity: identity,
		sender:   sender,
		logger:   logger,
	}
}

// Subscribe registers an ordered event handler.
func (e *Engine) Subscribe(h func(Event)) events.Unsubscribe {
	return e.events.Subscribe(h)
}

// Bind wires the engine to a connection manager's inbound messages and state
// changes. Returns an unsubscribe handle covering both.
func (e *Engine) Bind(mgr *connmgr.Manager) events.Unsubscribe {
	unsubMsg := mgr.SubscribeMessages(e.HandleEnvelope)
	unsubState := mgr.SubscribeState(e.HandleConnectionState)
	return func() {
		unsubMsg()
		unsubState()
	}
}

// Session returns a copy of the active session, if any.
func (e *Engine) Session() (Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return Session{}, false
	}
	return *e.session, true
}

// State returns the current session state; Idle when no session exists.
func (e *Engine) State() SessionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return Idle
	}
	return e.session.State
}

// Start begins a random-match search. Both precondition gates are checked
// before anything touches the network: a denial emits the matching rejection
// event, leaves the state at Idle, and sends nothing.
func (e *Engine) Start(req StartRequest) error {
	e.mu.Lock()
	defer e.flushAndUnlock()

	if e.session != nil && !terminal(e.session.State) {
		return ErrBusy
	}

	playerID := e.identity.CurrentPlayerID()
	if playerID == uuid.Nil {
		e.emitLocked(Event{Type: EventRejected, State: Idle, Reason: protocol.ReasonIneligible})
		return ErrIneligible
	}
	if min, ok := e.cfg.MinLevelByMode[req.GameMode]; ok && e.identity.Level() < min {
		e.emitLocked(Event{Type: EventRejected, State: Idle, Reason: protocol.ReasonIneligible})
		return ErrIneligible
	}
	if !e.gate.CanAfford(e.cfg.SearchCost) {
		e.emitLocked(Event{Type: EventRejected, State: Idle, Reason: protocol.ReasonInsufficientResource})
		return ErrInsufficientResource
	}
	if !e.gate.Consume(e.cfg.SearchCost) {
		// Balance changed between the check and the consume.
		e.emitLocked(Event{Type: EventRejected, State: Idle, Reason: protocol.ReasonInsufficientResource})
		return ErrInsufficientResource
	}

	now := time.Now()
	e.session = &Session{
		PlayerID:    playerID,
		GameMode:    req.GameMode,
		MatchType:   req.MatchType,
		PlayerCount: req.PlayerCount,
		State:       Searching,
		StartedAt:   now,
		Deadline:    now.Add(e.cfg.SearchTimeout),
	}
	e.epoch++
	e.emitLocked(Event{Type: EventStateChanged, State: Searching})

	env := protocol.NewMatchRequest(protocol.MatchRequest{
		PlayerID:    playerID.String(),
		GameMode:    req.GameMode,
		PlayerCount: req.PlayerCount,
		MatchType:   req.MatchType,
	})
	if err := e.sender.Send(env, queue.High); err != nil {
		// Downstream failure: roll the consumption back and fail the
		// session with an explicit event before returning to Idle.
		e.gate.Refund(e.cfg.SearchCost)
		e.logger.Warnf("matching: search request enqueue failed: %v", err)
		e.failLocked(protocol.ReasonSendFailed)
		return err
	}

	e.armTimersLocked()
	return nil
}

// Cancel aborts an active search or a found-but-unstarted match. The server
// is notified best-effort: a failed send still completes the local
// transition and any divergence is reconciled on the next connection.
func (e *Engine) Cancel() error {
	e.mu.Lock()
	defer e.flushAndUnlock()

	if e.session == nil {
		return ErrNoSession
	}
	if e.session.State != Searching && e.session.State != Found {
		return ErrInvalidCancel
	}

	if err := e.sender.Send(protocol.NewMatchCancel(e.session.PlayerID.String()), queue.Critical); err != nil {
		e.logger.Warnf("matching: cancel notify failed, proceeding locally: %v", err)
		e.pendingRecovery = true
	}

	e.stopTimersLocked()
	e.epoch++
	e.gate.Refund(e.cfg.SearchCost)
	e.session.State = Cancelled
	e.emitLocked(Event{Type: EventCancelled, State: Cancelled, Reason: protocol.ReasonCancelled})
	e.emitLocked(Event{Type: EventStateChanged, State: Cancelled})
	return nil
}

// Acknowledge consumes a terminal session, returning the engine to Idle.
func (e *Engine) Acknowledge() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return ErrNoSession
	}
	if !terminal(e.session.State) {
		return errors.New("matching: session not in a terminal state")
	}
	e.session = nil
	e.epoch++
	return nil
}

func terminal(s SessionState) bool {
	return s == Cancelled || s == Failed || s == Starting
}

// HandleEnvelope processes a validated inbound envelope. Non-matching types
// are ignored.
func (e *Engine) HandleEnvelope(env protocol.Envelope) {
	if env.Type != protocol.TypeMatchResponse {
		return
	}
	var resp protocol.MatchResponse
	if err := protocol.DecodeBody(env, &resp); err != nil {
		e.logger.Warnf("matching: %v", err)
		return
	}

	e.mu.Lock()
	defer e.flushAndUnlock()
	if e.session == nil {
		return
	}

	switch resp.Type {
	case "found":
		if e.session.State != Searching {
			return
		}
		e.stopTimersLocked()
		e.epoch++
		e.session.State = Found
		e.emitLocked(Event{Type: EventMatchFound, State: Found, RoomID: resp.RoomID, Players: resp.Players})
		e.emitLocked(Event{Type: EventStateChanged, State: Found})
	case "game_starting":
		if e.session.State != Found && e.session.State != Searching {
			return
		}
		e.stopTimersLocked()
		e.epoch++
		e.session.State = Starting
		e.emitLocked(Event{Type: EventGameStarting, State: Starting, RoomID: resp.RoomID, Players: resp.Players})
		e.emitLocked(Event{Type: EventStateChanged, State: Starting})
	case "cancelled":
		if terminal(e.session.State) {
			return
		}
		e.stopTimersLocked()
		e.epoch++
		e.gate.Refund(e.cfg.SearchCost)
		e.session.State = Cancelled
		e.emitLocked(Event{Type: EventCancelled, State: Cancelled, Reason: protocol.ReasonCancelled})
		e.emitLocked(Event{Type: EventStateChanged, State: Cancelled})
	case "failed":
		if terminal(e.session.State) {
			return
		}
		reason := resp.Reason
		if reason == "" {
			reason = protocol.ReasonInternal
		}
		e.gate.Refund(e.cfg.SearchCost)
		e.failLocked(reason)
	default:
		e.logger.Warnf("matching: unknown match_response type %q", resp.Type)
	}
}

// HandleConnectionState reacts to connection lifecycle changes. A drop while
// Searching marks the session for recovery; the next Connected issues a
// state-recovery query rather than silently trusting the prior state. A
// terminal connection failure abandons the search.
func (e *Engine) HandleConnectionState(sc connmgr.StateChange) {
	e.mu.Lock()
	defer e.flushAndUnlock()

	switch sc.New {
	case connmgr.Reconnecting:
		if e.session != nil && e.session.State == Searching {
			e.pendingRecovery = true
		}
	case connmgr.Connected:
		if e.pendingRecovery {
			e.pendingRecovery = false
			playerID := ""
			if e.session != nil {
				playerID = e.session.PlayerID.String()
			} else {
				playerID = e.identity.CurrentPlayerID().String()
			}
			if err := e.sender.Send(protocol.NewMatchRecovery(playerID), queue.High); err != nil {
				e.logger.Warnf("matching: recovery query failed: %v", err)
			}
		}
	case connmgr.Failed:
		if e.session != nil && !terminal(e.session.State) {
			e.gate.Refund(e.cfg.SearchCost)
			e.failLocked(protocol.ReasonConnectionLost)
		}
	}
}

// failLocked moves the session to Failed with the given reason. Caller holds
// the lock.
func (e *Engine) failLocked(reason protocol.Reason) {
	e.stopTimersLocked()
	e.epoch++
	e.session.State = Failed
	e.emitLocked(Event{Type: EventFailed, State: Failed, Reason: reason})
	e.emitLocked(Event{Type: EventStateChanged, State: Failed})
}

// armTimersLocked starts the search timeout and the progress cadence for the
// current epoch. Caller holds the lock.
func (e *Engine) armTimersLocked() {
	epoch := e.epoch
	e.searchTimer = time.AfterFunc(e.cfg.SearchTimeout, func() {
		e.mu.Lock()
		defer e.flushAndUnlock()
		if e.epoch != epoch || e.session == nil || e.session.State != Searching {
			return
		}
		e.gate.Refund(e.cfg.SearchCost)
		e.failLocked(protocol.ReasonTimeout)
	})
	e.progressTimer = time.AfterFunc(e.cfg.ProgressInterval, func() { e.progressTick(epoch) })
}

func (e *Engine) progressTick(epoch uint64) {
	e.mu.Lock()
	defer e.flushAndUnlock()
	if e.epoch != epoch || e.session == nil || e.session.State != Searching {
		return
	}
	e.emitLocked(Event{
		Type:    EventProgress,
		State:   Searching,
		Elapsed: time.Since(e.session.StartedAt),
	})
	e.progressTimer = time.AfterFunc(e.cfg.ProgressInterval, func() { e.progressTick(epoch) })
}

// stopTimersLocked cancels the search timers. Caller holds the lock.
func (e *Engine) stopTimersLocked() {
	if e.searchTimer != nil {
		e.searchTimer.Stop()
		e.searchTimer = nil
	}
	if e.progressTimer != nil {
		e.progressTimer.Stop()
		e.progressTimer = nil
	}
}

// Close cancels outstanding timers; call on owner teardown so nothing fires
// against a dead engine.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopTimersLocked()
	e.epoch++
}
