// internal/connmgr/manager.go

// Package connmgr owns the transport lifecycle: the connection state
// machine, the heartbeat, automatic reconnection with exponential backoff,
// and the outbound queue drain loop. Every transport callback and timer is
// marshalled onto a single dispatch goroutine, so the engines subscribed to
// this manager never observe concurrent mutation of their own state.
package connmgr

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lunarlift/matchroom/internal/events"
	"github.com/lunarlift/matchroom/internal/protocol"
	"github.com/lunarlift/matchroom/internal/queue"
	"github.com/lunarlift/matchroom/internal/transport"
)

// State is the connection manager's lifecycle state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	// Failed is terminal until Reset is called.
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// ErrMaxAttempts is carried on the terminal state change once reconnection
// gives up.
var ErrMaxAttempts = errors.New("connmgr: maximum reconnect attempts exhausted")

// StateChange is published on every transition, in order.
type StateChange struct {
	Old     State
	New     State
	Attempt int   // reconnect attempt counter at transition time
	Err     error // cause, when the transition was fault-driven
}

// Config tunes the manager. Zero values fall back to defaults.
type Config struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	MaxAttempts       int
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 10 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 6
	}
	return c
}

// Manager drives a Transport through the connection state machine.
type Manager struct {
	cfg    Config
	tr     transport.Transport
	q      *queue.Queue
	logger *logrus.Logger

	dispatch chan func()
	stop     chan struct{}
	loopDone chan struct{}

	// loop-owned state; touched only from the dispatch goroutine except for
	// reads through stateSnapshot.
	state       State
	attempts    int
	awaitingAck bool

	heartbeatTimer *time.Timer
	ackTimer       *time.Timer
	reconnectTimer *time.Timer

	stateSnapshot chan State    // 1-buffered mirror for cross-goroutine reads
	drainCh       chan struct{} // wakes the drain loop

	stateEvents events.Emitter[StateChange]
	msgEvents   events.Emitter[protocol.Envelope]
}

// New builds a manager around the given transport and outbound queue. The
// transport must have been constructed with Handlers wired to this manager;
// use Handlers() for that.
func New(cfg Config, q *queue.Queue, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	m := &Manager{
		cfg:           cfg.withDefaults(),
		q:             q,
		logger:        logger,
		dispatch:      make(chan func(), 64),
		stop:          make(chan struct{}),
		loopDone:      make(chan struct{}),
		stateSnapshot: make(chan State, 1),
		drainCh:       make(chan struct{}, 1),
	}
	m.stateSnapshot <- Disconnected
	return m
}

// Handlers returns the transport callback set that feeds this manager. Pass
// it to the transport constructor before calling SetTransport.
func (m *Manager) Handlers() transport.Handlers {
	return transport.Handlers{
		OnMessage: func(data []byte) {
			m.post(func() { m.handleInbound(data) })
		},
		OnError: func(err error) {
			m.post(func() { m.logger.Warnf("connmgr: transport error: %v", err) })
		},
		OnClosed: func(err error) {
			m.post(func() { m.handleClosed(err) })
		},
	}
}

// SetTransport installs the transport. Must be called before Start.
func (m *Manager) SetTransport(tr transport.Transport) { m.tr = tr }

// Start launches the dispatch loop and the queue drain loop.
func (m *Manager) Start() {
	go m.runLoop()
	go m.drainLoop()
}

// Close tears the manager down: timers cancelled, transport disconnected,
// loops stopped. Safe to call once.
func (m *Manager) Close() {
	m.post(func() {
		m.cancelTimers()
		m.setState(Disconnected, nil)
	})
	close(m.stop)
	<-m.loopDone
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = m.tr.Disconnect(ctx)
}

// SubscribeState registers for ordered connection state changes.
func (m *Manager) SubscribeState(h func(StateChange)) events.Unsubscribe {
	return m.stateEvents.Subscribe(h)
}

// SubscribeMessages registers for validated inbound envelopes. Heartbeats are
// absorbed internally and never delivered here.
func (m *Manager) SubscribeMessages(h func(protocol.Envelope)) events.Unsubscribe {
	return m.msgEvents.Subscribe(h)
}

// State reads the current state. Safe from any goroutine.
func (m *Manager) State() State {
	s := <-m.stateSnapshot
	m.stateSnapshot <- s
	return s
}

// Connect begins connecting. Asynchronous: the outcome arrives as state
// change events. The ctx cancels the dial attempt only.
func (m *Manager) Connect(ctx context.Context) {
	m.post(func() {
		if m.state != Disconnected {
			m.logger.Warnf("connmgr: Connect ignored in state %s", m.state)
			return
		}
		m.attempts = 0
		m.beginDial(ctx)
	})
}

// Disconnect cleanly closes the connection and stops reconnection.
func (m *Manager) Disconnect(ctx context.Context) {
	m.post(func() {
		m.cancelTimers()
		m.setState(Disconnected, nil)
	})
	_ = m.tr.Disconnect(ctx)
}

// Reset clears the terminal Failed state back to Disconnected so a fresh
// Connect may be issued.
func (m *Manager) Reset() {
	m.post(func() {
		if m.state != Failed {
			return
		}
		m.attempts = 0
		m.setState(Disconnected, nil)
	})
}

// Send enqueues an envelope for delivery at the given priority. Returns
// queue.ErrQueueFull when the buffer cannot accept it.
func (m *Manager) Send(env protocol.Envelope, prio queue.Priority) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	if err := m.q.Enqueue(data, prio); err != nil {
		return err
	}
	m.kickDrain()
	return nil
}

// post marshals fn onto the dispatch goroutine. Drops the call if the
// manager is stopped.
func (m *Manager) post(fn func()) {
	select {
	case m.dispatch <- fn:
	case <-m.stop:
	}
}

func (m *Manager) runLoop() {
	defer close(m.loopDone)
	for {
		select {
		case fn := <-m.dispatch:
			fn()
		case <-m.stop:
			return
		}
	}
}

// setState transitions and publishes. Loop-owned.
func (m *Manager) setState(next State, cause error) {
	if m.state == next {
		return
	}
	change := StateChange{Old: m.state, New: next, Attempt: m.attempts, Err: cause}
	m.state = next
	<-m.stateSnapshot
	m.stateSnapshot <- next
	m.logger.WithFields(logrus.Fields{
		"from":    change.Old.String(),
		"to":      next.String(),
		"attempt": m.attempts,
	}).Info("connection state changed")
	m.stateEvents.Publish(change)
	if next == Connected {
		m.kickDrain()
	}
}

// beginDial starts a dial attempt in a worker goroutine; the result is
// posted back onto the loop. Loop-owned.
func (m *Manager) beginDial(ctx context.Context) {
	m.setState(Connecting, nil)
	go func() {
		err := m.tr.Connect(ctx)
		m.post(func() { m.dialFinished(err) })
	}()
}

func (m *Manager) dialFinished(err error) {
	if m.state != Connecting {
		// Disconnect or Close raced the dial; drop a successful late dial.
		if err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			_ = m.tr.Disconnect(ctx)
			cancel()
		}
		return
	}
	if err != nil {
		m.logger.Warnf("connmgr: dial failed: %v", err)
		m.scheduleReconnect(err)
		return
	}
	m.attempts = 0
	m.setState(Connected, nil)
	m.startHeartbeat()
}

// handleClosed reacts to the transport dropping out from under us.
func (m *Manager) handleClosed(err error) {
	m.cancelTimers()
	switch m.state {
	case Connected, Connecting:
		if err == nil {
			// Clean local disconnect already transitioned the state.
			if m.state == Connected {
				m.setState(Disconnected, nil)
			}
			return
		}
		m.scheduleReconnect(err)
	default:
		// Already disconnected/reconnecting/failed; nothing to do.
	}
}

// scheduleReconnect applies the exponential backoff and arms the retry
// timer, or gives up terminally after MaxAttempts.
func (m *Manager) scheduleReconnect(cause error) {
	m.attempts++
	if m.attempts > m.cfg.MaxAttempts {
		m.setState(Failed, ErrMaxAttempts)
		m.q.Drain(string(protocol.ReasonConnectionLost))
		return
	}
	delay := m.backoffDelay(m.attempts)
	m.setState(Reconnecting, cause)
	m.logger.Infof("connmgr: reconnect attempt %d/%d in %s", m.attempts, m.cfg.MaxAttempts, delay)
	m.reconnectTimer = time.AfterFunc(delay, func() {
		m.post(func() {
			if m.state != Reconnecting {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			m.setState(Connecting, nil)
			go func() {
				defer cancel()
				err := m.tr.Connect(ctx)
				m.post(func() { m.dialFinished(err) })
			}()
		})
	})
}

// backoffDelay doubles from the base, capped at the max. Non-decreasing
// across consecutive attempts.
func (m *Manager) backoffDelay(attempt int) time.Duration {
	d := m.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= m.cfg.BackoffMax {
			return m.cfg.BackoffMax
		}
	}
	if d > m.cfg.BackoffMax {
		d = m.cfg.BackoffMax
	}
	return d
}

// --- heartbeat ---

func (m *Manager) startHeartbeat() {
	m.awaitingAck = false
	m.heartbeatTimer = time.AfterFunc(m.cfg.HeartbeatInterval, func() {
		m.post(m.sendHeartbeat)
	})
}

func (m *Manager) sendHeartbeat() {
	if m.state != Connected {
		return
	}
	if err := m.Send(protocol.NewHeartbeat(), queue.High); err != nil {
		m.logger.Warnf("connmgr: heartbeat enqueue failed: %v", err)
	}
	m.awaitingAck = true
	m.ackTimer = time.AfterFunc(m.cfg.HeartbeatTimeout, func() {
		m.post(m.heartbeatTimedOut)
	})
}

func (m *Manager) heartbeatTimedOut() {
	if m.state != Connected || !m.awaitingAck {
		return
	}
	m.logger.Warn("connmgr: heartbeat ack missed, forcing reconnect")
	m.cancelTimers()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	_ = m.tr.Disconnect(ctx)
	cancel()
	m.scheduleReconnect(errors.New("connmgr: heartbeat timeout"))
}

func (m *Manager) cancelTimers() {
	for _, t := range []*time.Timer{m.heartbeatTimer, m.ackTimer, m.reconnectTimer} {
		if t != nil {
			t.Stop()
		}
	}
	m.heartbeatTimer, m.ackTimer, m.reconnectTimer = nil, nil, nil
	m.awaitingAck = false
}

// handleInbound validates one frame and routes it. Malformed or stale frames
// are logged and dropped here; they never reach the engines.
func (m *Manager) handleInbound(data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		m.logger.Warnf("connmgr: dropping inbound frame: %v", err)
		return
	}
	switch env.Type {
	case protocol.TypeHeartbeatAck:
		m.awaitingAck = false
		if m.ackTimer != nil {
			m.ackTimer.Stop()
			m.ackTimer = nil
		}
		if m.state == Connected {
			m.heartbeatTimer = time.AfterFunc(m.cfg.HeartbeatInterval, func() {
				m.post(m.sendHeartbeat)
			})
		}
	case protocol.TypeHeartbeat:
		// Server-initiated probe; answer immediately at high priority.
		if err := m.Send(protocol.NewHeartbeatAck(), queue.High); err != nil {
			m.logger.Warnf("connmgr: heartbeat ack enqueue failed: %v", err)
		}
	default:
		m.msgEvents.Publish(env)
	}
}
