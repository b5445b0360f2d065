// internal/roomsync/sync.go

// Package roomsync keeps the client-local authoritative mirror of a room and
// reconciles inbound versioned sync messages: stale duplicates are ignored,
// the next version applies directly, and a version gap triggers a full-state
// resync request rather than partial replay.
package roomsync

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/lunarlift/matchroom/internal/connmgr"
	"github.com/lunarlift/matchroom/internal/events"
	"github.com/lunarlift/matchroom/internal/protocol"
	"github.com/lunarlift/matchroom/internal/queue"
)

// Outcome describes what Apply did with a sync message.
type Outcome int

const (
	// Applied: the message advanced the mirror.
	Applied Outcome = iota
	// Stale: version at or below the mirror; duplicate or reordered, ignored.
	Stale
	// Gap: version skipped ahead; a full resync was requested instead.
	Gap
	// WrongRoom: the message was for a room we are not tracking.
	WrongRoom
)

// Sender delivers resync requests; satisfied by *connmgr.Manager.
type Sender interface {
	Send(env protocol.Envelope, prio queue.Priority) error
}

// Synchronizer mirrors a single room's state.
type Synchronizer struct {
	mu     sync.Mutex
	sender Sender
	logger *logrus.Logger

	code      string
	state     protocol.RoomStateSync
	primed    bool
	resyncing bool

	// pending holds updates raised under the lock; flushAndUnlock publishes
	// them after release so handlers may call back into the synchronizer.
	pending []protocol.RoomStateSync

	updates events.Emitter[protocol.RoomStateSync]
}

func (s *Synchronizer) emitLocked(msg protocol.RoomStateSync) {
	s.pending = append(s.pending, msg)
}

func (s *Synchronizer) flushAndUnlock() {
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, msg := range batch {
		s.updates.Publish(msg)
	}
}

// New builds a synchronizer. Track must be called before messages arrive.
func New(sender Sender, logger *logrus.Logger) *Synchronizer {
	if logger == nil {
		logger = logrus.New()
	}
	return &Synchronizer{sender: sender, logger: logger}
}

// Subscribe registers for ordered mirror updates; fired once per applied
// sync message.
func (s *Synchronizer) Subscribe(h func(protocol.RoomStateSync)) events.Unsubscribe {
	return s.updates.Subscribe(h)
}

// Track starts mirroring the given room, discarding any prior mirror. The
// first inbound full snapshot primes the state.
func (s *Synchronizer) Track(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.code = code
	s.state = protocol.RoomStateSync{}
	s.primed = false
	s.resyncing = false
}

// Prime seeds the mirror from a known-good snapshot, typically the
// RoomResponse returned by a create or join.
func (s *Synchronizer) Prime(state protocol.RoomStateSync) {
	s.mu.Lock()
	defer s.flushAndUnlock()
	s.code = state.Code
	s.state = state
	s.primed = true
	s.resyncing = false
	s.emitLocked(state)
}

// Stop discards the mirror.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.code = ""
	s.primed = false
	s.resyncing = false
}

// State returns a copy of the current mirror and whether it is primed.
func (s *Synchronizer) State() (protocol.RoomStateSync, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.primed
}

// Apply reconciles one inbound sync message by version. Duplicate and
// reordered messages are idempotent no-ops; the observed version never
// decreases.
func (s *Synchronizer) Apply(msg protocol.RoomStateSync) Outcome {
	s.mu.Lock()
	defer s.flushAndUnlock()

	if s.code == "" || msg.Code != s.code {
		return WrongRoom
	}

	// Full snapshots (resync replies, join responses replayed by the server)
	// adopt wholesale as long as they don't move the version backwards.
	if msg.Full {
		if s.primed && msg.Version < s.state.Version {
			return Stale
		}
		s.state = msg
		s.primed = true
		s.resyncing = false
		s.emitLocked(msg)
		return Applied
	}

	if !s.primed {
		// Deltas before the first snapshot can't be ordered; ask for the
		// full state.
		s.requestResyncLocked()
		return Gap
	}
	if msg.Version <= s.state.Version {
		return Stale
	}
	if msg.Version > s.state.Version+1 {
		s.logger.WithFields(logrus.Fields{
			"have": s.state.Version,
			"got":  msg.Version,
		}).Warn("roomsync: version gap, requesting full resync")
		s.requestResyncLocked()
		return Gap
	}

	s.state = msg
	s.emitLocked(msg)
	return Applied
}

// requestResyncLocked asks the server for the full room state, once per
// detected gap. Caller holds the lock.
func (s *Synchronizer) requestResyncLocked() {
	if s.resyncing {
		return
	}
	s.resyncing = true
	env := protocol.NewRoomResync(s.code, s.state.Version)
	if err := s.sender.Send(env, queue.High); err != nil {
		s.logger.Warnf("roomsync: resync request failed: %v", err)
		s.resyncing = false
	}
}

// HandleEnvelope feeds room sync envelopes into the mirror; everything else
// is ignored. Bind to a connection manager's message subscription.
func (s *Synchronizer) HandleEnvelope(env protocol.Envelope) {
	if env.Type != protocol.TypeRoomStateSync {
		return
	}
	var msg protocol.RoomStateSync
	if err := protocol.DecodeBody(env, &msg); err != nil {
		s.logger.Warnf("roomsync: %v", err)
		return
	}
	s.Apply(msg)
}

// Bind wires the synchronizer to a connection manager.
func (s *Synchronizer) Bind(mgr *connmgr.Manager) events.Unsubscribe {
	return mgr.SubscribeMessages(s.HandleEnvelope)
}
