// internal/room/engine.go

// Package room implements the room lifecycle engine: code allocation,
// join/leave with host authority, brute-force lockout, inactivity expiry,
// and versioned state broadcasts. The active-room registry is mutated
// exclusively through this engine.
package room

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Join/create failures surfaced to callers. Each maps to a wire reason code
// in the handlers.
var (
	ErrBadCodeFormat      = errors.New("room: code must be exactly 4 digits")
	ErrNotFound           = errors.New("room: no such room")
	ErrExpired            = errors.New("room: room expired")
	ErrFull               = errors.New("room: room at capacity")
	ErrLockedOut          = errors.New("room: client locked out")
	ErrNotMember          = errors.New("room: player not in room")
	ErrCodeSpaceExhausted = errors.New("room: could not allocate a unique code")
	ErrBadCapacity        = errors.New("room: invalid max player count")
)

var codePattern = regexp.MustCompile(`^[0-9]{4}$`)

// JournalEntry records an accepted room mutation for the out-of-process
// activity consumer.
type JournalEntry struct {
	Code      string    `json:"code"`
	Kind      string    `json:"kind"`
	ActorID   string    `json:"actor_id,omitempty"`
	Version   uint64    `json:"version"`
	Players   int       `json:"players"`
	Timestamp time.Time `json:"ts"`
}

// Journal receives accepted mutations, best-effort. May be nil.
type Journal interface {
	Record(ctx context.Context, entry JournalEntry) error
}

// Config tunes the engine. Zero values fall back to defaults.
type Config struct {
	MaxCapacity      int           // upper bound for CreateRoom maxPlayers
	CodeRetries      int           // collision regenerations before giving up
	LockoutThreshold int           // consecutive failures before lockout
	LockoutWindow    time.Duration // lockout duration
	ExpireAfter      time.Duration // inactivity before teardown
	SweepInterval    time.Duration // expiry scan cadence
}

func (c Config) withDefaults() Config {
	if c.MaxCapacity <= 0 {
		c.MaxCapacity = 8
	}
	if c.CodeRetries <= 0 {
		c.CodeRetries = 32
	}
	if c.LockoutThreshold <= 0 {
		c.LockoutThreshold = 5
	}
	if c.LockoutWindow <= 0 {
		c.LockoutWindow = 5 * time.Minute
	}
	if c.ExpireAfter <= 0 {
		c.ExpireAfter = 30 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	return c
}

// Engine owns the active-room registry.
type Engine struct {
	cfg      Config
	logger   *logrus.Logger
	journal  Journal
	lockouts *lockoutTable

	regMu sync.Mutex
	rooms map[string]*Room

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// NewEngine builds a room engine and starts its expiry sweeper. journal may
// be nil.
func NewEngine(cfg Config, journal Journal, logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = logrus.New()
	}
	cfg = cfg.withDefaults()
	e := &Engine{
		cfg:       cfg,
		logger:    logger,
		journal:   journal,
		lockouts:  newLockoutTable(cfg.LockoutThreshold, cfg.LockoutWindow),
		rooms:     make(map[string]*Room),
		sweepStop: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	go e.sweepLoop()
	return e
}

// Close stops the expiry sweeper. Active rooms are left to the process
// lifetime; there is no durable persistence to flush.
func (e *Engine) Close() {
	close(e.sweepStop)
	<-e.sweepDone
}

// CreateRoom allocates a unique code and registers a room with the creator
// as host. The creator counts toward capacity.
func (e *Engine) CreateRoom(host Player, maxPlayers int) (*Room, error) {
	if maxPlayers < 2 || maxPlayers > e.cfg.MaxCapacity {
		return nil, ErrBadCapacity
	}

	e.regMu.Lock()
	defer e.regMu.Unlock()

	code, err := e.allocateCodeLocked()
	if err != nil {
		return nil, err
	}
	r := newRoom(code, maxPlayers, host)
	e.rooms[code] = r
	e.logger.WithFields(logrus.Fields{
		"code": code,
		"host": host.ID,
		"cap":  maxPlayers,
	}).Info("room created")
	e.record(JournalEntry{Code: code, Kind: "room_created", ActorID: host.ID.String(), Version: r.Version(), Players: 1, Timestamp: time.Now()})
	return r, nil
}

// allocateCodeLocked draws uniform-random 4-digit codes until one misses the
// registry, up to the retry bound. At realistic room counts the bound is
// unreachable; hitting it means the 10k code space is effectively full.
func (e *Engine) allocateCodeLocked() (string, error) {
	for i := 0; i < e.cfg.CodeRetries; i++ {
		code := fmt.Sprintf("%04d", rand.IntN(10000))
		if _, taken := e.rooms[code]; !taken {
			return code, nil
		}
	}
	return "", ErrCodeSpaceExhausted
}

// JoinRoom validates, in order: code format, room existence and non-expiry,
// capacity headroom, lockout. Every failure feeds the caller's brute-force
// counter; success resets it. clientID identifies the requesting device for
// lockout purposes and is usually the player ID.
func (e *Engine) JoinRoom(code string, clientID string, seed Player) (*Room, error) {
	err := e.tryJoin(code, clientID, seed)
	if err != nil {
		if !errors.Is(err, ErrLockedOut) {
			if e.lockouts.fail(clientID) {
				e.logger.WithField("client", clientID).Warn("room: join lockout tripped")
			}
		}
		return nil, err
	}
	e.lockouts.reset(clientID)

	e.regMu.Lock()
	r := e.rooms[code]
	e.regMu.Unlock()
	return r, nil
}

func (e *Engine) tryJoin(code, clientID string, seed Player) error {
	if !codePattern.MatchString(code) {
		return ErrBadCodeFormat
	}

	e.regMu.Lock()
	r, ok := e.rooms[code]
	e.regMu.Unlock()
	if !ok {
		return ErrNotFound
	}
	if time.Since(r.idleSince()) > e.cfg.ExpireAfter {
		// Sweep hasn't caught it yet; treat as gone.
		return ErrExpired
	}
	if r.PlayerCount() >= r.Capacity {
		return ErrFull
	}
	if locked, _ := e.lockouts.locked(clientID); locked {
		return ErrLockedOut
	}

	up, added := r.addPlayer(seed)
	if !added {
		// Raced to the last seat, or an idempotent rejoin.
		if r.PlayerCount() >= r.Capacity {
			if _, member := e.member(r, seed.ID); !member {
				return ErrFull
			}
		}
		return nil
	}
	e.record(JournalEntry{Code: code, Kind: string(up.Kind), ActorID: seed.ID.String(), Version: up.State.Version, Players: len(up.State.Players), Timestamp: time.Now()})
	return nil
}

func (e *Engine) member(r *Room, id uuid.UUID) (*Player, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.players[id]
	return p, ok
}

// LeaveRoom removes the player. Host departure transfers authority to the
// longest-joined remaining player; the last departure tears the room down.
func (e *Engine) LeaveRoom(code string, playerID uuid.UUID) error {
	e.regMu.Lock()
	r, ok := e.rooms[code]
	e.regMu.Unlock()
	if !ok {
		return ErrNotFound
	}

	up, removed, empty := r.removePlayer(playerID)
	if !removed {
		return ErrNotMember
	}
	if empty {
		e.teardown(r, UpdateClosed)
		return nil
	}
	e.record(JournalEntry{Code: code, Kind: string(up.Kind), ActorID: playerID.String(), Version: up.State.Version, Players: len(up.State.Players), Timestamp: time.Now()})
	return nil
}

// SetReady toggles the ready flag; a no-op toggle is accepted silently but
// does not mutate state.
func (e *Engine) SetReady(code string, playerID uuid.UUID, ready bool) error {
	e.regMu.Lock()
	r, ok := e.rooms[code]
	e.regMu.Unlock()
	if !ok {
		return ErrNotFound
	}
	if up, changed := r.setReady(playerID, ready); changed {
		e.record(JournalEntry{Code: code, Kind: string(up.Kind), ActorID: playerID.String(), Version: up.State.Version, Players: len(up.State.Players), Timestamp: time.Now()})
	} else if _, member := e.member(r, playerID); !member {
		return ErrNotMember
	}
	return nil
}

// Chat relays a chat line to the room.
func (e *Engine) Chat(code string, playerID uuid.UUID, msg string) error {
	e.regMu.Lock()
	r, ok := e.rooms[code]
	e.regMu.Unlock()
	if !ok {
		return ErrNotFound
	}
	if !r.chat(playerID, msg) {
		return ErrNotMember
	}
	return nil
}

// Get looks up an active room by code.
func (e *Engine) Get(code string) (*Room, bool) {
	e.regMu.Lock()
	defer e.regMu.Unlock()
	r, ok := e.rooms[code]
	return r, ok
}

// List returns a snapshot of all active rooms.
func (e *Engine) List() []*Room {
	e.regMu.Lock()
	defer e.regMu.Unlock()
	out := make([]*Room, 0, len(e.rooms))
	for _, r := range e.rooms {
		out = append(out, r)
	}
	return out
}

// teardown removes the room from the registry and broadcasts the closure.
func (e *Engine) teardown(r *Room, kind UpdateKind) {
	e.regMu.Lock()
	delete(e.rooms, r.Code)
	e.regMu.Unlock()

	r.closed(kind)
	e.logger.WithFields(logrus.Fields{"code": r.Code, "kind": kind}).Info("room destroyed")
	e.record(JournalEntry{Code: r.Code, Kind: string(kind), Version: r.Version(), Players: r.PlayerCount(), Timestamp: time.Now()})
}

// sweepLoop destroys rooms idle past the expiry window, occupied or not, and
// prunes stale lockout entries.
func (e *Engine) sweepLoop() {
	defer close(e.sweepDone)
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.sweepStop:
			return
		case <-ticker.C:
			e.sweepOnce()
		}
	}
}

func (e *Engine) sweepOnce() {
	cutoff := time.Now().Add(-e.cfg.ExpireAfter)

	e.regMu.Lock()
	var expired []*Room
	for _, r := range e.rooms {
		if r.idleSince().Before(cutoff) {
			expired = append(expired, r)
		}
	}
	e.regMu.Unlock()

	for _, r := range expired {
		e.logger.WithField("code", r.Code).Info("room expired from inactivity")
		e.teardown(r, UpdateExpired)
	}
	e.lockouts.prune()
}

// record journals an accepted mutation, best-effort.
func (e *Engine) record(entry JournalEntry) {
	if e.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.journal.Record(ctx, entry); err != nil {
		e.logger.Warnf("room: journal record failed: %v", err)
	}
}
