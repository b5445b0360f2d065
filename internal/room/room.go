// internal/room/room.go
package room

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lunarlift/matchroom/internal/events"
	"github.com/lunarlift/matchroom/internal/protocol"
)

// Player is one room member. Owned by the containing Room; mutated only via
// the engine's versioned operations.
type Player struct {
	ID       uuid.UUID
	Nickname string
	IsHost   bool
	IsReady  bool
	JoinedAt time.Time
	LastSeen time.Time
}

// UpdateKind tags the mutation that produced a broadcast.
type UpdateKind string

const (
	UpdateJoined       UpdateKind = "player_joined"
	UpdateLeft         UpdateKind = "player_left"
	UpdateReady        UpdateKind = "ready_changed"
	UpdateHostTransfer UpdateKind = "host_transferred"
	UpdateAllReady     UpdateKind = "room_all_ready"
	UpdateClosed       UpdateKind = "room_closed"
	UpdateExpired      UpdateKind = "room_expired"
	UpdateChat         UpdateKind = "chat"
)

// Update is broadcast to every member after an accepted mutation. State
// carries the full post-mutation snapshot so receivers can reconcile by
// version alone.
type Update struct {
	Kind    UpdateKind
	ActorID uuid.UUID
	State   protocol.RoomStateSync
	Chat    string // set for UpdateChat only
}

// Room is a short-lived multiplayer session identified by a 4-digit code.
// Created by CreateRoom, destroyed on last-player-leave or inactivity
// expiry. The version counter strictly increases with every accepted
// mutation and is never decremented.
type Room struct {
	Code      string
	Capacity  int
	CreatedAt time.Time

	mu             sync.Mutex
	hostID         uuid.UUID
	players        map[uuid.UUID]*Player
	version        uint64
	lastActivityAt time.Time

	updates events.Emitter[Update]
}

func newRoom(code string, capacity int, host Player) *Room {
	now := time.Now()
	host.IsHost = true
	host.JoinedAt = now
	host.LastSeen = now
	r := &Room{
		Code:           code,
		Capacity:       capacity,
		CreatedAt:      now,
		hostID:         host.ID,
		players:        map[uuid.UUID]*Player{host.ID: &host},
		version:        1,
		lastActivityAt: now,
	}
	return r
}

// Subscribe registers for this room's ordered mutation broadcasts.
func (r *Room) Subscribe(h func(Update)) events.Unsubscribe {
	return r.updates.Subscribe(h)
}

// Version returns the current state revision.
func (r *Room) Version() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version
}

// HostID returns the current host.
func (r *Room) HostID() uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hostID
}

// PlayerCount returns the current member count.
func (r *Room) PlayerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.players)
}

// Snapshot returns the full current state as a sync payload.
func (r *Room) Snapshot() protocol.RoomStateSync {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked(true)
}

// snapshotLocked builds the wire state. Players are ordered by join time so
// every client sees the same list. Caller holds the lock.
func (r *Room) snapshotLocked(full bool) protocol.RoomStateSync {
	players := make([]*Player, 0, len(r.players))
	for _, p := range r.players {
		players = append(players, p)
	}
	sort.Slice(players, func(i, j int) bool {
		if players[i].JoinedAt.Equal(players[j].JoinedAt) {
			return players[i].ID.String() < players[j].ID.String()
		}
		return players[i].JoinedAt.Before(players[j].JoinedAt)
	})

	wire := make([]protocol.PlayerInfo, len(players))
	for i, p := range players {
		wire[i] = protocol.PlayerInfo{
			ID:       p.ID.String(),
			Nickname: p.Nickname,
			IsHost:   p.IsHost,
			IsReady:  p.IsReady,
			LastSeen: p.LastSeen.Unix(),
		}
	}
	return protocol.RoomStateSync{
		Code:    r.Code,
		Version: r.version,
		HostID:  r.hostID.String(),
		Players: wire,
		Full:    full,
	}
}

// touch refreshes the activity clock. Caller holds the lock.
func (r *Room) touchLocked() {
	r.lastActivityAt = time.Now()
}

// Touch marks external activity (e.g. a member heartbeat) so the room is not
// swept as idle.
func (r *Room) Touch() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touchLocked()
}

// idleSince reports the last activity timestamp.
func (r *Room) idleSince() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastActivityAt
}

// commitLocked bumps the version, refreshes activity, and broadcasts the
// post-mutation state. Caller holds the lock; the broadcast itself happens
// after release to keep handlers out of the critical section.
func (r *Room) commitLocked(kind UpdateKind, actor uuid.UUID) Update {
	r.version++
	r.touchLocked()
	return Update{Kind: kind, ActorID: actor, State: r.snapshotLocked(false)}
}

// addPlayer admits p. Returns false when the room is at capacity or the
// player is already present (idempotent rejoin keeps the existing seat).
func (r *Room) addPlayer(seed Player) (Update, bool) {
	r.mu.Lock()
	now := time.Now()
	if existing, ok := r.players[seed.ID]; ok {
		// Rejoin: refresh presence without a version bump.
		existing.LastSeen = now
		r.touchLocked()
		r.mu.Unlock()
		return Update{}, false
	}
	if len(r.players) >= r.Capacity {
		r.mu.Unlock()
		return Update{}, false
	}
	seed.IsHost = false
	seed.JoinedAt = now
	seed.LastSeen = now
	r.players[seed.ID] = &seed
	up := r.commitLocked(UpdateJoined, seed.ID)
	r.mu.Unlock()

	r.updates.Publish(up)
	return up, true
}

// removePlayer drops playerID. When the departing player was host, authority
// transfers to the longest-joined remaining player. Returns empty=true when
// no players remain, in which case the caller tears the room down.
func (r *Room) removePlayer(playerID uuid.UUID) (up Update, removed, empty bool) {
	r.mu.Lock()
	p, ok := r.players[playerID]
	if !ok {
		r.mu.Unlock()
		return Update{}, false, false
	}
	wasHost := p.IsHost
	delete(r.players, playerID)

	if len(r.players) == 0 {
		r.mu.Unlock()
		return Update{}, true, true
	}

	kind := UpdateLeft
	if wasHost {
		next := r.longestJoinedLocked()
		next.IsHost = true
		r.hostID = next.ID
		kind = UpdateHostTransfer
	}
	up = r.commitLocked(kind, playerID)
	r.mu.Unlock()

	r.updates.Publish(up)
	return up, true, false
}

// longestJoinedLocked picks the next host: earliest JoinedAt, ties broken by
// ID for determinism. Caller holds the lock and guarantees len > 0.
func (r *Room) longestJoinedLocked() *Player {
	var next *Player
	for _, p := range r.players {
		if next == nil ||
			p.JoinedAt.Before(next.JoinedAt) ||
			(p.JoinedAt.Equal(next.JoinedAt) && p.ID.String() < next.ID.String()) {
			next = p
		}
	}
	return next
}

// setReady toggles playerID's ready flag. A no-op toggle (same value) is not
// an accepted mutation and does not bump the version.
func (r *Room) setReady(playerID uuid.UUID, ready bool) (Update, bool) {
	r.mu.Lock()
	p, ok := r.players[playerID]
	if !ok || p.IsReady == ready {
		r.mu.Unlock()
		return Update{}, false
	}
	p.IsReady = ready
	p.LastSeen = time.Now()

	allReady := ready && len(r.players) >= 2
	if allReady {
		for _, other := range r.players {
			if !other.IsReady {
				allReady = false
				break
			}
		}
	}

	up := r.commitLocked(UpdateReady, playerID)
	var allReadyUp Update
	if allReady {
		// All-ready is its own accepted mutation with its own version, so
		// client mirrors never discard it as a duplicate of the ready
		// toggle that completed it.
		allReadyUp = r.commitLocked(UpdateAllReady, playerID)
	}
	r.mu.Unlock()

	r.updates.Publish(up)
	if allReady {
		r.updates.Publish(allReadyUp)
	}
	return up, true
}

// chat relays a message to members. Chat is presence activity but not a
// state mutation: no version bump.
func (r *Room) chat(playerID uuid.UUID, msg string) bool {
	r.mu.Lock()
	_, ok := r.players[playerID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	r.touchLocked()
	state := r.snapshotLocked(false)
	r.mu.Unlock()

	r.updates.Publish(Update{Kind: UpdateChat, ActorID: playerID, State: state, Chat: msg})
	return true
}

// closed broadcasts the teardown notice.
func (r *Room) closed(kind UpdateKind) {
	r.mu.Lock()
	state := r.snapshotLocked(false)
	r.mu.Unlock()
	r.updates.Publish(Update{Kind: kind, State: state})
}
