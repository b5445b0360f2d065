// internal/handlers/match_broker.go
package handlers

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/lunarlift/matchroom/internal/protocol"
	"github.com/lunarlift/matchroom/internal/room"
)

// MatchBroker is the reference matchmaking backend: a FIFO pairer per
// (gameMode, playerCount, matchType) bucket. The production matcher is an
// external service with its own algorithm; this broker exists so the wire
// contract is exercised end to end.
type MatchBroker struct {
	mu      sync.Mutex
	rooms   *room.Engine
	logger  *logrus.Logger
	waiting map[string][]*searcher
}

type searcher struct {
	playerID uuid.UUID
	seed     room.Player
	key      string
	want     int
	notify   func(protocol.MatchResponse)
}

// NewMatchBroker builds a broker that fulfils matches by creating rooms on
// the given engine.
func NewMatchBroker(rooms *room.Engine, logger *logrus.Logger) *MatchBroker {
	if logger == nil {
		logger = logrus.New()
	}
	return &MatchBroker{
		rooms:   rooms,
		logger:  logger,
		waiting: make(map[string][]*searcher),
	}
}

func bucketKey(req protocol.MatchRequest) string {
	return fmt.Sprintf("%s|%d|%s", req.GameMode, req.PlayerCount, req.MatchType)
}

// Enqueue adds a searcher and fulfils the bucket if enough players are
// waiting. notify receives every matchmaking outcome for this searcher.
func (b *MatchBroker) Enqueue(seed room.Player, req protocol.MatchRequest, notify func(protocol.MatchResponse)) {
	want := req.PlayerCount
	if want < 2 {
		want = 2
	}
	key := bucketKey(req)

	b.mu.Lock()
	// Re-entry replaces the prior search for the same player.
	b.removeLocked(seed.ID)
	bucket := append(b.waiting[key], &searcher{
		playerID: seed.ID,
		seed:     seed,
		key:      key,
		want:     want,
		notify:   notify,
	})

	if len(bucket) < want {
		b.waiting[key] = bucket
		b.mu.Unlock()
		return
	}

	matched := bucket[:want]
	b.waiting[key] = append([]*searcher{}, bucket[want:]...)
	b.mu.Unlock()

	b.fulfil(matched)
}

// fulfil creates a room for the matched group and notifies everyone.
func (b *MatchBroker) fulfil(matched []*searcher) {
	host := matched[0]
	rm, err := b.rooms.CreateRoom(host.seed, host.want)
	if err != nil {
		b.logger.Warnf("match broker: room creation failed: %v", err)
		for _, s := range matched {
			s.notify(protocol.MatchResponse{Type: "failed", Reason: protocol.ReasonInternal})
		}
		return
	}
	for _, s := range matched[1:] {
		if _, err := b.rooms.JoinRoom(rm.Code, s.playerID.String(), s.seed); err != nil {
			b.logger.Warnf("match broker: seat join failed for %s: %v", s.playerID, err)
			s.notify(protocol.MatchResponse{Type: "failed", Reason: protocol.ReasonInternal})
		}
	}

	snap := rm.Snapshot()
	found := protocol.MatchResponse{Type: "found", RoomID: rm.Code, Players: snap.Players}
	starting := protocol.MatchResponse{Type: "game_starting", RoomID: rm.Code, Players: snap.Players}
	for _, s := range matched {
		s.notify(found)
		s.notify(starting)
	}
	b.logger.WithFields(logrus.Fields{"room": rm.Code, "players": len(matched)}).Info("match fulfilled")
}

// removeLocked drops playerID from whatever bucket holds them. Caller holds
// the lock.
func (b *MatchBroker) removeLocked(playerID uuid.UUID) *searcher {
	for key, bucket := range b.waiting {
		for i, s := range bucket {
			if s.playerID == playerID {
				b.waiting[key] = append(bucket[:i:i], bucket[i+1:]...)
				return s
			}
		}
	}
	return nil
}

// Cancel aborts an in-flight search. When notify is true the searcher gets a
// cancelled response; silent removal serves disconnect cleanup.
func (b *MatchBroker) Cancel(playerID uuid.UUID, notify bool) {
	b.mu.Lock()
	s := b.removeLocked(playerID)
	b.mu.Unlock()
	if s != nil && notify {
		s.notify(protocol.MatchResponse{Type: "cancelled", Reason: protocol.ReasonCancelled})
	}
}

// Recover answers a state-recovery query after the client reconnected
// mid-search. A searcher still queued keeps waiting; anyone else gets an
// explicit cancelled outcome so the client can settle back to idle.
func (b *MatchBroker) Recover(playerID uuid.UUID, notify func(protocol.MatchResponse)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, bucket := range b.waiting {
		for _, s := range bucket {
			if s.playerID == playerID {
				// Rebind delivery to the new connection.
				s.notify = notify
				return
			}
		}
	}
	notify(protocol.MatchResponse{Type: "cancelled", Reason: protocol.ReasonCancelled})
}

// Waiting reports the number of queued searchers across all buckets.
func (b *MatchBroker) Waiting() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, bucket := range b.waiting {
		n += len(bucket)
	}
	return n
}
