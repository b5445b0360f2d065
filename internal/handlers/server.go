// internal/handlers/server.go
package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/lunarlift/matchroom/internal/auth"
	"github.com/lunarlift/matchroom/internal/database"
	"github.com/lunarlift/matchroom/internal/room"
)

// ProfileSource supplies player identity data. Satisfied by
// *database.Store; nil-able via the fallback in playerSeed.
type ProfileSource interface {
	GetProfile(ctx context.Context, playerID uuid.UUID) (database.Profile, error)
}

// PresenceRecorder is optionally implemented by a ProfileSource that can
// persist last-seen timestamps.
type PresenceRecorder interface {
	TouchLastSeen(ctx context.Context, playerID uuid.UUID) error
}

// recordPresence persists a last-seen mark when the profile store supports
// it. Best-effort; failures are logged and swallowed.
func (s *CoordServer) recordPresence(ctx context.Context, playerID uuid.UUID) {
	pr, ok := s.Profiles.(PresenceRecorder)
	if !ok {
		return
	}
	touchCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := pr.TouchLastSeen(touchCtx, playerID); err != nil {
		s.Logger.Warnf("handlers: last_seen update for %s failed: %v", playerID, err)
	}
}

// CoordServer is the coordination server: it owns the room engine, the
// matchmaking broker, and the collaborators the handlers need. Constructed
// once at startup and passed by handle; no ambient globals.
type CoordServer struct {
	Rooms    *room.Engine
	Auth     *auth.Service
	Profiles ProfileSource
	Broker   *MatchBroker
	Logger   *logrus.Logger
}

// NewCoordServer wires a coordination server. profiles may be nil; nicknames
// then fall back to a generated placeholder.
func NewCoordServer(rooms *room.Engine, authSvc *auth.Service, profiles ProfileSource, logger *logrus.Logger) *CoordServer {
	if logger == nil {
		logger = logrus.New()
	}
	return &CoordServer{
		Rooms:    rooms,
		Auth:     authSvc,
		Profiles: profiles,
		Broker:   NewMatchBroker(rooms, logger),
		Logger:   logger,
	}
}

// authenticate extracts and verifies the bearer token from the request,
// checking the Authorization header first and falling back to the
// access_token query parameter for websocket clients that cannot set
// headers.
func (s *CoordServer) authenticate(r *http.Request) (uuid.UUID, error) {
	tok := ""
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		tok = strings.TrimPrefix(h, "Bearer ")
	} else if q := r.URL.Query().Get("access_token"); q != "" {
		tok = q
	}
	if tok == "" {
		return uuid.Nil, fmt.Errorf("missing auth token")
	}
	sub, err := s.Auth.Verify(tok)
	if err != nil {
		return uuid.Nil, err
	}
	playerID, err := uuid.Parse(sub)
	if err != nil {
		return uuid.Nil, fmt.Errorf("token subject is not a player id: %w", err)
	}
	return playerID, nil
}

// playerSeed builds a room.Player for playerID, fetching the nickname from
// the profile store when available and falling back to a generated one.
func (s *CoordServer) playerSeed(ctx context.Context, playerID uuid.UUID) room.Player {
	nickname := fmt.Sprintf("Player_%s", playerID.String()[:4])
	if s.Profiles != nil {
		fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		profile, err := s.Profiles.GetProfile(fetchCtx, playerID)
		cancel()
		if err != nil {
			s.Logger.Warnf("handlers: profile fetch for %s failed: %v, using fallback nickname", playerID, err)
		} else {
			nickname = profile.Nickname
		}
	}
	return room.Player{ID: playerID, Nickname: nickname}
}
