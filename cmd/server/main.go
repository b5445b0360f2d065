// cmd/server/main.go
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"

	"github.com/lunarlift/matchroom/internal/auth"
	"github.com/lunarlift/matchroom/internal/cache"
	"github.com/lunarlift/matchroom/internal/database"
	"github.com/lunarlift/matchroom/internal/handlers"
	"github.com/lunarlift/matchroom/internal/middleware"
	"github.com/lunarlift/matchroom/internal/room"
)

func main() {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	authSvc, err := auth.NewService(72 * time.Hour)
	if err != nil {
		log.Fatalf("auth init failed: %v", err)
	}

	ctx := context.Background()

	// Optional collaborators: the engine runs fine without Postgres or
	// Redis; profiles fall back to generated nicknames and the activity
	// journal is skipped.
	var profiles handlers.ProfileSource
	if url := os.Getenv("DATABASE_URL"); url != "" {
		store, err := database.Connect(ctx, url)
		if err != nil {
			log.Fatalf("database connect failed: %v", err)
		}
		defer store.Close()
		profiles = store
	} else {
		logger.Warn("DATABASE_URL not set, using fallback nicknames")
	}

	var journal room.Journal
	if os.Getenv("REDIS_ADDR") != "" {
		j, err := cache.NewJournal(ctx)
		if err != nil {
			log.Fatalf("redis connect failed: %v", err)
		}
		defer j.Close()
		journal = j
	} else {
		logger.Warn("REDIS_ADDR not set, room activity journal disabled")
	}

	rooms := room.NewEngine(room.Config{}, journal, logger)
	defer rooms.Close()

	srv := handlers.NewCoordServer(rooms, authSvc, profiles, logger)

	mux := http.NewServeMux()

	// guest session tokens for clients without an external auth flow
	mux.Handle("/auth/guest", middleware.LogMiddleware(logger)(http.HandlerFunc(
		handlers.GuestTokenHandler(srv),
	)))

	// room endpoints
	mux.Handle("/room/create", middleware.LogMiddleware(logger)(http.HandlerFunc(
		handlers.CreateRoomHandler(srv),
	)))
	mux.Handle("/room/list", middleware.LogMiddleware(logger)(http.HandlerFunc(
		handlers.ListRoomsHandler(srv),
	)))

	// room websocket
	mux.Handle("/room/ws/", middleware.LogMiddleware(logger)(http.HandlerFunc(
		handlers.RoomWSHandler(srv),
	)))

	// matchmaking websocket
	mux.Handle("/match/ws", middleware.LogMiddleware(logger)(http.HandlerFunc(
		handlers.MatchWSHandler(srv),
	)))

	addr := ":8080"
	if port := os.Getenv("PORT"); port != "" {
		addr = ":" + port
	}
	logger.Infof("Running on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("server exited: %v", err)
	}
}
