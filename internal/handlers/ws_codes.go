// internal/handlers/ws_codes.go
package handlers

import (
	"errors"

	"github.com/coder/websocket"

	"github.com/lunarlift/matchroom/internal/room"
)

// Application close codes beyond the RFC 6455 range used by the server.
const (
	BadSubprotocolError websocket.StatusCode = 4001
	InvalidRoomCode     websocket.StatusCode = 4002
	RoomGoneError       websocket.StatusCode = 4003
)

// joinDenyCode maps a room join failure to its websocket close code.
func joinDenyCode(err error) websocket.StatusCode {
	switch {
	case errors.Is(err, room.ErrBadCodeFormat):
		return InvalidRoomCode
	case errors.Is(err, room.ErrNotFound), errors.Is(err, room.ErrExpired):
		return RoomGoneError
	}
	return websocket.StatusPolicyViolation
}
