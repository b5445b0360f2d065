// internal/handlers/room_http.go
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/lunarlift/matchroom/internal/protocol"
	"github.com/lunarlift/matchroom/internal/room"
)

// CreateRoomHandler handles POST /room/create. The authenticated caller
// becomes host; the response is the initial full room state.
func CreateRoomHandler(s *CoordServer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		playerID, err := s.authenticate(r)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		var req protocol.RoomCreate
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}

		host := s.playerSeed(r.Context(), playerID)
		rm, err := s.Rooms.CreateRoom(host, req.MaxPlayers)
		if err != nil {
			writeRoomError(w, err)
			return
		}

		snap := rm.Snapshot()
		writeJSON(w, http.StatusOK, protocol.RoomResponse{
			Code:    snap.Code,
			HostID:  snap.HostID,
			Version: snap.Version,
			Players: snap.Players,
		})
	}
}

// roomSummary is the list-view projection of an active room.
type roomSummary struct {
	Code        string `json:"code"`
	Players     int    `json:"players"`
	MaxPlayers  int    `json:"maxPlayers"`
	HostID      string `json:"hostId"`
	Version     uint64 `json:"version"`
	CreatedUnix int64  `json:"createdAt"`
}

// ListRoomsHandler handles GET /room/list.
func ListRoomsHandler(s *CoordServer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if _, err := s.authenticate(r); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		rooms := s.Rooms.List()
		out := make([]roomSummary, 0, len(rooms))
		for _, rm := range rooms {
			out = append(out, roomSummary{
				Code:        rm.Code,
				Players:     rm.PlayerCount(),
				MaxPlayers:  rm.Capacity,
				HostID:      rm.HostID().String(),
				Version:     rm.Version(),
				CreatedUnix: rm.CreatedAt.Unix(),
			})
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"rooms": out})
	}
}

// writeRoomError maps engine errors to HTTP status + wire reason.
func writeRoomError(w http.ResponseWriter, err error) {
	reason, status := roomReason(err)
	writeJSON(w, status, protocol.ErrorResponse{Reason: reason, Message: err.Error()})
}

func roomReason(err error) (protocol.Reason, int) {
	switch err {
	case room.ErrBadCodeFormat:
		return protocol.ReasonBadCodeFormat, http.StatusBadRequest
	case room.ErrBadCapacity:
		return protocol.ReasonBadCodeFormat, http.StatusBadRequest
	case room.ErrNotFound:
		return protocol.ReasonRoomNotFound, http.StatusNotFound
	case room.ErrExpired:
		return protocol.ReasonRoomExpired, http.StatusGone
	case room.ErrFull:
		return protocol.ReasonRoomFull, http.StatusConflict
	case room.ErrLockedOut:
		return protocol.ReasonLockedOut, http.StatusTooManyRequests
	case room.ErrNotMember:
		return protocol.ReasonNotInRoom, http.StatusForbidden
	case room.ErrCodeSpaceExhausted:
		return protocol.ReasonCodeSpaceExhausted, http.StatusServiceUnavailable
	}
	return protocol.ReasonInternal, http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
