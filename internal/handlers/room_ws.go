// internal/handlers/room_ws.go
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/lunarlift/matchroom/internal/middleware"
	"github.com/lunarlift/matchroom/internal/protocol"
	"github.com/lunarlift/matchroom/internal/room"
)

// Subprotocol spoken on both coordination sockets.
const Subprotocol = "matchroom"

// memberConn is one player's live presence on a room socket.
type memberConn struct {
	playerID uuid.UUID
	out      chan protocol.Envelope
	cancel   context.CancelFunc
}

// push queues an envelope for the write pump, dropping (with a log line) if
// the member's buffer is full. The channel is never closed; the write pump
// exits via context cancellation instead.
func (mc *memberConn) push(logger *logrus.Logger, env protocol.Envelope) {
	select {
	case mc.out <- env:
	default:
		logger.Warnf("room ws: out buffer full for player %s, dropped %s", mc.playerID, env.Type)
	}
}

// RoomWSHandler serves /room/ws/{code}: joins the authenticated player into
// the room, streams versioned state broadcasts out, and processes room
// operations in.
func RoomWSHandler(s *CoordServer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		remoteAddr := r.RemoteAddr
		code := strings.TrimPrefix(r.URL.Path, "/room/ws/")
		if i := strings.IndexByte(code, '/'); i >= 0 {
			code = code[:i]
		}

		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols:   []string{Subprotocol},
			OriginPatterns: []string{"*"}, // Adjust in production
		})
		if err != nil {
			s.Logger.Warnf("room ws: accept error: %v", err)
			return
		}
		defer c.Close(websocket.StatusInternalError, "handler finished")

		if c.Subprotocol() != Subprotocol {
			c.Close(BadSubprotocolError, "client must speak the matchroom subprotocol")
			return
		}

		playerID, err := s.authenticate(r)
		if err != nil {
			s.Logger.Warnf("room ws: auth failed for room %s: %v", code, err)
			c.Close(websocket.StatusPolicyViolation, "authentication failed")
			return
		}

		seed := s.playerSeed(r.Context(), playerID)
		rm, err := s.Rooms.JoinRoom(code, playerID.String(), seed)
		if err != nil {
			reason, _ := roomReason(err)
			s.Logger.Infof("room ws: join %s denied for %s: %v", code, playerID, err)
			c.Close(joinDenyCode(err), string(reason))
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		mc := &memberConn{
			playerID: playerID,
			out:      make(chan protocol.Envelope, 16),
			cancel:   cancel,
		}

		// Stream every accepted mutation to this member; teardown notices
		// also end the connection.
		unsubscribe := rm.Subscribe(func(up room.Update) {
			mc.push(s.Logger, updateEnvelope(up))
			if up.Kind == room.UpdateClosed || up.Kind == room.UpdateExpired {
				cancel()
			}
		})

		// Initial full state so the client's mirror starts primed.
		snap := rm.Snapshot()
		mc.push(s.Logger, protocol.NewRoomStateSync(snap))

		middleware.LogWebSocketConnect(s.Logger, remoteAddr, r.URL.Path)

		go writePump(ctx, c, mc, s.Logger)
		readPump(ctx, c, s, rm, mc)

		// ---- cleanup after readPump exits ----
		unsubscribe()
		cancel()
		if err := s.Rooms.LeaveRoom(rm.Code, playerID); err != nil && err != room.ErrNotFound && err != room.ErrNotMember {
			s.Logger.Warnf("room ws: leave cleanup for %s: %v", playerID, err)
		}
		middleware.LogWebSocketDisconnect(s.Logger, remoteAddr, r.URL.Path, nil)
	}
}

// updateEnvelope converts a room broadcast to its wire form, tagging the
// sync payload with the mutation kind that produced it.
func updateEnvelope(up room.Update) protocol.Envelope {
	if up.Kind == room.UpdateChat {
		return protocol.NewEnvelope(protocol.TypeRoomChat, mustChatBody(up), protocol.DefaultTTL)
	}
	state := up.State
	state.Event = string(up.Kind)
	return protocol.NewRoomStateSync(state)
}

func mustChatBody(up room.Update) []byte {
	body, _ := json.Marshal(map[string]interface{}{
		"playerId": up.ActorID.String(),
		"msg":      up.Chat,
		"ts":       time.Now().Unix(),
	})
	return body
}

// readPump processes inbound envelopes until the connection dies. Malformed
// frames are logged and dropped; they never reach the engine.
func readPump(ctx context.Context, c *websocket.Conn, s *CoordServer, rm *room.Room, mc *memberConn) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		typ, data, err := c.Read(ctx)
		if err != nil {
			closeStatus := websocket.CloseStatus(err)
			if closeStatus != websocket.StatusNormalClosure && closeStatus != websocket.StatusGoingAway && ctx.Err() == nil {
				s.Logger.Warnf("room ws: read error for %s: %v", mc.playerID, err)
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		env, err := protocol.Decode(data)
		if err != nil {
			s.Logger.Warnf("room ws: dropping frame from %s: %v", mc.playerID, err)
			mc.push(s.Logger, protocol.NewErrorResponse(protocol.ReasonMalformed, "invalid envelope"))
			continue
		}

		switch env.Type {
		case protocol.TypeHeartbeat:
			rm.Touch()
			s.recordPresence(ctx, mc.playerID)
			mc.push(s.Logger, protocol.NewHeartbeatAck())

		case protocol.TypeRoomLeave:
			// Explicit leave: the post-readPump cleanup performs the removal.
			return

		case protocol.TypeRoomReady:
			var req protocol.RoomReady
			if err := protocol.DecodeBody(env, &req); err != nil {
				s.Logger.Warnf("room ws: %v", err)
				continue
			}
			if err := s.Rooms.SetReady(rm.Code, mc.playerID, req.Ready); err != nil {
				reason, _ := roomReason(err)
				mc.push(s.Logger, protocol.NewErrorResponse(reason, err.Error()))
			}

		case protocol.TypeRoomChat:
			var req protocol.RoomChat
			if err := protocol.DecodeBody(env, &req); err != nil {
				s.Logger.Warnf("room ws: %v", err)
				continue
			}
			if req.Message == "" {
				continue
			}
			if err := s.Rooms.Chat(rm.Code, mc.playerID, req.Message); err != nil {
				reason, _ := roomReason(err)
				mc.push(s.Logger, protocol.NewErrorResponse(reason, err.Error()))
			}

		case protocol.TypeRoomResync:
			mc.push(s.Logger, protocol.NewRoomStateSync(rm.Snapshot()))

		default:
			mc.push(s.Logger, protocol.NewErrorResponse(protocol.ReasonMalformed, "unexpected message type "+env.Type))
		}
	}
}

// writePump flushes outbound envelopes and keeps the connection alive with
// pings, mirroring the read/write pump split on the client transport.
func writePump(ctx context.Context, c *websocket.Conn, mc *memberConn, logger *logrus.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = c.Close(websocket.StatusGoingAway, "room connection ended")
			return
		case env := <-mc.out:
			data, err := env.Encode()
			if err != nil {
				logger.Warnf("room ws: encode for %s: %v", mc.playerID, err)
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = c.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				logger.Warnf("room ws: write to %s failed: %v", mc.playerID, err)
				mc.cancel()
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			err := c.Ping(pingCtx)
			cancel()
			if err != nil {
				logger.Warnf("room ws: ping to %s failed, assuming disconnect", mc.playerID)
				mc.cancel()
				return
			}
		}
	}
}
