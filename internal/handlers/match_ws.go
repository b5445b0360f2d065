// internal/handlers/match_ws.go
package handlers

import (
	"context"
	"net/http"

	"github.com/coder/websocket"

	"github.com/lunarlift/matchroom/internal/middleware"
	"github.com/lunarlift/matchroom/internal/protocol"
)

// MatchWSHandler serves /match/ws: the matchmaking socket. Requests are
// brokered FIFO; outcomes stream back as match_response envelopes.
func MatchWSHandler(s *CoordServer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols:   []string{Subprotocol},
			OriginPatterns: []string{"*"}, // Adjust in production
		})
		if err != nil {
			s.Logger.Warnf("match ws: accept error: %v", err)
			return
		}
		defer c.Close(websocket.StatusInternalError, "handler finished")

		if c.Subprotocol() != Subprotocol {
			c.Close(BadSubprotocolError, "client must speak the matchroom subprotocol")
			return
		}

		playerID, err := s.authenticate(r)
		if err != nil {
			s.Logger.Warnf("match ws: auth failed: %v", err)
			c.Close(websocket.StatusPolicyViolation, "authentication failed")
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		mc := &memberConn{
			playerID: playerID,
			out:      make(chan protocol.Envelope, 16),
			cancel:   cancel,
		}
		notify := func(resp protocol.MatchResponse) {
			mc.push(s.Logger, protocol.NewMatchResponse(resp))
		}

		middleware.LogWebSocketConnect(s.Logger, r.RemoteAddr, r.URL.Path)
		go writePump(ctx, c, mc, s.Logger)

		for {
			typ, data, err := c.Read(ctx)
			if err != nil {
				break
			}
			if typ != websocket.MessageText {
				continue
			}
			env, err := protocol.Decode(data)
			if err != nil {
				s.Logger.Warnf("match ws: dropping frame from %s: %v", playerID, err)
				mc.push(s.Logger, protocol.NewErrorResponse(protocol.ReasonMalformed, "invalid envelope"))
				continue
			}

			switch env.Type {
			case protocol.TypeHeartbeat:
				mc.push(s.Logger, protocol.NewHeartbeatAck())

			case protocol.TypeMatchRequest:
				var req protocol.MatchRequest
				if err := protocol.DecodeBody(env, &req); err != nil {
					s.Logger.Warnf("match ws: %v", err)
					continue
				}
				seed := s.playerSeed(r.Context(), playerID)
				s.Broker.Enqueue(seed, req, notify)

			case protocol.TypeMatchCancel:
				s.Broker.Cancel(playerID, true)

			case protocol.TypeMatchRecovery:
				s.Broker.Recover(playerID, notify)

			default:
				mc.push(s.Logger, protocol.NewErrorResponse(protocol.ReasonMalformed, "unexpected message type "+env.Type))
			}
		}

		// Disconnect drops any queued search without a notification; the
		// client reconciles through a recovery query on its next connection.
		s.Broker.Cancel(playerID, false)
		cancel()
		middleware.LogWebSocketDisconnect(s.Logger, r.RemoteAddr, r.URL.Path, nil)
	}
}
