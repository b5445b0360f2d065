// internal/protocol/messages.go
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Reason codes carried on every terminal failure event and error response.
// Grouped by the layer that raises them.
type Reason string

const (
	// transport
	ReasonConnectionLost Reason = "connection_lost"
	ReasonSendFailed     Reason = "send_failed"

	// protocol
	ReasonMalformed Reason = "malformed_message"

	// validation
	ReasonBadCodeFormat Reason = "bad_code_format"
	ReasonRoomNotFound  Reason = "room_not_found"
	ReasonRoomFull      Reason = "room_full"
	ReasonRoomExpired   Reason = "room_expired"
	ReasonNotInRoom     Reason = "not_in_room"

	// resource / eligibility
	ReasonInsufficientResource Reason = "insufficient_resource"
	ReasonIneligible           Reason = "ineligible"

	// timing
	ReasonTimeout Reason = "timeout"

	// security
	ReasonLockedOut Reason = "locked_out"

	// room engine internals
	ReasonCodeSpaceExhausted Reason = "code_space_exhausted"

	// generic
	ReasonCancelled Reason = "cancelled"
	ReasonInternal  Reason = "internal_error"
)

// PlayerInfo is the wire form of a room member.
type PlayerInfo struct {
	ID       string `json:"id"`
	Nickname string `json:"nickname"`
	IsHost   bool   `json:"isHost"`
	IsReady  bool   `json:"isReady"`
	LastSeen int64  `json:"lastSeen"`
}

// MatchRequest starts a random search.
type MatchRequest struct {
	PlayerID    string `json:"playerId"`
	GameMode    string `json:"gameMode"`
	PlayerCount int    `json:"playerCount"`
	MatchType   string `json:"matchType"`
}

// MatchResponse carries the server's matchmaking outcome. Type is one of
// found | cancelled | failed | game_starting.
type MatchResponse struct {
	Type    string       `json:"type"`
	RoomID  string       `json:"roomId,omitempty"`
	Players []PlayerInfo `json:"players,omitempty"`
	Reason  Reason       `json:"reason,omitempty"`
}

// RoomCreate asks the engine for a new room.
type RoomCreate struct {
	MaxPlayers int `json:"maxPlayers"`
}

// RoomJoin asks to join an existing room by code.
type RoomJoin struct {
	Code string `json:"code"`
}

// RoomReady toggles the sender's ready flag.
type RoomReady struct {
	Ready bool `json:"ready"`
}

// RoomChat is a chat line relayed to all members.
type RoomChat struct {
	Message string `json:"msg"`
}

// RoomResponse is the success reply to room operations.
type RoomResponse struct {
	Code    string       `json:"code"`
	HostID  string       `json:"hostId"`
	Version uint64       `json:"version"`
	Players []PlayerInfo `json:"players"`
}

// RoomStateSync is the versioned broadcast sent after every accepted room
// mutation, and the full-state reply to a resync request. Event names the
// mutation that produced a broadcast (empty on plain snapshots).
type RoomStateSync struct {
	Code    string       `json:"code"`
	Version uint64       `json:"version"`
	HostID  string       `json:"hostId"`
	Players []PlayerInfo `json:"players"`
	Event   string       `json:"event,omitempty"`
	Full    bool         `json:"full,omitempty"`
}

// RoomResync asks the server for the full current room state; sent when the
// synchronizer detects a version gap.
type RoomResync struct {
	Code        string `json:"code"`
	HaveVersion uint64 `json:"haveVersion"`
}

// ErrorResponse is the generic failure reply.
type ErrorResponse struct {
	Reason  Reason `json:"reason"`
	Message string `json:"message,omitempty"`
}

// --- typed envelope constructors ---

func mustEnvelope(msgType string, v interface{}) Envelope {
	body, err := json.Marshal(v)
	if err != nil {
		// All payload types here are plain structs; marshal cannot fail at
		// runtime unless a type is broken at compile time.
		panic(fmt.Sprintf("protocol: marshal %s: %v", msgType, err))
	}
	return NewEnvelope(msgType, body, DefaultTTL)
}

// NewHeartbeat builds a heartbeat probe. Heartbeats expire fast: a stale one
// is worthless.
func NewHeartbeat() Envelope {
	return NewEnvelope(TypeHeartbeat, nil, 10*time.Second)
}

// NewHeartbeatAck builds the reply to a heartbeat.
func NewHeartbeatAck() Envelope {
	return NewEnvelope(TypeHeartbeatAck, nil, 10*time.Second)
}

// NewErrorResponse builds an error reply envelope.
func NewErrorResponse(reason Reason, message string) Envelope {
	return mustEnvelope(TypeError, ErrorResponse{Reason: reason, Message: message})
}

// NewMatchRequest builds a StartRandomMatch envelope.
func NewMatchRequest(req MatchRequest) Envelope {
	return mustEnvelope(TypeMatchRequest, req)
}

// NewMatchCancel builds a cancel notification for an in-flight search.
func NewMatchCancel(playerID string) Envelope {
	return mustEnvelope(TypeMatchCancel, map[string]string{"playerId": playerID})
}

// NewMatchRecovery builds the state-recovery query issued after a reconnect
// interrupted an active search.
func NewMatchRecovery(playerID string) Envelope {
	return mustEnvelope(TypeMatchRecovery, map[string]string{"playerId": playerID})
}

// NewMatchResponse builds a matchmaking outcome envelope.
func NewMatchResponse(resp MatchResponse) Envelope {
	return mustEnvelope(TypeMatchResponse, resp)
}

// NewRoomCreate builds a CreateRoom request envelope.
func NewRoomCreate(maxPlayers int) Envelope {
	return mustEnvelope(TypeRoomCreate, RoomCreate{MaxPlayers: maxPlayers})
}

// NewRoomJoin builds a JoinRoom request envelope.
func NewRoomJoin(code string) Envelope {
	return mustEnvelope(TypeRoomJoin, RoomJoin{Code: code})
}

// NewRoomLeave builds a LeaveRoom request envelope.
func NewRoomLeave() Envelope {
	return NewEnvelope(TypeRoomLeave, nil, DefaultTTL)
}

// NewRoomReady builds a PlayerReady request envelope.
func NewRoomReady(ready bool) Envelope {
	return mustEnvelope(TypeRoomReady, RoomReady{Ready: ready})
}

// NewRoomResponse builds a success reply for a room operation.
func NewRoomResponse(resp RoomResponse) Envelope {
	return mustEnvelope(TypeRoomResponse, resp)
}

// NewRoomStateSync builds a versioned state broadcast.
func NewRoomStateSync(sync RoomStateSync) Envelope {
	return mustEnvelope(TypeRoomStateSync, sync)
}

// NewRoomResync builds a full-state resync request.
func NewRoomResync(code string, haveVersion uint64) Envelope {
	return mustEnvelope(TypeRoomResync, RoomResync{Code: code, HaveVersion: haveVersion})
}

// DecodeBody unmarshals an envelope body into the given payload struct.
func DecodeBody(env Envelope, out interface{}) error {
	if err := json.Unmarshal(env.Body, out); err != nil {
		return fmt.Errorf("%w: %s body: %v", ErrMalformed, env.Type, err)
	}
	return nil
}
