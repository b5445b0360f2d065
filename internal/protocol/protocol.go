// internal/protocol/protocol.go
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Version is the protocol version this build speaks. Peers must agree on the
// major component; the minor component is free to differ.
const Version = "1.2"

// Payload and envelope size caps. Anything larger is rejected before the body
// is ever decoded.
const (
	MaxPayloadBytes  = 900 * 1024
	MaxEnvelopeBytes = 1024 * 1024
)

// Message types carried on the wire.
const (
	TypeHeartbeat    = "heartbeat"
	TypeHeartbeatAck = "heartbeat_ack"
	TypeError        = "error"

	TypeMatchRequest  = "match_request"
	TypeMatchCancel   = "match_cancel"
	TypeMatchRecovery = "match_recovery"
	TypeMatchResponse = "match_response"

	TypeRoomCreate    = "room_create"
	TypeRoomJoin      = "room_join"
	TypeRoomLeave     = "room_leave"
	TypeRoomReady     = "room_ready"
	TypeRoomChat      = "room_chat"
	TypeRoomResponse  = "room_response"
	TypeRoomStateSync = "room_state_sync"
	TypeRoomResync    = "room_resync"
)

var knownTypes = map[string]bool{
	TypeHeartbeat:     true,
	TypeHeartbeatAck:  true,
	TypeError:         true,
	TypeMatchRequest:  true,
	TypeMatchCancel:   true,
	TypeMatchRecovery: true,
	TypeMatchResponse: true,
	TypeRoomCreate:    true,
	TypeRoomJoin:      true,
	TypeRoomLeave:     true,
	TypeRoomReady:     true,
	TypeRoomChat:      true,
	TypeRoomResponse:  true,
	TypeRoomStateSync: true,
	TypeRoomResync:    true,
}

// Validation errors. A message failing any of these is logged and dropped by
// the caller; this layer never retries.
var (
	ErrUnknownType     = errors.New("protocol: unknown message type")
	ErrOversized       = errors.New("protocol: message exceeds size cap")
	ErrVersionMismatch = errors.New("protocol: incompatible protocol version")
	ErrExpired         = errors.New("protocol: message expired")
	ErrMalformed       = errors.New("protocol: malformed message")
)

// Envelope is the wire frame wrapping every message.
type Envelope struct {
	Type        string          `json:"type"`
	Version     string          `json:"version"`
	PayloadSize int             `json:"payloadSize"`
	ExpiresAt   int64           `json:"expiresAt"` // epoch seconds; 0 => never
	Body        json.RawMessage `json:"body,omitempty"`
}

// DefaultTTL is applied to outbound envelopes that don't specify their own.
const DefaultTTL = 30 * time.Second

// NewEnvelope wraps body (already-marshaled JSON) in a versioned envelope.
func NewEnvelope(msgType string, body []byte, ttl time.Duration) Envelope {
	var expires int64
	if ttl > 0 {
		expires = time.Now().Add(ttl).Unix()
	}
	return Envelope{
		Type:        msgType,
		Version:     Version,
		PayloadSize: len(body),
		ExpiresAt:   expires,
		Body:        body,
	}
}

// Encode marshals an envelope for the wire.
func (e Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to encode envelope: %w", err)
	}
	if len(data) > MaxEnvelopeBytes {
		return nil, ErrOversized
	}
	return data, nil
}

// Decode parses and validates an inbound frame. Order matters: size first so
// oversized garbage is dropped before any JSON work, then structure, then the
// envelope fields.
func Decode(data []byte) (Envelope, error) {
	if len(data) > MaxEnvelopeBytes {
		return Envelope{}, ErrOversized
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := env.Validate(time.Now()); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Validate checks the envelope against the caps, the known type set, the
// version contract and the expiry.
func (e Envelope) Validate(now time.Time) error {
	if !knownTypes[e.Type] {
		return fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
	if len(e.Body) > MaxPayloadBytes || e.PayloadSize > MaxPayloadBytes {
		return ErrOversized
	}
	if !compatibleVersion(e.Version) {
		return fmt.Errorf("%w: got %q, want %s.x", ErrVersionMismatch, e.Version, majorOf(Version))
	}
	if e.ExpiresAt > 0 && now.Unix() > e.ExpiresAt {
		return ErrExpired
	}
	return nil
}

func majorOf(v string) string {
	for i := 0; i < len(v); i++ {
		if v[i] == '.' {
			return v[:i]
		}
	}
	return v
}

func compatibleVersion(v string) bool {
	return v != "" && majorOf(v) == majorOf(Version)
}
