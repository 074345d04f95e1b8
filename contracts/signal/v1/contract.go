// Package v1 defines the pairline Signaling Protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the broker, the gateway and clients to keep the wire protocol authoritative.
package v1

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the WebSocket subprotocol negotiated by the gateway.
const Subprotocol = "pairline.signal.v1"

// Marshal encodes v for the wire. Unlike json.Marshal it leaves <, > and &
// unescaped, so relayed SDP and candidate strings reach the peer as sent.
// Embedded json.RawMessage values are compacted but otherwise untouched.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Inbound type constants (client -> server, wire-stable).
const (
	// TypeGetOnlineUsers requests a registry snapshot.
	TypeGetOnlineUsers = "get_online_users"
	// TypeInitiateChat asks for a direct session with a chosen counterpart.
	TypeInitiateChat = "initiate_chat"
	// TypeWaiting enters the random matching queue.
	TypeWaiting = "waiting"
	// TypeEndChat ends the caller's current session.
	TypeEndChat = "end-chat"
)

// Relay type constants. They are used in both directions.
const (
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"
)

// Outbound type constants (server -> client, wire-stable).
const (
	// TypeConnected tells a client its own connection id.
	TypeConnected = "connected"
	// TypeUserJoined announces a lobby-mode client to everyone else.
	TypeUserJoined = "user_joined"
	// TypeUserLeft announces a departed connection.
	TypeUserLeft = "user_left"
	// TypeOnlineUsers answers get_online_users.
	TypeOnlineUsers = "online_users"
	// TypeMatched tells both participants that a session was created.
	TypeMatched = "matched"
	// TypeChatEnded tells the remaining participant that the session is over.
	TypeChatEnded = "chat-ended"
	// TypeError is a generic error envelope.
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an inbound Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}
	if !IsInbound(e.Type) {
		return fmt.Errorf("unknown type: %q", e.Type)
	}
	return nil
}

// IsInbound reports whether typ is a type a client may send.
func IsInbound(typ string) bool {
	switch typ {
	case TypeGetOnlineUsers,
		TypeInitiateChat,
		TypeWaiting,
		TypeEndChat,
		TypeOffer,
		TypeAnswer,
		TypeICECandidate:
		return true
	default:
		return false
	}
}

// IsRelay reports whether typ is one of the handshake messages forwarded peer to peer.
func IsRelay(typ string) bool {
	return typ == TypeOffer || typ == TypeAnswer || typ == TypeICECandidate
}
