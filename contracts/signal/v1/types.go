package v1

import (
	"encoding/json"
	"time"
)

// ---- Inbound payloads ----

// InitiateChatPayload selects a specific counterpart from the lobby.
type InitiateChatPayload struct {
	TargetUserID string `json:"targetUserId"`
}

// WaitingPayload enters the random matching queue.
// An empty WalletAddress falls back to the address given at connect time.
type WaitingPayload struct {
	WalletAddress string `json:"walletAddress,omitempty"`
}

// RelayPayload carries an opaque handshake message addressed to another connection.
type RelayPayload struct {
	To      string          `json:"to"`
	Payload json.RawMessage `json:"payload"`
}

// ---- Outbound payloads ----

// ConnectedPayload tells a client which connection id the server assigned.
type ConnectedPayload struct {
	ID string `json:"id"`
}

// ClientInfo is the public view of a registered connection.
type ClientInfo struct {
	ID             string    `json:"id"`
	WalletAddress  string    `json:"walletAddress"`
	WalletProvider string    `json:"walletProvider"`
	JoinedAt       time.Time `json:"joinedAt"`
}

// UserLeftPayload announces a departed connection.
type UserLeftPayload struct {
	ID string `json:"id"`
}

// OnlineUsersPayload is the registry snapshot, including the requester.
type OnlineUsersPayload struct {
	Users []ClientInfo `json:"users"`
}

// MatchedPayload is sent to each participant of a new session.
// Initiator is true for exactly one side, which is expected to create the offer.
type MatchedPayload struct {
	SessionID  string `json:"sessionId"`
	Peer       string `json:"peer"`
	PeerWallet string `json:"peerWallet"`
	Initiator  bool   `json:"initiator"`
}

// RelayedPayload is a forwarded handshake message. Payload is passed through verbatim.
type RelayedPayload struct {
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload"`
}

// ChatEndedPayload tells the remaining participant why the session ended.
type ChatEndedPayload struct {
	Reason string `json:"reason"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
