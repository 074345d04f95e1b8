package broker

import (
	"time"

	v1 "pairline/contracts/signal/v1"
)

// Mode is how a client intends to find a counterpart.
type Mode string

const (
	// ModeRandom clients are paired through the waiting queue.
	ModeRandom Mode = "random"
	// ModeLobby clients browse the registry and pick a counterpart.
	// Only lobby clients are announced with user_joined.
	ModeLobby Mode = "lobby"
)

// ParseMode maps the handshake value to a Mode; anything unknown is ModeRandom.
func ParseMode(s string) Mode {
	if Mode(s) == ModeLobby {
		return ModeLobby
	}
	return ModeRandom
}

// Session end reasons delivered in chat-ended.
const (
	ReasonPeerEnded        = "peer ended the chat"
	ReasonPeerDisconnected = "peer disconnected"
)

// How a session was created.
const (
	ViaRandom = "random"
	ViaDirect = "direct"
)

// Peer is the outbound side of one connection.
//
// Deliver must never block; it reports false when the message was dropped.
// Close asks the transport to terminate the connection and must be idempotent.
type Peer interface {
	Deliver(env v1.Envelope) bool
	Close()
}

// Hello is the connect event: what the transport knows about a new connection.
type Hello struct {
	ID       string
	Address  string
	Provider string
	Mode     Mode
	TargetID string
}

// ClientInfo is the registry record of one live connection.
type ClientInfo struct {
	ID       string
	Address  string
	Provider string
	Mode     Mode
	JoinedAt time.Time
}

func (c ClientInfo) wire() v1.ClientInfo {
	return v1.ClientInfo{
		ID:             c.ID,
		WalletAddress:  c.Address,
		WalletProvider: c.Provider,
		JoinedAt:       c.JoinedAt,
	}
}

// WaitEntry is one client waiting for a random match.
type WaitEntry struct {
	ConnID   string
	Address  string
	JoinedAt time.Time

	// seq breaks JoinedAt ties by insertion order.
	seq uint64
}

// Session is one active pairing.
type Session struct {
	ID           string
	ParticipantA string
	ParticipantB string
	AddressA     string
	AddressB     string
	StartedAt    time.Time
	Via          string

	// RecordID is unique across the process lifetime, unlike ID, which a
	// pair that meets again reuses.
	RecordID string
}

// Has reports whether id participates in the session.
func (s *Session) Has(id string) bool {
	return s != nil && (s.ParticipantA == id || s.ParticipantB == id)
}

// Other returns the counterpart of id, or "" when id is not a participant.
func (s *Session) Other(id string) string {
	switch {
	case s == nil:
		return ""
	case s.ParticipantA == id:
		return s.ParticipantB
	case s.ParticipantB == id:
		return s.ParticipantA
	default:
		return ""
	}
}

// SessionID derives the session id from its participants. It is unique among
// live sessions only; the ledger keys on Session.RecordID.
func SessionID(a, b string) string {
	return a + "-" + b
}

// Stats are aggregate counts for liveness and introspection.
type Stats struct {
	Connected      int `json:"connections"`
	Waiting        int `json:"waitingUsers"`
	ActiveSessions int `json:"activeSessions"`
}
