package realtime

import "time"

// Input bounds.
const (
	// Largest frame the gateway will read. SDP offers with a full candidate
	// list are a few KiB.
	maxFrameBytes = 64 << 10

	// Per value cap for walletAddress, walletProvider and targetId.
	maxQueryValueChars = 256
)

// Connection tuning. GatewayConfig overrides the zero-able ones.
const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second

	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second
	wsMaxPingFailures = 3

	// Trickled ICE arrives in bursts; 120 per 10s leaves headroom for a
	// renegotiation on top of the initial exchange.
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)

// Shutdown timing.
const (
	wsCloseGrace        = 1 * time.Second
	wsDrainPollInterval = 50 * time.Millisecond
)
