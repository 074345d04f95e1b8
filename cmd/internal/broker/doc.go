// Package broker is the signaling and matchmaking core.
//
// A single goroutine (Broker.Run) owns the connection registry, the waiting
// queue and the session store. Every inbound event is handed to that goroutine
// over one command channel and handled to completion before the next one, so
// none of the three structures needs a lock and matching never observes a
// queue mutated mid-scan.
//
// Outbound delivery is fire-and-forget: Peer.Deliver must not block, and a
// message that cannot be queued is dropped.
package broker
