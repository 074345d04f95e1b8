package broker

import (
	"encoding/json"

	v1 "pairline/contracts/signal/v1"
)

// relay forwards a handshake message to another connection.
// Unknown targets and full outbound queues drop the message silently.
func (b *Broker) relay(kind, from, to string, payload json.RawMessage) {
	if to == "" || !b.registry.Has(to) {
		b.metrics.Relayed(kind, false)
		b.log.Debug("broker.relay.drop", "kind", kind, "from", from, "to", to)
		return
	}

	delivered := b.deliver(to, kind, v1.RelayedPayload{From: from, Payload: payload})
	b.metrics.Relayed(kind, delivered)
}
