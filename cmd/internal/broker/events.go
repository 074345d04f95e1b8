package broker

import (
	"fmt"
	"time"

	"pairline/cmd/internal/ids"
	v1 "pairline/contracts/signal/v1"
)

// NewEnvelope builds an outbound envelope with a fresh id.
func NewEnvelope(typ string, payload any, now time.Time) (v1.Envelope, error) {
	raw, err := v1.Marshal(payload)
	if err != nil {
		return v1.Envelope{}, fmt.Errorf("encode %s payload: %w", typ, err)
	}

	id, err := ids.NewULID(now)
	if err != nil {
		id = ids.NewRandomHex(10)
	}

	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      now,
		Payload: raw,
	}, nil
}

func (b *Broker) envelope(typ string, payload any) (v1.Envelope, bool) {
	env, err := NewEnvelope(typ, payload, b.now())
	if err != nil {
		b.log.Error("broker.encode.fail", "type", typ, "err", err)
		return v1.Envelope{}, false
	}
	return env, true
}

// deliver sends one envelope to id. It reports false when id is not
// registered or its outbound queue is full.
func (b *Broker) deliver(id, typ string, payload any) bool {
	peer := b.registry.Peer(id)
	if peer == nil {
		return false
	}
	env, ok := b.envelope(typ, payload)
	if !ok {
		return false
	}
	if !peer.Deliver(env) {
		b.log.Warn("broker.deliver.drop", "conn_id", id, "type", typ)
		return false
	}
	return true
}

// broadcast sends the same envelope to every connection except skip.
func (b *Broker) broadcast(skip, typ string, payload any) int {
	env, ok := b.envelope(typ, payload)
	if !ok {
		return 0
	}
	sent := 0
	b.registry.each(skip, func(id string, p Peer) {
		if p.Deliver(env) {
			sent++
			return
		}
		b.log.Warn("broker.deliver.drop", "conn_id", id, "type", typ)
	})
	return sent
}

func (b *Broker) sendError(id, code, message string) {
	b.deliver(id, v1.TypeError, v1.ErrorPayload{Code: code, Message: message})
}

// reject reports a refused request to its sender.
func (b *Broker) reject(id, event string, err error) {
	b.log.Info("broker.request.rejected", "conn_id", id, "event", event, "err", err)
	b.sendError(id, errorCode(err), err.Error())
}
