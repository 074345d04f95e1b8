package broker

import (
	"time"

	"pairline/cmd/internal/ids"
	v1 "pairline/contracts/signal/v1"
)

// startSession pairs first and second and tells both sides.
// first becomes participant A and is flagged as the offer initiator.
func (b *Broker) startSession(first, second, addrFirst, addrSecond, via string) (*Session, bool) {
	if !b.registry.Has(first) || !b.registry.Has(second) {
		return nil, false
	}

	sess, ok := b.sessions.Create(first, second, addrFirst, addrSecond, via, b.now())
	if !ok {
		b.log.Warn("broker.session.reject", "a", first, "b", second, "via", via)
		return nil, false
	}
	sess.RecordID = newRecordID(sess.StartedAt)

	b.deliver(first, v1.TypeMatched, v1.MatchedPayload{
		SessionID:  sess.ID,
		Peer:       second,
		PeerWallet: addrSecond,
		Initiator:  true,
	})
	b.deliver(second, v1.TypeMatched, v1.MatchedPayload{
		SessionID:  sess.ID,
		Peer:       first,
		PeerWallet: addrFirst,
	})

	b.metrics.SessionStarted(via)
	b.log.Info("broker.session.start", "session_id", sess.ID, "via", via, "active", b.sessions.Len())
	return sess, true
}

// endByParticipant ends the session id participates in, if any.
func (b *Broker) endByParticipant(id, reason string) bool {
	sess := b.sessions.FindByParticipant(id)
	if sess == nil {
		return false
	}
	b.endSession(sess.ID, id, reason)
	return true
}

// endSession removes the session and notifies the participant other than endedBy.
func (b *Broker) endSession(sessionID, endedBy, reason string) {
	sess, ok := b.sessions.End(sessionID)
	if !ok {
		return
	}
	now := b.now()

	if other := sess.Other(endedBy); other != "" {
		b.deliver(other, v1.TypeChatEnded, v1.ChatEndedPayload{Reason: reason})
	}

	b.metrics.SessionEnded(reason, now.Sub(sess.StartedAt))
	b.recorder.Record(SessionRecord{
		RecordID:     sess.RecordID,
		SessionID:    sess.ID,
		ParticipantA: sess.ParticipantA,
		ParticipantB: sess.ParticipantB,
		AddressA:     sess.AddressA,
		AddressB:     sess.AddressB,
		Via:          sess.Via,
		StartedAt:    sess.StartedAt,
		EndedAt:      now,
		EndedBy:      endedBy,
		Reason:       reason,
	})
	b.log.Info("broker.session.end", "session_id", sess.ID, "ended_by", endedBy, "reason", reason, "lasted", now.Sub(sess.StartedAt))
}

func newRecordID(now time.Time) string {
	id, err := ids.NewULID(now)
	if err != nil {
		return ids.NewRandomHex(16)
	}
	return id
}
