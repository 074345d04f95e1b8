package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"pairline/cmd/internal/broker"

	"github.com/nats-io/nats.go"
)

// DefaultSubject is where finished sessions are published.
const DefaultSubject = "pairline.sessions.ended"

// Publisher is satisfied by *nats.Conn.
type Publisher interface {
	PublishMsg(m *nats.Msg) error
}

// NATSSink publishes finished sessions as JSON on a core NATS subject.
type NATSSink struct {
	pub     Publisher
	subject string
}

// NewNATSSink constructs a NATSSink. An empty subject uses DefaultSubject.
func NewNATSSink(pub Publisher, subject string) (*NATSSink, error) {
	if pub == nil {
		return nil, errors.New("ledger: nil nats publisher")
	}
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = DefaultSubject
	}
	if strings.ContainsAny(subject, " \t\r\n*>") {
		return nil, fmt.Errorf("ledger: invalid publish subject %q", subject)
	}
	return &NATSSink{pub: pub, subject: subject}, nil
}

// WriteSession implements Sink.
func (s *NATSSink) WriteSession(ctx context.Context, rec broker.SessionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("ledger: encode session: %w", err)
	}

	msg := nats.NewMsg(s.subject)
	msg.Data = data
	// JetStream deduplicates on Nats-Msg-Id; core subscribers can use it too.
	msg.Header.Set(nats.MsgIdHdr, rec.RecordID)
	msg.Header.Set("Pairline-Session-Id", rec.SessionID)
	msg.Header.Set("Pairline-Via", rec.Via)

	if err := s.pub.PublishMsg(msg); err != nil {
		return fmt.Errorf("ledger: publish failed: %w", err)
	}
	return nil
}
