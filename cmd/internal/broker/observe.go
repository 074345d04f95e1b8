package broker

import "time"

// Metrics receives broker events for instrumentation.
// Implementations are called from the broker loop and must not block.
type Metrics interface {
	SessionStarted(via string)
	SessionEnded(reason string, lasted time.Duration)
	Relayed(kind string, delivered bool)
	StaleEntryDropped()
	HandlerFailed(event string)
}

// SessionRecord describes a finished session for the session ledger.
type SessionRecord struct {
	RecordID     string    `json:"recordId"`
	SessionID    string    `json:"sessionId"`
	ParticipantA string    `json:"participantA"`
	ParticipantB string    `json:"participantB"`
	AddressA     string    `json:"addressA"`
	AddressB     string    `json:"addressB"`
	Via          string    `json:"via"`
	StartedAt    time.Time `json:"startedAt"`
	EndedAt      time.Time `json:"endedAt"`
	EndedBy      string    `json:"endedBy"`
	Reason       string    `json:"reason"`
}

// Recorder accepts finished sessions. Record must not block the broker loop.
type Recorder interface {
	Record(rec SessionRecord)
}

type nopMetrics struct{}

func (nopMetrics) SessionStarted(string) {}
func (nopMetrics) SessionEnded(string, time.Duration) {}
func (nopMetrics) Relayed(string, bool) {}
func (nopMetrics) StaleEntryDropped() {}
func (nopMetrics) HandlerFailed(string) {}

type nopRecorder struct{}

func (nopRecorder) Record(SessionRecord) {}
