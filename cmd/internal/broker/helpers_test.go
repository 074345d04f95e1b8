package broker

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	v1 "pairline/contracts/signal/v1"
)

type fakePeer struct {
	mu     sync.Mutex
	got    []v1.Envelope
	full   bool
	closed bool
}

func (p *fakePeer) Deliver(env v1.Envelope) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.full || p.closed {
		return false
	}
	p.got = append(p.got, env)
	return true
}

func (p *fakePeer) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) all(typ string) []v1.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []v1.Envelope
	for _, env := range p.got {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

func (p *fakePeer) count(typ string) int { return len(p.all(typ)) }

func (p *fakePeer) reset() {
	p.mu.Lock()
	p.got = nil
	p.mu.Unlock()
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeMetrics struct {
	mu       sync.Mutex
	started  map[string]int
	ended    map[string]int
	relayed  map[string]int
	dropped  map[string]int
	stale    int
	failures int
	panicOn  string
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{
		started: map[string]int{},
		ended:   map[string]int{},
		relayed: map[string]int{},
		dropped: map[string]int{},
	}
}

func (m *fakeMetrics) SessionStarted(via string) {
	m.mu.Lock()
	m.started[via]++
	m.mu.Unlock()
	if m.panicOn == "start" {
		panic("metrics exploded")
	}
}

func (m *fakeMetrics) SessionEnded(reason string, _ time.Duration) {
	m.mu.Lock()
	m.ended[reason]++
	m.mu.Unlock()
}

func (m *fakeMetrics) Relayed(kind string, delivered bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if delivered {
		m.relayed[kind]++
		return
	}
	m.dropped[kind]++
}

func (m *fakeMetrics) StaleEntryDropped() {
	m.mu.Lock()
	m.stale++
	m.mu.Unlock()
}

func (m *fakeMetrics) HandlerFailed(string) {
	m.mu.Lock()
	m.failures++
	m.mu.Unlock()
}

type fakeRecorder struct {
	mu   sync.Mutex
	recs []SessionRecord
}

func (r *fakeRecorder) Record(rec SessionRecord) {
	r.mu.Lock()
	r.recs = append(r.recs, rec)
	r.mu.Unlock()
}

func (r *fakeRecorder) records() []SessionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]SessionRecord(nil), r.recs...)
}

// harness drives a Broker synchronously through handle, without Run.
type harness struct {
	t       *testing.T
	b       *Broker
	clock   *fakeClock
	metrics *fakeMetrics
	ledger  *fakeRecorder
	peers   map[string]*fakePeer
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	metrics := newFakeMetrics()
	ledger := &fakeRecorder{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	return &harness{
		t:       t,
		b:       New(log, WithClock(clock.now), WithMetrics(metrics), WithRecorder(ledger)),
		clock:   clock,
		metrics: metrics,
		ledger:  ledger,
		peers:   map[string]*fakePeer{},
	}
}

func (h *harness) connect(id string, mode Mode, address string) *fakePeer {
	return h.connectHello(Hello{ID: id, Address: address, Provider: "test", Mode: mode})
}

func (h *harness) connectHello(hello Hello) *fakePeer {
	h.t.Helper()
	p := &fakePeer{}
	h.peers[hello.ID] = p
	h.b.handle(command{op: opConnect, id: hello.ID, peer: p, hello: hello})
	h.clock.advance(time.Second)
	return p
}

func (h *harness) disconnect(id string) {
	h.b.handle(command{op: opDisconnect, id: id})
	h.clock.advance(time.Second)
}

func (h *harness) send(id, typ string, payload any) {
	h.t.Helper()
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			h.t.Fatalf("marshal payload: %v", err)
		}
		raw = b
	}
	h.b.handle(command{op: opEnvelope, id: id, env: v1.Envelope{V: v1.Version, Type: typ, Payload: raw}})
	h.clock.advance(time.Second)
}

func (h *harness) stats() Stats { return h.b.stats() }

func decode[T any](t *testing.T, env v1.Envelope) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		t.Fatalf("decode %s payload: %v", env.Type, err)
	}
	return v
}

func onlyOne(t *testing.T, p *fakePeer, typ string) v1.Envelope {
	t.Helper()
	got := p.all(typ)
	if len(got) != 1 {
		t.Fatalf("got %d %q envelopes, want 1", len(got), typ)
	}
	return got[0]
}
