package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	v1 "pairline/contracts/signal/v1"
)

type opKind uint8

const (
	opConnect opKind = iota + 1
	opDisconnect
	opEnvelope
	opStats
)

func (k opKind) String() string {
	switch k {
	case opConnect:
		return "connect"
	case opDisconnect:
		return "disconnect"
	case opEnvelope:
		return "envelope"
	case opStats:
		return "stats"
	default:
		return "unknown"
	}
}

type command struct {
	op    opKind
	id    string
	peer  Peer
	hello Hello
	env   v1.Envelope
	reply chan Stats
}

// Broker owns all signaling state. Use New, start Run in its own goroutine,
// then talk to it through Connect, Dispatch, Disconnect and Stats.
type Broker struct {
	log      *slog.Logger
	now      func() time.Time
	metrics  Metrics
	recorder Recorder

	registry *Registry
	queue    *WaitQueue
	sessions *SessionStore

	cmds    chan command
	stopped chan struct{}
}

// Option configures a Broker.
type Option func(*Broker)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(b *Broker) {
		if now != nil {
			b.now = now
		}
	}
}

// WithMetrics installs an instrumentation sink.
func WithMetrics(m Metrics) Option {
	return func(b *Broker) {
		if m != nil {
			b.metrics = m
		}
	}
}

// WithRecorder installs a ledger for finished sessions.
func WithRecorder(r Recorder) Option {
	return func(b *Broker) {
		if r != nil {
			b.recorder = r
		}
	}
}

// New constructs a Broker. It does nothing until Run is called.
func New(log *slog.Logger, opts ...Option) *Broker {
	if log == nil {
		log = slog.Default()
	}
	b := &Broker{
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
		metrics:  nopMetrics{},
		recorder: nopRecorder{},
		registry: NewRegistry(),
		queue:    NewWaitQueue(),
		sessions: NewSessionStore(),
		cmds:     make(chan command),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Run processes commands until ctx is cancelled, then closes every registered peer.
// It must be called exactly once.
func (b *Broker) Run(ctx context.Context) error {
	defer close(b.stopped)

	b.log.Info("broker.start")
	for {
		select {
		case <-ctx.Done():
			n := b.registry.Len()
			b.registry.each("", func(_ string, p Peer) { p.Close() })
			b.log.Info("broker.stop", "closed_connections", n)
			return nil
		case cmd := <-b.cmds:
			b.handle(cmd)
		}
	}
}

// Done is closed once Run has returned.
func (b *Broker) Done() <-chan struct{} { return b.stopped }

// Connect registers a new connection (the connect event).
func (b *Broker) Connect(ctx context.Context, peer Peer, hello Hello) error {
	if peer == nil || strings.TrimSpace(hello.ID) == "" {
		return fmt.Errorf("connect: %w", ErrBadPayload)
	}
	return b.send(ctx, command{op: opConnect, id: hello.ID, peer: peer, hello: hello})
}

// Disconnect tears down everything owned by id (the disconnect event).
// It returns once the broker has accepted the event or has stopped.
func (b *Broker) Disconnect(id string) {
	_ = b.send(context.Background(), command{op: opDisconnect, id: id})
}

// Dispatch hands one validated inbound envelope from id to the broker.
func (b *Broker) Dispatch(ctx context.Context, id string, env v1.Envelope) error {
	return b.send(ctx, command{op: opEnvelope, id: id, env: env})
}

// Stats returns aggregate counts computed by the broker loop.
func (b *Broker) Stats(ctx context.Context) (Stats, error) {
	reply := make(chan Stats, 1)
	if err := b.send(ctx, command{op: opStats, reply: reply}); err != nil {
		return Stats{}, err
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
}

func (b *Broker) send(ctx context.Context, cmd command) error {
	select {
	case b.cmds <- cmd:
		return nil
	case <-b.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handle runs one command to completion. A panic is contained here so one
// misbehaving connection cannot stop matching or relay for the others.
func (b *Broker) handle(cmd command) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		event := cmd.op.String()
		if cmd.op == opEnvelope {
			event = cmd.env.Type
		}
		b.log.Error("broker.handler.panic", "event", event, "conn_id", cmd.id, "panic", fmt.Sprint(r))
		b.metrics.HandlerFailed(event)
		if cmd.id != "" {
			b.sendError(cmd.id, "internal", "internal error")
		}
	}()

	switch cmd.op {
	case opConnect:
		b.connect(cmd.peer, cmd.hello)
	case opDisconnect:
		b.disconnect(cmd.id)
	case opEnvelope:
		b.dispatch(cmd.id, cmd.env)
	case opStats:
		cmd.reply <- b.stats()
	}
}

func (b *Broker) connect(peer Peer, h Hello) {
	info := ClientInfo{
		ID:       h.ID,
		Address:  h.Address,
		Provider: h.Provider,
		Mode:     h.Mode,
		JoinedAt: b.now(),
	}
	if info.Mode == "" {
		info.Mode = ModeRandom
	}

	if b.registry.Has(info.ID) {
		// A reconnect under a live id starts clean: no queue entry, no session.
		b.dequeue(info.ID)
		b.endByParticipant(info.ID, ReasonPeerDisconnected)
	}

	b.registry.Register(info, peer)
	b.log.Info("broker.connect", "conn_id", info.ID, "mode", info.Mode, "provider", info.Provider, "connected", b.registry.Len())

	b.deliver(info.ID, v1.TypeConnected, v1.ConnectedPayload{ID: info.ID})
	b.broadcastJoin(info)

	if target := strings.TrimSpace(h.TargetID); target != "" {
		if err := b.initiateDirect(info.ID, target); err != nil {
			b.reject(info.ID, "connect", err)
		}
	}
}

func (b *Broker) disconnect(id string) {
	info, ok := b.registry.Unregister(id)
	if !ok {
		return
	}

	b.dequeue(id)
	b.endByParticipant(id, ReasonPeerDisconnected)
	b.broadcastLeave(id)

	b.log.Info("broker.disconnect", "conn_id", id, "online_for", b.now().Sub(info.JoinedAt), "connected", b.registry.Len())
}

func (b *Broker) dispatch(id string, env v1.Envelope) {
	if !b.registry.Has(id) {
		b.log.Debug("broker.dispatch.unknown_conn", "conn_id", id, "type", env.Type)
		return
	}

	var err error
	switch env.Type {
	case v1.TypeGetOnlineUsers:
		b.listOnline(id)

	case v1.TypeInitiateChat:
		var p v1.InitiateChatPayload
		if err = decodePayload(env.Payload, &p); err == nil {
			err = b.initiateDirect(id, strings.TrimSpace(p.TargetUserID))
		}

	case v1.TypeWaiting:
		var p v1.WaitingPayload
		if err = decodePayload(env.Payload, &p); err == nil {
			b.enqueue(id, strings.TrimSpace(p.WalletAddress))
		}

	case v1.TypeOffer, v1.TypeAnswer, v1.TypeICECandidate:
		var p v1.RelayPayload
		if err = decodePayload(env.Payload, &p); err == nil {
			b.relay(env.Type, id, strings.TrimSpace(p.To), p.Payload)
		}

	case v1.TypeEndChat:
		b.endByParticipant(id, ReasonPeerEnded)

	default:
		b.sendError(id, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		return
	}

	if err != nil {
		b.reject(id, env.Type, err)
	}
}

func (b *Broker) stats() Stats {
	return Stats{
		Connected:      b.registry.Len(),
		Waiting:        b.queue.Len(),
		ActiveSessions: b.sessions.Len(),
	}
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return nil
}
