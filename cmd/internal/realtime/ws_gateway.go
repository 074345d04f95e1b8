package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pairline/cmd/internal/broker"
	v1 "pairline/contracts/signal/v1"

	"github.com/coder/websocket"
)

// Broker is the part of the signaling broker the gateway drives.
type Broker interface {
	Connect(ctx context.Context, peer broker.Peer, hello broker.Hello) error
	Dispatch(ctx context.Context, id string, env v1.Envelope) error
	Disconnect(id string)
}

// Metrics receives gateway events. Implementations must be safe for concurrent use.
type Metrics interface {
	ConnectionRejected(reason string)
	RateLimited()
}

type nopMetrics struct{}

func (nopMetrics) ConnectionRejected(string) {}
func (nopMetrics) RateLimited() {}

// GatewayConfig holds the WebSocket policy knobs.
type GatewayConfig struct {
	// DevInsecure disables websocket.Accept origin verification. Dev only.
	DevInsecure    bool
	OriginRequired bool
	AllowedOrigins []string

	WriteTimeout  time.Duration
	SendQueueSize int

	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration

	RateEvents int
	RateWindow time.Duration
}

// DefaultGatewayConfig returns secure defaults: origin required, localhost only.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		OriginRequired:   true,
		AllowedOrigins:   []string{"http://localhost", "http://127.0.0.1"},
		WriteTimeout:     wsDefaultWriteTimeout,
		SendQueueSize:    wsDefaultSendQueueSize,
		HeartbeatEvery:   heartbeatInterval,
		HeartbeatTimeout: heartbeatTimeout,
		RateEvents:       rateLimitEvents,
		RateWindow:       rateLimitWindow,
	}
}

// WSGateway is the WebSocket entrypoint for signaling.
//
// It enforces origin policy, subprotocol selection, rate limits and heartbeats,
// registers each connection with the broker and forwards validated envelopes to it.
type WSGateway struct {
	log     *slog.Logger
	broker  Broker
	metrics Metrics

	cfg GatewayConfig

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	active atomic.Int64
}

// NewWSGateway constructs a gateway. Zero or invalid config values fall back to defaults.
func NewWSGateway(log *slog.Logger, b Broker, cfg GatewayConfig, m Metrics) *WSGateway {
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m = nopMetrics{}
	}

	def := DefaultGatewayConfig()
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.SendQueueSize < wsMinSendQueueSize {
		cfg.SendQueueSize = wsMinSendQueueSize
	}
	if cfg.HeartbeatEvery <= 0 {
		cfg.HeartbeatEvery = def.HeartbeatEvery
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if cfg.RateEvents <= 0 {
		cfg.RateEvents = def.RateEvents
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = def.RateWindow
	}

	return &WSGateway{
		log:     log,
		broker:  b,
		metrics: m,
		cfg:     cfg,

		// websocket.Accept enforces its own origin policy (same-host, or
		// OriginPatterns for cross-origin). Patterns are derived from the
		// allowlist so the two layers agree.
		originPatterns: deriveOriginPatternsFromAllowedOrigins(cfg.AllowedOrigins),
	}
}

// Active returns the number of connections currently being served.
func (g *WSGateway) Active() int64 { return g.active.Load() }

// Drain waits until every connection handler has returned or ctx is done.
func (g *WSGateway) Drain(ctx context.Context) error {
	t := time.NewTicker(wsDrainPollInterval)
	defer t.Stop()

	for {
		if g.active.Load() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket connection and runs the signaling loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	g.active.Add(1)
	defer g.active.Add(-1)

	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		g.metrics.ConnectionRejected("origin")
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	now := time.Now().UTC()
	connID, err := NewConnectionID(now)
	if err != nil {
		g.log.Error("ws.id.fail", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	hello, err := helloFromQuery(r.URL.Query(), connID)
	if err != nil {
		g.log.Info("ws.reject.query", "err", err, "remote", r.RemoteAddr)
		g.metrics.ConnectionRejected("query")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{v1.Subprotocol},

		// Authorize allowed origin hosts for cross-origin requests.
		OriginPatterns: g.originPatterns,

		// Dev-only escape hatch.
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		g.metrics.ConnectionRejected("accept")
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		g.metrics.ConnectionRejected("subprotocol")
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	client := NewClient(connID, g.cfg.SendQueueSize)
	log := g.log.With("conn_id", connID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.Send.
	// The broker forgets the connection before the client is closed; for an
	// id it never registered, Disconnect is a no-op.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.broker.Disconnect(connID)
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				// Closed by the broker (server stopping) or by shutdown itself.
				shutdown(websocket.StatusGoingAway, "server shutting down")
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					log.Info("ws.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	if err := g.broker.Connect(ctx, client, hello); err != nil {
		log.Warn("ws.connect.fail", "err", err)
		shutdown(websocket.StatusTryAgainLater, "server unavailable")
		<-writerDone
		return
	}
	log.Info("ws.open", "mode", hello.Mode, "remote", r.RemoteAddr)

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					log.Info("ws.ping.fail", "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

readLoop:
	for {
		// No read deadline: a connected pair signals nothing once media flows.
		// Liveness is the heartbeat's job.
		env, err := readEnvelope(ctx, conn)

		badJSON := false
		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				badJSON = true
			default:
				log.Info("ws.read.fail", "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		// Malformed frames count against the budget too.
		if now := time.Now().UTC(); !rl.Allow(now) {
			g.metrics.RateLimited()
			log.Warn("ws.rate_limited", "retry_after", rl.RetryAfter(now))
			g.trySendError(client, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if badJSON {
			g.trySendError(client, "bad_json", "invalid JSON")
			continue readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(client, "bad_envelope", err.Error())
			continue readLoop
		}

		if err := g.broker.Dispatch(ctx, connID, env); err != nil {
			if errors.Is(err, broker.ErrStopped) {
				shutdown(websocket.StatusGoingAway, "server shutting down")
			} else {
				shutdown(websocket.StatusNormalClosure, "context done")
			}
			break readLoop
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
	if n := client.Dropped(); n > 0 {
		log.Warn("ws.close", "dropped_frames", n)
		return
	}
	log.Info("ws.close")
}

// helloFromQuery builds the connect event from the handshake query string.
func helloFromQuery(q url.Values, connID string) (broker.Hello, error) {
	h := broker.Hello{
		ID:       connID,
		Address:  strings.TrimSpace(q.Get("walletAddress")),
		Provider: strings.TrimSpace(q.Get("walletProvider")),
		Mode:     broker.ParseMode(strings.TrimSpace(q.Get("mode"))),
		TargetID: strings.TrimSpace(q.Get("targetId")),
	}
	for name, v := range map[string]string{
		"walletAddress":  h.Address,
		"walletProvider": h.Provider,
		"targetId":       h.TargetID,
	} {
		if len([]rune(v)) > maxQueryValueChars {
			return broker.Hello{}, fmt.Errorf("%s too long: max=%d chars", name, maxQueryValueChars)
		}
	}
	return h, nil
}

// ---- send helpers ----

func (g *WSGateway) trySendError(client *Client, code, msg string) {
	env, err := broker.NewEnvelope(v1.TypeError, v1.ErrorPayload{Code: code, Message: msg}, time.Now().UTC())
	if err != nil {
		return
	}
	_ = client.Deliver(env)
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := v1.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	var (
		syntaxErr *json.SyntaxError
		typeErr   *json.UnmarshalTypeError
	)
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return readErrBadJSON
	}
	if strings.Contains(err.Error(), "unexpected end of JSON input") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimRight(strings.TrimSpace(s), "/")
	s = strings.TrimSuffix(s, ":*")
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(strings.Trim(h, "[]"))
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatternsFromAllowedOrigins turns the allowlist into
// websocket.Accept OriginPatterns. Accept matches a pattern against the
// origin's host:port with path.Match, so each allowed host is admitted on
// its bare form and on any port, mirroring enforceOrigin's host match.
func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	out := make([]string, 0, 2*len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		switch {
		case h == "":
			continue
		case h == "*":
			out = append(out, "*")
			continue
		case strings.Contains(h, ":"):
			// IPv6 literal; brackets are a character class in path.Match.
			h = `\[` + h + `\]`
		}
		out = append(out, h, h+":*")
	}
	slices.Sort(out)
	return slices.Compact(out)
}
