package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"pairline/cmd/internal/broker"
	v1 "pairline/contracts/signal/v1"

	"github.com/coder/websocket"
)

func TestWSGateway_RandomPairRelayAndDisconnect(t *testing.T) {
	t.Parallel()

	gw, _ := newTestGateway(t, nil)
	ts := startWSTestServer(t, gw)
	defer ts.Close()

	a := mustDial(t, ts.URL, url.Values{"walletAddress": {"0xA"}})
	defer func() { _ = a.Close(websocket.StatusNormalClosure, "bye") }()
	b := mustDial(t, ts.URL, url.Values{"walletAddress": {"0xB"}})
	defer func() { _ = b.Close(websocket.StatusNormalClosure, "bye") }()

	idA := readConnectedID(t, a)
	idB := readConnectedID(t, b)

	writeEnvelopeWS(t, a, v1.Envelope{V: v1.Version, Type: v1.TypeWaiting})
	writeEnvelopeWS(t, b, v1.Envelope{V: v1.Version, Type: v1.TypeWaiting})

	var ma, mb v1.MatchedPayload
	decodeInto(t, readUntilType(t, a, v1.TypeMatched, 4), &ma)
	decodeInto(t, readUntilType(t, b, v1.TypeMatched, 4), &mb)
	if ma.Peer != idB || mb.Peer != idA {
		t.Fatalf("matched A->%q B->%q, want A->%q B->%q", ma.Peer, mb.Peer, idB, idA)
	}
	if ma.Initiator == mb.Initiator {
		t.Fatalf("exactly one side must be the initiator")
	}
	if ma.PeerWallet != "0xB" || mb.PeerWallet != "0xA" {
		t.Fatalf("wallets A->%q B->%q", ma.PeerWallet, mb.PeerWallet)
	}

	offer := json.RawMessage(`{"sdp":"v=0\r\ns=-\r\n","type":"offer"}`)
	writeEnvelopeWS(t, a, v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeOffer,
		Payload: mustJSONRaw(t, v1.RelayPayload{To: idB, Payload: offer}),
	})

	var relayed v1.RelayedPayload
	decodeInto(t, readUntilType(t, b, v1.TypeOffer, 4), &relayed)
	if relayed.From != idA || string(relayed.Payload) != string(offer) {
		t.Fatalf("relayed=%+v payload=%s", relayed, relayed.Payload)
	}

	_ = a.Close(websocket.StatusNormalClosure, "leaving")

	var ended v1.ChatEndedPayload
	decodeInto(t, readUntilType(t, b, v1.TypeChatEnded, 4), &ended)
	if ended.Reason != broker.ReasonPeerDisconnected {
		t.Fatalf("reason=%q", ended.Reason)
	}
	var left v1.UserLeftPayload
	decodeInto(t, readUntilType(t, b, v1.TypeUserLeft, 4), &left)
	if left.ID != idA {
		t.Fatalf("user_left id=%q want %q", left.ID, idA)
	}
}

func TestWSGateway_LobbyDirectChat(t *testing.T) {
	t.Parallel()

	gw, _ := newTestGateway(t, nil)
	ts := startWSTestServer(t, gw)
	defer ts.Close()

	a := mustDial(t, ts.URL, url.Values{"mode": {"lobby"}, "walletAddress": {"0xA"}, "walletProvider": {"phantom"}})
	defer func() { _ = a.Close(websocket.StatusNormalClosure, "bye") }()
	idA := readConnectedID(t, a)

	b := mustDial(t, ts.URL, url.Values{"mode": {"lobby"}, "walletAddress": {"0xB"}})
	defer func() { _ = b.Close(websocket.StatusNormalClosure, "bye") }()
	idB := readConnectedID(t, b)

	var joined v1.ClientInfo
	decodeInto(t, readUntilType(t, a, v1.TypeUserJoined, 4), &joined)
	if joined.ID != idB || joined.WalletAddress != "0xB" {
		t.Fatalf("user_joined=%+v", joined)
	}

	writeEnvelopeWS(t, b, v1.Envelope{V: v1.Version, Type: v1.TypeGetOnlineUsers})
	var online v1.OnlineUsersPayload
	decodeInto(t, readUntilType(t, b, v1.TypeOnlineUsers, 4), &online)
	if len(online.Users) != 2 {
		t.Fatalf("users=%+v", online.Users)
	}

	writeEnvelopeWS(t, b, v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeInitiateChat,
		Payload: mustJSONRaw(t, v1.InitiateChatPayload{TargetUserID: "01NOTONLINE0000000000000000"}),
	})
	var e v1.ErrorPayload
	decodeInto(t, readUntilType(t, b, v1.TypeError, 4), &e)
	if e.Code != "target_offline" || e.Message != "target not online" {
		t.Fatalf("error=%+v", e)
	}

	writeEnvelopeWS(t, b, v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeInitiateChat,
		Payload: mustJSONRaw(t, v1.InitiateChatPayload{TargetUserID: idA}),
	})
	var ma v1.MatchedPayload
	decodeInto(t, readUntilType(t, a, v1.TypeMatched, 4), &ma)
	if ma.Peer != idB || ma.Initiator {
		t.Fatalf("A matched=%+v", ma)
	}
}

func TestWSGateway_BadEnvelopeKeepsConnection(t *testing.T) {
	t.Parallel()

	gw, _ := newTestGateway(t, nil)
	ts := startWSTestServer(t, gw)
	defer ts.Close()

	c := mustDial(t, ts.URL, nil)
	defer func() { _ = c.Close(websocket.StatusNormalClosure, "bye") }()
	readConnectedID(t, c)

	writeEnvelopeWS(t, c, v1.Envelope{V: "v0", Type: v1.TypeWaiting})
	var e v1.ErrorPayload
	decodeInto(t, readUntilType(t, c, v1.TypeError, 4), &e)
	if e.Code != "bad_envelope" {
		t.Fatalf("code=%q", e.Code)
	}

	writeRaw(t, c, []byte(`{"v":"v1",`))
	decodeInto(t, readUntilType(t, c, v1.TypeError, 4), &e)
	if e.Code != "bad_json" {
		t.Fatalf("code=%q", e.Code)
	}

	writeEnvelopeWS(t, c, v1.Envelope{V: v1.Version, Type: v1.TypeGetOnlineUsers})
	readUntilType(t, c, v1.TypeOnlineUsers, 4)
}

func TestWSGateway_RateLimitCloses(t *testing.T) {
	t.Parallel()

	cfg := testGatewayConfig()
	cfg.RateEvents = 2
	cfg.RateWindow = time.Minute
	gw, _ := newTestGateway(t, &cfg)
	ts := startWSTestServer(t, gw)
	defer ts.Close()

	c := mustDial(t, ts.URL, nil)
	defer func() { _ = c.Close(websocket.StatusNormalClosure, "bye") }()
	readConnectedID(t, c)

	for i := 0; i < 3; i++ {
		writeEnvelopeWS(t, c, v1.Envelope{V: v1.Version, Type: v1.TypeGetOnlineUsers})
	}

	if got := readUntilClosed(t, c, 8); got != websocket.StatusPolicyViolation {
		t.Fatalf("close status=%v want %v", got, websocket.StatusPolicyViolation)
	}
}

func TestWSGateway_BrokerStopClosesConnections(t *testing.T) {
	t.Parallel()

	gw, stop := newTestGateway(t, nil)
	ts := startWSTestServer(t, gw)
	defer ts.Close()

	c := mustDial(t, ts.URL, nil)
	defer func() { _ = c.Close(websocket.StatusNormalClosure, "bye") }()
	readConnectedID(t, c)

	stop()

	if got := readUntilClosed(t, c, 4); got != websocket.StatusGoingAway {
		t.Fatalf("close status=%v want %v", got, websocket.StatusGoingAway)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := gw.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if gw.Active() != 0 {
		t.Fatalf("active=%d", gw.Active())
	}
}

func TestWSGateway_Rejections(t *testing.T) {
	t.Parallel()

	cfg := testGatewayConfig()
	cfg.OriginRequired = true
	cfg.AllowedOrigins = []string{"https://app.example.com"}
	gw, _ := newTestGateway(t, &cfg)
	ts := startWSTestServer(t, gw)
	defer ts.Close()

	cases := []struct {
		name       string
		origin     string
		query      url.Values
		wantStatus int
	}{
		{name: "missing origin", wantStatus: http.StatusForbidden},
		{name: "foreign origin", origin: "https://evil.example.com", wantStatus: http.StatusForbidden},
		{name: "query too long", origin: "https://app.example.com", query: url.Values{"walletAddress": {strings.Repeat("x", maxQueryValueChars+1)}}, wantStatus: http.StatusBadRequest},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conn, resp, err := dialWS(t, ts.URL, tc.origin, tc.query)
			if resp != nil && resp.Body != nil {
				_ = resp.Body.Close()
			}
			if err == nil {
				_ = conn.Close(websocket.StatusNormalClosure, "bye")
				t.Fatalf("expected dial failure")
			}
			if resp == nil || resp.StatusCode != tc.wantStatus {
				t.Fatalf("resp=%v want status %d", resp, tc.wantStatus)
			}
		})
	}

	conn, resp, err := dialWS(t, ts.URL, "https://app.example.com", nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("allowed origin dial failed: %v", err)
	}
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func TestWSGateway_AllowsOriginOnOtherPort(t *testing.T) {
	t.Parallel()

	// The browser app is served from :3000 while the gateway listens elsewhere.
	const origin = "http://127.0.0.1:3000"

	for _, allowed := range [][]string{
		{"http://127.0.0.1:3000"},
		{"http://127.0.0.1:*"},
		{"*"},
	} {
		cfg := testGatewayConfig()
		cfg.OriginRequired = true
		cfg.AllowedOrigins = allowed
		gw, _ := newTestGateway(t, &cfg)
		ts := startWSTestServer(t, gw)

		conn, resp, err := dialWS(t, ts.URL, origin, nil)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			ts.Close()
			t.Fatalf("allowlist %v: dial with origin %s: %v", allowed, origin, err)
		}
		readConnectedID(t, conn)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
		ts.Close()
	}
}

func TestWSGateway_SilentSessionSurvivesHeartbeats(t *testing.T) {
	t.Parallel()

	cfg := testGatewayConfig()
	cfg.HeartbeatEvery = 50 * time.Millisecond
	cfg.HeartbeatTimeout = time.Second
	gw, _ := newTestGateway(t, &cfg)
	ts := startWSTestServer(t, gw)
	defer ts.Close()

	a := mustDial(t, ts.URL, url.Values{"walletAddress": {"0xA"}})
	defer func() { _ = a.Close(websocket.StatusNormalClosure, "bye") }()
	b := mustDial(t, ts.URL, url.Values{"walletAddress": {"0xB"}})
	defer func() { _ = b.Close(websocket.StatusNormalClosure, "bye") }()
	idA := readConnectedID(t, a)
	idB := readConnectedID(t, b)

	writeEnvelopeWS(t, a, v1.Envelope{V: v1.Version, Type: v1.TypeWaiting})
	writeEnvelopeWS(t, b, v1.Envelope{V: v1.Version, Type: v1.TypeWaiting})
	readUntilType(t, a, v1.TypeMatched, 4)
	readUntilType(t, b, v1.TypeMatched, 4)

	// Media would now flow peer to peer; neither side signals, but both keep
	// reading so pings get answered.
	framesA := pumpEnvelopes(t, a)
	framesB := pumpEnvelopes(t, b)
	time.Sleep(20 * cfg.HeartbeatEvery)

	writeEnvelopeWS(t, a, v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeICECandidate,
		Payload: mustJSONRaw(t, v1.RelayPayload{To: idB, Payload: json.RawMessage(`{"candidate":"c"}`)}),
	})
	select {
	case env, ok := <-framesB:
		if !ok {
			t.Fatalf("B was disconnected while silent")
		}
		if env.Type != v1.TypeICECandidate {
			t.Fatalf("B got %q, want %q", env.Type, v1.TypeICECandidate)
		}
		var p v1.RelayedPayload
		decodeInto(t, env, &p)
		if p.From != idA {
			t.Fatalf("from=%q want %q", p.From, idA)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("relay after a silent period never arrived")
	}

	for {
		select {
		case env, ok := <-framesA:
			if !ok {
				t.Fatalf("A was disconnected while silent")
			}
			if env.Type == v1.TypeChatEnded {
				t.Fatalf("session ended while both sides were silent")
			}
			continue
		default:
		}
		break
	}
}

func TestWSGateway_MalformedFramesAreRateLimited(t *testing.T) {
	t.Parallel()

	cfg := testGatewayConfig()
	cfg.RateEvents = 2
	cfg.RateWindow = time.Minute
	gw, _ := newTestGateway(t, &cfg)
	ts := startWSTestServer(t, gw)
	defer ts.Close()

	c := mustDial(t, ts.URL, nil)
	defer func() { _ = c.Close(websocket.StatusNormalClosure, "bye") }()
	readConnectedID(t, c)

	for i := 0; i < 3; i++ {
		writeRaw(t, c, []byte(`{"v":`))
	}

	if got := readUntilClosed(t, c, 8); got != websocket.StatusPolicyViolation {
		t.Fatalf("close status=%v want %v", got, websocket.StatusPolicyViolation)
	}
}

func TestHelloFromQuery(t *testing.T) {
	t.Parallel()

	h, err := helloFromQuery(url.Values{
		"walletAddress":  {" 0xabc "},
		"walletProvider": {"metamask"},
		"mode":           {"lobby"},
		"targetId":       {"01TARGET"},
	}, "01CONN")
	if err != nil {
		t.Fatalf("helloFromQuery: %v", err)
	}
	want := broker.Hello{ID: "01CONN", Address: "0xabc", Provider: "metamask", Mode: broker.ModeLobby, TargetID: "01TARGET"}
	if h != want {
		t.Fatalf("hello=%+v want %+v", h, want)
	}

	h, err = helloFromQuery(url.Values{"mode": {"speed-dating"}}, "x")
	if err != nil || h.Mode != broker.ModeRandom {
		t.Fatalf("unknown mode: hello=%+v err=%v", h, err)
	}
}

func TestEnforceOrigin(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		required bool
		allowed  []string
		origin   string
		wantErr  bool
	}{
		{name: "missing optional", required: false},
		{name: "missing required", required: true, wantErr: true},
		{name: "exact", allowed: []string{"https://a.example"}, origin: "https://a.example"},
		{name: "host ignores port", allowed: []string{"http://localhost"}, origin: "http://localhost:5173"},
		{name: "wildcard port", allowed: []string{"http://127.0.0.1:*"}, origin: "http://127.0.0.1:3000"},
		{name: "wildcard", allowed: []string{"*"}, origin: "https://anything"},
		{name: "empty allowlist", origin: "https://a.example", wantErr: true},
		{name: "other host", allowed: []string{"https://a.example"}, origin: "https://b.example", wantErr: true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			gw := &WSGateway{cfg: GatewayConfig{OriginRequired: tc.required, AllowedOrigins: tc.allowed}}
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tc.origin != "" {
				r.Header.Set("Origin", tc.origin)
			}
			err := gw.enforceOrigin(r)
			if tc.wantErr && err == nil {
				t.Fatalf("expected error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestDeriveOriginPatterns(t *testing.T) {
	t.Parallel()

	got := deriveOriginPatternsFromAllowedOrigins([]string{
		"http://localhost:3000", "https://LOCALHOST/", "*", "app.example.com:443", "http://127.0.0.1:*", "http://[::1]:3000", "",
	})
	want := []string{
		"*",
		"127.0.0.1", "127.0.0.1:*",
		`\[::1\]`, `\[::1\]:*`,
		"app.example.com", "app.example.com:*",
		"localhost", "localhost:*",
	}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("patterns=%v want %v", got, want)
	}
}

func TestClassifyReadErr(t *testing.T) {
	t.Parallel()

	var syntaxErr error
	if err := json.Unmarshal([]byte(`{"v":`), &struct{}{}); err != nil {
		syntaxErr = err
	}

	cases := []struct {
		name string
		err  error
		want readErrKind
	}{
		{name: "canceled", err: context.Canceled, want: readErrCtxDone},
		{name: "deadline", err: context.DeadlineExceeded, want: readErrCtxDone},
		{name: "eof", err: io.EOF, want: readErrConnClosed},
		{name: "json", err: syntaxErr, want: readErrBadJSON},
		{name: "other", err: errors.New("boom"), want: readErrUnknown},
	}

	for _, tc := range cases {
		if got := classifyReadErr(tc.err); got != tc.want {
			t.Fatalf("%s: got %v want %v", tc.name, got, tc.want)
		}
	}
}

func TestClientDeliver(t *testing.T) {
	t.Parallel()

	c := NewClient("a", 1)
	if !c.Deliver(v1.Envelope{Type: "x"}) {
		t.Fatalf("first deliver must succeed")
	}
	if c.Deliver(v1.Envelope{Type: "y"}) {
		t.Fatalf("deliver to a full queue must fail")
	}
	if got := c.Dropped(); got != 1 {
		t.Fatalf("dropped=%d want 1", got)
	}
	<-c.Send
	c.Close()
	c.Close()
	if c.Deliver(v1.Envelope{Type: "z"}) {
		t.Fatalf("deliver after close must fail")
	}
	if got := c.Dropped(); got != 1 {
		t.Fatalf("refused frames after close must not count as dropped: %d", got)
	}

	var nilClient *Client
	if nilClient.Deliver(v1.Envelope{Type: "x"}) || nilClient.Dropped() != 0 {
		t.Fatalf("nil client must refuse delivery")
	}
	select {
	case <-nilClient.Done():
	default:
		t.Fatalf("nil client must report done")
	}
}

// ---- helpers ----

func testGatewayConfig() GatewayConfig {
	cfg := DefaultGatewayConfig()
	cfg.OriginRequired = false
	return cfg
}

// newTestGateway starts a broker and returns a gateway bound to it plus a func
// that stops the broker.
func newTestGateway(t *testing.T, cfg *GatewayConfig) (*WSGateway, func()) {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := broker.New(log)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = b.Run(ctx) }()

	stop := func() {
		cancel()
		<-b.Done()
	}
	t.Cleanup(stop)

	c := testGatewayConfig()
	if cfg != nil {
		c = *cfg
	}
	return NewWSGateway(log, b, c, nil), stop
}

func startWSTestServer(t *testing.T, gw *WSGateway) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	return httptest.NewServer(mux)
}

func dialWS(t *testing.T, baseHTTPURL string, origin string, query url.Values) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	u, err := url.Parse(baseHTTPURL)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	u.Scheme = "ws"
	u.Path = "/ws"
	u.RawQuery = query.Encode()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
}

func mustDial(t *testing.T, baseHTTPURL string, query url.Values) *websocket.Conn {
	t.Helper()
	conn, resp, err := dialWS(t, baseHTTPURL, "", query)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func readConnectedID(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	var p v1.ConnectedPayload
	decodeInto(t, readUntilType(t, conn, v1.TypeConnected, 1), &p)
	if len(p.ID) != 26 {
		t.Fatalf("connection id %q is not a ULID", p.ID)
	}
	return p.ID
}

func writeEnvelopeWS(t *testing.T, conn *websocket.Conn, env v1.Envelope) {
	t.Helper()
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	writeRaw(t, conn, b)
}

func writeRaw(t *testing.T, conn *websocket.Conn, b []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("conn.Write: %v", err)
	}
}

func readUntilType(t *testing.T, conn *websocket.Conn, typ string, maxReads int) v1.Envelope {
	t.Helper()
	if maxReads <= 0 {
		maxReads = 1
	}
	for i := 0; i < maxReads; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, b, err := conn.Read(ctx)
		cancel()
		if err != nil {
			t.Fatalf("conn.Read: %v", err)
		}
		var env v1.Envelope
		if err := json.Unmarshal(b, &env); err != nil {
			t.Fatalf("unmarshal envelope: %v", err)
		}
		if env.Type == typ {
			return env
		}
	}
	t.Fatalf("did not receive envelope type %q", typ)
	return v1.Envelope{}
}

// readUntilClosed reads until the server closes the connection and returns the close status.
func readUntilClosed(t *testing.T, conn *websocket.Conn, maxReads int) websocket.StatusCode {
	t.Helper()
	for i := 0; i < maxReads; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, _, err := conn.Read(ctx)
		cancel()
		if err != nil {
			return websocket.CloseStatus(err)
		}
	}
	t.Fatalf("connection still open after %d reads", maxReads)
	return -1
}

// pumpEnvelopes reads conn in the background until the test ends or the
// connection fails; the returned channel is closed on failure.
func pumpEnvelopes(t *testing.T, conn *websocket.Conn) <-chan v1.Envelope {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	out := make(chan v1.Envelope, 16)
	go func() {
		defer close(out)
		for {
			_, b, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var env v1.Envelope
			if err := json.Unmarshal(b, &env); err != nil {
				continue
			}
			select {
			case out <- env:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func mustJSONRaw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	return b
}

func decodeInto(t *testing.T, env v1.Envelope, v any) {
	t.Helper()
	if err := json.Unmarshal(env.Payload, v); err != nil {
		t.Fatalf("decode %s payload: %v", env.Type, err)
	}
}
