// Package main provides a CI-friendly WebSocket smoke test for pairline signaling.
//
// It validates:
//   - handshake + subprotocol selection
//   - connected{id} for two random-mode clients
//   - waiting -> matched for both, with exactly one initiator
//   - offer / answer / ice-candidate relay in both directions, payload intact
//   - end-chat -> chat-ended for the remaining participant
//   - lobby: online_users snapshot and target_offline for an unknown target
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	v1 "pairline/contracts/signal/v1"

	"github.com/coder/websocket"
)

const (
	maxReadBytes = 1 << 20 // 1MiB

	reasonPeerEnded = "peer ended the chat"
	codeOffline     = "target_offline"
)

type smokeClient struct {
	name string
	conn *websocket.Conn
	id   string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:4000/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost:3000", "Origin header to send (browser-like WS handshake)")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		lobby   = flag.Bool("lobby", true, "Also exercise lobby mode")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()

	a := mustConnect(root, "A", *wsURL, *origin, url.Values{"walletAddress": {"smoke-wallet-a"}, "walletProvider": {"smoke"}}, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *wsURL, *origin, url.Values{"walletAddress": {"smoke-wallet-b"}, "walletProvider": {"smoke"}}, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s origin=%q\n", a.id, b.id, *origin)
	}

	mustWrite(root, a, v1.TypeWaiting, v1.WaitingPayload{}, *timeout)
	mustWrite(root, b, v1.TypeWaiting, v1.WaitingPayload{}, *timeout)

	ma := mustMatched(root, a, b, "smoke-wallet-b", *timeout)
	mb := mustMatched(root, b, a, "smoke-wallet-a", *timeout)
	if ma.SessionID != mb.SessionID {
		fatalf("session id mismatch: A=%q B=%q", ma.SessionID, mb.SessionID)
	}
	if ma.Initiator == mb.Initiator {
		fatalf("exactly one side must be initiator: A=%v B=%v", ma.Initiator, mb.Initiator)
	}

	caller, callee := a, b
	if mb.Initiator {
		caller, callee = b, a
	}
	if *verbose {
		fmt.Printf("matched: session=%s initiator=%s\n", ma.SessionID, caller.name)
	}

	mustRelay(root, caller, callee, v1.TypeOffer, json.RawMessage(`{"type":"offer","sdp":"v=0\r\no=smoke 1 1 IN IP4 127.0.0.1\r\n"}`), *timeout)
	mustRelay(root, callee, caller, v1.TypeAnswer, json.RawMessage(`{"type":"answer","sdp":"v=0\r\n"}`), *timeout)
	mustRelay(root, caller, callee, v1.TypeICECandidate, json.RawMessage(`{"candidate":"candidate:1 1 udp 2122260223 10.0.0.1 54400 typ host","sdpMid":"0","sdpMLineIndex":0}`), *timeout)

	mustWrite(root, caller, v1.TypeEndChat, struct{}{}, *timeout)
	ended := callee.mustReadUntilType(root, v1.TypeChatEnded, *timeout, nil)
	var cp v1.ChatEndedPayload
	mustUnmarshal(ended.Payload, &cp, "chat-ended")
	if cp.Reason != reasonPeerEnded {
		fatalf("chat-ended reason=%q want %q", cp.Reason, reasonPeerEnded)
	}
	mustAssertNoType(root, caller, v1.TypeChatEnded, 500*time.Millisecond)

	if *lobby {
		mustLobby(root, *wsURL, *origin, a.id, b.id, *timeout)
	}

	fmt.Printf("OK: A=%s B=%s session=%s initiator=%s\n", a.id, b.id, ma.SessionID, caller.name)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin string, query url.Values, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	u, err := url.Parse(wsURL)
	if err != nil {
		fatalf("parse url: %v", err)
	}
	u.RawQuery = query.Encode()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	if got := conn.Subprotocol(); got != v1.Subprotocol {
		fatalf("subprotocol mismatch (%s): got=%q want=%q", name, got, v1.Subprotocol)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	env := c.mustReadUntilType(parent, v1.TypeConnected, stepTimeout, nil)
	var p v1.ConnectedPayload
	mustUnmarshal(env.Payload, &p, "connected")
	if strings.TrimSpace(p.ID) == "" {
		fatalf("connected missing id (%s)", name)
	}
	c.id = p.ID

	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if env.V != v1.Version || strings.TrimSpace(env.Type) == "" {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: v=%q type=%q", env.V, env.Type):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustMatched(parent context.Context, c, peer *smokeClient, peerWallet string, stepTimeout time.Duration) v1.MatchedPayload {
	env := c.mustReadUntilType(parent, v1.TypeMatched, stepTimeout, nil)

	var p v1.MatchedPayload
	mustUnmarshal(env.Payload, &p, "matched")
	if p.Peer != peer.id {
		fatalf("matched peer (%s): got=%q want=%q", c.name, p.Peer, peer.id)
	}
	if p.PeerWallet != peerWallet {
		fatalf("matched peerWallet (%s): got=%q want=%q", c.name, p.PeerWallet, peerWallet)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("matched missing sessionId (%s)", c.name)
	}
	return p
}

func mustRelay(parent context.Context, from, to *smokeClient, typ string, payload json.RawMessage, stepTimeout time.Duration) {
	mustWrite(parent, from, typ, v1.RelayPayload{To: to.id, Payload: payload}, stepTimeout)

	env := to.mustReadUntilType(parent, typ, stepTimeout, nil)
	var p v1.RelayedPayload
	mustUnmarshal(env.Payload, &p, typ)
	if p.From != from.id {
		fatalf("%s from (%s): got=%q want=%q", typ, to.name, p.From, from.id)
	}
	if !jsonEqual(p.Payload, payload) {
		fatalf("%s payload changed (%s): got=%s want=%s", typ, to.name, p.Payload, payload)
	}
}

func mustLobby(parent context.Context, wsURL, origin, idA, idB string, stepTimeout time.Duration) {
	c := mustConnect(parent, "C", wsURL, origin, url.Values{"mode": {"lobby"}, "walletAddress": {"smoke-wallet-c"}}, stepTimeout)
	defer closeWS(c.conn)

	mustWrite(parent, c, v1.TypeGetOnlineUsers, struct{}{}, stepTimeout)
	env := c.mustReadUntilType(parent, v1.TypeOnlineUsers, stepTimeout, nil)

	var users v1.OnlineUsersPayload
	mustUnmarshal(env.Payload, &users, "online_users")
	var ids []string
	for _, u := range users.Users {
		ids = append(ids, u.ID)
	}
	for _, want := range []string{idA, idB, c.id} {
		if !slices.Contains(ids, want) {
			fatalf("online_users missing %q: %v", want, ids)
		}
	}

	mustWrite(parent, c, v1.TypeInitiateChat, v1.InitiateChatPayload{TargetUserID: "01NOSUCHCONNECTION0000000"}, stepTimeout)
	ep := c.mustReadError(parent, stepTimeout)
	if ep.Code != codeOffline {
		fatalf("initiate_chat unknown target: code=%q want %q (msg=%q)", ep.Code, codeOffline, ep.Message)
	}
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if env.Type == forbiddenType {
				fatalf("unexpected %s received (%s)", forbiddenType, c.name)
			}
		}
	}
}

func (c *smokeClient) mustReadError(parent context.Context, stepTimeout time.Duration) v1.ErrorPayload {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for error (%s): %v", c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for error (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for error (%s)", c.name)
			}
			if env.Type != v1.TypeError {
				continue
			}
			var ep v1.ErrorPayload
			mustUnmarshal(env.Payload, &ep, "error")
			return ep
		}
	}
}

// mustReadUntilType skips lobby announcements and any type in skipTypes.
func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if env.Type == v1.TypeUserJoined || env.Type == v1.TypeUserLeft {
				continue
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWrite(parent context.Context, c *smokeClient, typ string, payload any, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      fmt.Sprintf("%s-%s-%d", c.name, typ, time.Now().UnixNano()),
		TS:      time.Now().UTC(),
		Payload: mustJSON(payload),
	}

	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed (%s): %v", c.name, err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		fatalf("marshal payload: %v", err)
	}
	return b
}

func mustUnmarshal(raw json.RawMessage, v any, what string) {
	if err := json.Unmarshal(raw, v); err != nil {
		fatalf("unmarshal %s payload: %v", what, err)
	}
}

func jsonEqual(a, b json.RawMessage) bool {
	var ca, cb bytes.Buffer
	if err := json.Compact(&ca, a); err != nil {
		return false
	}
	if err := json.Compact(&cb, b); err != nil {
		return false
	}
	return bytes.Equal(ca.Bytes(), cb.Bytes())
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
