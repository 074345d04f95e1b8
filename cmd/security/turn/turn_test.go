package turn

import (
	"errors"
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestNewIssuerValidation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		secret  string
		urls    []string
		wantErr error
	}{
		{name: "missing secret", secret: " ", urls: []string{"turn:x"}, wantErr: ErrSecretMissing},
		{name: "short secret", secret: "short", urls: []string{"turn:x"}, wantErr: ErrSecretTooShort},
		{name: "no urls", secret: testSecret, urls: []string{"  "}, wantErr: ErrNoURLs},
		{name: "ok", secret: testSecret, urls: []string{"turn:turn.example.com:3478"}},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewIssuer(tc.secret, tc.urls, nil, 0)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("err=%v want %v", err, tc.wantErr)
			}
		})
	}
}

func TestIssueAndVerify(t *testing.T) {
	t.Parallel()

	iss, err := NewIssuer(testSecret, []string{"turn:turn.example.com:3478?transport=udp"}, []string{"stun:stun.l.google.com:19302"}, time.Hour)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := iss.Issue("01CONN", now)

	if !strings.HasSuffix(c.Username, ":01CONN") {
		t.Fatalf("username=%q", c.Username)
	}
	if c.TTL != 3600 || !c.ExpiresAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("ttl=%d expires=%v", c.TTL, c.ExpiresAt)
	}
	if len(c.ICEServers) != 2 || c.ICEServers[0].Credential != "" || c.ICEServers[1].Credential != c.Credential {
		t.Fatalf("ice servers=%+v", c.ICEServers)
	}

	secret := []byte(testSecret)
	if !Verify(c.Username, c.Credential, secret, now.Add(30*time.Minute)) {
		t.Fatalf("fresh credential rejected")
	}
	if Verify(c.Username, c.Credential, secret, now.Add(2*time.Hour)) {
		t.Fatalf("expired credential accepted")
	}
	if Verify(c.Username, c.Credential, []byte("another-secret-another-secret-xx"), now) {
		t.Fatalf("credential verified with the wrong secret")
	}
}

func TestSignKnownVector(t *testing.T) {
	t.Parallel()

	// HMAC-SHA1("key", "The quick brown fox jumps over the lazy dog") = de7c9b85b8b78aa6bc8a7a36f70a90701c9db4d9
	got := Sign("The quick brown fox jumps over the lazy dog", []byte("key"))
	if got != "3nybhbi3iqa8ino29wqQcBydtNk=" {
		t.Fatalf("sign=%q", got)
	}
}
