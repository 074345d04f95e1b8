package turn

import (
	"crypto/hmac"
	"crypto/sha1" // #nosec G505 -- coturn's REST scheme is defined over HMAC-SHA1.
	"encoding/base64"
	"strconv"
	"strings"
	"time"
)

const (
	// MinSecretBytes is the minimum accepted shared secret length.
	MinSecretBytes = 32

	// DefaultTTL is how long issued credentials stay valid.
	DefaultTTL = 12 * time.Hour
)

// ICEServer mirrors the browser RTCIceServer dictionary.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// Credentials is the response handed to a client before it builds its RTCPeerConnection.
type Credentials struct {
	Username   string      `json:"username"`
	Credential string      `json:"credential"`
	TTL        int64       `json:"ttl"`
	ExpiresAt  time.Time   `json:"expiresAt"`
	ICEServers []ICEServer `json:"iceServers"`
}

// Issuer mints credentials for a fixed secret and URL set.
type Issuer struct {
	secret []byte
	urls   []string
	stun   []string
	ttl    time.Duration
}

// NewIssuer validates the secret and URLs. ttl <= 0 uses DefaultTTL.
// stunURLs are returned as an extra credential-less ICE server.
func NewIssuer(secret string, turnURLs, stunURLs []string, ttl time.Duration) (*Issuer, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrSecretMissing
	}
	if len(secret) < MinSecretBytes {
		return nil, ErrSecretTooShort
	}

	urls := cleanURLs(turnURLs)
	if len(urls) == 0 {
		return nil, ErrNoURLs
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &Issuer{
		secret: []byte(secret),
		urls:   urls,
		stun:   cleanURLs(stunURLs),
		ttl:    ttl,
	}, nil
}

// Issue mints credentials for userID valid until now+ttl.
// An empty userID yields a bare expiry username, which coturn also accepts.
func (i *Issuer) Issue(userID string, now time.Time) Credentials {
	expires := now.Add(i.ttl).UTC().Truncate(time.Second)

	username := strconv.FormatInt(expires.Unix(), 10)
	if id := strings.TrimSpace(userID); id != "" {
		username += ":" + id
	}
	credential := Sign(username, i.secret)

	servers := []ICEServer{{URLs: i.urls, Username: username, Credential: credential}}
	if len(i.stun) > 0 {
		servers = append([]ICEServer{{URLs: i.stun}}, servers...)
	}

	return Credentials{
		Username:   username,
		Credential: credential,
		TTL:        int64(i.ttl / time.Second),
		ExpiresAt:  expires,
		ICEServers: servers,
	}
}

// Sign returns base64(HMAC-SHA1(secret, username)).
func Sign(username string, secret []byte) string {
	m := hmac.New(sha1.New, secret)
	_, _ = m.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(m.Sum(nil))
}

// Verify reports whether credential matches username and the expiry in
// username has not passed at now.
func Verify(username, credential string, secret []byte, now time.Time) bool {
	expiry, _, _ := strings.Cut(username, ":")
	ts, err := strconv.ParseInt(expiry, 10, 64)
	if err != nil || now.Unix() > ts {
		return false
	}
	return hmac.Equal([]byte(Sign(username, secret)), []byte(credential))
}

func cleanURLs(in []string) []string {
	out := make([]string, 0, len(in))
	for _, u := range in {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}
	return out
}
