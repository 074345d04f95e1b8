package ids

import (
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
)

func TestNewULID(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	a, err := NewULID(now)
	if err != nil {
		t.Fatalf("NewULID: %v", err)
	}
	b, err := NewULID(now)
	if err != nil {
		t.Fatalf("NewULID: %v", err)
	}

	if len(a) != 26 {
		t.Fatalf("len=%d want 26", len(a))
	}
	if a == b {
		t.Fatalf("ids must be unique: %s", a)
	}
	if b <= a {
		t.Fatalf("ids minted in the same millisecond must increase: %s then %s", a, b)
	}

	parsed, err := ulid.Parse(a)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := ulid.Time(parsed.Time()); !got.Equal(now) {
		t.Fatalf("timestamp=%v want %v", got, now)
	}
}

func TestNewRandomHex(t *testing.T) {
	t.Parallel()

	cases := []struct {
		n    int
		want int
	}{
		{n: 0, want: 32},
		{n: -1, want: 32},
		{n: 10, want: 20},
	}
	for _, tc := range cases {
		if got := NewRandomHex(tc.n); len(got) != tc.want {
			t.Fatalf("NewRandomHex(%d) len=%d want %d", tc.n, len(got), tc.want)
		}
	}
}
