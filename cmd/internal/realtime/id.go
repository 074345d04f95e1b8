package realtime

import (
	"time"

	"pairline/cmd/internal/ids"
)

// NewConnectionID returns a ULID used as the connection id.
// Ids are never reused, which keeps session ids unique.
func NewConnectionID(now time.Time) (string, error) {
	return ids.NewULID(now)
}
