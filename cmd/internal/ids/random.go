package ids

import (
	"crypto/rand"
	"encoding/hex"
)

// NewRandomHex returns 2*nBytes random hex characters; nBytes <= 0 means 16.
func NewRandomHex(nBytes int) string {
	if nBytes <= 0 {
		nBytes = 16
	}

	b := make([]byte, nBytes)
	_, _ = rand.Read(b) // crypto/rand.Read does not fail on supported platforms.
	return hex.EncodeToString(b)
}
