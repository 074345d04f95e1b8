package turn

import "errors"

// Public, stable errors for callers.
var (
	ErrSecretMissing  = errors.New("turn shared secret missing")
	ErrSecretTooShort = errors.New("turn shared secret too short")
	ErrNoURLs         = errors.New("turn urls missing")
)
