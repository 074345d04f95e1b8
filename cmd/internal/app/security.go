package app

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"pairline/cmd/security/turn"
)

// ValidateConfig enforces startup policy. It fails fast instead of silently
// running with a half-configured TURN endpoint or an unusable origin list.
func ValidateConfig(cfg Config) error {
	var errs []error

	switch strings.ToLower(strings.TrimSpace(cfg.Log.Format)) {
	case "json", "text", "pretty":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: must be one of json, text, pretty", cfg.Log.Format))
	}

	if cfg.Broker.ShutdownGrace < 0 {
		errs = append(errs, errors.New("broker.shutdown_grace must not be negative"))
	}
	if cfg.HTTP.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("http.shutdown_timeout must not be negative"))
	}

	if !cfg.WS.DevInsecure {
		for _, o := range cfg.WS.AllowedOrigins {
			if err := validateOrigin(o); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if cfg.Database.MinConns > cfg.Database.MaxConns {
		errs = append(errs, fmt.Errorf("database.min_conns (%d) exceeds max_conns (%d)", cfg.Database.MinConns, cfg.Database.MaxConns))
	}

	if cfg.TURN.Enabled() {
		if _, err := turn.NewIssuer(cfg.TURN.Secret, cfg.TURN.URLs, cfg.TURN.STUNURLs, cfg.TURN.TTL); err != nil {
			switch {
			case errors.Is(err, turn.ErrSecretTooShort):
				errs = append(errs, fmt.Errorf("turn.secret is too short (min %d bytes)", turn.MinSecretBytes))
			case errors.Is(err, turn.ErrNoURLs):
				errs = append(errs, errors.New("turn.secret is set but turn.urls is empty"))
			default:
				errs = append(errs, fmt.Errorf("turn: %w", err))
			}
		}
	} else if len(cfg.TURN.URLs) > 0 {
		errs = append(errs, errors.New("turn.urls is set but turn.secret is missing"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// validateOrigin accepts "*" or scheme://host[:port] where port may be "*".
func validateOrigin(o string) error {
	o = strings.TrimSpace(o)
	if o == "" {
		return errors.New("ws.allowed_origins contains an empty entry")
	}
	if o == "*" {
		return nil
	}
	u, err := url.Parse(strings.Replace(o, ":*", "", 1))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("ws.allowed_origins: %q is not an http(s) origin", o)
	}
	if u.Path != "" && u.Path != "/" {
		return fmt.Errorf("ws.allowed_origins: %q must not contain a path", o)
	}
	return nil
}
